package policy

import (
	"fmt"
	"os"
	"path/filepath"
)

var chrootSkeleton = []string{
	"tmp",
	"usr/bin",
	"usr/lib",
	"usr/local/lib",
	"lib",
	"bin",
	"dev",
}

// PrepareChroot creates the minimal directory layout the jail expects under dir,
// plus empty dev/null and dev/zero placeholders for bind mounts to land on.
func PrepareChroot(dir string) error {
	for _, sub := range chrootSkeleton {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("creating chroot dir %s: %w", sub, err)
		}
	}
	for _, dev := range []string{"dev/null", "dev/zero"} {
		path := filepath.Join(dir, dev)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o666)
		if err != nil {
			return fmt.Errorf("creating chroot placeholder %s: %w", dev, err)
		}
		_ = f.Close()
	}
	return nil
}
