package policy

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPolicyDir is where seccomp policies are written when no directory is configured.
const DefaultPolicyDir = "/etc/ngome/seccomp"

// Seccomp policy file names inside the policy directory.
const (
	NetworkPolicyFile   = "network.kafel"
	NoNetworkPolicyFile = "no_network.kafel"
)

//go:embed seccomp/*.kafel
var seccompFS embed.FS

// MaterializeSeccompPolicies writes the bundled Kafel policies into dir.
// Existing files are left untouched so operators can tighten them locally.
func MaterializeSeccompPolicies(dir string) error {
	if dir == "" {
		dir = DefaultPolicyDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating seccomp policy dir: %w", err)
	}

	for _, name := range []string{NetworkPolicyFile, NoNetworkPolicyFile} {
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("checking seccomp policy %s: %w", dst, err)
		}

		data, err := seccompFS.ReadFile("seccomp/" + name)
		if err != nil {
			return fmt.Errorf("reading bundled seccomp policy %s: %w", name, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("writing seccomp policy %s: %w", dst, err)
		}
	}
	return nil
}
