package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTempPrefix names per-execution directories.
const DefaultTempPrefix = "ngome-sandbox"

// TempDirs allocates the per-execution writable directories that are
// bind-mounted at /tmp inside the jail.
type TempDirs struct {
	Root   string // Default: os.TempDir()
	Prefix string // Default: DefaultTempPrefix
	// UID and GID own the directory when the host runs as root. -1 skips chown.
	UID int
	GID int
	// Hostname identifies the host or container. Default: $HOSTNAME or "unknown".
	Hostname string
}

// NewTempDirs builds TempDirs, resolving numeric jail user and group ids.
// Non-numeric identities leave the directory owned by the host user.
func NewTempDirs(root, prefix, user, group string) TempDirs {
	t := TempDirs{Root: root, Prefix: prefix, UID: -1, GID: -1}
	if uid, err := strconv.Atoi(user); err == nil {
		t.UID = uid
	}
	if gid, err := strconv.Atoi(group); err == nil {
		t.GID = gid
	}
	return t
}

func (t TempDirs) root() string {
	if t.Root != "" {
		return t.Root
	}
	return os.TempDir()
}

func (t TempDirs) prefix() string {
	if t.Prefix != "" {
		return t.Prefix
	}
	return DefaultTempPrefix
}

func (t TempDirs) hostname() string {
	if t.Hostname != "" {
		return t.Hostname
	}
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	return "unknown"
}

// Name is the directory name for an execution: <prefix>-<host>-<id[:8]>.
func (t TempDirs) Name(executionID string) string {
	id := executionID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s-%s", t.prefix(), t.hostname(), id)
}

// Create makes the directory with mode 0700. If the name is taken a random
// suffix is added, so two executions never share a directory.
func (t TempDirs) Create(executionID string) (string, error) {
	root := t.root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("creating temp root %s: %w", root, err)
	}

	dir := filepath.Join(root, t.Name(executionID))
	err := os.Mkdir(dir, 0o700)
	if errors.Is(err, os.ErrExist) {
		dir, err = os.MkdirTemp(root, t.Name(executionID)+"-*")
	}
	if err != nil {
		return "", fmt.Errorf("creating execution temp dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("restricting execution temp dir: %w", err)
	}

	if os.Geteuid() == 0 && (t.UID >= 0 || t.GID >= 0) {
		if err := unix.Chown(dir, t.UID, t.GID); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("handing execution temp dir to jail user: %w", err)
		}
	}
	return dir, nil
}

// Sweep removes directories under Root carrying this prefix whose
// modification time is before cutoff. It returns the number removed and the
// first removal error, continuing past failures.
func (t TempDirs) Sweep(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(t.root())
	if err != nil {
		return 0, fmt.Errorf("reading temp root: %w", err)
	}

	var (
		removed  int
		firstErr error
	)
	prefix := t.prefix() + "-"
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(t.root(), e.Name())); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
