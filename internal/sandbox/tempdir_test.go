package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTempDirs_Name(t *testing.T) {
	td := TempDirs{Prefix: "lf", Hostname: "host-1"}
	if got := td.Name("0123456789abcdef"); got != "lf-host-1-01234567" {
		t.Errorf("Name = %q", got)
	}
	if got := td.Name("abc"); got != "lf-host-1-abc" {
		t.Errorf("Name = %q", got)
	}
}

func TestNewTempDirs_IDs(t *testing.T) {
	td := NewTempDirs("/r", "", "1000", "nogroup")
	if td.UID != 1000 || td.GID != -1 {
		t.Errorf("UID, GID = %d, %d, want 1000, -1", td.UID, td.GID)
	}
}

func TestTempDirs_CreateUnique(t *testing.T) {
	root := t.TempDir()
	td := TempDirs{Root: root, Hostname: "h", UID: -1, GID: -1}

	a, err := td.Create("same-id-123")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := td.Create("same-id-123")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a == b {
		t.Fatal("two executions share a temp dir")
	}
	for _, dir := range []string{a, b} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o700 {
			t.Errorf("%s mode = %v, want 0700", dir, info.Mode().Perm())
		}
		if !strings.HasPrefix(filepath.Base(dir), DefaultTempPrefix+"-h-same-id") {
			t.Errorf("unexpected name %s", dir)
		}
	}
}

func TestTempDirs_Sweep(t *testing.T) {
	root := t.TempDir()
	td := TempDirs{Root: root, Hostname: "h", UID: -1, GID: -1}

	old, err := td.Create("old-execution")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := td.Create("new-execution")
	if err != nil {
		t.Fatal(err)
	}
	unrelated := filepath.Join(root, "other-dir")
	if err := os.Mkdir(unrelated, 0o700); err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-2 * time.Hour)
	for _, dir := range []string{old, unrelated} {
		if err := os.Chtimes(dir, past, past); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := td.Sweep(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale execution dir survived")
	}
	for _, dir := range []string{fresh, unrelated} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("%s removed: %v", dir, err)
		}
	}
}
