package sandbox

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestProcessRunner_StdinAndExitCode(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner(testLogger())

	var pid int
	out, err := r.Run(context.Background(), RunRequest{
		Path:    "/bin/sh",
		Args:    []string{"-c", "cat; echo oops >&2; exit 3"},
		Stdin:   []byte(`{"code": "x"}`),
		Timeout: 10 * time.Second,
		OnStart: func(p int) { pid = p },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Stdout != `{"code": "x"}` {
		t.Errorf("Stdout = %q", out.Stdout)
	}
	if strings.TrimSpace(out.Stderr) != "oops" {
		t.Errorf("Stderr = %q", out.Stderr)
	}
	if out.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", out.ExitCode)
	}
	if pid <= 0 {
		t.Error("OnStart not called with a pid")
	}
}

func TestProcessRunner_EnvNotInherited(t *testing.T) {
	requireShell(t)
	t.Setenv("NGOME_HOST_ONLY", "leak")
	r := NewProcessRunner(testLogger())

	out, err := r.Run(context.Background(), RunRequest{
		Path: "/bin/sh",
		Args: []string{"-c", "echo \"$NGOME_HOST_ONLY|$SECRET_X\""},
		Env:  []string{"SECRET_X=given"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(out.Stdout); got != "|given" {
		t.Errorf("Stdout = %q, want only the explicit env", got)
	}
}

func TestProcessRunner_Timeout(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner(testLogger())

	start := time.Now()
	out, err := r.Run(context.Background(), RunRequest{
		Path:    "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.TimedOut {
		t.Error("TimedOut = false")
	}
	if out.ExitCode != 137 {
		t.Errorf("ExitCode = %d, want 137", out.ExitCode)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("process group not killed promptly")
	}
}

func TestProcessRunner_Cancel(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner(testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	out, err := r.Run(ctx, RunRequest{
		Path:    "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 10 * time.Second,
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if out == nil || out.TimedOut {
		t.Errorf("out = %+v, want a non-timeout output", out)
	}
}

func TestProcessRunner_CallerDeadlineIsTimeout(t *testing.T) {
	requireShell(t)
	r := NewProcessRunner(testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	out, err := r.Run(ctx, RunRequest{
		Path:    "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.TimedOut {
		t.Error("TimedOut = false, want a caller deadline reported as timeout")
	}
}

func TestProcessRunner_StartError(t *testing.T) {
	r := NewProcessRunner(testLogger())
	if _, err := r.Run(context.Background(), RunRequest{Path: "/nonexistent/nsjail"}); err == nil {
		t.Error("expected start error")
	}
	if _, err := r.Run(context.Background(), RunRequest{}); err == nil {
		t.Error("expected empty path error")
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, remaining: 5}

	n, err := w.Write([]byte("abcdefgh"))
	if err != nil || n != 8 {
		t.Errorf("Write = %d, %v, want 8, nil", n, err)
	}
	if n, _ := w.Write([]byte("more")); n != 4 {
		t.Errorf("Write after limit = %d, want 4", n)
	}
	if buf.String() != "abcde" {
		t.Errorf("buffer = %q", buf.String())
	}
}
