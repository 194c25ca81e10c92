package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty components.
	maxOutputBytes = 4 << 20 // 4 MB

	// waitDelay bounds how long pipes may stay open after the group is killed.
	waitDelay = 2 * time.Second

	launcherPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// RunRequest is one isolation-layer invocation.
type RunRequest struct {
	// Path is the launcher binary (nsjail). Args follow it.
	Path string
	Args []string

	// Env is the launcher's own environment. The jail environment is
	// passed through Args.
	Env []string

	// Stdin is written to the process and then closed.
	Stdin []byte

	// Timeout is the host-side wall-clock budget. Zero = no timeout.
	Timeout time.Duration

	// OnStart is called once the process has been started.
	OnStart func(pid int)
}

// RunOutput is the raw outcome of a run.
type RunOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	// TimedOut is set when the host wall-clock budget expired and the
	// process group was killed.
	TimedOut bool
}

// Runner launches the isolation layer. A non-nil error means the process
// could not be run or the caller cancelled; a timeout is reported through
// RunOutput.TimedOut instead.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunOutput, error)
}

// ProcessRunner executes the launcher as a local OS process.
//
// Security guarantees:
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from parent, only req.Env
//   - Payload delivered on stdin, never on the command line
//   - stdout/stderr capped to prevent OOM
type ProcessRunner struct {
	logger *slog.Logger
}

// NewProcessRunner creates a ProcessRunner.
func NewProcessRunner(logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{logger: logger}
}

// Run starts the process, feeds stdin and waits for it within req.Timeout.
func (r *ProcessRunner) Run(ctx context.Context, req RunRequest) (*RunOutput, error) {
	if req.Path == "" {
		return nil, fmt.Errorf("empty launcher path")
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Path, req.Args...)

	// Process group isolation: the child runs in its own group.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	// Kill the entire process group on timeout or cancellation so that
	// nothing the jail spawned survives it.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	cmd.Env = req.Env
	if cmd.Env == nil {
		cmd.Env = []string{"PATH=" + launcherPath}
	}
	cmd.Stdin = bytes.NewReader(req.Stdin)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Path, err)
	}
	if req.OnStart != nil {
		req.OnStart(cmd.Process.Pid)
	}
	waitErr := cmd.Wait()
	out := &RunOutput{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	// Caller cancellation wins over the timeout. A caller deadline counts
	// as a timeout.
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.ExitCode = exitCode(waitErr)
		return out, ctx.Err()
	}
	if runCtx.Err() != nil {
		out.TimedOut = true
		out.ExitCode = exitCode(waitErr)
		r.logger.WarnContext(ctx, "sandbox process killed after wall-clock timeout",
			slog.Duration("timeout", req.Timeout),
			slog.Duration("duration", out.Duration),
		)
		return out, nil
	}

	if waitErr != nil {
		// Non-zero exit code is not an error, it's a result.
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return out, fmt.Errorf("waiting for %s: %w", req.Path, waitErr)
		}
		out.ExitCode = exitCode(exitErr)
	}
	return out, nil
}

// exitCode maps a wait error to a shell-style exit code: 128+signal for
// signalled processes, -1 when unknown.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
