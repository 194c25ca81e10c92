package sandbox

import (
	"strings"
	"testing"
	"time"
)

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name    string
		signals Signals
		want    Category
		wantMsg string
	}{
		{
			name:    "policy hint multiprocessing",
			signals: Signals{ExitCode: 1, Stdout: `{"success": false, "error": "multiprocessing is disabled", "policy_hint": "use threads"}`},
			want:    CategoryMultiprocessingBlocked,
			wantMsg: "Sandbox Policy Hint: use threads",
		},
		{
			name:    "policy hint permission",
			signals: Signals{ExitCode: 1, Stdout: `{"success": false, "error": "Permission error on /etc", "policy_hint": "h"}`},
			want:    CategoryPermissionDenied,
		},
		{
			name:    "policy hint generic",
			signals: Signals{ExitCode: 1, Stdout: `{"success": false, "policy_hint": "h"}`},
			want:    CategoryPolicyViolation,
			wantMsg: "Unknown error",
		},
		{
			name:    "policy hint wins over timeout",
			signals: Signals{ExitCode: 137, TimedOut: true, Stdout: `{"success": false, "error": "import blocked", "policy_hint": "h"}`},
			want:    CategoryImportBlocked,
		},
		{
			name:    "exit 124",
			signals: Signals{ExitCode: 124, TimeoutSeconds: 30},
			want:    CategoryCPUTimeout,
			wantMsg: "timed out after 30 seconds",
		},
		{
			name:    "sigkill with time limit message",
			signals: Signals{ExitCode: 137, Stderr: "[W] run time >= time limit (30 >= 30), killing it"},
			want:    CategoryCPUTimeout,
		},
		{
			name:    "elapsed near timeout",
			signals: Signals{ExitCode: 137, Elapsed: 29500 * time.Millisecond, TimeoutSeconds: 30},
			want:    CategoryCPUTimeout,
		},
		{
			name:    "sigkill is memory",
			signals: Signals{ExitCode: 137, Elapsed: time.Second, TimeoutSeconds: 30, MaxMemoryMB: 128},
			want:    CategoryMemoryLimit,
			wantMsg: "(128MB)",
		},
		{
			name:    "oom in stderr",
			signals: Signals{ExitCode: 1, Stderr: "MemoryError: OOM"},
			want:    CategoryMemoryLimit,
		},
		{
			name:    "network",
			signals: Signals{ExitCode: 1, Stderr: "OSError: [Errno 101] Network is unreachable"},
			want:    CategoryNetworkBlocked,
		},
		{
			name:    "import blocked",
			signals: Signals{ExitCode: 1, Stderr: "ImportError: import of 'ctypes' is not allowed"},
			want:    CategoryImportBlocked,
		},
		{
			name:    "missing module",
			signals: Signals{ExitCode: 1, Stderr: "Traceback:\nModuleNotFoundError: No module named 'pandas'\n"},
			want:    CategoryMissingDependency,
			wantMsg: "Details: ModuleNotFoundError: No module named 'pandas'",
		},
		{
			name:    "seccomp compile",
			signals: Signals{ExitCode: 255, Stderr: "[E] Could not compile policy"},
			want:    CategoryPolicyError,
		},
		{
			name:    "file access",
			signals: Signals{ExitCode: 1, Stderr: "PermissionError: [Errno 13] Permission denied: No such file /etc/shadow"},
			want:    CategoryFileAccessDenied,
		},
		{
			name:    "syntax",
			signals: Signals{ExitCode: 1, Stderr: "SyntaxError: invalid syntax"},
			want:    CategorySyntaxError,
		},
		{
			name:    "nsjail config",
			signals: Signals{ExitCode: 255, Stderr: "nsjail: failed to parse argument"},
			want:    CategoryConfigError,
		},
		{
			name:    "nsjail exec",
			signals: Signals{ExitCode: 255, Stderr: "nsjail: exec failed for /usr/local/bin/python"},
			want:    CategoryExecError,
		},
		{
			name:    "python error uses last line",
			signals: Signals{ExitCode: 1, Stderr: "Traceback (most recent call last):\n  File \"c.py\", line 3\nKeyError: 'x'\n[I][2024] exit\n"},
			want:    CategoryPythonError,
			wantMsg: "Python error: KeyError: 'x'",
		},
		{
			name:    "plain non-zero exit",
			signals: Signals{ExitCode: 3},
			want:    CategoryExecutionFailed,
			wantMsg: "exit code 3",
		},
		{
			name:    "no result",
			signals: Signals{ExitCode: 0, Stdout: "hello"},
			want:    CategoryNoResult,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyFailure(tt.signals)
			if got.Category != tt.want {
				t.Errorf("category = %q, want %q (message %q)", got.Category, tt.want, got.Message)
			}
			if tt.wantMsg != "" && !strings.Contains(got.Message, tt.wantMsg) {
				t.Errorf("message = %q, want it to contain %q", got.Message, tt.wantMsg)
			}
		})
	}
}

func TestClassifyFailure_OnlyLastPayloadCounts(t *testing.T) {
	stdout := `{"success": false, "error": "import x", "policy_hint": "h"}` + "\n" + `{"success": false, "error": "plain"}`
	got := ClassifyFailure(Signals{ExitCode: 1, Stdout: stdout})
	if got.Category != CategoryExecutionFailed {
		t.Errorf("category = %q, want %q", got.Category, CategoryExecutionFailed)
	}
}
