package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// Signals are the raw observations the failure classifier works from.
type Signals struct {
	ExitCode       int
	Stderr         string
	Stdout         string
	Elapsed        time.Duration
	TimeoutSeconds int
	MaxMemoryMB    int
	// TimedOut is set when the host killed the process after the wall-clock budget.
	TimedOut bool
}

// Failure is a classified failure.
type Failure struct {
	Category Category
	Message  string
}

var timeLimitPhrases = []string{"time limit", "run time >=", "killing it"}

var networkPhrases = []string{"enetdown", "network unreachable", "network is unreachable", "network is down"}

// ClassifyFailure maps raw signals to a category. Checks run in a fixed
// order and the first match wins. The time-limit check precedes the memory
// check because nsjail reports both as SIGKILL (137).
func ClassifyFailure(s Signals) Failure {
	if f, ok := classifyPolicyHint(s.Stdout); ok {
		return f
	}

	stderr := strings.ToLower(s.Stderr)

	if s.TimedOut || s.ExitCode == 124 ||
		(s.ExitCode == 137 && containsAny(stderr, timeLimitPhrases...)) ||
		(s.TimeoutSeconds > 0 && s.Elapsed >= time.Duration(s.TimeoutSeconds-1)*time.Second) {
		return Failure{
			Category: CategoryCPUTimeout,
			Message: fmt.Sprintf("Component execution timed out after %d seconds. "+
				"Consider optimizing performance or breaking down complex operations.", s.TimeoutSeconds),
		}
	}

	if s.ExitCode == 137 || strings.Contains(stderr, "killed") || strings.Contains(stderr, "oom") {
		return Failure{
			Category: CategoryMemoryLimit,
			Message: fmt.Sprintf("Component execution exceeded memory limit (%dMB). "+
				"Consider optimizing memory usage or reducing data size.", s.MaxMemoryMB),
		}
	}

	if containsAny(stderr, networkPhrases...) {
		return Failure{
			Category: CategoryNetworkBlocked,
			Message: "Network access blocked for untrusted component. " +
				"Network calls are not allowed in UNTRUSTED mode.",
		}
	}

	if strings.Contains(stderr, "import") && containsAny(stderr, "not allowed", "blocked") {
		return Failure{
			Category: CategoryImportBlocked,
			Message:  "Import restriction violation. Component tried to import blocked packages.",
		}
	}

	if containsAny(stderr, "modulenotfounderror", "no module named") {
		msg := "Required Python package not found. " +
			"The component requires dependencies that are not installed in the sandbox."
		for _, line := range strings.Split(s.Stderr, "\n") {
			if strings.Contains(strings.ToLower(line), "no module named") {
				msg += "\nDetails: " + strings.TrimSpace(line)
				break
			}
		}
		return Failure{Category: CategoryMissingDependency, Message: msg}
	}

	if strings.Contains(stderr, "could not compile policy") {
		return Failure{
			Category: CategoryPolicyError,
			Message: "Sandbox security policy compilation failed. " +
				"This is a system configuration issue that requires administrator attention.",
		}
	}

	if strings.Contains(stderr, "permission denied") && containsAny(stderr, "file", "directory") {
		return Failure{
			Category: CategoryFileAccessDenied,
			Message:  "File system access denied. Component tried to access files outside allowed paths.",
		}
	}

	if strings.Contains(stderr, "syntaxerror") {
		return Failure{
			Category: CategorySyntaxError,
			Message:  "Python syntax error in component code. Check component implementation for syntax issues.",
		}
	}

	if strings.Contains(stderr, "nsjail") {
		switch {
		case strings.Contains(stderr, "failed to parse"):
			return Failure{
				Category: CategoryConfigError,
				Message:  "Sandbox configuration error. Invalid nsjail configuration detected.",
			}
		case strings.Contains(stderr, "exec failed"):
			return Failure{
				Category: CategoryExecError,
				Message:  "Sandbox execution failed. Could not execute Python interpreter in sandbox environment.",
			}
		}
	}

	if containsAny(stderr, "traceback", "error:", "exception") {
		if line := lastErrorLine(s.Stderr); line != "" {
			return Failure{
				Category: CategoryPythonError,
				Message:  "Component execution failed with Python error: " + line,
			}
		}
	}

	if s.ExitCode != 0 {
		return Failure{
			Category: CategoryExecutionFailed,
			Message: fmt.Sprintf("Component execution failed with exit code %d. "+
				"Check component implementation and sandbox configuration.", s.ExitCode),
		}
	}

	return Failure{
		Category: CategoryNoResult,
		Message: "Component execution completed but produced no result. " +
			"This may indicate an issue with component output handling.",
	}
}

// classifyPolicyHint inspects the executor's own failure report. Only the
// last JSON object in stdout is considered.
func classifyPolicyHint(stdout string) (Failure, bool) {
	res, ok := parseResultPayload(stdout)
	if !ok || res.Success || res.PolicyHint == "" {
		return Failure{}, false
	}
	errMsg := res.Error
	if errMsg == "" {
		errMsg = "Unknown error"
	}
	f := Failure{Message: errMsg + "\n\nSandbox Policy Hint: " + res.PolicyHint}
	lower := strings.ToLower(errMsg)
	switch {
	case strings.Contains(lower, "multiprocessing"):
		f.Category = CategoryMultiprocessingBlocked
	case strings.Contains(lower, "import"):
		f.Category = CategoryImportBlocked
	case strings.Contains(lower, "permission"):
		f.Category = CategoryPermissionDenied
	default:
		f.Category = CategoryPolicyViolation
	}
	return f, true
}

// lastErrorLine returns the last non-empty stderr line that is not an
// isolation-layer log line.
func lastErrorLine(stderr string) string {
	lines := strings.Split(stderr, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == "" || strings.HasPrefix(lines[i], "[") {
			continue
		}
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
