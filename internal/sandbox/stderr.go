package sandbox

import "strings"

// jailNoise are markers of nsjail's own informational output.
var jailNoise = []string{
	"Mode: STANDALONE",
	"Jail parameters:",
	"hostname:",
	"clone_new",
	"max_conns",
	"time_limit:",
	"process:",
	"bind:[",
	"personality:",
	"daemonize:",
	"chroot:",
}

var problemMarkers = []string{"ERROR", "Error", "error", "WARN", "Warning", "warning", "Traceback", "Exception"}

// filterStderr drops isolation-layer info lines and blank lines. hasProblems
// reports whether any remaining line looks like an error or warning.
func filterStderr(stderr string) (filtered string, hasProblems bool) {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "[I][") || containsAny(line, jailNoise...) {
			continue
		}
		if containsAny(line, problemMarkers...) {
			hasProblems = true
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), hasProblems
}

// truncate shortens s to n bytes for log lines.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
