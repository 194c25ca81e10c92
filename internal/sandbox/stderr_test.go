package sandbox

import "testing"

func TestFilterStderr(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		want     string
		problems bool
	}{
		{"empty", "", "", false},
		{"only jail info", "[I][2024-01-01] Mode: STANDALONE_ONCE\n[I][2024] Jail parameters: hostname:'sandbox'\n", "", false},
		{"keeps component output", "[I][x] clone_newnet:true\nloading model\n", "loading model", false},
		{"flags warnings", "UserWarning: deprecated\n", "UserWarning: deprecated", true},
		{"flags tracebacks", "Traceback (most recent call last):\n  boom", "Traceback (most recent call last):\n  boom", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, problems := filterStderr(tt.in)
			if got != tt.want {
				t.Errorf("filtered = %q, want %q", got, tt.want)
			}
			if problems != tt.problems {
				t.Errorf("problems = %v, want %v", problems, tt.problems)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 3); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}
