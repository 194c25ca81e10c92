package trust

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeVerifier struct {
	verified map[string]bool // path → verified
	err      error
	calls    []string
}

func (f *fakeVerifier) Verify(_ context.Context, path, _ string) (bool, error) {
	f.calls = append(f.calls, path)
	if f.err != nil {
		return false, f.err
	}
	return f.verified[path], nil
}

type lockMode bool

func (l lockMode) LockModeEnabled() bool { return bool(l) }

func newTestClassifier(v Verifier, lock bool) *Classifier {
	return NewClassifier(v, lockMode(lock), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDefaultManifest(t *testing.T) {
	m := DefaultManifest()
	if len(m.Entries) == 0 {
		t.Fatal("embedded manifest is empty")
	}
	e, ok := m.Lookup("component.PythonFunction")
	if !ok {
		t.Fatal("lookup by declared name failed")
	}
	if e.ClassName != "PythonFunctionComponent" || !e.ForceSandbox {
		t.Errorf("entry = %+v", e)
	}
	if _, ok := m.Lookup("PythonFunctionComponent"); !ok {
		t.Error("lookup by class name failed")
	}
}

func TestParseManifest_RequiresClassName(t *testing.T) {
	_, err := ParseManifest([]byte("entries:\n  - name: Foo\n"))
	if err == nil {
		t.Fatal("expected error for missing class_name")
	}
}

func TestLevel_String(t *testing.T) {
	if Verified.String() != "VERIFIED" || Untrusted.String() != "UNTRUSTED" {
		t.Errorf("got %s/%s", Verified, Untrusted)
	}
	if ParseLevel("verified") != Verified || ParseLevel("bogus") != Untrusted {
		t.Error("ParseLevel mismatch")
	}
}

func TestClassify_VerifyErrorIsUntrusted(t *testing.T) {
	c := newTestClassifier(&fakeVerifier{err: errors.New("db down")}, false)
	if got := c.Classify(context.Background(), "component.Prompt", "code"); got != Untrusted {
		t.Errorf("got = %v, want UNTRUSTED", got)
	}
	if got := NewClassifier(nil, nil, Config{}, nil).Classify(context.Background(), "x", "y"); got != Untrusted {
		t.Errorf("nil verifier: got = %v, want UNTRUSTED", got)
	}
}

func TestSupportsSandbox(t *testing.T) {
	c := newTestClassifier(&fakeVerifier{}, false)
	tests := []struct {
		path string
		want bool
	}{
		{"component.CustomComponent", true},
		{"component.CustomThing", true},
		{"custom_components.my_tool", true},
		{"component.Prompt", true},
		{"component.PromptComponent", true},
		{"component.OpenAIModel", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := c.SupportsSandbox(tt.path); got != tt.want {
				t.Errorf("SupportsSandbox(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestDecide_Table(t *testing.T) {
	v := &fakeVerifier{verified: map[string]bool{
		"component.Prompt":              true,
		"component.PythonREPLComponent": true,
		"component.OpenAIModel":         true,
	}}
	tests := []struct {
		name  string
		path  string
		lock  bool
		want  Action
		trust Level
	}{
		{"unsupported verified", "component.OpenAIModel", false, ActionNative, Verified},
		{"unsupported untrusted", "component.Unknown", true, ActionNative, Untrusted},
		{"supported verified", "component.Prompt", false, ActionNative, Verified},
		{"supported verified forced", "component.PythonREPLComponent", false, ActionSandbox, Verified},
		{"supported untrusted", "component.CustomComponent", false, ActionSandbox, Untrusted},
		{"supported untrusted lock mode", "component.CustomComponent", true, ActionDeny, Untrusted},
		{"forced verified ignores lock mode", "component.PythonREPLComponent", true, ActionSandbox, Verified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(v, tt.lock)
			d := c.Decide(context.Background(), tt.path, "code")
			if d.Action != tt.want {
				t.Errorf("action = %s, want %s (%s)", d.Action, tt.want, d.Reason)
			}
			if d.Trust != tt.trust {
				t.Errorf("trust = %s, want %s", d.Trust, tt.trust)
			}
			if err := d.Err(); (err != nil) != (tt.want == ActionDeny) {
				t.Errorf("Err = %v", err)
			} else if err != nil && !errors.Is(err, ErrLockMode) {
				t.Errorf("Err = %v, want ErrLockMode", err)
			}
		})
	}
}

func TestDecision_JSON(t *testing.T) {
	c := newTestClassifier(&fakeVerifier{}, false)
	data, err := json.Marshal(c.Decide(context.Background(), "component.CustomComponent", "x"))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.Unmarshal(data, &got)
	if got["trust"] != "UNTRUSTED" || got["action"] != "sandbox" {
		t.Errorf("json = %s", data)
	}
}

func TestFlags(t *testing.T) {
	v := &fakeVerifier{verified: map[string]bool{"component.PromptComponent": true}}
	c := newTestClassifier(v, false)

	f := c.Flags(context.Background(), "Prompt-abc12", "code")
	if f.ComponentPath != "component.PromptComponent" || f.Trust != "VERIFIED" {
		t.Errorf("suffix fallback: %+v", f)
	}
	if f.Sandboxed || f.Locked || f.Blocked {
		t.Errorf("verified supported node flags = %+v", f)
	}

	f = c.Flags(context.Background(), "OpenAIModel-x1", "code")
	if !f.Sandboxed || !f.Locked || !f.Blocked {
		t.Errorf("untrusted unsupported node flags = %+v", f)
	}

	f = newTestClassifier(v, true).Flags(context.Background(), "CustomComponent-1", "")
	if !f.Sandboxed || !f.Locked || f.Blocked {
		t.Errorf("lock mode custom node flags = %+v", f)
	}
}

func TestComponentPathFromNodeID(t *testing.T) {
	if got := ComponentPathFromNodeID("CustomComponent-5ADNr"); got != "component.CustomComponent" {
		t.Errorf("got = %q", got)
	}
	if got := ComponentPathFromNodeID("Prompt"); got != "component.Prompt" {
		t.Errorf("got = %q", got)
	}
}
