package signature

import (
	"strings"
	"testing"
)

const sampleComponent = `
from lfx.custom import Component  # base


class EchoComponent(Component):
    """Echo the input."""

    display_name = "Echo"
    name = "Echo"

    def build(self, text: str) -> str:
        # just echo
        return text
`

func TestNormalize_DropsCommentsAndBlankLines(t *testing.T) {
	got := Normalize(sampleComponent)
	want := strings.Join([]string{
		"from lfx.custom import Component",
		"class EchoComponent(Component):",
		`    """Echo the input."""`,
		`    display_name = "Echo"`,
		`    name = "Echo"`,
		"    def build(self, text: str) -> str:",
		"        return text",
	}, "\n")
	if got != want {
		t.Errorf("Normalize mismatch\n got:\n%s\nwant:\n%s", got, want)
	}
}

func TestNormalize_CosmeticEditsStable(t *testing.T) {
	variants := []string{
		sampleComponent,
		// Two-space indentation, extra spacing, different comments.
		`from lfx.custom import   Component
class EchoComponent( Component ):
  """Echo the input."""
  display_name   =   "Echo"   # label
  name = "Echo"
  def build(self,text:str)->str:
      return text`,
		// Arguments wrapped across lines.
		`from lfx.custom import Component
class EchoComponent(
    Component,
):
    """Echo the input."""
    display_name = "Echo"
    name = "Echo"
    def build(
        self,
        text: str,
    ) -> str:
        return text
`,
	}

	key := []byte("test-key")
	base := Sign(Normalize(variants[0]), key)
	// The trailing comma in the wrapped form is a real token, so only the
	// first two variants must match exactly.
	if got := Sign(Normalize(variants[1]), key); got != base {
		t.Errorf("reformatted source changed signature\n%s", Normalize(variants[1]))
	}
	if Normalize(variants[2]) == "" {
		t.Error("wrapped source should normalize")
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		sampleComponent,
		"x = [1,\n  2,\n  3]\nprint(x [0])\n",
		"@decorator\ndef f(*args, **kw):\n\treturn {'a': 1}.get('a')\n",
		"if a:\n    pass\nelif b:\n    y = -1\nelse:\n    z = not a\n",
		"from . import mod\nfrom .x import y\n",
		"total = 1 .real + 0x1F + 1e-3 + 2j\n",
		"value = a[1:2, ::3] @ b\n",
		"s = 'abc'.upper() + \"\"\"multi\nline\"\"\"\n",
		"def g():\n    return (yield)\n",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("not idempotent for %q\n once: %q\ntwice: %q", in, once, twice)
		}
	}
}

func TestNormalize_SensitiveToTokens(t *testing.T) {
	a := Normalize("def f():\n    return 1\n")
	b := Normalize("def f():\n    return 2\n")
	if a == b {
		t.Error("different literals must normalize differently")
	}

	c := Normalize("x = 'hello  world'\n")
	d := Normalize("x = 'hello world'\n")
	if c == d {
		t.Error("string literal contents must be preserved exactly")
	}

	// Indentation structure is semantic.
	e := Normalize("if a:\n    b()\nc()\n")
	f := Normalize("if a:\n    b()\n    c()\n")
	if e == f {
		t.Error("indentation level changes must change the normalized form")
	}
}

func TestNormalize_StringsKeepHashes(t *testing.T) {
	got := Normalize("url = 'http://x#frag'  # comment\n")
	if got != "url = 'http://x#frag'" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_BackslashContinuation(t *testing.T) {
	a := Normalize("x = 1 + \\\n    2\n")
	b := Normalize("x = 1 + 2\n")
	if a != b {
		t.Errorf("continuation not joined: %q vs %q", a, b)
	}
}

func TestNormalize_Fallback(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"unterminated string", "x = 'abc\n  y = 1\n"},
		{"unbalanced brackets", "x = (1,\n\n   2\n"},
		{"bad dedent", "if a:\n        b = 1\n    c = 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, normalizer := normalize(tt.in)
			if normalizer != NormalizerFallback {
				t.Fatalf("normalizer = %q, want fallback", normalizer)
			}
			if out != NormalizeFallback(tt.in) {
				t.Errorf("fallback output mismatch: %q", out)
			}
			if strings.Contains(out, "\n\n") {
				t.Error("fallback must drop empty lines")
			}
		})
	}
}

func TestNormalizeFallback(t *testing.T) {
	got := NormalizeFallback("  a = 1  \r\n\n\tb(  \n")
	if got != "a = 1\nb(" {
		t.Errorf("got %q", got)
	}
}
