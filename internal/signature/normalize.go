package signature

import (
	"strings"
)

// Normalizer names recorded in signature metadata.
const (
	NormalizerTokens   = "tokens"
	NormalizerFallback = "fallback"
)

const indentUnit = "    "

// pyKeywords are names that read as statements, not callables; a following
// bracket keeps its separating space.
var pyKeywords = map[string]bool{
	"and": true, "as": true, "assert": true, "async": true, "await": true,
	"del": true, "elif": true, "else": true, "except": true, "for": true,
	"from": true, "if": true, "import": true, "in": true, "is": true,
	"lambda": true, "not": true, "or": true, "raise": true, "return": true,
	"while": true, "with": true, "yield": true,
}

// Normalize canonicalizes Python source so that cosmetic edits (comments,
// blank lines, spacing, line wrapping inside brackets, indentation width) do
// not change the result. String literals are preserved exactly.
//
// Source that cannot be tokenized falls back to NormalizeFallback.
func Normalize(code string) string {
	out, _ := normalize(code)
	return out
}

// normalize returns the canonical form and the normalizer that produced it.
func normalize(code string) (string, string) {
	lines, err := tokenize(code)
	if err != nil {
		return NormalizeFallback(code), NormalizerFallback
	}

	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Repeat(indentUnit, line.depth))
		renderTokens(&b, line.tokens)
	}
	return b.String(), NormalizerTokens
}

// NormalizeFallback is the normalization used when source does not tokenize:
// each line is trimmed of surrounding whitespace, empty lines are dropped and
// the rest are joined with "\n". It depends only on the input bytes.
func NormalizeFallback(code string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	var kept []string
	for _, line := range strings.Split(code, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// renderTokens joins tokens with single spaces, omitting the space in the few
// places where doing so cannot merge two tokens into one on re-tokenization.
func renderTokens(b *strings.Builder, toks []token) {
	for i, t := range toks {
		if i > 0 && needsSpace(toks[i-1], t, i == 1) {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
	}
}

func needsSpace(prev, cur token, prevIsFirst bool) bool {
	if prev.kind == tokOp {
		switch prev.text {
		case "(", "[", "{":
			return false
		case ".":
			return cur.kind != tokName || pyKeywords[cur.text]
		case "@":
			// Decorator.
			return !(prevIsFirst && cur.kind == tokName)
		}
	}
	if cur.kind == tokOp {
		switch cur.text {
		case ")", "]", "}", ",", ":", ";":
			return false
		case ".":
			return !callable(prev)
		case "(", "[":
			return !callable(prev)
		}
	}
	return true
}

func isCloser(t token) bool {
	return t.kind == tokOp && (t.text == ")" || t.text == "]" || t.text == "}")
}

// callable reports whether a bracket after t is a call or subscript.
func callable(t token) bool {
	switch t.kind {
	case tokName:
		return !pyKeywords[t.text]
	case tokString:
		return true
	}
	return isCloser(t)
}
