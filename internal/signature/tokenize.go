package signature

import (
	"errors"
	"fmt"
	"strings"
)

// tokenKind classifies a Python source token.
type tokenKind int

const (
	tokName tokenKind = iota
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

// logicalLine is one Python statement line: its indentation depth and the
// tokens it contains, with bracket and backslash continuations already joined.
type logicalLine struct {
	depth  int
	tokens []token
}

var (
	errUnterminatedString = errors.New("unterminated string literal")
	errUnbalanced         = errors.New("unbalanced brackets")
	errDedent             = errors.New("unindent does not match any outer indentation level")
	errBadContinuation    = errors.New("unexpected character after line continuation")
)

// Operators, longest first so that matching is greedy.
var pyOperators = []string{
	"**=", "//=", ">>=", "<<=", "...", "->", ":=",
	"**", "//", ">>", "<<", "<=", ">=", "==", "!=",
	"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "@=",
	"+", "-", "*", "/", "%", "&", "|", "^", "~", "@",
	"<", ">", "=", ".", ",", ":", ";",
	"(", ")", "[", "]", "{", "}",
}

// tokenize splits Python source into logical lines. Comments and blank lines
// are dropped; string literals are kept byte-for-byte.
func tokenize(src string) ([]logicalLine, error) {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	src = strings.ReplaceAll(src, "\r", "\n")

	var (
		lines       []logicalLine
		current     []token
		indents     = []int{0}
		brackets    []byte
		atLineStart = true
		depth       int
		pos         int
		n           = len(src)
	)

	flush := func() {
		if len(current) > 0 {
			lines = append(lines, logicalLine{depth: depth, tokens: current})
			current = nil
		}
	}

	for pos < n {
		if atLineStart && len(brackets) == 0 {
			col, next := measureIndent(src, pos)
			if next >= n || src[next] == '\n' || src[next] == '#' {
				// Blank or comment-only line.
				for next < n && src[next] != '\n' {
					next++
				}
				pos = next + 1
				continue
			}
			switch top := indents[len(indents)-1]; {
			case col > top:
				indents = append(indents, col)
			case col < top:
				for len(indents) > 1 && indents[len(indents)-1] > col {
					indents = indents[:len(indents)-1]
				}
				if indents[len(indents)-1] != col {
					return nil, fmt.Errorf("line at column %d: %w", col, errDedent)
				}
			}
			depth = len(indents) - 1
			atLineStart = false
			pos = next
		}

		c := src[pos]
		switch {
		case c == '\n':
			pos++
			if len(brackets) == 0 {
				flush()
				atLineStart = true
			}
		case c == ' ' || c == '\t' || c == '\f':
			pos++
		case c == '#':
			for pos < n && src[pos] != '\n' {
				pos++
			}
		case c == '\\':
			if pos+1 < n && src[pos+1] == '\n' {
				pos += 2
				continue
			}
			return nil, errBadContinuation
		case isStringStart(src, pos):
			end, err := scanString(src, pos)
			if err != nil {
				return nil, err
			}
			current = append(current, token{kind: tokString, text: src[pos:end]})
			pos = end
		case isDigit(c) || (c == '.' && pos+1 < n && isDigit(src[pos+1])):
			end := scanNumber(src, pos)
			current = append(current, token{kind: tokNumber, text: src[pos:end]})
			pos = end
		case isIdentStart(c):
			end := pos + 1
			for end < n && isIdentChar(src[end]) {
				end++
			}
			current = append(current, token{kind: tokName, text: src[pos:end]})
			pos = end
		default:
			op := matchOperator(src[pos:])
			if op == "" {
				return nil, fmt.Errorf("unexpected character %q", c)
			}
			switch op {
			case "(", "[", "{":
				brackets = append(brackets, op[0])
			case ")", "]", "}":
				if len(brackets) == 0 || brackets[len(brackets)-1] != openerFor(op[0]) {
					return nil, errUnbalanced
				}
				brackets = brackets[:len(brackets)-1]
			}
			current = append(current, token{kind: tokOp, text: op})
			pos += len(op)
		}
	}

	if len(brackets) > 0 {
		return nil, errUnbalanced
	}
	flush()
	return lines, nil
}

// measureIndent returns the indentation column of the line starting at pos
// (tabs advance to the next multiple of 8) and the offset of its first
// non-blank character.
func measureIndent(src string, pos int) (int, int) {
	col := 0
	for pos < len(src) {
		switch src[pos] {
		case ' ':
			col++
		case '\t':
			col = (col/8 + 1) * 8
		case '\f':
			col = 0
		default:
			return col, pos
		}
		pos++
	}
	return col, pos
}

func openerFor(c byte) byte {
	switch c {
	case ')':
		return '('
	case ']':
		return '['
	default:
		return '{'
	}
}

func matchOperator(s string) string {
	for _, op := range pyOperators {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

// isStringStart reports whether a string literal (with an optional prefix
// such as r, b, f, rb) begins at pos.
func isStringStart(src string, pos int) bool {
	i := pos
	for j := 0; j < 2 && i < len(src) && isStringPrefix(src[i]); j++ {
		i++
	}
	if i >= len(src) || (src[i] != '\'' && src[i] != '"') {
		return false
	}
	// A prefix must not be the tail of a longer identifier.
	return pos == 0 || i == pos || !isIdentChar(src[pos-1])
}

func isStringPrefix(c byte) bool {
	switch c {
	case 'r', 'R', 'b', 'B', 'u', 'U', 'f', 'F':
		return true
	}
	return false
}

// scanString returns the offset just past the literal starting at pos.
func scanString(src string, pos int) (int, error) {
	i := pos
	for src[i] != '\'' && src[i] != '"' {
		i++
	}
	quote := src[i]
	triple := i+2 < len(src) && src[i+1] == quote && src[i+2] == quote
	if triple {
		i += 3
	} else {
		i++
	}

	for i < len(src) {
		c := src[i]
		switch {
		case c == '\\':
			i += 2
			continue
		case c == '\n' && !triple:
			return 0, errUnterminatedString
		case c == quote:
			if !triple {
				return i + 1, nil
			}
			if i+2 < len(src) && src[i+1] == quote && src[i+2] == quote {
				return i + 3, nil
			}
		}
		i++
	}
	return 0, errUnterminatedString
}

func scanNumber(src string, pos int) int {
	i := pos
	for i < len(src) {
		c := src[i]
		switch {
		case isDigit(c) || isLetter(c) || c == '_' || c == '.':
			i++
		case (c == '+' || c == '-') && i > pos && (src[i-1] == 'e' || src[i-1] == 'E') && !isHexLiteral(src[pos:i]):
			i++
		default:
			return i
		}
	}
	return i
}

func isHexLiteral(s string) bool {
	return len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

// Non-ASCII bytes are treated as identifier characters so UTF-8 names pass through intact.
func isIdentStart(c byte) bool { return isLetter(c) || c == '_' || c >= 0x80 }
func isIdentChar(c byte) bool  { return isIdentStart(c) || isDigit(c) }
