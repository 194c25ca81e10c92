package signature

import (
	"strings"
)

// ComponentClass is a class found by static inspection of a source file.
type ComponentClass struct {
	ClassName    string
	DeclaredName string
	Version      string
}

var componentNameSuffixes = []string{
	"Component", "Tool", "Agent", "Model", "Embeddings", "Vectorstore",
	"Loader", "Splitter", "Retriever", "Memory", "Chain", "Prompt",
}

var componentBaseNames = []string{
	"Component", "CustomComponent", "BaseComponent", "LangChainComponent",
	"ProcessingComponent", "InputComponent", "OutputComponent",
	"ToolComponent", "AgentComponent",
}

var componentAttributeBases = map[string]bool{
	"Component": true, "CustomComponent": true, "BaseComponent": true,
	"ToolComponent": true, "AgentComponent": true,
}

var componentClassAttrs = map[string]bool{
	"display_name": true, "description": true, "icon": true,
	"inputs": true, "outputs": true,
	"code_class_base_inheritance": true, "_code_class_base_inheritance": true,
}

var componentMethods = map[string]bool{
	"build": true, "run": true, "execute": true, "process": true,
}

// classInfo is the raw shape of one class statement.
type classInfo struct {
	name       string
	bases      [][]token
	decorators [][]token
	body       []logicalLine // direct children only
}

// FindComponentClasses statically inspects Python source and returns the
// classes that look like components. Nothing in the source is executed.
func FindComponentClasses(code string) ([]ComponentClass, error) {
	lines, err := tokenize(code)
	if err != nil {
		return nil, err
	}

	var out []ComponentClass
	for _, cls := range collectClasses(lines) {
		if !cls.looksLikeComponent() {
			continue
		}
		out = append(out, ComponentClass{
			ClassName:    cls.name,
			DeclaredName: cls.stringAttr("name", cls.name),
			Version:      cls.stringAttr("version", DefaultVersion),
		})
	}
	return out, nil
}

func collectClasses(lines []logicalLine) []classInfo {
	var classes []classInfo
	for i, line := range lines {
		toks := line.tokens
		if len(toks) < 2 || toks[0].kind != tokName || toks[0].text != "class" || toks[1].kind != tokName {
			continue
		}
		cls := classInfo{name: toks[1].text}

		if len(toks) > 2 && toks[2].text == "(" {
			cls.bases = splitArgs(toks[3:])
		}

		for j := i - 1; j >= 0 && lines[j].depth == line.depth; j-- {
			prev := lines[j].tokens
			if len(prev) == 0 || prev[0].text != "@" {
				break
			}
			cls.decorators = append(cls.decorators, prev[1:])
		}

		for j := i + 1; j < len(lines) && lines[j].depth > line.depth; j++ {
			if lines[j].depth == line.depth+1 {
				cls.body = append(cls.body, lines[j])
			}
		}

		classes = append(classes, cls)
	}
	return classes
}

// splitArgs splits the tokens following "(" on top-level commas up to the
// matching ")".
func splitArgs(toks []token) [][]token {
	var (
		args  [][]token
		cur   []token
		depth int
	)
	for _, t := range toks {
		if t.kind == tokOp {
			switch t.text {
			case "(", "[", "{":
				depth++
			case ")", "]", "}":
				if depth == 0 {
					if len(cur) > 0 {
						args = append(args, cur)
					}
					return args
				}
				depth--
			case ",":
				if depth == 0 {
					if len(cur) > 0 {
						args = append(args, cur)
					}
					cur = nil
					continue
				}
			}
		}
		cur = append(cur, t)
	}
	return args
}

func (c classInfo) looksLikeComponent() bool {
	for _, suffix := range componentNameSuffixes {
		if strings.HasSuffix(c.name, suffix) {
			return true
		}
	}

	for _, base := range c.bases {
		if len(base) > 1 && base[1].text == "=" {
			// Keyword argument such as metaclass=...
			continue
		}
		name, dotted := dottedName(base)
		if name == "" {
			continue
		}
		if dotted {
			if componentAttributeBases[name] {
				return true
			}
			continue
		}
		for _, known := range componentBaseNames {
			if strings.Contains(name, known) {
				return true
			}
		}
	}

	for _, dec := range c.decorators {
		for _, t := range dec {
			if t.kind == tokName && strings.Contains(strings.ToLower(t.text), "component") {
				return true
			}
		}
	}

	for _, line := range c.body {
		toks := line.tokens
		if target, ok := assignTarget(toks); ok && componentClassAttrs[target] {
			return true
		}
		if name, ok := defName(toks); ok && componentMethods[name] {
			return true
		}
	}
	return false
}

// dottedName returns the last segment of a plain or dotted name expression
// and whether it had more than one segment. Anything else yields "".
func dottedName(expr []token) (string, bool) {
	if len(expr) == 0 || len(expr)%2 == 0 {
		return "", false
	}
	for i, t := range expr {
		if i%2 == 0 && t.kind != tokName {
			return "", false
		}
		if i%2 == 1 && t.text != "." {
			return "", false
		}
	}
	return expr[len(expr)-1].text, len(expr) > 1
}

// assignTarget matches "NAME = ..." and "NAME: T = ...".
func assignTarget(toks []token) (string, bool) {
	if len(toks) < 3 || toks[0].kind != tokName {
		return "", false
	}
	if toks[1].text == "=" {
		return toks[0].text, true
	}
	if toks[1].text == ":" {
		for _, t := range toks[2:] {
			if t.text == "=" {
				return toks[0].text, true
			}
		}
	}
	return "", false
}

func defName(toks []token) (string, bool) {
	if len(toks) > 0 && toks[0].text == "async" {
		toks = toks[1:]
	}
	if len(toks) < 2 || toks[0].text != "def" || toks[1].kind != tokName {
		return "", false
	}
	return toks[1].text, true
}

// stringAttr returns the value of a class-level "attr = '<literal>'"
// assignment, or fallback when absent or not a plain literal.
func (c classInfo) stringAttr(attr, fallback string) string {
	for _, line := range c.body {
		toks := line.tokens
		target, ok := assignTarget(toks)
		if !ok || target != attr {
			continue
		}
		value := toks[len(toks)-1]
		if toks[len(toks)-2].text != "=" || value.kind != tokString {
			continue
		}
		if s, ok := stringLiteralValue(value.text); ok && s != "" {
			return s
		}
	}
	return fallback
}

// stringLiteralValue decodes simple literals: optional r/u prefix and no
// escape sequences unless raw.
func stringLiteralValue(lit string) (string, bool) {
	raw := false
	for len(lit) > 0 && lit[0] != '\'' && lit[0] != '"' {
		switch lit[0] {
		case 'r', 'R':
			raw = true
		case 'u', 'U':
		default:
			// Byte and format strings are not plain names.
			return "", false
		}
		lit = lit[1:]
	}

	var body string
	switch {
	case len(lit) >= 6 && (strings.HasPrefix(lit, `"""`) || strings.HasPrefix(lit, `'''`)):
		body = lit[3 : len(lit)-3]
	case len(lit) >= 2:
		body = lit[1 : len(lit)-1]
	default:
		return "", false
	}
	if !raw && strings.Contains(body, `\`) {
		return "", false
	}
	return body, true
}
