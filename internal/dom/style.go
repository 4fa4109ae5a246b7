package dom

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

type declaration struct {
	prop, val string
}

// Style returns the inline value of a CSS property on n.
func Style(n *html.Node, prop string) (string, bool) {
	prop = CSSProperty(prop)
	for _, d := range parseStyle(n) {
		if d.prop == prop {
			return d.val, true
		}
	}
	return "", false
}

// SetStyle sets an inline CSS property, keeping declaration order. An empty
// value removes the property. prop may be given in CSS form ("font-size") or
// in script form ("fontSize").
func SetStyle(n *html.Node, prop, val string) {
	prop = CSSProperty(prop)
	val = strings.TrimSpace(val)

	decls := parseStyle(n)
	out := decls[:0]
	replaced := false
	for _, d := range decls {
		if d.prop != prop {
			out = append(out, d)
			continue
		}
		if val != "" && !replaced {
			out = append(out, declaration{prop, val})
			replaced = true
		}
	}
	if val != "" && !replaced {
		out = append(out, declaration{prop, val})
	}

	if len(out) == 0 {
		RemoveAttr(n, "style")
		return
	}
	parts := make([]string, len(out))
	for i, d := range out {
		parts[i] = d.prop + ": " + d.val
	}
	SetAttr(n, "style", strings.Join(parts, "; ")+";")
}

// CSSProperty converts a script-style property name to its CSS form.
func CSSProperty(name string) string {
	name = strings.TrimSpace(name)
	if name == "cssFloat" {
		return "float"
	}
	if strings.HasPrefix(name, "--") {
		return name
	}
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseStyle(n *html.Node) []declaration {
	raw, ok := Attr(n, "style")
	if !ok {
		return nil
	}
	var decls []declaration
	for _, part := range splitDeclarations(raw) {
		prop, val, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.TrimSpace(val)
		if prop == "" {
			continue
		}
		decls = append(decls, declaration{prop, val})
	}
	return decls
}

// splitDeclarations splits on ';' outside of quotes and parentheses, so
// url(data:...;base64,...) survives.
func splitDeclarations(s string) []string {
	var (
		parts []string
		depth int
		quote rune
		start int
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case r == ';' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
