package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Attr returns the value of attribute name on n.
func Attr(n *html.Node, name string) (string, bool) {
	name = strings.ToLower(name)
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttr sets or replaces attribute name on n.
func SetAttr(n *html.Node, name, val string) {
	name = strings.ToLower(name)
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: val})
}

// RemoveAttr deletes attribute name from n; absent attributes are ignored.
func RemoveAttr(n *html.Node, name string) {
	name = strings.ToLower(name)
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// Classes returns the class list of n in attribute order.
func Classes(n *html.Node) []string {
	v, _ := Attr(n, "class")
	return strings.Fields(v)
}

func HasClass(n *html.Node, class string) bool {
	for _, c := range Classes(n) {
		if c == class {
			return true
		}
	}
	return false
}

// AddClass adds class to n unless it is already present.
func AddClass(n *html.Node, class string) {
	if class == "" || HasClass(n, class) {
		return
	}
	SetAttr(n, "class", strings.Join(append(Classes(n), class), " "))
}

// RemoveClass removes class from n; removing an absent class changes nothing.
func RemoveClass(n *html.Node, class string) {
	if !HasClass(n, class) {
		return
	}
	var kept []string
	for _, c := range Classes(n) {
		if c != class {
			kept = append(kept, c)
		}
	}
	SetAttr(n, "class", strings.Join(kept, " "))
}

// Value returns the current value of an input-like element.
func Value(n *html.Node) string {
	switch n.DataAtom {
	case atom.Textarea:
		return Text(n)
	case atom.Select:
		var val string
		walk(n, func(c *html.Node) bool {
			if c.Type == html.ElementNode && c.DataAtom == atom.Option {
				if _, ok := Attr(c, "selected"); ok {
					val = optionValue(c)
					return false
				}
			}
			return true
		})
		return val
	default:
		v, _ := Attr(n, "value")
		return v
	}
}

// SetValue sets the value of an input-like element: the text of a textarea,
// the selected option of a select, the value attribute of anything else.
func SetValue(n *html.Node, val string) {
	switch n.DataAtom {
	case atom.Textarea:
		RemoveChildren(n)
		n.AppendChild(&html.Node{Type: html.TextNode, Data: val})
	case atom.Select:
		walk(n, func(c *html.Node) bool {
			if c.Type == html.ElementNode && c.DataAtom == atom.Option {
				if optionValue(c) == val {
					SetAttr(c, "selected", "")
				} else {
					RemoveAttr(c, "selected")
				}
			}
			return true
		})
	default:
		SetAttr(n, "value", val)
	}
}

func optionValue(n *html.Node) string {
	if v, ok := Attr(n, "value"); ok {
		return v
	}
	return strings.TrimSpace(Text(n))
}

// Text returns the concatenated text content of n.
func Text(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// Children returns the direct children of n, text nodes included.
func Children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

// ElementChildren returns the direct element children of n.
func ElementChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// LastElementChild returns the last element child of n, or nil.
func LastElementChild(n *html.Node) *html.Node {
	for c := n.LastChild; c != nil; c = c.PrevSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

// RemoveChildren detaches the children of n one at a time.
func RemoveChildren(n *html.Node) {
	for n.FirstChild != nil {
		n.RemoveChild(n.FirstChild)
	}
}

// ReplaceChildren discards the subtree of n and adopts nodes in order.
func ReplaceChildren(n *html.Node, nodes []*html.Node) {
	RemoveChildren(n)
	for _, c := range nodes {
		if c.Parent != nil {
			c.Parent.RemoveChild(c)
		}
		n.AppendChild(c)
	}
}

// MoveChildren moves every child of from to the end of to, preserving order.
// from is left empty.
func MoveChildren(from, to *html.Node) {
	for from.FirstChild != nil {
		c := from.FirstChild
		from.RemoveChild(c)
		to.AppendChild(c)
	}
}
