// Package dom is the document tree the command executor mutates. It keeps a
// golang.org/x/net/html node tree and offers the small set of browser-like
// operations the wire protocol needs: lookup by id, attribute, class, style and
// value edits, and fragment parsing.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Tree is the document capability handed to the interpreter and downloader.
type Tree interface {
	// Lookup returns the first element in document order whose id attribute
	// equals id, or nil.
	Lookup(id string) *html.Node
	// ParseFragment parses markup as the content of context and returns the
	// resulting top-level nodes, detached from any parent.
	ParseFragment(markup string, context *html.Node) ([]*html.Node, error)
}

// Option configures a Document.
type Option func(*Document)

// WithSanitizer filters every parsed fragment through policy before parsing.
func WithSanitizer(policy *bluemonday.Policy) Option {
	return func(d *Document) {
		d.policy = policy
	}
}

// Document is an in-memory HTML document.
type Document struct {
	root   *html.Node
	policy *bluemonday.Policy
}

// Parse reads a full HTML document.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	d := &Document{root: root}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(markup string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(markup), opts...)
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	return d.root
}

// Body returns the <body> element, or nil.
func (d *Document) Body() *html.Node {
	var body *html.Node
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Body {
			body = n
			return false
		}
		return true
	})
	return body
}

func (d *Document) Lookup(id string) *html.Node {
	if id == "" {
		return nil
	}
	var found *html.Node
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			if v, ok := Attr(n, "id"); ok && v == id {
				found = n
				return false
			}
		}
		return true
	})
	return found
}

func (d *Document) ParseFragment(markup string, context *html.Node) ([]*html.Node, error) {
	if context == nil || context.Type != html.ElementNode {
		context = NewStaging()
	}
	if d.policy != nil {
		markup = d.policy.Sanitize(markup)
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), context)
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}
	return nodes, nil
}

// Render writes the whole document as HTML.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// String renders the document; render errors yield an empty string.
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// NewStaging returns a detached <div> used as a parse context and holding area.
func NewStaging() *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
}

// walk visits n and its descendants depth first, in document order, until
// visit returns false.
func walk(n *html.Node, visit func(*html.Node) bool) bool {
	if !visit(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, visit) {
			return false
		}
	}
	return true
}
