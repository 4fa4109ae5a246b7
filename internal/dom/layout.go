package dom

import (
	"strconv"

	"golang.org/x/net/html"
)

// Layout reports element geometry and owns scroll offsets. Offsets are in
// the scroll coordinate space of the element's container.
type Layout interface {
	OffsetTop(n *html.Node) int
	ClientHeight(n *html.Node) int
	ScrollTop(n *html.Node) int
	SetScrollTop(n *html.Node, top int)
}

// Geometry attributes read and written by AttrLayout.
const (
	AttrOffsetTop    = "data-offset-top"
	AttrClientHeight = "data-client-height"
	AttrScrollTop    = "data-scroll-top"
)

// AttrLayout is the headless layout: geometry travels in data-* attributes
// written by whoever renders the markup, and the scroll offset is stored back
// into data-scroll-top so it shows up in the rendered document.
type AttrLayout struct{}

func (AttrLayout) OffsetTop(n *html.Node) int    { return intAttr(n, AttrOffsetTop) }
func (AttrLayout) ClientHeight(n *html.Node) int { return intAttr(n, AttrClientHeight) }
func (AttrLayout) ScrollTop(n *html.Node) int    { return intAttr(n, AttrScrollTop) }

func (AttrLayout) SetScrollTop(n *html.Node, top int) {
	if top < 0 {
		top = 0
	}
	SetAttr(n, AttrScrollTop, strconv.Itoa(top))
}

func intAttr(n *html.Node, name string) int {
	v, ok := Attr(n, name)
	if !ok {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return i
}
