package executor

import (
	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/dom"
)

// ShowLast scrolls the container registered under id by the smallest amount
// that brings its last element child fully into view. It does not centre or
// align; an empty container is left alone.
func ShowLast(tree dom.Tree, layout dom.Layout, id string) error {
	cont := tree.Lookup(id)
	if cont == nil {
		return &core.UnresolvedTargetError{ID: id}
	}
	last := dom.LastElementChild(cont)
	if last == nil {
		return nil
	}

	top := layout.OffsetTop(last)
	bottom := top + layout.ClientHeight(last)
	viewTop := layout.ScrollTop(cont)
	viewBottom := viewTop + layout.ClientHeight(cont)

	switch {
	case top < viewTop:
		layout.SetScrollTop(cont, viewTop-(viewTop-top))
	case bottom > viewBottom:
		layout.SetScrollTop(cont, viewTop+(bottom-viewBottom))
	}
	return nil
}
