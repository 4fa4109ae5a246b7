// Package executor applies command batches to a document: the interpreter,
// the download channel and scroll synchronisation.
package executor

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/dom"
)

// Starter begins an asynchronous download into the node registered under id.
type Starter interface {
	Start(id, path string) error
}

// Result summarises one Apply pass.
type Result struct {
	Applied int
	Skipped int
	Errors  []error
}

var _ core.Visitor = (*Interpreter)(nil)

// Interpreter applies batches to a document tree. It must only be used from
// the event loop goroutine.
type Interpreter struct {
	tree      dom.Tree
	layout    dom.Layout
	registry  *Registry
	downloads Starter
	bus       *core.EventBus
	logger    *zap.Logger
}

// NewInterpreter wires an interpreter. layout, downloads, bus and logger may be
// nil: show-last then uses AttrLayout, download commands fail, and
// diagnostics are only logged (or dropped).
func NewInterpreter(tree dom.Tree, layout dom.Layout, registry *Registry, downloads Starter, bus *core.EventBus, logger *zap.Logger) *Interpreter {
	if layout == nil {
		layout = dom.AttrLayout{}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{
		tree:      tree,
		layout:    layout,
		registry:  registry,
		downloads: downloads,
		bus:       bus,
		logger:    logger.Named("interp"),
	}
}

// Apply runs every command of batch in order. A failing command is reported
// and skipped; it never stops the rest of the batch.
func (in *Interpreter) Apply(batch core.Batch) Result {
	var res Result
	for i, cmd := range batch {
		if err := in.dispatch(cmd); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, err)
			in.logger.Warn("command skipped",
				zap.Int("index", i),
				zap.String("type", string(cmd.Type())),
				zap.String("kind", core.Kind(err)),
				zap.Error(err))
			in.bus.Publish(core.CommandSkippedEvent, core.Report{
				Command: cmd.Type(),
				Index:   i,
				Target:  target(cmd),
				Kind:    core.Kind(err),
				Error:   err.Error(),
			})
			continue
		}
		res.Applied++
		in.bus.Publish(core.CommandAppliedEvent, core.Report{
			Command: cmd.Type(),
			Index:   i,
			Target:  target(cmd),
		})
	}

	in.logger.Debug("batch applied", zap.Int("applied", res.Applied), zap.Int("skipped", res.Skipped))
	in.bus.Publish(core.BatchAppliedEvent, core.Report{Applied: res.Applied, Skipped: res.Skipped})
	return res
}

// Exec runs a single command outside of a batch, for script helpers. It
// publishes no events; the caller reports the returned error.
func (in *Interpreter) Exec(cmd core.Command) error {
	return in.dispatch(cmd)
}

func (in *Interpreter) dispatch(cmd core.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", cmd.Type(), r)
		}
	}()
	return cmd.Accept(in)
}

func target(cmd core.Command) string {
	if t, ok := cmd.(core.Targeted); ok {
		return t.Target()
	}
	return ""
}

func (in *Interpreter) lookup(id string) (*html.Node, error) {
	n := in.tree.Lookup(id)
	if n == nil {
		return nil, &core.UnresolvedTargetError{ID: id}
	}
	return n, nil
}

func (in *Interpreter) VisitCall(c core.Call) error {
	h, ok := in.registry.Lookup(c.Fun)
	if !ok {
		return &core.UnresolvedCallableError{Name: c.Fun}
	}
	if err := h.Invoke(c.Args); err != nil {
		return fmt.Errorf("call %q: %w", c.Fun, err)
	}
	return nil
}

func (in *Interpreter) VisitSetStyle(c core.SetStyle) error {
	n, err := in.lookup(c.ID)
	if err != nil {
		return err
	}
	dom.SetStyle(n, c.Attr, string(c.Val))
	return nil
}

func (in *Interpreter) VisitAddClass(c core.AddClass) error {
	n, err := in.lookup(c.ID)
	if err != nil {
		return err
	}
	dom.AddClass(n, c.Class)
	return nil
}

func (in *Interpreter) VisitRemoveClass(c core.RemoveClass) error {
	n, err := in.lookup(c.ID)
	if err != nil {
		return err
	}
	dom.RemoveClass(n, c.Class)
	return nil
}

func (in *Interpreter) VisitSetAttr(c core.SetAttr) error {
	n, err := in.lookup(c.ID)
	if err != nil {
		return err
	}
	if c.Attr == "" {
		return errors.New("set-attr: empty attribute name")
	}
	dom.SetAttr(n, c.Attr, string(c.Val))
	return nil
}

func (in *Interpreter) VisitRemoveAttr(c core.RemoveAttr) error {
	n, err := in.lookup(c.ID)
	if err != nil {
		return err
	}
	dom.RemoveAttr(n, c.Attr)
	return nil
}

func (in *Interpreter) VisitSetContent(c core.SetContent) error {
	n, err := in.lookup(c.ID)
	if err != nil {
		return err
	}
	return replaceContent(in.tree, n, c.Content)
}

func (in *Interpreter) VisitSetValue(c core.SetValue) error {
	n, err := in.lookup(c.ID)
	if err != nil {
		return err
	}
	dom.SetValue(n, string(c.Val))
	return nil
}

// VisitAppend parses into a detached staging element and moves the parsed
// nodes over, so the staging element ends empty.
func (in *Interpreter) VisitAppend(c core.Append) error {
	n, err := in.lookup(c.ID)
	if err != nil {
		return err
	}
	staging := dom.NewStaging()
	nodes, err := in.tree.ParseFragment(c.Content, staging)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		staging.AppendChild(node)
	}
	dom.MoveChildren(staging, n)
	return nil
}

func (in *Interpreter) VisitClear(c core.Clear) error {
	n, err := in.lookup(c.ID)
	if err != nil {
		return err
	}
	dom.RemoveChildren(n)
	return nil
}

// VisitDownload only starts the fetch; the target is resolved when it completes.
func (in *Interpreter) VisitDownload(c core.Download) error {
	if in.downloads == nil {
		return errors.New("download: no download channel configured")
	}
	return in.downloads.Start(c.ID, c.Path)
}

func (in *Interpreter) VisitShowLast(c core.ShowLast) error {
	return ShowLast(in.tree, in.layout, c.ID)
}

func (in *Interpreter) VisitUnknown(u core.Unknown) error {
	return &core.UnknownCommandError{Tag: u.Tag}
}

// replaceContent discards the subtree of n and parses markup in its place.
func replaceContent(tree dom.Tree, n *html.Node, markup string) error {
	nodes, err := tree.ParseFragment(markup, n)
	if err != nil {
		return err
	}
	dom.ReplaceChildren(n, nodes)
	return nil
}
