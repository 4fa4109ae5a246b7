package executor

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/dom"
)

func newDoc(t *testing.T, body string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString("<html><body>" + body + "</body></html>")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func decode(t *testing.T, body string) core.Batch {
	t.Helper()
	batch, err := core.DecodeBatch([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	return batch
}

func TestApplySetAttrAndAddClass(t *testing.T) {
	doc := newDoc(t, `<div id="x"></div>`)
	in := NewInterpreter(doc, nil, nil, nil, nil, nil)

	res := in.Apply(decode(t, `[{"type":"set-attr","id":"x","attr":"title","val":"hi"},{"type":"add-class","id":"x","class":"warn"}]`))

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 0, res.Skipped)
	x := doc.Lookup("x")
	title, _ := dom.Attr(x, "title")
	assert.Equal(t, "hi", title)
	assert.Equal(t, true, dom.HasClass(x, "warn"))
}

func TestApplyAppendKeepsOrder(t *testing.T) {
	doc := newDoc(t, `<div id="log"></div>`)
	in := NewInterpreter(doc, nil, nil, nil, nil, nil)

	in.Apply(decode(t, `[{"type":"append","id":"log","content":"<p>a</p><p>b</p>"}]`))

	children := dom.Children(doc.Lookup("log"))
	assert.Equal(t, 2, len(children))
	assert.Equal(t, "a", dom.Text(children[0]))
	assert.Equal(t, "b", dom.Text(children[1]))
}

func TestApplyAppendPreservesExistingChildren(t *testing.T) {
	doc := newDoc(t, `<ul id="l"><li>old</li></ul>`)
	in := NewInterpreter(doc, nil, nil, nil, nil, nil)
	old := doc.Lookup("l").FirstChild

	in.Apply(core.Batch{core.Append{ID: "l", Content: "<li>n1</li>text<li>n2</li>"}})

	children := dom.Children(doc.Lookup("l"))
	assert.Equal(t, 4, len(children))
	assert.Equal(t, true, children[0] == old)
	assert.Equal(t, "text", dom.Text(children[2]))
	assert.Equal(t, "n2", dom.Text(children[3]))
}

func TestApplyUnknownDoesNotBlock(t *testing.T) {
	doc := newDoc(t, `<input id="x">`)
	bus := core.NewEventBus()
	skipped := bus.Subscribe(core.CommandSkippedEvent)
	in := NewInterpreter(doc, nil, nil, nil, bus, nil)

	res := in.Apply(decode(t, `[{"type":"unknown-op","id":"x"},{"type":"set-value","id":"x","val":"ok"}]`))

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "ok", dom.Value(doc.Lookup("x")))

	var unknown *core.UnknownCommandError
	assert.Equal(t, true, errors.As(res.Errors[0], &unknown))

	e := <-skipped
	assert.Equal(t, "unknown_command", e.Payload.Kind)
	assert.Equal(t, core.CommandType("unknown-op"), e.Payload.Command)
}

func TestApplyUnresolvedTargetIsSkipped(t *testing.T) {
	doc := newDoc(t, `<div id="x"></div>`)
	in := NewInterpreter(doc, nil, nil, nil, nil, nil)

	res := in.Apply(core.Batch{
		core.SetAttr{ID: "ghost", Attr: "a", Val: "1"},
		core.Clear{ID: "ghost"},
		core.SetAttr{ID: "x", Attr: "a", Val: "2"},
	})

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.Skipped)
	var unresolved *core.UnresolvedTargetError
	assert.Equal(t, true, errors.As(res.Errors[0], &unresolved))
	assert.Equal(t, "ghost", unresolved.ID)
	v, _ := dom.Attr(doc.Lookup("x"), "a")
	assert.Equal(t, "2", v)
}

func TestClearThenAppendEqualsParse(t *testing.T) {
	markup := `<h1>t</h1> some text <p class="c">p</p><!-- note -->`
	doc := newDoc(t, `<div id="box"><span>old</span><b>old</b></div>`)
	in := NewInterpreter(doc, nil, nil, nil, nil, nil)

	in.Apply(core.Batch{core.Clear{ID: "box"}, core.Append{ID: "box", Content: markup}})

	want, err := doc.ParseFragment(markup, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := dom.Children(doc.Lookup("box"))
	assert.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].Type, got[i].Type)
		assert.Equal(t, want[i].Data, got[i].Data)
		assert.Equal(t, dom.Text(want[i]), dom.Text(got[i]))
	}
}

func TestClassTogglesAreIdempotent(t *testing.T) {
	doc := newDoc(t, `<div id="x" class="a"></div>`)
	in := NewInterpreter(doc, nil, nil, nil, nil, nil)

	in.Apply(core.Batch{core.AddClass{ID: "x", Class: "c"}})
	once := dom.Classes(doc.Lookup("x"))
	res := in.Apply(core.Batch{core.AddClass{ID: "x", Class: "c"}, core.RemoveClass{ID: "x", Class: "absent"}})

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, once, dom.Classes(doc.Lookup("x")))
}

func TestSetContentDiscardsSubtree(t *testing.T) {
	doc := newDoc(t, `<div id="x"><span id="inner">old</span></div>`)
	in := NewInterpreter(doc, nil, nil, nil, nil, nil)

	in.Apply(core.Batch{core.SetContent{ID: "x", Content: "<em>new</em>"}})

	assert.Equal(t, true, doc.Lookup("inner") == nil)
	assert.Equal(t, "new", dom.Text(doc.Lookup("x")))
	assert.Equal(t, 1, len(dom.Children(doc.Lookup("x"))))
}

func TestLastWriteWins(t *testing.T) {
	doc := newDoc(t, `<div id="x"></div>`)
	in := NewInterpreter(doc, nil, nil, nil, nil, nil)

	in.Apply(decode(t, `[
		{"type":"set-style","id":"x","attr":"color","val":"red"},
		{"type":"set-style","id":"x","attr":"color","val":"blue"},
		{"type":"set-attr","id":"x","attr":"data-n","val":1},
		{"type":"set-attr","id":"x","attr":"data-n","val":2},
		{"type":"remove-attr","id":"x","attr":"data-gone"}
	]`))

	color, _ := dom.Style(doc.Lookup("x"), "color")
	assert.Equal(t, "blue", color)
	n, _ := dom.Attr(doc.Lookup("x"), "data-n")
	assert.Equal(t, "2", n)
}

func TestBatchEqualsSequentialApplication(t *testing.T) {
	page := `<div id="a" class="k"></div><ul id="l"></ul><input id="v">`
	body := `[
		{"type":"append","id":"l","content":"<li>1</li>"},
		{"type":"set-style","id":"a","attr":"fontSize","val":"12px"},
		{"type":"remove-class","id":"a","class":"k"},
		{"type":"append","id":"l","content":"<li>2</li>"},
		{"type":"set-value","id":"v","val":"x"},
		{"type":"set-content","id":"a","content":"<b>z</b>"},
		{"type":"clear","id":"l"},
		{"type":"append","id":"l","content":"<li>3</li>"}
	]`

	whole := newDoc(t, page)
	NewInterpreter(whole, nil, nil, nil, nil, nil).Apply(decode(t, body))

	stepped := newDoc(t, page)
	in := NewInterpreter(stepped, nil, nil, nil, nil, nil)
	for _, cmd := range decode(t, body) {
		in.Apply(core.Batch{cmd})
	}

	assert.Equal(t, whole.String(), stepped.String())
}

func TestCallUsesRegistry(t *testing.T) {
	doc := newDoc(t, `<div id="x"></div>`)
	reg := NewRegistry()

	var got map[string]int
	reg.Register("notify", HandlerFunc(func(args json.RawMessage) error {
		return json.Unmarshal(args, &got)
	}))
	reg.Register("fail", HandlerFunc(func(json.RawMessage) error {
		return errors.New("nope")
	}))
	reg.Register("explode", HandlerFunc(func(json.RawMessage) error {
		panic("kaboom")
	}))

	in := NewInterpreter(doc, nil, reg, nil, nil, nil)
	res := in.Apply(decode(t, `[
		{"type":"call","fun":"notify","args":{"n":3}},
		{"type":"call","fun":"missing"},
		{"type":"call","fun":"fail"},
		{"type":"call","fun":"explode"},
		{"type":"add-class","id":"x","class":"done"}
	]`))

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 3, got["n"])
	assert.Equal(t, "unresolved_callable", core.Kind(res.Errors[0]))
	assert.Equal(t, "handler", core.Kind(res.Errors[1]))
	assert.Equal(t, true, dom.HasClass(doc.Lookup("x"), "done"))
}

func TestDownloadWithoutChannel(t *testing.T) {
	doc := newDoc(t, `<div id="x"></div>`)
	res := NewInterpreter(doc, nil, nil, nil, nil, nil).Apply(core.Batch{core.Download{ID: "x", Path: "/f"}})
	assert.Equal(t, 1, res.Skipped)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := HandlerFunc(func(json.RawMessage) error { return nil })

	if err := reg.Register("", noop); err == nil {
		t.Error("expected error for empty name")
	}
	if err := reg.Register("x", nil); err == nil {
		t.Error("expected error for nil handler")
	}
	reg.Register("b", noop)
	reg.Register("a", noop)
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	reg.Unregister("a")
	_, ok := reg.Lookup("a")
	assert.Equal(t, false, ok)
}
