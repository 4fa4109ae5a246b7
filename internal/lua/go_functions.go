package lua

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/dom"
)

// registerGoFunctions exposes the document helpers to the given Lua state.
// Mutators return true, or nil and a message when the command is skipped.
func (e *Engine) registerGoFunctions(L *lua.LState, script string) {
	mutators := map[string]func(*lua.LState) core.Command{
		"set_attr": func(L *lua.LState) core.Command {
			return core.SetAttr{ID: L.CheckString(1), Attr: L.CheckString(2), Val: core.Text(L.ToString(3))}
		},
		"remove_attr": func(L *lua.LState) core.Command {
			return core.RemoveAttr{ID: L.CheckString(1), Attr: L.CheckString(2)}
		},
		"set_style": func(L *lua.LState) core.Command {
			return core.SetStyle{ID: L.CheckString(1), Attr: L.CheckString(2), Val: core.Text(L.ToString(3))}
		},
		"add_class": func(L *lua.LState) core.Command {
			return core.AddClass{ID: L.CheckString(1), Class: L.CheckString(2)}
		},
		"remove_class": func(L *lua.LState) core.Command {
			return core.RemoveClass{ID: L.CheckString(1), Class: L.CheckString(2)}
		},
		"set_content": func(L *lua.LState) core.Command {
			return core.SetContent{ID: L.CheckString(1), Content: L.ToString(2)}
		},
		"append": func(L *lua.LState) core.Command {
			return core.Append{ID: L.CheckString(1), Content: L.ToString(2)}
		},
		"clear": func(L *lua.LState) core.Command {
			return core.Clear{ID: L.CheckString(1)}
		},
		"set_value": func(L *lua.LState) core.Command {
			return core.SetValue{ID: L.CheckString(1), Val: core.Text(L.ToString(2))}
		},
		"show_last": func(L *lua.LState) core.Command {
			return core.ShowLast{ID: L.CheckString(1)}
		},
		"download": func(L *lua.LState) core.Command {
			return core.Download{ID: L.CheckString(1), Path: L.CheckString(2)}
		},
	}
	for name, build := range mutators {
		L.SetGlobal(name, L.NewFunction(e.mutator(build)))
	}

	L.SetGlobal("get_attr", L.NewFunction(e.luaGetAttr))
	L.SetGlobal("get_value", L.NewFunction(e.luaGetValue))
	L.SetGlobal("get_text", L.NewFunction(e.luaGetText))
	L.SetGlobal("has_class", L.NewFunction(e.luaHasClass))
	L.SetGlobal("post", L.NewFunction(e.luaPost))
	L.SetGlobal("print", L.NewFunction(e.luaPrint(script)))
}

func (e *Engine) mutator(build func(*lua.LState) core.Command) lua.LGFunction {
	return func(L *lua.LState) int {
		cmd := build(L)
		if e.exec == nil {
			return fail(L, "document is not available")
		}
		if err := e.exec.Exec(cmd); err != nil {
			return fail(L, err.Error())
		}
		L.Push(lua.LTrue)
		return 1
	}
}

func fail(L *lua.LState, msg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	return 2
}

func (e *Engine) node(L *lua.LState) *html.Node {
	id := L.CheckString(1)
	if e.tree == nil {
		return nil
	}
	return e.tree.Lookup(id)
}

func (e *Engine) luaGetAttr(L *lua.LState) int {
	n := e.node(L)
	name := L.CheckString(2)
	if n == nil {
		L.Push(lua.LNil)
		return 1
	}
	v, ok := dom.Attr(n, name)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

func (e *Engine) luaGetValue(L *lua.LState) int {
	n := e.node(L)
	if n == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(dom.Value(n)))
	return 1
}

func (e *Engine) luaGetText(L *lua.LState) int {
	n := e.node(L)
	if n == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(dom.Text(n)))
	return 1
}

func (e *Engine) luaHasClass(L *lua.LState) int {
	n := e.node(L)
	class := L.CheckString(2)
	L.Push(lua.LBool(n != nil && dom.HasClass(n, class)))
	return 1
}

// luaPost queues a client event for the next request.
func (e *Engine) luaPost(L *lua.LState) int {
	if e.events == nil {
		return fail(L, "no event queue")
	}
	if err := e.events.Enqueue(fromLua(L.CheckAny(1))); err != nil {
		return fail(L, err.Error())
	}
	L.Push(lua.LTrue)
	return 1
}

func (e *Engine) luaPrint(script string) lua.LGFunction {
	return func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		e.logger.Info("print", zap.String("script", script), zap.Strings("args", parts))
		return 0
	}
}
