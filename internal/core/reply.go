package core

import (
	"encoding/json"
	"fmt"
)

// Reply builds the command batch a server sends back for one request.
// Methods chain; a failure to encode call arguments is kept and returned by
// MarshalJSON.
type Reply struct {
	batch Batch
	err   error
}

// NewReply returns an empty reply.
func NewReply() *Reply {
	return &Reply{}
}

// Call asks the client to invoke a registered handler with args.
func (r *Reply) Call(fun string, args any) *Reply {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			if r.err == nil {
				r.err = fmt.Errorf("call %q: encode args: %w", fun, err)
			}
			return r
		}
		raw = data
	}
	return r.add(Call{Fun: fun, Args: raw})
}

func (r *Reply) SetStyle(id, attr, val string) *Reply {
	return r.add(SetStyle{ID: id, Attr: attr, Val: Text(val)})
}

func (r *Reply) AddClass(id, class string) *Reply {
	return r.add(AddClass{ID: id, Class: class})
}

func (r *Reply) RemoveClass(id, class string) *Reply {
	return r.add(RemoveClass{ID: id, Class: class})
}

func (r *Reply) SetAttr(id, attr, val string) *Reply {
	return r.add(SetAttr{ID: id, Attr: attr, Val: Text(val)})
}

func (r *Reply) RemoveAttr(id, attr string) *Reply {
	return r.add(RemoveAttr{ID: id, Attr: attr})
}

func (r *Reply) SetContent(id, content string) *Reply {
	return r.add(SetContent{ID: id, Content: content})
}

func (r *Reply) SetValue(id, val string) *Reply {
	return r.add(SetValue{ID: id, Val: Text(val)})
}

func (r *Reply) Append(id, content string) *Reply {
	return r.add(Append{ID: id, Content: content})
}

func (r *Reply) Clear(id string) *Reply {
	return r.add(Clear{ID: id})
}

func (r *Reply) Download(id, path string) *Reply {
	return r.add(Download{ID: id, Path: path})
}

func (r *Reply) ShowLast(id string) *Reply {
	return r.add(ShowLast{ID: id})
}

func (r *Reply) add(c Command) *Reply {
	r.batch = append(r.batch, c)
	return r
}

// Batch returns the commands collected so far.
func (r *Reply) Batch() Batch {
	return r.batch
}

// Len is the number of commands in the reply.
func (r *Reply) Len() int {
	return len(r.batch)
}

func (r *Reply) MarshalJSON() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.batch == nil {
		return []byte("[]"), nil
	}
	return r.batch.MarshalJSON()
}
