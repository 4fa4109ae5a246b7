package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CommandType is the wire tag carried in the "type" field of a command.
type CommandType string

const (
	CmdCall        CommandType = "call"
	CmdSetStyle    CommandType = "set-style"
	CmdAddClass    CommandType = "add-class"
	CmdRemoveClass CommandType = "remove-class"
	CmdSetAttr     CommandType = "set-attr"
	CmdRemoveAttr  CommandType = "remove-attr"
	CmdSetContent  CommandType = "set-content"
	CmdSetValue    CommandType = "set-value"
	CmdAppend      CommandType = "append"
	CmdClear       CommandType = "clear"
	CmdDownload    CommandType = "download"
	CmdShowLast    CommandType = "show-last"
)

// Command is one server-specified UI mutation or action.
type Command interface {
	Type() CommandType
	Accept(v Visitor) error
}

// Targeted is implemented by every command that addresses a node by id.
type Targeted interface {
	Command
	Target() string
}

// Visitor handles every command variant. A new variant adds a method here, so
// each interpreter stops compiling until it handles it.
type Visitor interface {
	VisitCall(Call) error
	VisitSetStyle(SetStyle) error
	VisitAddClass(AddClass) error
	VisitRemoveClass(RemoveClass) error
	VisitSetAttr(SetAttr) error
	VisitRemoveAttr(RemoveAttr) error
	VisitSetContent(SetContent) error
	VisitSetValue(SetValue) error
	VisitAppend(Append) error
	VisitClear(Clear) error
	VisitDownload(Download) error
	VisitShowLast(ShowLast) error
	VisitUnknown(Unknown) error
}

// Text is a scalar field value. Servers are loose about quoting numbers and
// booleans in "val", so any JSON scalar decodes to its textual form.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*t = Text(data)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected a scalar value, got %s", data)
		}
		f, err := n.Float64()
		if err != nil {
			return fmt.Errorf("number %s: %w", data, err)
		}
		*t = Text(formatNumber(f))
	}
	return nil
}

// formatNumber renders f the way a browser stringifies a number: shortest
// round-trip digits, plain notation for 1e-7 <= |f| < 1e21 and an explicit
// exponent sign otherwise.
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	sign := ""
	if f < 0 {
		sign, f = "-", -f
	}
	// d.ddde±XX
	e := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(e, "e")
	digits := strings.Replace(mant, ".", "", 1)
	x, _ := strconv.Atoi(exp)
	k, n := len(digits), x+1

	switch {
	case k <= n && n <= 21:
		return sign + digits + strings.Repeat("0", n-k)
	case 0 < n && n <= 21:
		return sign + digits[:n] + "." + digits[n:]
	case -6 < n && n <= 0:
		return sign + "0." + strings.Repeat("0", -n) + digits
	}
	expSign := "+"
	if n-1 < 0 {
		expSign = "-"
	}
	out := digits[:1]
	if k > 1 {
		out += "." + digits[1:]
	}
	return sign + out + "e" + expSign + strconv.Itoa(abs(n-1))
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

// Call invokes a registered handler by name.
type Call struct {
	Fun  string          `json:"fun"`
	Args json.RawMessage `json:"args,omitempty"`
}

// SetStyle sets one CSS property; an empty value removes it.
type SetStyle struct {
	ID   string `json:"id"`
	Attr string `json:"attr"`
	Val  Text   `json:"val"`
}

type AddClass struct {
	ID    string `json:"id"`
	Class string `json:"class"`
}

type RemoveClass struct {
	ID    string `json:"id"`
	Class string `json:"class"`
}

type SetAttr struct {
	ID   string `json:"id"`
	Attr string `json:"attr"`
	Val  Text   `json:"val"`
}

type RemoveAttr struct {
	ID   string `json:"id"`
	Attr string `json:"attr"`
}

// SetContent replaces the rendered subtree of a node with parsed markup.
type SetContent struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type SetValue struct {
	ID  string `json:"id"`
	Val Text   `json:"val"`
}

// Append parses markup and moves the resulting nodes after the existing children.
type Append struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type Clear struct {
	ID string `json:"id"`
}

// Download fetches Path and, on success, replaces the node's content with the body.
type Download struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// ShowLast scrolls a container so that its last child is visible.
type ShowLast struct {
	ID string `json:"id"`
}

// Unknown keeps a command whose tag this client does not understand.
type Unknown struct {
	Tag CommandType
	Raw json.RawMessage
}

func (Call) Type() CommandType        { return CmdCall }
func (SetStyle) Type() CommandType    { return CmdSetStyle }
func (AddClass) Type() CommandType    { return CmdAddClass }
func (RemoveClass) Type() CommandType { return CmdRemoveClass }
func (SetAttr) Type() CommandType     { return CmdSetAttr }
func (RemoveAttr) Type() CommandType  { return CmdRemoveAttr }
func (SetContent) Type() CommandType  { return CmdSetContent }
func (SetValue) Type() CommandType    { return CmdSetValue }
func (Append) Type() CommandType      { return CmdAppend }
func (Clear) Type() CommandType       { return CmdClear }
func (Download) Type() CommandType    { return CmdDownload }
func (ShowLast) Type() CommandType    { return CmdShowLast }
func (u Unknown) Type() CommandType   { return u.Tag }

func (c Call) Accept(v Visitor) error        { return v.VisitCall(c) }
func (c SetStyle) Accept(v Visitor) error    { return v.VisitSetStyle(c) }
func (c AddClass) Accept(v Visitor) error    { return v.VisitAddClass(c) }
func (c RemoveClass) Accept(v Visitor) error { return v.VisitRemoveClass(c) }
func (c SetAttr) Accept(v Visitor) error     { return v.VisitSetAttr(c) }
func (c RemoveAttr) Accept(v Visitor) error  { return v.VisitRemoveAttr(c) }
func (c SetContent) Accept(v Visitor) error  { return v.VisitSetContent(c) }
func (c SetValue) Accept(v Visitor) error    { return v.VisitSetValue(c) }
func (c Append) Accept(v Visitor) error      { return v.VisitAppend(c) }
func (c Clear) Accept(v Visitor) error       { return v.VisitClear(c) }
func (c Download) Accept(v Visitor) error    { return v.VisitDownload(c) }
func (c ShowLast) Accept(v Visitor) error    { return v.VisitShowLast(c) }
func (u Unknown) Accept(v Visitor) error     { return v.VisitUnknown(u) }

func (c SetStyle) Target() string    { return c.ID }
func (c AddClass) Target() string    { return c.ID }
func (c RemoveClass) Target() string { return c.ID }
func (c SetAttr) Target() string     { return c.ID }
func (c RemoveAttr) Target() string  { return c.ID }
func (c SetContent) Target() string  { return c.ID }
func (c SetValue) Target() string    { return c.ID }
func (c Append) Target() string      { return c.ID }
func (c Clear) Target() string       { return c.ID }
func (c Download) Target() string    { return c.ID }
func (c ShowLast) Target() string    { return c.ID }

// Batch is the ordered sequence of commands carried by one response body.
type Batch []Command

// DecodeBatch parses a response body. Anything other than a JSON array of
// objects whose known fields have the expected types is a MalformedResponseError;
// unrecognised tags decode to Unknown and are left to the interpreter.
func DecodeBatch(data []byte) (Batch, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &MalformedResponseError{Index: -1, Err: err}
	}
	if raws == nil {
		return nil, &MalformedResponseError{Index: -1, Err: fmt.Errorf("body is null, expected an array")}
	}

	batch := make(Batch, 0, len(raws))
	for i, raw := range raws {
		cmd, err := DecodeCommand(raw)
		if err != nil {
			return nil, &MalformedResponseError{Index: i, Err: err}
		}
		batch = append(batch, cmd)
	}
	return batch, nil
}

// DecodeCommand parses a single tagged command object.
func DecodeCommand(raw json.RawMessage) (Command, error) {
	var env struct {
		Type CommandType `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("command is null")
	}

	switch env.Type {
	case CmdCall:
		return decodeAs[Call](raw)
	case CmdSetStyle:
		return decodeAs[SetStyle](raw)
	case CmdAddClass:
		return decodeAs[AddClass](raw)
	case CmdRemoveClass:
		return decodeAs[RemoveClass](raw)
	case CmdSetAttr:
		return decodeAs[SetAttr](raw)
	case CmdRemoveAttr:
		return decodeAs[RemoveAttr](raw)
	case CmdSetContent:
		return decodeAs[SetContent](raw)
	case CmdSetValue:
		return decodeAs[SetValue](raw)
	case CmdAppend:
		return decodeAs[Append](raw)
	case CmdClear:
		return decodeAs[Clear](raw)
	case CmdDownload:
		return decodeAs[Download](raw)
	case CmdShowLast:
		return decodeAs[ShowLast](raw)
	default:
		return Unknown{Tag: env.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func decodeAs[T Command](raw json.RawMessage) (Command, error) {
	var c T
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.Type(), err)
	}
	return c, nil
}

// Encode renders a command in its tagged wire form.
func Encode(c Command) ([]byte, error) {
	if u, ok := c.(Unknown); ok {
		return u.Raw, nil
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(c.Type())

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// MarshalJSON renders the batch as a JSON array of tagged commands.
func (b Batch) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, c := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := Encode(c)
		if err != nil {
			return nil, fmt.Errorf("encode command %d (%s): %w", i, c.Type(), err)
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
