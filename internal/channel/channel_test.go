package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"pagecmd-agent/internal/channel"
	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/dom"
	"pagecmd-agent/internal/executor"
	"pagecmd-agent/internal/loop"
	"pagecmd-agent/internal/server"
	"pagecmd-agent/internal/transport"
)

type fixture struct {
	doc  *dom.Document
	loop *loop.Loop
	ch   *channel.Channel
	bus  *core.EventBus
}

func newFixture(t *testing.T, page string, tr transport.Transport) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	doc, err := dom.ParseString("<html><body>" + page + "</body></html>")
	if err != nil {
		t.Fatal(err)
	}
	l := loop.New(16, nil)
	go l.Run(ctx)

	bus := core.NewEventBus()
	interp := executor.NewInterpreter(doc, nil, nil, nil, bus, nil)
	return &fixture{doc: doc, loop: l, ch: channel.New(tr, l, interp, bus, nil), bus: bus}
}

func (f *fixture) attr(t *testing.T, id, name string) string {
	t.Helper()
	var v string
	if err := f.loop.Call(context.Background(), func() { v, _ = dom.Attr(f.doc.Lookup(id), name) }); err != nil {
		t.Fatal(err)
	}
	return v
}

func await(t *testing.T, out <-chan channel.Outcome) channel.Outcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return channel.Outcome{}
	}
}

func TestSendAppliesReply(t *testing.T) {
	received := make(chan []json.RawMessage, 1)
	srv := httptest.NewServer(server.Endpoint(func(ctx context.Context, events []json.RawMessage, r *core.Reply) error {
		received <- events
		r.SetAttr("x", "title", "hi").AddClass("x", "warn")
		return nil
	}, nil))
	defer srv.Close()

	f := newFixture(t, `<div id="x"></div>`, transport.NewHTTP(srv.Client(), nil))
	assert.Equal(t, nil, f.ch.Enqueue(map[string]string{"click": "a"}))
	assert.Equal(t, nil, f.ch.Enqueue(json.RawMessage(`{"click":"b"}`)))
	assert.Equal(t, 2, f.ch.Pending())

	out, err := f.ch.Send(context.Background(), srv.URL)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, f.ch.Pending())

	o := await(t, out)
	assert.Equal(t, nil, o.Err)
	assert.Equal(t, uint64(1), o.Gen)
	assert.Equal(t, 2, o.Events)
	assert.Equal(t, 2, o.Result.Applied)
	assert.Equal(t, "hi", f.attr(t, "x", "title"))
	assert.Equal(t, "warn", f.attr(t, "x", "class"))
	assert.Equal(t, false, f.ch.InFlight())

	events := <-received
	assert.Equal(t, 2, len(events))
	assert.Equal(t, `{"click":"a"}`, string(events[0]))
	assert.Equal(t, `{"click":"b"}`, string(events[1]))
}

func TestSendEmptyQueuePostsEmptyArray(t *testing.T) {
	var body string
	tr := transport.Func(func(ctx context.Context, req transport.Request) transport.Response {
		body = string(req.Body)
		return transport.Response{OK: true, StatusCode: http.StatusOK, Body: []byte(`[]`)}
	})
	f := newFixture(t, ``, tr)

	out, err := f.ch.Send(context.Background(), "http://example.test/events")
	assert.Equal(t, nil, err)
	o := await(t, out)
	assert.Equal(t, nil, o.Err)
	assert.Equal(t, "[]", body)
}

func TestSendRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		data, _ := io.ReadAll(r.Body)
		if string(data) != `[1,"two",{"three":3}]` {
			t.Errorf("body = %s", data)
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f := newFixture(t, ``, transport.NewHTTP(srv.Client(), nil))
	f.ch.Enqueue(1)
	f.ch.Enqueue("two")
	f.ch.Enqueue(map[string]int{"three": 3})

	out, err := f.ch.Send(context.Background(), srv.URL)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, await(t, out).Err)
}

func TestTransportFailureAppliesNothing(t *testing.T) {
	release := make(chan struct{})
	tr := transport.Func(func(ctx context.Context, req transport.Request) transport.Response {
		<-release
		return transport.Response{StatusCode: http.StatusInternalServerError, Status: "500 Internal Server Error",
			Body: []byte(`[{"type":"set-attr","id":"x","attr":"a","val":"1"}]`)}
	})
	f := newFixture(t, `<div id="x"></div>`, tr)
	failed := f.bus.Subscribe(core.RequestFailedEvent)

	f.ch.Enqueue("first")
	out, err := f.ch.Send(context.Background(), "http://example.test/events")
	assert.Equal(t, nil, err)

	// Enqueued while the request is outstanding; must survive the failure.
	f.ch.Enqueue("second")
	close(release)

	o := await(t, out)
	var terr *core.TransportError
	assert.Equal(t, true, errors.As(o.Err, &terr))
	assert.Equal(t, "500 Internal Server Error", terr.Status)
	assert.Equal(t, 0, o.Result.Applied)
	assert.Equal(t, "", f.attr(t, "x", "a"))
	assert.Equal(t, 1, f.ch.Pending())
	assert.Equal(t, "transport", (<-failed).Payload.Kind)

	// The channel stays usable.
	out, err = f.ch.Send(context.Background(), "http://example.test/events")
	assert.Equal(t, nil, err)
	await(t, out)
}

func TestNonOKSuccessStatusIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`[{"type":"set-attr","id":"x","attr":"a","val":"1"}]`))
	}))
	defer srv.Close()

	f := newFixture(t, `<div id="x"></div>`, transport.NewHTTP(srv.Client(), nil))
	out, _ := f.ch.Send(context.Background(), srv.URL)
	o := await(t, out)

	assert.Equal(t, "transport", core.Kind(o.Err))
	assert.Equal(t, "", f.attr(t, "x", "a"))
}

func TestMalformedResponseAppliesNothing(t *testing.T) {
	bodies := []string{
		`{"type":"set-attr","id":"x","attr":"a","val":"1"}`,
		`[{"type":"set-attr","id":"x","attr":"a","val":"1"}, 5]`,
		`[{"type":"set-attr","id":"x","attr":"a","val":"1"}, {"type":"add-class","id":"x","class":[]}]`,
		`not json`,
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			tr := transport.Func(func(ctx context.Context, req transport.Request) transport.Response {
				return transport.Response{OK: true, StatusCode: http.StatusOK, Body: []byte(body)}
			})
			f := newFixture(t, `<div id="x"></div>`, tr)
			malformed := f.bus.Subscribe(core.MalformedResponseEvent)

			out, err := f.ch.Send(context.Background(), "http://example.test/events")
			assert.Equal(t, nil, err)
			o := await(t, out)

			var merr *core.MalformedResponseError
			assert.Equal(t, true, errors.As(o.Err, &merr))
			assert.Equal(t, 0, o.Result.Applied)
			assert.Equal(t, "", f.attr(t, "x", "a"))
			assert.Equal(t, "malformed_response", (<-malformed).Payload.Kind)
		})
	}
}

func TestSendWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	tr := transport.Func(func(ctx context.Context, req transport.Request) transport.Response {
		<-release
		return transport.Response{OK: true, StatusCode: http.StatusOK, Body: []byte(`[]`)}
	})
	f := newFixture(t, ``, tr)

	f.ch.Enqueue("a")
	out, err := f.ch.Send(context.Background(), "http://example.test/events")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, f.ch.InFlight())

	f.ch.Enqueue("b")
	_, err = f.ch.Send(context.Background(), "http://example.test/events")
	assert.Equal(t, true, errors.Is(err, core.ErrInFlight))
	assert.Equal(t, 1, f.ch.Pending())

	close(release)
	assert.Equal(t, uint64(1), await(t, out).Gen)

	out, err = f.ch.Send(context.Background(), "http://example.test/events")
	assert.Equal(t, nil, err)
	o := await(t, out)
	assert.Equal(t, uint64(2), o.Gen)
	assert.Equal(t, 1, o.Events)
}

func TestChannelsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	tr := transport.Func(func(ctx context.Context, req transport.Request) transport.Response {
		if req.URL == "http://example.test/slow" {
			<-release
		}
		return transport.Response{OK: true, StatusCode: http.StatusOK, Body: []byte(`[]`)}
	})
	f := newFixture(t, ``, tr)
	other := channel.New(tr, f.loop, executor.NewInterpreter(f.doc, nil, nil, nil, nil, nil), nil, nil)

	slow, err := f.ch.Send(context.Background(), "http://example.test/slow")
	assert.Equal(t, nil, err)
	fast, err := other.Send(context.Background(), "http://example.test/fast")
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, await(t, fast).Err)
	close(release)
	assert.Equal(t, nil, await(t, slow).Err)
}

func TestCompletionAfterLoopStopped(t *testing.T) {
	release := make(chan struct{})
	tr := transport.Func(func(ctx context.Context, req transport.Request) transport.Response {
		<-release
		return transport.Response{OK: true, StatusCode: http.StatusOK, Body: []byte(`[]`)}
	})
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(1, nil)
	go l.Run(ctx)
	ch := channel.New(tr, l, executor.NewInterpreter(nil, nil, nil, nil, nil, nil), nil, nil)

	out, err := ch.Send(context.Background(), "http://example.test/events")
	assert.Equal(t, nil, err)
	cancel()
	<-l.Done()
	close(release)

	o := await(t, out)
	assert.Equal(t, true, errors.Is(o.Err, loop.ErrStopped))
	assert.Equal(t, false, ch.InFlight())
}

func TestEnqueueRejectsInvalidEvents(t *testing.T) {
	ch := channel.New(nil, nil, nil, nil, nil)

	if err := ch.Enqueue(make(chan int)); err == nil {
		t.Error("expected error for unencodable event")
	}
	if err := ch.Enqueue(json.RawMessage(`{"broken"`)); err == nil {
		t.Error("expected error for invalid raw event")
	}
	assert.Equal(t, 0, ch.Pending())
}
