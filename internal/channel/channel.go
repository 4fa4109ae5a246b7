// Package channel implements the primary request/response cycle: queued
// client events go out in one POST and the reply batch is applied to the
// document on the event loop.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/executor"
	"pagecmd-agent/internal/transport"
)

// Applier applies a decoded batch. *executor.Interpreter implements it.
type Applier interface {
	Apply(batch core.Batch) executor.Result
}

// EventLoop runs a task on the loop goroutine and waits for it.
type EventLoop interface {
	Call(ctx context.Context, fn func()) error
}

// Outcome is delivered once per Send, after the completion has been handled
// on the loop. Err is nil when the batch was decoded and applied; individual
// command failures are in Result.
type Outcome struct {
	Gen    uint64
	Events int
	Result executor.Result
	Err    error
}

// Channel owns one outgoing event queue and allows a single request in flight.
type Channel struct {
	transport transport.Transport
	loop      EventLoop
	applier   Applier
	bus       *core.EventBus
	logger    *zap.Logger

	mu       sync.Mutex
	queue    []json.RawMessage
	inFlight bool
	gen      uint64
}

// New creates a channel. bus and logger may be nil.
func New(t transport.Transport, loop EventLoop, applier Applier, bus *core.EventBus, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		transport: t,
		loop:      loop,
		applier:   applier,
		bus:       bus,
		logger:    logger.Named("channel"),
	}
}

// Enqueue appends event to the pending queue. It fails only when event cannot
// be encoded as JSON.
func (c *Channel) Enqueue(event any) error {
	var raw json.RawMessage
	switch v := event.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return fmt.Errorf("enqueue: invalid JSON event")
		}
		raw = append(json.RawMessage(nil), v...)
	default:
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		raw = data
	}

	c.mu.Lock()
	c.queue = append(c.queue, raw)
	c.mu.Unlock()
	return nil
}

// Pending returns the number of queued events.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// InFlight reports whether a request is outstanding.
func (c *Channel) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Send posts the whole queue to target as one JSON array, clears the queue
// and returns at once. The returned channel receives exactly one Outcome.
// While an earlier request is outstanding Send returns core.ErrInFlight and
// leaves the queue alone.
func (c *Channel) Send(ctx context.Context, target string) (<-chan Outcome, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil, core.ErrInFlight
	}
	events := c.queue
	if events == nil {
		events = []json.RawMessage{}
	}
	body, err := json.Marshal(events)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("encode events: %w", err)
	}
	c.queue = nil
	c.inFlight = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.logger.Debug("request sent", zap.Uint64("gen", gen), zap.String("url", target), zap.Int("events", len(events)))
	c.bus.Publish(core.RequestSentEvent, core.Report{Gen: gen, URL: target, Events: len(events)})

	out := make(chan Outcome, 1)
	go func() {
		resp := c.transport.Do(ctx, transport.Request{
			Method:      http.MethodPost,
			URL:         target,
			Body:        body,
			ContentType: "application/json",
		})
		var o Outcome
		err := c.loop.Call(context.Background(), func() {
			o = c.complete(gen, target, len(events), resp)
		})
		if err != nil {
			c.logger.Warn("completion dropped", zap.Uint64("gen", gen), zap.Error(err))
			c.release()
			o = Outcome{Gen: gen, Events: len(events), Err: err}
		}
		out <- o
	}()
	return out, nil
}

func (c *Channel) complete(gen uint64, target string, events int, resp transport.Response) Outcome {
	defer c.release()
	o := Outcome{Gen: gen, Events: events}

	if !resp.OK {
		o.Err = &core.TransportError{Method: http.MethodPost, URL: target, Status: resp.Status, Err: resp.Err}
		c.logger.Warn("request failed", zap.Uint64("gen", gen), zap.Error(o.Err))
		c.bus.Publish(core.RequestFailedEvent, core.Report{Gen: gen, URL: target, Kind: core.Kind(o.Err), Error: o.Err.Error()})
		return o
	}

	batch, err := core.DecodeBatch(resp.Body)
	if err != nil {
		o.Err = err
		c.logger.Error("malformed response", zap.Uint64("gen", gen), zap.Int("bytes", len(resp.Body)), zap.Error(err))
		c.bus.Publish(core.MalformedResponseEvent, core.Report{Gen: gen, URL: target, Kind: core.Kind(err), Error: err.Error()})
		return o
	}

	o.Result = c.applier.Apply(batch)
	c.logger.Debug("response applied",
		zap.Uint64("gen", gen),
		zap.Int("commands", len(batch)),
		zap.Int("applied", o.Result.Applied),
		zap.Int("skipped", o.Result.Skipped))
	return o
}

func (c *Channel) release() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}
