package core

import (
	"sync"
	"time"
)

// EventType defines the type of diagnostic event being published.
type EventType string

const (
	RequestSentEvent       EventType = "RequestSent"
	RequestFailedEvent     EventType = "RequestFailed"
	MalformedResponseEvent EventType = "MalformedResponse"
	BatchAppliedEvent      EventType = "BatchApplied"
	CommandAppliedEvent    EventType = "CommandApplied"
	CommandSkippedEvent    EventType = "CommandSkipped"
	DownloadStartedEvent   EventType = "DownloadStarted"
	DownloadCompletedEvent EventType = "DownloadCompleted"
	DownloadFailedEvent    EventType = "DownloadFailed"
)

// AllEventTypes lists every event type, for subscribers that want the whole stream.
var AllEventTypes = []EventType{
	RequestSentEvent,
	RequestFailedEvent,
	MalformedResponseEvent,
	BatchAppliedEvent,
	CommandAppliedEvent,
	CommandSkippedEvent,
	DownloadStartedEvent,
	DownloadCompletedEvent,
	DownloadFailedEvent,
}

// Report is the payload of every diagnostic event. Only the fields that make
// sense for the event type are set.
type Report struct {
	Gen        uint64      `json:"gen,omitempty"`
	URL        string      `json:"url,omitempty"`
	DownloadID string      `json:"download_id,omitempty"`
	Command    CommandType `json:"command,omitempty"`
	Index      int         `json:"index,omitempty"`
	Target     string      `json:"target,omitempty"`
	Applied    int         `json:"applied,omitempty"`
	Skipped    int         `json:"skipped,omitempty"`
	Events     int         `json:"events,omitempty"`
	Kind       string      `json:"kind,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Event is the envelope for all diagnostic events.
type Event struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Payload Report    `json:"payload"`
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// EventBus handles pub/sub of diagnostics. A nil *EventBus drops everything.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
}

// NewEventBus creates a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe returns a channel that receives events of the given types.
func (eb *EventBus) Subscribe(eventTypes ...EventType) Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(Subscriber, 100) // Buffered channel so publishers don't block
	for _, t := range eventTypes {
		eb.subscribers[t] = append(eb.subscribers[t], ch)
	}

	return ch
}

// Unsubscribe removes a subscriber channel.
func (eb *EventBus) Unsubscribe(ch Subscriber, eventTypes ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, t := range eventTypes {
		subs := eb.subscribers[t]
		for i, sub := range subs {
			if sub == ch {
				eb.subscribers[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish distributes an event to all active subscribers for its type.
func (eb *EventBus) Publish(eventType EventType, payload Report) {
	if eb == nil {
		return
	}
	event := Event{Type: eventType, Time: time.Now(), Payload: payload}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, sub := range eb.subscribers[eventType] {
		select {
		case sub <- event:
		default:
			// Full subscriber: drop rather than stall the event loop.
		}
	}
}
