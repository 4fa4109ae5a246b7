package executor

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// Handler is a named action the server can trigger with a "call" command.
type Handler interface {
	Invoke(args json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(args json.RawMessage) error

func (f HandlerFunc) Invoke(args json.RawMessage) error {
	return f(args)
}

// Registry maps call names to handlers. It is populated at start-up and
// passed explicitly to the interpreter.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("handler name is empty")
	}
	if h == nil {
		return errors.New("handler is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// Unregister removes name; unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
