package core

import (
	"errors"
	"fmt"
)

// ErrInFlight is returned by a channel asked to send while its previous request
// has not completed yet.
var ErrInFlight = errors.New("request already in flight")

// TransportError reports a request that did not complete with a success status.
type TransportError struct {
	Method string
	URL    string
	Status string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s: status %s", e.Method, e.URL, e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError means a primary response could not be decoded as a
// batch. Index is the offending command, or -1 when the body itself is bad.
type MalformedResponseError struct {
	Index int
	Err   error
}

func (e *MalformedResponseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed response: %v", e.Err)
	}
	return fmt.Sprintf("malformed response: command %d: %v", e.Index, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

type UnknownCommandError struct {
	Tag CommandType
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command type %q", string(e.Tag))
}

// UnresolvedTargetError means a command id matched no live node.
type UnresolvedTargetError struct {
	ID string
}

func (e *UnresolvedTargetError) Error() string {
	return fmt.Sprintf("no node with id %q", e.ID)
}

type UnresolvedCallableError struct {
	Name string
}

func (e *UnresolvedCallableError) Error() string {
	return fmt.Sprintf("no handler registered for %q", e.Name)
}

// Kind names the failure class of err for logs and metrics labels.
func Kind(err error) string {
	var (
		transport *TransportError
		malformed *MalformedResponseError
		unknown   *UnknownCommandError
		target    *UnresolvedTargetError
		callable  *UnresolvedCallableError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &malformed):
		return "malformed_response"
	case errors.As(err, &unknown):
		return "unknown_command"
	case errors.As(err, &target):
		return "unresolved_target"
	case errors.As(err, &callable):
		return "unresolved_callable"
	case errors.Is(err, ErrInFlight):
		return "in_flight"
	default:
		return "handler"
	}
}
