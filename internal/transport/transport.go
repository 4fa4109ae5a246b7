// Package transport issues the HTTP requests of the primary channel and of
// downloads and reports each one as a single complete Response.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// Request is one outgoing request.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
}

// Response is the completion report of a request. OK is set only for a
// fully read 200 response; Err is set when no response was received.
type Response struct {
	OK         bool
	StatusCode int
	Status     string
	Body       []byte
	Err        error
}

// Transport performs a request and blocks until it completes.
type Transport interface {
	Do(ctx context.Context, req Request) Response
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req Request) Response

func (f Func) Do(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// HTTP is the net/http transport.
type HTTP struct {
	client *http.Client
	header http.Header
}

// NewHTTP returns a transport using client, or http.DefaultClient when nil.
// header is added to every request.
func NewHTTP(client *http.Client, header http.Header) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client, header: header}
}

func (t *HTTP) Do(ctx context.Context, req Request) Response {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{Err: fmt.Errorf("build request: %w", err)}
	}
	for k, vs := range t.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{StatusCode: resp.StatusCode, Status: resp.Status, Err: fmt.Errorf("read body: %w", err)}
	}
	return Response{
		OK:         resp.StatusCode == http.StatusOK,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       data,
	}
}

// Limited waits on limiter before handing each request to next.
type Limited struct {
	next    Transport
	limiter *rate.Limiter
}

// WithLimit wraps next with a token bucket of rps requests per second and the
// given burst. A non-positive rps disables limiting and returns next as is.
func WithLimit(next Transport, rps float64, burst int) Transport {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Limited) Do(ctx context.Context, req Request) Response {
	if err := t.limiter.Wait(ctx); err != nil {
		return Response{Err: fmt.Errorf("rate limit: %w", err)}
	}
	return t.next.Do(ctx, req)
}
