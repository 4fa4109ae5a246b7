package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestHTTPSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: got %q", ct)
		}
		if r.Header.Get("X-Agent") != "yes" {
			t.Error("missing X-Agent header")
		}
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	tr := NewHTTP(srv.Client(), http.Header{"X-Agent": {"yes"}})
	resp := tr.Do(context.Background(), Request{
		Method:      http.MethodPost,
		URL:         srv.URL,
		Body:        []byte(`[1]`),
		ContentType: "application/json",
	})

	assert.Equal(t, true, resp.OK)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "echo:[1]", string(resp.Body))
	if resp.Err != nil {
		t.Fatal(resp.Err)
	}
}

func TestHTTPNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/created":
			w.WriteHeader(http.StatusCreated)
		default:
			http.Error(w, "nope", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	tr := NewHTTP(nil, nil)
	resp := tr.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL + "/fail"})
	assert.Equal(t, false, resp.OK)
	assert.Equal(t, 500, resp.StatusCode)

	resp = tr.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL + "/created"})
	assert.Equal(t, false, resp.OK)
	assert.Equal(t, 201, resp.StatusCode)
}

func TestHTTPConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	resp := NewHTTP(nil, nil).Do(context.Background(), Request{Method: http.MethodGet, URL: url})
	assert.Equal(t, false, resp.OK)
	if resp.Err == nil {
		t.Error("expected a connection error")
	}
}

func TestWithLimit(t *testing.T) {
	calls := 0
	next := Func(func(ctx context.Context, req Request) Response {
		calls++
		return Response{OK: true}
	})

	if _, ok := WithLimit(next, 0, 0).(*Limited); ok {
		t.Error("zero rate should not wrap the transport")
	}

	limited := WithLimit(next, 20, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		resp := limited.Do(context.Background(), Request{})
		assert.Equal(t, true, resp.OK)
	}
	assert.Equal(t, 3, calls)
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("three requests at 20/s with burst 1 took %v", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := limited.Do(ctx, Request{})
	assert.Equal(t, false, resp.OK)
	if resp.Err == nil {
		t.Error("expected the cancelled context to surface")
	}
}
