// demo-server is a small command producer for trying the agent locally. It
// counts the events it receives and answers each post with commands that
// update a counter, append to a log and refresh a panel.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/server"
)

var fragments = map[string]string{
	"panel": `<p>Panel refreshed.</p>`,
	"help":  `<p>Post any JSON value to <code>/events</code> to bump the counter.</p>`,
}

func main() {
	listen := pflag.String("listen", ":9090", "address to listen on")
	pflag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var count atomic.Int64
	produce := func(ctx context.Context, events []json.RawMessage, reply *core.Reply) error {
		for _, e := range events {
			n := count.Add(1)
			reply.Append("log", "<li>"+html.EscapeString(string(e))+"</li>")
			reply.SetContent("count", strconv.FormatInt(n, 10))
		}
		if len(events) > 0 {
			reply.ShowLast("log")
			reply.Download("panel", "/fragments/panel")
		}
		return nil
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Method(http.MethodPost, "/events", server.Endpoint(produce, logger))
	r.Get("/fragments/{name}", func(w http.ResponseWriter, r *http.Request) {
		body, ok := fragments[chi.URLParam(r, "name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	})

	logger.Info("demo server listening", zap.String("addr", *listen))
	if err := http.ListenAndServe(*listen, r); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
