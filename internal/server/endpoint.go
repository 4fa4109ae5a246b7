package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"pagecmd-agent/internal/core"
)

// maxEventBody caps the size of an event post.
const maxEventBody = 1 << 20

// Producer builds the reply for one batch of client events.
type Producer func(ctx context.Context, events []json.RawMessage, reply *core.Reply) error

// Endpoint is the server side of the command protocol: it decodes the posted
// event array, lets produce fill a reply and writes the reply as the command
// batch.
func Endpoint(produce Producer, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("endpoint")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		var events []json.RawMessage
		if err := json.Unmarshal(data, &events); err != nil {
			logger.Warn("rejecting event post", zap.Error(err))
			http.Error(w, "body must be a JSON array", http.StatusBadRequest)
			return
		}

		reply := core.NewReply()
		if err := produce(r.Context(), events, reply); err != nil {
			logger.Error("producer failed", zap.Int("events", len(events)), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		body, err := json.Marshal(reply)
		if err != nil {
			logger.Error("encode reply", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		logger.Debug("events answered", zap.Int("events", len(events)), zap.Int("commands", reply.Len()))
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
}
