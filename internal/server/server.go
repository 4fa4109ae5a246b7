// Package server exposes the agent over HTTP: the current document, an event
// trigger, script and schedule management, metrics and a WebSocket stream of
// diagnostic events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/scheduler"
)

// TriggerFunc queues event and asks the channel to send. It returns
// core.ErrInFlight when the event was queued but a request is outstanding.
type TriggerFunc func(event json.RawMessage) error

// Scripts manages the Lua call handlers.
type Scripts interface {
	ScriptList() ([]string, error)
	ScriptCode(name string) (string, error)
	SaveScript(name, code string) error
	DeleteScript(name string) error
}

// Schedules manages the cron flushes.
type Schedules interface {
	GetAll() map[cron.EntryID]scheduler.ScheduleEntry
	Add(spec string, event json.RawMessage) (cron.EntryID, error)
	Remove(id int)
}

// Options wires a Server. Nil collaborators disable their routes.
type Options struct {
	Listen         string
	AllowedOrigins []string
	Document       func(ctx context.Context) (string, error)
	Trigger        TriggerFunc
	Scripts        Scripts
	Schedules      Schedules
	Metrics        http.Handler
	Logger         *zap.Logger
}

// Server manages the HTTP and WebSocket services.
type Server struct {
	Hub        *Hub
	opts       Options
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewServer creates a server. Start the hub with Hub.Run before serving.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		Hub:    NewHub(opts.Logger),
		opts:   opts,
		logger: opts.Logger.Named("server"),
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.opts.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range s.opts.AllowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			s.logger.Warn("websocket connection blocked", zap.String("origin", origin))
			return false
		},
	}

	s.httpServer = &http.Server{Addr: opts.Listen, Handler: s.Routes()}
	if len(opts.AllowedOrigins) == 0 {
		s.logger.Warn("websocket origin check is disabled")
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if s.opts.Document != nil {
		r.Get("/document", s.handleDocument)
	}
	if s.opts.Trigger != nil {
		r.Post("/events", s.handleEvents)
	}
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}
	if s.opts.Scripts != nil {
		r.Get("/scripts", s.handleScriptList)
		r.Get("/scripts/{name}", s.handleScriptGet)
		r.Put("/scripts/{name}", s.handleScriptPut)
		r.Delete("/scripts/{name}", s.handleScriptDelete)
	}
	if s.opts.Schedules != nil {
		r.Get("/schedules", s.handleScheduleList)
		r.Post("/schedules", s.handleScheduleAdd)
		r.Delete("/schedules/{id}", s.handleScheduleDelete)
	}
	r.Get("/ws", s.handleWebSocket)
	return r
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Forward broadcasts every bus event to the WebSocket clients until ctx is done.
func (s *Server) Forward(ctx context.Context, bus *core.EventBus) {
	sub := bus.Subscribe(core.AllEventTypes...)
	defer bus.Unsubscribe(sub, core.AllEventTypes...)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub:
			s.Hub.Broadcast(NewMessage("diagnostic", e))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	markup, err := s.opts.Document(r.Context())
	if err != nil {
		s.logger.Error("render document", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, markup)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil || !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "body must be a JSON value")
		return
	}
	s.trigger(w, json.RawMessage(data))
}

func (s *Server) trigger(w http.ResponseWriter, event json.RawMessage) {
	err := s.opts.Trigger(event)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
	case errors.Is(err, core.ErrInFlight):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		s.logger.Warn("trigger failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleScriptList(w http.ResponseWriter, r *http.Request) {
	names, err := s.opts.Scripts.ScriptList()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleScriptGet(w http.ResponseWriter, r *http.Request) {
	code, err := s.opts.Scripts.ScriptCode(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/x-lua; charset=utf-8")
	io.WriteString(w, code)
}

func (s *Server) handleScriptPut(w http.ResponseWriter, r *http.Request) {
	code, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if err := s.opts.Scripts.SaveScript(chi.URLParam(r, "name"), string(code)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScriptDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Scripts.DeleteScript(chi.URLParam(r, "name")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Schedules.GetAll())
}

func (s *Server) handleScheduleAdd(w http.ResponseWriter, r *http.Request) {
	var entry scheduler.ScheduleEntry
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBody)).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule")
		return
	}
	id, err := s.opts.Schedules.Add(entry.Spec, entry.Event)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"id": int(id)})
}

func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	s.opts.Schedules.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.opts.Scripts != nil {
		if names, err := s.opts.Scripts.ScriptList(); err == nil {
			_ = conn.WriteJSON(NewMessage("script_list", names))
		}
	}
	if s.opts.Schedules != nil {
		_ = conn.WriteJSON(NewMessage("schedule_list", s.opts.Schedules.GetAll()))
	}

	if !s.Hub.add(conn) {
		return
	}
	defer s.Hub.remove(conn)

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			break
		}
		s.handleCommand(cmd)
	}
}

// handleCommand serves the one command WebSocket clients may send: an event
// to queue and send.
func (s *Server) handleCommand(cmd Command) {
	switch cmd.Type {
	case "event":
		if s.opts.Trigger == nil || len(cmd.Payload) == 0 {
			return
		}
		if err := s.opts.Trigger(cmd.Payload); err != nil && !errors.Is(err, core.ErrInFlight) {
			s.logger.Warn("websocket event rejected", zap.Error(err))
		}
	default:
		s.logger.Debug("unknown websocket command", zap.String("type", cmd.Type))
	}
}
