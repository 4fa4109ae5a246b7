// Package agent wires the document, the event loop, both channels and the
// supporting services into one runnable unit.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"pagecmd-agent/internal/channel"
	"pagecmd-agent/internal/config"
	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/dom"
	"pagecmd-agent/internal/executor"
	"pagecmd-agent/internal/loop"
	"pagecmd-agent/internal/lua"
	"pagecmd-agent/internal/metrics"
	"pagecmd-agent/internal/mqtt"
	"pagecmd-agent/internal/scheduler"
	"pagecmd-agent/internal/server"
	"pagecmd-agent/internal/transport"
)

const blankPage = "<!DOCTYPE html><html><head></head><body></body></html>"

type Agent struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	logger *zap.Logger
	wg     sync.WaitGroup

	eventBus  *core.EventBus
	loop      *loop.Loop
	document  *dom.Document
	registry  *executor.Registry
	interp    *executor.Interpreter
	downloads *executor.Downloader
	channel   *channel.Channel

	luaEngine  *lua.Engine
	scheduler  *scheduler.Scheduler
	metrics    *metrics.Metrics
	server     *server.Server
	mqttClient *mqtt.Client
}

func NewAgent(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		ctx:      ctx,
		cancel:   cancel,
		config:   cfg,
		logger:   logger.Named("agent"),
		eventBus: core.NewEventBus(),
		loop:     loop.New(256, logger),
		registry: executor.NewRegistry(),
		metrics:  metrics.New(),
	}

	doc, err := loadDocument(cfg.Document)
	if err != nil {
		cancel()
		return nil, err
	}
	a.document = doc

	httpTransport := transport.NewHTTP(&http.Client{}, nil)
	downloadTransport := transport.WithLimit(httpTransport, cfg.Download.RateLimit, cfg.Download.RateBurst)

	a.downloads, err = executor.NewDownloader(ctx, doc, downloadTransport, a.loop, cfg.Channel.BaseURL, a.eventBus, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	a.interp = executor.NewInterpreter(doc, nil, a.registry, a.downloads, a.eventBus, logger)
	a.channel = channel.New(httpTransport, a.loop, a.interp, a.eventBus, logger)

	scriptTimeout, err := cfg.ScriptTimeoutDuration()
	if err != nil {
		cancel()
		return nil, err
	}
	a.luaEngine = lua.NewEngine(lua.Options{
		ScriptsDir: cfg.ScriptsDir,
		Timeout:    scriptTimeout,
		Registry:   a.registry,
		Exec:       a.interp,
		Tree:       doc,
		Events:     a.channel,
		Logger:     logger,
	})
	if _, err := a.luaEngine.Load(); err != nil {
		cancel()
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	a.registerBuiltins()

	a.scheduler = scheduler.NewScheduler(cfg.SchedulesFile, func(entry scheduler.ScheduleEntry) {
		if err := a.Trigger(entry.Event); err != nil && !errors.Is(err, core.ErrInFlight) {
			a.logger.Warn("scheduled event failed", zap.String("spec", entry.Spec), zap.Error(err))
		}
	}, logger)

	a.server = server.NewServer(server.Options{
		Listen:         cfg.Server.Listen,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Document:       a.Render,
		Trigger:        a.Trigger,
		Scripts:        a.luaEngine,
		Schedules:      a.scheduler,
		Metrics:        a.metrics.Handler(),
		Logger:         logger,
	})

	// Optional; nil when disabled.
	a.mqttClient = mqtt.NewClient(cfg.MQTT, a.Trigger, logger)

	// Released by the loop goroutine started in Run.
	a.wg.Add(1)
	return a, nil
}

func loadDocument(cfg config.DocumentConfig) (*dom.Document, error) {
	var opts []dom.Option
	if cfg.Sanitize {
		opts = append(opts, dom.WithSanitizer(bluemonday.UGCPolicy()))
	}
	if cfg.Page == "" {
		return dom.ParseString(blankPage, opts...)
	}
	f, err := os.Open(cfg.Page)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer f.Close()
	doc, err := dom.Parse(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", cfg.Page, err)
	}
	return doc, nil
}

// registerBuiltins adds the Go call handlers every agent has. Scripts with
// the same name take precedence.
func (a *Agent) registerBuiltins() {
	a.registerHandlers(map[string]executor.Handler{
		"log": executor.HandlerFunc(func(args json.RawMessage) error {
			a.logger.Info("server log", zap.ByteString("args", args))
			return nil
		}),
		"enqueue": executor.HandlerFunc(func(args json.RawMessage) error {
			if len(args) == 0 {
				return errors.New("enqueue: no event")
			}
			return a.channel.Enqueue(args)
		}),
	})
}

// registerHandlers binds every handler whose name is still free.
func (a *Agent) registerHandlers(handlers map[string]executor.Handler) {
	for name, h := range handlers {
		if _, taken := a.registry.Lookup(name); taken {
			continue
		}
		if err := a.registry.Register(name, h); err != nil {
			a.logger.Warn("failed to register handler", zap.String("name", name), zap.Error(err))
		}
	}
}

// Run starts every service and blocks until Shutdown.
func (a *Agent) Run() {
	go func() {
		defer a.wg.Done()
		a.loop.Run(a.ctx)
	}()

	go a.server.Hub.Run(a.ctx)
	go a.server.Forward(a.ctx, a.eventBus)
	go a.metrics.Run(a.ctx, a.eventBus)

	if a.mqttClient != nil {
		go a.mqttClient.Forward(a.ctx, a.eventBus)
		go func() {
			if err := a.mqttClient.Connect(); err != nil {
				a.logger.Error("mqtt setup error", zap.Error(err))
			}
		}()
	}

	a.scheduler.Start()

	a.logger.Info("agent running", zap.String("listen", a.config.Server.Listen), zap.String("target", a.config.Channel.Target))
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", zap.Error(err))
		}
	}()

	<-a.ctx.Done()
}

// Trigger queues event and sends the queue to the configured target. When a
// request is already outstanding the event stays queued and core.ErrInFlight
// is returned; it goes out once that request completes.
func (a *Agent) Trigger(event json.RawMessage) error {
	if err := a.channel.Enqueue(event); err != nil {
		return err
	}
	_, err := a.send()
	return err
}

func (a *Agent) send() (<-chan channel.Outcome, error) {
	out, err := a.channel.Send(a.ctx, a.config.Channel.Target)
	if err != nil {
		return nil, err
	}
	done := make(chan channel.Outcome, 1)
	go func() {
		o := <-out
		done <- o
		if o.Err != nil {
			a.logger.Debug("send finished with error", zap.Uint64("gen", o.Gen), zap.String("kind", core.Kind(o.Err)))
		}
		// Events queued while the request was in flight go out now.
		if a.ctx.Err() == nil && a.channel.Pending() > 0 {
			if _, err := a.send(); err != nil && !errors.Is(err, core.ErrInFlight) {
				a.logger.Warn("flush failed", zap.Error(err))
			}
		}
	}()
	return done, nil
}

// Render returns the current document markup, read on the event loop.
func (a *Agent) Render(ctx context.Context) (string, error) {
	var markup string
	err := a.loop.Call(ctx, func() { markup = a.document.String() })
	return markup, err
}

// Handler exposes the status routes without a listener.
func (a *Agent) Handler() http.Handler {
	return a.server.Routes()
}

// EventBus exposes the diagnostic stream.
func (a *Agent) EventBus() *core.EventBus {
	return a.eventBus
}

func (a *Agent) Shutdown() {
	a.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("server shutdown", zap.Error(err))
	}
	a.mqttClient.Disconnect()
	a.cancel()
	a.wg.Wait()
	a.downloads.Wait()
}
