// Package metrics turns the diagnostic event stream into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pagecmd-agent/internal/core"
)

// Metrics owns its registry so several agents can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	commands  *prometheus.CounterVec
	batches   prometheus.Counter
	downloads *prometheus.CounterVec
	events    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecmd",
			Name:      "requests_total",
			Help:      "Primary channel requests by outcome.",
		}, []string{"outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecmd",
			Name:      "commands_total",
			Help:      "Dispatched commands by type and result.",
		}, []string{"type", "result", "kind"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagecmd",
			Name:      "batches_applied_total",
			Help:      "Command batches applied to the document.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecmd",
			Name:      "downloads_total",
			Help:      "Downloads by stage.",
		}, []string{"stage", "kind"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagecmd",
			Name:      "events_sent_total",
			Help:      "Client events carried by sent requests.",
		}),
	}
	m.registry.MustRegister(m.requests, m.commands, m.batches, m.downloads, m.events)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe updates the series for one event.
func (m *Metrics) Observe(e core.Event) {
	p := e.Payload
	switch e.Type {
	case core.RequestSentEvent:
		m.requests.WithLabelValues("sent").Inc()
		m.events.Add(float64(p.Events))
	case core.RequestFailedEvent:
		m.requests.WithLabelValues("failed").Inc()
	case core.MalformedResponseEvent:
		m.requests.WithLabelValues("malformed").Inc()
	case core.BatchAppliedEvent:
		m.batches.Inc()
	case core.CommandAppliedEvent:
		m.commands.WithLabelValues(string(p.Command), "applied", "").Inc()
	case core.CommandSkippedEvent:
		m.commands.WithLabelValues(commandLabel(p.Command, p.Kind), "skipped", p.Kind).Inc()
	case core.DownloadStartedEvent:
		m.downloads.WithLabelValues("started", "").Inc()
	case core.DownloadCompletedEvent:
		m.downloads.WithLabelValues("completed", "").Inc()
	case core.DownloadFailedEvent:
		m.downloads.WithLabelValues("failed", p.Kind).Inc()
	}
}

// commandLabel folds every unknown tag into a single label value.
func commandLabel(t core.CommandType, kind string) string {
	if kind == "unknown_command" {
		return "unknown"
	}
	return string(t)
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus *core.EventBus) {
	sub := bus.Subscribe(core.AllEventTypes...)
	defer bus.Unsubscribe(sub, core.AllEventTypes...)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub:
			m.Observe(e)
		}
	}
}
