// Package metrics exposes prometheus collectors for the capture run.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/timelapse-delay/internal/graph"
	"github.com/e7canasta/timelapse-delay/internal/tailer"
)

const namespace = "timelapse"

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Tailer
	SessionsOpened  prometheus.Counter
	SessionFailures *prometheus.CounterVec
	RecordsCounter  prometheus.Counter
	TailerOpen      prometheus.Gauge

	// Graph
	StillsWritten  prometheus.Counter
	LastStillIndex prometheus.Gauge
	BusMessages    *prometheus.CounterVec
	PipelineErrors *prometheus.CounterVec
	Running        prometheus.Gauge

	// Overlay
	CaptionUpdates prometheus.Counter

	// Control
	QuitRequests *prometheus.CounterVec
}

var _ tailer.Observer = (*Metrics)(nil)

// New creates and registers every collector, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "sessions_opened_total",
			Help:      "Log file sessions opened",
		}),
		SessionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "session_failures_total",
			Help:      "Open attempts and sessions that failed, by reason",
		}, []string{"reason"}),
		RecordsCounter: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "records_published_total",
			Help:      "Complete log records handed to the overlay",
		}),
		TailerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "session_open",
			Help:      "1 while a tail session is open",
		}),

		StillsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "stills_written_total",
			Help:      "Still frames written to disk",
		}),
		LastStillIndex: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "last_still_index",
			Help:      "Index of the most recent still",
		}),
		BusMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "bus_messages_total",
			Help:      "Bus messages dispatched, by type",
		}, []string{"type"}),
		PipelineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Pipeline errors and warnings, by severity and category",
		}, []string{"severity", "category"}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "running",
			Help:      "1 while the pipeline is playing",
		}),

		CaptionUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "overlay",
			Name:      "caption_updates_total",
			Help:      "Captions applied to the overlay",
		}),

		QuitRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quit_requests_total",
			Help:      "Quit requests, by source",
		}, []string{"source"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SessionOpened implements tailer.Observer.
func (m *Metrics) SessionOpened() {
	m.SessionsOpened.Inc()
	m.TailerOpen.Set(1)
}

// SessionFailed implements tailer.Observer.
func (m *Metrics) SessionFailed(reason tailer.FailureReason) {
	m.SessionFailures.WithLabelValues(string(reason)).Inc()
	if reason != tailer.ReasonOpen {
		m.TailerOpen.Set(0)
	}
}

// RecordsPublished implements tailer.Observer.
func (m *Metrics) RecordsPublished(n int) {
	m.RecordsCounter.Add(float64(n))
}

// ObserveMessage records one bus message.
func (m *Metrics) ObserveMessage(msg graph.Message) {
	m.BusMessages.WithLabelValues(msg.Type.String()).Inc()

	switch msg.Type {
	case graph.MessageError, graph.MessageWarning:
		category := msg.Category
		if category == graph.ErrCategoryUnknown && msg.Err != nil {
			category = graph.Classify(msg.Source, msg.Err.Error(), msg.Debug)
		}
		m.PipelineErrors.WithLabelValues(msg.Type.String(), category.String()).Inc()
	case graph.MessageStillWritten:
		m.StillsWritten.Inc()
		m.LastStillIndex.Set(float64(msg.Index))
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Server is the optional metrics HTTP endpoint.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve starts an HTTP server with /metrics and /heart on addr.
func Serve(addr string, m *Metrics) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/heart", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics: server stopped", "error", err)
		}
	}()

	slog.Info("metrics: serving", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
