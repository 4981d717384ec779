// Package runloop is the single dispatch loop of a capture run. One goroutine
// selects over the graph bus, the tailer's retry timer and notifications,
// quit requests and the caption refresh tick; every state change of the run
// happens on that goroutine.
//
// The run ends exactly once, on end-of-stream, a fatal pipeline error, or a
// drain deadline after a quit request. Teardown always follows the same
// order: timers, tailer session, graph.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/e7canasta/timelapse-delay/internal/graph"
	"github.com/e7canasta/timelapse-delay/internal/metrics"
	"github.com/e7canasta/timelapse-delay/internal/overlay"
	"github.com/e7canasta/timelapse-delay/internal/tailer"
)

// ErrPipeline wraps a fatal error posted on the graph bus.
var ErrPipeline = errors.New("runloop: pipeline error")

// Outcome says why a run ended.
type Outcome int

const (
	OutcomeEOS Outcome = iota
	OutcomeError
	OutcomeDrainTimeout
	OutcomeQuit // quit while the graph could not drain
)

// String returns a human-readable representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeEOS:
		return "eos"
	case OutcomeError:
		return "error"
	case OutcomeDrainTimeout:
		return "drain-timeout"
	case OutcomeQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Emitter receives run events. Implemented by emitter.MQTTEmitter.
type Emitter interface {
	StillWritten(filename string, index int)
	CaptionChanged(text string)
}

// Context is everything a run needs. Graph and Overlay are required; the
// rest is optional.
type Context struct {
	RunID   string
	Graph   *graph.Graph
	Overlay *overlay.State
	Tailer  *tailer.Tailer // nil without a log file

	// Quit carries the name of the quit source (keyboard, mqtt, ...).
	Quit <-chan string

	Emitter Emitter
	Metrics *metrics.Metrics

	// RefreshInterval applies deferred captions periodically; 0 disables.
	RefreshInterval time.Duration
	// DrainDeadline bounds the wait for end-of-stream after a quit request.
	DrainDeadline time.Duration

	stills    atomic.Uint64
	lastStill atomic.Value // string
	draining  atomic.Bool
	started   atomic.Int64 // unix nanoseconds
}

func (c *Context) validate() error {
	if c.Graph == nil {
		return errors.New("runloop: graph is required")
	}
	if c.Overlay == nil {
		return errors.New("runloop: overlay is required")
	}
	if c.DrainDeadline <= 0 {
		return fmt.Errorf("runloop: drain deadline must be > 0 (got %v)", c.DrainDeadline)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("runloop: refresh interval must be >= 0 (got %v)", c.RefreshInterval)
	}
	return nil
}

// Status is a snapshot safe to call from any goroutine.
func (c *Context) Status() map[string]interface{} {
	st := map[string]interface{}{
		"run_id":       c.RunID,
		"state":        c.Graph.State().String(),
		"acceleration": c.Graph.Acceleration().String(),
		"caption":      c.Overlay.Current(),
		"stills":       c.stills.Load(),
		"draining":     c.draining.Load(),
	}
	if last, ok := c.lastStill.Load().(string); ok {
		st["last_still"] = last
	}
	if ns := c.started.Load(); ns != 0 {
		st["uptime_s"] = time.Since(time.Unix(0, ns)).Seconds()
	}
	if c.Tailer != nil {
		ts := c.Tailer.Stats()
		st["tailer_sessions"] = ts.SessionsOpened
		st["tailer_records"] = ts.RecordsPublished
	}
	return st
}

// Run starts the graph and dispatches events until the run ends. It returns
// nil for a graceful end (EOS, quit) and an error otherwise; teardown errors
// are appended.
func Run(ctx context.Context, c *Context) (outcome Outcome, err error) {
	l := &loop{c: c}
	defer func() {
		err = multierr.Append(err, l.teardown())
		slog.Info("runloop: run ended", "outcome", outcome.String(), "stills", c.stills.Load(), "error", err)
	}()

	if err := c.validate(); err != nil {
		return OutcomeError, err
	}

	if err := c.Graph.Start(); err != nil {
		return OutcomeError, fmt.Errorf("runloop: start graph: %w", err)
	}
	c.started.Store(time.Now().UnixNano())
	if c.Metrics != nil {
		c.Metrics.Running.Set(1)
	}
	if c.Tailer != nil {
		c.Tailer.Start()
	}
	if c.RefreshInterval > 0 {
		l.refresh = time.NewTicker(c.RefreshInterval)
	}

	slog.Info("runloop: running", "run_id", c.RunID, "acceleration", c.Graph.Acceleration().String())
	return l.dispatch(ctx)
}

type loop struct {
	c       *Context
	refresh *time.Ticker
	drain   *time.Timer
}

func (l *loop) dispatch(ctx context.Context) (Outcome, error) {
	c := l.c
	done := ctx.Done()
	msgs := c.Graph.Messages()

	for {
		var (
			retryC  <-chan time.Time
			notes   <-chan tailer.Notification
			refresh <-chan time.Time
			drain   <-chan time.Time
		)
		if c.Tailer != nil {
			retryC = c.Tailer.RetryC()
			notes = c.Tailer.Notifications()
		}
		if l.refresh != nil {
			refresh = l.refresh.C
		}
		if l.drain != nil {
			drain = l.drain.C
		}

		select {
		case m := <-msgs:
			if outcome, end, err := l.onMessage(m); end {
				return outcome, err
			}

		case <-retryC:
			if err := c.Tailer.OpenAttempt(); err != nil {
				slog.Debug("runloop: log file not available yet", "error", err)
			}

		case n := <-notes:
			c.Tailer.Handle(n)

		case source := <-c.Quit:
			if l.requestQuit(source) {
				return OutcomeQuit, nil
			}

		case <-done:
			done = nil
			if l.requestQuit("signal") {
				return OutcomeQuit, nil
			}

		case <-refresh:
			if c.Overlay.ApplyPending() {
				l.captionApplied(c.Overlay.Current())
			}

		case <-drain:
			slog.Warn("runloop: drain deadline exceeded, stopping without end-of-stream",
				"deadline", c.DrainDeadline)
			return OutcomeDrainTimeout, nil
		}
	}
}

// onMessage handles one bus message; end reports whether the run is over.
func (l *loop) onMessage(m graph.Message) (outcome Outcome, end bool, err error) {
	c := l.c
	if c.Metrics != nil {
		c.Metrics.ObserveMessage(m)
	}

	switch m.Type {
	case graph.MessageError:
		slog.Error("runloop: pipeline error",
			"source", m.Source,
			"category", m.Category.String(),
			"error", m.Err,
			"debug", m.Debug,
		)
		return OutcomeError, true, fmt.Errorf("%w: %s", ErrPipeline, m)

	case graph.MessageWarning:
		slog.Warn("runloop: pipeline warning",
			"source", m.Source,
			"category", m.Category.String(),
			"error", m.Err,
		)

	case graph.MessageEOS:
		slog.Info("runloop: end of stream", "uptime", time.Since(time.Unix(0, c.started.Load())))
		return OutcomeEOS, true, nil

	case graph.MessageStateChanged:
		slog.Debug("runloop: pipeline state changed", "from", m.OldState, "to", m.NewState)

	case graph.MessageStillWritten:
		c.stills.Add(1)
		c.lastStill.Store(m.Filename)
		slog.Debug("runloop: still written", "file", m.Filename, "index", m.Index)
		if c.Emitter != nil {
			c.Emitter.StillWritten(m.Filename, m.Index)
		}
	}
	return 0, false, nil
}

// requestQuit asks the graph to drain and arms the drain deadline. It
// returns true when the graph cannot drain and the run should end now.
func (l *loop) requestQuit(source string) bool {
	c := l.c
	if c.Metrics != nil {
		c.Metrics.QuitRequests.WithLabelValues(source).Inc()
	}
	if c.draining.Load() {
		slog.Debug("runloop: already draining", "source", source)
		return false
	}
	c.draining.Store(true)

	if err := c.Graph.RequestEOS(); err != nil {
		slog.Warn("runloop: cannot drain, stopping now", "source", source, "error", err)
		return true
	}
	l.drain = time.NewTimer(c.DrainDeadline)
	slog.Info("runloop: quit requested, draining delayed frames",
		"source", source, "deadline", c.DrainDeadline)
	return false
}

func (l *loop) captionApplied(text string) {
	c := l.c
	if c.Metrics != nil {
		c.Metrics.CaptionUpdates.Inc()
	}
	if c.Emitter != nil {
		c.Emitter.CaptionChanged(text)
	}
}

// teardown releases timers, then the tailer session, then the graph.
func (l *loop) teardown() error {
	c := l.c
	if l.refresh != nil {
		l.refresh.Stop()
	}
	if l.drain != nil {
		l.drain.Stop()
	}

	var err error
	if c.Tailer != nil {
		err = multierr.Append(err, c.Tailer.Close())
	}
	if c.Graph != nil {
		err = multierr.Append(err, c.Graph.Stop())
	}
	if c.Metrics != nil {
		c.Metrics.Running.Set(0)
		c.Metrics.TailerOpen.Set(0)
	}
	return err
}
