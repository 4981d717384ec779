// Package tailer follows a growing text file ("tail -f") and publishes each
// complete line to a sink, recovering from missing, rotated or truncated files.
//
// The Tailer itself is driven from a single event loop: the loop selects on
// RetryC and Notifications and calls OpenAttempt and Handle. Reading happens
// on a per-session watcher goroutine that only posts notifications.
package tailer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sink receives complete records. *overlay.State satisfies it.
type Sink interface {
	Publish(text string)
}

// Observer is notified about session lifecycle (metrics).
type Observer interface {
	SessionOpened()
	SessionFailed(reason FailureReason)
	RecordsPublished(n int)
}

// FailureReason classifies why a session ended.
type FailureReason string

const (
	ReasonOpen      FailureReason = "open"
	ReasonRead      FailureReason = "read"
	ReasonRemoved   FailureReason = "removed"
	ReasonReplaced  FailureReason = "replaced"
	ReasonTruncated FailureReason = "truncated"
)

// Config configures a Tailer.
type Config struct {
	Path           string
	RetryInterval  time.Duration // fixed, no backoff
	PollInterval   time.Duration
	MaxRecordBytes int
	Observer       Observer
}

// Notification is posted by a session watcher.
// Exactly one of Data / Err is set.
type Notification struct {
	Session string
	Data    []byte
	Err     error
	Reason  FailureReason
}

// Stats holds tailer counters.
type Stats struct {
	SessionsOpened   uint64
	OpenFailures     uint64
	SessionFailures  uint64
	RecordsPublished uint64
	BytesRead        uint64
	StaleIgnored     uint64
}

// Tailer follows one file. Not safe for concurrent use: call its methods
// from the goroutine that selects on RetryC and Notifications.
type Tailer struct {
	cfg  Config
	sink Sink

	open    bool
	session *session

	retry  *time.Timer
	retryC <-chan time.Time

	notes  chan Notification
	closed bool

	// reader wraps a session's file for reading; nil reads the file directly
	reader func(f *os.File) io.Reader

	sessionsOpened   atomic.Uint64
	openFailures     atomic.Uint64
	sessionFailures  atomic.Uint64
	recordsPublished atomic.Uint64
	bytesRead        atomic.Uint64
	staleIgnored     atomic.Uint64
}

type session struct {
	id       string
	splitter *Splitter
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Tailer. Fails fast on invalid configuration.
func New(cfg Config, sink Sink) (*Tailer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("tailer: path is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("tailer: sink is required")
	}
	if cfg.RetryInterval <= 0 {
		return nil, fmt.Errorf("tailer: retry interval must be > 0 (got %v)", cfg.RetryInterval)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("tailer: poll interval must be > 0 (got %v)", cfg.PollInterval)
	}

	return &Tailer{
		cfg:   cfg,
		sink:  sink,
		notes: make(chan Notification, 16),
	}, nil
}

// Start schedules the first open attempt one retry interval from now.
func (t *Tailer) Start() {
	if t.closed {
		return
	}
	t.armRetry()
	slog.Info("tailer: started", "path", t.cfg.Path, "retry_interval", t.cfg.RetryInterval)
}

// RetryC fires when an open attempt is due. Nil while a session is open.
func (t *Tailer) RetryC() <-chan time.Time {
	return t.retryC
}

// Notifications carries readable data and hard failures from the open session.
func (t *Tailer) Notifications() <-chan Notification {
	return t.notes
}

// IsOpen reports whether a session is open.
func (t *Tailer) IsOpen() bool {
	return t.open
}

// SessionID returns the open session id, or "".
func (t *Tailer) SessionID() string {
	if !t.open {
		return ""
	}
	return t.session.id
}

// OpenAttempt opens the file and seeks to its end. No-op while a session is
// open. On failure the retry timer is re-armed and the error returned.
func (t *Tailer) OpenAttempt() error {
	t.stopRetry()
	if t.open || t.closed {
		return nil
	}

	f, err := os.Open(t.cfg.Path)
	if err != nil {
		t.openFailures.Add(1)
		if t.cfg.Observer != nil {
			t.cfg.Observer.SessionFailed(ReasonOpen)
		}
		t.armRetry()
		return fmt.Errorf("tailer: open %s: %w", t.cfg.Path, err)
	}

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		t.openFailures.Add(1)
		t.armRetry()
		return fmt.Errorf("tailer: seek %s: %w", t.cfg.Path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		t.openFailures.Add(1)
		t.armRetry()
		return fmt.Errorf("tailer: stat %s: %w", t.cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:       uuid.NewString(),
		splitter: NewSplitter(t.cfg.MaxRecordBytes),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var src io.Reader = f
	if t.reader != nil {
		src = t.reader(f)
	}
	w := &watcher{
		path:     t.cfg.Path,
		file:     f,
		src:      src,
		info:     info,
		offset:   offset,
		session:  s.id,
		interval: t.cfg.PollInterval,
		notes:    t.notes,
	}
	go func() {
		defer close(s.done)
		w.run(ctx)
	}()

	t.session = s
	t.open = true
	t.sessionsOpened.Add(1)
	if t.cfg.Observer != nil {
		t.cfg.Observer.SessionOpened()
	}

	slog.Info("tailer: session opened", "path", t.cfg.Path, "session", s.id, "offset", offset)
	return nil
}

// Handle processes one notification. Notifications from a released session
// are ignored.
func (t *Tailer) Handle(n Notification) {
	if !t.open || n.Session != t.session.id {
		t.staleIgnored.Add(1)
		return
	}

	if n.Err != nil {
		t.fail(n.Reason, n.Err)
		return
	}

	t.bytesRead.Add(uint64(len(n.Data)))
	records := t.session.splitter.Feed(n.Data)
	for _, r := range records {
		t.sink.Publish(r)
	}
	if len(records) > 0 {
		t.recordsPublished.Add(uint64(len(records)))
		if t.cfg.Observer != nil {
			t.cfg.Observer.RecordsPublished(len(records))
		}
		slog.Debug("tailer: records published", "session", t.session.id, "count", len(records))
	}
}

// Close stops the retry timer and releases the open session. Idempotent.
func (t *Tailer) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true

	t.stopRetry()
	t.release()
	slog.Info("tailer: closed", "path", t.cfg.Path)
	return nil
}

// StopRetry cancels a pending open attempt without touching the session.
func (t *Tailer) StopRetry() {
	t.stopRetry()
}

// Stats returns a snapshot of the counters.
func (t *Tailer) Stats() Stats {
	return Stats{
		SessionsOpened:   t.sessionsOpened.Load(),
		OpenFailures:     t.openFailures.Load(),
		SessionFailures:  t.sessionFailures.Load(),
		RecordsPublished: t.recordsPublished.Load(),
		BytesRead:        t.bytesRead.Load(),
		StaleIgnored:     t.staleIgnored.Load(),
	}
}

func (t *Tailer) fail(reason FailureReason, err error) {
	slog.Warn("tailer: session failed, will reopen",
		"path", t.cfg.Path,
		"session", t.session.id,
		"reason", string(reason),
		"error", err,
		"retry_in", t.cfg.RetryInterval,
	)

	t.sessionFailures.Add(1)
	if t.cfg.Observer != nil {
		t.cfg.Observer.SessionFailed(reason)
	}
	t.release()
	t.armRetry()
}

// release stops the watcher (which closes the file) and drops the partial line.
func (t *Tailer) release() {
	if !t.open {
		return
	}
	s := t.session
	s.cancel()
	<-s.done
	s.splitter.Reset()

	t.session = nil
	t.open = false
}

func (t *Tailer) armRetry() {
	if t.closed {
		return
	}
	t.stopRetry()
	t.retry = time.NewTimer(t.cfg.RetryInterval)
	t.retryC = t.retry.C
}

func (t *Tailer) stopRetry() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	t.retryC = nil
}
