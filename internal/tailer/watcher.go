package tailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"
)

const (
	readChunk = 4096

	// transient read errors retried inline before giving up on this wake-up
	maxTransientRetries = 8
)

// watcher owns the file handle of one session. It polls for new data and
// for hangup conditions, posting notifications to the event loop.
type watcher struct {
	path     string
	file     *os.File
	src      io.Reader // reads go through here; the file unless wrapped
	info     os.FileInfo
	offset   int64
	session  string
	interval time.Duration
	notes    chan<- Notification
}

func (w *watcher) run(ctx context.Context) {
	defer w.file.Close()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.drain(ctx); err != nil {
			w.post(ctx, Notification{Session: w.session, Err: err, Reason: ReasonRead})
			return
		}

		if reason, err := w.hangup(); err != nil {
			w.post(ctx, Notification{Session: w.session, Err: err, Reason: reason})
			return
		}
	}
}

// drain reads everything currently available, one notification per chunk.
func (w *watcher) drain(ctx context.Context) error {
	transient := 0
	for {
		buf := make([]byte, readChunk)
		n, err := w.src.Read(buf)
		if n > 0 {
			w.offset += int64(n)
			if !w.post(ctx, Notification{Session: w.session, Data: buf[:n]}) {
				return nil
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return nil
		case isTransient(err):
			transient++
			if transient > maxTransientRetries {
				return nil
			}
			continue
		default:
			return fmt.Errorf("read %s: %w", w.path, err)
		}
	}
}

// hangup detects removal, replacement (rotation) and truncation.
func (w *watcher) hangup() (FailureReason, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ReasonRemoved, fmt.Errorf("%s removed", w.path)
		}
		return ReasonRead, fmt.Errorf("stat %s: %w", w.path, err)
	}
	if !os.SameFile(w.info, info) {
		return ReasonReplaced, fmt.Errorf("%s replaced", w.path)
	}
	if info.Size() < w.offset {
		return ReasonTruncated, fmt.Errorf("%s truncated to %d bytes (offset %d)", w.path, info.Size(), w.offset)
	}
	return "", nil
}

func (w *watcher) post(ctx context.Context, n Notification) bool {
	select {
	case w.notes <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}
