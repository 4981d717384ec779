// Package delayqueue implements the display-branch buffer that realizes the
// configured delay: items are held until the buffered presentation-time span
// reaches a minimum threshold, and three independent caps bound the buffer.
//
// Semantics follow a GStreamer queue with min-threshold-time: a full queue
// releases items even below the threshold, so caps smaller than the delay
// shorten the delay instead of deadlocking.
package delayqueue

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("delayqueue: closed")

	// ErrDrained is returned by Pop once a draining queue is empty, and by
	// Push after Drain.
	ErrDrained = errors.New("delayqueue: drained")
)

// Config bounds the queue. Zero caps are unbounded.
type Config struct {
	MaxBytes     uint64
	MaxItems     int
	MaxTime      time.Duration
	MinThreshold time.Duration // the delay
}

// Validate checks the caps are consistent.
func (c Config) Validate() error {
	if c.MaxItems < 0 {
		return fmt.Errorf("delayqueue: max items must be >= 0 (got %d)", c.MaxItems)
	}
	if c.MaxTime < 0 || c.MinThreshold < 0 {
		return fmt.Errorf("delayqueue: durations must be >= 0 (max_time=%v, min_threshold=%v)", c.MaxTime, c.MinThreshold)
	}
	if c.MaxTime != 0 && c.MaxTime <= c.MinThreshold {
		return fmt.Errorf("delayqueue: max time %v must exceed min threshold %v", c.MaxTime, c.MinThreshold)
	}
	return nil
}

// Item is one buffered unit with its presentation timestamp.
type Item[T any] struct {
	Value T
	PTS   time.Duration
	Size  uint64
}

// Queue is a FIFO of items, safe for one producer and one consumer.
type Queue[T any] struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	items    []Item[T]
	bytes    uint64
	draining bool
	closed   bool
}

// New creates a queue. Fails fast on invalid configuration.
func New[T any](cfg Config) (*Queue[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue[T]{cfg: cfg}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Push appends an item, blocking while the queue is full.
func (q *Queue[T]) Push(it Item[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && !q.draining && q.full() {
		q.cond.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	if q.draining {
		return ErrDrained
	}

	q.items = append(q.items, it)
	q.bytes += it.Size
	q.cond.Broadcast()
	return nil
}

// Pop blocks until the oldest item may be released and returns it.
func (q *Queue[T]) Pop() (Item[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && !q.ready() {
		if q.draining && len(q.items) == 0 {
			var zero Item[T]
			return zero, ErrDrained
		}
		q.cond.Wait()
	}
	if q.closed {
		var zero Item[T]
		return zero, ErrClosed
	}
	return q.take(), nil
}

// TryPop releases the oldest item if it may be released now.
func (q *Queue[T]) TryPop() (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || !q.ready() {
		var zero Item[T]
		return zero, false
	}
	return q.take(), true
}

// Drain marks end of stream: the threshold no longer applies and the
// remaining items flow out. Further pushes fail with ErrDrained.
func (q *Queue[T]) Drain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Close discards buffered items and unblocks every caller. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.bytes = 0
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Span returns newest minus oldest presentation time.
func (q *Queue[T]) Span() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.span()
}

// Bytes returns the buffered size.
func (q *Queue[T]) Bytes() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

func (q *Queue[T]) take() Item[T] {
	it := q.items[0]
	var zero Item[T]
	q.items[0] = zero
	q.items = q.items[1:]
	q.bytes -= it.Size
	q.cond.Broadcast()
	return it
}

func (q *Queue[T]) ready() bool {
	if len(q.items) == 0 {
		return false
	}
	return q.draining || q.span() >= q.cfg.MinThreshold || q.full()
}

func (q *Queue[T]) span() time.Duration {
	if len(q.items) < 2 {
		return 0
	}
	return q.items[len(q.items)-1].PTS - q.items[0].PTS
}

func (q *Queue[T]) full() bool {
	if q.cfg.MaxItems > 0 && len(q.items) >= q.cfg.MaxItems {
		return true
	}
	if q.cfg.MaxBytes > 0 && q.bytes >= q.cfg.MaxBytes {
		return true
	}
	if q.cfg.MaxTime > 0 && q.span() >= q.cfg.MaxTime {
		return true
	}
	return false
}
