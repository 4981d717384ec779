// Package overlay holds the current caption shown on the delayed display.
//
// One producer (the tailer) publishes, one consumer (the render path) reads
// once per frame. Last write wins; intermediate values may never be rendered.
package overlay

import (
	"sync"
	"sync/atomic"
)

// DefaultPlaceholder is shown until the first record arrives.
const DefaultPlaceholder = "starting"

// State is the caption slot. Reads are lock-free.
type State struct {
	text    atomic.Pointer[string]
	version atomic.Uint64

	// refresh variant: records wait here until Apply moves them
	deferred bool
	mu       sync.Mutex
	pending  *string
}

// New returns a slot showing placeholder (DefaultPlaceholder when empty).
func New(placeholder string) *State {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	s := &State{}
	s.text.Store(&placeholder)
	return s
}

// NewDeferred returns a slot where Publish only stages the record; the
// visible caption changes when ApplyPending is called (refresh tick).
func NewDeferred(placeholder string) *State {
	s := New(placeholder)
	s.deferred = true
	return s
}

// Publish sets the caption. Empty records are published verbatim.
func (s *State) Publish(text string) {
	if s.deferred {
		s.mu.Lock()
		s.pending = &text
		s.mu.Unlock()
		return
	}
	s.store(text)
}

// ApplyPending moves the newest staged record into the visible slot.
// Returns false when nothing was staged.
func (s *State) ApplyPending() bool {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.mu.Unlock()

	if p == nil {
		return false
	}
	s.store(*p)
	return true
}

// Deferred reports whether the slot uses the refresh variant.
func (s *State) Deferred() bool {
	return s.deferred
}

// Current returns the visible caption.
func (s *State) Current() string {
	return *s.text.Load()
}

// Version increments on every visible change, so renderers can skip
// re-applying an unchanged caption.
func (s *State) Version() uint64 {
	return s.version.Load()
}

// Snapshot returns caption and version together. The pair may be torn
// under concurrent Publish; the next frame picks up the newer pair.
func (s *State) Snapshot() (string, uint64) {
	v := s.version.Load()
	return *s.text.Load(), v
}

func (s *State) store(text string) {
	s.text.Store(&text)
	s.version.Add(1)
}
