// Package synthetic is a pure-Go graph backend. Every node factory used by the
// capture topologies has a stand-in here: a test-pattern live source, tee,
// queue, caption compositor, display sink, rate reducer, JPEG encoder and
// decoder, and a multi-file sink. Each node runs on its own goroutine and
// frames flow over channels.
//
// It exists for CI, for demos without a camera, and for end-to-end tests of
// the delay and caption behavior.
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/timelapse-delay/internal/graph"
	"github.com/e7canasta/timelapse-delay/internal/overlay"
)

// DisplayFunc observes every frame reaching a display sink. at is the
// backend clock when the frame was shown (same origin as Frame.PTS).
type DisplayFunc func(f *Frame, at time.Duration)

// Config configures the synthetic source and observers.
type Config struct {
	Width  int
	Height int
	FPS    int

	OnDisplay DisplayFunc
}

// Backend implements graph.Backend without GStreamer.
type Backend struct {
	cfg Config

	mu       sync.Mutex
	nodes    []*node
	byName   map[string]*node
	playing  bool
	released bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	base      time.Time
	eos       chan struct{}
	eosOnce   sync.Once
	sinksLeft atomic.Int32

	msgs      chan graph.Message
	displayed atomic.Uint64
	stills    atomic.Uint64
}

var _ graph.Backend = (*Backend)(nil)

// New creates a backend. Fails fast on invalid configuration.
func New(cfg Config) (*Backend, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("synthetic: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("synthetic: fps must be > 0 (got %d)", cfg.FPS)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		cfg:    cfg,
		byName: make(map[string]*node),
		ctx:    ctx,
		cancel: cancel,
		eos:    make(chan struct{}),
		msgs:   make(chan graph.Message, 64),
	}, nil
}

// Make creates a node of a known kind.
func (b *Backend) Make(kind, name string) (graph.Node, error) {
	spec, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("synthetic: no element factory %q", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		name = fmt.Sprintf("%s%d", kind, len(b.nodes))
	}
	if _, dup := b.byName[name]; dup {
		name = fmt.Sprintf("%s%d", name, len(b.nodes))
	}

	n := &node{
		name:  name,
		kind:  kind,
		spec:  spec,
		props: make(map[string]any),
	}
	return n, nil
}

// Add takes ownership of nodes.
func (b *Backend) Add(nodes ...graph.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, gn := range nodes {
		n, ok := gn.(*node)
		if !ok {
			return fmt.Errorf("synthetic: foreign node %s", gn.Name())
		}
		if _, dup := b.byName[n.name]; dup {
			return fmt.Errorf("synthetic: node %s already added", n.name)
		}
		b.nodes = append(b.nodes, n)
		b.byName[n.name] = n
	}
	return nil
}

// Link connects src's next output to dst's single input.
func (b *Backend) Link(src, dst graph.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok1 := b.byName[src.Name()]
	d, ok2 := b.byName[dst.Name()]
	if !ok1 || !ok2 {
		return fmt.Errorf("synthetic: link %s → %s: node not added", src.Name(), dst.Name())
	}
	if s.spec.sink {
		return fmt.Errorf("synthetic: %s has no src pad", s.name)
	}
	if d.spec.source {
		return fmt.Errorf("synthetic: %s has no sink pad", d.name)
	}
	if d.in != nil {
		return fmt.Errorf("synthetic: %s sink pad already linked", d.name)
	}
	if !s.spec.fanout && len(s.outs) > 0 {
		return fmt.Errorf("synthetic: %s src pad already linked", s.name)
	}

	ch := make(chan *Frame, 2)
	s.outs = append(s.outs, ch)
	d.in = ch
	return nil
}

// InstallOverlay makes a textoverlay node read its caption from state on
// every frame.
func (b *Backend) InstallOverlay(gn graph.Node, state *overlay.State) error {
	n, ok := gn.(*node)
	if !ok || n.kind != "textoverlay" {
		return fmt.Errorf("synthetic: %s is not a textoverlay", gn.Name())
	}
	n.overlay = state
	return nil
}

// Play starts every node.
func (b *Backend) Play() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return errors.New("synthetic: backend released")
	}
	if b.playing {
		return errors.New("synthetic: already playing")
	}

	sinks := 0
	for _, n := range b.nodes {
		if !n.spec.source && n.in == nil {
			return fmt.Errorf("synthetic: %s sink pad not linked", n.name)
		}
		if !n.spec.sink && len(n.outs) == 0 {
			return fmt.Errorf("synthetic: %s src pad not linked", n.name)
		}
		if n.spec.sink {
			sinks++
		}
	}
	if sinks == 0 {
		return errors.New("synthetic: no sinks")
	}

	for _, n := range b.nodes {
		if err := n.prepare(); err != nil {
			return fmt.Errorf("synthetic: %s: %w", n.name, err)
		}
	}

	b.playing = true
	b.base = time.Now()
	b.sinksLeft.Store(int32(sinks))

	for _, n := range b.nodes {
		n := n
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			n.spec.run(b, n)
		}()
	}

	b.post(graph.Message{Type: graph.MessageStateChanged, Source: "pipeline", OldState: "paused", NewState: "playing"})
	slog.Debug("synthetic: playing", "nodes", len(b.nodes), "size", fmt.Sprintf("%dx%d", b.cfg.Width, b.cfg.Height), "fps", b.cfg.FPS)
	return nil
}

// SendEOS stops the source; downstream nodes drain and the bus gets EOS
// once every sink has seen the end of its stream.
func (b *Backend) SendEOS() error {
	b.mu.Lock()
	playing := b.playing && !b.released
	b.mu.Unlock()
	if !playing {
		return errors.New("synthetic: not playing")
	}
	b.eosOnce.Do(func() { close(b.eos) })
	return nil
}

// Release stops all nodes and discards buffered frames. Idempotent.
func (b *Backend) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	nodes := b.nodes
	b.mu.Unlock()

	b.cancel()
	for _, n := range nodes {
		n.close()
	}
	b.wg.Wait()

	slog.Debug("synthetic: released", "displayed", b.displayed.Load(), "stills", b.stills.Load())
	return nil
}

// Messages returns the bus.
func (b *Backend) Messages() <-chan graph.Message {
	return b.msgs
}

// Displayed returns the number of frames shown by display sinks.
func (b *Backend) Displayed() uint64 {
	return b.displayed.Load()
}

// Stills returns the number of stills written.
func (b *Backend) Stills() uint64 {
	return b.stills.Load()
}

func (b *Backend) clock() time.Duration {
	return time.Since(b.base)
}

func (b *Backend) post(m graph.Message) {
	select {
	case b.msgs <- m:
	case <-b.ctx.Done():
	}
}

func (b *Backend) fail(n *node, err error) {
	b.post(graph.Message{
		Type:     graph.MessageError,
		Source:   n.name,
		Err:      err,
		Category: graph.Classify(n.name, err.Error(), ""),
	})
}

func (b *Backend) warn(n *node, err error) {
	b.post(graph.Message{
		Type:     graph.MessageWarning,
		Source:   n.name,
		Err:      err,
		Category: graph.Classify(n.name, err.Error(), ""),
	})
}

func (b *Backend) postStill(n *node, filename string, index int) {
	b.post(graph.Message{
		Type:     graph.MessageStillWritten,
		Source:   n.name,
		Filename: filename,
		Index:    index,
	})
}

// sinkDone posts EOS after the last sink finished a clean end of stream.
func (b *Backend) sinkDone() {
	if b.ctx.Err() != nil {
		return
	}
	if b.sinksLeft.Add(-1) == 0 {
		b.post(graph.Message{Type: graph.MessageEOS, Source: "pipeline"})
	}
}

func (b *Backend) send(out chan<- *Frame, f *Frame) bool {
	select {
	case out <- f:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// recv returns the next frame; ok is false at end of stream or release.
func (b *Backend) recv(in <-chan *Frame) (*Frame, bool) {
	select {
	case f, ok := <-in:
		return f, ok
	case <-b.ctx.Done():
		return nil, false
	}
}
