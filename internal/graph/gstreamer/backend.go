// Package gstreamer is the production graph backend: nodes are GStreamer
// elements inside one pipeline, and bus messages are translated into
// graph.Message values by a polling goroutine.
package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/timelapse-delay/internal/graph"
	"github.com/e7canasta/timelapse-delay/internal/overlay"
)

var initOnce sync.Once

// element wraps a GStreamer element as a graph.Node.
type element struct {
	el   *gst.Element
	name string
	kind string
}

func (e *element) Name() string { return e.name }
func (e *element) Kind() string { return e.kind }

// SetProperty sets a GObject property. Caps given as strings are parsed.
func (e *element) SetProperty(name string, value any) error {
	if s, ok := value.(string); ok && name == "caps" {
		caps := gst.NewCapsFromString(s)
		if caps == nil {
			return fmt.Errorf("invalid caps %q", s)
		}
		value = caps
	}
	if err := e.el.SetProperty(name, value); err != nil {
		return fmt.Errorf("%s: %w", e.kind, err)
	}
	return nil
}

// Backend implements graph.Backend on a gst.Pipeline.
type Backend struct {
	pipeline *gst.Pipeline

	mu       sync.Mutex
	playing  bool
	released bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	msgs   chan graph.Message

	captionUpdates atomic.Uint64
}

var _ graph.Backend = (*Backend)(nil)

// New initializes GStreamer and creates an empty pipeline.
func New() (*Backend, error) {
	initOnce.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstreamer: create pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
		msgs:     make(chan graph.Message, 64),
	}, nil
}

// Make creates an element from its factory.
func (b *Backend) Make(kind, name string) (graph.Node, error) {
	el, err := gst.NewElementWithName(kind, name)
	if err != nil {
		return nil, fmt.Errorf("gstreamer: no element factory %q: %w", kind, err)
	}
	return &element{el: el, name: el.GetName(), kind: kind}, nil
}

// Add moves elements into the pipeline.
func (b *Backend) Add(nodes ...graph.Node) error {
	els := make([]*gst.Element, 0, len(nodes))
	for _, n := range nodes {
		e, ok := n.(*element)
		if !ok {
			return fmt.Errorf("gstreamer: foreign node %s", n.Name())
		}
		els = append(els, e.el)
	}
	if err := b.pipeline.AddMany(els...); err != nil {
		return fmt.Errorf("gstreamer: add: %w", err)
	}
	return nil
}

// Link links src to dst on compatible pads. Request pads on tee are created
// by GStreamer.
func (b *Backend) Link(src, dst graph.Node) error {
	s, ok1 := src.(*element)
	d, ok2 := dst.(*element)
	if !ok1 || !ok2 {
		return errors.New("gstreamer: foreign node")
	}
	if err := s.el.Link(d.el); err != nil {
		return fmt.Errorf("gstreamer: link %s → %s: %w", s.name, d.name, err)
	}
	return nil
}

// InstallOverlay keeps the textoverlay caption in sync with state. A
// per-buffer pad callback on the overlay's video input compares versions and
// only touches the property when the caption changed.
func (b *Backend) InstallOverlay(n graph.Node, state *overlay.State) error {
	e, ok := n.(*element)
	if !ok || e.kind != "textoverlay" {
		return fmt.Errorf("gstreamer: %s is not a textoverlay", n.Name())
	}

	pad := e.el.GetStaticPad("video_sink")
	if pad == nil {
		return fmt.Errorf("gstreamer: %s has no video_sink pad", e.name)
	}

	var applied atomic.Uint64 // version+1 of the caption set on the element
	pad.AddProbe(gst.PadProbeTypeBuffer, func(*gst.Pad, *gst.PadProbeInfo) gst.PadProbeReturn {
		text, v := state.Snapshot()
		if applied.Load() == v+1 {
			return gst.PadProbeOK
		}
		if err := e.el.SetProperty("text", text); err != nil {
			slog.Warn("gstreamer: overlay text update failed", "element", e.name, "error", err)
			return gst.PadProbeOK
		}
		applied.Store(v + 1)
		b.captionUpdates.Add(1)
		return gst.PadProbeOK
	})

	slog.Debug("gstreamer: overlay buffer hook installed", "element", e.name)
	return nil
}

// Play starts the bus pump and sets the pipeline to PLAYING.
func (b *Backend) Play() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return errors.New("gstreamer: backend released")
	}
	if b.playing {
		return errors.New("gstreamer: already playing")
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.pump()
	}()

	if err := b.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstreamer: set PLAYING: %w", err)
	}
	b.playing = true
	return nil
}

// SendEOS injects end-of-stream at the pipeline's sources.
func (b *Backend) SendEOS() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.playing || b.released {
		return errors.New("gstreamer: not playing")
	}
	if !b.pipeline.SendEvent(gst.NewEOSEvent()) {
		return errors.New("gstreamer: EOS event not handled")
	}
	return nil
}

// Release stops the bus pump and sets the pipeline to NULL. Idempotent.
func (b *Backend) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	if err := b.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstreamer: set NULL: %w", err)
	}
	slog.Debug("gstreamer: pipeline released", "caption_updates", b.captionUpdates.Load())
	return nil
}

// Messages returns translated bus messages.
func (b *Backend) Messages() <-chan graph.Message {
	return b.msgs
}
