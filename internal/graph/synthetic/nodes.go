package synthetic

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/e7canasta/timelapse-delay/internal/delayqueue"
	"github.com/e7canasta/timelapse-delay/internal/overlay"
)

type factorySpec struct {
	source bool
	sink   bool
	fanout bool
	props  []string
	run    func(b *Backend, n *node)
}

var factories map[string]factorySpec

func init() {
	factories = map[string]factorySpec{
		"v4l2src":       {source: true, props: []string{"device"}, run: runSource},
		"videoconvert":  {run: runConvert},
		"capsfilter":    {props: []string{"caps"}, run: runCapsFilter},
		"tee":           {fanout: true, run: runTee},
		"queue":         {props: []string{"max-size-buffers", "max-size-bytes", "max-size-time", "min-threshold-time"}, run: runQueue},
		"textoverlay":   {props: []string{"text"}, run: runTextOverlay},
		"xvimagesink":   {sink: true, props: []string{"sync"}, run: runDisplaySink},
		"vaapisink":     {sink: true, props: []string{"sync", "fullscreen"}, run: runDisplaySink},
		"videorate":     {props: []string{"max-rate"}, run: runVideoRate},
		"jpegenc":       {props: []string{"quality"}, run: runJPEGEnc},
		"vaapijpegdec":  {run: runJPEGDec},
		"jpegdec":       {run: runJPEGDec},
		"multifilesink": {sink: true, props: []string{"location", "index", "post-messages"}, run: runMultiFileSink},
	}
}

// GStreamer queue defaults, used when a property is not set.
const (
	defaultQueueBuffers = 200
	defaultQueueBytes   = 10 * 1024 * 1024
	defaultQueueTime    = time.Second
	defaultJPEGQuality  = 85

	// display sink lateness reported as a warning
	lateThreshold = 500 * time.Millisecond
)

type node struct {
	name string
	kind string
	spec factorySpec

	mu    sync.Mutex
	props map[string]any

	in   chan *Frame
	outs []chan *Frame

	overlay *overlay.State
	queue   *delayqueue.Queue[*Frame]
}

func (n *node) Name() string { return n.name }
func (n *node) Kind() string { return n.kind }

// SetProperty rejects properties the element does not have.
func (n *node) SetProperty(name string, value any) error {
	for _, p := range n.spec.props {
		if p == name {
			n.mu.Lock()
			n.props[name] = value
			n.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("synthetic: %s has no property %q", n.kind, name)
}

// prepare resolves properties before streaming starts.
func (n *node) prepare() error {
	if n.kind != "queue" {
		return nil
	}

	cfg := delayqueue.Config{
		MaxItems:     n.intProp("max-size-buffers", defaultQueueBuffers),
		MaxBytes:     uint64(n.intProp("max-size-bytes", defaultQueueBytes)),
		MaxTime:      n.durationProp("max-size-time", defaultQueueTime),
		MinThreshold: n.durationProp("min-threshold-time", 0),
	}
	q, err := delayqueue.New[*Frame](cfg)
	if err != nil {
		return err
	}
	n.queue = q
	return nil
}

func (n *node) close() {
	if n.queue != nil {
		n.queue.Close()
	}
}

func (n *node) closeOutputs() {
	for _, out := range n.outs {
		close(out)
	}
}

func (n *node) prop(name string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.props[name]
	return v, ok
}

func (n *node) stringProp(name, def string) string {
	if v, ok := n.prop(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (n *node) boolProp(name string, def bool) bool {
	if v, ok := n.prop(name); ok {
		if bv, ok := v.(bool); ok {
			return bv
		}
	}
	return def
}

func (n *node) intProp(name string, def int) int {
	v, ok := n.prop(name)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint64:
		return int(x)
	default:
		return def
	}
}

// durationProp reads a GStreamer time property (nanoseconds).
func (n *node) durationProp(name string, def time.Duration) time.Duration {
	v, ok := n.prop(name)
	if !ok {
		return def
	}
	switch x := v.(type) {
	case uint64:
		return time.Duration(x)
	case int64:
		return time.Duration(x)
	case time.Duration:
		return x
	default:
		return def
	}
}

func runSource(b *Backend, n *node) {
	interval := time.Second / time.Duration(b.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.eos:
			n.closeOutputs()
			return
		case <-ticker.C:
		}

		f := &Frame{
			Seq:   seq,
			PTS:   b.clock(),
			Image: testPattern(seq, b.cfg.Width, b.cfg.Height, b.cfg.FPS),
		}
		seq++
		if !b.send(n.outs[0], f) {
			return
		}
	}
}

// transform runs fn on every frame; a nil result drops the frame and an
// error stops the node with an error message.
func transform(b *Backend, n *node, fn func(*Frame) (*Frame, error)) {
	for {
		f, ok := b.recv(n.in)
		if !ok {
			if b.ctx.Err() == nil {
				n.closeOutputs()
			}
			return
		}
		out, err := fn(f)
		if err != nil {
			b.fail(n, err)
			return
		}
		if out == nil {
			continue
		}
		for _, o := range n.outs {
			if !b.send(o, out) {
				return
			}
		}
	}
}

func runConvert(b *Backend, n *node) {
	transform(b, n, func(f *Frame) (*Frame, error) {
		if f.Image == nil {
			return nil, errors.New("not negotiated: videoconvert needs raw video")
		}
		return f, nil
	})
}

func runTee(b *Backend, n *node) {
	transform(b, n, func(f *Frame) (*Frame, error) { return f, nil })
}

// runCapsFilter emulates a camera delivering the filtered format: raw frames
// are scaled to the caps size and encoded when the caps ask for image/jpeg.
func runCapsFilter(b *Backend, n *node) {
	caps := parseCaps(n.stringProp("caps", ""))
	transform(b, n, func(f *Frame) (*Frame, error) {
		if f.Image == nil {
			return f, nil
		}
		img := f.Image
		if caps.width > 0 && caps.height > 0 {
			img = scale(img, caps.width, caps.height)
		}
		if caps.media == "image/jpeg" {
			data, err := encodeJPEG(img, defaultJPEGQuality)
			if err != nil {
				return nil, err
			}
			return f.withJPEG(data), nil
		}
		return f.withImage(img), nil
	})
}

func runQueue(b *Backend, n *node) {
	q := n.queue

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			it, err := q.Pop()
			if err != nil {
				if errors.Is(err, delayqueue.ErrDrained) {
					n.closeOutputs()
				}
				return
			}
			if !b.send(n.outs[0], it.Value) {
				return
			}
		}
	}()

	for {
		f, ok := b.recv(n.in)
		if !ok {
			if b.ctx.Err() == nil {
				q.Drain()
			}
			return
		}
		if err := q.Push(delayqueue.Item[*Frame]{Value: f, PTS: f.PTS, Size: f.Size()}); err != nil {
			return
		}
	}
}

func runTextOverlay(b *Backend, n *node) {
	caption := n.stringProp("text", "")
	rendered := overlay.StripMarkup(caption)
	var (
		version uint64
		applied bool
	)

	transform(b, n, func(f *Frame) (*Frame, error) {
		if f.Image == nil {
			return nil, errors.New("not negotiated: textoverlay needs raw video")
		}
		if n.overlay != nil {
			// re-strip only when the caption changed
			if text, v := n.overlay.Snapshot(); !applied || v != version {
				caption, rendered, version, applied = text, overlay.StripMarkup(text), v, true
			}
		}
		out := f.withImage(drawCaption(f.Image, rendered))
		out.Caption = caption
		return out, nil
	})
}

func runDisplaySink(b *Backend, n *node) {
	syncClock := n.boolProp("sync", true)
	warned := false
	for {
		f, ok := b.recv(n.in)
		if !ok {
			b.sinkDone()
			return
		}
		if f.Image == nil {
			b.fail(n, errors.New("not negotiated: display sink needs raw video"))
			return
		}
		if syncClock {
			wait := f.PTS - b.clock()
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-b.ctx.Done():
					return
				}
			} else if wait < -lateThreshold && !warned {
				warned = true
				b.warn(n, fmt.Errorf("frames are late by %v: display cannot keep up, disable sync", -wait))
			}
		}
		b.displayed.Add(1)
		if b.cfg.OnDisplay != nil {
			b.cfg.OnDisplay(f, b.clock())
		}
	}
}

func runVideoRate(b *Backend, n *node) {
	rate := n.intProp("max-rate", 0)
	var next time.Duration
	first := true

	transform(b, n, func(f *Frame) (*Frame, error) {
		if rate <= 0 {
			return f, nil
		}
		if !first && f.PTS < next {
			return nil, nil
		}
		first = false
		next = f.PTS + time.Second/time.Duration(rate)
		return f, nil
	})
}

func runJPEGEnc(b *Backend, n *node) {
	quality := n.intProp("quality", defaultJPEGQuality)
	transform(b, n, func(f *Frame) (*Frame, error) {
		if f.Image == nil {
			return nil, errors.New("not negotiated: jpegenc needs raw video")
		}
		data, err := encodeJPEG(f.Image, quality)
		if err != nil {
			return nil, err
		}
		return f.withJPEG(data), nil
	})
}

func runJPEGDec(b *Backend, n *node) {
	transform(b, n, func(f *Frame) (*Frame, error) {
		if f.JPEG == nil {
			return nil, errors.New("not negotiated: jpeg decoder needs image/jpeg")
		}
		img, err := decodeJPEG(f.JPEG)
		if err != nil {
			return nil, err
		}
		return f.withImage(img), nil
	})
}

func runMultiFileSink(b *Backend, n *node) {
	location := n.stringProp("location", "%05d")
	index := n.intProp("index", 0)
	postMessages := n.boolProp("post-messages", false)

	for {
		f, ok := b.recv(n.in)
		if !ok {
			b.sinkDone()
			return
		}
		if f.JPEG == nil {
			b.fail(n, errors.New("not negotiated: still writer expects image/jpeg"))
			return
		}

		filename := fmt.Sprintf(location, index)
		if err := os.WriteFile(filename, f.JPEG, 0o644); err != nil {
			b.fail(n, fmt.Errorf("error while writing to file %q: %w", filename, err))
			return
		}
		b.stills.Add(1)
		if postMessages {
			b.postStill(n, filename, index)
		}
		index++
	}
}

type capsSpec struct {
	media  string
	width  int
	height int
}

// parseCaps understands "media/type,width=W,height=H" and ignores other fields.
func parseCaps(s string) capsSpec {
	fields := strings.Split(s, ",")
	c := capsSpec{media: strings.TrimSpace(fields[0])}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(f), "=")
		if !ok {
			continue
		}
		v = strings.TrimPrefix(v, "(int)")
		switch k {
		case "width":
			c.width, _ = strconv.Atoi(v)
		case "height":
			c.height, _ = strconv.Atoi(v)
		}
	}
	return c
}
