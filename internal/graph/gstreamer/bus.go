package gstreamer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/timelapse-delay/internal/graph"
)

// multifilesink names its element message after the type.
const stillStructure = "GstMultiFileSink"

// pump polls the pipeline bus until release. Short timeout keeps shutdown
// responsive.
func (b *Backend) pump() {
	bus := b.pipeline.GetPipelineBus()
	for {
		select {
		case <-b.ctx.Done():
			slog.Debug("gstreamer: bus pump stopped")
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		m, ok := b.translate(msg)
		if !ok {
			continue
		}
		select {
		case b.msgs <- m:
		case <-b.ctx.Done():
			return
		}
	}
}

// translate maps the bus messages the run loop cares about.
func (b *Backend) translate(msg *gst.Message) (graph.Message, bool) {
	switch msg.Type() {
	case gst.MessageEOS:
		return graph.Message{Type: graph.MessageEOS, Source: msg.Source()}, true

	case gst.MessageError:
		gerr := msg.ParseError()
		return graph.Message{
			Type:     graph.MessageError,
			Source:   msg.Source(),
			Err:      fmt.Errorf("%s", gerr.Error()),
			Debug:    gerr.DebugString(),
			Category: graph.Classify(msg.Source(), gerr.Error(), gerr.DebugString()),
		}, true

	case gst.MessageWarning:
		gerr := msg.ParseWarning()
		return graph.Message{
			Type:     graph.MessageWarning,
			Source:   msg.Source(),
			Err:      fmt.Errorf("%s", gerr.Error()),
			Debug:    gerr.DebugString(),
			Category: graph.Classify(msg.Source(), gerr.Error(), gerr.DebugString()),
		}, true

	case gst.MessageStateChanged:
		// element transitions are noise; only the pipeline's own matter
		if msg.Source() != b.pipeline.GetName() {
			return graph.Message{}, false
		}
		old, cur := msg.ParseStateChanged()
		return graph.Message{
			Type:     graph.MessageStateChanged,
			Source:   msg.Source(),
			OldState: old.String(),
			NewState: cur.String(),
		}, true

	case gst.MessageElement:
		return stillWritten(msg)
	}
	return graph.Message{}, false
}

func stillWritten(msg *gst.Message) (graph.Message, bool) {
	s := msg.GetStructure()
	if s == nil || s.Name() != stillStructure {
		return graph.Message{}, false
	}

	m := graph.Message{Type: graph.MessageStillWritten, Source: msg.Source()}
	if v, err := s.GetValue("filename"); err == nil {
		m.Filename, _ = v.(string)
	}
	if v, err := s.GetValue("index"); err == nil {
		switch x := v.(type) {
		case int:
			m.Index = x
		case int32:
			m.Index = int(x)
		case int64:
			m.Index = int(x)
		}
	}
	return m, true
}
