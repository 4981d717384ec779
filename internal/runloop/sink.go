package runloop

import (
	"github.com/e7canasta/timelapse-delay/internal/metrics"
	"github.com/e7canasta/timelapse-delay/internal/overlay"
	"github.com/e7canasta/timelapse-delay/internal/tailer"
)

// CaptionSink receives tailer records. Every record replaces the caption;
// with a deferred overlay the refresh tick applies it instead.
type CaptionSink struct {
	Overlay *overlay.State
	Emitter Emitter
	Metrics *metrics.Metrics
}

var _ tailer.Sink = (*CaptionSink)(nil)

// Publish implements tailer.Sink.
func (s *CaptionSink) Publish(record string) {
	s.Overlay.Publish(record)
	if s.Overlay.Deferred() {
		return
	}
	if s.Metrics != nil {
		s.Metrics.CaptionUpdates.Inc()
	}
	if s.Emitter != nil {
		s.Emitter.CaptionChanged(record)
	}
}
