package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/timelapse-delay/internal/graph"
	"github.com/e7canasta/timelapse-delay/internal/tailer"
)

func TestMetrics_TailerObserver(t *testing.T) {
	m := New()

	m.SessionFailed(tailer.ReasonOpen)
	m.SessionFailed(tailer.ReasonOpen)
	m.SessionOpened()
	m.RecordsPublished(3)
	m.RecordsPublished(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsOpened))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionFailures.WithLabelValues("open")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RecordsCounter))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TailerOpen))

	m.SessionFailed(tailer.ReasonTruncated)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TailerOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionFailures.WithLabelValues("truncated")))
}

func TestMetrics_ObserveMessage(t *testing.T) {
	m := New()

	m.ObserveMessage(graph.Message{Type: graph.MessageStillWritten, Index: 41})
	m.ObserveMessage(graph.Message{Type: graph.MessageStillWritten, Index: 42})
	m.ObserveMessage(graph.Message{Type: graph.MessageWarning, Category: graph.ErrCategoryDisplay, Err: errors.New("late")})
	m.ObserveMessage(graph.Message{Type: graph.MessageError, Category: graph.ErrCategoryDevice, Err: errors.New("gone")})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StillsWritten))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.LastStillIndex))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BusMessages.WithLabelValues("still-written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineErrors.WithLabelValues("warning", "display")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineErrors.WithLabelValues("error", "device")))
}

func TestMetrics_ObserveMessageClassifiesUnsetCategory(t *testing.T) {
	m := New()

	m.ObserveMessage(graph.Message{Type: graph.MessageWarning, Source: "display-sink", Err: errors.New("late")})
	m.ObserveMessage(graph.Message{Type: graph.MessageError, Source: "tee", Err: errors.New("something odd")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineErrors.WithLabelValues("warning", "display")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineErrors.WithLabelValues("error", "unknown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PipelineErrors.WithLabelValues("error", "device")))
}

func TestServe(t *testing.T) {
	m := New()
	m.StillsWritten.Inc()

	s, err := Serve("127.0.0.1:0", m)
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "timelapse_capture_stills_written_total 1"))

	heart, err := http.Get("http://" + s.Addr() + "/heart")
	require.NoError(t, err)
	heart.Body.Close()
	assert.Equal(t, http.StatusOK, heart.StatusCode)
}

func TestServe_BadAddress(t *testing.T) {
	_, err := Serve("not an address", New())
	assert.Error(t, err)
}
