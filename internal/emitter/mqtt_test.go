package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/timelapse-delay/internal/config"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{err: p.err}
}

func (p *fakePublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func mqttConfig(encoding string) config.MQTTConfig {
	cfg := config.Default().MQTT
	cfg.Encoding = encoding
	cfg.QoS = 1
	return cfg
}

func TestMQTTEmitter_PublishesEncodedEvents(t *testing.T) {
	for _, encoding := range []string{EncodingJSON, EncodingMsgpack} {
		t.Run(encoding, func(t *testing.T) {
			pub := &fakePublisher{}
			e, err := NewMQTTEmitter(pub, mqttConfig(encoding), "run-1")
			require.NoError(t, err)

			e.StillWritten("images/frame7.jpg", 7)
			e.CaptionChanged("<b>&#60;bob&#62;</b> hi")
			require.NoError(t, e.Close())

			msgs := pub.sent()
			require.Len(t, msgs, 2)

			assert.Equal(t, "timelapse/events/still", msgs[0].topic)
			assert.Equal(t, byte(1), msgs[0].qos)
			still, err := Decode(encoding, msgs[0].payload)
			require.NoError(t, err)
			assert.Equal(t, KindStill, still.Kind)
			assert.Equal(t, "run-1", still.RunID)
			assert.Equal(t, "images/frame7.jpg", still.Filename)
			assert.Equal(t, 7, still.Index)
			assert.False(t, still.Time.IsZero())

			assert.Equal(t, "timelapse/events/caption", msgs[1].topic)
			caption, err := Decode(encoding, msgs[1].payload)
			require.NoError(t, err)
			assert.Equal(t, "<b>&#60;bob&#62;</b> hi", caption.Caption)

			assert.Equal(t, Stats{Published: 2}, e.Stats())
		})
	}
}

func TestMQTTEmitter_PublishErrorsAreCounted(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	e, err := NewMQTTEmitter(pub, mqttConfig(EncodingJSON), "run-1")
	require.NoError(t, err)

	e.StillWritten("x.jpg", 0)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Zero(t, e.Stats().Published)
}

func TestNewMQTTEmitter_Validation(t *testing.T) {
	_, err := NewMQTTEmitter(nil, mqttConfig(EncodingJSON), "r")
	assert.Error(t, err)

	_, err = NewMQTTEmitter(&fakePublisher{}, mqttConfig("xml"), "r")
	assert.ErrorContains(t, err, "unknown encoding")

	cfg := mqttConfig(EncodingJSON)
	cfg.EventsTopic = ""
	_, err = NewMQTTEmitter(&fakePublisher{}, cfg, "r")
	assert.Error(t, err)
}

func TestEncode_JSONFieldNames(t *testing.T) {
	data, err := Encode(EncodingJSON, Event{Kind: KindStill, RunID: "r", Filename: "f.jpg", Index: 3})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"still"`)
	assert.Contains(t, string(data), `"filename":"f.jpg"`)
	assert.Contains(t, string(data), `"index":3`)
	assert.NotContains(t, string(data), "caption")
}

// pendingToken never completes, like a connect that keeps retrying.
type pendingToken struct {
	fakeToken
	done chan struct{}
}

func (t *pendingToken) Done() <-chan struct{} { return t.done }

type fakeConnector struct {
	token       mqtt.Token
	disconnects int
}

func (c *fakeConnector) Connect() mqtt.Token { return c.token }
func (c *fakeConnector) Disconnect(uint)     { c.disconnects++ }

func TestConnect(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		c := &fakeConnector{token: &fakeToken{}}
		require.NoError(t, connect(context.Background(), c, time.Second))
		assert.Zero(t, c.disconnects)
	})

	t.Run("refused", func(t *testing.T) {
		c := &fakeConnector{token: &fakeToken{err: errors.New("not authorized")}}
		err := connect(context.Background(), c, time.Second)
		assert.ErrorContains(t, err, "not authorized")
		assert.Equal(t, 1, c.disconnects)
	})

	t.Run("timeout stops retrying", func(t *testing.T) {
		c := &fakeConnector{token: &pendingToken{done: make(chan struct{})}}
		err := connect(context.Background(), c, 20*time.Millisecond)
		assert.ErrorContains(t, err, "timeout")
		assert.Equal(t, 1, c.disconnects)
	})

	t.Run("cancelled stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := &fakeConnector{token: &pendingToken{done: make(chan struct{})}}
		err := connect(ctx, c, time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, c.disconnects)
	})
}
