// Package emitter publishes still and caption events to an MQTT broker.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/timelapse-delay/internal/config"
)

const (
	queueSize      = 32
	publishTimeout = 2 * time.Second
	connectTimeout = 5 * time.Second
)

// Publisher is the part of mqtt.Client the emitter uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Dial connects to the broker with auto-reconnect enabled.
func Dial(ctx context.Context, cfg config.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		slog.Info("mqtt: connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt: connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	slog.Info("mqtt: connecting", "broker", cfg.Broker)

	if err := connect(ctx, client, connectTimeout); err != nil {
		return nil, err
	}
	return client, nil
}

// connector is the part of mqtt.Client used while connecting.
type connector interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
}

// connect waits for the first connection. On failure the client is
// disconnected, which also stops its background connect retries.
func connect(ctx context.Context, c connector, timeout time.Duration) error {
	token := c.Connect()

	var err error
	select {
	case <-token.Done():
		if terr := token.Error(); terr != nil {
			err = fmt.Errorf("mqtt: connection failed: %w", terr)
		}
	case <-time.After(timeout):
		err = fmt.Errorf("mqtt: connection timeout after %v", timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		c.Disconnect(0)
	}
	return err
}

// Stats contains emitter statistics
type Stats struct {
	Published uint64
	Dropped   uint64
	Errors    uint64
}

// MQTTEmitter queues events and publishes them from one goroutine, so the
// caller never waits on the broker.
type MQTTEmitter struct {
	pub      Publisher
	topic    string
	qos      byte
	encoding string
	runID    string

	queue     chan Event
	wg        sync.WaitGroup
	closeOnce sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTEmitter starts the publishing goroutine. Events go to
// <events_topic>/<kind>.
func NewMQTTEmitter(pub Publisher, cfg config.MQTTConfig, runID string) (*MQTTEmitter, error) {
	if pub == nil {
		return nil, fmt.Errorf("emitter: publisher is required")
	}
	if cfg.EventsTopic == "" {
		return nil, fmt.Errorf("emitter: events topic is required")
	}
	if _, err := Encode(cfg.Encoding, Event{}); err != nil {
		return nil, fmt.Errorf("emitter: %w", err)
	}

	e := &MQTTEmitter{
		pub:      pub,
		topic:    cfg.EventsTopic,
		qos:      cfg.QoS,
		encoding: cfg.Encoding,
		runID:    runID,
		queue:    make(chan Event, queueSize),
	}
	e.wg.Add(1)
	go e.run()
	return e, nil
}

// StillWritten queues a still event.
func (e *MQTTEmitter) StillWritten(filename string, index int) {
	e.emit(Event{Kind: KindStill, Filename: filename, Index: index})
}

// CaptionChanged queues a caption event.
func (e *MQTTEmitter) CaptionChanged(text string) {
	e.emit(Event{Kind: KindCaption, Caption: text})
}

// Close publishes what is queued and stops the goroutine. Idempotent.
func (e *MQTTEmitter) Close() error {
	e.closeOnce.Do(func() {
		close(e.queue)
		e.wg.Wait()
		slog.Debug("emitter: closed",
			"published", e.published.Load(),
			"dropped", e.dropped.Load(),
			"errors", e.errors.Load(),
		)
	})
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	return Stats{
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Errors:    e.errors.Load(),
	}
}

func (e *MQTTEmitter) emit(ev Event) {
	ev.RunID = e.runID
	ev.Time = time.Now().UTC()

	// drop rather than stall the caller
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
		slog.Debug("emitter: queue full, dropping event", "kind", ev.Kind)
	}
}

func (e *MQTTEmitter) run() {
	defer e.wg.Done()
	for ev := range e.queue {
		if err := e.publish(ev); err != nil {
			e.errors.Add(1)
			slog.Warn("emitter: publish failed", "kind", ev.Kind, "error", err)
			continue
		}
		e.published.Add(1)
	}
}

func (e *MQTTEmitter) publish(ev Event) error {
	payload, err := Encode(e.encoding, ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", e.topic, ev.Kind)
	token := e.pub.Publish(topic, e.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	slog.Debug("emitter: event published", "topic", topic, "size", len(payload))
	return nil
}
