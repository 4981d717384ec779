// Package control is the MQTT control plane: a remote way to quit the run or
// ask for its status.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/timelapse-delay/internal/config"
)

// Client is the part of mqtt.Client the handler uses.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Callbacks contains the functions commands are dispatched to
type Callbacks struct {
	OnQuit      func()
	OnGetStatus func() map[string]interface{}
}

// Handler handles control plane commands
type Handler struct {
	client        Client
	topic         string
	responseTopic string
	qos           byte
	callbacks     Callbacks

	mu       sync.Mutex
	commands chan Command
	stopped  bool
}

// NewHandler creates a handler listening on the configured control topic.
// Responses go to <control_topic>/response.
func NewHandler(cfg config.MQTTConfig, client Client, callbacks Callbacks) *Handler {
	return &Handler{
		client:        client,
		topic:         cfg.ControlTopic,
		responseTopic: cfg.ControlTopic + "/response",
		qos:           cfg.QoS,
		callbacks:     callbacks,
		commands:      make(chan Command, 10),
	}
}

// Start subscribes and processes commands until ctx is done or Stop.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("control: subscribing", "topic", h.topic, "qos", h.qos)

	token := h.client.Subscribe(h.topic, h.qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes. Idempotent.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	token := h.client.Unsubscribe(h.topic)
	token.WaitTimeout(2 * time.Second)
	slog.Debug("control: handler stopped")
	return nil
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Warn("control: failed to parse command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "quit", "shutdown":
		if h.callbacks.OnQuit == nil {
			resp.Status = "error"
			resp.Error = "quit not implemented"
			break
		}
		h.callbacks.OnQuit()
		resp.Status = "success"
		resp.Data = map[string]interface{}{"message": "draining delayed frames, then exiting"}

	case "status", "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}
	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.responseTopic, h.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Warn("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
