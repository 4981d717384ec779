package graph

import "fmt"

// MessageType identifies a bus message.
type MessageType int

const (
	MessageError MessageType = iota
	MessageWarning
	MessageEOS
	MessageStateChanged
	MessageStillWritten
)

// String returns a human-readable representation of the message type
func (t MessageType) String() string {
	switch t {
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageEOS:
		return "eos"
	case MessageStateChanged:
		return "state-changed"
	case MessageStillWritten:
		return "still-written"
	default:
		return "unknown"
	}
}

// Message is posted by a backend while the graph runs.
type Message struct {
	Type   MessageType
	Source string // node name, or the pipeline

	// Error / Warning
	Err      error
	Debug    string
	Category ErrorCategory

	// StateChanged
	OldState string
	NewState string

	// StillWritten
	Filename string
	Index    int
}

// String renders the message for logs.
func (m Message) String() string {
	switch m.Type {
	case MessageError, MessageWarning:
		return fmt.Sprintf("%s from %s [%s]: %v", m.Type, m.Source, m.Category, m.Err)
	case MessageStateChanged:
		return fmt.Sprintf("%s: %s → %s", m.Source, m.OldState, m.NewState)
	case MessageStillWritten:
		return fmt.Sprintf("still %d written to %s", m.Index, m.Filename)
	default:
		return m.Type.String()
	}
}
