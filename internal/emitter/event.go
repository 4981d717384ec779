package emitter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Event kinds, also the last topic level.
const (
	KindStill   = "still"
	KindCaption = "caption"
)

// Payload encodings
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Event is one published notification.
type Event struct {
	Kind  string    `json:"kind" msgpack:"kind"`
	RunID string    `json:"run_id" msgpack:"run_id"`
	Time  time.Time `json:"time" msgpack:"time"`

	// still
	Filename string `json:"filename,omitempty" msgpack:"filename,omitempty"`
	Index    int    `json:"index" msgpack:"index"`

	// caption
	Caption string `json:"caption,omitempty" msgpack:"caption,omitempty"`
}

// Encode marshals ev with the named encoding.
func Encode(encoding string, ev Event) ([]byte, error) {
	switch encoding {
	case EncodingJSON, "":
		return json.Marshal(ev)
	case EncodingMsgpack:
		return msgpack.Marshal(ev)
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// Decode is the inverse of Encode, for subscribers written in Go.
func Decode(encoding string, data []byte) (Event, error) {
	var ev Event
	var err error
	switch encoding {
	case EncodingJSON, "":
		err = json.Unmarshal(data, &ev)
	case EncodingMsgpack:
		err = msgpack.Unmarshal(data, &ev)
	default:
		err = fmt.Errorf("unknown encoding %q", encoding)
	}
	return ev, err
}
