package protocol

// Packet types and payloads for the heim chat protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PacketType names the kind of an envelope
type PacketType string

// Inbound event and reply types
const (
	HelloEventType      PacketType = "hello-event"
	PingEventType       PacketType = "ping-event"
	SnapshotEventType   PacketType = "snapshot-event"
	BounceEventType     PacketType = "bounce-event"
	DisconnectEventType PacketType = "disconnect-event"
	SendEventType       PacketType = "send-event"
	JoinEventType       PacketType = "join-event"
	PartEventType       PacketType = "part-event"
	NickEventType       PacketType = "nick-event"
	NickReplyType       PacketType = "nick-reply"
	LogReplyType        PacketType = "log-reply"
	SendReplyType       PacketType = "send-reply"
)

// Outbound command types
const (
	NickType      PacketType = "nick"
	PingReplyType PacketType = "ping-reply"
	LogType       PacketType = "log"
)

// ErrDecode marks frames that are not valid protocol envelopes
var ErrDecode = errors.New("invalid frame")

// Envelope is one protocol message, inbound or outbound
type Envelope struct {
	Type            PacketType      `json:"type"`
	Data            json.RawMessage `json:"data,omitempty"`
	ID              string          `json:"id,omitempty"`
	Error           string          `json:"error,omitempty"`
	Throttled       bool            `json:"throttled,omitempty"`
	ThrottledReason string          `json:"throttled_reason,omitempty"`
}

// DecodeError carries the raw frame that failed to decode
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode frame (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Decode parses a single frame into an Envelope
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Raw: raw, Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Raw: raw, Err: errors.New("missing packet type")}
	}
	return &env, nil
}

// Encode serializes the envelope for the wire
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// Unmarshal decodes the envelope payload into v
func (e *Envelope) Unmarshal(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", e.Type, err)
	}
	return nil
}

// NewEnvelope builds an envelope with payload marshalled into Data
func NewEnvelope(typ PacketType, id string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: typ, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		env.Data = data
	}
	return env, nil
}
