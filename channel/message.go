package channel

import "time"

// Message types carried inside envelopes.
const (
	TypePublisher  = "publisher"
	TypeSubscriber = "subscriber"
	TypeData       = "data"
	TypeCommand    = "command"
)

// Message is the plaintext carried inside every envelope on the bus.
// Timestamp is the origination time in Unix milliseconds and drives the
// freshness check on the consuming side.
type Message struct {
	DeviceID  string         `json:"deviceId" cbor:"deviceId"`
	Timestamp int64          `json:"timestamp" cbor:"timestamp"`
	Type      string         `json:"type,omitempty" cbor:"type,omitempty"`
	Status    string         `json:"status,omitempty" cbor:"status,omitempty"`
	Sequence  *uint64        `json:"sequence,omitempty" cbor:"sequence,omitempty"`
	Data      map[string]any `json:"data,omitempty" cbor:"data,omitempty"`
}

// NewHeartbeat builds a heartbeat message stamped with at.
func NewHeartbeat(deviceID, role, status string, seq uint64, at time.Time) Message {
	return Message{
		DeviceID:  deviceID,
		Timestamp: at.UnixMilli(),
		Type:      role,
		Status:    status,
		Sequence:  &seq,
	}
}

// Time returns the origination time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}
