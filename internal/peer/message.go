package peer

import (
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Timestamp is a peer-local time in milliseconds.
type Timestamp int64

// InvalidTimestamp marks an unset timestamp.
const InvalidTimestamp Timestamp = math.MinInt64

// IsValid reports whether t was set.
func (t Timestamp) IsValid() bool {
	return t != InvalidTimestamp
}

type MessageType uint8

// Peer-level message types. Plugins use types from UserMessageStart up.
const (
	MessageConnectRequest MessageType = iota + 1
	MessageConnectResponse
	MessageDisconnectNotice

	UserMessageStart MessageType = 16
)

// Message is an opaque typed payload. A message sent without an explicit
// timestamp is stamped on receipt with the sender's frame time.
type Message struct {
	Type         MessageType `msgpack:"t"`
	ChannelID    uint16      `msgpack:"c,omitempty"`
	Timestamp    Timestamp   `msgpack:"ts,omitempty"`
	HasTimestamp bool        `msgpack:"h,omitempty"`
	Reliable     bool        `msgpack:"r,omitempty"`
	Data         []byte      `msgpack:"d,omitempty"`
}

// NewMessage constructs a message of the given type.
func NewMessage(messageType MessageType, data []byte) Message {
	return Message{Type: messageType, Reliable: true, Data: data}
}

// SetTimestamp attaches an accurate timestamp.
func (m *Message) SetTimestamp(ts Timestamp) {
	m.Timestamp = ts
	m.HasTimestamp = true
}

type frame struct {
	SentAt   Timestamp `msgpack:"s"`
	Messages []Message `msgpack:"m"`
}

type connectRequest struct {
	Data map[string][]byte `msgpack:"d,omitempty"`
}

type connectResponse struct {
	Accepted bool              `msgpack:"a"`
	Data     map[string][]byte `msgpack:"d,omitempty"`
}

type disconnectNotice struct {
	Reason string `msgpack:"r,omitempty"`
}

func encodeFrame(sentAt Timestamp, messages []Message) ([]byte, error) {
	data, err := msgpack.Marshal(&frame{SentAt: sentAt, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func encodePayload(v any) []byte {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
