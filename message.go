package sluice

import (
	"fmt"
	"io"
)

// MaxMessageSize bounds payloads read from an io.Reader and messages
// reassembled from fragments.
var MaxMessageSize = int64(1024 * 1024 * 5) // 5 MB

// Message is an immutable payload carried by a Bridge. Messages handed to
// subscribers may be shared between several of them; callers must not
// modify the slice returned by Bytes.
type Message struct {
	payload []byte
	encoder Encoder
}

// NewMessage creates a message holding a copy of payload.
func NewMessage(payload []byte) *Message {
	return &Message{payload: append([]byte(nil), payload...)}
}

// Bytes returns the message payload.
func (m *Message) Bytes() []byte {
	return m.payload
}

// Len returns the logical length of the payload.
func (m *Message) Len() int {
	return len(m.payload)
}

func (m *Message) String() string {
	return string(m.payload)
}

// Into decodes the payload into v using the encoder of the Bridge that
// delivered the message.
func (m *Message) Into(v any) error {
	if m.encoder == nil {
		return ErrNoEncoder
	}
	return m.encoder.Decode(m.payload, v)
}

func intoPayload(encoder Encoder, v any) ([]byte, error) {
	switch dv := v.(type) {
	case *Message:
		return dv.payload, nil
	case []byte:
		return dv, nil
	case string:
		return []byte(dv), nil
	case io.Reader:
		data, err := io.ReadAll(io.LimitReader(dv, MaxMessageSize+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > MaxMessageSize {
			return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrMessageTooLarge, MaxMessageSize)
		}
		return data, nil
	}
	if encoder == nil {
		return nil, ErrNoEncoder
	}
	return encoder.Encode(v)
}
