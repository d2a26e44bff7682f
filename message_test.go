package sluice

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

type mockEncoder struct {
	encodeFunc func(v any) ([]byte, error)
	decodeFunc func(data []byte, v any) error
}

func (m *mockEncoder) Encode(v any) ([]byte, error) {
	if m.encodeFunc != nil {
		return m.encodeFunc(v)
	}
	return json.Marshal(v)
}

func (m *mockEncoder) Decode(data []byte, v any) error {
	if m.decodeFunc != nil {
		return m.decodeFunc(data, v)
	}
	return json.Unmarshal(data, v)
}

// mockTransport hands offered frames to offerFunc and serves Poll from an
// inbound queue tests push to. With loopback set, accepted frames are
// queued for Poll as well.
type mockTransport struct {
	offerFunc     func(frame []byte) OfferResult
	connectedFunc func() bool
	loopback      bool

	mu      sync.Mutex
	inbound [][]byte
	offered [][]byte
	closed  int
}

func (m *mockTransport) Offer(frame []byte) OfferResult {
	result := OfferAccepted
	if m.offerFunc != nil {
		result = m.offerFunc(frame)
	}
	if result == OfferAccepted {
		m.mu.Lock()
		copied := append([]byte(nil), frame...)
		m.offered = append(m.offered, copied)
		if m.loopback {
			m.inbound = append(m.inbound, copied)
		}
		m.mu.Unlock()
	}
	return result
}

func (m *mockTransport) Poll(limit int) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := min(limit, len(m.inbound))
	frames := m.inbound[:n:n]
	m.inbound = m.inbound[n:]
	return frames
}

func (m *mockTransport) IsConnected() bool {
	if m.connectedFunc != nil {
		return m.connectedFunc()
	}
	return true
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockTransport) push(frames ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, frames...)
}

func (m *mockTransport) offeredFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.offered...)
}

func (m *mockTransport) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func TestNewMessageCopiesPayload(t *testing.T) {
	payload := []byte("hello")
	msg := NewMessage(payload)
	payload[0] = 'j'

	if msg.String() != "hello" {
		t.Errorf("Expected 'hello', got '%s'", msg.String())
	}
	if msg.Len() != 5 {
		t.Errorf("Expected length 5, got %d", msg.Len())
	}
}

func TestMessageInto(t *testing.T) {
	msg := &Message{payload: []byte(`{"name":"test","value":42}`), encoder: &mockEncoder{}}

	var result struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}
	if err := msg.Into(&result); err != nil {
		t.Fatalf("Into() failed: %v", err)
	}
	if result.Name != "test" || result.Value != 42 {
		t.Errorf("Expected test/42, got %s/%d", result.Name, result.Value)
	}
}

func TestMessageIntoWithoutEncoder(t *testing.T) {
	msg := NewMessage([]byte("{}"))

	var result map[string]any
	if err := msg.Into(&result); !errors.Is(err, ErrNoEncoder) {
		t.Errorf("Expected ErrNoEncoder, got %v", err)
	}
}

func TestMessageIntoDecodeError(t *testing.T) {
	decodeErr := errors.New("decode failed")
	msg := &Message{payload: []byte("x"), encoder: &mockEncoder{
		decodeFunc: func(data []byte, v any) error { return decodeErr },
	}}

	if err := msg.Into(&struct{}{}); !errors.Is(err, decodeErr) {
		t.Errorf("Expected decode error, got %v", err)
	}
}

func TestIntoPayload(t *testing.T) {
	encoder := &mockEncoder{}
	tests := []struct {
		name     string
		value    any
		expected string
	}{
		{name: "bytes", value: []byte("raw"), expected: "raw"},
		{name: "string", value: "text", expected: "text"},
		{name: "reader", value: strings.NewReader("streamed"), expected: "streamed"},
		{name: "message", value: NewMessage([]byte("forwarded")), expected: "forwarded"},
		{name: "struct", value: struct {
			A int `json:"a"`
		}{A: 1}, expected: `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := intoPayload(encoder, tt.value)
			if err != nil {
				t.Fatalf("intoPayload() failed: %v", err)
			}
			if string(payload) != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, payload)
			}
		})
	}
}

func TestIntoPayloadWithoutEncoder(t *testing.T) {
	if _, err := intoPayload(nil, 42); !errors.Is(err, ErrNoEncoder) {
		t.Errorf("Expected ErrNoEncoder, got %v", err)
	}
}

func TestIntoPayloadReaderTooLarge(t *testing.T) {
	original := MaxMessageSize
	MaxMessageSize = 8
	defer func() { MaxMessageSize = original }()

	if _, err := intoPayload(nil, strings.NewReader("123456789")); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Expected ErrMessageTooLarge, got %v", err)
	}
	payload, err := intoPayload(nil, strings.NewReader("12345678"))
	if err != nil {
		t.Fatalf("intoPayload() failed: %v", err)
	}
	if len(payload) != 8 {
		t.Errorf("Expected 8 bytes, got %d", len(payload))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestIntoPayloadReaderError(t *testing.T) {
	if _, err := intoPayload(nil, failingReader{}); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected reader error, got %v", err)
	}
}
