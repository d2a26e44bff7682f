// Package memory provides an in-process sluice transport. A Medium plays
// the part of the media service: transports opened on the same Medium
// exchange frames through named channels, each subscriber with its own
// bounded buffer.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/RobertWHurst/sluice"
)

// DefaultBufferSize is used when Open is given a non-positive size.
const DefaultBufferSize = 256

// Medium routes frames between the transports opened on it.
type Medium struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan []byte
	closed bool
}

// NewMedium returns an empty medium.
func NewMedium() *Medium {
	return &Medium{subs: make(map[string]map[int]chan []byte)}
}

// Open returns a transport publishing on send and receiving from receive.
// Opening with send equal to receive gives a loopback transport.
func (m *Medium) Open(send, receive string, bufferSize int) *Transport {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[receive]; !ok {
		m.subs[receive] = make(map[int]chan []byte)
	}
	id := m.nextID
	m.nextID++
	inbox := make(chan []byte, bufferSize)
	m.subs[receive][id] = inbox

	return &Transport{
		medium:  m,
		send:    send,
		receive: receive,
		id:      id,
		inbox:   inbox,
	}
}

// Close takes the medium down. Every transport opened on it reports not
// connected from then on.
func (m *Medium) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *Medium) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Medium) publish(topic string, frame []byte) sluice.OfferResult {
	// The write lock makes the capacity check and the fan-out one step, so
	// a frame reaches every subscriber or none.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return sluice.OfferNotConnected
	}
	subs := m.subs[topic]
	for _, ch := range subs {
		if len(ch) == cap(ch) {
			return sluice.OfferBackPressured
		}
	}
	for _, ch := range subs {
		ch <- append([]byte(nil), frame...)
	}
	return sluice.OfferAccepted
}

func (m *Medium) unsubscribe(topic string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subsByTopic, ok := m.subs[topic]; ok {
		delete(subsByTopic, id)
		if len(subsByTopic) == 0 {
			delete(m.subs, topic)
		}
	}
}

// Transport is one publication and subscription pair on a Medium.
type Transport struct {
	medium  *Medium
	send    string
	receive string
	id      int
	inbox   chan []byte
	closed  atomic.Bool
}

var _ sluice.Transport = &Transport{}

func (t *Transport) Offer(frame []byte) sluice.OfferResult {
	if t.closed.Load() {
		return sluice.OfferNotConnected
	}
	return t.medium.publish(t.send, frame)
}

func (t *Transport) Poll(limit int) [][]byte {
	if t.closed.Load() {
		return nil
	}
	var frames [][]byte
	for len(frames) < limit {
		select {
		case frame := <-t.inbox:
			frames = append(frames, frame)
		default:
			return frames
		}
	}
	return frames
}

func (t *Transport) IsConnected() bool {
	return !t.closed.Load() && !t.medium.isClosed()
}

// Pending returns the number of frames waiting to be polled.
func (t *Transport) Pending() int {
	return len(t.inbox)
}

func (t *Transport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.medium.unsubscribe(t.receive, t.id)
	}
	return nil
}
