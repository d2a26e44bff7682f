// Package nats provides a NATS transport implementation for sluice.
// Each frame is published as one NATS message on the send subject and read
// back from a channel subscription on the receive subject.
package nats

import (
	"errors"
	"sync"

	"github.com/RobertWHurst/sluice"
	"github.com/nats-io/nats.go"
)

// DefaultBufferSize is the number of received messages held for Poll.
const DefaultBufferSize = 1024

// Options configures a NatsTransport. Subjects are placed under the sluice
// namespace.
type Options struct {
	SendSubject    string
	ReceiveSubject string
	// BufferSize bounds the messages waiting for Poll. NATS drops messages
	// for a subscriber that falls further behind.
	BufferSize int
	// MaxBuffered makes Offer report back-pressure while the connection
	// holds at least this many unflushed bytes. Zero disables the check.
	MaxBuffered int
}

// NatsTransport implements sluice.Transport on a NATS connection. The
// connection is borrowed: Close only removes the subscription.
type NatsTransport struct {
	conn        *nats.Conn
	sendSubject string
	maxBuffered int

	mu           sync.Mutex
	subscription *nats.Subscription
	messages     chan *nats.Msg
	closed       bool
}

var _ sluice.Transport = &NatsTransport{}

// NewNatsTransport subscribes to the receive subject and returns a
// transport publishing to the send subject.
func NewNatsTransport(conn *nats.Conn, opts Options) (*NatsTransport, error) {
	if conn == nil {
		return nil, errors.New("nats: connection is required")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	t := &NatsTransport{
		conn:        conn,
		sendSubject: namespace(opts.SendSubject),
		maxBuffered: opts.MaxBuffered,
		messages:    make(chan *nats.Msg, opts.BufferSize),
	}
	subscription, err := conn.ChanSubscribe(namespace(opts.ReceiveSubject), t.messages)
	if err != nil {
		return nil, err
	}
	t.subscription = subscription
	return t, nil
}

// NewFromConfig builds a transport for the channels named in config.
func NewFromConfig(conn *nats.Conn, config sluice.Config) (*NatsTransport, error) {
	return NewNatsTransport(conn, Options{
		SendSubject:    config.SendChannel,
		ReceiveSubject: config.ReceiveChannel,
		BufferSize:     config.BufferSize,
	})
}

func (t *NatsTransport) Offer(frame []byte) sluice.OfferResult {
	if t.isClosed() || t.conn.IsClosed() {
		return sluice.OfferNotConnected
	}
	if t.conn.IsReconnecting() {
		return sluice.OfferBackPressured
	}
	if !t.conn.IsConnected() {
		return sluice.OfferNotConnected
	}
	if t.maxBuffered > 0 {
		if buffered, err := t.conn.Buffered(); err == nil && buffered >= t.maxBuffered {
			return sluice.OfferBackPressured
		}
	}

	err := t.conn.Publish(t.sendSubject, frame)
	switch {
	case err == nil:
		return sluice.OfferAccepted
	case errors.Is(err, nats.ErrReconnectBufExceeded):
		return sluice.OfferBackPressured
	default:
		return sluice.OfferNotConnected
	}
}

func (t *NatsTransport) Poll(limit int) [][]byte {
	var frames [][]byte
	for len(frames) < limit {
		select {
		case msg := <-t.messages:
			frames = append(frames, msg.Data)
		default:
			return frames
		}
	}
	return frames
}

func (t *NatsTransport) IsConnected() bool {
	return !t.isClosed() && t.conn.IsConnected()
}

func (t *NatsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.subscription != nil {
		return t.subscription.Unsubscribe()
	}
	return nil
}

func (t *NatsTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
