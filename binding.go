package sluice

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrBindingClosed is returned by Next once the binding was unbound.
var ErrBindingClosed = errors.New("sluice: binding is closed")

// Binding represents a subscription to the messages received by a Bridge.
// Bindings provide two ways to consume messages: Next() for blocking
// retrieval and To() for handler-based processing.
//
// A binding asks for prefetch messages up front and for one more each time
// a message is consumed, so its buffer never overflows and a slow consumer
// only slows down its own deliveries.
type Binding struct {
	bridge   *Bridge
	prefetch int
	messages chan *Message
	closed   chan struct{}

	mu           sync.Mutex
	subscription Subscription
	err          error
	unbound      bool
	closeOnce    sync.Once
}

func newBinding(bridge *Bridge, prefetch int) *Binding {
	if prefetch <= 0 {
		prefetch = 1
	}
	b := &Binding{
		bridge:   bridge,
		prefetch: prefetch,
		messages: make(chan *Message, prefetch),
		closed:   make(chan struct{}),
	}
	bridge.Subscribe(b)
	return b
}

func (b *Binding) OnSubscribe(subscription Subscription) {
	b.mu.Lock()
	b.subscription = subscription
	b.mu.Unlock()
	subscription.Request(uint64(b.prefetch))
}

func (b *Binding) OnNext(msg *Message) {
	b.messages <- msg
}

func (b *Binding) OnError(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	b.close()
}

func (b *Binding) OnComplete() {
	b.close()
}

// Next blocks until the next message arrives and returns it. Buffered
// messages are still returned after the Bridge terminated; after that Next
// returns io.EOF on completion, the terminal error of the Bridge, or
// ErrBindingClosed once unbound.
func (b *Binding) Next(ctx context.Context) (*Message, error) {
	select {
	case msg := <-b.messages:
		return b.consumed(msg), nil
	case <-b.closed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.mu.Lock()
	unbound, err := b.unbound, b.err
	b.mu.Unlock()
	if unbound {
		return nil, ErrBindingClosed
	}
	select {
	case msg := <-b.messages:
		return b.consumed(msg), nil
	default:
	}
	if err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// To spawns a goroutine that calls the handler for each message.
// The handler runs asynchronously and continues until the binding is closed.
func (b *Binding) To(handler func(msg *Message)) *Binding {
	go func() {
		for {
			msg, err := b.Next(context.Background())
			if err != nil {
				return
			}
			handler(msg)
		}
	}()
	return b
}

// IsBound reports whether the binding still receives messages.
func (b *Binding) IsBound() bool {
	select {
	case <-b.closed:
		return false
	default:
		return true
	}
}

// Err returns the error that ended the binding, if any.
func (b *Binding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Unbind cancels the subscription and frees resources.
// Any goroutines spawned by To() will exit after Unbind is called.
func (b *Binding) Unbind() {
	b.mu.Lock()
	b.unbound = true
	subscription := b.subscription
	b.mu.Unlock()
	if subscription != nil {
		subscription.Cancel()
	}
	b.close()
}

func (b *Binding) consumed(msg *Message) *Message {
	b.mu.Lock()
	subscription := b.subscription
	b.mu.Unlock()
	if subscription != nil {
		subscription.Request(1)
	}
	return msg
}

func (b *Binding) close() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
}
