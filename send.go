package sluice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendLane is the upstream half of a Bridge. It turns messages into
// fragments and offers them to the transport in order, retrying while the
// transport is back-pressured. A lane is also a Subscriber, so it can be
// attached directly to an upstream Publisher.
type SendLane struct {
	bridge *Bridge
	id     []byte
	logger *zap.Logger

	// inFlight guards the single-submit rule of exclusive bridges.
	inFlight atomic.Bool

	// offerMu keeps the fragments of one message contiguous on the wire.
	offerMu sync.Mutex
	seq     uint64

	upstreamMu sync.Mutex
	upstream   Subscription

	engaged   atomic.Bool
	completed atomic.Bool
}

func newSendLane(bridge *Bridge) *SendLane {
	id := uuid.New()
	return &SendLane{
		bridge: bridge,
		id:     id[:],
		logger: bridge.logger.With(zap.String("writer", id.String())),
	}
}

// Submit encodes msg and offers its fragments to the transport. It returns
// once every fragment was accepted or an error occurred.
func (l *SendLane) Submit(ctx context.Context, msg *Message) error {
	l.engage()
	err := l.submit(ctx, msg)
	if err != nil {
		l.bridge.observe(Event{Kind: EventSendFailed, Err: err})
	}
	return err
}

func (l *SendLane) submit(ctx context.Context, msg *Message) error {
	b := l.bridge
	if err := l.checkOpen(); err != nil {
		return err
	}
	if size := int64(len(msg.payload)); size > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, size, MaxMessageSize)
	}

	if b.config.Mode == ModeExclusive {
		if !l.inFlight.CompareAndSwap(false, true) {
			b.fail(ErrConcurrentWrite)
			return ErrConcurrentWrite
		}
		defer l.inFlight.Store(false)
	}

	if !b.transport.IsConnected() {
		b.fail(ErrNotConnected)
		return ErrNotConnected
	}

	l.offerMu.Lock()
	defer l.offerMu.Unlock()

	// Shutdown may have sent this lane's completion while the submit waited.
	if err := l.checkOpen(); err != nil {
		return err
	}

	l.seq++
	deadline := b.clock.Now().Add(b.config.RetryDeadline)
	var fragments, size int
	for f := range b.codec.Encode(l.id, l.seq, msg.payload) {
		if err := l.offer(ctx, f, deadline); err != nil {
			if IsFatal(err) {
				b.fail(err)
			}
			return err
		}
		fragments++
		size += len(f.Data)
	}
	b.observe(Event{Kind: EventSent, Bytes: size, Fragments: fragments})
	return nil
}

// checkOpen reports whether the lane may still put data on the wire.
func (l *SendLane) checkOpen() error {
	switch l.bridge.State() {
	case StateTerminated, StateErrored:
		return ErrTerminated
	case StateDraining:
		return ErrDraining
	}
	if l.completed.Load() {
		return ErrDraining
	}
	return nil
}

// offer hands one fragment to the transport, backing off while it is
// back-pressured until deadline.
func (l *SendLane) offer(ctx context.Context, f fragment, deadline time.Time) error {
	b := l.bridge
	frame, err := marshalFragment(f)
	if err != nil {
		return fmt.Errorf("sluice: encode fragment: %w", err)
	}

	var retry *backoff.ExponentialBackOff
	for {
		switch b.transport.Offer(frame) {
		case OfferAccepted:
			return nil
		case OfferNotConnected:
			return ErrNotConnected
		}

		remaining := deadline.Sub(b.clock.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w: sequence %d after %s", ErrSendTimeout, f.Seq, b.config.RetryDeadline)
		}
		if retry == nil {
			retry = &backoff.ExponentialBackOff{
				InitialInterval:     b.config.RetryInitialInterval,
				RandomizationFactor: backoff.DefaultRandomizationFactor,
				Multiplier:          2,
				MaxInterval:         b.config.RetryMaxInterval,
			}
			retry.Reset()
		}
		b.observe(Event{Kind: EventBackPressure})

		timer := b.clock.Timer(min(retry.NextBackOff(), remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// signal offers a completion or error frame for this lane. It is best
// effort: peers that miss it fall back to their drain quiet period.
func (l *SendLane) signal(kind signal, reason string) {
	l.offerMu.Lock()
	defer l.offerMu.Unlock()

	l.seq++
	f := fragment{Writer: l.id, Seq: l.seq, Marker: MarkerWhole, Signal: kind, Reason: reason}
	deadline := l.bridge.clock.Now().Add(l.bridge.config.RetryDeadline)
	if err := l.offer(context.Background(), f, deadline); err != nil {
		l.logger.Debug("signal frame not sent", zap.Error(err))
	}
}

// OnSubscribe attaches an upstream. A lane takes a single upstream; any
// later one is cancelled immediately.
func (l *SendLane) OnSubscribe(subscription Subscription) {
	l.upstreamMu.Lock()
	if l.upstream != nil || l.bridge.State() != StateActive {
		l.upstreamMu.Unlock()
		l.logger.Warn("upstream rejected")
		subscription.Cancel()
		return
	}
	l.upstream = subscription
	l.upstreamMu.Unlock()

	l.engage()
	subscription.Request(1)
}

// OnNext submits msg and asks upstream for the next item. A timed out item
// is dropped and the stream continues; any other failure cancels upstream.
func (l *SendLane) OnNext(msg *Message) {
	err := l.Submit(context.Background(), msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrSendTimeout):
		l.logger.Warn("item dropped under back-pressure", zap.Error(err))
	default:
		l.logger.Debug("upstream cancelled", zap.Error(err))
		l.cancelUpstream()
		return
	}
	l.request(1)
}

// OnError propagates an upstream failure to remote peers and fails the
// Bridge.
func (l *SendLane) OnError(err error) {
	l.engage()
	if !l.completed.CompareAndSwap(false, true) {
		return
	}
	l.signal(signalError, err.Error())
	l.bridge.fail(fmt.Errorf("sluice: upstream failed: %w", err))
}

// OnComplete tells remote peers this writer is done and lets the Bridge
// drain once every writer has finished.
func (l *SendLane) OnComplete() {
	l.engage()
	if !l.completed.CompareAndSwap(false, true) {
		return
	}
	if l.bridge.State() == StateActive {
		l.signal(signalComplete, "")
	}
	l.bridge.writerCompleted()
}

func (l *SendLane) engage() {
	if l.engaged.CompareAndSwap(false, true) {
		l.bridge.writerEngaged(l)
	}
}

func (l *SendLane) request(n uint64) {
	l.upstreamMu.Lock()
	upstream := l.upstream
	l.upstreamMu.Unlock()
	if upstream != nil {
		upstream.Request(n)
	}
}

func (l *SendLane) cancelUpstream() {
	l.upstreamMu.Lock()
	upstream := l.upstream
	l.upstreamMu.Unlock()
	if upstream != nil {
		upstream.Cancel()
	}
}
