package sluice

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReceiveLane is the downstream half of a Bridge. Its poll task is the only
// goroutine that drains the transport, reassembles messages and delivers
// them to subscribers, so signals to any one subscriber never overlap.
type ReceiveLane struct {
	bridge *Bridge
	logger *zap.Logger
	idle   *idleStrategy

	// writers maps every writer seen on the wire to whether it completed.
	writers   map[string]bool
	lastFrame time.Time
}

func newReceiveLane(bridge *Bridge) *ReceiveLane {
	r := &ReceiveLane{
		bridge:  bridge,
		logger:  bridge.logger.With(zap.String("lane", "receive")),
		idle:    newIdleStrategy(bridge.clock, bridge.config),
		writers: make(map[string]bool),
	}
	bridge.codec.onAbandon = func(writer []byte, seq uint64) {
		r.logger.Warn("partial message abandoned",
			zap.Stringer("writer", writerID(writer)),
			zap.Uint64("seq", seq),
		)
		bridge.observe(Event{Kind: EventAbandoned})
	}
	return r
}

func (r *ReceiveLane) run() {
	b := r.bridge
	defer close(b.done)

	for {
		r.drainControl()

		state := b.State()
		if state.Terminal() {
			r.finish()
			return
		}
		if state == StateDraining && b.clock.Since(b.drainStart()) >= b.config.DrainTimeout {
			r.logger.Warn("drain timeout elapsed, discarding in-flight data",
				zap.Duration("timeout", b.config.DrainTimeout),
				zap.Bool("partial", b.codec.Pending()),
			)
			b.transition(StateTerminated, nil)
			continue
		}

		frames := b.transport.Poll(b.config.PollBatch)
		if len(frames) > 0 {
			r.lastFrame = b.clock.Now()
		}
		r.process(frames)

		if b.State() == StateDraining && r.drained() {
			b.transition(StateTerminated, nil)
			continue
		}
		if len(frames) == 0 {
			r.idle.Wait(b.wake)
		} else {
			r.idle.Reset()
		}
	}
}

// process handles one polled batch. Once the Bridge errors the rest of the
// batch is discarded; a draining Bridge still delivers it.
func (r *ReceiveLane) process(frames [][]byte) {
	b := r.bridge
	for _, frame := range frames {
		if b.State() == StateErrored {
			return
		}
		f, err := unmarshalFragment(frame)
		if err != nil {
			b.fail(err)
			return
		}

		key := string(f.Writer)
		if f.Signal != signalNone {
			r.handleSignal(f)
			continue
		}
		if completed := r.writers[key]; completed {
			continue
		}
		r.writers[key] = false

		payload, ok, err := b.codec.Accept(f)
		if err != nil {
			b.fail(err)
			return
		}
		if ok {
			r.dispatch(&Message{payload: payload, encoder: b.encoder})
		}
	}
}

func (r *ReceiveLane) handleSignal(f fragment) {
	b := r.bridge
	r.writers[string(f.Writer)] = true
	b.codec.Forget(f.Writer)
	local := b.isLocalWriter(f.Writer)

	switch f.Signal {
	case signalComplete:
		r.logger.Debug("writer completed",
			zap.Stringer("writer", writerID(f.Writer)),
			zap.Bool("local", local),
		)
		if !local && b.State() == StateActive && r.peersClosed() {
			r.logger.Info("all remote writers completed")
			if b.transition(StateDraining, nil) {
				b.completeLanes()
			}
		}
	case signalError:
		if local {
			return
		}
		b.fail(&RemoteError{Reason: f.Reason})
	}
}

// dispatch offers msg to every slot with outstanding demand, in attach
// order. A slot without demand simply misses the message.
func (r *ReceiveLane) dispatch(msg *Message) {
	b := r.bridge
	receivers := 0
	for _, s := range b.publisher.snapshot() {
		if !s.demand.TryConsume() {
			if s.demand.Cancelled() {
				b.publisher.remove(s)
			}
			continue
		}
		s.subscriber.OnNext(msg)
		receivers++
	}
	if receivers == 0 {
		b.observe(Event{Kind: EventDropped, Bytes: msg.Len()})
		return
	}
	b.observe(Event{Kind: EventDelivered, Bytes: msg.Len(), Receivers: receivers})
}

// drainControl retires cancelled slots and fails those that made an
// invalid request. It runs on the poll task so the failure never overlaps
// a delivery.
func (r *ReceiveLane) drainControl() {
	for _, s := range r.bridge.publisher.drainRetired() {
		s.fail(ErrInvalidRequest)
	}
}

// drained reports whether a draining Bridge has nothing left to wait for:
// every writer seen on the wire completed, or the wire stayed quiet for the
// configured period.
func (r *ReceiveLane) drained() bool {
	b := r.bridge
	if len(r.writers) > 0 && r.allClosed(false) {
		return true
	}
	since := b.drainStart()
	if r.lastFrame.After(since) {
		since = r.lastFrame
	}
	return b.clock.Since(since) >= b.config.DrainQuietPeriod
}

// peersClosed reports whether at least one remote writer was seen and all
// of them completed.
func (r *ReceiveLane) peersClosed() bool {
	return r.allClosed(true)
}

func (r *ReceiveLane) allClosed(remoteOnly bool) bool {
	seen := false
	for key, completed := range r.writers {
		if remoteOnly && r.bridge.isLocalWriter([]byte(key)) {
			continue
		}
		seen = true
		if !completed {
			return false
		}
	}
	return seen
}

func (r *ReceiveLane) finish() {
	b := r.bridge
	r.drainControl()

	cause := b.Err()
	for _, s := range b.publisher.seal(cause) {
		s.terminate(cause)
	}
	if err := b.transport.Close(); err != nil {
		r.logger.Warn("failed to close transport", zap.Error(err))
	}
	r.logger.Info("bridge terminated", zap.Stringer("state", b.State()))
}

func writerID(id []byte) uuid.UUID {
	u, err := uuid.FromBytes(id)
	if err != nil {
		return uuid.Nil
	}
	return u
}
