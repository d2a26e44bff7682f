package sluice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Bridge exposes a demand-driven stream on top of a Transport. It is a
// Subscriber for the items it sends and a Publisher for the items it
// receives. Both halves share only the termination state and the slot
// table.
type Bridge struct {
	config    Config
	transport Transport
	codec     *FragmentCodec
	encoder   Encoder
	logger    *zap.Logger
	clock     clock.Clock
	observers []Observer

	publisher *publisher
	primary   *SendLane
	receiver  *ReceiveLane

	state        atomic.Int32
	stateMu      sync.Mutex
	cause        error
	drainStarted time.Time

	lanesMu        sync.Mutex
	lanes          []*SendLane
	engagedLanes   int
	completedLanes int

	wake chan struct{}
	done chan struct{}
}

var (
	_ Publisher  = &Bridge{}
	_ Subscriber = &Bridge{}
	_ Subscriber = &SendLane{}
)

// Option configures a Bridge.
type Option func(b *Bridge)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithEncoder sets the encoder used by Send and Message.Into.
func WithEncoder(encoder Encoder) Option {
	return func(b *Bridge) {
		b.encoder = encoder
	}
}

// WithObserver registers an observer for lifecycle and traffic events.
func WithObserver(observer Observer) Option {
	return func(b *Bridge) {
		b.observers = append(b.observers, observer)
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(b *Bridge) {
		b.clock = c
	}
}

// NewBridge creates a Bridge on transport and starts its poll task. The
// Bridge borrows transport until it terminates, at which point it closes
// the transport's endpoints.
func NewBridge(transport Transport, config Config, opts ...Option) (*Bridge, error) {
	if transport == nil {
		return nil, errors.New("sluice: transport is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		config:    config,
		transport: transport,
		codec:     NewFragmentCodec(config.FragmentSize, config.Compress),
		logger:    zap.NewNop(),
		clock:     clock.New(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	b.publisher = newPublisher(config.Mode, b.wakeup)
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(
		zap.String("component", "sluice"),
		zap.String("bridge", config.Name),
		zap.Stringer("mode", config.Mode),
	)

	b.primary = newSendLane(b)
	b.lanes = append(b.lanes, b.primary)
	b.receiver = newReceiveLane(b)
	go b.receiver.run()

	b.logger.Info("bridge started",
		zap.String("send_channel", config.SendChannel),
		zap.String("receive_channel", config.ReceiveChannel),
	)
	return b, nil
}

// Name returns the configured bridge name.
func (b *Bridge) Name() string {
	return b.config.Name
}

// Subscribe attaches a downstream subscriber. On an exclusive Bridge only
// the first subscriber is ever accepted. A subscriber attaching after the
// Bridge terminated receives the terminal signal and no items.
func (b *Bridge) Subscribe(subscriber Subscriber) {
	b.publisher.subscribe(subscriber)
}

// Bind subscribes a Binding that keeps up to prefetch items buffered.
func (b *Bridge) Bind(prefetch int) *Binding {
	return newBinding(b, prefetch)
}

func (b *Bridge) OnSubscribe(subscription Subscription) {
	b.primary.OnSubscribe(subscription)
}

func (b *Bridge) OnNext(msg *Message) {
	b.primary.OnNext(msg)
}

func (b *Bridge) OnError(err error) {
	b.primary.OnError(err)
}

func (b *Bridge) OnComplete() {
	b.primary.OnComplete()
}

// Submit sends msg through the Bridge's own writer.
func (b *Bridge) Submit(ctx context.Context, msg *Message) error {
	return b.primary.Submit(ctx, msg)
}

// Send converts v into a message and submits it. Byte slices, strings,
// readers and messages are sent as they are; any other value goes through
// the configured Encoder.
func (b *Bridge) Send(ctx context.Context, v any) error {
	payload, err := intoPayload(b.encoder, v)
	if err != nil {
		return err
	}
	return b.primary.Submit(ctx, &Message{payload: payload})
}

// NewWriter returns an additional writer with its own identity on the
// wire. Only shared bridges admit more than one writer.
func (b *Bridge) NewWriter() (*SendLane, error) {
	if b.config.Mode == ModeExclusive {
		return nil, ErrExclusiveWriter
	}
	switch b.State() {
	case StateDraining:
		return nil, ErrDraining
	case StateTerminated, StateErrored:
		return nil, ErrTerminated
	}
	lane := newSendLane(b)
	b.lanesMu.Lock()
	b.lanes = append(b.lanes, lane)
	b.lanesMu.Unlock()
	lane.engage()
	return lane, nil
}

// Shutdown starts draining. Local writers announce completion to their
// peers and the poll task finishes in-flight data, bounded by the drain
// timeout. Shutdown does not wait; use Done or AwaitTermination.
func (b *Bridge) Shutdown() {
	if !b.transition(StateDraining, nil) {
		return
	}
	b.completeLanes()
}

// completeLanes announces completion for every engaged local writer that
// has not done so yet.
func (b *Bridge) completeLanes() {
	b.lanesMu.Lock()
	lanes := append([]*SendLane(nil), b.lanes...)
	b.lanesMu.Unlock()
	for _, lane := range lanes {
		if lane.engaged.Load() && lane.completed.CompareAndSwap(false, true) {
			lane.signal(signalComplete, "")
		}
	}
}

// Done is closed once the Bridge reached a terminal state and delivered
// the terminal signal to its subscribers.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// AwaitTermination blocks until the Bridge is terminated or ctx ends.
func (b *Bridge) AwaitTermination(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTerminated reports whether the Bridge reached either terminal state.
func (b *Bridge) IsTerminated() bool {
	return b.State().Terminal()
}

// State returns the current termination state.
func (b *Bridge) State() TerminationState {
	return TerminationState(b.state.Load())
}

// Err returns the cause of an errored Bridge, nil otherwise.
func (b *Bridge) Err() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.cause
}

// Connected reports whether the transport can currently publish.
func (b *Bridge) Connected() bool {
	return b.transport.IsConnected()
}

func (b *Bridge) transition(to TerminationState, cause error) bool {
	b.stateMu.Lock()
	from := b.State()
	if !canTransition(from, to) {
		b.stateMu.Unlock()
		return false
	}
	if to == StateErrored {
		b.cause = cause
	}
	if to == StateDraining {
		b.drainStarted = b.clock.Now()
	}
	b.state.Store(int32(to))
	b.stateMu.Unlock()

	if cause != nil {
		b.logger.Error("bridge state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Error(cause),
		)
	} else {
		b.logger.Info("bridge state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	b.observe(Event{Kind: EventTransition, From: from, To: to, Err: cause})
	b.wakeup()
	return true
}

// fail moves the Bridge to the errored state. Only the first cause wins.
func (b *Bridge) fail(cause error) {
	b.transition(StateErrored, cause)
}

func (b *Bridge) drainStart() time.Time {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.drainStarted
}

func (b *Bridge) writerEngaged(*SendLane) {
	b.lanesMu.Lock()
	b.engagedLanes++
	b.lanesMu.Unlock()
}

func (b *Bridge) writerCompleted() {
	b.lanesMu.Lock()
	b.completedLanes++
	done := b.completedLanes >= b.engagedLanes
	b.lanesMu.Unlock()
	if done {
		b.transition(StateDraining, nil)
	}
}

func (b *Bridge) isLocalWriter(id []byte) bool {
	b.lanesMu.Lock()
	defer b.lanesMu.Unlock()
	for _, lane := range b.lanes {
		if string(lane.id) == string(id) {
			return true
		}
	}
	return false
}

func (b *Bridge) observe(event Event) {
	if len(b.observers) == 0 {
		return
	}
	event.Bridge = b.config.Name
	for _, observer := range b.observers {
		observer.Observe(event)
	}
}

func (b *Bridge) wakeup() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
