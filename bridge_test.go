package sluice

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitTimeout = 5 * time.Second

var errTestCleanup = errors.New("test cleanup")

func testConfig() Config {
	config := DefaultConfig()
	config.Name = "test"
	config.IdleMaxPark = time.Millisecond
	config.RetryDeadline = time.Second
	return config
}

func newTestBridge(t *testing.T, transport Transport, config Config, opts ...Option) *Bridge {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	b, err := NewBridge(transport, config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		b.fail(errTestCleanup)
		select {
		case <-b.Done():
		case <-time.After(waitTimeout):
			t.Error("bridge did not terminate")
		}
	})
	return b
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Observe(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) transitionsTo(state TerminationState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Kind == EventTransition && event.To == state {
			n++
		}
	}
	return n
}

// recordingSubscriber requests initial items on subscribe and records every
// signal it receives.
type recordingSubscriber struct {
	initial uint64

	mu           sync.Mutex
	subscription Subscription
	items        chan *Message
	errs         chan error
	completed    chan struct{}
}

func newRecordingSubscriber(initial uint64) *recordingSubscriber {
	return &recordingSubscriber{
		initial:   initial,
		items:     make(chan *Message, 1024),
		errs:      make(chan error, 1),
		completed: make(chan struct{}),
	}
}

func (s *recordingSubscriber) OnSubscribe(subscription Subscription) {
	s.mu.Lock()
	s.subscription = subscription
	s.mu.Unlock()
	if s.initial > 0 {
		subscription.Request(s.initial)
	}
}

func (s *recordingSubscriber) OnNext(msg *Message) { s.items <- msg }
func (s *recordingSubscriber) OnError(err error)   { s.errs <- err }
func (s *recordingSubscriber) OnComplete()         { close(s.completed) }

func (s *recordingSubscriber) awaitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("subscriber received no error")
		return nil
	}
}

func (s *recordingSubscriber) awaitItem(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-s.items:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("subscriber received no item")
		return nil
	}
}

func remoteWriter() []byte {
	id := uuid.New()
	return id[:]
}

func dataFrames(t *testing.T, writer []byte, seq uint64, payload string, capacity int) [][]byte {
	t.Helper()
	var frames [][]byte
	for f := range NewFragmentCodec(capacity, false).Encode(writer, seq, []byte(payload)) {
		frame, err := marshalFragment(f)
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

func signalFrame(t *testing.T, writer []byte, seq uint64, kind signal, reason string) []byte {
	t.Helper()
	frame, err := marshalFragment(fragment{Writer: writer, Seq: seq, Marker: MarkerWhole, Signal: kind, Reason: reason})
	require.NoError(t, err)
	return frame
}

func awaitDone(t *testing.T, b *Bridge) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("bridge still %s", b.State())
	}
}

func TestNewBridgeValidatesConfig(t *testing.T) {
	config := testConfig()
	config.FragmentSize = 0
	_, err := NewBridge(&mockTransport{}, config)
	require.Error(t, err)

	_, err = NewBridge(nil, testConfig())
	require.Error(t, err)
}

func TestSubmitRetriesWhileBackPressured(t *testing.T) {
	start := time.Now()
	transport := &mockTransport{offerFunc: func([]byte) OfferResult {
		if time.Since(start) < 200*time.Millisecond {
			return OfferBackPressured
		}
		return OfferAccepted
	}}
	events := &eventRecorder{}
	b := newTestBridge(t, transport, testConfig(), WithObserver(events))

	require.NoError(t, b.Submit(context.Background(), NewMessage([]byte("x"))))

	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Positive(t, events.count(EventBackPressure))
	assert.Equal(t, 1, events.count(EventSent))
	assert.Len(t, transport.offeredFrames(), 1)
	assert.Equal(t, StateActive, b.State())
}

func TestSubmitTimesOutUnderBackPressure(t *testing.T) {
	transport := &mockTransport{offerFunc: func([]byte) OfferResult { return OfferBackPressured }}
	config := testConfig()
	config.RetryDeadline = 50 * time.Millisecond
	b := newTestBridge(t, transport, config)

	err := b.Submit(context.Background(), NewMessage([]byte("x")))
	require.ErrorIs(t, err, ErrSendTimeout)
	assert.False(t, IsFatal(err))
	assert.Equal(t, StateActive, b.State())
}

func TestSubmitDeadlineFollowsInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	transport := &mockTransport{offerFunc: func([]byte) OfferResult { return OfferBackPressured }}
	config := testConfig()
	config.RetryDeadline = time.Hour
	b := newTestBridge(t, transport, config, WithClock(mock))

	result := make(chan error, 1)
	go func() {
		result <- b.Submit(context.Background(), NewMessage([]byte("x")))
	}()

	deadline := time.After(waitTimeout)
	for {
		select {
		case err := <-result:
			require.ErrorIs(t, err, ErrSendTimeout)
			return
		case <-deadline:
			t.Fatal("submit did not time out on the mock clock")
		default:
			mock.Add(time.Minute)
			runtime.Gosched()
		}
	}
}

func TestSubmitHonoursContext(t *testing.T) {
	transport := &mockTransport{offerFunc: func([]byte) OfferResult { return OfferBackPressured }}
	b := newTestBridge(t, transport, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Submit(ctx, NewMessage([]byte("x")))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateActive, b.State())
}

func TestOfferNotConnectedErrorsBridge(t *testing.T) {
	transport := &mockTransport{offerFunc: func([]byte) OfferResult { return OfferNotConnected }}
	b := newTestBridge(t, transport, testConfig())
	subscriber := newRecordingSubscriber(1)
	b.Subscribe(subscriber)

	err := b.Submit(context.Background(), NewMessage([]byte("x")))
	require.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, subscriber.awaitError(t), ErrNotConnected)
	awaitDone(t, b)
	assert.Equal(t, StateErrored, b.State())
	assert.ErrorIs(t, b.Err(), ErrNotConnected)
	assert.Equal(t, 1, transport.closeCount())
}

func TestSubmitWhileDisconnected(t *testing.T) {
	transport := &mockTransport{connectedFunc: func() bool { return false }}
	b := newTestBridge(t, transport, testConfig())

	err := b.Submit(context.Background(), NewMessage([]byte("x")))
	require.ErrorIs(t, err, ErrNotConnected)
	awaitDone(t, b)
	assert.Equal(t, StateErrored, b.State())
	assert.Empty(t, transport.offeredFrames())
	assert.False(t, b.Connected())
}

func TestConcurrentSubmitOnExclusiveBridge(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	transport := &mockTransport{offerFunc: func([]byte) OfferResult {
		once.Do(func() {
			close(entered)
			<-release
		})
		return OfferAccepted
	}}
	b := newTestBridge(t, transport, testConfig())

	first := make(chan error, 1)
	go func() {
		first <- b.Submit(context.Background(), NewMessage([]byte("first")))
	}()
	<-entered

	err := b.Submit(context.Background(), NewMessage([]byte("second")))
	require.ErrorIs(t, err, ErrConcurrentWrite)
	assert.Equal(t, StateErrored, b.State())

	close(release)
	<-first
	awaitDone(t, b)
}

func TestSubmitAfterShutdown(t *testing.T) {
	b := newTestBridge(t, &mockTransport{}, testConfig())

	b.Shutdown()
	require.ErrorIs(t, b.Submit(context.Background(), NewMessage(nil)), ErrDraining)

	awaitDone(t, b)
	assert.Equal(t, StateTerminated, b.State())
	require.ErrorIs(t, b.Submit(context.Background(), NewMessage(nil)), ErrTerminated)
	assert.NoError(t, b.Err())
}

func TestSubmitRacingShutdownIsRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var gate sync.Once
	transport := &mockTransport{loopback: true}
	transport.connectedFunc = func() bool {
		gate.Do(func() {
			close(entered)
			<-release
		})
		return true
	}
	b := newTestBridge(t, transport, testConfig())
	subscriber := newRecordingSubscriber(Unbounded)
	b.Subscribe(subscriber)

	result := make(chan error, 1)
	go func() {
		result <- b.Submit(context.Background(), NewMessage([]byte("late")))
	}()
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("submit never checked the connection")
	}
	b.Shutdown()
	close(release)

	err := <-result
	assert.True(t, errors.Is(err, ErrDraining) || errors.Is(err, ErrTerminated), "unexpected error: %v", err)
	awaitDone(t, b)
	assert.Empty(t, subscriber.items)

	frames := transport.offeredFrames()
	require.Len(t, frames, 1)
	f, err := unmarshalFragment(frames[0])
	require.NoError(t, err)
	assert.Equal(t, signalComplete, f.Signal)
}

func TestShutdownIsIdempotent(t *testing.T) {
	events := &eventRecorder{}
	transport := &mockTransport{}
	b := newTestBridge(t, transport, testConfig(), WithObserver(events))

	b.Shutdown()
	b.Shutdown()
	awaitDone(t, b)
	b.Shutdown()

	assert.Equal(t, 1, events.transitionsTo(StateDraining))
	assert.Equal(t, 1, events.transitionsTo(StateTerminated))
	assert.Equal(t, 1, transport.closeCount())
}

func TestShutdownSignalsEngagedWriters(t *testing.T) {
	transport := &mockTransport{}
	b := newTestBridge(t, transport, testConfig())
	require.NoError(t, b.Send(context.Background(), "payload"))

	b.Shutdown()
	awaitDone(t, b)

	frames := transport.offeredFrames()
	require.Len(t, frames, 2)
	last, err := unmarshalFragment(frames[1])
	require.NoError(t, err)
	assert.Equal(t, signalComplete, last.Signal)
}

func TestRequestZeroFailsSubscriber(t *testing.T) {
	b := newTestBridge(t, &mockTransport{}, testConfig())
	subscriber := newRecordingSubscriber(0)
	b.Subscribe(subscriber)

	subscriber.subscription.Request(0)

	assert.ErrorIs(t, subscriber.awaitError(t), ErrInvalidRequest)
	assert.Equal(t, StateActive, b.State())
}

func TestRequestZeroInsideOnSubscribe(t *testing.T) {
	b := newTestBridge(t, &mockTransport{}, testConfig())
	var subscribing atomic.Bool
	overlapped := make(chan bool, 1)
	b.Subscribe(&funcSubscriber{
		onSubscribe: func(s Subscription) {
			subscribing.Store(true)
			s.Request(0)
			time.Sleep(20 * time.Millisecond)
			subscribing.Store(false)
		},
		onError: func(err error) {
			assert.ErrorIs(t, err, ErrInvalidRequest)
			overlapped <- subscribing.Load()
		},
	})

	select {
	case overlap := <-overlapped:
		assert.False(t, overlap, "OnError arrived while OnSubscribe was running")
	case <-time.After(waitTimeout):
		t.Fatal("subscriber received no error")
	}
	assert.Equal(t, StateActive, b.State())
}

func TestFramingErrorFailsBridge(t *testing.T) {
	transport := &mockTransport{}
	b := newTestBridge(t, transport, testConfig())
	subscriber := newRecordingSubscriber(Unbounded)
	b.Subscribe(subscriber)

	writer := remoteWriter()
	frames := dataFrames(t, writer, 1, "0123456789", 4)
	// Drop the first fragment so the stream starts mid-message.
	transport.push(frames[1:]...)

	assert.ErrorIs(t, subscriber.awaitError(t), ErrFraming)
	awaitDone(t, b)
	assert.Equal(t, StateErrored, b.State())
	assert.True(t, IsFatal(b.Err()))
}

func TestErroredBridgeDiscardsRestOfBatch(t *testing.T) {
	transport := &mockTransport{}
	b := newTestBridge(t, transport, testConfig())
	subscriber := newRecordingSubscriber(Unbounded)
	b.Subscribe(subscriber)

	writer := remoteWriter()
	batch := append(dataFrames(t, writer, 1, "before", 64), []byte{0xc1})
	batch = append(batch, dataFrames(t, writer, 2, "after", 64)...)
	transport.push(batch...)

	assert.ErrorIs(t, subscriber.awaitError(t), ErrFraming)
	awaitDone(t, b)
	require.Len(t, subscriber.items, 1)
	assert.Equal(t, "before", (<-subscriber.items).String())
}

func TestRemoteErrorSignal(t *testing.T) {
	transport := &mockTransport{}
	b := newTestBridge(t, transport, testConfig())
	subscriber := newRecordingSubscriber(Unbounded)
	b.Subscribe(subscriber)

	transport.push(signalFrame(t, remoteWriter(), 1, signalError, "disk full"))

	err := subscriber.awaitError(t)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "disk full", remote.Reason)
	awaitDone(t, b)
	assert.Equal(t, StateErrored, b.State())
}

func TestRemoteCompletionDrainsBridge(t *testing.T) {
	transport := &mockTransport{}
	b := newTestBridge(t, transport, testConfig())
	subscriber := newRecordingSubscriber(Unbounded)
	b.Subscribe(subscriber)

	writer := remoteWriter()
	frames := dataFrames(t, writer, 1, "last words", 4)
	frames = append(frames, signalFrame(t, writer, 2, signalComplete, ""))
	transport.push(frames...)

	assert.Equal(t, "last words", subscriber.awaitItem(t).String())
	select {
	case <-subscriber.completed:
	case <-time.After(waitTimeout):
		t.Fatal("subscriber was not completed")
	}
	awaitDone(t, b)
	assert.Equal(t, StateTerminated, b.State())
}

func TestRemoteCompletionCompletesLocalWriters(t *testing.T) {
	transport := &mockTransport{}
	b := newTestBridge(t, transport, testConfig())
	require.NoError(t, b.Send(context.Background(), "reply"))

	writer := remoteWriter()
	transport.push(signalFrame(t, writer, 1, signalComplete, ""))
	awaitDone(t, b)
	assert.Equal(t, StateTerminated, b.State())

	frames := transport.offeredFrames()
	require.Len(t, frames, 2)
	last, err := unmarshalFragment(frames[1])
	require.NoError(t, err)
	assert.Equal(t, signalComplete, last.Signal)
	assert.Equal(t, b.primary.id, last.Writer)
}

func TestDrainTimeoutForcesTermination(t *testing.T) {
	transport := &mockTransport{}
	config := testConfig()
	config.DrainQuietPeriod = 80 * time.Millisecond
	config.DrainTimeout = 200 * time.Millisecond
	b := newTestBridge(t, transport, config)

	writer := remoteWriter()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for seq := uint64(1); ; seq++ {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
			}
			// First fragments only: each one abandons the previous message.
			transport.push(dataFrames(t, writer, seq, "0123456789", 4)[0])
		}
	}()

	started := time.Now()
	b.Shutdown()
	awaitDone(t, b)

	assert.Equal(t, StateTerminated, b.State())
	assert.GreaterOrEqual(t, time.Since(started), config.DrainTimeout)
}

func TestQuietPeriodEndsDrain(t *testing.T) {
	config := testConfig()
	config.DrainQuietPeriod = 20 * time.Millisecond
	b := newTestBridge(t, &mockTransport{}, config)
	subscriber := newRecordingSubscriber(1)
	b.Subscribe(subscriber)

	b.Shutdown()
	awaitDone(t, b)
	select {
	case <-subscriber.completed:
	default:
		t.Fatal("subscriber not completed when Done closed")
	}
}

func TestLateSubscriberAfterTermination(t *testing.T) {
	b := newTestBridge(t, &mockTransport{}, testConfig())
	b.Shutdown()
	awaitDone(t, b)

	late := newRecordingSubscriber(Unbounded)
	b.Subscribe(late)
	select {
	case <-late.completed:
	default:
		t.Fatal("late subscriber not completed synchronously")
	}
	assert.Empty(t, late.items)
}

func TestExclusiveBridgeRejectsSecondSubscriber(t *testing.T) {
	b := newTestBridge(t, &mockTransport{}, testConfig())
	b.Subscribe(newRecordingSubscriber(1))

	second := newRecordingSubscriber(1)
	b.Subscribe(second)
	assert.ErrorIs(t, second.awaitError(t), ErrExclusiveSubscriber)

	_, err := b.NewWriter()
	assert.ErrorIs(t, err, ErrExclusiveWriter)
}

func TestCancelledSubscriberReceivesNothingMore(t *testing.T) {
	transport := &mockTransport{}
	b := newTestBridge(t, transport, testConfig())
	subscriber := newRecordingSubscriber(Unbounded)
	b.Subscribe(subscriber)

	writer := remoteWriter()
	transport.push(dataFrames(t, writer, 1, "one", 64)...)
	subscriber.awaitItem(t)

	subscriber.subscription.Cancel()
	subscriber.subscription.Cancel()
	transport.push(dataFrames(t, writer, 2, "two", 64)...)
	transport.push(signalFrame(t, writer, 3, signalComplete, ""))

	awaitDone(t, b)
	assert.Empty(t, subscriber.items)
	select {
	case <-subscriber.completed:
		t.Fatal("cancelled subscriber must not receive a terminal signal")
	default:
	}
}
