package sluice

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives the signals of a stream. OnSubscribe is always
// called first, followed by any number of OnNext calls and at most one of
// OnError or OnComplete. Signals to one subscriber are never concurrent.
type Subscriber interface {
	OnSubscribe(subscription Subscription)
	OnNext(msg *Message)
	OnError(err error)
	OnComplete()
}

// Subscription is the demand channel from a subscriber back to its
// publisher. Both methods are safe to call from any goroutine, including
// from inside OnNext.
type Subscription interface {
	// Request grants n more items. Unbounded removes the limit. Zero is a
	// protocol violation and ends the subscription with ErrInvalidRequest.
	Request(n uint64)
	// Cancel stops delivery. It is idempotent and takes effect no later
	// than the next delivery attempt.
	Cancel()
}

// Publisher emits a stream to subscribers.
type Publisher interface {
	Subscribe(subscriber Subscriber)
}

type noopSubscription struct{}

func (noopSubscription) Request(uint64) {}
func (noopSubscription) Cancel()        {}

// slot binds a subscriber to its demand.
type slot struct {
	id         uint64
	subscriber Subscriber
	demand     DemandTracker
	owner      *publisher
	signalled  atomic.Bool

	// invalid marks a slot retired by Request(0). registered is set once
	// the slot entered the table. Both are written under owner.mu.
	invalid    atomic.Bool
	registered bool
}

func (s *slot) Request(n uint64) {
	if n == 0 {
		s.owner.retire(s, true)
		return
	}
	s.demand.Grant(n)
}

func (s *slot) Cancel() {
	s.owner.retire(s, false)
}

// terminate delivers the terminal signal once. Cancelled slots receive
// nothing, unless they were retired by an invalid request.
func (s *slot) terminate(cause error) {
	if s.invalid.Load() {
		s.fail(ErrInvalidRequest)
		return
	}
	if s.demand.Cancelled() || !s.signalled.CompareAndSwap(false, true) {
		return
	}
	if cause != nil {
		s.subscriber.OnError(cause)
		return
	}
	s.subscriber.OnComplete()
}

// fail delivers err regardless of cancellation; used for protocol
// violations detected on the subscriber's own subscription.
func (s *slot) fail(err error) {
	if !s.signalled.CompareAndSwap(false, true) {
		return
	}
	s.subscriber.OnError(err)
}

// publisher is the downstream half of a Bridge. It owns the slot table; the
// poll task reads it through a copy-on-write snapshot so delivery never
// holds the lock.
type publisher struct {
	mode Mode
	wake func()

	mu       sync.Mutex
	slots    atomic.Pointer[[]*slot]
	retired  []*slot
	nextID   uint64
	attached bool
	sealed   bool
	cause    error
}

func newPublisher(mode Mode, wake func()) *publisher {
	p := &publisher{mode: mode, wake: wake}
	p.slots.Store(&[]*slot{})
	return p
}

func (p *publisher) snapshot() []*slot {
	return *p.slots.Load()
}

func (p *publisher) subscribe(subscriber Subscriber) {
	p.mu.Lock()
	if p.sealed {
		cause := p.cause
		p.mu.Unlock()
		replayTerminal(subscriber, cause)
		return
	}
	if p.mode == ModeExclusive && p.attached {
		p.mu.Unlock()
		subscriber.OnSubscribe(noopSubscription{})
		subscriber.OnError(ErrExclusiveSubscriber)
		return
	}
	p.attached = true
	p.nextID++
	s := &slot{id: p.nextID, subscriber: subscriber, owner: p}
	p.mu.Unlock()

	subscriber.OnSubscribe(s)

	p.mu.Lock()
	if p.sealed {
		cause := p.cause
		p.mu.Unlock()
		s.terminate(cause)
		return
	}
	if s.demand.Cancelled() {
		p.mu.Unlock()
		if s.invalid.Load() {
			s.fail(ErrInvalidRequest)
		}
		return
	}
	s.registered = true
	current := p.snapshot()
	next := make([]*slot, len(current), len(current)+1)
	copy(next, current)
	next = append(next, s)
	p.slots.Store(&next)
	p.mu.Unlock()
}

// retire cancels the demand of s and queues it for removal by the poll
// task. Only the first call has any effect.
func (p *publisher) retire(s *slot, invalid bool) {
	p.mu.Lock()
	if !s.demand.Cancel() {
		p.mu.Unlock()
		return
	}
	if invalid {
		s.invalid.Store(true)
	}
	p.retired = append(p.retired, s)
	p.mu.Unlock()
	if p.wake != nil {
		p.wake()
	}
}

// drainRetired removes the retired slots from the table and returns those
// still owed ErrInvalidRequest. A slot retired during its own OnSubscribe
// is failed by subscribe instead, once OnSubscribe returned.
func (p *publisher) drainRetired() []*slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.retired) == 0 {
		return nil
	}
	var failed []*slot
	for _, s := range p.retired {
		p.removeLocked(s)
		if s.invalid.Load() && s.registered {
			failed = append(failed, s)
		}
	}
	p.retired = nil
	return failed
}

func (p *publisher) remove(target *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(target)
}

func (p *publisher) removeLocked(target *slot) {
	current := p.snapshot()
	next := make([]*slot, 0, len(current))
	for _, s := range current {
		if s != target {
			next = append(next, s)
		}
	}
	if len(next) != len(current) {
		p.slots.Store(&next)
	}
}

// seal closes the table to new subscribers and returns the slots that must
// receive the terminal signal.
func (p *publisher) seal(cause error) []*slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return nil
	}
	p.sealed = true
	p.cause = cause
	slots := p.snapshot()
	p.slots.Store(&[]*slot{})
	return slots
}

func replayTerminal(subscriber Subscriber, cause error) {
	subscriber.OnSubscribe(noopSubscription{})
	if cause != nil {
		subscriber.OnError(cause)
		return
	}
	subscriber.OnComplete()
}
