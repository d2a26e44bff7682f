package sluice

import (
	"math"
	"sync/atomic"
)

// Unbounded is the demand value meaning "deliver everything".
const Unbounded = uint64(math.MaxUint64)

// demandCancelled is a reserved state value; grants never produce it
// because any sum reaching it saturates to Unbounded.
const demandCancelled = Unbounded - 1

// DemandTracker counts how many items a subscriber may still receive.
// Grant, TryConsume and Cancel are safe to call from any goroutine; the
// whole state lives in a single word so a consume can never observe a
// half-applied grant.
type DemandTracker struct {
	state atomic.Uint64
}

// Grant adds n to the outstanding demand, saturating at Unbounded. It is a
// no-op once the tracker has been cancelled.
func (d *DemandTracker) Grant(n uint64) {
	if n == 0 {
		return
	}
	for {
		current := d.state.Load()
		if current == demandCancelled || current == Unbounded {
			return
		}
		next := current + n
		if n == Unbounded || next < current || next >= demandCancelled {
			next = Unbounded
		}
		if d.state.CompareAndSwap(current, next) {
			return
		}
	}
}

// TryConsume takes one unit of demand. It returns false when there is none
// left or the tracker was cancelled.
func (d *DemandTracker) TryConsume() bool {
	for {
		current := d.state.Load()
		switch current {
		case 0, demandCancelled:
			return false
		case Unbounded:
			return true
		}
		if d.state.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// Cancel zeroes the demand permanently. It returns true only for the call
// that performed the cancellation.
func (d *DemandTracker) Cancel() bool {
	return d.state.Swap(demandCancelled) != demandCancelled
}

// Cancelled reports whether Cancel has been called.
func (d *DemandTracker) Cancelled() bool {
	return d.state.Load() == demandCancelled
}

// Outstanding returns the demand left, Unbounded, or zero after cancel.
func (d *DemandTracker) Outstanding() uint64 {
	current := d.state.Load()
	if current == demandCancelled {
		return 0
	}
	return current
}
