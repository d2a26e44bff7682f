package sluice

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming is returned when a fragment sequence is malformed. It is
	// fatal to the Bridge.
	ErrFraming = errors.New("sluice: malformed fragment sequence")

	// ErrSendTimeout is returned when the transport stayed back-pressured
	// past the retry deadline. The Bridge stays active and the caller may
	// retry.
	ErrSendTimeout = errors.New("sluice: send timed out under back-pressure")

	// ErrNotConnected is returned when the transport reports the peer or
	// the publication is unavailable. It is fatal to the Bridge.
	ErrNotConnected = errors.New("sluice: transport not connected")

	// ErrConcurrentWrite is returned when a second submit is attempted while
	// one is in flight on an exclusive Bridge. It indicates a caller bug and
	// is fatal to the Bridge.
	ErrConcurrentWrite = errors.New("sluice: concurrent write on exclusive bridge")

	// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize.
	// The message is rejected before any fragment is sent and the Bridge
	// stays active.
	ErrMessageTooLarge = errors.New("sluice: message too large")

	// ErrDraining is returned when a submit is attempted after the Bridge
	// began draining.
	ErrDraining = errors.New("sluice: bridge is draining")

	// ErrTerminated is returned when a submit is attempted after the Bridge
	// reached a terminal state.
	ErrTerminated = errors.New("sluice: bridge is terminated")

	// ErrExclusiveSubscriber is delivered to a subscriber that attaches to
	// an exclusive Bridge which already had one.
	ErrExclusiveSubscriber = errors.New("sluice: exclusive bridge already has a subscriber")

	// ErrExclusiveWriter is returned by NewWriter on an exclusive Bridge.
	ErrExclusiveWriter = errors.New("sluice: exclusive bridge has a single writer")

	// ErrInvalidRequest is delivered to a subscriber that requested zero
	// items.
	ErrInvalidRequest = errors.New("sluice: request count must be positive")

	// ErrNoEncoder is returned when a value needs encoding but no Encoder
	// was configured.
	ErrNoEncoder = errors.New("sluice: no encoder configured")
)

// RemoteError carries an upstream failure reported by a remote bridge
// through an error signal frame.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sluice: remote upstream failed: %s", e.Reason)
}

// IsFatal reports whether err moves a Bridge to the errored state when it
// surfaces from a submit.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSendTimeout),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrDraining),
		errors.Is(err, ErrTerminated):
		return false
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrConcurrentWrite),
		errors.Is(err, ErrFraming):
		return true
	}
	var remote *RemoteError
	return errors.As(err, &remote)
}
