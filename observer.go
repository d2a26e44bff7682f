package sluice

// EventKind identifies what an Event describes.
type EventKind int

const (
	// EventTransition is emitted on every state change; From, To and Err
	// are set.
	EventTransition EventKind = iota
	// EventSent is emitted after a message was fully offered; Bytes and
	// Fragments are set.
	EventSent
	// EventBackPressure is emitted each time an offer is retried.
	EventBackPressure
	// EventSendFailed is emitted when a submit returns an error; Err is set.
	EventSendFailed
	// EventDelivered is emitted for each received message; Receivers is the
	// number of subscribers it reached.
	EventDelivered
	// EventDropped is emitted when a received message reached no subscriber.
	EventDropped
	// EventAbandoned is emitted when a partially reassembled message is
	// discarded because its writer moved on.
	EventAbandoned
)

func (k EventKind) String() string {
	switch k {
	case EventTransition:
		return "transition"
	case EventSent:
		return "sent"
	case EventBackPressure:
		return "back_pressure"
	case EventSendFailed:
		return "send_failed"
	case EventDelivered:
		return "delivered"
	case EventDropped:
		return "dropped"
	case EventAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Event describes something that happened on a Bridge.
type Event struct {
	Bridge    string
	Kind      EventKind
	From      TerminationState
	To        TerminationState
	Err       error
	Bytes     int
	Fragments int
	Receivers int
}

// Observer receives lifecycle and traffic events from a Bridge. Observe is
// called synchronously on the goroutine that caused the event and must not
// block.
type Observer interface {
	Observe(event Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(event Event)

func (f ObserverFunc) Observe(event Event) {
	f(event)
}
