package sluice

// OfferResult reports what a transport did with an offered frame.
type OfferResult int

const (
	// OfferAccepted means the frame was handed to the medium.
	OfferAccepted OfferResult = iota
	// OfferBackPressured means the transport's send buffer is full. The
	// frame was not sent and may be offered again later.
	OfferBackPressured
	// OfferNotConnected means the publication is disconnected or the peer
	// is unreachable. Retrying will not help.
	OfferNotConnected
)

func (r OfferResult) String() string {
	switch r {
	case OfferAccepted:
		return "accepted"
	case OfferBackPressured:
		return "back-pressured"
	case OfferNotConnected:
		return "not-connected"
	default:
		return "unknown"
	}
}

// Transport defines the interface for the packetized medium a Bridge runs on.
// Implementations wrap a connection owned by someone else; the Bridge borrows
// it and only ever releases its own publication and subscription endpoints.
//
// Offer and Poll may be called concurrently from different goroutines.
type Transport interface {
	// Offer attempts to publish a single frame without blocking. The
	// transport must not retain frame after Offer returns.
	Offer(frame []byte) OfferResult

	// Poll returns up to limit frames that have been delivered since the
	// last call. It never blocks; an empty result means nothing is ready.
	Poll(limit int) [][]byte

	// IsConnected reports whether the publication can currently reach the
	// medium.
	IsConnected() bool

	// Close releases the endpoints held by this transport. It does not
	// close the underlying connection or media service.
	Close() error
}
