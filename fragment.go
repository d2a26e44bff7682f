package sluice

import (
	"fmt"
	"iter"

	"github.com/klauspost/compress/s2"
	"github.com/vmihailenco/msgpack/v5"
)

// Marker is the position of a fragment within its message.
type Marker uint8

const (
	MarkerWhole Marker = iota
	MarkerFirst
	MarkerMiddle
	MarkerLast
)

func (m Marker) String() string {
	switch m {
	case MarkerWhole:
		return "whole"
	case MarkerFirst:
		return "first"
	case MarkerMiddle:
		return "middle"
	case MarkerLast:
		return "last"
	default:
		return fmt.Sprintf("marker(%d)", uint8(m))
	}
}

type signal uint8

const (
	signalNone signal = iota
	signalComplete
	signalError
)

const flagCompressed uint8 = 1 << 0

// fragment is one frame on the wire. Writer identifies the send lane that
// produced it, Seq the message within that lane and Index the position of
// the fragment within the message.
type fragment struct {
	Writer []byte `msgpack:"w"`
	Seq    uint64 `msgpack:"s"`
	Index  uint32 `msgpack:"i,omitempty"`
	Marker Marker `msgpack:"m"`
	Length uint32 `msgpack:"l"`
	Total  uint32 `msgpack:"t,omitempty"`
	Flags  uint8  `msgpack:"f,omitempty"`
	Signal signal `msgpack:"g,omitempty"`
	Reason string `msgpack:"r,omitempty"`
	Data   []byte `msgpack:"d,omitempty"`
}

func marshalFragment(f fragment) ([]byte, error) {
	return msgpack.Marshal(&f)
}

func unmarshalFragment(frame []byte) (fragment, error) {
	var f fragment
	if err := msgpack.Unmarshal(frame, &f); err != nil {
		return f, fmt.Errorf("%w: undecodable frame: %v", ErrFraming, err)
	}
	if f.Marker > MarkerLast {
		return f, fmt.Errorf("%w: unknown marker %d", ErrFraming, f.Marker)
	}
	return f, nil
}

// reassembly is the per-writer receive state.
type reassembly struct {
	open       bool
	seq        uint64
	next       uint32
	total      uint32
	compressed bool
	buf        []byte
	// closed is the highest sequence already completed or abandoned.
	closed uint64
}

func (r *reassembly) reset() {
	r.open = false
	r.buf = nil
}

// FragmentCodec splits payloads into fragments no larger than its capacity
// and puts them back together on the receiving side. Encode is safe for
// concurrent use; Accept keeps reassembly state and must only be called from
// one goroutine.
type FragmentCodec struct {
	capacity int
	compress bool
	writers  map[string]*reassembly

	// onAbandon is called when a partial message is discarded because its
	// writer started a new one.
	onAbandon func(writer []byte, seq uint64)
}

// NewFragmentCodec creates a codec producing fragments of at most capacity
// payload bytes.
func NewFragmentCodec(capacity int, compress bool) *FragmentCodec {
	if capacity <= 0 {
		capacity = DefaultConfig().FragmentSize
	}
	return &FragmentCodec{
		capacity: capacity,
		compress: compress,
		writers:  make(map[string]*reassembly),
	}
}

// Encode returns the fragments for one message. Each range over the result
// walks the payload again from the start.
func (c *FragmentCodec) Encode(writer []byte, seq uint64, payload []byte) iter.Seq[fragment] {
	return func(yield func(fragment) bool) {
		data, flags := payload, uint8(0)
		if c.compress && len(payload) > 0 {
			data, flags = s2.Encode(nil, payload), flagCompressed
		}
		total := uint32(len(data))

		if len(data) <= c.capacity {
			yield(fragment{
				Writer: writer,
				Seq:    seq,
				Marker: MarkerWhole,
				Length: total,
				Total:  total,
				Flags:  flags,
				Data:   data,
			})
			return
		}

		var index uint32
		for offset := 0; offset < len(data); index++ {
			end := min(offset+c.capacity, len(data))
			f := fragment{
				Writer: writer,
				Seq:    seq,
				Index:  index,
				Marker: MarkerMiddle,
				Length: uint32(end - offset),
				Flags:  flags,
				Data:   data[offset:end],
			}
			switch {
			case offset == 0:
				f.Marker = MarkerFirst
				f.Total = total
			case end == len(data):
				f.Marker = MarkerLast
			}
			if !yield(f) {
				return
			}
			offset = end
		}
	}
}

// Accept feeds one fragment into reassembly. It returns the payload of a
// message once its last or whole fragment arrives. Fragments belonging to a
// sequence that was already closed are ignored.
func (c *FragmentCodec) Accept(f fragment) ([]byte, bool, error) {
	key := string(f.Writer)
	state, ok := c.writers[key]
	if !ok {
		state = &reassembly{}
		c.writers[key] = state
	}

	if int(f.Length) != len(f.Data) {
		state.reset()
		return nil, false, fmt.Errorf("%w: fragment declares %d bytes but carries %d", ErrFraming, f.Length, len(f.Data))
	}
	if f.Seq <= state.closed {
		return nil, false, nil
	}

	switch f.Marker {
	case MarkerWhole:
		c.abandon(f.Writer, state)
		state.closed = f.Seq
		if f.Total != f.Length {
			return nil, false, fmt.Errorf("%w: whole fragment declares total %d but carries %d", ErrFraming, f.Total, f.Length)
		}
		payload, err := c.finish(f.Data, f.Flags&flagCompressed != 0)
		if err != nil {
			return nil, false, err
		}
		return payload, true, nil

	case MarkerFirst:
		if state.open && state.seq == f.Seq {
			return nil, false, nil
		}
		c.abandon(f.Writer, state)
		if int64(f.Total) > MaxMessageSize {
			state.closed = f.Seq
			return nil, false, fmt.Errorf("%w: message of %d bytes exceeds %d", ErrFraming, f.Total, MaxMessageSize)
		}
		if f.Index != 0 || f.Length > f.Total {
			state.closed = f.Seq
			return nil, false, fmt.Errorf("%w: first fragment out of bounds", ErrFraming)
		}
		state.open = true
		state.seq = f.Seq
		state.next = 1
		state.total = f.Total
		state.compressed = f.Flags&flagCompressed != 0
		state.buf = make([]byte, 0, f.Total)
		state.buf = append(state.buf, f.Data...)
		return nil, false, nil
	}

	if !state.open || state.seq != f.Seq {
		state.reset()
		return nil, false, fmt.Errorf("%w: %s fragment of sequence %d has no preceding first", ErrFraming, f.Marker, f.Seq)
	}
	if f.Index != state.next {
		state.reset()
		return nil, false, fmt.Errorf("%w: expected fragment %d of sequence %d, got %d", ErrFraming, state.next, f.Seq, f.Index)
	}
	if uint64(len(state.buf))+uint64(f.Length) > uint64(state.total) {
		state.reset()
		return nil, false, fmt.Errorf("%w: sequence %d overruns its declared %d bytes", ErrFraming, f.Seq, state.total)
	}
	state.buf = append(state.buf, f.Data...)
	state.next++
	if f.Marker == MarkerMiddle {
		return nil, false, nil
	}

	buf, total, compressed := state.buf, state.total, state.compressed
	state.reset()
	state.closed = f.Seq
	if uint32(len(buf)) != total {
		return nil, false, fmt.Errorf("%w: sequence %d closed at %d of %d bytes", ErrFraming, f.Seq, len(buf), total)
	}
	payload, err := c.finish(buf, compressed)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Pending reports whether any writer has a partially reassembled message.
func (c *FragmentCodec) Pending() bool {
	for _, state := range c.writers {
		if state.open {
			return true
		}
	}
	return false
}

// Forget drops the reassembly state of a writer that has finished.
func (c *FragmentCodec) Forget(writer []byte) {
	delete(c.writers, string(writer))
}

func (c *FragmentCodec) abandon(writer []byte, state *reassembly) {
	if !state.open {
		return
	}
	seq := state.seq
	state.reset()
	state.closed = max(state.closed, seq)
	if c.onAbandon != nil {
		c.onAbandon(writer, seq)
	}
}

func (c *FragmentCodec) finish(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	size, err := s2.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt compressed payload: %v", ErrFraming, err)
	}
	if int64(size) > MaxMessageSize {
		return nil, fmt.Errorf("%w: decompressed message of %d bytes exceeds %d", ErrFraming, size, MaxMessageSize)
	}
	payload, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt compressed payload: %v", ErrFraming, err)
	}
	return payload, nil
}
