package protobuf

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/RobertWHurst/sluice"
)

// ErrNotProtoMessage is returned for values that do not implement
// proto.Message.
var ErrNotProtoMessage = errors.New("protobuf: value must implement proto.Message")

type Encoder struct {
	marshal   proto.MarshalOptions
	unmarshal proto.UnmarshalOptions
}

var _ sluice.Encoder = &Encoder{}

func (e *Encoder) Encode(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return e.marshal.Marshal(m)
	}
	return nil, fmt.Errorf("%w: got %T", ErrNotProtoMessage, v)
}

func (e *Encoder) Decode(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return e.unmarshal.Unmarshal(data, m)
	}
	return fmt.Errorf("%w: got %T", ErrNotProtoMessage, v)
}

// New creates an encoder producing deterministic output and ignoring
// unknown fields on decode.
func New() *Encoder {
	return &Encoder{
		marshal:   proto.MarshalOptions{Deterministic: true},
		unmarshal: proto.UnmarshalOptions{DiscardUnknown: true},
	}
}
