// Package cbor provides a CBOR encoder for sluice messages. Encoding uses
// Core Deterministic Encoding, so equal values always produce equal bytes.
package cbor

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/RobertWHurst/sluice"
)

type Encoder struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ sluice.Encoder = &Encoder{}

// New creates a CBOR encoder. Values decoded into an untyped target become
// map[string]any rather than CBOR's default map[any]any.
func New() (*Encoder, error) {
	options := cbor.CoreDetEncOptions()
	options.TextMarshaler = cbor.TextMarshalerTextString
	enc, err := options.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &Encoder{enc: enc, dec: dec}, nil
}

func (e *Encoder) Encode(v any) ([]byte, error) {
	return e.enc.Marshal(v)
}

func (e *Encoder) Decode(data []byte, v any) error {
	return e.dec.Unmarshal(data, v)
}
