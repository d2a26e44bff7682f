// Package msgpack provides a MessagePack encoder for sluice messages.
package msgpack

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/RobertWHurst/sluice"
)

type Encoder struct {
	// StructTag names a struct tag consulted for fields without a msgpack
	// tag, for example "json" to reuse the tags of a JSON encoding.
	StructTag string
}

var _ sluice.Encoder = &Encoder{}

func (e *Encoder) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	enc.Reset(&buf)
	enc.UseCompactInts(true)
	if e.StructTag != "" {
		enc.SetCustomStructTag(e.StructTag)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Encoder) Decode(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)

	dec.Reset(bytes.NewReader(data))
	if e.StructTag != "" {
		dec.SetCustomStructTag(e.StructTag)
	}
	return dec.Decode(v)
}

func New() *Encoder {
	return &Encoder{}
}
