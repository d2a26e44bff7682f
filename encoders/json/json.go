// Package json provides a JSON encoder for sluice messages.
// It uses Go's standard encoding/json package for serialization.
package json

import (
	"bytes"
	"encoding/json"

	"github.com/RobertWHurst/sluice"
)

// Encoder implements sluice.Encoder using JSON serialization.
// It provides human-readable message encoding that works well for
// debugging and cross-platform compatibility.
type Encoder struct {
	// Strict rejects payloads carrying fields the target type does not
	// declare.
	Strict bool
}

var _ sluice.Encoder = &Encoder{}

// Encode serializes v to JSON bytes.
func (e *Encoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes into v.
func (e *Encoder) Decode(data []byte, v any) error {
	if !e.Strict {
		return json.Unmarshal(data, v)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// New creates a new JSON encoder.
func New() *Encoder {
	return &Encoder{}
}

// NewStrict creates a JSON encoder that rejects unknown fields.
func NewStrict() *Encoder {
	return &Encoder{Strict: true}
}
