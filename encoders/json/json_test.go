package json

import (
	"testing"
)

type reading struct {
	Sensor string  `json:"sensor"`
	Value  float64 `json:"value"`
}

func TestEncoderRoundTrip(t *testing.T) {
	encoder := New()

	encoded, err := encoder.Encode(reading{Sensor: "probe-1", Value: 21.5})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if string(encoded) != `{"sensor":"probe-1","value":21.5}` {
		t.Errorf("Unexpected encoding %s", encoded)
	}

	var decoded reading
	if err := encoder.Decode(encoded, &decoded); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if decoded.Sensor != "probe-1" || decoded.Value != 21.5 {
		t.Errorf("Expected probe-1/21.5, got %s/%v", decoded.Sensor, decoded.Value)
	}
}

func TestEncoderDecodeInvalidJSON(t *testing.T) {
	encoder := New()

	var result reading
	if err := encoder.Decode([]byte(`{invalid json}`), &result); err == nil {
		t.Error("Expected error for invalid JSON, got nil")
	}
}

func TestEncoderEncodeNil(t *testing.T) {
	encoded, err := New().Encode(nil)
	if err != nil {
		t.Fatalf("Encode(nil) failed: %v", err)
	}
	if string(encoded) != "null" {
		t.Errorf("Expected 'null', got '%s'", string(encoded))
	}
}

func TestEncoderUnknownFields(t *testing.T) {
	data := []byte(`{"sensor":"probe-2","value":1,"unit":"C"}`)

	var lenient reading
	if err := New().Decode(data, &lenient); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if lenient.Sensor != "probe-2" {
		t.Errorf("Expected sensor 'probe-2', got '%s'", lenient.Sensor)
	}

	var strict reading
	if err := NewStrict().Decode(data, &strict); err == nil {
		t.Error("Expected strict decoder to reject unknown field")
	}
}

func BenchmarkEncoderEncode(b *testing.B) {
	encoder := New()
	data := reading{Sensor: "benchmark", Value: 999}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		encoder.Encode(data)
	}
}

func BenchmarkEncoderDecode(b *testing.B) {
	encoder := New()
	data := []byte(`{"sensor":"benchmark","value":999}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var result reading
		encoder.Decode(data, &result)
	}
}
