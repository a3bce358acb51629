package codec

import (
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestJSONCodec(t *testing.T) {
	codec := &JSONCodec{}

	type counters struct {
		Requests int64 `json:"requests"`
		Errors   int64 `json:"errors"`
	}

	original := &counters{Requests: 42, Errors: 3}

	data, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	decoded := &counters{}
	if err := codec.Decode(data, decoded); err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if *decoded != *original {
		t.Errorf("Mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestProtobufCodec(t *testing.T) {
	codec := &ProtobufCodec{}

	original := wrapperspb.Int32(42)

	data, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	decoded := &wrapperspb.Int32Value{}
	if err := codec.Decode(data, decoded); err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	if decoded.Value != original.Value {
		t.Errorf("Mismatch: got %d, want %d", decoded.Value, original.Value)
	}
}

func TestProtobufCodecMap(t *testing.T) {
	codec := &ProtobufCodec{}

	original := map[string]any{
		"total_requests": float64(7),
		"latency_buckets": map[string]any{
			"<1ms": float64(5),
		},
	}

	data, err := codec.Encode(original)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		t.Fatalf("Not a google.protobuf.Struct: %v", err)
	}
	if got := st.Fields["total_requests"].GetNumberValue(); got != 7 {
		t.Errorf("total_requests = %v", got)
	}

	var decoded map[string]any
	if err := codec.Decode(data, &decoded); err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	buckets, _ := decoded["latency_buckets"].(map[string]any)
	if buckets["<1ms"] != float64(5) {
		t.Errorf("latency_buckets = %v", decoded["latency_buckets"])
	}
}

func TestProtobufCodecInvalidType(t *testing.T) {
	codec := &ProtobufCodec{}

	if _, err := codec.Encode("not a proto message"); err == nil {
		t.Error("Expected error for non-proto message")
	}
	if _, err := codec.Encode(map[string]any{"bad": make(chan int)}); err == nil {
		t.Error("Expected error for unconvertible map value")
	}
}

func TestForFormat(t *testing.T) {
	tests := []struct {
		format string
		want   string
		err    bool
	}{
		{"", "json", false},
		{"json", "json", false},
		{"proto", "protobuf", false},
		{"protobuf", "protobuf", false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		c, err := ForFormat(tt.format)
		if tt.err {
			if err != ErrUnsupportedCodec {
				t.Errorf("ForFormat(%q) error = %v", tt.format, err)
			}
			continue
		}
		if err != nil || c.Name() != tt.want {
			t.Errorf("ForFormat(%q) = %v, %v; want %s", tt.format, c, err, tt.want)
		}
	}
}

func BenchmarkJSONEncode(b *testing.B) {
	codec := &JSONCodec{}
	data := map[string]any{
		"total_requests": 123,
		"total_errors":   4,
		"buckets":        []int{1, 2, 3, 4, 5},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Encode(data)
	}
}

func BenchmarkProtobufEncodeMap(b *testing.B) {
	codec := &ProtobufCodec{}
	data := map[string]any{
		"total_requests": float64(123),
		"total_errors":   float64(4),
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Encode(data)
	}
}
