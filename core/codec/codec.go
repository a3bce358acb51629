package codec

import (
	"encoding/json"
	"errors"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Codec encodes the statistics documents served by the admin endpoint
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error

	// Name is the value accepted by ?format=
	Name() string
	ContentType() string
}

// CodecType represents the codec type
type CodecType byte

const (
	CodecJSON     CodecType = 0x01
	CodecProtobuf CodecType = 0x03
)

// GetCodec returns a codec by type
func GetCodec(typ CodecType) (Codec, error) {
	switch typ {
	case CodecJSON:
		return &JSONCodec{}, nil
	case CodecProtobuf:
		return &ProtobufCodec{}, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// ForFormat maps a query value to a codec; the empty format is JSON
func ForFormat(format string) (Codec, error) {
	switch format {
	case "", "json":
		return GetCodec(CodecJSON)
	case "proto", "protobuf":
		return GetCodec(CodecProtobuf)
	default:
		return nil, ErrUnsupportedCodec
	}
}

// JSONCodec implements JSON encoding/decoding
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}

func (c *JSONCodec) ContentType() string {
	return "application/json"
}
