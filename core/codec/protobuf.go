package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtobufCodec implements Protocol Buffers encoding/decoding.
// Plain maps are carried as a google.protobuf.Struct.
type ProtobufCodec struct{}

func (c *ProtobufCodec) Encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case proto.Message:
		return proto.Marshal(m)
	case map[string]any:
		st, err := structpb.NewStruct(m)
		if err != nil {
			return nil, fmt.Errorf("convert to struct: %w", err)
		}
		return proto.Marshal(st)
	}
	return nil, fmt.Errorf("value must implement proto.Message or be map[string]any, got %T", v)
}

func (c *ProtobufCodec) Decode(data []byte, v any) error {
	if m, ok := v.(*map[string]any); ok {
		st := &structpb.Struct{}
		if err := proto.Unmarshal(data, st); err != nil {
			return err
		}
		*m = st.AsMap()
		return nil
	}

	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("value must implement proto.Message interface, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (c *ProtobufCodec) Name() string {
	return "protobuf"
}

func (c *ProtobufCodec) ContentType() string {
	return "application/x-protobuf"
}
