package fleetv1

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype used by every Coordinator call. It
// replaces grpc's default "proto" codec: Coordinator messages are encoded by
// wire.go, everything else (health checks, reflection) by proto.Marshal.
const CodecName = "proto"

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case wireMessage:
		return m.appendWire(nil)
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("fleetv1: cannot marshal %T", v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case wireMessage:
		return m.readWire(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("fleetv1: cannot unmarshal into %T", v)
}

func (codec) Name() string { return CodecName }
