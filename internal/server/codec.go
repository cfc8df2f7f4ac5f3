package server

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/matteso1/vlogkv/internal/protocol"
)

// codecName is the gRPC content-subtype of the vlogkv messages
// ("application/grpc+vlogkv").
const codecName = "vlogkv"

// wireCodec lets gRPC carry protocol messages, which encode themselves.
type wireCodec struct{}

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(protocol.Message)
	if !ok {
		return nil, fmt.Errorf("vlogkv codec: cannot marshal %T", v)
	}
	return m.Marshal(), nil
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(protocol.Message)
	if !ok {
		return fmt.Errorf("vlogkv codec: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

func (wireCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}
