package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedMessage is returned when a payload is not a valid message.
var ErrMalformedMessage = errors.New("malformed message")

// Message is implemented by every request and response type.
type Message interface {
	Marshal() []byte
	Unmarshal(b []byte) error
}

// GetRequest asks for the value stored under Key.
type GetRequest struct {
	RequestID uint64
	Key       string
}

// GetResponse carries the value, empty when the key is absent.
type GetResponse struct {
	RequestID uint64
	Offset    []byte
}

// PutRequest stores Offset under Key.
type PutRequest struct {
	RequestID uint64
	Key       string
	Offset    []byte
}

// PutResponse acknowledges a PutRequest.
type PutResponse struct {
	RequestID uint64
}

func (m *GetRequest) Marshal() []byte {
	var b []byte
	b = appendUint64(b, 1, m.RequestID)
	b = appendBytes(b, 2, []byte(m.Key))
	return b
}

func (m *GetRequest) Unmarshal(b []byte) error {
	*m = GetRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.RequestID)
		case 2:
			return consumeString(typ, b, &m.Key)
		}
		return -1, nil
	})
}

func (m *GetResponse) Marshal() []byte {
	var b []byte
	b = appendUint64(b, 1, m.RequestID)
	b = appendBytes(b, 2, m.Offset)
	return b
}

func (m *GetResponse) Unmarshal(b []byte) error {
	*m = GetResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.RequestID)
		case 2:
			return consumeBytes(typ, b, &m.Offset)
		}
		return -1, nil
	})
}

func (m *PutRequest) Marshal() []byte {
	var b []byte
	b = appendUint64(b, 1, m.RequestID)
	b = appendBytes(b, 2, []byte(m.Key))
	b = appendBytes(b, 3, m.Offset)
	return b
}

func (m *PutRequest) Unmarshal(b []byte) error {
	*m = PutRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint64(typ, b, &m.RequestID)
		case 2:
			return consumeString(typ, b, &m.Key)
		case 3:
			return consumeBytes(typ, b, &m.Offset)
		}
		return -1, nil
	})
}

func (m *PutResponse) Marshal() []byte {
	return appendUint64(nil, 1, m.RequestID)
}

func (m *PutResponse) Unmarshal(b []byte) error {
	*m = PutResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeUint64(typ, b, &m.RequestID)
		}
		return -1, nil
	})
}

// CallRequest is the transport envelope of one framed request: its type tag
// and raw payload.
type CallRequest struct {
	Type    RequestType
	Payload []byte
}

// CallResponse carries a complete response frame (header + payload).
type CallResponse struct {
	Frame []byte
}

func (m *CallRequest) Marshal() []byte {
	var b []byte
	b = appendUint64(b, 1, uint64(m.Type))
	b = appendBytes(b, 2, m.Payload)
	return b
}

func (m *CallRequest) Unmarshal(b []byte) error {
	*m = CallRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var v uint64
			n, err := consumeUint64(typ, b, &v)
			if err != nil {
				return 0, err
			}
			if v > 0xff {
				return 0, fmt.Errorf("%w: request type %d", ErrMalformedMessage, v)
			}
			m.Type = RequestType(v)
			return n, nil
		case 2:
			return consumeBytes(typ, b, &m.Payload)
		}
		return -1, nil
	})
}

func (m *CallResponse) Marshal() []byte {
	return appendBytes(nil, 1, m.Frame)
}

func (m *CallResponse) Unmarshal(b []byte) error {
	*m = CallResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBytes(typ, b, &m.Frame)
		}
		return -1, nil
	})
}

// Proto3 scalars equal to their zero value are omitted from the encoding.

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields walks every field of b. field returns the number of bytes it
// consumed, or -1 for fields it does not know, which are skipped.
func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return nil
}

func consumeUint64(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: wire type %d for varint field", ErrMalformedMessage, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("%w: wire type %d for bytes field", ErrMalformedMessage, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	var v []byte
	n, err := consumeBytes(typ, b, &v)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}
