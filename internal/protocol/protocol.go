// Package protocol defines the vlogkv request and response messages and the
// header that frames a response.
//
// Messages use the protobuf wire format, so any client generated from this
// schema can talk to the server:
//
//	message TGetRequest  { uint64 request_id = 1; string key = 2; }
//	message TGetResponse { uint64 request_id = 1; bytes offset = 2; }
//	message TPutRequest  { uint64 request_id = 1; string key = 2; bytes offset = 3; }
//	message TPutResponse { uint64 request_id = 1; }
//
// The "offset" fields carry value bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// RequestType tags a framed message.
type RequestType byte

const (
	PutRequestType  RequestType = '1'
	GetRequestType  RequestType = '2'
	PutResponseType RequestType = '3'
	GetResponseType RequestType = '4'
)

func (t RequestType) String() string {
	switch t {
	case PutRequestType:
		return "PUT_REQUEST"
	case GetRequestType:
		return "GET_REQUEST"
	case PutResponseType:
		return "PUT_RESPONSE"
	case GetResponseType:
		return "GET_RESPONSE"
	default:
		return fmt.Sprintf("RequestType(%d)", byte(t))
	}
}

// HeaderSize is the size of a frame header: type (1 byte) + payload length
// (4 bytes, little endian).
const HeaderSize = 5

// MaxPayloadSize bounds the payload length a header may announce.
const MaxPayloadSize = 64 * 1024 * 1024

var (
	// ErrShortFrame is returned when a frame is shorter than its header says.
	ErrShortFrame = errors.New("short frame")

	// ErrPayloadTooLarge is returned for a header announcing more than MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Header precedes every framed message.
type Header struct {
	Type RequestType
	Size uint32
}

// AppendHeader appends the header for a payload of size bytes to b.
func AppendHeader(b []byte, t RequestType, size int) []byte {
	b = append(b, byte(t))
	return binary.LittleEndian.AppendUint32(b, uint32(size))
}

// ReadHeader reads one header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Type: RequestType(buf[0]),
		Size: binary.LittleEndian.Uint32(buf[1:]),
	}
	if h.Size > MaxPayloadSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Size)
	}
	return h, nil
}

// Frame returns header + payload.
func Frame(t RequestType, payload []byte) []byte {
	b := make([]byte, 0, HeaderSize+len(payload))
	b = AppendHeader(b, t, len(payload))
	return append(b, payload...)
}

// SplitFrame parses a complete frame. Trailing bytes past the announced
// payload are an error.
func SplitFrame(frame []byte) (RequestType, []byte, error) {
	if len(frame) < HeaderSize {
		return 0, nil, ErrShortFrame
	}
	size := binary.LittleEndian.Uint32(frame[1:HeaderSize])
	if uint64(len(frame)-HeaderSize) != uint64(size) {
		return 0, nil, fmt.Errorf("%w: header says %d bytes, have %d", ErrShortFrame, size, len(frame)-HeaderSize)
	}
	return RequestType(frame[0]), frame[HeaderSize:], nil
}
