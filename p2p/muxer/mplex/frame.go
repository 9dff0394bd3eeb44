// Package mplex implements a stream multiplexer: a bit-exact frame codec,
// per-stream lifecycle, and a single-reader-loop routing discipline.
//
// Structurally grounded on the whyrusleeping/go-multiplex and paralin/go-mplex
// sources (a Multiplex type owning one conn, a mutex-guarded stream map, a
// buffered channel of newly-accepted streams), adapted to a fixed 9-byte
// frame header instead of mplex's varint header, and to a simpler
// two-state-transition lifecycle (no half-close distinct from full close).
package mplex

import (
	"encoding/binary"
	"fmt"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
)

// FrameType identifies the purpose of a mux frame.
type FrameType uint8

const (
	FrameOpen  FrameType = 1
	FrameData  FrameType = 2
	FrameClose FrameType = 3
	FrameReset FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case FrameOpen:
		return "OPEN"
	case FrameData:
		return "DATA"
	case FrameClose:
		return "CLOSE"
	case FrameReset:
		return "RESET"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// frameHeaderSize is the fixed header width: 4-byte stream id, 1-byte
// type, 4-byte payload length.
const frameHeaderSize = 4 + 1 + 4

// Frame is one mux-layer unit, carried in exactly one Noise record.
type Frame struct {
	StreamID uint32
	Type     FrameType
	Payload  []byte
}

// Encode serializes f with this bit-exact layout:
//
//	offset  size  field
//	0       4     stream_id        (u32 little-endian)
//	4       1     type
//	5       4     payload_length   (u32 little-endian)
//	9       N     payload
func (f Frame) Encode() []byte {
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], f.StreamID)
	buf[4] = byte(f.Type)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[9:], f.Payload)
	return buf
}

// Decode parses a single frame out of buf and returns it along with the
// number of bytes consumed: decode(encode(f)) == (f, 9+len(payload)) for
// any valid f. Errors are all wrapped in noisemux.ErrFrameDecode.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < frameHeaderSize {
		return Frame{}, 0, fmt.Errorf("%w: buffer of %d bytes shorter than header size %d", noisemux.ErrFrameDecode, len(buf), frameHeaderSize)
	}

	streamID := binary.LittleEndian.Uint32(buf[0:4])
	rawType := buf[4]
	length := binary.LittleEndian.Uint32(buf[5:9])

	var typ FrameType
	switch rawType {
	case byte(FrameOpen), byte(FrameData), byte(FrameClose), byte(FrameReset):
		typ = FrameType(rawType)
	default:
		return Frame{}, 0, fmt.Errorf("%w: unknown frame type %d", noisemux.ErrFrameDecode, rawType)
	}

	remaining := len(buf) - frameHeaderSize
	if int64(length) > int64(remaining) {
		return Frame{}, 0, fmt.Errorf("%w: declared payload length %d exceeds remaining %d bytes", noisemux.ErrFrameDecode, length, remaining)
	}

	payload := make([]byte, length)
	copy(payload, buf[frameHeaderSize:frameHeaderSize+int(length)])

	return Frame{StreamID: streamID, Type: typ, Payload: payload}, frameHeaderSize + int(length), nil
}
