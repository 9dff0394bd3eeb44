package mplex

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{StreamID: 1, Type: FrameOpen, Payload: []byte("/ping/1.0.0")},
		{StreamID: 2, Type: FrameData, Payload: []byte("hello world")},
		{StreamID: 1, Type: FrameClose, Payload: nil},
		{StreamID: 4, Type: FrameReset, Payload: []byte{}},
	}
	for _, f := range cases {
		encoded := f.Encode()
		require.Equal(t, frameHeaderSize+len(f.Payload), len(encoded))

		decoded, n, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, len(encoded), n)
		require.Equal(t, f.StreamID, decoded.StreamID)
		require.Equal(t, f.Type, decoded.Type)
		require.True(t, bytes.Equal(f.Payload, decoded.Payload))
	}
}

func TestFrameDecodeTrailingBytesIgnored(t *testing.T) {
	f := Frame{StreamID: 7, Type: FrameData, Payload: []byte("abc")}
	encoded := append(f.Encode(), []byte("next frame follows")...)

	decoded, n, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, frameHeaderSize+3, n)
	require.Equal(t, []byte("abc"), decoded.Payload)
}

func TestFrameDecodeShortBuffer(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
	require.True(t, errors.Is(err, noisemux.ErrFrameDecode))
}

func TestFrameDecodeUnknownType(t *testing.T) {
	f := Frame{StreamID: 1, Type: FrameOpen, Payload: []byte("x")}
	encoded := f.Encode()
	encoded[4] = 0x7F // corrupt the type byte

	_, _, err := Decode(encoded)
	require.Error(t, err)
	require.True(t, errors.Is(err, noisemux.ErrFrameDecode))
}

func TestFrameDecodeLengthExceedsRemaining(t *testing.T) {
	f := Frame{StreamID: 1, Type: FrameData, Payload: []byte("short")}
	encoded := f.Encode()
	encoded = encoded[:len(encoded)-2] // truncate payload without fixing the length field

	_, _, err := Decode(encoded)
	require.Error(t, err)
	require.True(t, errors.Is(err, noisemux.ErrFrameDecode))
}
