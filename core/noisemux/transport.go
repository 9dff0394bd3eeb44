package noisemux

import "io"

// ByteTransport is the base byte transport consumed by every layer above
// it: an ordered, reliable, duplex byte stream. A net.Conn satisfies this
// directly; tests commonly satisfy it with an in-memory net.Pipe().
type ByteTransport interface {
	io.Reader
	io.Writer
	io.Closer
}
