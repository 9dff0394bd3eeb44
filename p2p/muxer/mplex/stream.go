package mplex

import (
	"fmt"
	"io"
	"sync"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
)

// State is the lifecycle of a Stream.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosed
	StateReset
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Stream is a logical bidirectional channel multiplexed over one secure
// session, identified by a 32-bit id. The owning Muxer adds and removes
// its entry under the Muxer's lock; ending the stream (terminate) happens
// outside that lock, guarded by closeOnce. Stream itself is just the
// handle the owner reads from.
type Stream struct {
	id       uint32
	protocol string
	local    bool // true if this side allocated the id via OpenStream

	mux *Muxer

	// inbox carries DATA payloads from the reader loop to the owner. It is
	// never closed: the reader loop's handleData is the only writer, and a
	// CloseStream/ResetStream call racing that write (from the application
	// goroutine, against the reader-loop goroutine) must not be able to
	// turn into a send-on-closed-channel panic. closed is the end-of-stream
	// signal instead, safe to close from either side because closeOnce
	// makes it idempotent.
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	wasReset  bool // set once, under closeOnce, before closed is closed
}

// terminate ends the stream, whether from a local Close/Reset or a remote
// CLOSE/RESET frame the reader loop observed. Safe to call more than once;
// only the first call's reset value takes effect.
func (s *Stream) terminate(reset bool) {
	s.closeOnce.Do(func() {
		s.wasReset = reset
		close(s.closed)
	})
}

// ID is the stream's 32-bit identifier.
func (s *Stream) ID() uint32 { return s.id }

// Protocol is the protocol name carried by the OPEN frame. For a stream
// returned by OpenStream it is the name the caller requested; for one
// returned by AcceptStream it is whatever the peer sent.
func (s *Stream) Protocol() string { return s.protocol }

// Local reports whether this side allocated the stream id.
func (s *Stream) Local() bool { return s.local }

// Recv blocks for the next inbound DATA payload. It returns io.EOF once the
// peer (or a local close) has ended the stream in the ordinary way, or an
// error wrapping noisemux.ErrStreamReset if the stream ended via RESET
// (local or remote), giving the owner a distinguishable signal for
// each case. Any payload already buffered before termination is drained
// first.
func (s *Stream) Recv() ([]byte, error) {
	select {
	case b := <-s.inbox:
		return b, nil
	default:
	}
	select {
	case b := <-s.inbox:
		return b, nil
	case <-s.closed:
		if s.wasReset {
			return nil, fmt.Errorf("%w: stream %d", noisemux.ErrStreamReset, s.id)
		}
		return nil, io.EOF
	}
}

// SendData emits a DATA frame on this stream.
func (s *Stream) SendData(data []byte) error {
	return s.mux.SendData(s.id, data)
}

// Close emits a CLOSE frame and removes local stream state.
func (s *Stream) Close() error {
	return s.mux.CloseStream(s.id)
}

// Reset emits a RESET frame and removes local stream state immediately.
func (s *Stream) Reset() error {
	return s.mux.ResetStream(s.id)
}
