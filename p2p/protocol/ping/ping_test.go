package ping_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheNoobiCat/go-noisemux/p2p/protocol/ping"
)

// pipeStream is an in-memory ping.Stream: one side's outbound channel feeds
// the other's Recv, so client and server can be driven without a real mux.
type pipeStream struct {
	out chan []byte
	in  chan []byte
}

func newStreamPair() (*pipeStream, *pipeStream) {
	ab := make(chan []byte, 1)
	ba := make(chan []byte, 1)
	return &pipeStream{out: ab, in: ba}, &pipeStream{out: ba, in: ab}
}

func (s *pipeStream) SendData(b []byte) error {
	s.out <- append([]byte(nil), b...)
	return nil
}

func (s *pipeStream) Recv() ([]byte, error) {
	b, ok := <-s.in
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func TestPingRoundTrip(t *testing.T) {
	clientSide, serverSide := newStreamPair()

	go func() {
		_ = ping.Serve(serverSide)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		res := ping.Client(ctx, clientSide, "hello")
		require.NoError(t, res.Error)
		require.GreaterOrEqual(t, res.RTT, time.Duration(0))
	}
}

func TestPingRejectsMismatchedReply(t *testing.T) {
	clientSide, serverSide := newStreamPair()

	go func() {
		// Answer every ping with the wrong echoed text.
		_, _ = serverSide.Recv()
		_ = serverSide.SendData([]byte("PONG wrong"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res := ping.Client(ctx, clientSide, "hello")
	require.Error(t, res.Error)
}

func TestServeIgnoresNonPingPayloads(t *testing.T) {
	clientSide, serverSide := newStreamPair()
	done := make(chan error, 1)
	go func() { done <- ping.Serve(serverSide) }()

	require.NoError(t, clientSide.SendData([]byte("not a ping")))
	require.NoError(t, clientSide.SendData([]byte("PING again")))

	got, err := clientSide.Recv()
	require.NoError(t, err)
	require.Equal(t, "PONG again", string(got))

	close(clientSide.out)
	require.ErrorIs(t, <-done, io.EOF)
}
