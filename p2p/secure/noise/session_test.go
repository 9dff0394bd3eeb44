package noise

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
	"github.com/TheNoobiCat/go-noisemux/p2p/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func handshakePair(t *testing.T) (*Session, *Session) {
	t.Helper()
	return handshakePairWithMetrics(t, nil, nil)
}

func handshakePairWithMetrics(t *testing.T, initHM, respHM *metrics.Handshake) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()

	type res struct {
		s   *Session
		err error
	}
	initCh := make(chan res, 1)
	respCh := make(chan res, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		s, err := EstablishSecureSession(ctx, noisemux.Initiator, a, initHM)
		initCh <- res{s, err}
	}()
	go func() {
		s, err := EstablishSecureSession(ctx, noisemux.Responder, b, respHM)
		respCh <- res{s, err}
	}()

	ir := <-initCh
	rr := <-respCh
	require.NoError(t, ir.err)
	require.NoError(t, rr.err)
	return ir.s, rr.s
}

// sendAsync runs s.Send on its own goroutine: net.Pipe has no internal
// buffering, so a write only completes once the other end reads it.
func sendAsync(s *Session, b []byte) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- s.Send(b) }()
	return errc
}

func TestHandshakeAndRecordRoundTrip(t *testing.T) {
	initiator, responder := handshakePair(t)
	defer initiator.Close()
	defer responder.Close()

	sent := sendAsync(initiator, []byte("hello"))
	got, err := responder.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sent)
	require.Equal(t, "hello", string(got))

	sent = sendAsync(responder, []byte("world"))
	got, err = initiator.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sent)
	require.Equal(t, "world", string(got))
}

func TestNoncesMonotone(t *testing.T) {
	initiator, responder := handshakePair(t)
	defer initiator.Close()
	defer responder.Close()

	for i := 0; i < 5; i++ {
		sent := sendAsync(initiator, []byte("ping"))
		_, err := responder.Recv()
		require.NoError(t, err)
		require.NoError(t, <-sent)
	}
	require.EqualValues(t, 5, initiator.SendCount())
	require.EqualValues(t, 5, responder.RecvCount())
}

func TestDecryptionFailureIsFatal(t *testing.T) {
	initiator, responder := handshakePair(t)
	defer initiator.Close()
	defer responder.Close()

	sent := sendAsync(initiator, []byte("one"))
	_, err := responder.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sent)

	// Write a bogus record directly on the raw transport, bypassing
	// encryption: the responder must fail to authenticate it rather than
	// return garbage plaintext.
	bogus := make(chan error, 1)
	go func() { bogus <- writeLengthPrefixed(initiator.conn, []byte("not a valid noise record!!")) }()
	_, err = responder.Recv()
	require.Error(t, err)
	require.NoError(t, <-bogus)
}

func TestHandshakeMetricsIncrementOnSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	hm := metrics.NewHandshake(reg)

	initiator, responder := handshakePairWithMetrics(t, hm, hm)
	defer initiator.Close()
	defer responder.Close()

	require.InDelta(t, 2, testutil.ToFloat64(hm.Completed), 0)
	require.InDelta(t, 0, testutil.ToFloat64(hm.Failed), 0)
}

func TestHandshakeMetricsIncrementOnFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	hm := metrics.NewHandshake(reg)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// b never runs the other half of the handshake, so a blocks until ctx
	// expires: this exercises the ctx.Done() failure path rather than a
	// rejected handshake message.
	_, err := EstablishSecureSession(ctx, noisemux.Initiator, a, hm)
	require.Error(t, err)
	require.InDelta(t, 0, testutil.ToFloat64(hm.Completed), 0)
	require.InDelta(t, 1, testutil.ToFloat64(hm.Failed), 0)
}

func TestMaxPlaintextSizeEnforced(t *testing.T) {
	initiator, responder := handshakePair(t)
	defer initiator.Close()
	defer responder.Close()

	oversized := make([]byte, MaxPlaintextSize+1)
	err := initiator.Send(oversized)
	require.Error(t, err)
}
