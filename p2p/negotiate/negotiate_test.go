package negotiate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
)

// memLineTransport is a LineTransport backed by two channels, letting tests
// drive both sides of a negotiation without a real byte transport.
type memLineTransport struct {
	out chan<- string
	in  <-chan string
}

func (t *memLineTransport) WriteLine(line string) error {
	t.out <- line
	return nil
}

func (t *memLineTransport) ReadLine() (string, error) {
	line, ok := <-t.in
	if !ok {
		return "", noisemux.ErrTransport
	}
	return line, nil
}

func linePair() (*memLineTransport, *memLineTransport) {
	ab := make(chan string, 16)
	ba := make(chan string, 16)
	return &memLineTransport{out: ab, in: ba}, &memLineTransport{out: ba, in: ab}
}

func TestNegotiateAcceptsFirstMatch(t *testing.T) {
	initLine, respLine := linePair()
	init := New(initLine)
	resp := New(respLine)

	results := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		proto, err := init.Propose([]string{"/noise", "/plaintext"})
		results <- proto
		errs <- err
	}()

	proto, err := resp.Respond([]string{"/plaintext"})
	require.NoError(t, err)
	require.Equal(t, "/plaintext", proto)

	require.Equal(t, "/plaintext", <-results)
	require.NoError(t, <-errs)
}

func TestNegotiateExhaustsCandidates(t *testing.T) {
	ab := make(chan string, 16)
	ba := make(chan string, 16)
	initLine := &memLineTransport{out: ab, in: ba}
	respLine := &memLineTransport{out: ba, in: ab}
	init := New(initLine)
	resp := New(respLine)

	respErr := make(chan error, 1)
	go func() {
		_, err := resp.Respond([]string{"/only-this-one"})
		respErr <- err
	}()

	_, err := init.Propose([]string{"/a", "/b"})
	require.Error(t, err)
	require.True(t, errors.Is(err, noisemux.ErrNoAgreement))

	// A real transport close is what unblocks a responder waiting on the
	// next proposal once an initiator has given up; closing the channel
	// here plays that role.
	close(ab)
	require.Error(t, <-respErr)
}

func TestNegotiateHeaderMismatchAborts(t *testing.T) {
	initLine, respLine := linePair()

	// Responder speaks a different header line outright, simulating an
	// incompatible peer.
	go func() {
		_, _ = respLine.ReadLine()
		_ = respLine.WriteLine("/multistream/9.9.9")
	}()

	init := New(initLine)
	_, err := init.Propose([]string{"/noise"})
	require.Error(t, err)
	require.True(t, errors.Is(err, noisemux.ErrUnsupportedNegotiation))
}
