// Package noisemux collects the types shared by every layer of the stack:
// roles, the supported-protocol catalogue, the byte-transport contract, and
// the error taxonomy from which every layer-specific failure is built.
package noisemux

import "errors"

// Sentinel errors for every failure kind the stack produces. Layers wrap
// these with fmt.Errorf("...: %w", ...) to attach detail; callers compare
// with errors.Is.
var (
	// ErrUnsupportedNegotiation is returned when the multistream header
	// exchanged by the two sides doesn't match the expected literal.
	ErrUnsupportedNegotiation = errors.New("noisemux: unsupported negotiation header")

	// ErrNoAgreement is returned when a responder has rejected every
	// protocol an initiator proposed.
	ErrNoAgreement = errors.New("noisemux: no agreement on a protocol")

	// ErrTransport is returned when the underlying byte transport failed.
	ErrTransport = errors.New("noisemux: transport error")

	// ErrHandshakeFailed is returned when the Noise XX handshake failed at
	// any step: a read/write error, or a MAC/validation failure.
	ErrHandshakeFailed = errors.New("noisemux: noise handshake failed")

	// ErrSessionTerminated is returned to any in-flight caller once the
	// secure session has been closed, whether by a transport failure or a
	// decryption failure.
	ErrSessionTerminated = errors.New("noisemux: secure session terminated")

	// ErrFrameDecode is returned for a malformed mux frame: unknown type
	// byte, short buffer, or a declared length that doesn't fit what was
	// received in the record.
	ErrFrameDecode = errors.New("noisemux: malformed mux frame")

	// ErrInvalidState is returned when a stream-level call targets a
	// stream that isn't in the state the call requires.
	ErrInvalidState = errors.New("noisemux: invalid stream state")

	// ErrProtocolViolation names the failure kind for a peer that violates
	// a mux invariant, e.g. sending OPEN for an id that's already live. No
	// call in the stack returns it: the muxer handles such a frame by
	// logging it and sending a RESET of the offending stream id.
	ErrProtocolViolation = errors.New("noisemux: peer violated mux protocol")

	// ErrStreamReset is returned to a stream's owner from Recv once the
	// stream has ended via RESET rather than an ordinary CLOSE, giving the
	// owner a way to tell the two apart.
	ErrStreamReset = errors.New("noisemux: stream reset")

	// ErrNotImplemented is returned when mux negotiation agrees on a
	// protocol this implementation doesn't carry a dispatch for (e.g.
	// "/yamux").
	ErrNotImplemented = errors.New("noisemux: protocol not implemented")
)
