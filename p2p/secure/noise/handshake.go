package noise

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
	"github.com/TheNoobiCat/go-noisemux/p2p/metrics"
)

// EstablishSecureSession runs the three-message Noise XX handshake over
// conn and returns the resulting encrypted Session. Each handshake message
// is a complete record, framed the same way a post-handshake record is (see
// writeLengthPrefixed/readLengthPrefixed in session.go). hm may be nil to
// skip instrumentation.
//
// The handshake runs on its own goroutine so ctx cancellation can close the
// connection and unblock whichever read/write is in flight.
func EstablishSecureSession(ctx context.Context, role noisemux.Role, conn noisemux.ByteTransport, hm *metrics.Handshake) (*Session, error) {
	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)

	go func() {
		s, err := runHandshake(role, conn)
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			_ = conn.Close()
			if hm != nil {
				hm.Failed.Inc()
			}
			return nil, fmt.Errorf("%w: %w", noisemux.ErrHandshakeFailed, r.err)
		}
		if hm != nil {
			hm.Completed.Inc()
		}
		return r.s, nil
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		if hm != nil {
			hm.Failed.Inc()
		}
		return nil, ctx.Err()
	}
}

func runHandshake(role noisemux.Role, conn noisemux.ByteTransport) (*Session, error) {
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating static keypair: %w", err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     role.IsInitiator(),
		StaticKeypair: kp,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing handshake state: %w", err)
	}

	s := &Session{role: role, conn: conn, fingerprint: fingerprintOf(kp.Public)}

	if role.IsInitiator() {
		// msg1: -> e
		if err := sendHandshakeMessage(s, hs, nil); err != nil {
			return nil, fmt.Errorf("sending msg1: %w", err)
		}
		// msg2: <- e, ee, s, es
		if _, err := readHandshakeMessage(s, hs); err != nil {
			return nil, fmt.Errorf("reading msg2: %w", err)
		}
		// msg3: -> s, se
		if err := sendHandshakeMessage(s, hs, nil); err != nil {
			return nil, fmt.Errorf("sending msg3: %w", err)
		}
	} else {
		// msg1: <- e
		if _, err := readHandshakeMessage(s, hs); err != nil {
			return nil, fmt.Errorf("reading msg1: %w", err)
		}
		// msg2: -> e, ee, s, es
		if err := sendHandshakeMessage(s, hs, nil); err != nil {
			return nil, fmt.Errorf("sending msg2: %w", err)
		}
		// msg3: <- s, se
		if _, err := readHandshakeMessage(s, hs); err != nil {
			return nil, fmt.Errorf("reading msg3: %w", err)
		}
	}

	if s.enc == nil || s.dec == nil {
		return nil, fmt.Errorf("handshake completed without producing cipher states")
	}

	log.Debugw("noise handshake complete", "role", role, "fingerprint", s.fingerprint)
	return s, nil
}

// sendHandshakeMessage writes the next handshake message, length-prefixed
// the same way a post-handshake record is. If this is the pattern's last
// message for the local role, it installs the resulting cipher states.
func sendHandshakeMessage(s *Session, hs *noise.HandshakeState, payload []byte) error {
	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return err
	}
	if err := writeLengthPrefixed(s.conn, msg); err != nil {
		return err
	}
	if cs1 != nil && cs2 != nil {
		s.setCipherStates(cs1, cs2)
	}
	return nil
}

// readHandshakeMessage reads and processes the next handshake message. If
// this is the pattern's last message for the local role, it installs the
// resulting cipher states.
func readHandshakeMessage(s *Session, hs *noise.HandshakeState) ([]byte, error) {
	record, err := readLengthPrefixed(s.conn)
	if err != nil {
		return nil, err
	}
	plaintext, cs1, cs2, err := hs.ReadMessage(nil, record)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		s.setCipherStates(cs1, cs2)
	}
	return plaintext, nil
}
