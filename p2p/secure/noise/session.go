// Package noise implements the secure session layer: a Noise XX handshake
// (Noise_XX_25519_ChaChaPoly_BLAKE2s) over a raw byte transport, yielding an
// encrypted, length-delimited record channel.
//
// The handshake-message framing (a 2-byte big-endian length prefix ahead of
// each message, scratch buffers drawn from github.com/libp2p/go-buffer-pool)
// is kept and extended to every post-handshake record, which also closes a
// record-boundary gap: without an explicit length prefix a transport-level
// short read can split one encrypted record across two reads. The identity-key
// handshake payload and its signature are dropped — the handshake payload
// stays empty in all three messages, since peer identity and certificate
// binding beyond ephemeral static keys is out of scope here.
package noise

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/mr-tron/base58"

	logging "github.com/ipfs/go-log/v2"
	pool "github.com/libp2p/go-buffer-pool"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
)

var log = logging.Logger("noise")

const (
	// lengthPrefixSize is the width of the big-endian record-length
	// prefix placed ahead of every handshake message and every
	// post-handshake record.
	lengthPrefixSize = 2
	// maxRecordSize is the largest value the 2-byte length prefix can
	// carry.
	maxRecordSize = 1<<16 - 1
	// tagOverhead is the ChaCha20-Poly1305 authentication tag appended to
	// every encrypted record.
	tagOverhead = 16
	// MaxPlaintextSize is the largest plaintext a single Send call may
	// carry: 65535 minus the Noise overhead.
	MaxPlaintextSize = maxRecordSize - tagOverhead
)

// cipherSuite fixes Noise_XX_25519_ChaChaPoly_BLAKE2s for every session.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Session is the encrypted, length-delimited message channel produced by a
// completed Noise XX handshake. A single Session supports one concurrent
// Send and one concurrent Recv: writeLock and readLock serialize each
// direction's nonce independently of the other.
type Session struct {
	role noisemux.Role
	conn noisemux.ByteTransport

	writeLock sync.Mutex
	readLock  sync.Mutex

	enc *noise.CipherState
	dec *noise.CipherState

	// sendCount/recvCount mirror the CipherState's internal nonce; kept
	// locally since flynn/noise doesn't expose the nonce itself, and the
	// mux layer and tests want an observable monotone counter.
	sendCount uint64
	recvCount uint64

	fingerprint string
}

// setCipherStates assigns the two cipher states produced by the final
// handshake message according to role: the initiator's write state is the
// responder's read state and vice versa.
func (s *Session) setCipherStates(cs1, cs2 *noise.CipherState) {
	if s.role.IsInitiator() {
		s.enc = cs1
		s.dec = cs2
	} else {
		s.enc = cs2
		s.dec = cs1
	}
}

// Send encrypts plaintext into one Noise record and writes it as a single
// contiguous unit on the byte transport. Concurrent Send calls are
// serialized; cancellation can only happen before or after the critical
// section, never inside it.
func (s *Session) Send(plaintext []byte) error {
	if len(plaintext) > MaxPlaintextSize {
		return fmt.Errorf("noise: plaintext of %d bytes exceeds max %d", len(plaintext), MaxPlaintextSize)
	}

	buf := pool.Get(len(plaintext) + tagOverhead)
	defer pool.Put(buf)

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	ciphertext := s.enc.Encrypt(buf[:0], nil, plaintext)
	if err := writeLengthPrefixed(s.conn, ciphertext); err != nil {
		return fmt.Errorf("%w: %w", noisemux.ErrSessionTerminated, err)
	}
	s.sendCount++
	return nil
}

// Recv reads exactly one record from the byte transport and decrypts it. A
// decryption failure is fatal for the session: the caller is expected to
// close the Session and tear down anything layered on it.
func (s *Session) Recv() ([]byte, error) {
	s.readLock.Lock()
	defer s.readLock.Unlock()

	record, err := readLengthPrefixed(s.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", noisemux.ErrSessionTerminated, err)
	}

	plaintext, err := s.dec.Decrypt(record[:0], nil, record)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt failed: %w", noisemux.ErrSessionTerminated, err)
	}
	s.recvCount++
	return plaintext, nil
}

// SendCount and RecvCount expose the monotone per-direction counters: every
// successful send/recv increments the corresponding nonce by exactly 1.
func (s *Session) SendCount() uint64 { return s.sendCount }
func (s *Session) RecvCount() uint64 { return s.recvCount }

// Fingerprint is a base58-encoded tag derived from the local ephemeral
// static key, used only to correlate log lines for a given session; there
// is no persistent peer identity to render instead.
func (s *Session) Fingerprint() string { return s.fingerprint }

// Close closes the underlying byte transport. A closed transport is
// terminal for the session: any send/recv in flight afterwards must
// surface ErrSessionTerminated.
func (s *Session) Close() error {
	return s.conn.Close()
}

// WriteLine implements negotiate.LineTransport by treating the entire line
// as the payload of one record — when the negotiator runs over a Session to
// pick the mux protocol, message boundaries are already exact, so no
// literal newline byte is needed on the wire.
func (s *Session) WriteLine(line string) error {
	return s.Send([]byte(line))
}

// ReadLine implements negotiate.LineTransport; see WriteLine.
func (s *Session) ReadLine() (string, error) {
	b, err := s.Recv()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeLengthPrefixed(w noisemux.ByteTransport, msg []byte) error {
	if len(msg) > maxRecordSize {
		return fmt.Errorf("noise: record of %d bytes exceeds max %d", len(msg), maxRecordSize)
	}
	hdr := pool.Get(lengthPrefixSize)
	defer pool.Put(hdr)
	binary.BigEndian.PutUint16(hdr, uint16(len(msg)))

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return nil
}

func readLengthPrefixed(r noisemux.ByteTransport) ([]byte, error) {
	hdr := pool.Get(lengthPrefixSize)
	defer pool.Put(hdr)
	if _, err := readFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr)

	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFull reads exactly len(buf) bytes, the way io.ReadFull does, without
// depending on the transport being an io.Reader beyond what ByteTransport
// already guarantees.
func readFull(r noisemux.ByteTransport, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func fingerprintOf(pub []byte) string {
	return base58.Encode(pub)
}
