// Package negotiate implements a multistream-style line protocol: both
// sides exchange a fixed header, then the initiator proposes protocol
// identifiers one at a time until the responder accepts one or the
// initiator's candidates are exhausted.
//
// The negotiator only needs a message-oriented reader/writer pair — it is
// reused unmodified over the raw byte transport (to pick a security
// protocol) and over the encrypted session (to pick a mux protocol), the
// same way the upstream multistream-select muxer stays agnostic of what
// carries its messages.
package negotiate

import (
	"bufio"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
)

var log = logging.Logger("negotiate")

// Header is the fixed multistream version line both sides must exchange
// before any protocol proposal.
const Header = "/multistream/1.0.0"

// rejected is the line a responder sends to decline a proposal.
const rejected = "na"

// LineTransport is the message-oriented abstraction the negotiator runs
// over: one call to WriteLine emits exactly one newline-terminated message,
// one call to ReadLine consumes exactly one. RawLineTransport implements it
// over a bufio-wrapped byte stream; a Noise noise.Session implements it
// directly by treating one record as one line.
type LineTransport interface {
	WriteLine(line string) error
	ReadLine() (string, error)
}

// RawLineTransport implements LineTransport over a plain byte stream by
// newline-delimiting writes and buffering reads up to the next newline.
type RawLineTransport struct {
	r *bufio.Reader
	w noisemux.ByteTransport
}

// NewRawLineTransport wraps a byte transport for line-oriented negotiation.
func NewRawLineTransport(rw noisemux.ByteTransport) *RawLineTransport {
	return &RawLineTransport{r: bufio.NewReader(rw), w: rw}
}

func (t *RawLineTransport) WriteLine(line string) error {
	_, err := t.w.Write([]byte(line + "\n"))
	if err != nil {
		return fmt.Errorf("%w: %w", noisemux.ErrTransport, err)
	}
	return nil
}

func (t *RawLineTransport) ReadLine() (string, error) {
	line, err := t.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: %w", noisemux.ErrTransport, err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// Negotiator runs the multistream protocol over a LineTransport. The same
// Negotiator type serves every invocation site (security, multiplexing,
// optionally per-stream protocol selection), one value per transport; it
// carries no state between calls.
type Negotiator struct {
	t LineTransport
}

// New constructs a Negotiator over the given LineTransport.
func New(t LineTransport) *Negotiator {
	return &Negotiator{t: t}
}

// exchangeHeader performs the header handshake common to both roles: the
// initiator writes unconditionally then reads; the responder reads first
// then echoes.
func (n *Negotiator) exchangeHeader(role noisemux.Role) error {
	if role.IsInitiator() {
		if err := n.t.WriteLine(Header); err != nil {
			return err
		}
		got, err := n.t.ReadLine()
		if err != nil {
			return err
		}
		if got != Header {
			return fmt.Errorf("%w: got %q", noisemux.ErrUnsupportedNegotiation, got)
		}
		return nil
	}

	got, err := n.t.ReadLine()
	if err != nil {
		return err
	}
	if got != Header {
		return fmt.Errorf("%w: got %q", noisemux.ErrUnsupportedNegotiation, got)
	}
	return n.t.WriteLine(Header)
}

// Propose runs the initiator side of negotiation for one category: it
// exchanges headers, then offers each candidate in order until one is
// accepted or the list is exhausted.
func (n *Negotiator) Propose(candidates []string) (string, error) {
	if err := n.exchangeHeader(noisemux.Initiator); err != nil {
		return "", err
	}

	for _, proto := range candidates {
		if err := n.t.WriteLine(proto); err != nil {
			return "", err
		}
		reply, err := n.t.ReadLine()
		if err != nil {
			return "", err
		}
		if reply == proto {
			log.Debugw("negotiation accepted", "protocol", proto)
			return proto, nil
		}
		if reply != rejected {
			return "", fmt.Errorf("%w: unexpected reply %q to proposal %q", noisemux.ErrNoAgreement, reply, proto)
		}
		log.Debugw("negotiation rejected", "protocol", proto)
	}
	return "", fmt.Errorf("%w: exhausted %d candidates", noisemux.ErrNoAgreement, len(candidates))
}

// Respond runs the responder side of negotiation for one category:
// exchanges headers, then accepts the first proposal present in accepted
// and echoes it, or rejects with "na" and waits for the next proposal.
func (n *Negotiator) Respond(accepted []string) (string, error) {
	if err := n.exchangeHeader(noisemux.Responder); err != nil {
		return "", err
	}

	for {
		proposal, err := n.t.ReadLine()
		if err != nil {
			return "", err
		}
		if contains(accepted, proposal) {
			if err := n.t.WriteLine(proposal); err != nil {
				return "", err
			}
			log.Debugw("negotiation accepted", "protocol", proposal)
			return proposal, nil
		}
		if err := n.t.WriteLine(rejected); err != nil {
			return "", err
		}
		log.Debugw("negotiation rejected", "protocol", proposal)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
