// Package ping implements the "PING <text>" / "PONG <text>" application
// protocol carried on a single named mux stream: a minimal client/server
// echo loop that exercises one logical stream among many on a connection,
// rather than owning the whole encrypted connection itself.
package ping

import (
	"context"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("ping")

// ID is the protocol identifier negotiated for a ping stream.
const ID = "/ping/1.0.0"

// Stream is the minimal surface ping needs from a mux stream: one frame in,
// one frame out, each call carrying exactly one message (p2p/muxer/mplex.Stream
// satisfies this directly).
type Stream interface {
	SendData([]byte) error
	Recv() ([]byte, error)
}

// Result is one round-trip's outcome: the measured latency on success, or
// the failure reason.
type Result struct {
	RTT   time.Duration
	Error error
}

// Client sends "PING <text>" on s and waits for the matching "PONG <text>"
// reply, returning the measured round-trip time. It does not interpret text
// beyond echoing it back wrapped.
func Client(ctx context.Context, s Stream, text string) Result {
	start := time.Now()
	msg := fmt.Sprintf("PING %s", text)
	if err := s.SendData([]byte(msg)); err != nil {
		return Result{Error: fmt.Errorf("ping: send: %w", err)}
	}
	log.Debugw("sent ping", "text", text)

	type recvResult struct {
		data []byte
		err  error
	}
	done := make(chan recvResult, 1)
	go func() {
		data, err := s.Recv()
		done <- recvResult{data, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return Result{Error: fmt.Errorf("ping: recv: %w", r.err)}
		}
		reply := strings.TrimSpace(string(r.data))
		if !strings.HasPrefix(reply, "PONG ") {
			return Result{Error: fmt.Errorf("ping: unexpected reply %q", reply)}
		}
		if got := strings.TrimPrefix(reply, "PONG "); got != text {
			return Result{Error: fmt.Errorf("ping: reply %q doesn't match sent %q", got, text)}
		}
		return Result{RTT: time.Since(start)}
	case <-ctx.Done():
		return Result{Error: ctx.Err()}
	}
}

// Serve runs the responder loop on s until Recv returns an error (ordinary
// stream close, reset, or session termination), answering every
// "PING <text>" it receives with "PONG <text>" and ignoring anything else.
func Serve(s Stream) error {
	for {
		data, err := s.Recv()
		if err != nil {
			log.Debugw("ping stream ended", "error", err)
			return err
		}
		line := strings.TrimSpace(string(data))
		if !strings.HasPrefix(line, "PING ") {
			log.Debugw("ignoring non-PING payload on ping stream", "payload", line)
			continue
		}
		text := strings.TrimPrefix(line, "PING ")
		reply := fmt.Sprintf("PONG %s", text)
		if err := s.SendData([]byte(reply)); err != nil {
			return fmt.Errorf("ping: reply: %w", err)
		}
	}
}
