// Package tcp is the base byte transport: a TCP dialer and listener adapting
// net.Conn to noisemux.ByteTransport. Carries over the connect timeout
// option and the keepalive/linger socket tuning applied to every accepted
// and dialed conn, plus a temp-error-tolerant accept loop. Multiaddr
// dialing/matching, reuseport, connection gating, and resource-manager
// scoping are left out — all part of multi-connection peer management,
// which is out of scope here. This package only ever wraps net.Dial /
// net.Listen on a plain host:port string.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	tec "github.com/jbenet/go-temp-err-catcher"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
)

var log = logging.Logger("tcp-tpt")

const (
	defaultConnectTimeout = 5 * time.Second
	keepAlivePeriod       = 30 * time.Second
)

type canKeepAlive interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(time.Duration) error
}

var _ canKeepAlive = &net.TCPConn{}

func tryKeepAlive(conn net.Conn) {
	keepAliveConn, ok := conn.(canKeepAlive)
	if !ok {
		log.Debugw("can't set TCP keepalives, conn doesn't support it", "type", fmt.Sprintf("%T", conn))
		return
	}
	if err := keepAliveConn.SetKeepAlive(true); err != nil {
		// Sometimes this comes back invalid on a connection that's already
		// gone; nothing actionable to do about it either way.
		if errors.Is(err, os.ErrInvalid) || errors.Is(err, syscall.EINVAL) {
			log.Debugw("failed to enable TCP keepalive", "error", err)
		} else {
			log.Errorw("failed to enable TCP keepalive", "error", err)
		}
		return
	}
	if runtime.GOOS != "openbsd" {
		if err := keepAliveConn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
			log.Errorw("failed to set keepalive period", "error", err)
		}
	}
}

// tryLinger sets linger to 0 so a closed connection is reset rather than
// left in TIME-WAIT, letting the 5-tuple be reused immediately.
func tryLinger(conn net.Conn, sec int) {
	type canLinger interface {
		SetLinger(int) error
	}
	if lingerConn, ok := conn.(canLinger); ok {
		_ = lingerConn.SetLinger(sec)
	}
}

// Option configures a Transport.
type Option func(*Transport)

// WithConnectTimeout overrides the default 5s dial timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) { t.connectTimeout = d }
}

// Transport dials and accepts TCP connections, handing back
// noisemux.ByteTransport values — a net.Conn satisfies the interface
// directly, so Transport only adds the dial timeout and socket tuning.
type Transport struct {
	connectTimeout time.Duration
}

// NewTransport builds a Transport with the given options.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{connectTimeout: defaultConnectTimeout}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Dial opens a TCP connection to addr ("host:port").
func (t *Transport) Dial(ctx context.Context, addr string) (noisemux.ByteTransport, error) {
	ctx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", noisemux.ErrTransport, addr, err)
	}
	tryLinger(conn, 0)
	tryKeepAlive(conn)
	log.Debugw("dialed", "remote", addr)
	return conn, nil
}

// Listener accepts inbound TCP connections, retrying transient accept
// errors and exposes them over a channel so a caller can select against
// context cancellation.
type Listener struct {
	ln net.Listener

	incoming chan noisemux.ByteTransport
	err      error
	errOnce  sync.Once

	ctx    context.Context
	cancel func()
}

// Listen starts accepting TCP connections on addr ("host:port"; an empty
// host listens on all interfaces).
func Listen(ctx context.Context, addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", noisemux.ErrTransport, addr, err)
	}
	lctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		ln:       ln,
		incoming: make(chan noisemux.ByteTransport),
		ctx:      lctx,
		cancel:   cancel,
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer close(l.incoming)
	var catcher tec.TempErrCatcher
	for l.ctx.Err() == nil {
		conn, err := l.ln.Accept()
		if err != nil {
			if catcher.IsTemporary(err) {
				log.Debugw("temporary accept error", "error", err)
				continue
			}
			l.errOnce.Do(func() { l.err = err })
			return
		}
		catcher.Reset()
		tryLinger(conn, 0)
		tryKeepAlive(conn)

		select {
		case l.incoming <- conn:
		case <-l.ctx.Done():
			conn.Close()
			return
		}
	}
}

// Accept blocks for the next inbound connection, ctx being done, or the
// listener closing.
func (l *Listener) Accept(ctx context.Context) (noisemux.ByteTransport, error) {
	select {
	case conn, ok := <-l.incoming:
		if !ok {
			if l.err != nil {
				return nil, fmt.Errorf("%w: %w", noisemux.ErrTransport, l.err)
			}
			return nil, fmt.Errorf("%w: listener closed", noisemux.ErrTransport)
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr is the address the listener is bound to.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting and releases the underlying socket.
func (l *Listener) Close() error {
	l.cancel()
	err := l.ln.Close()
	for c := range l.incoming {
		c.Close()
	}
	return err
}
