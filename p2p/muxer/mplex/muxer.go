package mplex

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	logging "github.com/ipfs/go-log/v2"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
	"github.com/TheNoobiCat/go-noisemux/p2p/metrics"
)

var log = logging.Logger("mplex")

// defaultInboxCapacity bounds how many DATA payloads a stream can have
// buffered before the single reader loop blocks delivering to it: a slow
// stream owner stalls the whole mux, since this implementation doesn't
// attempt per-stream flow control.
const defaultInboxCapacity = 32

// Session is the minimal contract the muxer needs from the secure layer
// beneath it: send and receive exactly one record per call, each record
// holding exactly one mux frame.
type Session interface {
	Send(plaintext []byte) error
	Recv() ([]byte, error)
}

type entry struct {
	stream *Stream
	state  State
}

// Muxer is the stream multiplexer: one Muxer owns one secure session and
// fans its records out to many logical Streams, each identified by a
// 32-bit id whose parity is fixed by which side opened it.
//
// Structurally grounded on the whyrusleeping/go-multiplex and
// paralin/go-mplex Multiplex type: a mutex-guarded id->stream map, a
// buffered accept channel, and a single goroutine that owns Recv on the
// underlying session and is the only writer to any stream's inbox.
type Muxer struct {
	sess    Session
	role    noisemux.Role
	metrics *metrics.Muxer // nil-safe: metrics are optional

	mu      sync.Mutex
	nextID  uint32
	streams map[uint32]*entry
	accept  chan *Stream
	closed  bool
	readErr error

	stopped chan struct{} // closed once the reader loop has exited
}

// NewMuxer builds a Muxer over sess. role determines which half of the
// stream-id space this side allocates from (initiator odd, starting at 1;
// responder even, starting at 2). m may be nil to skip instrumentation.
func NewMuxer(sess Session, role noisemux.Role, m *metrics.Muxer) *Muxer {
	return &Muxer{
		sess:    sess,
		role:    role,
		metrics: m,
		nextID:  role.StreamIDStart(),
		streams: make(map[uint32]*entry),
		accept:  make(chan *Stream, defaultInboxCapacity),
		stopped: make(chan struct{}),
	}
}

// Start spawns the reader loop. Call it once, after construction.
func (m *Muxer) Start() {
	go m.readerLoop()
}

// Done is closed once the reader loop has exited, whatever the cause.
func (m *Muxer) Done() <-chan struct{} { return m.stopped }

// Err returns the error that ended the reader loop, or nil if it hasn't
// ended yet.
func (m *Muxer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readErr
}

// allocID picks the next free id for a locally-opened stream: increment by
// 2 (mod 2^32), skipping any id currently live in the local map. Callers
// must hold m.mu.
func (m *Muxer) allocID() uint32 {
	for {
		id := m.nextID
		m.nextID += 2
		if _, live := m.streams[id]; !live {
			return id
		}
	}
}

// OpenStream allocates a new id, emits an OPEN frame carrying protocol, and
// returns the local handle.
func (m *Muxer) OpenStream(protocol string) (*Stream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, noisemux.ErrSessionTerminated
	}
	id := m.allocID()
	st := &Stream{id: id, protocol: protocol, local: true, mux: m, inbox: make(chan []byte, defaultInboxCapacity), closed: make(chan struct{})}
	m.streams[id] = &entry{stream: st, state: StateOpen}
	m.mu.Unlock()

	frame := Frame{StreamID: id, Type: FrameOpen, Payload: []byte(protocol)}
	if err := m.sess.Send(frame.Encode()); err != nil {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", noisemux.ErrSessionTerminated, err)
	}

	if m.metrics != nil {
		m.metrics.StreamsOpened.Inc()
		m.metrics.FramesSent.WithLabelValues(FrameOpen.String()).Inc()
	}
	log.Debugw("opened stream", "id", id, "protocol", protocol)
	return st, nil
}

// AcceptStream blocks until a peer-initiated OPEN surfaces a new stream, ctx
// is done, or the mux has torn down.
func (m *Muxer) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st, ok := <-m.accept:
		if !ok {
			return nil, m.terminatedErr()
		}
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendData emits a DATA frame for stream id.
func (m *Muxer) SendData(id uint32, data []byte) error {
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok || e.state != StateOpen {
		m.mu.Unlock()
		return fmt.Errorf("%w: stream %d", noisemux.ErrInvalidState, id)
	}
	m.mu.Unlock()

	frame := Frame{StreamID: id, Type: FrameData, Payload: data}
	if err := m.sess.Send(frame.Encode()); err != nil {
		return fmt.Errorf("%w: %w", noisemux.ErrSessionTerminated, err)
	}
	if m.metrics != nil {
		m.metrics.FramesSent.WithLabelValues(FrameData.String()).Inc()
	}
	return nil
}

// CloseStream emits a CLOSE frame and removes local stream state. A
// second call for the same id returns ErrInvalidState and sends nothing,
// giving close idempotence.
func (m *Muxer) CloseStream(id uint32) error {
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: stream %d", noisemux.ErrInvalidState, id)
	}
	delete(m.streams, id)
	m.mu.Unlock()
	e.stream.terminate(false)

	frame := Frame{StreamID: id, Type: FrameClose}
	if err := m.sess.Send(frame.Encode()); err != nil {
		return fmt.Errorf("%w: %w", noisemux.ErrSessionTerminated, err)
	}
	if m.metrics != nil {
		m.metrics.FramesSent.WithLabelValues(FrameClose.String()).Inc()
	}
	log.Debugw("closed stream", "id", id)
	return nil
}

// ResetStream emits a RESET frame and removes local stream state
// immediately; the stream's next Recv returns ErrStreamReset rather than
// io.EOF.
func (m *Muxer) ResetStream(id uint32) error {
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: stream %d", noisemux.ErrInvalidState, id)
	}
	delete(m.streams, id)
	m.mu.Unlock()
	e.stream.terminate(true)

	frame := Frame{StreamID: id, Type: FrameReset}
	if err := m.sess.Send(frame.Encode()); err != nil {
		return fmt.Errorf("%w: %w", noisemux.ErrSessionTerminated, err)
	}
	if m.metrics != nil {
		m.metrics.FramesSent.WithLabelValues(FrameReset.String()).Inc()
	}
	log.Debugw("reset stream", "id", id)
	return nil
}

func (m *Muxer) terminatedErr() error {
	if err := m.Err(); err != nil {
		return fmt.Errorf("%w: %w", noisemux.ErrSessionTerminated, err)
	}
	return noisemux.ErrSessionTerminated
}

// sendResetFrame resets a stream id the peer tried to open invalidly —
// duplicate id, or a protocol name that isn't valid UTF-8 — where there's
// no local stream state to remove.
func (m *Muxer) sendResetFrame(id uint32) {
	frame := Frame{StreamID: id, Type: FrameReset}
	if err := m.sess.Send(frame.Encode()); err != nil {
		log.Debugw("failed to send protocol-violation reset", "id", id, "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.FramesSent.WithLabelValues(FrameReset.String()).Inc()
	}
}

// readerLoop is the single goroutine that owns Recv on the secure session
// and is the only writer to any stream's inbox or the accept queue.
func (m *Muxer) readerLoop() {
	defer close(m.stopped)
	for {
		raw, err := m.sess.Recv()
		if err != nil {
			log.Debugw("mux reader loop exiting on session error", "error", err)
			m.teardown(err)
			return
		}
		frame, _, err := Decode(raw)
		if err != nil {
			log.Errorw("malformed mux frame, terminating mux", "error", err)
			m.teardown(err)
			return
		}
		m.dispatch(frame)
	}
}

func (m *Muxer) dispatch(f Frame) {
	if m.metrics != nil {
		m.metrics.FramesReceived.WithLabelValues(f.Type.String()).Inc()
	}
	switch f.Type {
	case FrameOpen:
		m.handleOpen(f)
	case FrameData:
		m.handleData(f)
	case FrameClose:
		m.handleRemoteTeardown(f.StreamID, false)
	case FrameReset:
		m.handleRemoteTeardown(f.StreamID, true)
	}
}

func (m *Muxer) handleOpen(f Frame) {
	m.mu.Lock()
	if _, live := m.streams[f.StreamID]; live {
		m.mu.Unlock()
		log.Warnw("protocol violation: OPEN for an id already live", "id", f.StreamID)
		m.sendResetFrame(f.StreamID)
		return
	}
	if !utf8.Valid(f.Payload) {
		m.mu.Unlock()
		log.Warnw("protocol violation: OPEN payload isn't valid UTF-8", "id", f.StreamID)
		m.sendResetFrame(f.StreamID)
		return
	}

	st := &Stream{
		id:       f.StreamID,
		protocol: string(f.Payload),
		local:    false,
		mux:      m,
		inbox:    make(chan []byte, defaultInboxCapacity),
		closed:   make(chan struct{}),
	}
	m.streams[f.StreamID] = &entry{stream: st, state: StateOpen}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.StreamsAccepted.Inc()
	}
	log.Debugw("accepted stream", "id", st.id, "protocol", st.protocol)

	select {
	case m.accept <- st:
	case <-m.stopped:
	}
}

func (m *Muxer) handleData(f Frame) {
	m.mu.Lock()
	e, ok := m.streams[f.StreamID]
	m.mu.Unlock()
	if !ok || e.state != StateOpen {
		log.Debugw("DATA for unknown or closed stream, dropping", "id", f.StreamID)
		return
	}
	// e was fetched outside the lock that protects m.streams, so a local
	// Close/Reset on the application goroutine can race this delivery: the
	// entry above can already be gone from m.streams by the time we get
	// here. That's fine — e.stream.closed lets us notice and drop the
	// payload instead of delivering it to an abandoned stream.
	select {
	case e.stream.inbox <- f.Payload:
	case <-e.stream.closed:
		log.Debugw("dropping DATA racing a local close", "id", f.StreamID)
	case <-m.stopped:
	}
}

func (m *Muxer) handleRemoteTeardown(id uint32, reset bool) {
	m.mu.Lock()
	e, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
	}
	m.mu.Unlock()
	if !ok {
		log.Debugw("teardown frame for unknown stream, ignoring", "id", id, "reset", reset)
		return
	}
	e.stream.terminate(reset)
}

// teardown runs once, when the reader loop exits: every live stream is
// terminated and the accept queue is closed so blocked owners observe
// termination instead of hanging forever.
func (m *Muxer) teardown(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.readErr = err
	live := m.streams
	m.streams = make(map[uint32]*entry)
	m.mu.Unlock()

	for _, e := range live {
		e.stream.terminate(false)
	}
	close(m.accept)
}
