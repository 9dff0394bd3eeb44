// Package metrics wires Prometheus counters into the stack: small,
// label-by-kind counters a caller registers once and passes down, never a
// package-global registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Muxer holds the counters the mplex muxer updates. A nil *Muxer is valid
// everywhere it's consulted — metrics are optional instrumentation, never
// load-bearing for correctness.
type Muxer struct {
	FramesSent      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	StreamsOpened   prometheus.Counter
	StreamsAccepted prometheus.Counter
}

// NewMuxer creates and registers the muxer counters against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests), or
// prometheus.DefaultRegisterer to expose them process-wide.
func NewMuxer(reg prometheus.Registerer) *Muxer {
	m := &Muxer{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noisemux",
			Subsystem: "mplex",
			Name:      "frames_sent_total",
			Help:      "Mux frames sent, by frame type.",
		}, []string{"type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noisemux",
			Subsystem: "mplex",
			Name:      "frames_received_total",
			Help:      "Mux frames received, by frame type.",
		}, []string{"type"}),
		StreamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noisemux",
			Subsystem: "mplex",
			Name:      "streams_opened_total",
			Help:      "Streams opened locally via OpenStream.",
		}),
		StreamsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noisemux",
			Subsystem: "mplex",
			Name:      "streams_accepted_total",
			Help:      "Streams surfaced to AcceptStream from inbound OPEN frames.",
		}),
	}
	reg.MustRegister(m.FramesSent, m.FramesReceived, m.StreamsOpened, m.StreamsAccepted)
	return m
}

// Handshake holds the counters the Noise handshake updates.
type Handshake struct {
	Completed prometheus.Counter
	Failed    prometheus.Counter
}

// NewHandshake creates and registers the handshake counters against reg.
func NewHandshake(reg prometheus.Registerer) *Handshake {
	h := &Handshake{
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noisemux",
			Subsystem: "noise",
			Name:      "handshakes_completed_total",
			Help:      "Noise XX handshakes that completed successfully.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noisemux",
			Subsystem: "noise",
			Name:      "handshakes_failed_total",
			Help:      "Noise XX handshakes that failed.",
		}),
	}
	reg.MustRegister(h.Completed, h.Failed)
	return h
}
