// Command noisemux is the CLI entry point: a server mode that accepts
// connections and echoes pings, and a client mode with an interactive
// stdin command loop, both running the full negotiate -> noise -> mplex
// connection bring-up pipeline with structured logging throughout.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/TheNoobiCat/go-noisemux/core/noisemux"
	"github.com/TheNoobiCat/go-noisemux/p2p/metrics"
	"github.com/TheNoobiCat/go-noisemux/p2p/muxer/mplex"
	"github.com/TheNoobiCat/go-noisemux/p2p/negotiate"
	"github.com/TheNoobiCat/go-noisemux/p2p/protocol/ping"
	"github.com/TheNoobiCat/go-noisemux/p2p/secure/noise"
	"github.com/TheNoobiCat/go-noisemux/p2p/transport/tcp"
)

var log = logging.Logger("cmd/noisemux")

// catalogue is the supported-protocol catalogue both roles advertise,
// one entry per negotiation category.
var catalogue = noisemux.Catalogue{
	"security":     {"/noise/xx"},
	"multiplexing": {"/mplex"},
	"protocol":     {ping.ID},
}

var metricsRegistry = prometheus.NewRegistry()

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: %s [server|client] <addr> [-debug]\n", os.Args[0])
		os.Exit(1)
	}

	fs := flag.NewFlagSet("noisemux", flag.ExitOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	_ = fs.Parse(os.Args[3:])

	configureLogging(*debug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsAddr != "" {
		startMetricsServer(*metricsAddr)
	}
	muxerMetrics := metrics.NewMuxer(metricsRegistry)
	handshakeMetrics := metrics.NewHandshake(metricsRegistry)

	mode := strings.ToLower(os.Args[1])
	addr := os.Args[2]

	var err error
	switch mode {
	case "server":
		err = runServer(ctx, addr, muxerMetrics, handshakeMetrics)
	case "client":
		err = runClient(ctx, addr, muxerMetrics, handshakeMetrics)
	default:
		fmt.Fprintf(os.Stderr, "invalid mode %q, expected server|client\n", mode)
		os.Exit(1)
	}
	if err != nil {
		log.Errorw("exiting with error", "error", err)
		os.Exit(1)
	}
}

// configureLogging wires go-log's primary core to a zap logger so CLI
// output is structured end to end, not just the per-package loggers.
func configureLogging(debug bool) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stderr), level)
	logging.SetPrimaryCore(core)
	if debug {
		logging.SetAllLoggers(logging.LevelDebug)
	}
}

func runServer(ctx context.Context, addr string, mm *metrics.Muxer, hm *metrics.Handshake) error {
	ln, err := tcp.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	log.Infow("listening", "addr", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	for {
		conn, err := ln.Accept(gctx)
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			return fmt.Errorf("accept: %w", err)
		}
		g.Go(func() error {
			if err := serveConn(gctx, conn, mm, hm); err != nil {
				log.Debugw("connection ended", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func runClient(ctx context.Context, addr string, mm *metrics.Muxer, hm *metrics.Handshake) error {
	conn, err := tcp.NewTransport().Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	mux, err := bringUp(ctx, noisemux.Initiator, conn, mm, hm)
	if err != nil {
		return fmt.Errorf("bring-up: %w", err)
	}
	return interactiveLoop(ctx, mux)
}

// serveConn runs the responder side of bring-up and then answers PING on
// every stream the peer opens against /ping/1.0.0.
func serveConn(ctx context.Context, conn noisemux.ByteTransport, mm *metrics.Muxer, hm *metrics.Handshake) error {
	mux, err := bringUp(ctx, noisemux.Responder, conn, mm, hm)
	if err != nil {
		return err
	}
	for {
		st, err := mux.AcceptStream(ctx)
		if err != nil {
			return err
		}
		go func() {
			if st.Protocol() != ping.ID {
				log.Debugw("resetting stream for unsupported protocol", "protocol", st.Protocol())
				_ = st.Reset()
				return
			}
			if err := ping.Serve(st); err != nil {
				log.Debugw("ping stream ended", "error", err)
			}
		}()
	}
}

// bringUp runs the full connection bring-up: security negotiation, Noise
// XX handshake, mux negotiation, and starts the mux reader loop.
func bringUp(ctx context.Context, role noisemux.Role, conn noisemux.ByteTransport, mm *metrics.Muxer, hm *metrics.Handshake) (*mplex.Muxer, error) {
	rawNeg := negotiate.New(negotiate.NewRawLineTransport(conn))
	secProto, err := negotiateFor(role, rawNeg, "security")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("security negotiation: %w", err)
	}
	if secProto != "/noise/xx" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", noisemux.ErrNotImplemented, secProto)
	}

	sess, err := noise.EstablishSecureSession(ctx, role, conn, hm)
	if err != nil {
		return nil, fmt.Errorf("secure handshake: %w", err)
	}
	log.Infow("secure session established", "role", role, "fingerprint", sess.Fingerprint())

	secNeg := negotiate.New(sess)
	muxProto, err := negotiateFor(role, secNeg, "multiplexing")
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("mux negotiation: %w", err)
	}
	if muxProto != "/mplex" {
		sess.Close()
		return nil, fmt.Errorf("%w: %s", noisemux.ErrNotImplemented, muxProto)
	}

	mux := mplex.NewMuxer(sess, role, mm)
	mux.Start()
	return mux, nil
}

// startMetricsServer exposes the process's Prometheus registry over HTTP;
// it runs for the process lifetime, so a listen failure is logged rather
// than propagated.
func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorw("metrics server stopped", "error", err)
		}
	}()
	log.Infow("serving metrics", "addr", addr)
}

func negotiateFor(role noisemux.Role, n *negotiate.Negotiator, category string) (string, error) {
	if role.IsInitiator() {
		return n.Propose(catalogue[category])
	}
	return n.Respond(catalogue[category])
}

// interactiveLoop implements the CLI's stdin command surface:
// /open <proto>, /send <id> <msg>, /close <id>, /list, /quit.
func interactiveLoop(ctx context.Context, mux *mplex.Muxer) error {
	g, gctx := errgroup.WithContext(ctx)
	streams := make(map[uint32]*mplex.Stream)

	fmt.Println("connected. commands: /open <proto>, /send <id> <msg>, /close <id>, /list, /quit")
	scanner := bufio.NewScanner(os.Stdin)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			if !scanner.Scan() {
				return nil
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			fields := strings.SplitN(line, " ", 3)
			switch fields[0] {
			case "/open":
				if len(fields) < 2 {
					fmt.Println("usage: /open <proto>")
					continue
				}
				st, err := mux.OpenStream(fields[1])
				if err != nil {
					fmt.Println("open failed:", err)
					continue
				}
				streams[st.ID()] = st
				fmt.Println("opened stream", st.ID())
				go printReplies(st)
			case "/send":
				if len(fields) < 3 {
					fmt.Println("usage: /send <id> <msg>")
					continue
				}
				id, err := strconv.ParseUint(fields[1], 10, 32)
				if err != nil {
					fmt.Println("bad stream id:", err)
					continue
				}
				st, ok := streams[uint32(id)]
				if !ok {
					fmt.Println("no such stream:", id)
					continue
				}
				if err := st.SendData([]byte(fields[2])); err != nil {
					fmt.Println("send failed:", err)
				}
			case "/close":
				if len(fields) < 2 {
					fmt.Println("usage: /close <id>")
					continue
				}
				id, err := strconv.ParseUint(fields[1], 10, 32)
				if err != nil {
					fmt.Println("bad stream id:", err)
					continue
				}
				st, ok := streams[uint32(id)]
				if !ok {
					fmt.Println("no such stream:", id)
					continue
				}
				if err := st.Close(); err != nil {
					fmt.Println("close failed:", err)
				}
				delete(streams, uint32(id))
			case "/list":
				for id, st := range streams {
					fmt.Printf("%d: %s\n", id, st.Protocol())
				}
			case "/quit":
				return nil
			default:
				fmt.Println("unknown command:", fields[0])
			}
		}
	})

	return g.Wait()
}

func printReplies(st *mplex.Stream) {
	for {
		b, err := st.Recv()
		if err != nil {
			return
		}
		fmt.Printf("[stream %d] %s\n", st.ID(), string(b))
	}
}
