package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/netlab-dev/dataplane/internal/ctcp"
	dpmetrics "github.com/netlab-dev/dataplane/internal/metrics"
)

// ctcpCmd runs one transport endpoint: stdin flows to the peer, peer
// data flows to stdout.
func ctcpCmd() *cobra.Command {
	var listenAddr, peerAddr string

	cmd := &cobra.Command{
		Use:   "ctcp",
		Short: "Run the reliable transport endpoint",
		Long: "Bridges stdin/stdout over an unreliable datagram channel with\n" +
			"sequencing, retransmission, flow control, and BBR congestion\n" +
			"control. One endpoint per process; the peer runs the same command\n" +
			"with the addresses swapped.",
		RunE: func(*cobra.Command, []string) error {
			return runCtcp(listenAddr, peerAddr)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9001", "local UDP address")
	cmd.Flags().StringVar(&peerAddr, "peer", "127.0.0.1:9002", "peer UDP address")

	return cmd
}

// runCtcp wires one connection between stdin/stdout and a UDP peer and
// drives the event loop until the connection closes or a signal stops
// the process.
func runCtcp(listenAddr, peerAddr string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	clock := clockwork.NewRealClock()

	local, err := netip.ParseAddrPort(listenAddr)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	peer, err := netip.ParseAddrPort(peerAddr)
	if err != nil {
		return fmt.Errorf("parse peer address: %w", err)
	}

	udp, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return fmt.Errorf("listen %s: %w", local, err)
	}
	defer udp.Close()

	reg := prometheus.NewRegistry()
	collector := dpmetrics.NewTransportCollector(reg)

	connCfg := ctcp.Config{
		RecvWindow:        cfg.Transport.RecvWindow,
		SendWindow:        cfg.Transport.SendWindow,
		TimerInterval:     cfg.Transport.TimerInterval,
		RetransmitTimeout: cfg.Transport.RetransmitTimeout,
	}

	opts := []ctcp.ConnOption{ctcp.WithConnMetrics(collector)}
	if cfg.Transport.BDPFile != "" {
		bdpLog, err := ctcp.OpenBDPLog(cfg.Transport.BDPFile, clock)
		if err != nil {
			return err
		}
		defer bdpLog.Close()
		opts = append(opts, ctcp.WithBDPLog(bdpLog))
	}

	app := newStdioApp(os.Stdin, os.Stdout)
	registry := ctcp.NewRegistry(clock, logger)

	conn, err := registry.Open(connCfg, app, &udpChannel{conn: udp, peer: peer}, opts...)
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}

	logger.Info("ctcp endpoint started",
		slog.String("listen", local.String()),
		slog.String("peer", peer.String()),
		slog.Uint64("conn_id", conn.ID()),
	)

	ctx, stop := signalContext()
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, cfg.Metrics, reg, logger)

	g.Go(func() error {
		runEventLoop(gctx, conn, registry, connCfg, app, udp, clock, logger)
		stop() // connection finished: wind the servers down
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("ctcp exited: %w", err)
	}

	logger.Info("ctcp endpoint stopped")
	return nil
}

// runEventLoop is the single-threaded event machine: datagram arrival,
// application readability, and the periodic tick all run to completion
// here, one at a time.
func runEventLoop(
	ctx context.Context,
	conn *ctcp.Conn,
	registry *ctcp.Registry,
	cfg ctcp.Config,
	app *stdioApp,
	udp *net.UDPConn,
	clock clockwork.Clock,
	logger *slog.Logger,
) {
	netCh := make(chan []byte, 64)

	// Socket reader: feeds exact datagrams to the loop.
	go func() {
		defer close(netCh)
		buf := make([]byte, ctcp.MaxSegmentSize)
		for {
			n, _, err := udp.ReadFromUDP(buf)
			if err != nil {
				return
			}
			owned := make([]byte, n)
			copy(owned, buf[:n])
			select {
			case netCh <- owned:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := clock.NewTicker(cfg.TimerInterval)
	defer ticker.Stop()

	// Prime the send path in case stdin already has data buffered.
	conn.HandleRead()

	for !conn.Destroyed() {
		select {
		case <-ctx.Done():
			return

		case seg, ok := <-netCh:
			if !ok {
				return
			}
			conn.HandleSegment(seg)
			conn.HandleOutput()

		case <-app.readable:
			conn.HandleRead()

		case <-ticker.Chan():
			registry.TickAll()
			conn.HandleRead()
			conn.HandleOutput()
		}
	}

	logger.Info("connection closed")
}

// -------------------------------------------------------------------------
// Stdio Application Endpoint
// -------------------------------------------------------------------------

// stdioApp adapts stdin/stdout to the ctcp.AppIO seam. A reader
// goroutine buffers stdin so the event loop's Read never blocks.
type stdioApp struct {
	mu  sync.Mutex
	buf []byte
	eof bool

	// readable pulses when buffered input arrives.
	readable chan struct{}

	out io.Writer
}

// stdioOutSpace is the advertised output capacity. Stdout writes are
// effectively unbounded, so delivery is never deferred.
const stdioOutSpace = 1 << 20

func newStdioApp(in io.Reader, out io.Writer) *stdioApp {
	a := &stdioApp{
		readable: make(chan struct{}, 1),
		out:      out,
	}

	go func() {
		buf := make([]byte, ctcp.MaxSegDataSize)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				a.mu.Lock()
				a.buf = append(a.buf, buf[:n]...)
				a.mu.Unlock()
				a.pulse()
			}
			if err != nil {
				a.mu.Lock()
				a.eof = true
				a.mu.Unlock()
				a.pulse()
				return
			}
		}
	}()

	return a
}

// pulse signals readability without blocking.
func (a *stdioApp) pulse() {
	select {
	case a.readable <- struct{}{}:
	default:
	}
}

// Read drains buffered stdin bytes; (0, nil) when idle, io.EOF once
// stdin closed and the buffer emptied.
func (a *stdioApp) Read(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buf) == 0 {
		if a.eof {
			return 0, io.EOF
		}
		return 0, nil
	}

	n := copy(p, a.buf)
	a.buf = a.buf[n:]
	return n, nil
}

// Write delivers received bytes to stdout; a zero-length write is the
// peer's end-of-stream signal.
func (a *stdioApp) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return a.out.Write(p)
}

// Space reports the output capacity.
func (a *stdioApp) Space() int { return stdioOutSpace }

// -------------------------------------------------------------------------
// UDP Datagram Channel
// -------------------------------------------------------------------------

// udpChannel sends segments to a fixed UDP peer. It satisfies
// ctcp.SegmentSender.
type udpChannel struct {
	conn *net.UDPConn
	peer netip.AddrPort
}

func (u *udpChannel) SendSegment(_ context.Context, seg []byte) error {
	if _, err := u.conn.WriteToUDP(seg, net.UDPAddrFromAddrPort(u.peer)); err != nil {
		return fmt.Errorf("send segment to %s: %w", u.peer, err)
	}
	return nil
}
