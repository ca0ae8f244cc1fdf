package link

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/netlab-dev/dataplane/internal/wire"
)

// -------------------------------------------------------------------------
// UDPBridge — emulated wires over UDP sockets
// -------------------------------------------------------------------------

// Port describes one emulated interface: a local UDP bind address and the
// peer address at the far end of the wire.
type Port struct {
	// Name is the interface name the cores see (e.g., "eth0").
	Name string

	// Local is the UDP address this end binds.
	Local netip.AddrPort

	// Peer is the UDP address of the far end of the wire.
	Peer netip.AddrPort
}

// UDPBridge carries exact frame/datagram bytes between named interfaces
// and UDP sockets, one socket per interface. Inbound bytes are delivered
// to a Handler from one goroutine per socket; outbound sends go to the
// configured peer of the named interface.
type UDPBridge struct {
	conns  map[string]*net.UDPConn
	peers  map[string]*net.UDPAddr
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewUDPBridge binds a socket for every port. Sockets are opened with
// SO_REUSEADDR so a restarted daemon can rebind immediately.
func NewUDPBridge(ports []Port, logger *slog.Logger) (*UDPBridge, error) {
	b := &UDPBridge{
		conns:  make(map[string]*net.UDPConn, len(ports)),
		peers:  make(map[string]*net.UDPAddr, len(ports)),
		logger: logger.With(slog.String("component", "link.bridge")),
	}

	for _, p := range ports {
		conn, err := bindPortSocket(p.Local)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("bridge port %s: %w", p.Name, err)
		}
		b.conns[p.Name] = conn
		b.peers[p.Name] = net.UDPAddrFromAddrPort(p.Peer)
	}

	return b, nil
}

// bindPortSocket opens one UDP socket with SO_REUSEADDR set.
func bindPortSocket(local netip.AddrPort) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				//nolint:gosec // G115: kernel FDs are small positive integers
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return fmt.Errorf("raw conn control: %w", err)
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", local.String())
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", local, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen UDP %s: unexpected conn type %T", local, pc)
	}

	return conn, nil
}

// Send transmits buf to the peer of the named interface.
// Satisfies the Sender interface.
func (b *UDPBridge) Send(_ context.Context, buf []byte, ifName string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("send on %s: %w", ifName, ErrBridgeClosed)
	}
	conn, ok := b.conns[ifName]
	peer := b.peers[ifName]
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("send on %s: %w", ifName, ErrUnknownInterface)
	}

	if _, err := conn.WriteToUDP(buf, peer); err != nil {
		return fmt.Errorf("send %d bytes on %s: %w", len(buf), ifName, err)
	}

	return nil
}

// Run reads from all port sockets concurrently and delivers each inbound
// buffer to h until ctx is cancelled. Buffers come from wire.FramePool
// and are returned after the handler runs; handlers copy to retain.
func (b *UDPBridge) Run(ctx context.Context, h Handler) {
	done := make(chan struct{}, len(b.conns))

	for name, conn := range b.conns {
		go func(ifName string, c *net.UDPConn) {
			b.recvLoop(ctx, ifName, c, h)
			done <- struct{}{}
		}(name, conn)
	}

	<-ctx.Done()
	// Unblock the readers; errors after close are expected.
	_ = b.Close()

	for range len(b.conns) {
		<-done
	}
}

// recvLoop reads datagrams from one socket until it is closed.
func (b *UDPBridge) recvLoop(ctx context.Context, ifName string, conn *net.UDPConn, h Handler) {
	for {
		bufp := wire.FramePool.Get().(*[]byte)
		n, _, err := conn.ReadFromUDP(*bufp)
		if err != nil {
			wire.FramePool.Put(bufp)
			if ctx.Err() != nil {
				return
			}
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			b.logger.Warn("recv error",
				slog.String("interface", ifName),
				slog.String("error", err.Error()),
			)
			continue
		}

		h.HandleFrame((*bufp)[:n], ifName)
		wire.FramePool.Put(bufp)
	}
}

// Close closes every port socket. Safe to call more than once.
func (b *UDPBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for name, conn := range b.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close port %s: %w", name, err)
		}
	}

	return firstErr
}
