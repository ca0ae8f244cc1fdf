package router

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/netlab-dev/dataplane/internal/link"
	"github.com/netlab-dev/dataplane/internal/wire"
)

// -------------------------------------------------------------------------
// Router
// -------------------------------------------------------------------------

// Minimum inbound frame sizes per declared ethertype.
const (
	minARPFrame  = wire.EthernetHeaderSize + wire.ARPSize
	minIPv4Frame = wire.EthernetHeaderSize + wire.IPv4HeaderSize
	minICMPFrame = minIPv4Frame + wire.ICMPHeaderSize
)

// defaultInitTTL is the TTL stamped on locally generated IPv4 packets.
const defaultInitTTL = 64

// icmpErrorEmbedLen is how much of the offending packet an ICMP error
// carries: the original IPv4 header plus the first 8 payload bytes.
const icmpErrorEmbedLen = wire.IPv4HeaderSize + 8

// Router forwards Ethernet frames between interfaces, resolves next hops
// via the ARP cache, and answers with ICMP control messages.
//
// All mutable forwarding state lives in the ARP cache; the interface and
// routing tables are immutable startup inputs. HandleFrame runs on the
// link receive path; RunMaintenance drives the 1 Hz ARP sweep from its
// own goroutine. The two meet only inside the mutex-guarded cache.
type Router struct {
	ifaces  *InterfaceTable
	routes  *RoutingTable
	cache   *ARPCache
	sender  link.Sender
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics MetricsReporter
	initTTL uint8
}

// Option configures optional Router parameters.
type Option func(*Router)

// WithMetrics attaches a MetricsReporter. If mr is nil, the no-op
// reporter stays in place.
func WithMetrics(mr MetricsReporter) Option {
	return func(r *Router) {
		if mr != nil {
			r.metrics = mr
		}
	}
}

// WithInitTTL overrides the TTL for locally generated packets.
func WithInitTTL(ttl uint8) Option {
	return func(r *Router) {
		r.initTTL = ttl
	}
}

// New creates a Router over the given immutable tables and link sender.
func New(
	ifaces *InterfaceTable,
	routes *RoutingTable,
	sender link.Sender,
	clock clockwork.Clock,
	logger *slog.Logger,
	opts ...Option,
) *Router {
	r := &Router{
		ifaces:  ifaces,
		routes:  routes,
		sender:  sender,
		clock:   clock,
		logger:  logger.With(slog.String("component", "router")),
		metrics: noopMetrics{},
		initTTL: defaultInitTTL,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.cache = NewARPCache(clock, logger, r.metrics)

	return r
}

// Cache exposes the ARP cache for inspection.
func (r *Router) Cache() *ARPCache { return r.cache }

// -------------------------------------------------------------------------
// Packet Dispatcher
// -------------------------------------------------------------------------

// HandleFrame is the inbound entry point; it satisfies link.Handler.
// The frame buffer is borrowed: anything queued beyond this call is
// copied by the ARP cache.
//
// Frames shorter than the minimum for their declared ethertype are
// dropped, as is any ethertype other than ARP and IPv4.
func (r *Router) HandleFrame(frame []byte, ifName string) {
	r.metrics.IncFramesReceived(ifName)

	ingress, ok := r.ifaces.Get(ifName)
	if !ok {
		r.metrics.IncFramesDropped(DropMalformed)
		return
	}

	switch wire.EtherTypeOf(frame) {
	case wire.EtherTypeARP:
		if len(frame) < minARPFrame {
			r.metrics.IncFramesDropped(DropShortFrame)
			return
		}
		r.handleARP(frame, ingress)

	case wire.EtherTypeIPv4:
		if len(frame) < minIPv4Frame {
			r.metrics.IncFramesDropped(DropShortFrame)
			return
		}
		r.handleIPv4(frame, ingress)

	default:
		r.metrics.IncFramesDropped(DropUnknownEthertype)
	}
}

// -------------------------------------------------------------------------
// ARP Handler
// -------------------------------------------------------------------------

// handleARP processes an inbound ARP packet on ingress.
//
// Replies feed the cache and flush any frames parked on the resolved
// address. Requests for the ingress interface's own address are answered
// in place. Everything else is dropped silently.
func (r *Router) handleARP(frame []byte, ingress Interface) {
	var eth wire.EthernetHeader
	var arp wire.ARPPacket
	if err := wire.UnmarshalEthernet(frame, &eth); err != nil {
		r.metrics.IncFramesDropped(DropMalformed)
		return
	}
	if err := wire.UnmarshalARP(frame[wire.EthernetHeaderSize:], &arp); err != nil {
		r.metrics.IncFramesDropped(DropMalformed)
		return
	}

	switch {
	case arp.Op == wire.ARPOpReply:
		r.handleARPReply(&arp, ingress)

	case arp.Op == wire.ARPOpRequest && arp.TargetIP == ingress.Addr:
		r.sendARPReply(&eth, &arp, ingress)

	default:
		r.metrics.IncFramesDropped(DropARPIgnored)
	}
}

// handleARPReply learns the sender mapping and releases pending frames.
// Each parked frame gets the ingress MAC as source, the learned MAC as
// destination, and leaves on the ingress interface, in FIFO order.
// Duplicate replies find no request and only refresh the cache entry.
func (r *Router) handleARPReply(arp *wire.ARPPacket, ingress Interface) {
	pending := r.cache.Insert(arp.SenderIP, arp.SenderMAC)

	for _, pf := range pending {
		if err := wire.SetEthernetAddrs(pf.Frame, ingress.MAC, arp.SenderMAC); err != nil {
			r.metrics.IncFramesDropped(DropMalformed)
			continue
		}
		r.send(pf.Frame, ingress.Name)
		r.metrics.IncForwarded()
	}

	if len(pending) > 0 {
		r.logger.Debug("arp resolved, pending frames flushed",
			slog.String("addr", arp.SenderIP.String()),
			slog.Int("frames", len(pending)),
		)
	}
}

// sendARPReply answers a who-has for the ingress interface's address.
// The reply swaps the sender/target fields and fills the sender side
// with the ingress interface's own addresses.
func (r *Router) sendARPReply(eth *wire.EthernetHeader, req *wire.ARPPacket, ingress Interface) {
	out := make([]byte, minARPFrame)

	replyEth := wire.EthernetHeader{
		Dst:  eth.Src,
		Src:  ingress.MAC,
		Type: wire.EtherTypeARP,
	}
	reply := wire.ARPPacket{
		Op:        wire.ARPOpReply,
		SenderMAC: ingress.MAC,
		SenderIP:  ingress.Addr,
		TargetMAC: eth.Src,
		TargetIP:  req.SenderIP,
	}

	if err := wire.MarshalEthernet(&replyEth, out); err != nil {
		return
	}
	if err := wire.MarshalARP(&reply, out[wire.EthernetHeaderSize:]); err != nil {
		return
	}

	r.send(out, ingress.Name)
}

// -------------------------------------------------------------------------
// IPv4 Forwarder
// -------------------------------------------------------------------------

// handleIPv4 runs the forwarding pipeline: checksum validation, local
// delivery, longest-prefix match, TTL decrement, next-hop resolution.
func (r *Router) handleIPv4(frame []byte, ingress Interface) {
	ipBuf := frame[wire.EthernetHeaderSize:]

	if !wire.VerifyIPv4Checksum(ipBuf) {
		r.metrics.IncFramesDropped(DropBadChecksum)
		return
	}

	var ip wire.IPv4Header
	if err := wire.UnmarshalIPv4(ipBuf, &ip); err != nil {
		r.metrics.IncFramesDropped(DropMalformed)
		return
	}

	// Local delivery: the destination is one of this router's addresses.
	if local, ok := r.ifaces.GetByAddr(ip.Dst); ok {
		r.deliverLocal(frame, &ip, ingress, local)
		return
	}

	route, ok := r.routes.Lookup(ip.Dst)
	if !ok {
		r.sendICMPError(frame, ingress, ingress.Addr,
			wire.ICMPTypeDestUnreachable, wire.ICMPCodeNetUnreachable)
		return
	}

	if ip.TTL <= 1 {
		// Decrement would reach zero: answer Time Exceeded, no forward.
		r.sendICMPError(frame, ingress, ingress.Addr,
			wire.ICMPTypeTimeExceeded, wire.ICMPCodeTTLExceeded)
		return
	}

	if _, err := wire.DecrementTTL(ipBuf); err != nil {
		r.metrics.IncFramesDropped(DropMalformed)
		return
	}

	egress, ok := r.ifaces.Get(route.Egress)
	if !ok {
		r.metrics.IncFramesDropped(DropMalformed)
		return
	}

	nextHop := route.Gateway

	if mac, ok := r.cache.Lookup(nextHop); ok {
		if err := wire.SetEthernetAddrs(frame, egress.MAC, mac); err != nil {
			r.metrics.IncFramesDropped(DropMalformed)
			return
		}
		r.send(frame, egress.Name)
		r.metrics.IncForwarded()
		return
	}

	// Unresolved next hop: park the frame (TTL already rewritten) and
	// fire the first probe if this created the request.
	if order := r.cache.Enqueue(frame, nextHop, egress.Name, ingress.Name); order != nil {
		r.sendARPProbe(*order)
	}
}

// -------------------------------------------------------------------------
// Local Delivery / ICMP Responder
// -------------------------------------------------------------------------

// deliverLocal handles packets addressed to one of the router's own
// interfaces. ICMP echo requests get echo replies; any other transport
// protocol draws Port Unreachable sourced from the matched interface.
func (r *Router) deliverLocal(frame []byte, ip *wire.IPv4Header, ingress, local Interface) {
	if ip.Proto != wire.IPProtoICMP {
		r.sendICMPError(frame, ingress, local.Addr,
			wire.ICMPTypeDestUnreachable, wire.ICMPCodePortUnreachable)
		return
	}

	if len(frame) < minICMPFrame {
		r.metrics.IncFramesDropped(DropShortFrame)
		return
	}

	icmpBuf := frame[wire.EthernetHeaderSize+wire.IPv4HeaderSize:]
	if !wire.VerifyICMPChecksum(icmpBuf) {
		r.metrics.IncFramesDropped(DropBadChecksum)
		return
	}

	var icmp wire.ICMPHeader
	if err := wire.UnmarshalICMP(icmpBuf, &icmp); err != nil {
		r.metrics.IncFramesDropped(DropMalformed)
		return
	}

	if icmp.Type != wire.ICMPTypeEchoRequest {
		return
	}

	r.sendEchoReply(frame, ip, ingress, local)
}

// sendEchoReply answers an echo request: addresses swapped, TTL reset,
// ICMP payload carried verbatim, both checksums recomputed.
func (r *Router) sendEchoReply(frame []byte, ip *wire.IPv4Header, ingress, local Interface) {
	out := make([]byte, len(frame))
	copy(out, frame)

	var eth wire.EthernetHeader
	if err := wire.UnmarshalEthernet(frame, &eth); err != nil {
		return
	}

	replyEth := wire.EthernetHeader{
		Dst:  eth.Src,
		Src:  ingress.MAC,
		Type: wire.EtherTypeIPv4,
	}
	if err := wire.MarshalEthernet(&replyEth, out); err != nil {
		return
	}

	replyIP := wire.IPv4Header{
		TOS:       ip.TOS,
		TotalLen:  uint16(len(frame) - wire.EthernetHeaderSize), //nolint:gosec // G115: frame <= MaxFrameSize
		ID:        ip.ID,
		FlagsFrag: ip.FlagsFrag,
		TTL:       r.initTTL,
		Proto:     wire.IPProtoICMP,
		Src:       local.Addr,
		Dst:       ip.Src,
	}
	if err := wire.MarshalIPv4(&replyIP, out[wire.EthernetHeaderSize:]); err != nil {
		return
	}

	icmpBuf := out[wire.EthernetHeaderSize+wire.IPv4HeaderSize:]
	var icmp wire.ICMPHeader
	if err := wire.UnmarshalICMP(icmpBuf, &icmp); err != nil {
		return
	}
	reply := wire.ICMPHeader{
		Type: wire.ICMPTypeEchoReply,
		Code: 0,
		Rest: icmp.Rest,
	}
	if err := wire.MarshalICMP(&reply, icmpBuf, len(icmpBuf)); err != nil {
		return
	}

	r.send(out, ingress.Name)
	r.metrics.IncICMPSent(wire.ICMPTypeEchoReply.String())
}

// sendICMPError builds and emits an ICMP error message toward the
// source of origFrame. The message embeds the offending IPv4 header and
// its first 8 payload bytes. srcIP selects the source address per the
// error class: Port Unreachable uses the matched interface, the rest
// use the arrival interface.
func (r *Router) sendICMPError(origFrame []byte, ingress Interface, srcIP netip.Addr, icmpType wire.ICMPType, code uint8) {
	var origEth wire.EthernetHeader
	var origIP wire.IPv4Header
	if err := wire.UnmarshalEthernet(origFrame, &origEth); err != nil {
		return
	}
	if err := wire.UnmarshalIPv4(origFrame[wire.EthernetHeaderSize:], &origIP); err != nil {
		return
	}

	embed := origFrame[wire.EthernetHeaderSize:]
	if len(embed) > icmpErrorEmbedLen {
		embed = embed[:icmpErrorEmbedLen]
	}

	msgLen := wire.ICMPHeaderSize + len(embed)
	out := make([]byte, wire.EthernetHeaderSize+wire.IPv4HeaderSize+msgLen)

	eth := wire.EthernetHeader{
		Dst:  origEth.Src,
		Src:  ingress.MAC,
		Type: wire.EtherTypeIPv4,
	}
	if err := wire.MarshalEthernet(&eth, out); err != nil {
		return
	}

	ip := wire.IPv4Header{
		TotalLen: uint16(wire.IPv4HeaderSize + msgLen), //nolint:gosec // G115: bounded by icmpErrorEmbedLen
		TTL:      r.initTTL,
		Proto:    wire.IPProtoICMP,
		Src:      srcIP,
		Dst:      origIP.Src,
	}
	if err := wire.MarshalIPv4(&ip, out[wire.EthernetHeaderSize:]); err != nil {
		return
	}

	icmpBuf := out[wire.EthernetHeaderSize+wire.IPv4HeaderSize:]
	copy(icmpBuf[wire.ICMPHeaderSize:], embed)
	hdr := wire.ICMPHeader{Type: icmpType, Code: code}
	if err := wire.MarshalICMP(&hdr, icmpBuf, msgLen); err != nil {
		return
	}

	r.send(out, ingress.Name)
	r.metrics.IncICMPSent(icmpType.String())
}

// -------------------------------------------------------------------------
// ARP Maintenance — 1 Hz sweep
// -------------------------------------------------------------------------

// RunMaintenance drives the periodic ARP work until ctx is cancelled:
// request retransmission, failure fan-out, and stale-entry eviction.
// Apart from the cache's own expiry goroutine, which it starts, this is
// the router's only auxiliary goroutine; it touches shared state
// exclusively through the mutex-guarded cache.
func (r *Router) RunMaintenance(ctx context.Context) {
	go r.cache.Run(ctx)

	ticker := r.clock.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.SweepOnce()
		}
	}
}

// SweepOnce performs one maintenance step: re-probe quiet requests and
// answer the sources of frames whose resolution finally failed.
// RunMaintenance calls this at 1 Hz; tests drive it directly.
func (r *Router) SweepOnce() {
	probes, failed := r.cache.Sweep()

	for _, order := range probes {
		r.sendARPProbe(order)
	}

	for _, fr := range failed {
		for _, pf := range fr.Frames {
			ingress, ok := r.ifaces.Get(pf.Ingress)
			if !ok {
				continue
			}
			r.sendICMPError(pf.Frame, ingress, ingress.Addr,
				wire.ICMPTypeDestUnreachable, wire.ICMPCodeHostUnreachable)
		}
	}
}

// sendARPProbe broadcasts one ARP request for the order's target on its
// egress interface.
func (r *Router) sendARPProbe(order ProbeOrder) {
	egress, ok := r.ifaces.Get(order.Egress)
	if !ok {
		return
	}

	out := make([]byte, minARPFrame)

	eth := wire.EthernetHeader{
		Dst:  wire.BroadcastMAC,
		Src:  egress.MAC,
		Type: wire.EtherTypeARP,
	}
	req := wire.ARPPacket{
		Op:        wire.ARPOpRequest,
		SenderMAC: egress.MAC,
		SenderIP:  egress.Addr,
		TargetMAC: wire.MAC{},
		TargetIP:  order.Target,
	}

	if err := wire.MarshalEthernet(&eth, out); err != nil {
		return
	}
	if err := wire.MarshalARP(&req, out[wire.EthernetHeaderSize:]); err != nil {
		return
	}

	r.send(out, egress.Name)
	r.metrics.IncARPProbes()
}

// send hands a frame to the link layer; failures are logged, never
// propagated. Handlers never fail upward.
func (r *Router) send(frame []byte, ifName string) {
	if err := r.sender.Send(context.Background(), frame, ifName); err != nil {
		r.logger.Warn("link send failed",
			slog.String("interface", ifName),
			slog.String("error", err.Error()),
		)
	}
}
