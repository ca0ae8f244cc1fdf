package router

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/netlab-dev/dataplane/internal/wire"
)

// -------------------------------------------------------------------------
// ARP Cache
// -------------------------------------------------------------------------

// ARP cache timing constants.
const (
	// arpEntryTTL is how long a resolved entry stays usable.
	arpEntryTTL = 15 * time.Second

	// arpProbeInterval is the spacing between request retransmissions.
	arpProbeInterval = 1 * time.Second

	// arpMaxProbes is the number of unanswered probes before a request
	// is declared failed.
	arpMaxProbes = 5
)

// PendingFrame is a fully-formed outbound frame parked on an unresolved
// next hop. Owned by its enclosing request; released on resolution or
// on request failure.
type PendingFrame struct {
	// Frame is the owned copy of the outbound frame. The IPv4 header is
	// already rewritten (TTL decremented, checksum recomputed); only the
	// Ethernet addresses await the resolved MAC.
	Frame []byte

	// Egress is the interface the frame will leave through.
	Egress string

	// Ingress is the interface the original packet arrived on. Failure
	// responses are sourced from and emitted on this interface.
	Ingress string
}

// ProbeOrder instructs the caller to broadcast one ARP request.
type ProbeOrder struct {
	// Target is the IPv4 address being resolved.
	Target netip.Addr

	// Egress is the interface to broadcast on.
	Egress string
}

// FailedRequest carries the pending frames of a request that exhausted
// its probes. The caller answers each frame's source with Host
// Unreachable.
type FailedRequest struct {
	// Target is the address that never resolved.
	Target netip.Addr

	// Frames are the parked frames in FIFO order.
	Frames []PendingFrame
}

// arpRequest tracks one in-progress resolution. At most one exists per
// target; all pending frames for that target attach to it.
type arpRequest struct {
	target    netip.Addr
	egress    string
	attempts  int
	lastProbe time.Time
	pending   []PendingFrame
}

// ARPCache is the expiring IPv4 -> MAC map plus the per-target request
// queue. It is the only object shared between the frame-handling path
// and the maintenance sweep, and is guarded by its own mutex.
type ARPCache struct {
	mu       sync.Mutex
	requests map[netip.Addr]*arpRequest

	entries *ttlcache.Cache[netip.Addr, wire.MAC]
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics MetricsReporter
}

// NewARPCache creates an empty cache. The entry map evicts on the 15 s
// staleness deadline; lookups never refresh an entry's age.
func NewARPCache(clock clockwork.Clock, logger *slog.Logger, metrics MetricsReporter) *ARPCache {
	if metrics == nil {
		metrics = noopMetrics{}
	}

	entries := ttlcache.New(
		ttlcache.WithTTL[netip.Addr, wire.MAC](arpEntryTTL),
		ttlcache.WithDisableTouchOnHit[netip.Addr, wire.MAC](),
	)

	c := &ARPCache{
		requests: make(map[netip.Addr]*arpRequest),
		entries:  entries,
		clock:    clock,
		logger:   logger.With(slog.String("component", "router.arpcache")),
		metrics:  metrics,
	}

	entries.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[netip.Addr, wire.MAC]) {
		if reason == ttlcache.EvictionReasonExpired {
			c.metrics.IncARPEvicted()
			c.logger.Debug("arp entry expired", slog.String("addr", item.Key().String()))
		}
	})

	return c
}

// Run drives the background eviction of stale entries until ctx is
// cancelled. The request sweep is driven separately by the router's
// maintenance loop.
func (c *ARPCache) Run(ctx context.Context) {
	go c.entries.Start()
	<-ctx.Done()
	c.entries.Stop()
}

// Lookup returns the resolved MAC for target, if present and fresh.
func (c *ARPCache) Lookup(target netip.Addr) (wire.MAC, bool) {
	item := c.entries.Get(target)
	if item == nil {
		return wire.MAC{}, false
	}
	return item.Value(), true
}

// Insert learns target -> mac and detaches any outstanding request for
// target, returning its pending frames in FIFO order. Duplicate replies
// are idempotent: the second insert finds no request and returns nil.
func (c *ARPCache) Insert(target netip.Addr, mac wire.MAC) []PendingFrame {
	c.entries.Set(target, mac, ttlcache.DefaultTTL)

	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[target]
	if !ok {
		return nil
	}
	delete(c.requests, target)

	c.metrics.IncARPResolved()

	return req.pending
}

// Enqueue parks frame on the request for target, creating the request if
// none exists. The frame is copied into owned storage. Returns a probe
// order when a request was just created and its first probe should go
// out now; nil otherwise.
func (c *ARPCache) Enqueue(frame []byte, target netip.Addr, egress, ingress string) *ProbeOrder {
	owned := make([]byte, len(frame))
	copy(owned, frame)

	pf := PendingFrame{Frame: owned, Egress: egress, Ingress: ingress}

	c.mu.Lock()
	defer c.mu.Unlock()

	if req, ok := c.requests[target]; ok {
		req.pending = append(req.pending, pf)
		return nil
	}

	c.requests[target] = &arpRequest{
		target:    target,
		egress:    egress,
		attempts:  1,
		lastProbe: c.clock.Now(),
		pending:   []PendingFrame{pf},
	}

	return &ProbeOrder{Target: target, Egress: egress}
}

// Sweep advances every outstanding request by one maintenance step:
// requests quiet for a probe interval either re-probe (attempts below
// the cap) or fail (cap reached, frames handed back for Host
// Unreachable fan-out). Called at 1 Hz by the maintenance loop.
func (c *ARPCache) Sweep() ([]ProbeOrder, []FailedRequest) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var probes []ProbeOrder
	var failed []FailedRequest

	for target, req := range c.requests {
		if now.Sub(req.lastProbe) < arpProbeInterval {
			continue
		}

		if req.attempts >= arpMaxProbes {
			delete(c.requests, target)
			failed = append(failed, FailedRequest{Target: target, Frames: req.pending})
			c.metrics.IncARPFailed()
			c.logger.Info("arp resolution failed",
				slog.String("target", target.String()),
				slog.Int("pending_frames", len(req.pending)),
			)
			continue
		}

		req.attempts++
		req.lastProbe = now
		probes = append(probes, ProbeOrder{Target: target, Egress: req.egress})
	}

	return probes, failed
}

// PendingRequests returns the number of outstanding resolutions.
func (c *ARPCache) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
