package dpmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/netlab-dev/dataplane/internal/ctcp"
	dpmetrics "github.com/netlab-dev/dataplane/internal/metrics"
	"github.com/netlab-dev/dataplane/internal/router"
)

// Compile-time checks: the collectors satisfy the core reporter seams.
var (
	_ router.MetricsReporter = (*dpmetrics.RouterCollector)(nil)
	_ ctcp.MetricsReporter   = (*dpmetrics.TransportCollector)(nil)
)

func TestRouterCollectorCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := dpmetrics.NewRouterCollector(reg)

	c.IncFramesReceived("eth0")
	c.IncFramesReceived("eth0")
	c.IncFramesDropped(router.DropBadChecksum)
	c.IncForwarded()
	c.IncICMPSent("TimeExceeded")
	c.IncARPProbes()
	c.IncARPResolved()
	c.IncARPFailed()
	c.IncARPEvicted()

	if got := testutil.ToFloat64(c.FramesReceived.WithLabelValues("eth0")); got != 2 {
		t.Errorf("frames_received{eth0} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.FramesDropped.WithLabelValues(router.DropBadChecksum)); got != 1 {
		t.Errorf("frames_dropped{bad_checksum} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Forwarded); got != 1 {
		t.Errorf("packets_forwarded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ICMPSent.WithLabelValues("TimeExceeded")); got != 1 {
		t.Errorf("icmp_sent{TimeExceeded} = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
}

func TestTransportCollectorCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := dpmetrics.NewTransportCollector(reg)

	c.ConnOpened()
	c.ConnOpened()
	c.ConnClosed()
	c.IncSegmentsSent()
	c.IncSegmentsReceived()
	c.IncSegmentsDropped("bad_checksum")
	c.IncRetransmissions()
	c.IncDuplicateData()

	if got := testutil.ToFloat64(c.ConnsActive); got != 1 {
		t.Errorf("connections_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.SegmentsSent); got != 1 {
		t.Errorf("segments_sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.SegmentsDropped.WithLabelValues("bad_checksum")); got != 1 {
		t.Errorf("segments_dropped{bad_checksum} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Retransmissions); got != 1 {
		t.Errorf("retransmissions = %v, want 1", got)
	}
}

func TestCollectorsShareOneRegistry(t *testing.T) {
	t.Parallel()

	// Both collectors on one registry must not collide.
	reg := prometheus.NewRegistry()
	dpmetrics.NewRouterCollector(reg)
	dpmetrics.NewTransportCollector(reg)

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}
