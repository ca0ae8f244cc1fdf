// Package dpmetrics exports Prometheus metrics for the router and the
// transport. The cores report through their own MetricsReporter seams;
// the collectors here implement those interfaces and register against
// an injected prometheus.Registerer.
package dpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "dataplane"

// Label names.
const (
	labelInterface = "interface"
	labelReason    = "reason"
	labelICMPType  = "icmp_type"
)

// -------------------------------------------------------------------------
// RouterCollector
// -------------------------------------------------------------------------

// RouterCollector holds the forwarding-plane metrics. It implements
// router.MetricsReporter.
type RouterCollector struct {
	// FramesReceived counts inbound frames per interface.
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts dropped frames by reason (short_frame,
	// bad_checksum, unknown_ethertype, arp_ignored, malformed).
	FramesDropped *prometheus.CounterVec

	// Forwarded counts successfully forwarded IPv4 packets.
	Forwarded prometheus.Counter

	// ICMPSent counts emitted ICMP messages by type name.
	ICMPSent *prometheus.CounterVec

	// ARPProbes counts transmitted ARP request probes.
	ARPProbes prometheus.Counter

	// ARPResolved counts resolutions that flushed pending frames.
	ARPResolved prometheus.Counter

	// ARPFailed counts resolutions abandoned after the probe cap.
	ARPFailed prometheus.Counter

	// ARPEvicted counts ARP cache entries expiring.
	ARPEvicted prometheus.Counter
}

// NewRouterCollector creates a RouterCollector registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewRouterCollector(reg prometheus.Registerer) *RouterCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &RouterCollector{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_received_total",
			Help:      "Total inbound frames per interface.",
		}, []string{labelInterface}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped by reason.",
		}, []string{labelReason}),

		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "packets_forwarded_total",
			Help:      "Total IPv4 packets forwarded.",
		}),

		ICMPSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "icmp_sent_total",
			Help:      "Total ICMP messages emitted by type.",
		}, []string{labelICMPType}),

		ARPProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "arp_probes_total",
			Help:      "Total ARP request probes transmitted.",
		}),

		ARPResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "arp_resolved_total",
			Help:      "Total ARP resolutions that released pending frames.",
		}),

		ARPFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "arp_failed_total",
			Help:      "Total ARP requests abandoned after the probe cap.",
		}),

		ARPEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "arp_evicted_total",
			Help:      "Total ARP cache entries expired.",
		}),
	}

	reg.MustRegister(
		c.FramesReceived,
		c.FramesDropped,
		c.Forwarded,
		c.ICMPSent,
		c.ARPProbes,
		c.ARPResolved,
		c.ARPFailed,
		c.ARPEvicted,
	)

	return c
}

// IncFramesReceived implements router.MetricsReporter.
func (c *RouterCollector) IncFramesReceived(ifName string) {
	c.FramesReceived.WithLabelValues(ifName).Inc()
}

// IncFramesDropped implements router.MetricsReporter.
func (c *RouterCollector) IncFramesDropped(reason string) {
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// IncForwarded implements router.MetricsReporter.
func (c *RouterCollector) IncForwarded() {
	c.Forwarded.Inc()
}

// IncICMPSent implements router.MetricsReporter.
func (c *RouterCollector) IncICMPSent(icmpType string) {
	c.ICMPSent.WithLabelValues(icmpType).Inc()
}

// IncARPProbes implements router.MetricsReporter.
func (c *RouterCollector) IncARPProbes() {
	c.ARPProbes.Inc()
}

// IncARPResolved implements router.MetricsReporter.
func (c *RouterCollector) IncARPResolved() {
	c.ARPResolved.Inc()
}

// IncARPFailed implements router.MetricsReporter.
func (c *RouterCollector) IncARPFailed() {
	c.ARPFailed.Inc()
}

// IncARPEvicted implements router.MetricsReporter.
func (c *RouterCollector) IncARPEvicted() {
	c.ARPEvicted.Inc()
}

// -------------------------------------------------------------------------
// TransportCollector
// -------------------------------------------------------------------------

// TransportCollector holds the transport metrics. It implements
// ctcp.MetricsReporter.
type TransportCollector struct {
	// ConnsActive tracks the number of live connections.
	ConnsActive prometheus.Gauge

	// SegmentsSent counts transmitted segments.
	SegmentsSent prometheus.Counter

	// SegmentsReceived counts validated inbound segments.
	SegmentsReceived prometheus.Counter

	// SegmentsDropped counts inbound segments dropped at validation.
	SegmentsDropped *prometheus.CounterVec

	// Retransmissions counts segment retransmissions.
	Retransmissions prometheus.Counter

	// DuplicateData counts already-delivered data segments.
	DuplicateData prometheus.Counter
}

// NewTransportCollector creates a TransportCollector registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewTransportCollector(reg prometheus.Registerer) *TransportCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &TransportCollector{
		ConnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ctcp",
			Name:      "connections_active",
			Help:      "Number of live transport connections.",
		}),

		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ctcp",
			Name:      "segments_sent_total",
			Help:      "Total segments transmitted.",
		}),

		SegmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ctcp",
			Name:      "segments_received_total",
			Help:      "Total validated inbound segments.",
		}),

		SegmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ctcp",
			Name:      "segments_dropped_total",
			Help:      "Total inbound segments dropped at validation by reason.",
		}, []string{labelReason}),

		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ctcp",
			Name:      "retransmissions_total",
			Help:      "Total segment retransmissions.",
		}),

		DuplicateData: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ctcp",
			Name:      "duplicate_data_total",
			Help:      "Total already-delivered data segments received.",
		}),
	}

	reg.MustRegister(
		c.ConnsActive,
		c.SegmentsSent,
		c.SegmentsReceived,
		c.SegmentsDropped,
		c.Retransmissions,
		c.DuplicateData,
	)

	return c
}

// ConnOpened implements ctcp.MetricsReporter.
func (c *TransportCollector) ConnOpened() {
	c.ConnsActive.Inc()
}

// ConnClosed implements ctcp.MetricsReporter.
func (c *TransportCollector) ConnClosed() {
	c.ConnsActive.Dec()
}

// IncSegmentsSent implements ctcp.MetricsReporter.
func (c *TransportCollector) IncSegmentsSent() {
	c.SegmentsSent.Inc()
}

// IncSegmentsReceived implements ctcp.MetricsReporter.
func (c *TransportCollector) IncSegmentsReceived() {
	c.SegmentsReceived.Inc()
}

// IncSegmentsDropped implements ctcp.MetricsReporter.
func (c *TransportCollector) IncSegmentsDropped(reason string) {
	c.SegmentsDropped.WithLabelValues(reason).Inc()
}

// IncRetransmissions implements ctcp.MetricsReporter.
func (c *TransportCollector) IncRetransmissions() {
	c.Retransmissions.Inc()
}

// IncDuplicateData implements ctcp.MetricsReporter.
func (c *TransportCollector) IncDuplicateData() {
	c.DuplicateData.Inc()
}
