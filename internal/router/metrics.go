package router

// MetricsReporter receives forwarding-plane events for export. The router
// core never imports a metrics library; the internal/metrics package
// provides the Prometheus-backed implementation and wires it in at
// daemon startup.
type MetricsReporter interface {
	// IncFramesReceived counts an inbound frame on the named interface.
	IncFramesReceived(ifName string)

	// IncFramesDropped counts a dropped frame with the drop reason
	// (short_frame, bad_checksum, unknown_ethertype, arp_ignored,
	// malformed).
	IncFramesDropped(reason string)

	// IncForwarded counts a successfully forwarded IPv4 packet.
	IncForwarded()

	// IncICMPSent counts an emitted ICMP message by type name.
	IncICMPSent(icmpType string)

	// IncARPProbes counts a transmitted ARP request probe.
	IncARPProbes()

	// IncARPResolved counts a resolution that flushed pending frames.
	IncARPResolved()

	// IncARPFailed counts a request abandoned after the probe cap.
	IncARPFailed()

	// IncARPEvicted counts an ARP cache entry expiring.
	IncARPEvicted()
}

// Drop reason labels passed to IncFramesDropped.
const (
	DropShortFrame       = "short_frame"
	DropBadChecksum      = "bad_checksum"
	DropUnknownEthertype = "unknown_ethertype"
	DropARPIgnored       = "arp_ignored"
	DropMalformed        = "malformed"
)

// noopMetrics is the default reporter when none is configured.
type noopMetrics struct{}

func (noopMetrics) IncFramesReceived(string) {}
func (noopMetrics) IncFramesDropped(string)  {}
func (noopMetrics) IncForwarded()            {}
func (noopMetrics) IncICMPSent(string)       {}
func (noopMetrics) IncARPProbes()            {}
func (noopMetrics) IncARPResolved()          {}
func (noopMetrics) IncARPFailed()            {}
func (noopMetrics) IncARPEvicted()           {}
