package ctcp

// MetricsReporter receives transport events for export. The transport
// core never imports a metrics library; internal/metrics provides the
// Prometheus-backed implementation.
type MetricsReporter interface {
	// ConnOpened counts a connection entering service.
	ConnOpened()

	// ConnClosed counts a connection destruction, clean or not.
	ConnClosed()

	// IncSegmentsSent counts a transmitted segment.
	IncSegmentsSent()

	// IncSegmentsReceived counts a validated inbound segment.
	IncSegmentsReceived()

	// IncSegmentsDropped counts an inbound segment dropped at
	// validation, with the reason (bad_checksum, truncated, malformed).
	IncSegmentsDropped(reason string)

	// IncRetransmissions counts one segment retransmission.
	IncRetransmissions()

	// IncDuplicateData counts an already-delivered data segment.
	IncDuplicateData()
}

// noopMetrics is the default reporter when none is configured.
type noopMetrics struct{}

func (noopMetrics) ConnOpened() {}
func (noopMetrics) ConnClosed() {}
func (noopMetrics) IncSegmentsSent() {}
func (noopMetrics) IncSegmentsReceived() {}
func (noopMetrics) IncSegmentsDropped(string) {}
func (noopMetrics) IncRetransmissions() {}
func (noopMetrics) IncDuplicateData() {}
