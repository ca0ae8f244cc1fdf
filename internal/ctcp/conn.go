package ctcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// -------------------------------------------------------------------------
// External Seams
// -------------------------------------------------------------------------

// AppIO is the application side of the endpoint.
//
// Read returns (0, nil) when no data is currently available and io.EOF
// once the application has no more data ever. Write delivers received
// bytes to the application; a zero-length Write signals end of stream.
// Space reports how many bytes the application output can accept.
type AppIO interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Space() int
}

// SegmentSender is the datagram channel under the endpoint. Bytes are
// exact segments; the buffer is borrowed for the duration of the call.
type SegmentSender interface {
	SendSegment(ctx context.Context, seg []byte) error
}

// Config carries the transport parameters handed to a connection at
// startup.
type Config struct {
	// RecvWindow is the advertised receive window in bytes.
	RecvWindow int

	// SendWindow is the initial send window in bytes; BBR takes over
	// window sizing from the first acknowledgement.
	SendWindow int

	// TimerInterval is the periodic tick spacing.
	TimerInterval time.Duration

	// RetransmitTimeout is the per-segment retransmission timeout.
	RetransmitTimeout time.Duration
}

// Sentinel errors for connection configuration.
var (
	// ErrInvalidWindow indicates a non-positive window size.
	ErrInvalidWindow = errors.New("window must be > 0")

	// ErrInvalidTimeout indicates a non-positive timer parameter.
	ErrInvalidTimeout = errors.New("timer parameters must be > 0")
)

// maxRetransmits is how many times one segment is resent before the
// connection is torn down (6 transmissions total).
const maxRetransmits = 5

// -------------------------------------------------------------------------
// Connection State
// -------------------------------------------------------------------------

// connState is the connection lifecycle state.
type connState uint8

const (
	// stateEstablished is normal two-way operation.
	stateEstablished connState = iota

	// stateClosing means a FIN has been observed from the peer.
	stateClosing
)

// outSegment wraps one outbound segment with its transmission metadata.
// A segment lives in exactly one of the two queues: toSend before
// admission, inFlight after. Destruction on acknowledgement happens
// exactly once, at the head of the inFlight walk.
type outSegment struct {
	// buf is the marshaled segment, owned by this wrapper.
	buf []byte

	// seqno is the segment's sequence number.
	seqno uint32

	// payloadLen is the payload byte count.
	payloadLen int

	// lastSent is the most recent transmission time; zero before the
	// first transmission.
	lastSent time.Time

	// retransmits counts transmissions after the first.
	retransmits int

	// sent is true once the segment has been on the wire. Admission
	// moves a segment into inFlight before transmission; the pacing
	// gate may hold it there unsent across events.
	sent bool

	// appLimited taints the segment's RTT sample for the bandwidth
	// filter.
	appLimited bool
}

// Conn is one transport connection. All state is owned by the event
// loop that delivers segments, application readiness, and timer ticks;
// handlers run to completion and nothing blocks.
type Conn struct {
	id     uint64
	cfg    Config
	app    AppIO
	sender SegmentSender
	clock  clockwork.Clock
	logger *slog.Logger

	metrics MetricsReporter
	bbr     *BBR
	bdpLog  *BDPLog

	// Sequencing.
	txNextSeq        uint32
	rxNextAck        uint32
	lastDeliveredSeq uint32

	// Window accounting. Invariant: cwndUsed equals the payload sum of
	// the inFlight queue.
	sendWindow int
	cwndUsed   int

	// Queues. toSend holds never-transmitted segments; inFlight holds
	// admitted segments awaiting acknowledgement.
	toSend   []*outSegment
	inFlight []*outSegment

	// RTT round tracking: the round ends when everything outstanding
	// at its start has been acknowledged. maxSentSeq is the highest
	// sequence end that has been on the wire.
	roundEndSeq uint32
	maxSentSeq  uint32

	// Lifecycle.
	state       connState
	eofSeen     bool
	eofFromApp  bool
	finFromPeer bool
	teardownAt  time.Time
	destroyed   bool
	onDestroy   func(id uint64)

	// Deferred application output awaiting buffer space, and the
	// acknowledgement held back with it.
	pendingOut []byte
}

// ConnOption configures optional Conn parameters.
type ConnOption func(*Conn)

// WithConnMetrics attaches a MetricsReporter.
func WithConnMetrics(mr MetricsReporter) ConnOption {
	return func(c *Conn) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// WithBDPLog attaches the BDP measurement appender.
func WithBDPLog(l *BDPLog) ConnOption {
	return func(c *Conn) {
		c.bdpLog = l
	}
}

// WithOnDestroy registers a callback invoked exactly once when the
// connection is destroyed, after all owned queues are released.
// Multiple callbacks chain in registration order.
func WithOnDestroy(fn func(id uint64)) ConnOption {
	return func(c *Conn) {
		if prev := c.onDestroy; prev != nil {
			c.onDestroy = func(id uint64) {
				prev(id)
				fn(id)
			}
			return
		}
		c.onDestroy = fn
	}
}

// NewConn creates a connection in the established state (the handshake
// is the datagram channel's concern).
func NewConn(
	id uint64,
	cfg Config,
	app AppIO,
	sender SegmentSender,
	clock clockwork.Clock,
	logger *slog.Logger,
	opts ...ConnOption,
) (*Conn, error) {
	if cfg.RecvWindow <= 0 || cfg.SendWindow <= 0 {
		return nil, ErrInvalidWindow
	}
	if cfg.TimerInterval <= 0 || cfg.RetransmitTimeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	c := &Conn{
		id:               id,
		cfg:              cfg,
		app:              app,
		sender:           sender,
		clock:            clock,
		logger:           logger.With(slog.Uint64("conn_id", id)),
		metrics:          noopMetrics{},
		txNextSeq:        InitSeq,
		rxNextAck:        InitSeq,
		lastDeliveredSeq: InitSeq,
		sendWindow:       cfg.SendWindow,
		roundEndSeq:      InitSeq,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.bbr = NewBBR(clock, cfg.SendWindow)
	c.metrics.ConnOpened()

	return c, nil
}

// ID returns the connection identifier.
func (c *Conn) ID() uint64 { return c.id }

// Destroyed reports whether the connection has been torn down.
func (c *Conn) Destroyed() bool { return c.destroyed }

// -------------------------------------------------------------------------
// Send Path — application readable
// -------------------------------------------------------------------------

// HandleRead drains the application input: each chunk of up to
// MaxSegDataSize bytes becomes one queued segment, and admission runs
// after every append. EOF arms the FIN, which departs once the send
// queue is empty.
func (c *Conn) HandleRead() {
	if c.destroyed || c.eofFromApp {
		return
	}

	buf := make([]byte, MaxSegDataSize)
	for {
		n, err := c.app.Read(buf)
		if n > 0 {
			c.queueData(buf[:n])
			c.admit()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.eofSeen = true
				c.maybeSendFIN()
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

// queueData builds one data segment and appends it to the send queue.
// The sequence number advances by payload length; FIN never consumes
// sequence space.
func (c *Conn) queueData(payload []byte) {
	hdr := Header{
		Seqno:  c.txNextSeq,
		Ackno:  c.rxNextAck,
		Flags:  FlagACK,
		Window: uint16(c.cfg.RecvWindow), //nolint:gosec // G115: validated window fits the wire field
	}

	buf := make([]byte, HeaderSize+len(payload))
	n, err := MarshalSegment(&hdr, payload, buf)
	if err != nil {
		c.logger.Error("marshal data segment failed", slog.String("error", err.Error()))
		return
	}

	c.toSend = append(c.toSend, &outSegment{
		buf:        buf[:n],
		seqno:      hdr.Seqno,
		payloadLen: len(payload),
	})
	c.txNextSeq += uint32(len(payload)) //nolint:gosec // G115: payload <= MaxSegDataSize
}

// maybeSendFIN emits the zero-payload FIN once the application EOF has
// been seen and the send queue has drained. Emitted at most once.
func (c *Conn) maybeSendFIN() {
	if !c.eofSeen || c.eofFromApp || len(c.toSend) != 0 {
		return
	}
	c.eofFromApp = true
	c.sendControl(FlagACK | FlagFIN)
	c.logger.Debug("sent FIN")
}

// sendControl emits a zero-payload segment with the given flags.
// Control segments are not tracked for retransmission.
func (c *Conn) sendControl(flags uint32) {
	hdr := Header{
		Seqno:  c.txNextSeq,
		Ackno:  c.rxNextAck,
		Flags:  flags,
		Window: uint16(c.cfg.RecvWindow), //nolint:gosec // G115: validated window fits the wire field
	}

	buf := make([]byte, HeaderSize)
	n, err := MarshalSegment(&hdr, nil, buf)
	if err != nil {
		c.logger.Error("marshal control segment failed", slog.String("error", err.Error()))
		return
	}

	c.send(buf[:n])
}

// -------------------------------------------------------------------------
// Receive Path — datagram arrival
// -------------------------------------------------------------------------

// HandleSegment processes one inbound datagram: validation, FIN
// handling, the acknowledgement walk, and data delivery. The buffer is
// borrowed; the payload is copied if delivery must be deferred.
func (c *Conn) HandleSegment(buf []byte) {
	if c.destroyed {
		return
	}

	var hdr Header
	payload, err := UnmarshalSegment(buf, &hdr)
	if err != nil {
		c.metrics.IncSegmentsDropped(dropReason(err))
		return
	}
	c.metrics.IncSegmentsReceived()

	// A first FIN ends the peer's stream: acknowledge it and hand the
	// application a zero-length read. Later duplicates fall through to
	// the ACK walk and die there as no-ops.
	if hdr.IsFIN() && !c.finFromPeer {
		c.finFromPeer = true
		c.state = stateClosing
		c.sendControl(FlagACK)
		_, _ = c.app.Write(nil)
		return
	}

	if hdr.IsACK() {
		c.processAck(hdr.Ackno)
		if c.destroyed {
			return
		}
	}

	if hdr.PayloadLen() > 0 {
		c.processData(&hdr, payload)
	}
}

// dropReason maps a codec error to a metrics label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrSegmentBadChecksum):
		return "bad_checksum"
	case errors.Is(err, ErrSegmentTruncated):
		return "truncated"
	default:
		return "malformed"
	}
}

// processAck walks the inFlight queue from the head, releasing every
// segment the acknowledgement covers. Each release feeds BBR one RTT
// and one bandwidth sample and shrinks the used window. The walk stops
// at the first uncovered segment; duplicate ACKs cover nothing and
// fall straight through.
func (c *Conn) processAck(ackno uint32) {
	now := c.clock.Now()
	released := false

	for len(c.inFlight) > 0 {
		seg := c.inFlight[0]
		if seg.seqno >= ackno {
			break
		}

		rtt := now.Sub(seg.lastSent)
		c.bbr.OnAck(rtt, seg.payloadLen, seg.appLimited)
		if c.bdpLog != nil && !seg.appLimited {
			c.bdpLog.Append(c.bbr.BDPBits(rtt))
		}

		c.cwndUsed -= seg.payloadLen
		c.bbr.OnAckedBytes(seg.payloadLen)

		c.inFlight[0] = nil
		c.inFlight = c.inFlight[1:]
		released = true
	}

	if !released {
		return
	}

	// Round accounting: everything outstanding at the round's start is
	// now acknowledged.
	if ackno >= c.roundEndSeq {
		c.bbr.AdvanceRound()
		c.roundEndSeq = c.maxSentSeq
	}

	// BBR owns the send window from the first acknowledgement on.
	c.sendWindow = c.bbr.Cwnd()

	c.maybeSendFIN()
	c.admit()
}

// processData delivers payload strictly in order and suppresses
// duplicates. Data below the delivered mark was already acknowledged
// once; it draws a fresh acknowledgement but is never re-delivered.
// Data past the expected sequence (a gap from loss) is dropped without
// acknowledgement — the sender's retransmission closes the gap. The
// acknowledgement for new data waits until the application output has
// room for the payload.
func (c *Conn) processData(hdr *Header, payload []byte) {
	// One deferred delivery at a time: while it waits for space, later
	// arrivals are dropped unacknowledged and retransmission refills.
	if c.pendingOut != nil {
		return
	}

	if hdr.Seqno < c.lastDeliveredSeq {
		c.metrics.IncDuplicateData()
		c.sendControl(FlagACK)
		return
	}
	if hdr.Seqno != c.rxNextAck {
		return
	}

	c.rxNextAck = hdr.Seqno + uint32(len(payload)) //nolint:gosec // G115: payload <= MaxSegDataSize
	c.lastDeliveredSeq = c.rxNextAck

	if c.app.Space() >= len(payload) {
		c.sendControl(FlagACK)
		_, _ = c.app.Write(payload)
		return
	}

	// No room: park an owned copy and defer both delivery and the
	// acknowledgement until the application drains.
	c.pendingOut = append([]byte(nil), payload...)
}

// HandleOutput retries a deferred delivery once the application reports
// writable space. The held-back acknowledgement goes out with it.
func (c *Conn) HandleOutput() {
	if c.destroyed || c.pendingOut == nil {
		return
	}
	if c.app.Space() < len(c.pendingOut) {
		return
	}

	c.sendControl(FlagACK)
	_, _ = c.app.Write(c.pendingOut)
	c.pendingOut = nil
}

// -------------------------------------------------------------------------
// Sliding Window & Pacing Gate
// -------------------------------------------------------------------------

// admit moves queued segments into the window and transmits whatever
// the BDP gate and the pacing clock allow. Admission preserves strict
// sequence order: the transmit scan stops at the first segment the
// clock refuses, never skipping past it.
func (c *Conn) admit() {
	// Window admission: toSend head -> inFlight while room remains.
	for c.cwndUsed < c.sendWindow && len(c.toSend) > 0 {
		seg := c.toSend[0]
		c.toSend[0] = nil
		c.toSend = c.toSend[1:]
		c.inFlight = append(c.inFlight, seg)
		c.cwndUsed += seg.payloadLen
	}

	// Window full with data still waiting: the sender is limited by the
	// model, and samples taken while this inflight drains are tainted.
	if c.cwndUsed-c.bbr.InflightBytes() == 0 && len(c.toSend) > 0 {
		c.bbr.MarkAppLimited()
		return
	}

	now := c.clock.Now()
	for _, seg := range c.inFlight {
		if seg.sent {
			continue
		}
		if !c.bbr.CanTransmit(now) {
			// Not a wait: the segment stays admitted and the next
			// event or tick re-attempts.
			return
		}

		if c.bbr.AppLimited() {
			seg.appLimited = true
		}

		seg.lastSent = now
		seg.sent = true
		if end := seg.seqno + uint32(seg.payloadLen); end > c.maxSentSeq { //nolint:gosec // G115: payload <= MaxSegDataSize
			c.maxSentSeq = end
		}
		c.bbr.OnTransmit(seg.payloadLen, now)
		c.send(seg.buf)
	}
}

// -------------------------------------------------------------------------
// Timer — retransmission, pacing retry, teardown
// -------------------------------------------------------------------------

// Tick runs one periodic maintenance step. Order matters: the min-RTT
// window burns down first, stalled segments retransmit (and may kill
// the connection), the pacing gate gets its re-attempt, and teardown
// runs last.
func (c *Conn) Tick() {
	if c.destroyed {
		return
	}

	c.bbr.TickMinRTTWindow(c.cfg.TimerInterval)

	if !c.retransmitStalled() {
		return // connection destroyed by the retransmission cap
	}

	c.maybeSendFIN()
	c.admit()
	c.checkTeardown()
}

// retransmitStalled resends every transmitted segment quiet for longer
// than the retransmission timeout. A segment at the cap destroys the
// connection; the walk must not touch the connection afterwards.
// Returns false when the connection was destroyed.
func (c *Conn) retransmitStalled() bool {
	now := c.clock.Now()

	for _, seg := range c.inFlight {
		if !seg.sent {
			continue
		}

		if now.Sub(seg.lastSent) > c.cfg.RetransmitTimeout && seg.retransmits < maxRetransmits {
			seg.lastSent = now
			seg.retransmits++
			c.metrics.IncRetransmissions()
			c.send(seg.buf)
		}

		if seg.retransmits >= maxRetransmits {
			c.logger.Info("retransmission cap reached, destroying connection",
				slog.Uint64("seqno", uint64(seg.seqno)),
			)
			c.destroy()
			return false
		}
	}

	return true
}

// checkTeardown starts the time-wait once both directions have closed
// and every queue has drained, and destroys the connection after
// twice the retransmission timeout.
func (c *Conn) checkTeardown() {
	if !(c.eofFromApp && c.finFromPeer && len(c.toSend) == 0 && len(c.inFlight) == 0) {
		return
	}

	now := c.clock.Now()
	if c.teardownAt.IsZero() {
		c.teardownAt = now
		return
	}

	if now.Sub(c.teardownAt) > 2*c.cfg.RetransmitTimeout {
		c.logger.Debug("time-wait elapsed, closing")
		c.destroy()
	}
}

// destroy releases all owned queues exactly once and notifies the
// registry. Any buffered data is discarded.
func (c *Conn) destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true

	c.toSend = nil
	c.inFlight = nil
	c.pendingOut = nil

	c.metrics.ConnClosed()

	if c.onDestroy != nil {
		c.onDestroy(c.id)
	}
}

// send hands a segment to the datagram channel; failures are logged,
// never propagated.
func (c *Conn) send(seg []byte) {
	if err := c.sender.SendSegment(context.Background(), seg); err != nil {
		c.logger.Warn("segment send failed", slog.String("error", err.Error()))
		return
	}
	c.metrics.IncSegmentsSent()
}
