package ctcp_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/netlab-dev/dataplane/internal/ctcp"
)

// -------------------------------------------------------------------------
// Test Fixtures
// -------------------------------------------------------------------------

// mockApp is a scriptable application endpoint.
type mockApp struct {
	in          []byte
	eof         bool
	out         []byte
	eofSignaled int
	space       int // negative means unlimited
}

func (a *mockApp) Read(p []byte) (int, error) {
	if len(a.in) == 0 {
		if a.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, a.in)
	a.in = a.in[n:]
	return n, nil
}

func (a *mockApp) Write(p []byte) (int, error) {
	if len(p) == 0 {
		a.eofSignaled++
		return 0, nil
	}
	a.out = append(a.out, p...)
	return len(p), nil
}

func (a *mockApp) Space() int {
	if a.space < 0 {
		return 1 << 20
	}
	return a.space
}

// mockChannel records transmitted segments.
type mockChannel struct {
	sent [][]byte
}

func (m *mockChannel) SendSegment(_ context.Context, seg []byte) error {
	owned := make([]byte, len(seg))
	copy(owned, seg)
	m.sent = append(m.sent, owned)
	return nil
}

func (m *mockChannel) drain() [][]byte {
	out := m.sent
	m.sent = nil
	return out
}

// decodeSegments unmarshals every recorded segment.
func decodeSegments(t *testing.T, segs [][]byte) []ctcp.Header {
	t.Helper()

	hdrs := make([]ctcp.Header, len(segs))
	for i, seg := range segs {
		if _, err := ctcp.UnmarshalSegment(seg, &hdrs[i]); err != nil {
			t.Fatalf("segment %d does not unmarshal: %v", i, err)
		}
	}
	return hdrs
}

// defaultConfig mirrors the bulk-transfer scenario parameters.
func defaultConfig() ctcp.Config {
	return ctcp.Config{
		RecvWindow:        5120,
		SendWindow:        5120,
		TimerInterval:     5 * time.Millisecond,
		RetransmitTimeout: 200 * time.Millisecond,
	}
}

// newTestConn builds a connection over a mock app and channel.
func newTestConn(t *testing.T, cfg ctcp.Config, app *mockApp) (*ctcp.Conn, *mockChannel, *clockwork.FakeClock) {
	t.Helper()

	ch := &mockChannel{}
	clock := clockwork.NewFakeClock()
	conn, err := ctcp.NewConn(1, cfg, app, ch, clock, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	return conn, ch, clock
}

// buildDataSegment marshals a data segment for receive-path tests.
func buildDataSegment(t *testing.T, seqno, ackno uint32, payload []byte) []byte {
	t.Helper()

	hdr := ctcp.Header{Seqno: seqno, Ackno: ackno, Flags: ctcp.FlagACK, Window: 5120}
	buf := make([]byte, ctcp.HeaderSize+len(payload))
	n, err := ctcp.MarshalSegment(&hdr, payload, buf)
	if err != nil {
		t.Fatalf("MarshalSegment: %v", err)
	}
	return buf[:n]
}

// buildControlSegment marshals a zero-payload segment.
func buildControlSegment(t *testing.T, seqno, ackno uint32, flags uint32) []byte {
	t.Helper()

	hdr := ctcp.Header{Seqno: seqno, Ackno: ackno, Flags: flags, Window: 5120}
	buf := make([]byte, ctcp.HeaderSize)
	n, err := ctcp.MarshalSegment(&hdr, nil, buf)
	if err != nil {
		t.Fatalf("MarshalSegment: %v", err)
	}
	return buf[:n]
}

// -------------------------------------------------------------------------
// Send Path
// -------------------------------------------------------------------------

func TestSendPathFragmentsAndSequences(t *testing.T) {
	t.Parallel()

	app := &mockApp{in: make([]byte, 3000), space: -1}
	conn, ch, _ := newTestConn(t, defaultConfig(), app)

	conn.HandleRead()

	hdrs := decodeSegments(t, ch.drain())
	if len(hdrs) != 3 {
		t.Fatalf("3000 bytes became %d segments, want 3", len(hdrs))
	}

	wantSeqs := []uint32{1, 1441, 2881}
	wantLens := []int{ctcp.MaxSegDataSize, ctcp.MaxSegDataSize, 120}
	for i, h := range hdrs {
		if h.Seqno != wantSeqs[i] {
			t.Errorf("segment %d seqno = %d, want %d", i, h.Seqno, wantSeqs[i])
		}
		if h.PayloadLen() != wantLens[i] {
			t.Errorf("segment %d payload = %d, want %d", i, h.PayloadLen(), wantLens[i])
		}
		if !h.IsACK() {
			t.Errorf("segment %d missing ACK flag", i)
		}
		if h.Window != 5120 {
			t.Errorf("segment %d window = %d, want the receive window", i, h.Window)
		}
	}
}

func TestFINFollowsDrainedSendQueue(t *testing.T) {
	t.Parallel()

	app := &mockApp{in: []byte("last words"), eof: true, space: -1}
	conn, ch, _ := newTestConn(t, defaultConfig(), app)

	conn.HandleRead()

	hdrs := decodeSegments(t, ch.drain())
	if len(hdrs) != 2 {
		t.Fatalf("got %d segments, want data + FIN", len(hdrs))
	}
	if hdrs[0].IsFIN() {
		t.Error("data segment carries FIN")
	}
	fin := hdrs[1]
	if !fin.IsFIN() {
		t.Fatal("second segment is not the FIN")
	}
	if fin.PayloadLen() != 0 {
		t.Errorf("FIN payload = %d, want 0", fin.PayloadLen())
	}
	// FIN consumes no sequence space: seqno sits right after the data.
	if fin.Seqno != 1+uint32(len("last words")) {
		t.Errorf("FIN seqno = %d, want %d", fin.Seqno, 1+len("last words"))
	}
}

// -------------------------------------------------------------------------
// Receive Path
// -------------------------------------------------------------------------

func TestReceiveInOrderDuplicateAndGap(t *testing.T) {
	t.Parallel()

	app := &mockApp{space: -1}
	conn, ch, _ := newTestConn(t, defaultConfig(), app)

	first := bytes.Repeat([]byte{0xA1}, 100)
	second := bytes.Repeat([]byte{0xB2}, 100)

	// In-order data delivers and draws an acknowledgement.
	conn.HandleSegment(buildDataSegment(t, 1, 1, first))
	hdrs := decodeSegments(t, ch.drain())
	if len(hdrs) != 1 || hdrs[0].Ackno != 101 {
		t.Fatalf("first delivery acks = %+v, want one ack with ackno 101", hdrs)
	}
	if !bytes.Equal(app.out, first) {
		t.Fatal("first payload not delivered")
	}

	// A duplicate draws a fresh acknowledgement but no re-delivery.
	conn.HandleSegment(buildDataSegment(t, 1, 1, first))
	hdrs = decodeSegments(t, ch.drain())
	if len(hdrs) != 1 || hdrs[0].Ackno != 101 {
		t.Fatalf("duplicate acks = %+v, want one ack with ackno 101", hdrs)
	}
	if len(app.out) != len(first) {
		t.Fatal("duplicate data was re-delivered")
	}

	// A gap (loss ahead) is dropped without acknowledgement.
	conn.HandleSegment(buildDataSegment(t, 301, 1, second))
	if got := ch.drain(); len(got) != 0 {
		t.Fatalf("gap segment drew %d emissions, want none", len(got))
	}
	if len(app.out) != len(first) {
		t.Fatal("out-of-order data was delivered")
	}

	// The expected next segment flows normally.
	conn.HandleSegment(buildDataSegment(t, 101, 1, second))
	hdrs = decodeSegments(t, ch.drain())
	if len(hdrs) != 1 || hdrs[0].Ackno != 201 {
		t.Fatalf("next delivery acks = %+v, want ackno 201", hdrs)
	}
	if !bytes.Equal(app.out, append(append([]byte(nil), first...), second...)) {
		t.Fatal("stream not delivered in order")
	}
}

func TestReceiveDefersAckUntilOutputSpace(t *testing.T) {
	t.Parallel()

	app := &mockApp{space: 50}
	conn, ch, _ := newTestConn(t, defaultConfig(), app)

	payload := bytes.Repeat([]byte{0xCC}, 100)
	conn.HandleSegment(buildDataSegment(t, 1, 1, payload))

	if got := ch.drain(); len(got) != 0 {
		t.Fatalf("ack emitted with only %d bytes of space", app.space)
	}
	if len(app.out) != 0 {
		t.Fatal("payload written with insufficient space")
	}

	// Space opens up: the deferred delivery and its ack both go out.
	app.space = 200
	conn.HandleOutput()

	hdrs := decodeSegments(t, ch.drain())
	if len(hdrs) != 1 || hdrs[0].Ackno != 101 {
		t.Fatalf("deferred ack = %+v, want ackno 101", hdrs)
	}
	if !bytes.Equal(app.out, payload) {
		t.Fatal("deferred payload not delivered")
	}
}

func TestPeerFINSignalsEOFOnce(t *testing.T) {
	t.Parallel()

	app := &mockApp{space: -1}
	conn, ch, _ := newTestConn(t, defaultConfig(), app)

	fin := buildControlSegment(t, 1, 1, ctcp.FlagACK|ctcp.FlagFIN)

	conn.HandleSegment(fin)
	hdrs := decodeSegments(t, ch.drain())
	if len(hdrs) != 1 || !hdrs[0].IsACK() || hdrs[0].IsFIN() {
		t.Fatalf("FIN response = %+v, want one bare ACK", hdrs)
	}
	if app.eofSignaled != 1 {
		t.Fatalf("eof signaled %d times, want 1", app.eofSignaled)
	}

	// A duplicate FIN is suppressed by the peer-FIN flag.
	conn.HandleSegment(fin)
	if app.eofSignaled != 1 {
		t.Errorf("duplicate FIN signaled eof again (%d)", app.eofSignaled)
	}
}

func TestReceiveDropsCorruptedSegment(t *testing.T) {
	t.Parallel()

	app := &mockApp{space: -1}
	conn, ch, _ := newTestConn(t, defaultConfig(), app)

	seg := buildDataSegment(t, 1, 1, []byte("payload"))
	seg[len(seg)-1] ^= 0xFF

	conn.HandleSegment(seg)

	if got := ch.drain(); len(got) != 0 {
		t.Error("corrupted segment drew a response")
	}
	if len(app.out) != 0 {
		t.Error("corrupted segment was delivered")
	}
}

// -------------------------------------------------------------------------
// Retransmission & Teardown
// -------------------------------------------------------------------------

func TestRetransmissionCapDestroysConnection(t *testing.T) {
	t.Parallel()

	app := &mockApp{in: make([]byte, 500), space: -1}
	conn, ch, clock := newTestConn(t, defaultConfig(), app)

	conn.HandleRead()
	if got := len(ch.drain()); got != 1 {
		t.Fatalf("initial transmissions = %d, want 1", got)
	}

	// No acknowledgements ever arrive: five retransmissions, then death.
	total := 1
	for i := range 8 {
		clock.Advance(201 * time.Millisecond)
		conn.Tick()
		total += len(ch.drain())

		if i < 4 && conn.Destroyed() {
			t.Fatalf("connection destroyed after only %d retransmissions", i+1)
		}
	}

	if !conn.Destroyed() {
		t.Fatal("connection survived the retransmission cap")
	}
	if total != 6 {
		t.Errorf("total transmissions = %d, want 6 (1 original + 5 retransmits)", total)
	}
}

func TestSingleRetransmissionAfterTimeout(t *testing.T) {
	t.Parallel()

	app := &mockApp{in: make([]byte, 500), space: -1}
	conn, ch, clock := newTestConn(t, defaultConfig(), app)

	conn.HandleRead()
	ch.drain()

	// Quiet past the timeout: one resend, not re-admission.
	clock.Advance(201 * time.Millisecond)
	conn.Tick()

	hdrs := decodeSegments(t, ch.drain())
	if len(hdrs) != 1 {
		t.Fatalf("timeout produced %d transmissions, want 1", len(hdrs))
	}
	if hdrs[0].Seqno != 1 || hdrs[0].PayloadLen() != 500 {
		t.Errorf("retransmission = %+v, want the original segment", hdrs[0])
	}

	// Under the timeout again: silence.
	clock.Advance(50 * time.Millisecond)
	conn.Tick()
	if got := len(ch.drain()); got != 0 {
		t.Errorf("early tick retransmitted %d segments", got)
	}

	// The late acknowledgement releases it; no further traffic.
	clock.Advance(10 * time.Millisecond)
	conn.HandleSegment(buildControlSegment(t, 1, 501, ctcp.FlagACK))
	clock.Advance(201 * time.Millisecond)
	conn.Tick()
	if got := len(ch.drain()); got != 0 {
		t.Errorf("acknowledged segment retransmitted %d times", got)
	}
}

func TestTeardownTimeWait(t *testing.T) {
	t.Parallel()

	app := &mockApp{eof: true, space: -1}
	conn, ch, clock := newTestConn(t, defaultConfig(), app)

	conn.HandleRead() // immediate EOF: FIN goes out
	hdrs := decodeSegments(t, ch.drain())
	if len(hdrs) != 1 || !hdrs[0].IsFIN() {
		t.Fatalf("EOF produced %+v, want one FIN", hdrs)
	}

	conn.HandleSegment(buildControlSegment(t, 1, 1, ctcp.FlagACK|ctcp.FlagFIN))

	// Both directions closed, queues empty: the first tick arms the
	// time-wait; destruction needs 2 x rt_timeout beyond it.
	conn.Tick()
	if conn.Destroyed() {
		t.Fatal("destroyed before the time-wait elapsed")
	}

	clock.Advance(399 * time.Millisecond)
	conn.Tick()
	if conn.Destroyed() {
		t.Fatal("destroyed inside the time-wait window")
	}

	clock.Advance(2 * time.Millisecond)
	conn.Tick()
	if !conn.Destroyed() {
		t.Fatal("connection outlived the time-wait")
	}
}

// -------------------------------------------------------------------------
// Pacing Gate
// -------------------------------------------------------------------------

func TestPacingGateHoldsWithoutBlocking(t *testing.T) {
	t.Parallel()

	app := &mockApp{space: -1}
	conn, ch, clock := newTestConn(t, defaultConfig(), app)

	// First segment departs on the open pre-measurement clock.
	app.in = make([]byte, ctcp.MaxSegDataSize)
	conn.HandleRead()
	if got := len(ch.drain()); got != 1 {
		t.Fatalf("first segment transmissions = %d, want 1", got)
	}

	// Its acknowledgement 10 ms later seeds the bandwidth estimate and
	// closes the pacing clock after the next departure.
	clock.Advance(10 * time.Millisecond)
	conn.HandleSegment(buildControlSegment(t, 1, 1+ctcp.MaxSegDataSize, ctcp.FlagACK))

	app.in = make([]byte, ctcp.MaxSegDataSize)
	conn.HandleRead()
	if got := len(ch.drain()); got != 1 {
		t.Fatalf("second segment transmissions = %d, want 1", got)
	}

	// A third segment arrives while the clock is closed: admitted but
	// held, and crucially the handler returns instead of spinning.
	app.in = make([]byte, ctcp.MaxSegDataSize)
	conn.HandleRead()
	if got := len(ch.drain()); got != 0 {
		t.Fatalf("pacing gate let %d segments through early", got)
	}

	// The next tick past the departure time releases it.
	clock.Advance(5 * time.Millisecond)
	conn.Tick()
	hdrs := decodeSegments(t, ch.drain())
	if len(hdrs) != 1 {
		t.Fatalf("post-deadline tick transmitted %d segments, want 1", len(hdrs))
	}
	if hdrs[0].Seqno != 1+2*uint32(ctcp.MaxSegDataSize) {
		t.Errorf("held segment seqno = %d: admission order broken", hdrs[0].Seqno)
	}
}

// -------------------------------------------------------------------------
// End-to-End
// -------------------------------------------------------------------------

// TestBulkTransferWithLoss wires two endpoints back to back over lossy
// in-memory channels: 100 KB flows from A to B, the seventh data
// segment is dropped once, and both sides must close cleanly with the
// streams equal and exactly one retransmission of the dropped segment.
func TestBulkTransferWithLoss(t *testing.T) {
	t.Parallel()

	const totalBytes = 100 * 1000
	data := make([]byte, totalBytes)
	for i := range data {
		data[i] = byte(i % 251)
	}

	// Sequence number of the seventh data segment.
	const dropSeq = uint32(1 + 6*ctcp.MaxSegDataSize)

	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.DiscardHandler)
	cfg := defaultConfig()

	appA := &mockApp{in: data, eof: true, space: -1}
	appB := &mockApp{eof: true, space: -1}
	chA := &mockChannel{}
	chB := &mockChannel{}

	connA, err := ctcp.NewConn(1, cfg, appA, chA, clock, logger)
	if err != nil {
		t.Fatalf("NewConn A: %v", err)
	}
	connB, err := ctcp.NewConn(2, cfg, appB, chB, clock, logger)
	if err != nil {
		t.Fatalf("NewConn B: %v", err)
	}

	dataTx := make(map[uint32]int)
	dropped := false

	deliverToB := func(segs [][]byte) {
		for _, seg := range segs {
			var hdr ctcp.Header
			if _, err := ctcp.UnmarshalSegment(seg, &hdr); err != nil {
				t.Fatalf("A emitted an invalid segment: %v", err)
			}
			if hdr.PayloadLen() > 0 {
				dataTx[hdr.Seqno]++
				if hdr.Seqno == dropSeq && !dropped {
					dropped = true
					continue // the lossy link eats the first copy
				}
			}
			connB.HandleSegment(seg)
		}
	}

	for i := 0; i < 5000 && !(connA.Destroyed() && connB.Destroyed()); i++ {
		connA.HandleRead()
		clock.Advance(3 * time.Millisecond)
		deliverToB(chA.drain())

		connB.HandleRead()
		clock.Advance(3 * time.Millisecond)
		for _, seg := range chB.drain() {
			connA.HandleSegment(seg)
		}

		connA.Tick()
		connB.Tick()
	}

	if !connA.Destroyed() || !connB.Destroyed() {
		t.Fatalf("connections never closed (A=%t B=%t)", connA.Destroyed(), connB.Destroyed())
	}

	if !bytes.Equal(appB.out, data) {
		t.Fatalf("delivered stream differs from sent stream (%d vs %d bytes)",
			len(appB.out), len(data))
	}

	if !dropped {
		t.Fatal("the lossy link never saw the seventh segment")
	}
	if dataTx[dropSeq] != 2 {
		t.Errorf("segment %d transmitted %d times, want 2 (original + one retransmission)",
			dropSeq, dataTx[dropSeq])
	}
	if appB.eofSignaled == 0 {
		t.Error("receiver application never saw EOF")
	}

	// No segment ever exceeded the retransmission cap.
	for seq, n := range dataTx {
		if n > 6 {
			t.Errorf("segment %d transmitted %d times, above the cap", seq, n)
		}
	}
}
