package ctcp

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// This file implements the BBR-style congestion controller: a bottleneck
// bandwidth filter, a round-trip propagation estimate, and a four-mode
// gain cycle driving both the pacing clock and the congestion window.
//
// Mode diagram:
//
//	STARTUP ---(3 rounds, <25% bw growth)---> DRAIN
//	DRAIN   ---(4 rounds)-------------------> PROBE_BW (phase 2)
//	PROBE_BW --(rtt_prop quiet / new min)---> PROBE_RTT
//	PROBE_RTT -(4 rounds)-------------------> PROBE_BW (phase 2)
//	PROBE_BW --(new min rtt on ack)---------> STARTUP
//	PROBE_RTT -(new min at window close)----> STARTUP
//
// Units: bandwidth is bytes per millisecond, time is milliseconds.
// An RTT round is the interval during which all data outstanding at the
// start of the interval is acknowledged; rounds advance on that event,
// never per ACK.

// -------------------------------------------------------------------------
// Modes & Gains
// -------------------------------------------------------------------------

// BBRMode is the controller's operating mode.
type BBRMode uint8

const (
	// ModeStartup ramps the sending rate rapidly to fill the pipe.
	ModeStartup BBRMode = iota

	// ModeDrain empties the queue built while filling the pipe.
	ModeDrain

	// ModeProbeBW paces around the bandwidth estimate, cycling gains.
	ModeProbeBW

	// ModeProbeRTT reduces inflight to re-measure the minimum RTT.
	ModeProbeRTT
)

// String returns the human-readable name for the mode.
func (m BBRMode) String() string {
	switch m {
	case ModeStartup:
		return "STARTUP"
	case ModeDrain:
		return "DRAIN"
	case ModeProbeBW:
		return "PROBE_BW"
	case ModeProbeRTT:
		return "PROBE_RTT"
	default:
		return "Unknown"
	}
}

// highGain is the STARTUP pacing/cwnd gain (2/ln2, rounded as tabled).
const highGain = 2.885

// pacingGains is the eight-entry gain table. Index 0 is the STARTUP
// gain, index 1 the DRAIN gain; PROBE_BW cycles indices 1..7.
var pacingGains = [8]float64{
	highGain,
	1 / highGain,
	1.25,
	0.75,
	1.0,
	1.0,
	1.0,
	1.0,
}

// BBR tuning constants.
const (
	// bbrInitialBtlBw is the pre-measurement bandwidth estimate in
	// bytes per millisecond.
	bbrInitialBtlBw = 11520.0

	// bbrInitialRTTProp is the pre-measurement propagation estimate
	// in milliseconds.
	bbrInitialRTTProp = 200.0

	// bbrFullBwRounds is the round count between STARTUP growth checks.
	bbrFullBwRounds = 3

	// bbrDrainRounds is how long DRAIN lasts.
	bbrDrainRounds = 4

	// bbrProbeRTTRounds is how long PROBE_RTT lasts.
	bbrProbeRTTRounds = 4

	// bbrBtlBwPromoteRounds is the round interval at which the running
	// bandwidth maximum is promoted into the bottleneck estimate.
	bbrBtlBwPromoteRounds = 10

	// bbrMinRTTWindow is the wall-clock window after which the
	// propagation estimate is refreshed from the running minimum.
	bbrMinRTTWindow = 10 * time.Second

	// bbrProbeBWEntryPhase is the gain-cycle phase PROBE_BW starts at.
	bbrProbeBWEntryPhase = 2
)

// -------------------------------------------------------------------------
// Controller State
// -------------------------------------------------------------------------

// BBR holds the congestion controller state for one connection. It is
// owned by the connection's event loop; nothing here is goroutine-safe.
type BBR struct {
	mode BBRMode

	// btlBw is the bottleneck bandwidth estimate (bytes/ms).
	btlBw float64

	// maxBw is the running bandwidth maximum since the last promotion.
	maxBw float64

	// startupBw is the shift register of recent per-round maxima,
	// newest first. STARTUP exits when growth across it stalls.
	startupBw [bbrFullBwRounds]float64

	// rttProp is the round-trip propagation estimate (ms).
	rttProp float64

	// minRTT is the smallest RTT sample observed (ms). Negative until
	// the first sample arrives.
	minRTT float64

	// rttCount is the number of completed RTT rounds.
	rttCount uint32

	// modeRound is the round at which the current DRAIN or PROBE_RTT
	// residency began.
	modeRound uint32

	// pacingGain is the active gain; always one of pacingGains.
	pacingGain float64

	// probeBWPhase indexes pacingGains during PROBE_BW (1..7).
	probeBWPhase int

	// probeBWBytes counts bytes sent in the current PROBE_BW phase.
	probeBWBytes int

	// cwnd is the congestion window in bytes.
	cwnd int

	// inflightBytes counts transmitted-and-unacknowledged payload bytes.
	inflightBytes int

	// appLimitedUntil is the inflight byte count below which RTT
	// samples are tainted by application-limited sending.
	appLimitedUntil int

	// nextSendTime is the pacing clock: no transmission before it.
	nextSendTime time.Time

	// rttWindowRemaining counts down the min-RTT filter window.
	rttWindowRemaining time.Duration

	// rttUpdatedAt is when rttProp last decreased.
	rttUpdatedAt time.Time

	// haveBwSample is false until the first bandwidth sample lands.
	haveBwSample bool

	clock clockwork.Clock
}

// NewBBR creates a controller with the conventional pre-measurement
// estimates and the STARTUP gain.
func NewBBR(clock clockwork.Clock, initialCwnd int) *BBR {
	return &BBR{
		mode:               ModeStartup,
		btlBw:              bbrInitialBtlBw,
		rttProp:            bbrInitialRTTProp,
		minRTT:             -1,
		pacingGain:         pacingGains[0],
		cwnd:               initialCwnd,
		rttWindowRemaining: bbrMinRTTWindow,
		rttUpdatedAt:       clock.Now(),
		clock:              clock,
	}
}

// Mode returns the current operating mode.
func (b *BBR) Mode() BBRMode { return b.mode }

// PacingGain returns the active pacing gain.
func (b *BBR) PacingGain() float64 { return b.pacingGain }

// Cwnd returns the congestion window in bytes.
func (b *BBR) Cwnd() int { return b.cwnd }

// InflightBytes returns the transmitted-and-unacknowledged byte count.
func (b *BBR) InflightBytes() int { return b.inflightBytes }

// BtlBw returns the bottleneck bandwidth estimate in bytes per ms.
func (b *BBR) BtlBw() float64 { return b.btlBw }

// RTTProp returns the propagation estimate in milliseconds.
func (b *BBR) RTTProp() float64 { return b.rttProp }

// BDPBytes returns the pipe volume the admission gate compares inflight
// against: rtt_prop * btl_bw * highGain.
func (b *BBR) BDPBytes() float64 {
	return b.rttProp * b.btlBw * highGain
}

// BDPBits returns the measured bandwidth-delay product in bits for the
// given RTT sample, as logged to the BDP measurement file.
func (b *BBR) BDPBits(rtt time.Duration) int64 {
	return int64(b.btlBw * float64(rtt.Milliseconds()) * 8)
}

// -------------------------------------------------------------------------
// Per-ACK Input
// -------------------------------------------------------------------------

// OnAck feeds one acknowledged segment into the model: the RTT sample,
// the bandwidth sample (unless the segment was app-limited), and a
// model step. payloadLen is the segment's payload byte count.
func (b *BBR) OnAck(rtt time.Duration, payloadLen int, appLimited bool) {
	r := float64(rtt.Milliseconds())

	b.updateMinRTT(r)
	b.updateBandwidth(r, payloadLen, appLimited)
	b.step()
}

// updateMinRTT tracks the running minimum. A new minimum while probing
// bandwidth signals the pipe was not yet full: force STARTUP on the
// next model step.
func (b *BBR) updateMinRTT(r float64) {
	if b.minRTT < 0 {
		b.minRTT = r
		b.rttProp = r
		return
	}
	if r <= b.minRTT {
		b.minRTT = r
		if b.mode == ModeProbeBW {
			b.mode = ModeStartup
		}
	}
}

// updateBandwidth folds one delivery-rate sample into the max filter.
// App-limited samples never raise the filter; the first sample seeds
// both the filter and the bottleneck estimate.
func (b *BBR) updateBandwidth(r float64, payloadLen int, appLimited bool) {
	if r <= 0 {
		return
	}
	bw := float64(payloadLen) / r

	if !b.haveBwSample {
		b.haveBwSample = true
		b.maxBw = bw
		b.btlBw = bw
		return
	}

	if appLimited {
		return
	}

	if bw > b.maxBw {
		b.maxBw = bw
	}
}

// AdvanceRound marks the completion of one RTT round: everything
// outstanding at the round's start has been acknowledged. The round's
// bandwidth maximum shifts into the STARTUP growth register, and every
// tenth round the running maximum is promoted into the bottleneck
// estimate; the estimate never decreases here.
func (b *BBR) AdvanceRound() {
	b.rttCount++

	if b.haveBwSample {
		b.startupBw[2] = b.startupBw[1]
		b.startupBw[1] = b.startupBw[0]
		b.startupBw[0] = b.maxBw
	}

	if b.rttCount%bbrBtlBwPromoteRounds == 0 && b.maxBw > b.btlBw {
		b.btlBw = b.maxBw
	}
}

// -------------------------------------------------------------------------
// Model Step — mode handlers
// -------------------------------------------------------------------------

// step runs the handler for the current mode. Handlers set the pacing
// gain, size the congestion window, and decide mode exits.
func (b *BBR) step() {
	switch b.mode {
	case ModeStartup:
		b.stepStartup()
	case ModeDrain:
		b.stepDrain()
	case ModeProbeBW:
		b.stepProbeBW()
	case ModeProbeRTT:
		b.stepProbeRTT()
	}
}

// stepStartup checks for bandwidth growth every bbrFullBwRounds rounds:
// less than 25% across the register means the pipe is full, so drain.
func (b *BBR) stepStartup() {
	if b.rttCount > 0 && b.rttCount%bbrFullBwRounds == 0 {
		oldest, newest := b.startupBw[2], b.startupBw[0]
		if oldest > 0 {
			growth := (newest - oldest) / oldest * 100
			if growth < 25.0 {
				b.enterDrain()
				return
			}
		}
	}

	b.pacingGain = pacingGains[0]
	b.cwnd = int(b.rttProp * b.btlBw * highGain)
}

// enterDrain switches to DRAIN and records the residency start round.
func (b *BBR) enterDrain() {
	b.mode = ModeDrain
	b.modeRound = b.rttCount
	b.pacingGain = pacingGains[1]
}

// stepDrain holds the drain gain for bbrDrainRounds rounds, then moves
// to PROBE_BW at the entry phase.
func (b *BBR) stepDrain() {
	if b.rttCount-b.modeRound >= bbrDrainRounds {
		b.enterProbeBW()
		return
	}
	b.pacingGain = pacingGains[1]
	b.cwnd = int(b.rttProp * b.btlBw * pacingGains[1])
}

// enterProbeBW resets the gain cycle at the entry phase.
func (b *BBR) enterProbeBW() {
	b.mode = ModeProbeBW
	b.probeBWPhase = bbrProbeBWEntryPhase
	b.probeBWBytes = 0
	b.pacingGain = pacingGains[b.probeBWPhase]
}

// stepProbeBW advances the gain cycle once the bytes sent in the current
// phase cover a BDP, wrapping phases 1..7. The congestion window keeps
// the high gain while pacing varies through the cycle.
func (b *BBR) stepProbeBW() {
	bdp := b.btlBw * b.rttProp / 1000
	if float64(b.probeBWBytes) >= bdp {
		b.probeBWBytes = 0
		if b.probeBWPhase >= len(pacingGains)-1 {
			b.probeBWPhase = 1
		} else {
			b.probeBWPhase++
		}
	}
	b.pacingGain = pacingGains[b.probeBWPhase]
	b.cwnd = int(b.rttProp * b.btlBw * highGain)
}

// enterProbeRTT switches to PROBE_RTT and records the residency start.
func (b *BBR) enterProbeRTT() {
	b.mode = ModeProbeRTT
	b.modeRound = b.rttCount
}

// stepProbeRTT holds a unit gain for bbrProbeRTTRounds rounds with a
// drained window, then returns to PROBE_BW.
func (b *BBR) stepProbeRTT() {
	if b.rttCount-b.modeRound >= bbrProbeRTTRounds {
		b.enterProbeBW()
		return
	}
	b.pacingGain = pacingGains[7]
	b.cwnd = int(b.rttProp * b.btlBw * pacingGains[1])
}

// -------------------------------------------------------------------------
// Timer Input — min-RTT filter window
// -------------------------------------------------------------------------

// TickMinRTTWindow burns elapsed wall-clock time off the min-RTT filter
// window. When the window closes, the propagation estimate is refreshed
// from the running minimum and PROBE_RTT entry conditions are checked:
// a stale estimate or a fresh minimum while probing bandwidth sends the
// controller to re-measure; a fresh minimum found during PROBE_RTT sends
// it back to STARTUP.
func (b *BBR) TickMinRTTWindow(elapsed time.Duration) {
	if b.rttWindowRemaining > elapsed {
		b.rttWindowRemaining -= elapsed
		return
	}
	b.rttWindowRemaining = bbrMinRTTWindow

	if b.minRTT < 0 {
		return
	}

	if b.mode == ModeProbeRTT {
		b.rttProp = b.minRTT
	}

	sinceUpdate := b.clock.Now().Sub(b.rttUpdatedAt)
	if b.mode == ModeProbeBW && float64(sinceUpdate.Milliseconds()) >= b.rttProp {
		b.enterProbeRTT()
	}

	if b.minRTT < b.rttProp {
		b.rttProp = b.minRTT
		b.rttUpdatedAt = b.clock.Now()
		switch b.mode {
		case ModeProbeBW:
			b.enterProbeRTT()
		case ModeProbeRTT:
			b.mode = ModeStartup
		default:
		}
	}
}

// -------------------------------------------------------------------------
// Admission & Pacing Input
// -------------------------------------------------------------------------

// CanTransmit decides whether an admitted segment may depart now.
// The BDP gate refuses while the pipe already holds a full
// gain-scaled BDP; the pacing clock refuses until nextSendTime.
// A refusal is a decision, not a wait — the caller re-evaluates on
// the next event.
func (b *BBR) CanTransmit(now time.Time) bool {
	if bdp := b.BDPBytes(); bdp > 0 && float64(b.inflightBytes) >= bdp {
		return false
	}
	return !now.Before(b.nextSendTime)
}

// OnTransmit accounts one departing segment and schedules the next
// departure on the pacing clock. Before the first bandwidth sample the
// clock stays open.
func (b *BBR) OnTransmit(payloadLen int, now time.Time) {
	b.probeBWBytes += payloadLen
	b.inflightBytes += payloadLen

	if !b.haveBwSample || b.btlBw <= 0 {
		b.nextSendTime = time.Time{}
		return
	}

	gapMs := float64(payloadLen) / (b.pacingGain * b.btlBw)
	b.nextSendTime = now.Add(time.Duration(gapMs * float64(time.Millisecond)))
}

// OnAckedBytes releases acknowledged payload from the inflight and
// app-limited accounting.
func (b *BBR) OnAckedBytes(payloadLen int) {
	b.inflightBytes -= payloadLen
	if b.inflightBytes < 0 {
		b.inflightBytes = 0
	}
	if b.appLimitedUntil > 0 {
		b.appLimitedUntil -= payloadLen
		if b.appLimitedUntil < 0 {
			b.appLimitedUntil = 0
		}
	}
}

// MarkAppLimited records that the application ran out of data while the
// window had room: samples taken until the current inflight drains are
// not valid bandwidth probes.
func (b *BBR) MarkAppLimited() {
	b.appLimitedUntil = b.inflightBytes
}

// AppLimited reports whether newly sent segments should carry the
// app-limited taint.
func (b *BBR) AppLimited() bool { return b.appLimitedUntil > 0 }
