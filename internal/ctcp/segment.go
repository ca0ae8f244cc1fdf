// Package ctcp implements the reliable transport endpoint: a sequenced,
// retransmitting, flow-controlled byte stream with a BBR-style congestion
// controller, layered over an unreliable datagram channel.
//
// The endpoint is a single-threaded event machine: datagram arrival,
// application readability, and the periodic timer all run to completion
// on the owning loop. Pacing is a decision, never a sleep — a segment
// whose departure time has not arrived stays queued and is re-evaluated
// on the next event.
package ctcp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/netlab-dev/dataplane/internal/wire"
)

// -------------------------------------------------------------------------
// Segment Wire Format
// -------------------------------------------------------------------------

// HeaderSize is the transport segment header size in bytes:
// seqno (4) + ackno (4) + len (2) + flags (4) + window (2) + cksum (2).
const HeaderSize = 18

// MaxSegDataSize is the largest payload a single segment carries.
const MaxSegDataSize = 1440

// MaxSegmentSize is the largest marshaled segment.
const MaxSegmentSize = HeaderSize + MaxSegDataSize

// Segment flag bits. The flags field is 32 bits wide on the wire; only
// these two bits are meaningful.
const (
	// FlagFIN signals the sender has no more data. FIN is flag-only:
	// it consumes no sequence space, and duplicate FINs are suppressed
	// by the receiver's peer-FIN flag.
	FlagFIN uint32 = 0x001

	// FlagACK marks the ackno field as valid. Every segment this
	// endpoint emits carries it.
	FlagACK uint32 = 0x010
)

// InitSeq is the initial sequence and acknowledgement number.
const InitSeq uint32 = 1

// Header is a decoded segment header.
//
// Wire format (all big-endian):
//
//	Bytes 0-3:   seqno
//	Bytes 4-7:   ackno
//	Bytes 8-9:   len (header + payload)
//	Bytes 10-13: flags
//	Bytes 14-15: window
//	Bytes 16-17: cksum (RFC 1071, over header with cksum zeroed + payload)
type Header struct {
	// Seqno is the sequence number of the first payload byte.
	Seqno uint32

	// Ackno is the next sequence number the sender expects to receive.
	Ackno uint32

	// Len is the total segment length: header plus payload.
	Len uint16

	// Flags carries the FIN and ACK bits.
	Flags uint32

	// Window is the advertised receive window in bytes.
	Window uint16

	// Cksum is the RFC 1071 checksum over the segment with this field
	// zeroed, covering exactly Len bytes.
	Cksum uint16
}

// PayloadLen returns the payload byte count declared by the header.
func (h *Header) PayloadLen() int {
	if h.Len < HeaderSize {
		return 0
	}
	return int(h.Len) - HeaderSize
}

// IsFIN reports whether the FIN flag is set.
func (h *Header) IsFIN() bool { return h.Flags&FlagFIN != 0 }

// IsACK reports whether the ACK flag is set.
func (h *Header) IsACK() bool { return h.Flags&FlagACK != 0 }

// Sentinel errors for segment validation.
var (
	// ErrSegmentTooShort indicates the buffer cannot hold the header.
	ErrSegmentTooShort = errors.New("segment too short")

	// ErrSegmentTruncated indicates the buffered bytes are fewer than
	// the header's declared length.
	ErrSegmentTruncated = errors.New("segment truncated")

	// ErrSegmentBadChecksum indicates the segment checksum mismatches.
	ErrSegmentBadChecksum = errors.New("segment checksum mismatch")

	// ErrPayloadTooLarge indicates a payload above MaxSegDataSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum segment data size")

	// ErrBufTooSmall indicates a caller-provided marshal buffer is too small.
	ErrBufTooSmall = errors.New("buffer too small for segment")
)

// MarshalSegment serializes a header and payload into buf and stamps the
// checksum. The checksum covers the header (cksum zeroed) plus exactly
// the payload bytes — declared length, never a string scan.
// Returns the total segment length written.
func MarshalSegment(hdr *Header, payload []byte, buf []byte) (int, error) {
	if len(payload) > MaxSegDataSize {
		return 0, fmt.Errorf("marshal segment: payload %d: %w", len(payload), ErrPayloadTooLarge)
	}

	total := HeaderSize + len(payload)
	if len(buf) < total {
		return 0, fmt.Errorf("marshal segment: need %d bytes, got %d: %w",
			total, len(buf), ErrBufTooSmall)
	}

	hdr.Len = uint16(total) //nolint:gosec // G115: total <= MaxSegmentSize

	binary.BigEndian.PutUint32(buf[0:4], hdr.Seqno)
	binary.BigEndian.PutUint32(buf[4:8], hdr.Ackno)
	binary.BigEndian.PutUint16(buf[8:10], hdr.Len)
	binary.BigEndian.PutUint32(buf[10:14], hdr.Flags)
	binary.BigEndian.PutUint16(buf[14:16], hdr.Window)
	buf[16] = 0
	buf[17] = 0
	copy(buf[HeaderSize:total], payload)

	cksum := segmentChecksum(buf[:total])
	binary.BigEndian.PutUint16(buf[16:18], cksum)
	hdr.Cksum = cksum

	return total, nil
}

// UnmarshalSegment decodes and validates a received datagram.
//
// Validation order matches the receive path contract: the buffer must
// hold a full header, the buffered length must cover the declared
// length, and the checksum over the declared length must verify.
// The returned payload slice references buf; callers copy to retain.
func UnmarshalSegment(buf []byte, hdr *Header) ([]byte, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("unmarshal segment: %d bytes, need %d: %w",
			len(buf), HeaderSize, ErrSegmentTooShort)
	}

	hdr.Seqno = binary.BigEndian.Uint32(buf[0:4])
	hdr.Ackno = binary.BigEndian.Uint32(buf[4:8])
	hdr.Len = binary.BigEndian.Uint16(buf[8:10])
	hdr.Flags = binary.BigEndian.Uint32(buf[10:14])
	hdr.Window = binary.BigEndian.Uint16(buf[14:16])
	hdr.Cksum = binary.BigEndian.Uint16(buf[16:18])

	if int(hdr.Len) < HeaderSize {
		return nil, fmt.Errorf("unmarshal segment: declared len %d below header: %w",
			hdr.Len, ErrSegmentTruncated)
	}
	if len(buf) < int(hdr.Len) {
		return nil, fmt.Errorf("unmarshal segment: buffered %d, declared %d: %w",
			len(buf), hdr.Len, ErrSegmentTruncated)
	}

	if !verifySegmentChecksum(buf[:hdr.Len], hdr.Cksum) {
		return nil, fmt.Errorf("unmarshal segment: %w", ErrSegmentBadChecksum)
	}

	return buf[HeaderSize:hdr.Len], nil
}

// segmentChecksum computes the RFC 1071 checksum over seg with the
// cksum field treated as zero. seg must already have zeroed bytes 16-17.
func segmentChecksum(seg []byte) uint16 {
	return wire.Checksum(seg)
}

// verifySegmentChecksum recomputes the checksum with the cksum field
// zeroed and compares it to the stored value.
func verifySegmentChecksum(seg []byte, stored uint16) bool {
	var save [2]byte
	copy(save[:], seg[16:18])
	seg[16] = 0
	seg[17] = 0
	got := wire.Checksum(seg)
	copy(seg[16:18], save[:])
	return got == stored
}
