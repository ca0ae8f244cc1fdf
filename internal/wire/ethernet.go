// Package wire implements the link- and network-layer wire formats the
// data plane speaks: Ethernet II, ARP (IPv4-over-Ethernet), IPv4, and
// ICMP, plus the RFC 1071 Internet checksum they share.
//
// All codecs follow the same contract: MarshalX writes into a
// caller-provided buffer at fixed offsets, UnmarshalX decodes in place
// without copying, and validation failures return sentinel errors.
// Multi-byte integers are network byte order throughout.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Ethernet II — 14-byte header
// -------------------------------------------------------------------------

// EthernetHeaderSize is the Ethernet II header size in bytes:
// destination MAC (6) + source MAC (6) + ethertype (2).
const EthernetHeaderSize = 14

// MACLen is the length of an IEEE 802 MAC address in bytes.
const MACLen = 6

// MaxFrameSize is the largest frame buffer the data plane handles:
// Ethernet header + standard 1500-byte MTU payload.
const MaxFrameSize = EthernetHeaderSize + 1500

// EtherType identifies the payload protocol of an Ethernet II frame.
type EtherType uint16

const (
	// EtherTypeIPv4 marks an IPv4 payload.
	EtherTypeIPv4 EtherType = 0x0800

	// EtherTypeARP marks an ARP payload.
	EtherTypeARP EtherType = 0x0806
)

// String returns the human-readable name for the ethertype.
func (t EtherType) String() string {
	switch t {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	default:
		return fmt.Sprintf("Unknown(0x%04x)", uint16(t))
	}
}

// MAC is a 6-byte IEEE 802 link-layer address.
type MAC [MACLen]byte

// BroadcastMAC is the all-ones Ethernet broadcast address.
var BroadcastMAC = MAC{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// String returns the colon-separated hexadecimal form of the address.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether the address is the Ethernet broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// EthernetHeader is a decoded Ethernet II header.
//
// Wire format:
//
//	Bytes 0-5:   destination MAC
//	Bytes 6-11:  source MAC
//	Bytes 12-13: ethertype (big-endian uint16)
type EthernetHeader struct {
	// Dst is the destination link-layer address.
	Dst MAC

	// Src is the source link-layer address.
	Src MAC

	// Type identifies the payload protocol.
	Type EtherType
}

// Sentinel errors for Ethernet frame validation.
var (
	// ErrFrameTooShort indicates the buffer is shorter than the minimum
	// frame size for the declared payload protocol.
	ErrFrameTooShort = errors.New("frame too short")

	// ErrBufTooSmall indicates a caller-provided marshal buffer is too small.
	ErrBufTooSmall = errors.New("buffer too small")
)

// UnmarshalEthernet decodes the Ethernet II header at the start of buf.
func UnmarshalEthernet(buf []byte, hdr *EthernetHeader) error {
	if len(buf) < EthernetHeaderSize {
		return fmt.Errorf("unmarshal ethernet: %d bytes, need %d: %w",
			len(buf), EthernetHeaderSize, ErrFrameTooShort)
	}

	copy(hdr.Dst[:], buf[0:6])
	copy(hdr.Src[:], buf[6:12])
	hdr.Type = EtherType(binary.BigEndian.Uint16(buf[12:14]))

	return nil
}

// MarshalEthernet writes the Ethernet II header into the first
// EthernetHeaderSize bytes of buf.
func MarshalEthernet(hdr *EthernetHeader, buf []byte) error {
	if len(buf) < EthernetHeaderSize {
		return fmt.Errorf("marshal ethernet: need %d bytes, got %d: %w",
			EthernetHeaderSize, len(buf), ErrBufTooSmall)
	}

	copy(buf[0:6], hdr.Dst[:])
	copy(buf[6:12], hdr.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(hdr.Type))

	return nil
}

// SetEthernetAddrs rewrites only the address fields of an already-formed
// frame in place. The forwarder uses this on the pending-frame path where
// the rest of the frame must not be touched.
func SetEthernetAddrs(frame []byte, src, dst MAC) error {
	if len(frame) < EthernetHeaderSize {
		return fmt.Errorf("set ethernet addrs: %d bytes, need %d: %w",
			len(frame), EthernetHeaderSize, ErrFrameTooShort)
	}

	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])

	return nil
}

// EtherTypeOf returns the ethertype of a frame without decoding the
// full header. Returns 0 if the frame is too short to carry one.
func EtherTypeOf(frame []byte) EtherType {
	if len(frame) < EthernetHeaderSize {
		return 0
	}
	return EtherType(binary.BigEndian.Uint16(frame[12:14]))
}

// -------------------------------------------------------------------------
// FramePool — sync.Pool for frame buffers
// -------------------------------------------------------------------------

// FramePool provides reusable MaxFrameSize buffers for frame I/O.
// The pool stores *[]byte to avoid interface allocation on Get()/Put().
// Buffers handed to handlers are borrowed; handlers copy before retaining.
var FramePool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxFrameSize)
		return &buf
	},
}
