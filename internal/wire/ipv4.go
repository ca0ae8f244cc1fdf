package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// -------------------------------------------------------------------------
// IPv4 — RFC 791 header, options-free (20 bytes)
// -------------------------------------------------------------------------

// IPv4HeaderSize is the size of an options-free IPv4 header in bytes.
const IPv4HeaderSize = 20

// ipv4VersionIHL is the fixed first header byte for an options-free
// IPv4 header: version 4 in the high nibble, IHL 5 (20 bytes) in the low.
const ipv4VersionIHL = 0x45

// IPProto identifies the transport protocol carried by an IPv4 packet.
type IPProto uint8

const (
	// IPProtoICMP is the ICMP protocol number.
	IPProtoICMP IPProto = 1

	// IPProtoTCP is the TCP protocol number.
	IPProtoTCP IPProto = 6

	// IPProtoUDP is the UDP protocol number.
	IPProtoUDP IPProto = 17
)

// String returns the human-readable name for the protocol number.
func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(p))
	}
}

// IPv4Header is a decoded IPv4 header.
//
// Wire format (RFC 791), options-free:
//
//	Byte  0:     version (4 bits) | IHL (4 bits)
//	Byte  1:     type of service
//	Bytes 2-3:   total length (header + payload)
//	Bytes 4-5:   identification
//	Bytes 6-7:   flags (3 bits) | fragment offset (13 bits)
//	Byte  8:     TTL
//	Byte  9:     protocol
//	Bytes 10-11: header checksum (RFC 1071, header only)
//	Bytes 12-15: source address
//	Bytes 16-19: destination address
type IPv4Header struct {
	// TOS is the type-of-service byte, preserved verbatim on forward.
	TOS uint8

	// TotalLen is the total packet length (header + payload) in bytes.
	TotalLen uint16

	// ID is the identification field, preserved verbatim on forward.
	ID uint16

	// FlagsFrag packs the flags and fragment offset, preserved verbatim.
	// Fragmentation is out of scope; the field is carried, never interpreted.
	FlagsFrag uint16

	// TTL is the time-to-live hop count.
	TTL uint8

	// Proto identifies the payload protocol.
	Proto IPProto

	// Checksum is the RFC 1071 checksum over the header only.
	Checksum uint16

	// Src is the source address.
	Src netip.Addr

	// Dst is the destination address.
	Dst netip.Addr
}

// Sentinel errors for IPv4 header validation.
var (
	// ErrIPv4TooShort indicates the buffer cannot hold an IPv4 header.
	ErrIPv4TooShort = errors.New("ipv4 packet too short")

	// ErrIPv4BadVersion indicates the version/IHL byte is not an
	// options-free IPv4 header.
	ErrIPv4BadVersion = errors.New("not an options-free ipv4 header")

	// ErrIPv4BadChecksum indicates the header checksum does not verify.
	ErrIPv4BadChecksum = errors.New("ipv4 header checksum mismatch")
)

// UnmarshalIPv4 decodes an IPv4 header from buf. The header checksum is
// NOT verified here; callers on the receive path use VerifyIPv4Checksum
// before acting on the packet.
func UnmarshalIPv4(buf []byte, hdr *IPv4Header) error {
	if len(buf) < IPv4HeaderSize {
		return fmt.Errorf("unmarshal ipv4: %d bytes, need %d: %w",
			len(buf), IPv4HeaderSize, ErrIPv4TooShort)
	}
	if buf[0] != ipv4VersionIHL {
		return fmt.Errorf("unmarshal ipv4: version/ihl 0x%02x: %w",
			buf[0], ErrIPv4BadVersion)
	}

	hdr.TOS = buf[1]
	hdr.TotalLen = binary.BigEndian.Uint16(buf[2:4])
	hdr.ID = binary.BigEndian.Uint16(buf[4:6])
	hdr.FlagsFrag = binary.BigEndian.Uint16(buf[6:8])
	hdr.TTL = buf[8]
	hdr.Proto = IPProto(buf[9])
	hdr.Checksum = binary.BigEndian.Uint16(buf[10:12])
	hdr.Src = addrFrom4(buf[12:16])
	hdr.Dst = addrFrom4(buf[16:20])

	return nil
}

// MarshalIPv4 writes hdr into the first IPv4HeaderSize bytes of buf and
// fills the checksum field with the freshly computed header checksum.
func MarshalIPv4(hdr *IPv4Header, buf []byte) error {
	if len(buf) < IPv4HeaderSize {
		return fmt.Errorf("marshal ipv4: need %d bytes, got %d: %w",
			IPv4HeaderSize, len(buf), ErrBufTooSmall)
	}

	buf[0] = ipv4VersionIHL
	buf[1] = hdr.TOS
	binary.BigEndian.PutUint16(buf[2:4], hdr.TotalLen)
	binary.BigEndian.PutUint16(buf[4:6], hdr.ID)
	binary.BigEndian.PutUint16(buf[6:8], hdr.FlagsFrag)
	buf[8] = hdr.TTL
	buf[9] = uint8(hdr.Proto)
	buf[10] = 0
	buf[11] = 0
	putAddr4(buf[12:16], hdr.Src)
	putAddr4(buf[16:20], hdr.Dst)

	cksum := Checksum(buf[:IPv4HeaderSize])
	binary.BigEndian.PutUint16(buf[10:12], cksum)
	hdr.Checksum = cksum

	return nil
}

// VerifyIPv4Checksum reports whether the header checksum of the IPv4
// header at the start of buf verifies. The stored checksum participates
// in the sum, so a valid header folds to zero.
func VerifyIPv4Checksum(buf []byte) bool {
	if len(buf) < IPv4HeaderSize {
		return false
	}
	return VerifyChecksum(buf[:IPv4HeaderSize])
}

// DecrementTTL decrements the TTL of the IPv4 header at the start of buf
// in place and recomputes the header checksum. Returns the new TTL.
// The checksum is recomputed from scratch rather than incrementally
// updated; the header is only 20 bytes.
func DecrementTTL(buf []byte) (uint8, error) {
	if len(buf) < IPv4HeaderSize {
		return 0, fmt.Errorf("decrement ttl: %d bytes, need %d: %w",
			len(buf), IPv4HeaderSize, ErrIPv4TooShort)
	}

	buf[8]--
	buf[10] = 0
	buf[11] = 0
	binary.BigEndian.PutUint16(buf[10:12], Checksum(buf[:IPv4HeaderSize]))

	return buf[8], nil
}
