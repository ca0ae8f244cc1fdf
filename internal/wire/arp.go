package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// -------------------------------------------------------------------------
// ARP — RFC 826, IPv4-over-Ethernet variant (28 bytes)
// -------------------------------------------------------------------------

// ARPSize is the size of an IPv4-over-Ethernet ARP packet in bytes.
const ARPSize = 28

// ARP hardware and protocol constants for the Ethernet/IPv4 variant.
const (
	// arpHTypeEthernet is the hardware type code for Ethernet.
	arpHTypeEthernet = 1

	// arpHLenEthernet is the hardware address length for Ethernet.
	arpHLenEthernet = MACLen

	// arpPLenIPv4 is the protocol address length for IPv4.
	arpPLenIPv4 = 4
)

// ARPOp is the ARP operation code.
type ARPOp uint16

const (
	// ARPOpRequest asks who-has the target protocol address.
	ARPOpRequest ARPOp = 1

	// ARPOpReply answers with the sender's hardware address.
	ARPOpReply ARPOp = 2
)

// String returns the human-readable name for the ARP operation.
func (op ARPOp) String() string {
	switch op {
	case ARPOpRequest:
		return "Request"
	case ARPOpReply:
		return "Reply"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(op))
	}
}

// ARPPacket is a decoded IPv4-over-Ethernet ARP packet.
//
// Wire format (RFC 826):
//
//	Bytes 0-1:   hardware type (1 = Ethernet)
//	Bytes 2-3:   protocol type (0x0800 = IPv4)
//	Byte  4:     hardware address length (6)
//	Byte  5:     protocol address length (4)
//	Bytes 6-7:   operation (1 = request, 2 = reply)
//	Bytes 8-13:  sender hardware address
//	Bytes 14-17: sender protocol address
//	Bytes 18-23: target hardware address
//	Bytes 24-27: target protocol address
type ARPPacket struct {
	// Op is the operation code.
	Op ARPOp

	// SenderMAC is the sender's hardware address.
	SenderMAC MAC

	// SenderIP is the sender's protocol address.
	SenderIP netip.Addr

	// TargetMAC is the target's hardware address. All-zero in requests.
	TargetMAC MAC

	// TargetIP is the protocol address being resolved.
	TargetIP netip.Addr
}

// Sentinel errors for ARP packet validation.
var (
	// ErrARPTooShort indicates the buffer cannot hold an ARP packet.
	ErrARPTooShort = errors.New("arp packet too short")

	// ErrARPBadHardware indicates the packet is not the Ethernet/IPv4 variant.
	ErrARPBadHardware = errors.New("arp packet is not ethernet/ipv4")
)

// UnmarshalARP decodes an IPv4-over-Ethernet ARP packet from buf.
// Packets for any other hardware/protocol combination are rejected.
func UnmarshalARP(buf []byte, pkt *ARPPacket) error {
	if len(buf) < ARPSize {
		return fmt.Errorf("unmarshal arp: %d bytes, need %d: %w",
			len(buf), ARPSize, ErrARPTooShort)
	}

	htype := binary.BigEndian.Uint16(buf[0:2])
	ptype := EtherType(binary.BigEndian.Uint16(buf[2:4]))
	if htype != arpHTypeEthernet || ptype != EtherTypeIPv4 ||
		buf[4] != arpHLenEthernet || buf[5] != arpPLenIPv4 {
		return fmt.Errorf("unmarshal arp: htype %d ptype %s hlen %d plen %d: %w",
			htype, ptype, buf[4], buf[5], ErrARPBadHardware)
	}

	pkt.Op = ARPOp(binary.BigEndian.Uint16(buf[6:8]))
	copy(pkt.SenderMAC[:], buf[8:14])
	pkt.SenderIP = addrFrom4(buf[14:18])
	copy(pkt.TargetMAC[:], buf[18:24])
	pkt.TargetIP = addrFrom4(buf[24:28])

	return nil
}

// MarshalARP writes an IPv4-over-Ethernet ARP packet into the first
// ARPSize bytes of buf.
func MarshalARP(pkt *ARPPacket, buf []byte) error {
	if len(buf) < ARPSize {
		return fmt.Errorf("marshal arp: need %d bytes, got %d: %w",
			ARPSize, len(buf), ErrBufTooSmall)
	}

	binary.BigEndian.PutUint16(buf[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(buf[2:4], uint16(EtherTypeIPv4))
	buf[4] = arpHLenEthernet
	buf[5] = arpPLenIPv4
	binary.BigEndian.PutUint16(buf[6:8], uint16(pkt.Op))
	copy(buf[8:14], pkt.SenderMAC[:])
	putAddr4(buf[14:18], pkt.SenderIP)
	copy(buf[18:24], pkt.TargetMAC[:])
	putAddr4(buf[24:28], pkt.TargetIP)

	return nil
}

// addrFrom4 builds a netip.Addr from 4 wire bytes.
func addrFrom4(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]})
}

// putAddr4 writes an IPv4 netip.Addr as 4 wire bytes.
func putAddr4(b []byte, addr netip.Addr) {
	a4 := addr.As4()
	copy(b, a4[:])
}
