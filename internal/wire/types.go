// Package wire implements the Open-MX Ethernet wire protocol:
// frame layout, packet types, and the magic-number encoding used to guard
// pull replies against stale handles. Frames use EtherType 0x86DF and carry
// a 2-byte dst_src_peer_index immediately after the Ethernet header,
// followed by a type-specific structure whose first byte is the packet
// type. All multi-byte fields are big-endian.
//
// Serialization for the send path (internal/send) is built on
// github.com/google/gopacket + gopacket/layers (gopacket.SerializeBuffer,
// layers.Ethernet). Receive-side decoding (internal/recv) reads the wire
// fields directly with encoding/binary instead — gopacket's layered
// decoder chain isn't a good fit for a single flat custom header.
package wire

import "fmt"

// EtherTypeOMX is the EtherType identifying Open-MX frames on the wire.
const EtherTypeOMX = 0x86DF

// MagicXOR is XORed with an endpoint index to produce the magic value
// carried in PULL and PULL_REPLY frames.
const MagicXOR = 0x21071980

// EthMinFrameLen is the minimum Ethernet frame length (header + payload,
// excluding the FCS the NIC appends); frames shorter than this are padded
// before transmission.
const EthMinFrameLen = 60

// EthHeaderLen is the fixed 14-byte Ethernet header length.
const EthHeaderLen = 14

// PacketType is the wire's packet-type byte.
type PacketType uint8

const (
	PacketRaw          PacketType = 0
	PacketMFMNicReply  PacketType = 1
	PacketHostQuery    PacketType = 2
	PacketHostReply    PacketType = 3
	PacketTruc         PacketType = 7
	PacketConnect      PacketType = 8
	PacketTiny         PacketType = 9
	PacketSmall        PacketType = 10
	PacketMedium       PacketType = 11
	PacketRndv         PacketType = 12
	PacketPull         PacketType = 13
	PacketPullReply    PacketType = 14
	PacketNotify       PacketType = 15
	PacketNackLib      PacketType = 16
	PacketNackMcp      PacketType = 17
)

var packetTypeNames = map[PacketType]string{
	PacketRaw:         "RAW",
	PacketMFMNicReply: "MFM_NIC_REPLY",
	PacketHostQuery:   "HOST_QUERY",
	PacketHostReply:   "HOST_REPLY",
	PacketTruc:        "TRUC",
	PacketConnect:     "CONNECT",
	PacketTiny:        "TINY",
	PacketSmall:       "SMALL",
	PacketMedium:      "MEDIUM",
	PacketRndv:        "RNDV",
	PacketPull:        "PULL",
	PacketPullReply:   "PULL_REPLY",
	PacketNotify:      "NOTIFY",
	PacketNackLib:     "NACK_LIB",
	PacketNackMcp:     "NACK_MCP",
}

func (t PacketType) String() string {
	if n, ok := packetTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// EncodeMagic derives the magic value stamped into PULL/PULL_REPLY frames
// for endpoint index idx.
func EncodeMagic(idx uint16) uint32 {
	return uint32(idx) ^ MagicXOR
}

// DecodeMagicEndpoint recovers the endpoint index from a magic value,
// validating it was produced by EncodeMagic (the upper 16 bits of the XOR
// result must be zero once un-XORed).
func DecodeMagicEndpoint(magic uint32) (uint16, bool) {
	v := magic ^ MagicXOR
	if v > 0xFFFF {
		return 0, false
	}
	return uint16(v), true
}
