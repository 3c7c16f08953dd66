package wire

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// BroadcastMAC is the destination address for HOST_QUERY frames, which
// every interface on the broadcast domain must see.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// SerializeFrame composes a full Ethernet frame carrying payload (a
// FrameHeader plus its type-specific body, already marshaled) from src to
// dst, padding to the Ethernet minimum like a real NIC driver would.
// Built on gopacket.SerializeLayers + layers.Ethernet against a raw
// Ethernet layer rather than an IP one, since Open-MX frames are not
// carried over IP.
func SerializeFrame(dst, src net.HardwareAddr, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		DstMAC:       dst,
		SrcMAC:       src,
		EthernetType: layers.EthernetType(EtherTypeOMX),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: false}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(payload)); err != nil {
		return nil, err
	}

	out := buf.Bytes()
	if len(out) < EthMinFrameLen {
		padded := make([]byte, EthMinFrameLen)
		copy(padded, out)
		out = padded
	}
	return out, nil
}

// ParseEthernetHeader reads the 14-byte Ethernet header off the front of a
// received frame and returns the EtherType and the remaining payload. It
// does not validate the EtherType; callers filter on EtherTypeOMX
// themselves (the raw AF_PACKET socket internal/iface reads from is
// typically already bound to that EtherType, making this a second,
// defensive check).
func ParseEthernetHeader(data []byte) (dstMAC, srcMAC net.HardwareAddr, etherType uint16, payload []byte, ok bool) {
	if len(data) < EthHeaderLen {
		return nil, nil, 0, nil, false
	}
	dstMAC = net.HardwareAddr(append([]byte(nil), data[0:6]...))
	srcMAC = net.HardwareAddr(append([]byte(nil), data[6:12]...))
	etherType = uint16(data[12])<<8 | uint16(data[13])
	return dstMAC, srcMAC, etherType, data[EthHeaderLen:], true
}
