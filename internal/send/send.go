// Package send builds outbound Open-MX frames: for each
// message class it fills a per-interface scratch header, resolves the
// destination MAC and reverse peer index via a peer lookup, and hands the
// finished frame to a FrameWriter for transmission.
//
// Builder's per-message-class methods each build a header struct,
// marshal it, and hand the bytes to a FrameWriter for transmission.
package send

import (
	"fmt"
	"net"

	"github.com/open-mx/omx/internal/wire"
)

// FrameWriter transmits a fully-built frame (including the Ethernet
// header) out interface ifaceIdx. Implemented by internal/iface's raw
// socket wrapper; declared narrowly here to avoid a send→iface→send
// import cycle.
type FrameWriter interface {
	WriteFrame(ifaceIdx int, frame []byte) error
	LocalAddr(ifaceIdx int) (net.HardwareAddr, error)
}

// AddrResolver maps a peer index to the information needed to address a
// frame at it: its MAC address and the index it uses for us (so the
// remote can skip its own reverse-peer-index lookup).
type AddrResolver interface {
	ResolveDst(peerIdx int) (addr net.HardwareAddr, theirIndexForUs uint16, err error)
}

// Builder composes and transmits frames; each call names the interface it
// sends on.
type Builder struct {
	w    FrameWriter
	dst  AddrResolver
}

// NewBuilder constructs a Builder against the given writer and resolver.
func NewBuilder(w FrameWriter, dst AddrResolver) *Builder {
	return &Builder{w: w, dst: dst}
}

func (b *Builder) frame(ifaceIdx, peerIdx int, typ wire.PacketType, body []byte) error {
	dstMAC, theirIdx, err := b.dst.ResolveDst(peerIdx)
	if err != nil {
		return fmt.Errorf("send: resolving peer %d: %w", peerIdx, err)
	}
	srcMAC, err := b.w.LocalAddr(ifaceIdx)
	if err != nil {
		return fmt.Errorf("send: local addr for iface %d: %w", ifaceIdx, err)
	}

	payload := wire.FrameHeader{DstSrcPeerIndex: theirIdx, Type: typ}.Marshal(nil)
	payload = append(payload, body...)

	frame, err := wire.SerializeFrame(dstMAC, srcMAC, payload)
	if err != nil {
		return fmt.Errorf("send: serializing frame: %w", err)
	}
	return b.w.WriteFrame(ifaceIdx, frame)
}

// Tiny sends a TINY frame: payload travels inline in the frame body.
func (b *Builder) Tiny(ifaceIdx, peerIdx int, h wire.MsgHeader, payload []byte) error {
	body := h.Marshal(nil)
	body = append(body, payload...)
	return b.frame(ifaceIdx, peerIdx, wire.PacketTiny, body)
}

// Small sends a SMALL frame: a single-frame payload copied to/from the
// recvq slot at the other end.
func (b *Builder) Small(ifaceIdx, peerIdx int, h wire.MsgHeader, payload []byte) error {
	body := h.Marshal(nil)
	body = append(body, payload...)
	return b.frame(ifaceIdx, peerIdx, wire.PacketSmall, body)
}

// Medium sends one fragment of a multi-fragment MEDIUM message.
func (b *Builder) Medium(ifaceIdx, peerIdx int, h wire.MediumHeader, fragPayload []byte) error {
	body := h.Marshal(nil)
	body = append(body, fragPayload...)
	return b.frame(ifaceIdx, peerIdx, wire.PacketMedium, body)
}

// Rndv advertises a rendezvous send; the receiver pulls the payload itself.
func (b *Builder) Rndv(ifaceIdx, peerIdx int, h wire.RndvHeader) error {
	return b.frame(ifaceIdx, peerIdx, wire.PacketRndv, h.Marshal(nil))
}

// Notify tells the rendezvous source its region may be released.
func (b *Builder) Notify(ifaceIdx, peerIdx int, h wire.NotifyHeader) error {
	return b.frame(ifaceIdx, peerIdx, wire.PacketNotify, h.Marshal(nil))
}

// Liback sends a standalone piggybacked acknowledgement.
func (b *Builder) Liback(ifaceIdx, peerIdx int, h wire.TrucHeader) error {
	return b.frame(ifaceIdx, peerIdx, wire.PacketTruc, h.Marshal(nil))
}

// NackLib rejects a send at the library level.
func (b *Builder) NackLib(ifaceIdx, peerIdx int, h wire.NackLibHeader) error {
	return b.frame(ifaceIdx, peerIdx, wire.PacketNackLib, h.Marshal(nil))
}

// NackMcp rejects a PULL request at the pull-handle level.
func (b *Builder) NackMcp(ifaceIdx, peerIdx int, h wire.NackMcpHeader) error {
	return b.frame(ifaceIdx, peerIdx, wire.PacketNackMcp, h.Marshal(nil))
}

// Connect forwards the upper layer's opaque connection handshake payload.
func (b *Builder) Connect(ifaceIdx, peerIdx int, h wire.ConnectHeader, payload []byte) error {
	body := h.Marshal(nil)
	body = append(body, payload...)
	return b.frame(ifaceIdx, peerIdx, wire.PacketConnect, body)
}

// Pull issues a PULL request.
func (b *Builder) Pull(ifaceIdx, peerIdx int, h wire.PullHeader) error {
	return b.frame(ifaceIdx, peerIdx, wire.PacketPull, h.Marshal(nil))
}

// PullReply transmits one frame of a pull block back to the requester.
func (b *Builder) PullReply(ifaceIdx, peerIdx int, h wire.PullReplyHeader, payload []byte) error {
	body := h.Marshal(nil)
	body = append(body, payload...)
	return b.frame(ifaceIdx, peerIdx, wire.PacketPullReply, body)
}

// BroadcastHostQuery sends a HOST_QUERY to the Ethernet broadcast address
// on every given interface; internal/engine's broadcastAdapter adapts it
// to peer.Broadcaster.
func (b *Builder) BroadcastHostQuery(ifaceIdxs []int, magic uint32) error {
	body := wire.HostQueryHeader{Magic: magic}.Marshal(nil)
	payload := wire.FrameHeader{DstSrcPeerIndex: 0, Type: wire.PacketHostQuery}.Marshal(nil)
	payload = append(payload, body...)

	var firstErr error
	for _, idx := range ifaceIdxs {
		srcMAC, err := b.w.LocalAddr(idx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		frame, err := wire.SerializeFrame(wire.BroadcastMAC, srcMAC, payload)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := b.w.WriteFrame(idx, frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HostReply answers a HOST_QUERY directly at the querying address (the
// query's Ethernet source, not a peer-table lookup — the replier may not
// have an entry for the querier yet).
func (b *Builder) HostReply(ifaceIdx int, dstMAC net.HardwareAddr, magic uint32, hostname string) error {
	srcMAC, err := b.w.LocalAddr(ifaceIdx)
	if err != nil {
		return err
	}
	body := wire.HostReplyHeader{Magic: magic, Hostname: hostname}.Marshal(nil)
	payload := wire.FrameHeader{Type: wire.PacketHostReply}.Marshal(nil)
	payload = append(payload, body...)
	frame, err := wire.SerializeFrame(dstMAC, srcMAC, payload)
	if err != nil {
		return err
	}
	return b.w.WriteFrame(ifaceIdx, frame)
}
