// Package recv implements receive dispatch: a single
// handler receives every frame of EtherType 0x86DF, looks up the
// interface it arrived on, reads the packet-type byte, and invokes the
// matching per-type handler. Per-packet validation (peer-index range,
// session-id equality, length checks) lives in each handler.
//
// Dispatch is a plain Go type switch over wire.PacketType rather than a
// table of function pointers keyed by packet type: validation moves into
// each wire.Parse*Header call, which already returns an error on a short
// buffer, so there is no separate length table to keep in sync.
package recv

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/open-mx/omx/internal/wire"
)

// Handlers groups the per-packet-type callbacks a Dispatcher invokes.
// Each handler receives the interface index the frame arrived on and the
// frame's payload past the common FrameHeader. A handler that wants to
// NACK a malformed request does so itself via internal/send — dispatch
// only decides which handler runs.
type Handlers struct {
	HostQuery func(ifaceIdx int, srcMAC net.HardwareAddr, h wire.HostQueryHeader)
	HostReply func(ifaceIdx int, srcMAC net.HardwareAddr, h wire.HostReplyHeader)
	Truc      func(ifaceIdx int, fh wire.FrameHeader, h wire.TrucHeader)
	Connect   func(ifaceIdx int, fh wire.FrameHeader, h wire.ConnectHeader, payload []byte)
	Tiny      func(ifaceIdx int, fh wire.FrameHeader, h wire.MsgHeader, payload []byte)
	Small     func(ifaceIdx int, fh wire.FrameHeader, h wire.MsgHeader, payload []byte)
	Medium    func(ifaceIdx int, fh wire.FrameHeader, h wire.MediumHeader, payload []byte)
	Rndv      func(ifaceIdx int, fh wire.FrameHeader, h wire.RndvHeader)
	Pull      func(ifaceIdx int, fh wire.FrameHeader, h wire.PullHeader)
	PullReply func(ifaceIdx int, fh wire.FrameHeader, h wire.PullReplyHeader, payload []byte)
	Notify    func(ifaceIdx int, fh wire.FrameHeader, h wire.NotifyHeader)
	NackLib   func(ifaceIdx int, fh wire.FrameHeader, h wire.NackLibHeader)
	NackMcp   func(ifaceIdx int, fh wire.FrameHeader, h wire.NackMcpHeader)
}

// Dispatcher routes decoded frames to Handlers and counts drops.
type Dispatcher struct {
	h   Handlers
	log *slog.Logger

	Drops   uint64
	BadType uint64

	// OnDrop and OnBadType, if set, are invoked (in addition to the
	// aggregate Drops/BadType counters above) with the interface a
	// malformed or unrecognized frame arrived on, so internal/engine can
	// feed per-NIC counters without this package depending on
	// internal/iface.
	OnDrop    func(ifaceIdx int)
	OnBadType func(ifaceIdx int)
}

// NewDispatcher constructs a Dispatcher. A nil logger falls back to
// slog.Default(), matching the ambient logging convention used throughout
// the tree.
func NewDispatcher(h Handlers, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{h: h, log: log}
}

func (d *Dispatcher) drop(ifaceIdx int) {
	d.Drops++
	if d.OnDrop != nil {
		d.OnDrop(ifaceIdx)
	}
}

func (d *Dispatcher) badType(ifaceIdx int) {
	d.BadType++
	if d.OnBadType != nil {
		d.OnBadType(ifaceIdx)
	}
}

// ErrUnknownType names the unknown-packet-type condition. HandleFrame
// does not return it: a packet type recv.Dispatcher doesn't recognize is
// counted in BadType.
var ErrUnknownType = errors.New("recv: unknown packet type")

// HandleFrame decodes one received Ethernet frame (header included) and
// dispatches it. It returns nothing: a malformed frame is counted as a
// drop, and a frame whose Handlers field is nil is skipped without being
// counted.
func (d *Dispatcher) HandleFrame(ifaceIdx int, frame []byte) {
	_, srcMAC, etherType, payload, ok := wire.ParseEthernetHeader(frame)
	if !ok || etherType != wire.EtherTypeOMX {
		d.drop(ifaceIdx)
		return
	}

	fh, rest, err := wire.ParseFrameHeader(payload)
	if err != nil {
		d.drop(ifaceIdx)
		return
	}

	switch fh.Type {
	case wire.PacketHostQuery:
		hq, err := wire.ParseHostQueryHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.HostQuery != nil {
			d.h.HostQuery(ifaceIdx, srcMAC, hq)
		}

	case wire.PacketHostReply:
		hr, err := wire.ParseHostReplyHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.HostReply != nil {
			d.h.HostReply(ifaceIdx, srcMAC, hr)
		}

	case wire.PacketTruc:
		tr, err := wire.ParseTrucHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.Truc != nil {
			d.h.Truc(ifaceIdx, fh, tr)
		}

	case wire.PacketConnect:
		c, err := wire.ParseConnectHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.Connect != nil {
			d.h.Connect(ifaceIdx, fh, c, rest[wire.ConnectHeaderLen:])
		}

	case wire.PacketTiny:
		msg, body, err := wire.ParseMsgHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.Tiny != nil {
			d.h.Tiny(ifaceIdx, fh, msg, body)
		}

	case wire.PacketSmall:
		msg, body, err := wire.ParseMsgHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.Small != nil {
			d.h.Small(ifaceIdx, fh, msg, body)
		}

	case wire.PacketMedium:
		med, body, err := wire.ParseMediumHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.Medium != nil {
			d.h.Medium(ifaceIdx, fh, med, body)
		}

	case wire.PacketRndv:
		rn, err := wire.ParseRndvHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.Rndv != nil {
			d.h.Rndv(ifaceIdx, fh, rn)
		}

	case wire.PacketPull:
		p, err := wire.ParsePullHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.Pull != nil {
			d.h.Pull(ifaceIdx, fh, p)
		}

	case wire.PacketPullReply:
		pr, err := wire.ParsePullReplyHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		payload := rest[wire.PullReplyHeaderLen:]
		if d.h.PullReply != nil {
			d.h.PullReply(ifaceIdx, fh, pr, payload)
		}

	case wire.PacketNotify:
		n, err := wire.ParseNotifyHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.Notify != nil {
			d.h.Notify(ifaceIdx, fh, n)
		}

	case wire.PacketNackLib:
		n, err := wire.ParseNackLibHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.NackLib != nil {
			d.h.NackLib(ifaceIdx, fh, n)
		}

	case wire.PacketNackMcp:
		n, err := wire.ParseNackMcpHeader(rest)
		if err != nil {
			d.drop(ifaceIdx)
			return
		}
		if d.h.NackMcp != nil {
			d.h.NackMcp(ifaceIdx, fh, n)
		}

	case wire.PacketRaw, wire.PacketMFMNicReply:
		// opaque / unused by the core; counted as a
		// benign drop rather than BadType.
		d.drop(ifaceIdx)

	default:
		d.badType(ifaceIdx)
	}
}

// FrameSource yields raw frames (including the Ethernet header) for one
// interface, typically internal/iface's raw AF_PACKET socket.
type FrameSource interface {
	ReadFrame(ctx context.Context) (frame []byte, err error)
}

// Reader drives one FrameSource into a Dispatcher until ctx is canceled:
// it logs every read error other than context.Canceled and keeps going,
// so it returns only on cancellation.
type Reader struct {
	ifaceIdx int
	src      FrameSource
	disp     *Dispatcher
	log      *slog.Logger
}

// NewReader constructs a Reader for one interface's frame source.
func NewReader(ifaceIdx int, src FrameSource, disp *Dispatcher, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{ifaceIdx: ifaceIdx, src: src, disp: disp, log: log}
}

// Run reads frames until ctx is done or the source returns an error
// wrapping context.Canceled; any other read error is logged and the loop
// continues.
func (r *Reader) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := r.src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.log.Warn("recv: read error", "iface", r.ifaceIdx, "error", err)
			continue
		}
		r.disp.HandleFrame(r.ifaceIdx, frame)
	}
}
