package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameHeader is the 3 bytes that follow the Ethernet header on every
// Open-MX frame: the peer index the sender believes identifies itself (or,
// for host query/reply, the index being resolved) and the packet type.
type FrameHeader struct {
	DstSrcPeerIndex uint16
	Type            PacketType
}

const FrameHeaderLen = 3

// Marshal appends the frame header to dst and returns the result.
func (h FrameHeader) Marshal(dst []byte) []byte {
	var b [FrameHeaderLen]byte
	binary.BigEndian.PutUint16(b[0:2], h.DstSrcPeerIndex)
	b[2] = byte(h.Type)
	return append(dst, b[:]...)
}

// ParseFrameHeader reads a FrameHeader off the front of data and returns the
// remaining bytes.
func ParseFrameHeader(data []byte) (FrameHeader, []byte, error) {
	if len(data) < FrameHeaderLen {
		return FrameHeader{}, nil, fmt.Errorf("wire: short frame header: %d bytes", len(data))
	}
	h := FrameHeader{
		DstSrcPeerIndex: binary.BigEndian.Uint16(data[0:2]),
		Type:            PacketType(data[2]),
	}
	return h, data[FrameHeaderLen:], nil
}

// HostQueryHeader is the HOST_QUERY payload: a broadcast asking whoever owns
// magic to reply with its hostname.
type HostQueryHeader struct {
	Magic uint32
}

const HostQueryLen = 4

func (h HostQueryHeader) Marshal(dst []byte) []byte {
	var b [HostQueryLen]byte
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	return append(dst, b[:]...)
}

func ParseHostQueryHeader(data []byte) (HostQueryHeader, error) {
	if len(data) < HostQueryLen {
		return HostQueryHeader{}, fmt.Errorf("wire: short HOST_QUERY: %d bytes", len(data))
	}
	return HostQueryHeader{Magic: binary.BigEndian.Uint32(data[0:4])}, nil
}

// HostReplyHeader answers a HostQueryHeader with the hostname of the peer
// that owns magic; the hostname follows as a variable-length, NUL-free
// trailer.
type HostReplyHeader struct {
	Magic    uint32
	Hostname string
}

const HostReplyFixedLen = 4

func (h HostReplyHeader) Marshal(dst []byte) []byte {
	var b [HostReplyFixedLen]byte
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	dst = append(dst, b[:]...)
	return append(dst, h.Hostname...)
}

func ParseHostReplyHeader(data []byte) (HostReplyHeader, error) {
	if len(data) < HostReplyFixedLen {
		return HostReplyHeader{}, fmt.Errorf("wire: short HOST_REPLY: %d bytes", len(data))
	}
	return HostReplyHeader{
		Magic:    binary.BigEndian.Uint32(data[0:4]),
		Hostname: string(data[HostReplyFixedLen:]),
	}, nil
}

// MsgHeader is the common prefix of TINY, SMALL, MEDIUM and RNDV frames:
// the endpoint pair, the library's sequence numbers, a session guard, and
// the upper layer's opaque match_info used for unexpected-receive matching.
type MsgHeader struct {
	SrcEndpoint uint8
	DstEndpoint uint8
	Session     uint32
	LibSeqnum   uint32
	LibPiggyAck uint32
	MatchInfo   uint64
	Length      uint32
}

const MsgHeaderLen = 1 + 1 + 4 + 4 + 4 + 8 + 4

func (h MsgHeader) Marshal(dst []byte) []byte {
	var b [MsgHeaderLen]byte
	b[0] = h.SrcEndpoint
	b[1] = h.DstEndpoint
	binary.BigEndian.PutUint32(b[2:6], h.Session)
	binary.BigEndian.PutUint32(b[6:10], h.LibSeqnum)
	binary.BigEndian.PutUint32(b[10:14], h.LibPiggyAck)
	binary.BigEndian.PutUint64(b[14:22], h.MatchInfo)
	binary.BigEndian.PutUint32(b[22:26], h.Length)
	return append(dst, b[:]...)
}

func ParseMsgHeader(data []byte) (MsgHeader, []byte, error) {
	if len(data) < MsgHeaderLen {
		return MsgHeader{}, nil, fmt.Errorf("wire: short msg header: %d bytes", len(data))
	}
	h := MsgHeader{
		SrcEndpoint: data[0],
		DstEndpoint: data[1],
		Session:     binary.BigEndian.Uint32(data[2:6]),
		LibSeqnum:   binary.BigEndian.Uint32(data[6:10]),
		LibPiggyAck: binary.BigEndian.Uint32(data[10:14]),
		MatchInfo:   binary.BigEndian.Uint64(data[14:22]),
		Length:      binary.BigEndian.Uint32(data[22:26]),
	}
	return h, data[MsgHeaderLen:], nil
}

// MediumHeader extends MsgHeader with the fragment position TINY/SMALL
// don't need: MEDIUM messages are striped across multiple frames that can
// arrive out of order.
type MediumHeader struct {
	Msg          MsgHeader
	FragSeqnum   uint16
	FragLength   uint16
	FragPipeline uint8
}

const MediumExtraLen = 2 + 2 + 1

func (h MediumHeader) Marshal(dst []byte) []byte {
	dst = h.Msg.Marshal(dst)
	var b [MediumExtraLen]byte
	binary.BigEndian.PutUint16(b[0:2], h.FragSeqnum)
	binary.BigEndian.PutUint16(b[2:4], h.FragLength)
	b[4] = h.FragPipeline
	return append(dst, b[:]...)
}

func ParseMediumHeader(data []byte) (MediumHeader, []byte, error) {
	msg, rest, err := ParseMsgHeader(data)
	if err != nil {
		return MediumHeader{}, nil, err
	}
	if len(rest) < MediumExtraLen {
		return MediumHeader{}, nil, fmt.Errorf("wire: short medium header: %d bytes", len(rest))
	}
	h := MediumHeader{
		Msg:          msg,
		FragSeqnum:   binary.BigEndian.Uint16(rest[0:2]),
		FragLength:   binary.BigEndian.Uint16(rest[2:4]),
		FragPipeline: rest[4],
	}
	return h, rest[MediumExtraLen:], nil
}

// RndvHeader announces a rendezvous (large message) send: the receiver
// pulls the payload itself via PULL frames rather than the sender pushing
// it.
type RndvHeader struct {
	Msg            MsgHeader
	PulledRdmaID   uint32
	PulledRdmaSeq  uint32
}

const RndvExtraLen = 4 + 4

func (h RndvHeader) Marshal(dst []byte) []byte {
	dst = h.Msg.Marshal(dst)
	var b [RndvExtraLen]byte
	binary.BigEndian.PutUint32(b[0:4], h.PulledRdmaID)
	binary.BigEndian.PutUint32(b[4:8], h.PulledRdmaSeq)
	return append(dst, b[:]...)
}

func ParseRndvHeader(data []byte) (RndvHeader, error) {
	msg, rest, err := ParseMsgHeader(data)
	if err != nil {
		return RndvHeader{}, err
	}
	if len(rest) < RndvExtraLen {
		return RndvHeader{}, fmt.Errorf("wire: short rndv header: %d bytes", len(rest))
	}
	return RndvHeader{
		Msg:           msg,
		PulledRdmaID:  binary.BigEndian.Uint32(rest[0:4]),
		PulledRdmaSeq: binary.BigEndian.Uint32(rest[4:8]),
	}, nil
}

// PullHeader requests a block of a remote region; it carries the
// requester's own handle and magic so the reply can be matched back to the
// right in-flight Handle even across a generation wraparound.
type PullHeader struct {
	SrcEndpoint      uint8
	DstEndpoint      uint8
	Session          uint32
	SrcPullHandle    uint32
	SrcMagic         uint32
	FrameIndex       uint32
	FirstFrameOffset uint32
	BlockLength      uint32
	TotalLength      uint32
	PulledRdmaID     uint32
	PulledRdmaOffset uint32
}

const PullHeaderLen = 1 + 1 + 4*9

func (h PullHeader) Marshal(dst []byte) []byte {
	var b [PullHeaderLen]byte
	b[0] = h.SrcEndpoint
	b[1] = h.DstEndpoint
	binary.BigEndian.PutUint32(b[2:6], h.Session)
	binary.BigEndian.PutUint32(b[6:10], h.SrcPullHandle)
	binary.BigEndian.PutUint32(b[10:14], h.SrcMagic)
	binary.BigEndian.PutUint32(b[14:18], h.FrameIndex)
	binary.BigEndian.PutUint32(b[18:22], h.FirstFrameOffset)
	binary.BigEndian.PutUint32(b[22:26], h.BlockLength)
	binary.BigEndian.PutUint32(b[26:30], h.TotalLength)
	binary.BigEndian.PutUint32(b[30:34], h.PulledRdmaID)
	binary.BigEndian.PutUint32(b[34:38], h.PulledRdmaOffset)
	return append(dst, b[:]...)
}

func ParsePullHeader(data []byte) (PullHeader, error) {
	if len(data) < PullHeaderLen {
		return PullHeader{}, fmt.Errorf("wire: short PULL header: %d bytes", len(data))
	}
	return PullHeader{
		SrcEndpoint:      data[0],
		DstEndpoint:      data[1],
		Session:          binary.BigEndian.Uint32(data[2:6]),
		SrcPullHandle:    binary.BigEndian.Uint32(data[6:10]),
		SrcMagic:         binary.BigEndian.Uint32(data[10:14]),
		FrameIndex:       binary.BigEndian.Uint32(data[14:18]),
		FirstFrameOffset: binary.BigEndian.Uint32(data[18:22]),
		BlockLength:      binary.BigEndian.Uint32(data[22:26]),
		TotalLength:      binary.BigEndian.Uint32(data[26:30]),
		PulledRdmaID:     binary.BigEndian.Uint32(data[30:34]),
		PulledRdmaOffset: binary.BigEndian.Uint32(data[34:38]),
	}, nil
}

// PullReplyHeader carries one frame of a pull block back to the requester.
// DstMagic must match the magic the requester stamped into the
// corresponding PullHeader or the frame is dropped as stale.
type PullReplyHeader struct {
	DstPullHandle uint32
	DstMagic      uint32
	MsgOffset     uint32
	FrameSeqnum   uint8
	FrameLength   uint16
}

const PullReplyHeaderLen = 4 + 4 + 4 + 1 + 2

func (h PullReplyHeader) Marshal(dst []byte) []byte {
	var b [PullReplyHeaderLen]byte
	binary.BigEndian.PutUint32(b[0:4], h.DstPullHandle)
	binary.BigEndian.PutUint32(b[4:8], h.DstMagic)
	binary.BigEndian.PutUint32(b[8:12], h.MsgOffset)
	b[12] = h.FrameSeqnum
	binary.BigEndian.PutUint16(b[13:15], h.FrameLength)
	return append(dst, b[:]...)
}

func ParsePullReplyHeader(data []byte) (PullReplyHeader, error) {
	if len(data) < PullReplyHeaderLen {
		return PullReplyHeader{}, fmt.Errorf("wire: short PULL_REPLY header: %d bytes", len(data))
	}
	return PullReplyHeader{
		DstPullHandle: binary.BigEndian.Uint32(data[0:4]),
		DstMagic:      binary.BigEndian.Uint32(data[4:8]),
		MsgOffset:     binary.BigEndian.Uint32(data[8:12]),
		FrameSeqnum:   data[12],
		FrameLength:   binary.BigEndian.Uint16(data[13:15]),
	}, nil
}

// NotifyHeader tells the sender of a rendezvous that the receiver has
// finished pulling the whole message.
type NotifyHeader struct {
	SrcEndpoint   uint8
	DstEndpoint   uint8
	Session       uint32
	LibSeqnum     uint32
	LibPiggyAck   uint32
	PulledRdmaID  uint32
	PulledRdmaSeq uint32
	TotalLength   uint32
}

const NotifyHeaderLen = 1 + 1 + 4*6

func (h NotifyHeader) Marshal(dst []byte) []byte {
	var b [NotifyHeaderLen]byte
	b[0] = h.SrcEndpoint
	b[1] = h.DstEndpoint
	binary.BigEndian.PutUint32(b[2:6], h.Session)
	binary.BigEndian.PutUint32(b[6:10], h.LibSeqnum)
	binary.BigEndian.PutUint32(b[10:14], h.LibPiggyAck)
	binary.BigEndian.PutUint32(b[14:18], h.PulledRdmaID)
	binary.BigEndian.PutUint32(b[18:22], h.PulledRdmaSeq)
	binary.BigEndian.PutUint32(b[22:26], h.TotalLength)
	return append(dst, b[:]...)
}

func ParseNotifyHeader(data []byte) (NotifyHeader, error) {
	if len(data) < NotifyHeaderLen {
		return NotifyHeader{}, fmt.Errorf("wire: short NOTIFY header: %d bytes", len(data))
	}
	return NotifyHeader{
		SrcEndpoint:   data[0],
		DstEndpoint:   data[1],
		Session:       binary.BigEndian.Uint32(data[2:6]),
		LibSeqnum:     binary.BigEndian.Uint32(data[6:10]),
		LibPiggyAck:   binary.BigEndian.Uint32(data[10:14]),
		PulledRdmaID:  binary.BigEndian.Uint32(data[14:18]),
		PulledRdmaSeq: binary.BigEndian.Uint32(data[18:22]),
		TotalLength:   binary.BigEndian.Uint32(data[22:26]),
	}, nil
}

// NackLibHeader rejects a TINY/SMALL/MEDIUM/RNDV send at the library level
// (e.g. the destination endpoint is gone); nackType is a status.Code value.
type NackLibHeader struct {
	SrcEndpoint uint8
	DstEndpoint uint8
	LibSeqnum   uint32
	NackType    uint8
}

const NackLibHeaderLen = 1 + 1 + 4 + 1

func (h NackLibHeader) Marshal(dst []byte) []byte {
	var b [NackLibHeaderLen]byte
	b[0] = h.SrcEndpoint
	b[1] = h.DstEndpoint
	binary.BigEndian.PutUint32(b[2:6], h.LibSeqnum)
	b[6] = h.NackType
	return append(dst, b[:]...)
}

func ParseNackLibHeader(data []byte) (NackLibHeader, error) {
	if len(data) < NackLibHeaderLen {
		return NackLibHeader{}, fmt.Errorf("wire: short NACK_LIB header: %d bytes", len(data))
	}
	return NackLibHeader{
		SrcEndpoint: data[0],
		DstEndpoint: data[1],
		LibSeqnum:   binary.BigEndian.Uint32(data[2:6]),
		NackType:    data[6],
	}, nil
}

// NackMcpHeader rejects a PULL request at the pull-handle level (e.g. a
// stale or unknown magic); see internal/pull for how this maps back onto a
// Handle's retransmit state.
type NackMcpHeader struct {
	SrcEndpoint   uint8
	NackType      uint8
	SrcPullHandle uint32
	SrcMagic      uint32
}

const NackMcpHeaderLen = 1 + 1 + 4 + 4

func (h NackMcpHeader) Marshal(dst []byte) []byte {
	var b [NackMcpHeaderLen]byte
	b[0] = h.SrcEndpoint
	b[1] = h.NackType
	binary.BigEndian.PutUint32(b[2:6], h.SrcPullHandle)
	binary.BigEndian.PutUint32(b[6:10], h.SrcMagic)
	return append(dst, b[:]...)
}

func ParseNackMcpHeader(data []byte) (NackMcpHeader, error) {
	if len(data) < NackMcpHeaderLen {
		return NackMcpHeader{}, fmt.Errorf("wire: short NACK_MCP header: %d bytes", len(data))
	}
	return NackMcpHeader{
		SrcEndpoint:   data[0],
		NackType:      data[1],
		SrcPullHandle: binary.BigEndian.Uint32(data[2:6]),
		SrcMagic:      binary.BigEndian.Uint32(data[6:10]),
	}, nil
}

// TrucHeader carries a standalone acknowledgement (a "truc", a bare
// liback frame): piggybacked ack/seq state with no payload of its own.
type TrucHeader struct {
	SrcEndpoint uint8
	DstEndpoint uint8
	Session     uint32
	LibSeqnum   uint32
	LibPiggyAck uint32
	Resent      bool
}

const TrucHeaderLen = 1 + 1 + 4 + 4 + 4 + 1

func (h TrucHeader) Marshal(dst []byte) []byte {
	var b [TrucHeaderLen]byte
	b[0] = h.SrcEndpoint
	b[1] = h.DstEndpoint
	binary.BigEndian.PutUint32(b[2:6], h.Session)
	binary.BigEndian.PutUint32(b[6:10], h.LibSeqnum)
	binary.BigEndian.PutUint32(b[10:14], h.LibPiggyAck)
	if h.Resent {
		b[14] = 1
	}
	return append(dst, b[:]...)
}

func ParseTrucHeader(data []byte) (TrucHeader, error) {
	if len(data) < TrucHeaderLen {
		return TrucHeader{}, fmt.Errorf("wire: short TRUC header: %d bytes", len(data))
	}
	return TrucHeader{
		SrcEndpoint: data[0],
		DstEndpoint: data[1],
		Session:     binary.BigEndian.Uint32(data[2:6]),
		LibSeqnum:   binary.BigEndian.Uint32(data[6:10]),
		LibPiggyAck: binary.BigEndian.Uint32(data[10:14]),
		Resent:      data[14] != 0,
	}, nil
}

// ConnectHeader carries the upper layer's connection handshake. Open-MX's
// own request-matching state machine for it lives in user space; the core only forwards the opaque Payload between the
// two endpoints' unexpected-receive queues.
type ConnectHeader struct {
	SrcEndpoint uint8
	DstEndpoint uint8
	LibSeqnum   uint32
	IsReply     bool
	Length      uint16
}

const ConnectHeaderLen = 1 + 1 + 4 + 1 + 2

func (h ConnectHeader) Marshal(dst []byte) []byte {
	var b [ConnectHeaderLen]byte
	b[0] = h.SrcEndpoint
	b[1] = h.DstEndpoint
	binary.BigEndian.PutUint32(b[2:6], h.LibSeqnum)
	if h.IsReply {
		b[6] = 1
	}
	binary.BigEndian.PutUint16(b[7:9], h.Length)
	return append(dst, b[:]...)
}

func ParseConnectHeader(data []byte) (ConnectHeader, error) {
	if len(data) < ConnectHeaderLen {
		return ConnectHeader{}, fmt.Errorf("wire: short CONNECT header: %d bytes", len(data))
	}
	return ConnectHeader{
		SrcEndpoint: data[0],
		DstEndpoint: data[1],
		LibSeqnum:   binary.BigEndian.Uint32(data[2:6]),
		IsReply:     data[6] != 0,
		Length:      binary.BigEndian.Uint16(data[7:9]),
	}, nil
}
