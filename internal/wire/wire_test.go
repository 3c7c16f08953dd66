package wire_test

import (
	"net"
	"testing"

	"github.com/open-mx/omx/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMagicRoundTrip(t *testing.T) {
	for _, idx := range []uint16{0, 1, 42, 0xFFFF} {
		magic := wire.EncodeMagic(idx)
		got, ok := wire.DecodeMagicEndpoint(magic)
		require.True(t, ok)
		require.Equal(t, idx, got)
	}
}

func TestDecodeMagicRejectsUnrelatedValue(t *testing.T) {
	_, ok := wire.DecodeMagicEndpoint(0xFFFFFFFF)
	require.False(t, ok)
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	h := wire.FrameHeader{DstSrcPeerIndex: 7, Type: wire.PacketPull}
	buf := h.Marshal(nil)
	got, rest, err := wire.ParseFrameHeader(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, h, got)
}

func TestParseFrameHeaderShort(t *testing.T) {
	_, _, err := wire.ParseFrameHeader([]byte{0x01})
	require.Error(t, err)
}

func TestMsgHeaderRoundTrip(t *testing.T) {
	h := wire.MsgHeader{
		SrcEndpoint: 3,
		DstEndpoint: 5,
		Session:     0xDEADBEEF,
		LibSeqnum:   12,
		LibPiggyAck: 11,
		MatchInfo:   0x0102030405060708,
		Length:      256,
	}
	buf := h.Marshal(nil)
	got, rest, err := wire.ParseMsgHeader(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, h, got)
}

func TestMediumHeaderRoundTrip(t *testing.T) {
	h := wire.MediumHeader{
		Msg:          wire.MsgHeader{SrcEndpoint: 1, DstEndpoint: 2, Session: 9, Length: 4096},
		FragSeqnum:   3,
		FragLength:   1500,
		FragPipeline: 2,
	}
	buf := h.Marshal(nil)
	got, rest, err := wire.ParseMediumHeader(buf)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, h, got)
}

func TestPullHeaderRoundTrip(t *testing.T) {
	h := wire.PullHeader{
		SrcEndpoint:      1,
		DstEndpoint:      2,
		Session:          0x1234,
		SrcPullHandle:    7,
		SrcMagic:         wire.EncodeMagic(7),
		FrameIndex:       3,
		FirstFrameOffset: 0,
		BlockLength:      32768,
		TotalLength:      1 << 20,
		PulledRdmaID:     9,
		PulledRdmaOffset: 4096,
	}
	buf := h.Marshal(nil)
	got, err := wire.ParsePullHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestPullReplyHeaderRoundTrip(t *testing.T) {
	h := wire.PullReplyHeader{
		DstPullHandle: 5,
		DstMagic:      wire.EncodeMagic(5),
		MsgOffset:     8192,
		FrameSeqnum:   2,
		FrameLength:   4096,
	}
	buf := h.Marshal(nil)
	got, err := wire.ParsePullReplyHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHostQueryReplyRoundTrip(t *testing.T) {
	q := wire.HostQueryHeader{Magic: 0xAABBCCDD}
	got, err := wire.ParseHostQueryHeader(q.Marshal(nil))
	require.NoError(t, err)
	require.Equal(t, q, got)

	r := wire.HostReplyHeader{Magic: 0xAABBCCDD, Hostname: "node07"}
	gotR, err := wire.ParseHostReplyHeader(r.Marshal(nil))
	require.NoError(t, err)
	require.Equal(t, r, gotR)
}

func TestNackHeadersRoundTrip(t *testing.T) {
	lib := wire.NackLibHeader{SrcEndpoint: 1, DstEndpoint: 2, LibSeqnum: 99, NackType: 4}
	gotLib, err := wire.ParseNackLibHeader(lib.Marshal(nil))
	require.NoError(t, err)
	require.Equal(t, lib, gotLib)

	mcp := wire.NackMcpHeader{SrcEndpoint: 1, NackType: 6, SrcPullHandle: 3, SrcMagic: wire.EncodeMagic(3)}
	gotMcp, err := wire.ParseNackMcpHeader(mcp.Marshal(nil))
	require.NoError(t, err)
	require.Equal(t, mcp, gotMcp)
}

func TestSerializeFramePadsToMinimum(t *testing.T) {
	dst, _ := net.ParseMAC("00:11:22:33:44:55")
	src, _ := net.ParseMAC("66:77:88:99:aa:bb")
	frame, err := wire.SerializeFrame(dst, src, []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Len(t, frame, wire.EthMinFrameLen)

	gotDst, gotSrc, etherType, payload, ok := wire.ParseEthernetHeader(frame)
	require.True(t, ok)
	require.Equal(t, dst, gotDst)
	require.Equal(t, src, gotSrc)
	require.Equal(t, uint16(wire.EtherTypeOMX), etherType)
	require.Equal(t, byte(0x01), payload[0])
}

func TestConnectAndTrucHeaderRoundTrip(t *testing.T) {
	c := wire.ConnectHeader{SrcEndpoint: 1, DstEndpoint: 2, LibSeqnum: 5, IsReply: true, Length: 64}
	gotC, err := wire.ParseConnectHeader(c.Marshal(nil))
	require.NoError(t, err)
	require.Equal(t, c, gotC)

	tr := wire.TrucHeader{SrcEndpoint: 1, DstEndpoint: 2, Session: 3, LibSeqnum: 4, LibPiggyAck: 5, Resent: true}
	gotTr, err := wire.ParseTrucHeader(tr.Marshal(nil))
	require.NoError(t, err)
	require.Equal(t, tr, gotTr)
}
