//go:build linux

package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/open-mx/omx/internal/config"
	"github.com/open-mx/omx/internal/event"
	"github.com/open-mx/omx/internal/pull"
	"github.com/open-mx/omx/internal/region"
	"github.com/open-mx/omx/internal/send"
	"github.com/open-mx/omx/internal/shared"
	"github.com/open-mx/omx/internal/status"
	"github.com/open-mx/omx/internal/wire"
)

// bridgeWriter plays the role of a wire between two in-process hosts' engine
// cores: rather than faking an AF_PACKET socket (what real attachment needs),
// it hands a fully-serialized frame straight to the peer core's Dispatcher,
// the same call internal/recv.Reader would make after reading it off a NIC.
// An optional drop hook lets a scenario inject loss on a chosen packet type.
type bridgeWriter struct {
	selfMAC  net.HardwareAddr
	peer     *Core
	peerIdx  int
	drop     func(frame []byte) bool
}

func (b *bridgeWriter) WriteFrame(ifaceIdx int, frame []byte) error {
	if b.drop != nil && b.drop(frame) {
		return nil
	}
	b.peer.disp.HandleFrame(b.peerIdx, frame)
	return nil
}

func (b *bridgeWriter) LocalAddr(ifaceIdx int) (net.HardwareAddr, error) {
	return b.selfMAC, nil
}

// fixedResolver always points at the single peer on the other end of a
// bridgeWriter; a two-host point-to-point bridge has no need for a real
// peer table lookup to pick among multiple peers.
type fixedResolver struct{ mac net.HardwareAddr }

func (r fixedResolver) ResolveDst(peerIdx int) (net.HardwareAddr, uint16, error) {
	return r.mac, 0, nil
}

// newTestHost builds a Core the way engine.New does, but skips
// AttachInterface (which opens a real AF_PACKET socket) in favor of
// attaching the interface at the registry level only, matching the rest of
// this package's tests.
func newTestHost(t *testing.T, mac string) (*Core, int) {
	t.Helper()
	nl := fakeNetlinker{addr: testMAC(mac)}
	c, err := New(config.DefaultParams(), nl, nil)
	require.NoError(t, err)
	idx, _, err := c.ifaces.Attach("eth0")
	require.NoError(t, err)
	return c, idx
}

// bridge wires a's outbound frames to b's Dispatcher and vice versa,
// including re-pointing pulls at the new sender since pull.Manager keeps
// its own reference to the Sender it was built with.
func bridge(a *Core, aIdx int, b *Core, bIdx int) {
	aSend := send.NewBuilder(&bridgeWriter{selfMAC: testMAC("00:00:00:00:00:0a"), peer: b, peerIdx: bIdx}, fixedResolver{mac: testMAC("00:00:00:00:00:0b")})
	bSend := send.NewBuilder(&bridgeWriter{selfMAC: testMAC("00:00:00:00:00:0b"), peer: a, peerIdx: aIdx}, fixedResolver{mac: testMAC("00:00:00:00:00:0a")})
	a.sendr = aSend
	b.sendr = bSend
	a.pulls = pull.NewManager(a.pullCfg, a.cfg.MaxPeers, a.sendr, a.log)
	b.pulls = pull.NewManager(b.pullCfg, b.cfg.MaxPeers, b.sendr, b.log)
}

// bridgeLossy is like bridge but installs a drop hook on a's outbound
// frames of the given packet type, dropping every nth one.
func bridgeLossy(a *Core, aIdx int, b *Core, bIdx int, dropType wire.PacketType, dropEveryNth int) {
	n := 0
	drop := func(frame []byte) bool {
		_, _, _, payload, ok := wire.ParseEthernetHeader(frame)
		if !ok {
			return false
		}
		fh, _, err := wire.ParseFrameHeader(payload)
		if err != nil || fh.Type != dropType {
			return false
		}
		n++
		return n%dropEveryNth == 0
	}
	aSend := send.NewBuilder(&bridgeWriter{selfMAC: testMAC("00:00:00:00:00:0a"), peer: b, peerIdx: bIdx, drop: drop}, fixedResolver{mac: testMAC("00:00:00:00:00:0b")})
	bSend := send.NewBuilder(&bridgeWriter{selfMAC: testMAC("00:00:00:00:00:0b"), peer: a, peerIdx: aIdx}, fixedResolver{mac: testMAC("00:00:00:00:00:0a")})
	a.sendr = aSend
	b.sendr = bSend
	a.pulls = pull.NewManager(a.pullCfg, a.cfg.MaxPeers, a.sendr, a.log)
	b.pulls = pull.NewManager(b.pullCfg, b.cfg.MaxPeers, b.sendr, b.log)
}

// Scenario 1: tiny send on loopback. Same-interface delivery goes through
// the shared fast-path, not the wire, so this drives internal/shared.Path
// directly rather than building a bridge.
func TestScenarioTinySendOnLoopback(t *testing.T) {
	c, idx := newTestHost(t, "00:11:22:33:44:55")
	_, err := c.OpenEndpoint(idx, 0, 8)
	require.NoError(t, err)
	e2, err := c.OpenEndpoint(idx, 1, 8)
	require.NoError(t, err)

	data := []byte("abcdefg")
	require.NoError(t, c.Path().Tiny(0, e2, 0x42, data))

	ev, ok := e2.Unexpected.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypeUnexpected, ev.Type)
	src, matchInfo, payload, err := shared.ParseInline(ev.Payload[:])
	require.NoError(t, err)
	require.Equal(t, uint8(0), src)
	require.Equal(t, uint64(0x42), matchInfo)
	require.Equal(t, data, payload)
	require.Equal(t, len(data), len(payload)) // msg_length == xfer_length for an in-bounds tiny
}

// Scenario 4: rendezvous + pull, clean path, over the bridged wire path (two
// distinct hosts, not the shared fast-path).
func TestScenarioRendezvousPullCleanPath(t *testing.T) {
	a, aIdx := newTestHost(t, "00:00:00:00:00:0a")
	b, bIdx := newTestHost(t, "00:00:00:00:00:0b")
	bridge(a, aIdx, b, bIdx)

	srcEp, err := a.OpenEndpoint(aIdx, 0, 8)
	require.NoError(t, err)
	dstEp, err := b.OpenEndpoint(bIdx, 0, 8)
	require.NoError(t, err)

	const size = 1 << 20
	srcBytes := make([]byte, size)
	for i := range srcBytes {
		srcBytes[i] = byte(i)
	}
	srcRegion, err := region.New([]region.Segment{{Length: size, Writable: false, Bytes: srcBytes}}, false)
	require.NoError(t, err)
	regionID := srcEp.CreateRegion(srcRegion)

	dstBytes := make([]byte, size)
	dstRegion, err := region.New([]region.Segment{{Length: size, Writable: true, Bytes: dstBytes}}, false)
	require.NoError(t, err)

	// SEND_RNDV: advertise the source region. Session addresses the
	// receiving endpoint (dstEp), matching acquireDst's session check on
	// the receiving host, not the sender's own session.
	require.NoError(t, a.sendr.Rndv(aIdx, bIdx, wire.RndvHeader{
		Msg: wire.MsgHeader{SrcEndpoint: 0, DstEndpoint: 0, Session: dstEp.SessionID, Length: size},
	}))
	ev, ok := dstEp.Unexpected.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypeUnexpected, ev.Type)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.pulls.Run(ctx)

	h, err := b.pulls.Open(bIdx, aIdx, dstEp, func() {}, 0, srcEp.SessionID, 0xf00d, dstRegion, 0, size, 0, uint32(regionID))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.Status() != pull.StatusOK
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, pull.StatusSuccess, h.Status())
	require.Equal(t, srcBytes, dstBytes)
	require.Equal(t, 0, b.pulls.InFlight())

	pev, ok := dstEp.Expected.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypePullDone, pev.Type)
}

// Scenario 5: pull with single dropped reply. A lossy bridge drops every
// 4th PULL_REPLY; the transfer still completes via retransmission.
func TestScenarioPullWithDroppedReply(t *testing.T) {
	a, aIdx := newTestHost(t, "00:00:00:00:00:0a")
	b, bIdx := newTestHost(t, "00:00:00:00:00:0b")
	bridgeLossy(a, aIdx, b, bIdx, wire.PacketPullReply, 4)

	a.pullCfg.RetransmitTimeoutMS = 20
	b.pullCfg.RetransmitTimeoutMS = 20
	b.pulls = pull.NewManager(b.pullCfg, b.cfg.MaxPeers, b.sendr, b.log)

	srcEp, err := a.OpenEndpoint(aIdx, 0, 8)
	require.NoError(t, err)
	dstEp, err := b.OpenEndpoint(bIdx, 0, 8)
	require.NoError(t, err)

	const size = 256 << 10
	srcBytes := make([]byte, size)
	for i := range srcBytes {
		srcBytes[i] = byte(i)
	}
	srcRegion, err := region.New([]region.Segment{{Length: size, Writable: false, Bytes: srcBytes}}, false)
	require.NoError(t, err)
	regionID := srcEp.CreateRegion(srcRegion)

	dstBytes := make([]byte, size)
	dstRegion, err := region.New([]region.Segment{{Length: size, Writable: true, Bytes: dstBytes}}, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.pulls.Run(ctx)

	h, err := b.pulls.Open(bIdx, aIdx, dstEp, func() {}, 0, srcEp.SessionID, 0xf00d, dstRegion, 0, size, 0, uint32(regionID))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.Status() != pull.StatusOK
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, pull.StatusSuccess, h.Status())
	require.Equal(t, uint64(size), h.TotalLength)
	require.Equal(t, srcBytes, dstBytes)
}

// Scenario 6: remote endpoint closed mid-send, over the wire (not the
// shared fast-path, since NACK_LIB is a wire-level reply): the sender
// receives an unexpected NACK_LIB of type ENDPT_CLOSED and the original
// send's completion event carries REMOTE_ENDPOINT_CLOSED (status.EndpointClosed).
func TestScenarioRemoteEndpointClosedMidSend(t *testing.T) {
	a, aIdx := newTestHost(t, "00:00:00:00:00:0a")
	b, bIdx := newTestHost(t, "00:00:00:00:00:0b")
	bridge(a, aIdx, b, bIdx)

	srcEp, err := a.OpenEndpoint(aIdx, 0, 8)
	require.NoError(t, err)
	dstEp, err := b.OpenEndpoint(bIdx, 1, 8)
	require.NoError(t, err)
	dstEp.Close()

	require.NoError(t, a.sendr.Tiny(aIdx, bIdx, wire.MsgHeader{
		SrcEndpoint: 0, DstEndpoint: 1, Session: dstEp.SessionID, LibSeqnum: 99,
	}, []byte("x")))

	ev, ok := srcEp.Expected.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypeSendComplete, ev.Type)
	require.Equal(t, uint32(99), bigEndianUint32(ev.Payload[0:4]))
	require.Equal(t, uint8(status.EndpointClosed), ev.Payload[4])
}

func bigEndianUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
