//go:build linux

package engine

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-mx/omx/internal/config"
	"github.com/open-mx/omx/internal/event"
	"github.com/open-mx/omx/internal/iface"
	"github.com/open-mx/omx/internal/send"
	"github.com/open-mx/omx/internal/shared"
	"github.com/open-mx/omx/internal/status"
	"github.com/open-mx/omx/internal/wire"
)

type fakeNetlinker struct {
	addr net.HardwareAddr
}

func (f fakeNetlinker) LinkInfo(netdev string) (iface.LinkInfo, error) {
	return iface.LinkInfo{IsEthernet: true, Up: true, MTU: 1500, Addr: f.addr}, nil
}
func (fakeNetlinker) ListEthernet() ([]string, error) { return nil, nil }
func (fakeNetlinker) OpenRawSocket(netdev string, etherType uint16) (int, error) {
	return -1, net.UnknownNetworkError("engine test: raw sockets unavailable")
}
func (fakeNetlinker) CloseRawSocket(fd int) error { return nil }

func testMAC(s string) net.HardwareAddr {
	a, _ := net.ParseMAC(s)
	return a
}

func TestNewBuildsAllSubsystems(t *testing.T) {
	nl := fakeNetlinker{addr: testMAC("00:11:22:33:44:55")}
	c, err := New(config.DefaultParams(), nl, nil)
	require.NoError(t, err)
	require.NotNil(t, c.Interfaces())
	require.NotNil(t, c.Peers())
	require.NotNil(t, c.Pulls())
	require.NotNil(t, c.Path())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	nl := fakeNetlinker{addr: testMAC("00:11:22:33:44:55")}
	_, err := New(config.Params{MaxIfaces: -1}, nl, nil)
	require.Error(t, err)
}

// fakeFrameWriter lets broadcastAdapter's downstream send.Builder write
// without touching a real socket.
type fakeFrameWriter struct {
	addr    net.HardwareAddr
	written []struct {
		ifaceIdx int
		frame    []byte
	}
}

func (f *fakeFrameWriter) WriteFrame(ifaceIdx int, frame []byte) error {
	f.written = append(f.written, struct {
		ifaceIdx int
		frame    []byte
	}{ifaceIdx, frame})
	return nil
}

func (f *fakeFrameWriter) LocalAddr(ifaceIdx int) (net.HardwareAddr, error) {
	return f.addr, nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveDst(peerIdx int) (net.HardwareAddr, uint16, error) {
	return testMAC("ff:ff:ff:ff:ff:ff"), 0, nil
}

func TestBroadcastAdapterFansOutToEveryAttachedInterface(t *testing.T) {
	nl := fakeNetlinker{addr: testMAC("00:11:22:33:44:55")}
	reg, err := iface.NewRegistry(iface.Config{MaxIfaces: 4, EndpointsPerIface: 1}, nl)
	require.NoError(t, err)

	_, _, err = reg.Attach("eth0")
	require.NoError(t, err)
	_, _, err = reg.Attach("eth1")
	require.NoError(t, err)

	fw := &fakeFrameWriter{addr: testMAC("00:11:22:33:44:55")}
	builder := send.NewBuilder(fw, fakeResolver{})

	adapter := &broadcastAdapter{reg: reg, send: builder}
	require.NoError(t, adapter.BroadcastHostQuery(42))
	require.Len(t, fw.written, 2)
}

func TestCoreHandlersReplyToHostQuery(t *testing.T) {
	nl := fakeNetlinker{addr: testMAC("00:11:22:33:44:55")}
	cfg := config.DefaultParams()
	cfg.Hostname = "node-a"
	c, err := New(cfg, nl, nil)
	require.NoError(t, err)

	idx, _, err := c.ifaces.Attach("eth0")
	require.NoError(t, err)

	fw := &fakeFrameWriter{addr: testMAC("00:11:22:33:44:55")}
	c.sendr = send.NewBuilder(fw, fakeResolver{})
	c.disp = nil // handlers() closes over c.sendr/c.ifaces, safe to rebuild
	h := c.handlers()

	h.HostQuery(idx, testMAC("aa:bb:cc:dd:ee:ff"), wire.HostQueryHeader{Magic: 7})
	require.Len(t, fw.written, 1)

	_, srcMAC, etherType, payload, ok := wire.ParseEthernetHeader(fw.written[0].frame)
	require.True(t, ok)
	require.Equal(t, testMAC("00:11:22:33:44:55"), srcMAC)
	require.Equal(t, wire.EtherTypeOMX, etherType)
	fh, rest, err := wire.ParseFrameHeader(payload)
	require.NoError(t, err)
	require.Equal(t, wire.PacketHostReply, fh.Type)
	hr, err := wire.ParseHostReplyHeader(rest)
	require.NoError(t, err)
	require.Equal(t, "node-a", hr.Hostname)
	require.Equal(t, uint32(7), hr.Magic)
}

func TestOpenEndpointBindsIntoInterface(t *testing.T) {
	nl := fakeNetlinker{addr: testMAC("00:11:22:33:44:55")}
	c, err := New(config.DefaultParams(), nl, nil)
	require.NoError(t, err)

	idx, _, err := c.ifaces.Attach("eth0")
	require.NoError(t, err)

	ep, err := c.OpenEndpoint(idx, 0, 8)
	require.NoError(t, err)
	require.NotNil(t, ep)

	ifc := c.ifaces.FindByIndex(idx)
	require.NotNil(t, ifc)
	require.Equal(t, iface.EndpointSlot(ep), ifc.Endpoint(0))
}

func newTestCoreWithFakeWriter(t *testing.T) (*Core, int, *fakeFrameWriter) {
	t.Helper()
	nl := fakeNetlinker{addr: testMAC("00:11:22:33:44:55")}
	c, err := New(config.DefaultParams(), nl, nil)
	require.NoError(t, err)

	idx, _, err := c.ifaces.Attach("eth0")
	require.NoError(t, err)

	fw := &fakeFrameWriter{addr: testMAC("00:11:22:33:44:55")}
	c.sendr = send.NewBuilder(fw, fakeResolver{})
	c.disp = nil
	return c, idx, fw
}

func TestHandleInlineMsgDeliversTinyToUnexpectedRing(t *testing.T) {
	c, idx, _ := newTestCoreWithFakeWriter(t)
	dst, err := c.OpenEndpoint(idx, 1, 8)
	require.NoError(t, err)

	h := c.handlers()
	payload := []byte("hello")
	msg := wire.MsgHeader{SrcEndpoint: 0, DstEndpoint: 1, Session: dst.SessionID, MatchInfo: 0xabc, Length: uint32(len(payload))}
	h.Tiny(idx, wire.FrameHeader{DstSrcPeerIndex: 0}, msg, payload)

	ev, ok := dst.Unexpected.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypeUnexpected, ev.Type)
	src, matchInfo, got, err := shared.ParseInline(ev.Payload[:])
	require.NoError(t, err)
	require.Equal(t, uint8(0), src)
	require.Equal(t, uint64(0xabc), matchInfo)
	require.Equal(t, payload, got)
}

// TestHandleInlineMsgNacksClosedEndpoint is the wire-path counterpart to
// spec.md §8's "remote endpoint closed mid-send" scenario: a TINY send to
// an endpoint that has transitioned to CLOSING must produce a NACK_LIB of
// type ENDPT_CLOSED addressed back at the sender.
func TestHandleInlineMsgNacksClosedEndpoint(t *testing.T) {
	c, idx, fw := newTestCoreWithFakeWriter(t)
	dst, err := c.OpenEndpoint(idx, 1, 8)
	require.NoError(t, err)
	dst.Close()

	h := c.handlers()
	msg := wire.MsgHeader{SrcEndpoint: 0, DstEndpoint: 1, Session: dst.SessionID}
	h.Tiny(idx, wire.FrameHeader{DstSrcPeerIndex: 0}, msg, []byte("x"))

	require.Len(t, fw.written, 1)
	_, _, _, payload, ok := wire.ParseEthernetHeader(fw.written[0].frame)
	require.True(t, ok)
	fh, rest, err := wire.ParseFrameHeader(payload)
	require.NoError(t, err)
	require.Equal(t, wire.PacketNackLib, fh.Type)
	nl, err := wire.ParseNackLibHeader(rest)
	require.NoError(t, err)
	require.Equal(t, uint8(status.EndpointClosed), nl.NackType)
	require.Equal(t, uint8(1), nl.SrcEndpoint)
	require.Equal(t, uint8(0), nl.DstEndpoint)
}

func TestHandleNackLibPostsSendComplete(t *testing.T) {
	c, idx, _ := newTestCoreWithFakeWriter(t)
	sender, err := c.OpenEndpoint(idx, 0, 8)
	require.NoError(t, err)

	h := c.handlers()
	h.NackLib(idx, wire.FrameHeader{}, wire.NackLibHeader{
		SrcEndpoint: 1,
		DstEndpoint: 0,
		LibSeqnum:   42,
		NackType:    uint8(status.EndpointClosed),
	})

	ev, ok := sender.Expected.Poll()
	require.True(t, ok)
	require.Equal(t, event.TypeSendComplete, ev.Type)
	require.Equal(t, uint8(status.EndpointClosed), ev.Payload[4])
}
