//go:build linux

package iface_test

import (
	"fmt"
	"net"
	"testing"

	"github.com/open-mx/omx/internal/iface"
	"github.com/stretchr/testify/require"
)

type fakeNetlinker struct {
	links map[string]iface.LinkInfo
}

func (f *fakeNetlinker) LinkInfo(netdev string) (iface.LinkInfo, error) {
	l, ok := f.links[netdev]
	if !ok {
		return iface.LinkInfo{}, fmt.Errorf("fake: no such link %s", netdev)
	}
	return l, nil
}

func (f *fakeNetlinker) ListEthernet() ([]string, error) {
	var out []string
	for name, l := range f.links {
		if l.Up && l.IsEthernet {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeNetlinker) OpenRawSocket(netdev string, etherType uint16) (int, error) {
	return 99, nil
}

func (f *fakeNetlinker) CloseRawSocket(fd int) error { return nil }

func mac(s string) net.HardwareAddr {
	a, _ := net.ParseMAC(s)
	return a
}

func testConfig() iface.Config {
	return iface.Config{MaxIfaces: 4, EndpointsPerIface: 8, Hostname: "node0"}
}

func TestAttachAssignsIndexAndWarnsOnDown(t *testing.T) {
	nl := &fakeNetlinker{links: map[string]iface.LinkInfo{
		"eth0": {IsEthernet: true, Up: false, MTU: 1500, Addr: mac("00:11:22:33:44:55")},
	}}
	reg, err := iface.NewRegistry(testConfig(), nl)
	require.NoError(t, err)

	idx, warnings, err := reg.Attach("eth0")
	require.NoError(t, err)
	require.Equal(t, 0, idx)
	require.Len(t, warnings, 1)

	ifc := reg.FindByIndex(idx)
	require.NotNil(t, ifc)
	require.Equal(t, "eth0", ifc.Netdev)
	require.Equal(t, iface.StatusOK, ifc.Status())
}

func TestAttachRejectsNonEthernet(t *testing.T) {
	nl := &fakeNetlinker{links: map[string]iface.LinkInfo{
		"lo": {IsEthernet: false, Up: true, MTU: 65536},
	}}
	reg, err := iface.NewRegistry(testConfig(), nl)
	require.NoError(t, err)

	_, _, err = reg.Attach("lo")
	require.ErrorIs(t, err, iface.ErrNotEthernet)
}

func TestAttachRejectsDuplicateAndFullTable(t *testing.T) {
	nl := &fakeNetlinker{links: map[string]iface.LinkInfo{
		"eth0": {IsEthernet: true, Up: true, MTU: 1500, Addr: mac("00:11:22:33:44:55")},
		"eth1": {IsEthernet: true, Up: true, MTU: 1500, Addr: mac("00:11:22:33:44:66")},
	}}
	cfg := testConfig()
	cfg.MaxIfaces = 1
	reg, err := iface.NewRegistry(cfg, nl)
	require.NoError(t, err)

	_, _, err = reg.Attach("eth0")
	require.NoError(t, err)

	_, _, err = reg.Attach("eth0")
	require.ErrorIs(t, err, iface.ErrAlreadyAttached)

	_, _, err = reg.Attach("eth1")
	require.ErrorIs(t, err, iface.ErrTooManyInterfaces)
}

type fakeEndpoint struct {
	removed bool
	closed  bool
}

func (f *fakeEndpoint) MarkIfaceRemoved() { f.removed = true }
func (f *fakeEndpoint) Close()            { f.closed = true }

func TestDetachClosesBoundEndpoints(t *testing.T) {
	nl := &fakeNetlinker{links: map[string]iface.LinkInfo{
		"eth0": {IsEthernet: true, Up: true, MTU: 1500, Addr: mac("00:11:22:33:44:55")},
	}}
	reg, err := iface.NewRegistry(testConfig(), nl)
	require.NoError(t, err)

	idx, _, err := reg.Attach("eth0")
	require.NoError(t, err)

	ifc := reg.FindByIndex(idx)
	ep := &fakeEndpoint{}
	require.NoError(t, ifc.BindEndpoint(2, ep))

	require.NoError(t, reg.Detach(idx, false))
	require.True(t, ep.removed)
	require.True(t, ep.closed)
	require.Nil(t, reg.FindByIndex(idx))
}

func TestFindByAddrAndNetdev(t *testing.T) {
	nl := &fakeNetlinker{links: map[string]iface.LinkInfo{
		"eth0": {IsEthernet: true, Up: true, MTU: 1500, Addr: mac("aa:bb:cc:dd:ee:ff")},
	}}
	reg, err := iface.NewRegistry(testConfig(), nl)
	require.NoError(t, err)
	_, _, err = reg.Attach("eth0")
	require.NoError(t, err)

	require.NotNil(t, reg.FindByNetdev("eth0"))
	require.NotNil(t, reg.FindByAddr(mac("aa:bb:cc:dd:ee:ff")))
	require.Nil(t, reg.FindByAddr(mac("11:11:11:11:11:11")))
}

func TestReverseIndexSetAndGet(t *testing.T) {
	nl := &fakeNetlinker{links: map[string]iface.LinkInfo{
		"eth0": {IsEthernet: true, Up: true, MTU: 1500, Addr: mac("00:11:22:33:44:55")},
	}}
	reg, err := iface.NewRegistry(testConfig(), nl)
	require.NoError(t, err)
	idx, _, err := reg.Attach("eth0")
	require.NoError(t, err)

	ifc := reg.FindByIndex(idx)
	require.Equal(t, uint16(0), ifc.PeerIndex(5))
	ifc.SetPeerIndex(5, 42)
	require.Equal(t, uint16(42), ifc.PeerIndex(5))
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, iface.Config{MaxIfaces: 0, EndpointsPerIface: 1}.Validate())
	require.Error(t, iface.Config{MaxIfaces: 1, EndpointsPerIface: 0}.Validate())
	require.NoError(t, iface.Config{MaxIfaces: 1, EndpointsPerIface: 1}.Validate())
}

func TestIterStopsEarly(t *testing.T) {
	nl := &fakeNetlinker{links: map[string]iface.LinkInfo{
		"eth0": {IsEthernet: true, Up: true, MTU: 1500, Addr: mac("00:11:22:33:44:55")},
		"eth1": {IsEthernet: true, Up: true, MTU: 1500, Addr: mac("00:11:22:33:44:66")},
	}}
	reg, err := iface.NewRegistry(testConfig(), nl)
	require.NoError(t, err)
	_, _, err = reg.Attach("eth0")
	require.NoError(t, err)
	_, _, err = reg.Attach("eth1")
	require.NoError(t, err)

	seen := 0
	reg.Iter(func(*iface.Interface) bool {
		seen++
		return false
	})
	require.Equal(t, 1, seen)
	require.Equal(t, 2, reg.Count())
}
