//go:build linux

package iface

import (
	"fmt"
	"net"

	nl "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// LinkInfo is the subset of netlink link attributes Attach needs to decide
// whether to accept a netdev and what warnings to surface.
type LinkInfo struct {
	IsEthernet bool
	Up         bool
	MTU        int
	Addr       net.HardwareAddr
}

// Netlinker wraps the netlink/raw-socket calls the registry needs:
// production code talks to the kernel through Real, tests supply a fake.
type Netlinker interface {
	// LinkInfo queries a netdev's link attributes.
	LinkInfo(netdev string) (LinkInfo, error)
	// ListEthernet enumerates up Ethernet devices.
	ListEthernet() ([]string, error)
	// OpenRawSocket opens an AF_PACKET socket bound to netdev, filtering on
	// etherType, and returns its file descriptor.
	OpenRawSocket(netdev string, etherType uint16) (fd int, err error)
	// CloseRawSocket closes a descriptor returned by OpenRawSocket.
	CloseRawSocket(fd int) error
}

// Real is the production Netlinker, backed by vishvananda/netlink for link
// queries and golang.org/x/sys/unix for the AF_PACKET socket the receive
// path (internal/recv) reads frames from.
type Real struct{}

func (Real) LinkInfo(netdev string) (LinkInfo, error) {
	link, err := nl.LinkByName(netdev)
	if err != nil {
		return LinkInfo{}, err
	}
	attrs := link.Attrs()
	return LinkInfo{
		IsEthernet: link.Type() == "device" || link.Type() == "veth" || link.Type() == "bridge",
		Up:         attrs.Flags&net.FlagUp != 0,
		MTU:        attrs.MTU,
		Addr:       attrs.HardwareAddr,
	}, nil
}

func (Real) ListEthernet() ([]string, error) {
	links, err := nl.LinkList()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Flags&net.FlagUp == 0 {
			continue
		}
		if l.Type() != "device" {
			continue
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (Real) OpenRawSocket(netdev string, etherType uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(etherType)))
	if err != nil {
		return -1, fmt.Errorf("iface: opening raw socket: %w", err)
	}
	link, err := nl.LinkByName(netdev)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	addr := unix.SockaddrLinklayer{
		Protocol: htons(etherType),
		Ifindex:  link.Attrs().Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("iface: binding raw socket to %s: %w", netdev, err)
	}
	return fd, nil
}

func (Real) CloseRawSocket(fd int) error {
	return unix.Close(fd)
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}
