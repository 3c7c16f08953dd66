//go:build linux

package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/open-mx/omx/internal/iface"
	"github.com/open-mx/omx/internal/wire"
)

// rawReadTimeout bounds a single blocking read on an interface's raw
// socket, so frameSource.ReadFrame periodically returns control to
// internal/recv.Reader's ctx.Done() check instead of blocking forever
// past cancellation — Go's raw fds have no context-aware read, so this
// plays the role net.Conn.SetReadDeadline would play for an fd that
// supported it.
const rawReadTimeout = 500 * time.Millisecond

// frameIO implements both send.FrameWriter and, per interface, an
// internal/recv.FrameSource, backed by one AF_PACKET socket per attached
// interface opened through iface.Netlinker.OpenRawSocket — the same
// primitive internal/rawendpoint.OpenConn uses, just bound to
// wire.EtherTypeOMX instead of being handed a caller-chosen EtherType.
type frameIO struct {
	reg *iface.Registry
	nl  iface.Netlinker

	fds map[int]int // ifaceIdx -> raw socket fd
}

func newFrameIO(reg *iface.Registry, nl iface.Netlinker) *frameIO {
	return &frameIO{reg: reg, nl: nl, fds: make(map[int]int)}
}

// openSocket opens and registers the raw socket for a newly attached
// interface.
func (f *frameIO) openSocket(ifaceIdx int, netdev string) error {
	fd, err := f.nl.OpenRawSocket(netdev, wire.EtherTypeOMX)
	if err != nil {
		return fmt.Errorf("engine: opening raw socket for %s: %w", netdev, err)
	}
	tv := unix.Timeval{Sec: 0, Usec: int64(rawReadTimeout / time.Microsecond)}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return fmt.Errorf("engine: setting recv timeout on %s: %w", netdev, err)
	}
	f.fds[ifaceIdx] = fd
	return nil
}

func (f *frameIO) closeSocket(ifaceIdx int) {
	if fd, ok := f.fds[ifaceIdx]; ok {
		unix.Close(fd)
		delete(f.fds, ifaceIdx)
	}
}

// WriteFrame satisfies internal/send.FrameWriter.
func (f *frameIO) WriteFrame(ifaceIdx int, frame []byte) error {
	ifc := f.reg.FindByIndex(ifaceIdx)
	if ifc == nil {
		return fmt.Errorf("engine: write to unattached interface %d", ifaceIdx)
	}
	fd, ok := f.fds[ifaceIdx]
	if !ok {
		return fmt.Errorf("engine: no raw socket for interface %d", ifaceIdx)
	}
	if _, err := unix.Write(fd, frame); err != nil {
		return fmt.Errorf("engine: writing frame on iface %d: %w", ifaceIdx, err)
	}
	ifc.IncTxPackets()
	return nil
}

// LocalAddr satisfies internal/send.FrameWriter.
func (f *frameIO) LocalAddr(ifaceIdx int) (net.HardwareAddr, error) {
	ifc := f.reg.FindByIndex(ifaceIdx)
	if ifc == nil {
		return nil, fmt.Errorf("engine: local addr for unattached interface %d", ifaceIdx)
	}
	return ifc.Addr, nil
}

// frameSource is an internal/recv.FrameSource reading off one interface's
// raw socket.
type frameSource struct {
	ifaceIdx int
	fd       int
	ifc      *iface.Interface
}

// ReadFrame satisfies internal/recv.FrameSource. A read timeout (not a
// real error) is reported up so Reader.Run's loop simply spins back
// around to its ctx.Done() check.
func (s *frameSource) ReadFrame(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 9000)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("engine: read timeout on iface %d: %w", s.ifaceIdx, err)
		}
		return nil, fmt.Errorf("engine: reading iface %d: %w", s.ifaceIdx, err)
	}
	s.ifc.IncRxPackets()
	return buf[:n], nil
}
