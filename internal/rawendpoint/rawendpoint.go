//go:build linux

// Package rawendpoint implements the raw endpoint: a separate
// character device granting one process per interface exclusive
// access to an out-of-band event queue, used by the discovery daemon to
// broadcast periodic ID packets and ingest peer replies without going
// through the main pull/send/recv pipeline.
package rawendpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/open-mx/omx/internal/iface"
)

// RawMaxFrameLen truncates raw receive to a fixed maximum.
const RawMaxFrameLen = 9000

var (
	ErrAlreadyOpen = errors.New("rawendpoint: raw endpoint already open on this interface")
	ErrClosed      = errors.New("rawendpoint: endpoint closed")
	ErrTimeout     = errors.New("rawendpoint: get_event timed out")
)

// EventKind distinguishes a completed send from a received frame.
type EventKind uint8

const (
	EventSendComplete EventKind = iota
	EventRecv
)

// Event is one entry off the raw endpoint's event queue. Context carries
// back whatever the caller passed to Send, unchanged, so send completions
// can be matched to their originating call without an additional table.
type Event struct {
	Kind      EventKind
	Context   any
	Frame     []byte
	Truncated bool
}

// Conn is the narrow view Endpoint needs of the underlying raw socket:
// production code is backed by realConn, tests supply a fake that never
// touches the kernel.
type Conn interface {
	WriteFrame(frame []byte) error
	ReadFrame(buf []byte) (int, error)
	Close() error
}

// realConn is a Conn backed by an AF_PACKET socket fd obtained through
// iface.Netlinker.OpenRawSocket.
type realConn struct {
	nl  iface.Netlinker
	fd  int
}

// OpenConn opens a raw AF_PACKET socket on netdev filtered to etherType,
// returning a Conn ready for Endpoint to drive.
func OpenConn(nl iface.Netlinker, netdev string, etherType uint16) (Conn, error) {
	fd, err := nl.OpenRawSocket(netdev, etherType)
	if err != nil {
		return nil, err
	}
	return &realConn{nl: nl, fd: fd}, nil
}

func (c *realConn) WriteFrame(frame []byte) error {
	return writeFD(c.fd, frame)
}

func (c *realConn) ReadFrame(buf []byte) (int, error) {
	return readFD(c.fd, buf)
}

func (c *realConn) Close() error {
	return c.nl.CloseRawSocket(c.fd)
}

// Endpoint is the one-per-interface raw endpoint. Open
// enforces the "one raw endpoint per interface" invariant through
// iface.Interface.BindRawSlot rather than a side table.
type Endpoint struct {
	ifc       *iface.Interface
	log       *slog.Logger
	reconnect func() (Conn, error)

	mu     sync.Mutex
	conn   Conn
	closed bool

	events chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Open claims netdev's raw slot and starts its background receive loop.
// reconnect is called to obtain a fresh Conn after a fatal read error;
// passing nil disables reconnection (the receive loop simply stops).
func Open(ifc *iface.Interface, conn Conn, reconnect func() (Conn, error), queueDepth int, log *slog.Logger) (*Endpoint, error) {
	if log == nil {
		log = slog.Default()
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	ep := &Endpoint{
		ifc:       ifc,
		log:       log.With("component", "rawendpoint", "iface", ifc.Netdev),
		conn:      conn,
		reconnect: reconnect,
		events:    make(chan Event, queueDepth),
		stop:      make(chan struct{}),
	}
	if !ifc.BindRawSlot(ep) {
		return nil, ErrAlreadyOpen
	}
	ep.wg.Add(1)
	go ep.recvLoop()
	return ep, nil
}

// Send transmits frame and, once written, pushes an EventSendComplete
// event carrying ctx.
// A full event queue drops the completion event rather than blocking the
// caller; the frame itself is still sent.
func (ep *Endpoint) Send(frame []byte, ctx any) error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return ErrClosed
	}
	conn := ep.conn
	ep.mu.Unlock()

	if err := conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("rawendpoint: send: %w", err)
	}
	ep.publish(Event{Kind: EventSendComplete, Context: ctx})
	return nil
}

// GetEvent waits up to timeout for the next queued event. A zero or negative timeout blocks indefinitely.
func (ep *Endpoint) GetEvent(timeout time.Duration) (Event, error) {
	if timeout <= 0 {
		select {
		case ev, ok := <-ep.events:
			if !ok {
				return Event{}, ErrClosed
			}
			return ev, nil
		case <-ep.stop:
			return Event{}, ErrClosed
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev, ok := <-ep.events:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ep.stop:
		return Event{}, ErrClosed
	case <-timer.C:
		return Event{}, ErrTimeout
	}
}

// Poll reports whether an event is immediately available, without
// consuming it.
func (ep *Endpoint) Poll() bool {
	return len(ep.events) > 0
}

func (ep *Endpoint) publish(ev Event) {
	select {
	case ep.events <- ev:
	default:
		ep.log.Warn("rawendpoint: event queue full, dropping event", "kind", ev.Kind)
	}
}

func (ep *Endpoint) recvLoop() {
	defer ep.wg.Done()
	buf := make([]byte, RawMaxFrameLen)
	for {
		select {
		case <-ep.stop:
			return
		default:
		}

		ep.mu.Lock()
		conn := ep.conn
		ep.mu.Unlock()

		n, err := conn.ReadFrame(buf)
		if err != nil {
			if ep.handleReadError(err) {
				return
			}
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		ep.publish(Event{Kind: EventRecv, Frame: frame, Truncated: n >= RawMaxFrameLen})
	}
}

// handleReadError attempts reconnection on a fatal read error. It returns
// true if the receive loop must stop.
func (ep *Endpoint) handleReadError(readErr error) bool {
	select {
	case <-ep.stop:
		return true
	default:
	}

	ep.mu.Lock()
	fn := ep.reconnect
	ep.mu.Unlock()
	if fn == nil {
		ep.log.Error("rawendpoint: fatal read error, no reconnect configured", "err", readErr)
		return true
	}

	ep.log.Warn("rawendpoint: read error, reconnecting", "err", readErr)
	conn, err := ep.reconnectWithBackoff(fn)
	if err != nil {
		ep.log.Error("rawendpoint: reconnect failed, giving up", "err", err)
		return true
	}

	ep.mu.Lock()
	old := ep.conn
	ep.conn = conn
	ep.mu.Unlock()
	old.Close()
	return false
}

func (ep *Endpoint) reconnectWithBackoff(fn func() (Conn, error)) (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), reconnectMaxElapsed)
	defer cancel()
	return reconnectWithBackoff(ctx, fn)
}

// MarkIfaceRemoved satisfies iface.EndpointSlot: the backing interface is
// gone, so the receive loop no longer reconnects after a read error.
func (ep *Endpoint) MarkIfaceRemoved() {
	ep.mu.Lock()
	ep.reconnect = nil
	ep.mu.Unlock()
}

// Close stops the receive loop, releases the interface's raw slot and
// closes the underlying connection. Safe to call more than once.
func (ep *Endpoint) Close() {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return
	}
	ep.closed = true
	conn := ep.conn
	ep.mu.Unlock()

	close(ep.stop)
	conn.Close()
	ep.wg.Wait()
	close(ep.events)
	ep.ifc.UnbindRawSlot()
}
