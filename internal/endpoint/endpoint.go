// Package endpoint implements the endpoint manager: opening
// and closing a user endpoint, its two event rings, a random session
// id, and its pull-handle and user-region substructures. Status is an
// atomic state machine (FREE → INITIALIZING → OK → CLOSING) so a
// concurrent Acquire from the receive path never observes a half-built
// endpoint.
//
// Open follows the ambient Config-validated construction,
// background-goroutine bootstrapping and ctx/cancel/wg/errCh lifecycle
// used throughout this tree. The softirq-safe "acquire by index" lookup
// (read, take a reference, verify status) is built on
// internal/refcount.Ref's Acquire/Release pair.
package endpoint

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/open-mx/omx/internal/event"
	"github.com/open-mx/omx/internal/refcount"
	"github.com/open-mx/omx/internal/region"
)

var (
	ErrBadEndpoint     = errors.New("endpoint: bad index or not open")
	ErrEndpointClosed  = errors.New("endpoint: closed")
	ErrAlreadyOpen     = errors.New("endpoint: slot already open")
	ErrOutOfRange      = errors.New("endpoint: index out of range")
)

// Status is an endpoint's lifecycle state.
type Status uint32

const (
	StatusFree Status = iota
	StatusInitializing
	StatusOK
	StatusClosing
)

// DefaultRingCapacity bounds both event rings' slot counts absent an
// explicit override; a simple round constant, since Go has no mmap-offset
// layout to size to page multiples.
const DefaultRingCapacity = 256

// Endpoint is one open endpoint. There is no separate send/receive data
// ring: a Tiny/Small payload travels inline inside its event slot (see
// internal/shared and internal/engine's wire receive handlers), and a
// Medium/Rendezvous payload lands in a region via the pull engine instead.
// Expected/Unexpected are the two event rings a user thread polls.
type Endpoint struct {
	IfaceIndex int
	Index      int
	SessionID  uint32

	status atomic.Uint32

	Expected   *event.Ring
	Unexpected *event.Ring

	mu      sync.Mutex
	regions map[int]*region.Region
	nextReg int

	ifaceRemoved bool
}

// Manager owns the sparse, index-addressed table of endpoints for one
// interface.
type Manager struct {
	mu    sync.RWMutex
	slots []*refcount.Ref[*Endpoint]
}

// NewManager constructs a Manager with room for capacity endpoints.
func NewManager(capacity int) *Manager {
	return &Manager{slots: make([]*refcount.Ref[*Endpoint], capacity)}
}

func randomSessionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Open allocates rings, a random session id, and transitions
// FREE → INITIALIZING → OK under the endpoint's own status; ifaceIdx is recorded for NACK/notify
// composition but ownership of the interface's endpoint slot binding is
// the caller's job (internal/iface.Interface.BindEndpoint).
func (m *Manager) Open(ifaceIdx, epIdx int, ringCapacity int) (*Endpoint, error) {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if epIdx < 0 || epIdx >= len(m.slots) {
		return nil, ErrOutOfRange
	}
	if m.slots[epIdx] != nil {
		return nil, ErrAlreadyOpen
	}

	sid, err := randomSessionID()
	if err != nil {
		return nil, fmt.Errorf("endpoint: generating session id: %w", err)
	}

	ep := &Endpoint{
		IfaceIndex: ifaceIdx,
		Index:      epIdx,
		SessionID:  sid,
		Expected:   event.NewRing(ringCapacity),
		Unexpected: event.NewRing(ringCapacity),
		regions:    make(map[int]*region.Region),
	}
	ep.status.Store(uint32(StatusInitializing))
	ep.status.Store(uint32(StatusOK))

	m.slots[epIdx] = refcount.New(ep, func(*Endpoint) {}, nil)
	return ep, nil
}

// Acquire is the softirq-safe lookup.
// It returns ErrBadEndpoint if the slot is empty and ErrEndpointClosed if
// the endpoint exists but has transitioned out of OK.
func (m *Manager) Acquire(epIdx int) (*Endpoint, func(), error) {
	m.mu.RLock()
	if epIdx < 0 || epIdx >= len(m.slots) {
		m.mu.RUnlock()
		return nil, nil, ErrBadEndpoint
	}
	ref := m.slots[epIdx]
	m.mu.RUnlock()

	if ref == nil || !ref.Acquire() {
		return nil, nil, ErrBadEndpoint
	}
	ep := ref.Get()
	if Status(ep.status.Load()) != StatusOK {
		ref.Release()
		return nil, nil, ErrEndpointClosed
	}
	return ep, ref.Release, nil
}

// Close transitions an endpoint OK → CLOSING, removes the manager's own
// table entry and drops the manager's slot reference; a later Acquire of
// epIdx returns ErrBadEndpoint. It wakes no waiters and does not unbind
// the endpoint from its interface's endpoint slot. Any outstanding pull
// handles the endpoint owns are the caller's (internal/pull)
// responsibility to cancel.
func (m *Manager) Close(epIdx int) error {
	m.mu.Lock()
	ref := m.slotLocked(epIdx)
	if ref == nil {
		m.mu.Unlock()
		return ErrBadEndpoint
	}
	m.slots[epIdx] = nil
	m.mu.Unlock()

	ep := ref.Get()
	ep.status.Store(uint32(StatusClosing))
	ref.Release()
	return nil
}

func (m *Manager) slotLocked(idx int) *refcount.Ref[*Endpoint] {
	if idx < 0 || idx >= len(m.slots) {
		return nil
	}
	return m.slots[idx]
}

// Status returns the endpoint's current lifecycle state.
func (ep *Endpoint) Status() Status { return Status(ep.status.Load()) }

// MarkIfaceRemoved flags the endpoint as orphaned by a netdev detach
//; implements iface.EndpointSlot.
func (ep *Endpoint) MarkIfaceRemoved() {
	ep.mu.Lock()
	ep.ifaceRemoved = true
	ep.mu.Unlock()
}

// IfaceRemoved reports whether MarkIfaceRemoved has been called; user
// operations on such an endpoint should error out.
func (ep *Endpoint) IfaceRemoved() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.ifaceRemoved
}

// Close transitions the endpoint to CLOSING directly; implements
// iface.EndpointSlot for the detach-triggered close path. Equivalent to
// Manager.Close but callable without the manager (the interface's
// endpoint table holds only the narrow EndpointSlot interface).
func (ep *Endpoint) Close() {
	ep.status.Store(uint32(StatusClosing))
}

// CreateRegion registers a new user region under this endpoint and returns
// its region id.
func (ep *Endpoint) CreateRegion(r *region.Region) int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	id := ep.nextReg
	ep.nextReg++
	ep.regions[id] = r
	return id
}

// Region looks up a region previously created on this endpoint.
func (ep *Endpoint) Region(id int) (*region.Region, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	r, ok := ep.regions[id]
	return r, ok
}

// DestroyRegion removes and closes a region.
func (ep *Endpoint) DestroyRegion(id int) error {
	ep.mu.Lock()
	r, ok := ep.regions[id]
	if !ok {
		ep.mu.Unlock()
		return fmt.Errorf("endpoint: no such region %d", id)
	}
	delete(ep.regions, id)
	ep.mu.Unlock()
	r.Close()
	return nil
}
