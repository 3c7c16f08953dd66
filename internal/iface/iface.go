//go:build linux

// Package iface implements the interface registry: attach
// and detach of NICs into a sparse, index-addressed table, each slot owning
// per-NIC counters and a raw-endpoint slot. Reads (FindByIndex,
// FindByAddr, Iter) take a snapshot under a read lock so readers never
// block a reader, while mutation (Attach/Detach) takes the write lock.
//
// Netlinker wraps the netlink calls behind a small interface for
// testability, and Config/Validate follows the ambient
// load-and-validate shape used throughout this tree.
package iface

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/open-mx/omx/internal/refcount"
)

var (
	ErrNotEthernet       = errors.New("iface: not an ethernet device")
	ErrAlreadyAttached   = errors.New("iface: netdev already attached")
	ErrNotFound          = errors.New("iface: no such interface")
	ErrTooManyInterfaces = errors.New("iface: interface table full")
	ErrClosing           = errors.New("iface: interface is closing")
)

// Status is an Interface's lifecycle state.
type Status uint8

const (
	StatusOK Status = iota
	StatusClosing
)

func (s Status) String() string {
	if s == StatusClosing {
		return "CLOSING"
	}
	return "OK"
}

// Counters are the per-NIC packet counters the GET_COUNTERS ioctl
// equivalent surfaces and internal/metrics exports as Prometheus gauges.
type Counters struct {
	RxPackets  uint64
	TxPackets  uint64
	RxDropped  uint64
	RxBadType  uint64
}

// EndpointSlot is the narrow view iface needs of an attached endpoint: just
// enough to forward a detach-triggered close without importing
// internal/endpoint (which in turn depends on iface for attachment).
type EndpointSlot interface {
	MarkIfaceRemoved()
	Close()
}

// Interface represents one attached NIC. Endpoints and RawSlot are nil until populated by
// internal/endpoint and internal/rawendpoint respectively; iface only owns
// their slot, not their lifecycle.
type Interface struct {
	Index    int
	Netdev   string
	Addr     net.HardwareAddr
	Hostname string
	MTU      int

	mu         sync.Mutex
	status     Status
	Counters   Counters
	endpoints  []EndpointSlot // fixed capacity, indexed by endpoint index
	peerIndex  []uint16       // reverse-peer-index array: peerIdx -> our index for them
	RawSlot    any            // *rawendpoint.Endpoint, set once opened
}

func newInterface(index int, netdev string, addr net.HardwareAddr, mtu int, endpointCap int) *Interface {
	return &Interface{
		Index:     index,
		Netdev:    netdev,
		Addr:      addr,
		MTU:       mtu,
		endpoints: make([]EndpointSlot, endpointCap),
		peerIndex: make([]uint16, 0, 64),
	}
}

// Status returns the interface's current lifecycle state.
func (ifc *Interface) Status() Status {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.status
}

// GetCounters returns a snapshot of this interface's packet counters
//, read under the same lock that guards
// mutation so internal/metrics never observes a torn update.
func (ifc *Interface) GetCounters() Counters {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.Counters
}

// IncRxPackets records one successfully dispatched received frame.
func (ifc *Interface) IncRxPackets() {
	ifc.mu.Lock()
	ifc.Counters.RxPackets++
	ifc.mu.Unlock()
}

// IncTxPackets records one transmitted frame.
func (ifc *Interface) IncTxPackets() {
	ifc.mu.Lock()
	ifc.Counters.TxPackets++
	ifc.mu.Unlock()
}

// IncRxDropped records one received frame dropped for a reason other than
// an unrecognized packet type.
func (ifc *Interface) IncRxDropped() {
	ifc.mu.Lock()
	ifc.Counters.RxDropped++
	ifc.mu.Unlock()
}

// IncRxBadType records one received frame carrying an unrecognized packet
// type byte.
func (ifc *Interface) IncRxBadType() {
	ifc.mu.Lock()
	ifc.Counters.RxBadType++
	ifc.mu.Unlock()
}

// BindEndpoint installs ep at endpoint index idx, returning an error if the
// slot is already taken or the interface is closing.
func (ifc *Interface) BindEndpoint(idx int, ep EndpointSlot) error {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if ifc.status == StatusClosing {
		return ErrClosing
	}
	if idx < 0 || idx >= len(ifc.endpoints) {
		return fmt.Errorf("iface: endpoint index %d out of range", idx)
	}
	if ifc.endpoints[idx] != nil {
		return fmt.Errorf("iface: endpoint slot %d already bound", idx)
	}
	ifc.endpoints[idx] = ep
	return nil
}

// UnbindEndpoint clears endpoint index idx.
func (ifc *Interface) UnbindEndpoint(idx int) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if idx >= 0 && idx < len(ifc.endpoints) {
		ifc.endpoints[idx] = nil
	}
}

// Endpoint returns the endpoint bound at idx, or nil.
func (ifc *Interface) Endpoint(idx int) EndpointSlot {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if idx < 0 || idx >= len(ifc.endpoints) {
		return nil
	}
	return ifc.endpoints[idx]
}

// BindRawSlot claims this interface's single raw-endpoint slot, returning false if one is
// already bound or the interface is closing.
func (ifc *Interface) BindRawSlot(slot any) bool {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if ifc.status == StatusClosing || ifc.RawSlot != nil {
		return false
	}
	ifc.RawSlot = slot
	return true
}

// UnbindRawSlot clears the interface's raw-endpoint slot.
func (ifc *Interface) UnbindRawSlot() {
	ifc.mu.Lock()
	ifc.RawSlot = nil
	ifc.mu.Unlock()
}

// RawSlotBound reports whether a raw endpoint currently holds this
// interface's slot.
func (ifc *Interface) RawSlotBound() bool {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	return ifc.RawSlot != nil
}

// SetPeerIndex records the reverse-peer-index slot for peerIdx: the value this interface's peer
// entry carries in the remote's own table, so future outbound headers skip
// a lookup.
func (ifc *Interface) SetPeerIndex(peerIdx int, theirIdxForUs uint16) {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	for len(ifc.peerIndex) <= peerIdx {
		ifc.peerIndex = append(ifc.peerIndex, 0)
	}
	ifc.peerIndex[peerIdx] = theirIdxForUs
}

// PeerIndex returns the reverse-peer-index slot for peerIdx, or 0 if unset.
func (ifc *Interface) PeerIndex(peerIdx int) uint16 {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	if peerIdx < 0 || peerIdx >= len(ifc.peerIndex) {
		return 0
	}
	return ifc.peerIndex[peerIdx]
}

// beginClose flips the interface to CLOSING and returns its bound
// endpoints, so Registry.Detach can drop the lock before walking them
// (endpoint Close may itself take locks ordered after the interfaces
// mutex).
func (ifc *Interface) beginClose() []EndpointSlot {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.status = StatusClosing
	bound := make([]EndpointSlot, 0, len(ifc.endpoints)+1)
	for _, ep := range ifc.endpoints {
		if ep != nil {
			bound = append(bound, ep)
		}
	}
	if raw, ok := ifc.RawSlot.(EndpointSlot); ok {
		bound = append(bound, raw)
	}
	return bound
}

// Registry is the interface table. Reads take RLock;
// Attach/Detach take Lock, so lookups run concurrently with each other
// while mutation stays serialized.
type Registry struct {
	cfg Config
	nl  Netlinker

	mu    sync.RWMutex
	slots []*refcount.Ref[*Interface] // index-addressed, nil where unattached
	byNet map[string]int              // netdev name -> index
}

// NewRegistry constructs an empty registry with cfg.MaxIfaces slots.
func NewRegistry(cfg Config, nl Netlinker) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:   cfg,
		nl:    nl,
		slots: make([]*refcount.Ref[*Interface], cfg.MaxIfaces),
		byNet: make(map[string]int),
	}, nil
}

// Attach brings netdev into the registry at the first free index. It refuses non-Ethernet devices; for down
// interfaces or MTUs below MinRequiredMTU it only warns via the returned
// warnings and still proceeds rather than refusing the attach outright.
// Interrupt coalescing is not checked: LinkInfo carries no such setting.
func (r *Registry) Attach(netdev string) (index int, warnings []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byNet[netdev]; exists {
		return 0, nil, ErrAlreadyAttached
	}
	idx := -1
	for i, s := range r.slots {
		if s == nil {
			idx = i
			break
		}
	}
	if idx == -1 {
		return 0, nil, ErrTooManyInterfaces
	}

	info, err := r.nl.LinkInfo(netdev)
	if err != nil {
		return 0, nil, fmt.Errorf("iface: querying %s: %w", netdev, err)
	}
	if !info.IsEthernet {
		return 0, nil, ErrNotEthernet
	}
	if !info.Up {
		warnings = append(warnings, fmt.Sprintf("interface %s is administratively down", netdev))
	}
	if info.MTU < MinRequiredMTU {
		warnings = append(warnings, fmt.Sprintf("interface %s MTU %d is below the recommended minimum %d", netdev, info.MTU, MinRequiredMTU))
	}

	ifc := newInterface(idx, netdev, info.Addr, info.MTU, r.cfg.EndpointsPerIface)
	ifc.Hostname = r.cfg.Hostname

	ref := refcount.New(ifc, func(*Interface) {}, nil)
	r.slots[idx] = ref
	r.byNet[netdev] = idx
	return idx, warnings, nil
}

// Detach sets status=CLOSING, marks every bound endpoint iface-removed and
// closes it, then removes the slot. force is accepted for symmetry with a netdev-unregister notifier
// forcing a detach synchronously; both paths behave identically here since
// Go has no notion of "waiting out in-flight softirqs" to skip.
func (r *Registry) Detach(index int, force bool) error {
	r.mu.Lock()
	ref := r.slotLocked(index)
	if ref == nil {
		r.mu.Unlock()
		return ErrNotFound
	}
	ifc := ref.Get()
	delete(r.byNet, ifc.Netdev)
	r.slots[index] = nil
	r.mu.Unlock()

	bound := ifc.beginClose()
	for _, ep := range bound {
		ep.MarkIfaceRemoved()
		ep.Close()
	}
	ref.Release()
	return nil
}

func (r *Registry) slotLocked(index int) *refcount.Ref[*Interface] {
	if index < 0 || index >= len(r.slots) {
		return nil
	}
	return r.slots[index]
}

// FindByIndex returns the interface at index, or nil if unattached. It
// holds a reference only for the lookup itself and releases it before
// returning.
func (r *Registry) FindByIndex(index int) *Interface {
	r.mu.RLock()
	ref := r.slotLocked(index)
	r.mu.RUnlock()
	if ref == nil || !ref.Acquire() {
		return nil
	}
	defer ref.Release()
	return ref.Get()
}

// FindByNetdev looks up an interface by its netdev name.
func (r *Registry) FindByNetdev(netdev string) *Interface {
	r.mu.RLock()
	idx, ok := r.byNet[netdev]
	if !ok {
		r.mu.RUnlock()
		return nil
	}
	ref := r.slotLocked(idx)
	r.mu.RUnlock()
	if ref == nil || !ref.Acquire() {
		return nil
	}
	defer ref.Release()
	return ref.Get()
}

// FindByAddr looks up an interface by its MAC address.
func (r *Registry) FindByAddr(addr net.HardwareAddr) *Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ref := range r.slots {
		if ref == nil {
			continue
		}
		ifc := ref.Get()
		if ifc.Addr.String() == addr.String() {
			return ifc
		}
	}
	return nil
}

// Iter invokes fn for every attached interface, stopping early if fn
// returns false.
func (r *Registry) Iter(fn func(*Interface) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ref := range r.slots {
		if ref == nil {
			continue
		}
		if !fn(ref.Get()) {
			return
		}
	}
}

// Count returns the number of currently attached interfaces.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ref := range r.slots {
		if ref != nil {
			n++
		}
	}
	return n
}
