// Package peer implements the peer table: a dual-indexed
// directory of every remote board this host has heard of, plus the
// HOST_QUERY/HOST_REPLY broadcast protocol used to resolve a bare address
// into a hostname.
//
// Table keeps a mutex-guarded-map-plus-dense-array structure and a
// channel-based notification idiom (Add and a hostname change push onto
// hostQueryEvents) for peers whose hostname is still pending;
// NotifyIfaceAttach/NotifyIfaceDetach push nothing.
package peer

import (
	"errors"
	"net"
	"sync"
)

var (
	ErrNotFound     = errors.New("peer: no such peer")
	ErrTableFull    = errors.New("peer: table full")
	ErrBadAddr      = errors.New("peer: address must be a 6-byte MAC")
)

// DefaultMaxPeers bounds the dense peer-index array (module parameter "peers").
const DefaultMaxPeers = 4096

const hashBuckets = 256

// Peer is one entry in the table: a remote board identified by its 48-bit
// Ethernet address, optionally resolved to a hostname.
type Peer struct {
	Index    int
	Addr     [6]byte
	Hostname string
	// LocalIface is set when this peer *is* one of our own attached
	// interfaces (the loopback/shared-fast-path case); nil otherwise.
	LocalIface *int
}

func foldXOR(addr [6]byte) uint8 {
	var h uint8
	for _, b := range addr {
		h ^= b
	}
	return h
}

// Table is the peer directory: a dense array indexed by
// peer index plus a 256-bucket hash on the folded-XOR of the address, kept
// in sync under a single mutex. Go has no RCU; Table's reader methods take
// the same mutex mutators do; given lookups are O(1) map/slice accesses
// this is not a meaningfully different contention profile for the
// endpoint counts this table is sized for. The "full" flag is sticky by
// design: once the table reports full it stays full rather than
// re-probing on every later Add.
type Table struct {
	mu      sync.Mutex
	byIndex []*Peer            // dense, index-addressed
	byAddr  [hashBuckets]map[[6]byte]*Peer
	full    bool

	maxPeers int

	hostQueryEvents chan HostQueryEvent
}

// HostQueryEvent is pushed to hostQueryEvents whenever a peer transitions
// into "hostname unknown" and needs a HOST_QUERY broadcast, or out of it.
type HostQueryEvent struct {
	Peer    *Peer
	NowKnow bool // true: hostname just became known, stop querying
}

// NewTable constructs an empty table bounded to maxPeers entries.
func NewTable(maxPeers int) *Table {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	t := &Table{
		maxPeers:        maxPeers,
		hostQueryEvents: make(chan HostQueryEvent, 64),
	}
	for i := range t.byAddr {
		t.byAddr[i] = make(map[[6]byte]*Peer)
	}
	return t
}

// HostQueryEvents exposes the channel consumers use to learn when a peer's
// hostname is still unresolved and needs broadcasting.
func (t *Table) HostQueryEvents() <-chan HostQueryEvent { return t.hostQueryEvents }

func macKey(addr net.HardwareAddr) ([6]byte, error) {
	var k [6]byte
	if len(addr) != 6 {
		return k, ErrBadAddr
	}
	copy(k[:], addr)
	return k, nil
}

// Add inserts or renames a peer. If
// the address already exists its hostname is replaced; a transition from
// absent to present hostname cancels host querying for it, and the reverse
// transition re-arms it.
func (t *Table) Add(addr net.HardwareAddr, hostname string) (*Peer, error) {
	key, err := macKey(addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.byAddr[foldXOR(key)]
	if p, ok := bucket[key]; ok {
		hadHost := p.Hostname != ""
		p.Hostname = hostname
		t.notifyHostnameChangeLocked(p, hadHost)
		return p, nil
	}

	if t.full {
		return nil, ErrTableFull
	}

	idx := -1
	for i, p := range t.byIndex {
		if p == nil {
			idx = i
			break
		}
	}
	if idx == -1 {
		if len(t.byIndex) >= t.maxPeers {
			t.full = true
			return nil, ErrTableFull
		}
		idx = len(t.byIndex)
		t.byIndex = append(t.byIndex, nil)
	}

	p := &Peer{Index: idx, Addr: key, Hostname: hostname}
	t.byIndex[idx] = p
	bucket[key] = p
	if hostname == "" {
		t.hostQueryEvents <- HostQueryEvent{Peer: p, NowKnow: false}
	}
	return p, nil
}

// notifyHostnameChangeLocked pushes a HostQueryEvent when hostname presence
// flips; callers hold t.mu.
func (t *Table) notifyHostnameChangeLocked(p *Peer, hadHostname bool) {
	hasHostname := p.Hostname != ""
	if hadHostname == hasHostname {
		return
	}
	select {
	case t.hostQueryEvents <- HostQueryEvent{Peer: p, NowKnow: hasHostname}:
	default:
	}
}

// NotifyIfaceAttach installs a local interface's own address as a peer
// entry, replacing any remote-learned entry for that address in place
//. ifaceIdx is stored on the Peer as
// LocalIface so the shared fast-path (internal/shared) can recognize
// sends to ourselves.
func (t *Table) NotifyIfaceAttach(addr net.HardwareAddr, hostname string, ifaceIdx int) (*Peer, error) {
	key, err := macKey(addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.byAddr[foldXOR(key)]
	idxCopy := ifaceIdx
	if existing, ok := bucket[key]; ok {
		existing.LocalIface = &idxCopy
		if hostname != "" {
			existing.Hostname = hostname
		}
		return existing, nil
	}

	if len(t.byIndex) >= t.maxPeers {
		t.full = true
		return nil, ErrTableFull
	}
	idx := len(t.byIndex)
	p := &Peer{Index: idx, Addr: key, Hostname: hostname, LocalIface: &idxCopy}
	t.byIndex = append(t.byIndex, p)
	bucket[key] = p
	return p, nil
}

// NotifyIfaceDetach removes the peer entry for a detached local interface's
// address from both indices.
func (t *Table) NotifyIfaceDetach(addr net.HardwareAddr) {
	key, err := macKey(addr)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.byAddr[foldXOR(key)]
	p, ok := bucket[key]
	if !ok {
		return
	}
	delete(bucket, key)
	t.byIndex[p.Index] = nil
}

// LookupByIndex returns the peer at idx, or nil.
func (t *Table) LookupByIndex(idx int) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.byIndex) {
		return nil
	}
	return t.byIndex[idx]
}

// LookupByAddr returns the peer with the given address, or nil. Safe to
// call from the receive path: it only ever reads the index/address/
// local-iface fields, never Hostname, matching the RCU-safe lookup
// variant that never touches hostnames.
func (t *Table) LookupByAddr(addr net.HardwareAddr) *Peer {
	key, err := macKey(addr)
	if err != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byAddr[foldXOR(key)][key]
}

// LookupByHostname linearly scans for a peer with the given hostname.
func (t *Table) LookupByHostname(hostname string) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.byIndex {
		if p != nil && p.Hostname == hostname {
			return p
		}
	}
	return nil
}

// AddrBytes renders a Peer's address as a net.HardwareAddr.
func (p *Peer) AddrBytes() net.HardwareAddr {
	return net.HardwareAddr(p.Addr[:])
}

// Snapshot returns every occupied peer slot, for diagnostics, using the
// same copy-under-lock shape LookupByHostname already uses for its
// linear scan.
func (t *Table) Snapshot() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.byIndex))
	for _, p := range t.byIndex {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}
