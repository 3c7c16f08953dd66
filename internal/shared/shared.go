// Package shared implements the shared fast-path: when a
// send's destination endpoint lives on an interface this same process
// attached (peer.Peer.LocalIface != nil), the send ioctl can skip frame
// construction and the receive dispatch entirely and post the event
// straight into the destination's ring.
//
// Path's shape — a narrow resolver interface to dodge an import cycle,
// methods that mirror internal/send.Builder's one-method-per-message-class
// layout — follows the ambient idiom internal/send and internal/recv
// share. The tiny/small/medium event encoding is its own process-local
// wire format (there is no recvq mmap region here, so the payload
// travels in the event slot itself); its marshal/parse pair is written
// in the style of internal/wire's header codecs (encoding/binary, fixed
// field widths) even though it never touches an actual network frame.
package shared

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/open-mx/omx/internal/endpoint"
	"github.com/open-mx/omx/internal/event"
	"github.com/open-mx/omx/internal/peer"
	"github.com/open-mx/omx/internal/region"
)

var (
	ErrNotLocal    = errors.New("shared: destination peer is not local")
	ErrNoManager   = errors.New("shared: no endpoint manager for interface")
	ErrPayloadSize = errors.New("shared: payload too large for event slot")
)

// EndpointManagers resolves the endpoint.Manager owning a given interface
// index; declared narrowly so this package doesn't import internal/iface
// (which would create an iface→endpoint→shared→iface cycle once
// internal/engine wires everything together).
type EndpointManagers interface {
	Manager(ifaceIdx int) (*endpoint.Manager, bool)
}

// Path drives the shared fast-path for one process's endpoints.
type Path struct {
	peers *peer.Table
	mgrs  EndpointManagers
}

// NewPath constructs a Path over a peer table and an endpoint-manager
// resolver.
func NewPath(peers *peer.Table, mgrs EndpointManagers) *Path {
	return &Path{peers: peers, mgrs: mgrs}
}

// LocalAcquire is local_peer_acquire_endpoint: resolves
// peerIdx to a Peer, confirms it is one of our own attached interfaces,
// then acquires the destination endpoint the softirq-safe way
// (internal/endpoint.Manager.Acquire). Returns ErrNotLocal if the peer
// isn't local, so callers fall back to the normal send path.
func (p *Path) LocalAcquire(peerIdx, endpointIdx int) (*endpoint.Endpoint, func(), error) {
	pr := p.peers.LookupByIndex(peerIdx)
	if pr == nil || pr.LocalIface == nil {
		return nil, nil, ErrNotLocal
	}
	mgr, ok := p.mgrs.Manager(*pr.LocalIface)
	if !ok {
		return nil, nil, ErrNoManager
	}
	return mgr.Acquire(endpointIdx)
}

// tinyPayloadHeaderLen is srcEndpoint(1) + matchInfo(8) + length(2).
const tinyPayloadHeaderLen = 1 + 8 + 2

// MaxInlinePayload bounds what fits in an event slot alongside its header.
const MaxInlinePayload = event.SlotSize - 1 - tinyPayloadHeaderLen

func marshalInline(srcEndpoint uint8, matchInfo uint64, payload []byte) ([]byte, error) {
	return EncodeInline(srcEndpoint, matchInfo, payload)
}

// EncodeInline marshals a srcEndpoint/matchInfo/payload triple into the
// same inline event-slot encoding the shared fast-path uses, so
// internal/engine's wire receive handlers can post a TINY/SMALL payload
// that arrived over the network into an event ring using one shared
// format instead of inventing a second one.
func EncodeInline(srcEndpoint uint8, matchInfo uint64, payload []byte) ([]byte, error) {
	if len(payload) > MaxInlinePayload {
		return nil, ErrPayloadSize
	}
	b := make([]byte, tinyPayloadHeaderLen+len(payload))
	b[0] = srcEndpoint
	binary.BigEndian.PutUint64(b[1:9], matchInfo)
	binary.BigEndian.PutUint16(b[9:11], uint16(len(payload)))
	copy(b[11:], payload)
	return b, nil
}

// ParseInline decodes the payload marshalInline produced; exported so
// internal/recv's loopback wiring (if any) and tests can round-trip it.
func ParseInline(data []byte) (srcEndpoint uint8, matchInfo uint64, payload []byte, err error) {
	if len(data) < tinyPayloadHeaderLen {
		return 0, 0, nil, fmt.Errorf("shared: short inline event: %d bytes", len(data))
	}
	srcEndpoint = data[0]
	matchInfo = binary.BigEndian.Uint64(data[1:9])
	n := binary.BigEndian.Uint16(data[9:11])
	if int(n) > len(data)-tinyPayloadHeaderLen {
		return 0, 0, nil, fmt.Errorf("shared: inline length %d exceeds event capacity", n)
	}
	payload = data[11 : 11+int(n)]
	return srcEndpoint, matchInfo, payload, nil
}

// Tiny delivers a TINY/SMALL send directly into the destination's
// unexpected ring, bypassing skb construction entirely.
// Medium sends route through the same helper one fragment at a time — the
// fragment loop lives in the caller since each fragment is logically a
// separate Tiny-shaped post here.
func (p *Path) Tiny(srcEndpoint uint8, dst *endpoint.Endpoint, matchInfo uint64, payload []byte) error {
	body, err := marshalInline(srcEndpoint, matchInfo, payload)
	if err != nil {
		return err
	}
	if err := dst.Unexpected.Push(event.TypeUnexpected, body); err != nil {
		return fmt.Errorf("shared: posting unexpected event: %w", err)
	}
	return nil
}

// PullCopy implements the shared fast-path for an already-matched pull
//: no PULL/PULL_REPLY frames are built at all, since
// both endpoints share process address space.
func (p *Path) PullCopy(target *region.Region, targetOffset uint64, puller *endpoint.Endpoint, pullerRegion *region.Region, pullerOffset uint64, length uint64) error {
	buf := make([]byte, length)
	if _, err := target.ReadAt(buf, targetOffset); err != nil {
		return fmt.Errorf("shared: reading source region: %w", err)
	}
	if _, err := pullerRegion.WriteAt(buf, pullerOffset); err != nil {
		return fmt.Errorf("shared: writing puller region: %w", err)
	}
	if err := puller.Expected.Push(event.TypePullDone, nil); err != nil {
		return fmt.Errorf("shared: posting pull-done event: %w", err)
	}
	return nil
}

// PrepareRendezvous ensures the sender's own region has pinned at least
// needed bytes before the rendezvous announcement is posted, so the
// eventual shared pull can make immediate progress.
func (p *Path) PrepareRendezvous(src *region.Region, needed uint64) error {
	return src.DemandPinContinue(needed)
}

// Rendezvous posts the RNDV announcement into the destination's
// unexpected ring directly, the loopback counterpart to internal/send's
// wire RNDV frame.
func (p *Path) Rendezvous(srcEndpoint uint8, dst *endpoint.Endpoint, matchInfo uint64, totalLength uint32) error {
	const rndvHeaderLen = 1 + 8 + 4 // srcEndpoint + matchInfo + totalLength
	var b [rndvHeaderLen]byte
	b[0] = srcEndpoint
	binary.BigEndian.PutUint64(b[1:9], matchInfo)
	binary.BigEndian.PutUint32(b[9:13], totalLength)
	if err := dst.Unexpected.Push(event.TypeUnexpected, b[:]); err != nil {
		return fmt.Errorf("shared: posting rendezvous event: %w", err)
	}
	return nil
}
