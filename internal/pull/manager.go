package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/open-mx/omx/internal/endpoint"
	"github.com/open-mx/omx/internal/region"
	"github.com/open-mx/omx/internal/wire"
)

var ErrNoFreeSlot = errors.New("pull: no free handle slot")

// Sender is the narrow slice of internal/send.Builder a Manager needs to
// (re)transmit PULL_REQUEST frames and NACK a target-side rejection; it
// follows the same avoid-an-import-cycle shape as internal/shared's
// EndpointManagers and internal/peer's Broadcaster.
type Sender interface {
	Pull(ifaceIdx, peerIdx int, h wire.PullHeader) error
	PullReply(ifaceIdx, peerIdx int, h wire.PullReplyHeader, payload []byte) error
	NackMcp(ifaceIdx, peerIdx int, h wire.NackMcpHeader) error
}

// Manager owns every in-flight Handle (internal/engine builds one Manager
// shared by all interfaces), indexed by a
// slot-id table: pick a free slot (slot index + generation), the same
// sparse index-addressed slot table plus mutex guard internal/endpoint.Manager
// uses, carrying a handle's generation counter alongside each slot instead
// of a refcount.Ref since a Handle has no concurrent-acquire readers the
// way an Endpoint does.
type Manager struct {
	cfg    Config
	sender Sender
	log    *slog.Logger
	sched  *Scheduler

	mu          sync.Mutex
	slots       []*Handle
	generations []uint32
}

// NewManager constructs a Manager with room for capacity concurrent pull
// handles.
func NewManager(cfg Config, capacity int, sender Sender, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:         cfg,
		sender:      sender,
		log:         log,
		slots:       make([]*Handle, capacity),
		generations: make([]uint32, capacity),
	}
	for i := range m.generations {
		m.generations[i] = firstGeneration()
	}
	m.sched = newScheduler(log, m)
	return m
}

// Run drives the retransmit scheduler until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	return m.sched.Run(ctx)
}

// Request names the wire-facing parameters of a single pull: which peer and
// remote endpoint to pull from, the session/magic pair that authenticates
// the request, which remote region to read, and where in it to start. It is
// the named-field counterpart to Open's positional argument list, the shape
// callers outside this package (internal/engine.Core.Pull) build and pass to
// OpenRequest instead of threading twelve positional arguments through.
type Request struct {
	IfaceIdx          int
	PeerIdx           int
	RemoteEndpointIdx uint8
	Session           uint32
	SrcMagic          uint32
	Region            *region.Region
	RegionBase        uint64
	TotalLength       uint64
	RemoteOffset      uint32
	RemoteRegionID    uint32
}

// OpenRequest is Open's named-field counterpart: it unpacks req and starts
// the pull exactly as Open would.
func (m *Manager) OpenRequest(localEp *endpoint.Endpoint, localEpRelease func(), req Request) (*Handle, error) {
	return m.Open(req.IfaceIdx, req.PeerIdx, localEp, localEpRelease, req.RemoteEndpointIdx, req.Session, req.SrcMagic, req.Region, req.RegionBase, req.TotalLength, req.RemoteOffset, req.RemoteRegionID)
}

// Open starts a new pull: it allocates a free slot, builds the Handle's initial
// pipeline, arms the retransmit timer and transmits the initial
// PULL_REQUEST frames.
func (m *Manager) Open(ifaceIdx, peerIdx int, localEp *endpoint.Endpoint, localEpRelease func(), remoteEndpointIdx uint8, session uint32, srcMagic uint32, r *region.Region, regionBase uint64, totalLength uint64, remoteOffset uint32, remoteRegionID uint32) (*Handle, error) {
	m.mu.Lock()
	idx := -1
	for i, s := range m.slots {
		if s == nil {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return nil, ErrNoFreeSlot
	}
	gen := m.generations[idx]
	slotID := packSlotID(idx, gen)

	h := newHandle(m.cfg, slotID, localEp, localEpRelease, r, regionBase, totalLength, remoteOffset, remoteRegionID)
	h.IfaceIdx = ifaceIdx
	h.PeerIdx = peerIdx
	h.LocalEndpointIdx = uint8(localEp.Index)
	h.RemoteEndpointIdx = remoteEndpointIdx
	h.Session = session
	h.SrcMagic = srcMagic
	m.slots[idx] = h
	m.mu.Unlock()
	metricHandlesInFlight.WithLabelValues(strconv.Itoa(ifaceIdx)).Inc()

	for _, req := range h.InitialRequests() {
		if err := m.sender.Pull(ifaceIdx, peerIdx, req); err != nil {
			m.log.Warn("pull: initial request send failed", "slot", slotID, "error", err)
		}
	}
	m.sched.arm(h, m.cfg)
	return h, nil
}

func (m *Manager) lookup(slotID uint32) (*Handle, bool) {
	idx, _ := unpackSlotID(slotID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.slots) {
		return nil, false
	}
	h := m.slots[idx]
	if h == nil || h.SlotID != slotID {
		return nil, false
	}
	return h, true
}

// OnPullReply feeds a received PULL_REPLY into the handle it targets. A
// slot id that no longer maps to a live handle (unknown index, stale
// generation) is silently dropped, same as any other late duplicate; the
// target side keeps no per-pull state that would need cleaning up.
func (m *Manager) OnPullReply(reply wire.PullReplyHeader, payload []byte) {
	h, ok := m.lookup(reply.DstPullHandle)
	if !ok {
		return
	}
	if reply.DstMagic != h.SrcMagic {
		return
	}

	metricRepliesReceived.WithLabelValues(strconv.Itoa(h.IfaceIdx)).Inc()
	toSend, completed, status, err := h.Reply(reply.FrameSeqnum, reply.MsgOffset, payload)
	if err != nil {
		m.log.Warn("pull: applying reply failed", "slot", h.SlotID, "error", err)
	}
	for _, req := range toSend {
		if err := m.sender.Pull(h.IfaceIdx, h.PeerIdx, req); err != nil {
			m.log.Warn("pull: re-request send failed", "slot", h.SlotID, "error", err)
		}
	}
	if completed {
		m.complete(h, status)
	}
}

// OnNackMcp completes a handle whose target rejected the pull outright.
func (m *Manager) OnNackMcp(slotID uint32, srcMagic uint32) {
	h, ok := m.lookup(slotID)
	if !ok {
		return
	}
	if srcMagic != h.SrcMagic {
		return
	}
	h.NackMcp()
	m.complete(h, h.Status())
}

// complete finalizes a handle exactly once: it posts the handle's
// PULL_DONE event, releases the endpoint reference the handle held, and
// frees the handle's slot for reuse under a bumped generation. The
// sync.Once absorbs any redundant call arriving from a second completion
// path — a stale scheduled retransmit tick, a racing NACK — after the
// first one already ran.
func (m *Manager) complete(h *Handle, status Status) {
	h.finalizeOnce.Do(func() {
		idx, _ := unpackSlotID(h.SlotID)
		m.mu.Lock()
		if idx >= 0 && idx < len(m.slots) && m.slots[idx] == h {
			m.slots[idx] = nil
			m.generations[idx] = nextGeneration(m.generations[idx])
		}
		m.mu.Unlock()
		iface := strconv.Itoa(h.IfaceIdx)
		metricHandlesInFlight.WithLabelValues(iface).Dec()
		metricHandlesCompleted.WithLabelValues(iface, status.String()).Inc()
		h.postDoneEvent(status)
	})
}

// AbortEndpoint force-completes every handle owned by ep. The endpoint
// close paths (endpoint.Manager.Close, Endpoint.Close) do not call it.
func (m *Manager) AbortEndpoint(ep *endpoint.Endpoint) {
	m.mu.Lock()
	running := make([]*Handle, 0)
	for _, h := range m.slots {
		if h != nil && h.endpoint == ep {
			running = append(running, h)
		}
	}
	m.mu.Unlock()

	for _, h := range running {
		h.Abort()
		m.complete(h, h.Status())
	}
}

// InFlight reports how many handles are currently outstanding; used by
// String and tests.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.slots {
		if h != nil {
			n++
		}
	}
	return n
}

func (m *Manager) String() string {
	return fmt.Sprintf("pull.Manager{inflight=%d/%d}", m.InFlight(), len(m.slots))
}
