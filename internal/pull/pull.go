// Package pull implements the pull engine: a block-pipelined reliable
// RDMA-read built on top of PULL_REQUEST/PULL_REPLY frames. A Handle
// tracks one in-flight pull: a sliding window of BlockDescsNr block
// descriptors, each a bitmap of REPLIES_PER_BLOCK frames still
// outstanding, reassembled directly into the puller's pinned region.
//
// Handle's lock-guarded mutable state plus a Status enum advanced only
// under its own mutex follows the ambient shape the rest of this tree
// uses for lifecycle objects (internal/endpoint.Endpoint,
// internal/region.Region). The retransmit-timer half of this package
// drives a single pull-handle Retransmit event off a heap-based
// time-ordered event queue (scheduler.go).
package pull

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/open-mx/omx/internal/endpoint"
	"github.com/open-mx/omx/internal/event"
	"github.com/open-mx/omx/internal/region"
	"github.com/open-mx/omx/internal/wire"
)

const (
	slotIndexBits      = 10
	slotGenerationBits = 32 - slotIndexBits
	slotIndexMax        = 1 << slotIndexBits
	slotGenerationMask  = (1 << slotGenerationBits) - 1
	slotGenerationFirst = 0x23
)

// packSlotID combines a table index and a generation counter into the
// wire-visible slot id a Handle stamps into SrcPullHandle.
func packSlotID(index int, generation uint32) uint32 {
	return uint32(index)<<slotGenerationBits | (generation & slotGenerationMask)
}

// unpackSlotID splits a slot id back into its table index and generation.
func unpackSlotID(id uint32) (index int, generation uint32) {
	return int(id >> slotGenerationBits), id & slotGenerationMask
}

// firstGeneration is the generation stamped into a slot's very first
// handle; each reuse of the slot increments it, so a stale PULL_REPLY
// against a freed-and-reused slot fails the generation check instead of
// silently landing on the wrong handle.
func firstGeneration() uint32 { return slotGenerationFirst & slotGenerationMask }

func nextGeneration(g uint32) uint32 { return (g + 1) & slotGenerationMask }

// Status is a pull Handle's completion result. A separate
// TIMER_MUST_EXIT/TIMER_EXITED handshake exists in interrupt-driven
// implementations to let a timer callback and a completion path race
// safely against one another; this package's scheduler runs all
// retransmit ticks on a single goroutine, and completions arriving from
// the reply and NACK paths are absorbed by Manager.complete's sync.Once,
// which gives the same exactly-once finalization guarantee without a
// second status dimension.
type Status uint8

const (
	StatusOK Status = iota
	StatusSuccess
	StatusAborted
	StatusTimeout
	StatusNacked
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSuccess:
		return "success"
	case StatusAborted:
		return "aborted"
	case StatusTimeout:
		return "timeout"
	case StatusNacked:
		return "nacked"
	}
	return "unknown"
}

var (
	ErrAlreadyDone = errors.New("pull: handle already completed")
	ErrBadGeneration = errors.New("pull: stale generation")
)

// deadlineRetransmitTicks bounds the absolute retransmit deadline as a
// multiple of the per-tick retransmit interval (a per-tick resend vs. a
// hard abandon point), picking a generous but bounded ratio between the
// two.
const deadlineRetransmitTicks = 30

// blockDesc tracks one pipelined block's outstanding-frames bitmap.
type blockDesc struct {
	frameIndex       uint32
	firstFrameOffset uint32
	blockLength      uint32
	numReplies       int
	missingBitmap    uint64
	nrMissing        int
}

// Handle is one in-flight pull. All
// mutable fields are guarded by mu; the frame transmissions Handle needs
// are returned to the caller as pending work rather than sent while mu is
// held — the lock must be released before transmitting a frame, because
// the loopback path can re-enter the receive dispatch.
type Handle struct {
	cfg Config

	SlotID uint32

	IfaceIdx          int
	PeerIdx           int
	LocalEndpointIdx  uint8
	RemoteEndpointIdx uint8
	Session           uint32
	SrcMagic          uint32

	Region         *region.Region
	RegionBase     uint64 // offset within Region where the pulled message starts
	TotalLength    uint64
	RemoteOffset   uint32 // pulled_rdma_offset: starting offset in the remote source region
	RemoteRegionID uint32 // pulled_rdma_id: region index on the target naming the source region

	endpoint        *endpoint.Endpoint
	endpointRelease func()

	finalizeOnce sync.Once

	mu                  sync.Mutex
	status              Status
	baseFrameIndex      uint32
	nextFrameIndex      uint32
	requestedBytes      uint64
	bytesReceived       uint64
	blocks              []*blockDesc
	nrRequestedFrames   int
	rerequestedThisTick bool
	lastRetransmit      time.Time
	deadline            time.Time
}

// newHandle builds a Handle and its initial pipeline of up to
// cfg.BlockDescsNr blocks.
func newHandle(cfg Config, slotID uint32, ep *endpoint.Endpoint, release func(), r *region.Region, regionBase uint64, totalLength uint64, remoteOffset uint32, remoteRegionID uint32) *Handle {
	h := &Handle{
		cfg:             cfg,
		SlotID:          slotID,
		Region:          r,
		RegionBase:      regionBase,
		TotalLength:     totalLength,
		RemoteOffset:    remoteOffset,
		RemoteRegionID:  remoteRegionID,
		endpoint:        ep,
		endpointRelease: release,
		status:          StatusOK,
		lastRetransmit:  time.Now(),
		deadline:        time.Now().Add(time.Duration(cfg.RetransmitTimeoutMS) * time.Millisecond * deadlineRetransmitTicks),
	}
	for i := 0; i < cfg.BlockDescsNr && h.requestedBytes < totalLength; i++ {
		h.blocks = append(h.blocks, h.allocateBlockLocked())
	}
	for _, bd := range h.blocks {
		h.nrRequestedFrames += bd.numReplies
	}
	return h
}

// allocateBlockLocked builds the next block descriptor continuing from
// nextFrameIndex/requestedBytes. Callers hold mu (or are the constructor,
// before h is published).
func (h *Handle) allocateBlockLocked() *blockDesc {
	remaining := h.TotalLength - h.requestedBytes
	numReplies := ceilDiv(remaining, uint64(h.cfg.ReplyLenMax))
	if numReplies > uint64(h.cfg.RepliesPerBlock) {
		numReplies = uint64(h.cfg.RepliesPerBlock)
	}
	blockLen := numReplies * uint64(h.cfg.ReplyLenMax)
	if blockLen > remaining {
		blockLen = remaining
	}
	bd := &blockDesc{
		frameIndex:       h.nextFrameIndex,
		firstFrameOffset: h.RemoteOffset + (h.nextFrameIndex-h.baseFrameIndexOrSelf())*h.cfg.ReplyLenMax,
		blockLength:      uint32(blockLen),
		numReplies:       int(numReplies),
		missingBitmap:    (uint64(1) << numReplies) - 1,
		nrMissing:        int(numReplies),
	}
	if len(h.blocks) == 0 && h.requestedBytes == 0 {
		h.baseFrameIndex = h.nextFrameIndex
	}
	h.nextFrameIndex += uint32(numReplies)
	h.requestedBytes += blockLen
	return bd
}

func (h *Handle) baseFrameIndexOrSelf() uint32 { return h.baseFrameIndex }

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// pullHeaderFor renders a blockDesc as the wire PULL request it represents.
func (h *Handle) pullHeaderFor(bd *blockDesc) wire.PullHeader {
	return wire.PullHeader{
		SrcEndpoint:      h.LocalEndpointIdx,
		DstEndpoint:      h.RemoteEndpointIdx,
		Session:          h.Session,
		SrcPullHandle:    h.SlotID,
		SrcMagic:         h.SrcMagic,
		FrameIndex:       bd.frameIndex,
		FirstFrameOffset: bd.firstFrameOffset,
		BlockLength:      bd.blockLength,
		TotalLength:      uint32(h.TotalLength),
		PulledRdmaID:     h.RemoteRegionID,
	}
}

// InitialRequests returns the wire PULL headers for the handle's initial
// pipeline, to be transmitted by the caller after the handle is
// registered.
func (h *Handle) InitialRequests() []wire.PullHeader {
	h.mu.Lock()
	defer h.mu.Unlock()
	reqs := make([]wire.PullHeader, 0, len(h.blocks))
	for _, bd := range h.blocks {
		reqs = append(reqs, h.pullHeaderFor(bd))
	}
	return reqs
}

// Status returns the handle's current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Reply applies one PULL_REPLY frame's payload. It returns the PULL requests that must now be
// (re)transmitted and, once the handle completes, the terminal status.
func (h *Handle) Reply(frameSeqnum uint8, msgOffset uint32, payload []byte) (toSend []wire.PullHeader, completed bool, status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != StatusOK {
		return nil, false, h.status, nil
	}

	base := h.baseFrameIndex
	if len(h.blocks) > 0 {
		base = h.blocks[0].frameIndex
	}
	offset := (int(frameSeqnum) - int(base%256) + 256) % 256
	expected := int(msgOffset/h.cfg.ReplyLenMax) - int(base)
	if offset != expected {
		return nil, false, h.status, nil
	}
	if offset < 0 || offset >= h.nrRequestedFrames {
		return nil, false, h.status, nil
	}

	idesc := offset / int(h.cfg.RepliesPerBlock)
	if idesc >= len(h.blocks) {
		return nil, false, h.status, nil
	}
	bd := h.blocks[idesc]
	bit := uint(offset % int(h.cfg.RepliesPerBlock))
	mask := uint64(1) << bit
	if bd.missingBitmap&mask == 0 {
		return nil, false, h.status, nil // duplicate
	}

	if _, werr := h.Region.WriteAt(payload, h.RegionBase+uint64(msgOffset)); werr != nil {
		h.status = StatusAborted
		return nil, true, h.status, fmt.Errorf("pull: writing region: %w", werr)
	}
	bd.missingBitmap &^= mask
	bd.nrMissing--
	h.bytesReceived += uint64(len(payload))

	h.progressLocked(&toSend)

	if len(h.blocks) == 0 && h.bytesReceived >= h.TotalLength {
		h.status = StatusSuccess
		return toSend, true, h.status, nil
	}
	return toSend, false, h.status, nil
}

// progressLocked implements pipeline progression on reply: slide the
// window past a fully-received first block, appending
// and requesting a new block when more bytes remain; when the first block
// still has missing frames but a later block completed first, optimistically
// re-request (at most once per retransmit interval).
func (h *Handle) progressLocked(toSend *[]wire.PullHeader) {
	for len(h.blocks) > 0 {
		first := h.blocks[0]
		if first.nrMissing > 0 {
			lostEvidence := false
			for _, bd := range h.blocks[1:] {
				if bd.nrMissing == 0 {
					lostEvidence = true
					break
				}
			}
			if lostEvidence && !h.rerequestedThisTick {
				h.rerequestedThisTick = true
				for _, bd := range h.blocks {
					if bd.nrMissing > 0 {
						*toSend = append(*toSend, h.pullHeaderFor(bd))
					}
				}
			}
			return
		}

		h.blocks = h.blocks[1:]
		h.nrRequestedFrames -= first.numReplies

		if h.requestedBytes < h.TotalLength {
			nb := h.allocateBlockLocked()
			h.blocks = append(h.blocks, nb)
			h.nrRequestedFrames += nb.numReplies
			*toSend = append(*toSend, h.pullHeaderFor(nb))
		}
	}
}

// RetransmitTick implements the retransmit timer: on an
// absolute deadline miss the handle times out; otherwise the first block
// is resent unconditionally and any later block with missing frames is
// resent too.
func (h *Handle) RetransmitTick(now time.Time) (toSend []wire.PullHeader, timedOut bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != StatusOK {
		return nil, false
	}
	if now.After(h.deadline) {
		h.status = StatusTimeout
		return nil, true
	}

	if len(h.blocks) > 0 {
		toSend = append(toSend, h.pullHeaderFor(h.blocks[0]))
		for _, bd := range h.blocks[1:] {
			if bd.nrMissing > 0 {
				toSend = append(toSend, h.pullHeaderFor(bd))
			}
		}
	}
	h.rerequestedThisTick = false
	h.lastRetransmit = now
	return toSend, false
}

// NackMcp moves a still-running handle to StatusNacked; the NACK's type is
// not recorded.
func (h *Handle) NackMcp() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusOK {
		h.status = StatusNacked
	}
}

// Abort forces the handle into ABORTED, used by Manager.AbortEndpoint.
func (h *Handle) Abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusOK {
		h.status = StatusAborted
	}
}

// postDoneEvent publishes a PULL_DONE event onto the handle's endpoint
// and releases the
// endpoint reference the handle held since creation.
func (h *Handle) postDoneEvent(status Status) {
	var b [5]byte
	b[0] = byte(status)
	binary.BigEndian.PutUint32(b[1:5], h.SlotID)
	_ = h.endpoint.Expected.Push(event.TypePullDone, b[:])
	if h.endpointRelease != nil {
		h.endpointRelease()
	}
}
