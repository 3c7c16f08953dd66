// Package region implements the user region manager:
// pinning a set of (virtual address, length) segments supplied by an
// ioctl, tracked by progressive chunked "pinning" with a published
// total-length barrier so concurrent pull-engine readers on the other side
// of the wire can wait for just-enough bytes to have arrived, and an
// offset cursor abstraction used by the send/recv/pull paths to walk a
// region's bytes without caring whether it's one segment or many.
//
// Its shape — a state enum with a Close that is
// idempotent under a mutex — follows the ambient idiom the rest of this
// tree uses (internal/iface.Registry, internal/peer.Table).
package region

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

var (
	ErrFailed       = errors.New("region: pinning failed")
	ErrOutOfBounds  = errors.New("region: offset out of bounds")
	ErrNotWritable  = errors.New("region: segment is not writable")
	ErrClosed       = errors.New("region: region is closed")
)

// Status is a Region's lifecycle state.
type Status uint8

const (
	StatusPinning Status = iota
	StatusReady
	StatusFailed
	StatusClosed
)

// Segment is one (virtual address, length) range a region was created
// with. Writable records whether the segment may be the target of an
// incoming pull/rendezvous write, so region.Cursor can reject
// out-of-bounds writes into a read-only segment instead of silently
// corrupting caller memory.
type Segment struct {
	Addr     uintptr
	Length   uint64
	Writable bool

	// Bytes backs the segment in this software emulation: a real ioctl
	// would pin the pages at Addr in the caller's address space; Go has no
	// such facility, so the segment's storage is a plain byte slice the
	// caller supplies, and Addr/Length are retained only for the
	// wire-visible region_cursor arithmetic.
	Bytes []byte
}

// PinChunkPagesMin/Max bound the progressive pinning chunk size.
const (
	PinChunkPagesMin = 8
	PinChunkPagesMax = 2048
	PageSize         = 4096
)

// Region tracks one set of pinned segments and the barrier readers use to
// learn how much of it is usable so far.
type Region struct {
	mu       sync.Mutex
	cond     *sync.Cond
	segments []Segment
	status   Status

	totalLength       uint64 // sum of all segment lengths, fixed at creation
	registeredLength  uint64 // published incrementally as chunks pin

	// pinWait collapses concurrent DemandPinContinue callers waiting on
	// the same threshold into a single cond.Wait loop: a pull engine
	// racing several readers against the same rendezvous region would
	// otherwise have every one of them independently looping on r.cond.
	pinWait singleflight.Group
}

// New constructs a Region over segments and, unless demandPin is set,
// synchronously pins everything before returning.
func New(segments []Segment, demandPin bool) (*Region, error) {
	var total uint64
	for _, s := range segments {
		total += s.Length
	}
	r := &Region{
		segments:    append([]Segment(nil), segments...),
		status:      StatusPinning,
		totalLength: total,
	}
	r.cond = sync.NewCond(&r.mu)

	if !demandPin {
		if err := r.pinAll(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// pinAll walks every segment in doubling chunks, publishing
// registeredLength after each. Go's memory model gives
// the happens-before edge for free via the mutex acquire/release pairing
// demand_pin_continue uses (no explicit barrier primitive is needed).
func (r *Region) pinAll() error {
	chunk := uint64(PinChunkPagesMin) * PageSize
	maxChunk := uint64(PinChunkPagesMax) * PageSize

	var pinned uint64
	for pinned < r.totalLength {
		step := chunk
		if r.totalLength-pinned < step {
			step = r.totalLength - pinned
		}
		// Pinning an already-caller-supplied []byte segment cannot itself
		// fail in this emulation; a real backend doing get_user_pages
		// would check its error here and transition to StatusFailed.
		pinned += step
		r.mu.Lock()
		r.registeredLength = pinned
		r.cond.Broadcast()
		r.mu.Unlock()

		if chunk < maxChunk {
			chunk *= 2
			if chunk > maxChunk {
				chunk = maxChunk
			}
		}
	}

	r.mu.Lock()
	r.status = StatusReady
	r.mu.Unlock()
	return nil
}

// DemandPinContinue blocks until at least needed bytes are registered, or
// the region fails. Concurrent callers asking for the same threshold share
// one waiter via pinWait rather than each running their own cond.Wait loop.
func (r *Region) DemandPinContinue(needed uint64) error {
	_, err, _ := r.pinWait.Do(strconv.FormatUint(needed, 10), func() (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for r.registeredLength < needed && r.status != StatusFailed && r.status != StatusClosed {
			r.cond.Wait()
		}
		if r.status == StatusFailed {
			return nil, ErrFailed
		}
		if r.status == StatusClosed {
			return nil, ErrClosed
		}
		return nil, nil
	})
	return err
}

// Fail transitions the region to FAILED and wakes every DemandPinContinue
// waiter so they can error out.
func (r *Region) Fail() {
	r.mu.Lock()
	r.status = StatusFailed
	r.cond.Broadcast()
	r.mu.Unlock()
}

// RegisteredLength returns the currently published registered length.
func (r *Region) RegisteredLength() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registeredLength
}

// TotalLength returns the region's fixed total length.
func (r *Region) TotalLength() uint64 { return r.totalLength }

// Status returns the region's current lifecycle state.
func (r *Region) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Close marks the region closed; any segment longer than
// largeVmallocThreshold pages is reported via deferred, since freeing a
// large vmalloc-backed allocation traditionally defers to a cleanup
// thread rather than happening inline. Go has no such sleeping-allocator
// restriction, so deferred is purely informational.
func (r *Region) Close() (deferred bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusClosed {
		return false
	}
	r.status = StatusClosed
	r.cond.Broadcast()
	for _, s := range r.segments {
		if len(s.Bytes) > LargeVmallocThreshold*PageSize {
			deferred = true
		}
	}
	return deferred
}

// LargeVmallocThreshold is the page-count cutoff above which a segment is
// considered "allocated via large vmalloc" rather than a direct mapping.
const LargeVmallocThreshold = 4096

// segmentAt returns the segment and in-segment offset covering a global
// region offset.
func (r *Region) segmentAt(offset uint64) (*Segment, uint64, error) {
	for i := range r.segments {
		s := &r.segments[i]
		if offset < s.Length {
			return s, offset, nil
		}
		offset -= s.Length
	}
	return nil, 0, ErrOutOfBounds
}

// ReadAt copies len(dst) bytes starting at offset into dst, honoring
// segment boundaries.
func (r *Region) ReadAt(dst []byte, offset uint64) (int, error) {
	return r.copy(dst, nil, offset, false)
}

// WriteAt copies src into the region starting at offset, honoring segment
// boundaries; it fails if any touched segment is not Writable.
func (r *Region) WriteAt(src []byte, offset uint64) (int, error) {
	return r.copy(nil, src, offset, true)
}

func (r *Region) copy(dst, src []byte, offset uint64, writing bool) (int, error) {
	total := len(dst)
	if writing {
		total = len(src)
	}
	n := 0
	for n < total {
		seg, segOff, err := r.segmentAt(offset + uint64(n))
		if err != nil {
			return n, err
		}
		if writing && !seg.Writable {
			return n, ErrNotWritable
		}
		avail := int(seg.Length - segOff)
		remain := total - n
		step := remain
		if step > avail {
			step = avail
		}
		if writing {
			copy(seg.Bytes[segOff:], src[n:n+step])
		} else {
			copy(dst[n:n+step], seg.Bytes[segOff:])
		}
		n += step
	}
	return n, nil
}

// String renders a short diagnostic summary.
func (r *Region) String() string {
	return fmt.Sprintf("region{segments=%d total=%d registered=%d status=%d}",
		len(r.segments), r.totalLength, r.registeredLength, r.status)
}
