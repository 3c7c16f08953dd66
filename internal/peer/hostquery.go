package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// QueryInterval is how often the table re-broadcasts HOST_QUERY for every
// peer whose hostname is still unknown.
const QueryInterval = 5 * time.Second

// Broadcaster is a Sender of raw HOST_QUERY frames, implemented by
// internal/engine's broadcastAdapter over internal/send and injected here so peer stays independent of the wire
// and iface packages (avoiding an import cycle: iface doesn't know about
// peer, send depends on both).
type Broadcaster interface {
	BroadcastHostQuery(magic uint32) error
}

// QueryMagic issues and validates the monotonic magic numbers HOST_QUERY
// frames carry. Seeded from crypto/rand, mirroring a kernel module
// seeding its 32-bit counter from get_random_bytes at load time.
type QueryMagic struct {
	current atomic.Uint32
}

// NewQueryMagic seeds the counter from crypto/rand.
func NewQueryMagic() *QueryMagic {
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	q := &QueryMagic{}
	q.current.Store(binary.BigEndian.Uint32(seed[:]))
	return q
}

// Next advances and returns the new current magic.
func (q *QueryMagic) Next() uint32 {
	return q.current.Add(1)
}

// Valid reports whether magic matches the current round (a reply tagged
// with any earlier round's magic is stale and discarded).
func (q *QueryMagic) Valid(magic uint32) bool {
	return q.current.Load() == magic
}

// QueryLoop periodically broadcasts HOST_QUERY for every peer with an
// unresolved hostname, consuming peer.HostQueryEvents to know which peers
// still need it. Follows the ambient ctx/cancel/wg lifecycle the rest of this tree uses for background loops.
type QueryLoop struct {
	table   *Table
	bcast   Broadcaster
	magic   *QueryMagic
	log     *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[int]*Peer // peer index -> peer, awaiting a reply

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueryLoop constructs a QueryLoop; call Run to start it.
func NewQueryLoop(table *Table, bcast Broadcaster, log *slog.Logger) *QueryLoop {
	if log == nil {
		log = slog.Default()
	}
	return &QueryLoop{
		table:    table,
		bcast:    bcast,
		magic:    NewQueryMagic(),
		log:      log,
		interval: QueryInterval,
		pending:  make(map[int]*Peer),
	}
}

// Run starts the broadcast timer and the event-consuming goroutine; both
// stop when ctx is canceled or Stop is called.
func (q *QueryLoop) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(2)
	go q.consumeEvents(ctx)
	go q.broadcastLoop(ctx)
}

// SetInterval overrides the broadcast period; intended for tests. Must be
// called before Run.
func (q *QueryLoop) SetInterval(d time.Duration) {
	q.interval = d
}

// Stop cancels the loop and waits for both goroutines to exit.
func (q *QueryLoop) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *QueryLoop) consumeEvents(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q.table.HostQueryEvents():
			q.mu.Lock()
			if ev.NowKnow {
				delete(q.pending, ev.Peer.Index)
			} else {
				q.pending[ev.Peer.Index] = ev.Peer
			}
			q.mu.Unlock()
		}
	}
}

func (q *QueryLoop) broadcastLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			n := len(q.pending)
			q.mu.Unlock()
			if n == 0 {
				continue
			}
			magic := q.magic.Next()
			if err := q.bcast.BroadcastHostQuery(magic); err != nil {
				q.log.Warn("peer: host query broadcast failed", "error", err, "pending", n)
			}
		}
	}
}

// HandleReply resolves a HOST_REPLY: if magic matches the current round,
// the named peer's hostname is recorded via Table.Add.
func (q *QueryLoop) HandleReply(addr [6]byte, hostname string, magic uint32) {
	if !q.magic.Valid(magic) {
		return
	}
	_, _ = q.table.Add(macAddr(addr), hostname)
}

func macAddr(b [6]byte) []byte { return b[:] }
