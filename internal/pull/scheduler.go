package pull

import (
	"container/heap"
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// retransmitEvent is one scheduled retransmit tick for a Handle, ordered
// by when it's due, off a single time-ordered min-heap. This package
// needs only one kind of timer event (Retransmit), so the queue is
// specialized directly to *Handle rather than carrying an event-type tag.
type retransmitEvent struct {
	when   time.Time
	handle *Handle
	seq    uint64
}

type eventHeap []*retransmitEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*retransmitEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// eventQueue is a thread-safe min-heap of pending retransmit ticks.
type eventQueue struct {
	mu  sync.Mutex
	pq  eventHeap
	seq uint64
}

func newEventQueue() *eventQueue {
	h := eventHeap{}
	heap.Init(&h)
	return &eventQueue{pq: h}
}

func (q *eventQueue) push(e *retransmitEvent) {
	q.mu.Lock()
	q.seq++
	e.seq = q.seq
	heap.Push(&q.pq, e)
	q.mu.Unlock()
}

func (q *eventQueue) popIfDue(now time.Time) (*retransmitEvent, time.Duration) {
	q.mu.Lock()
	if q.pq.Len() == 0 {
		q.mu.Unlock()
		return nil, 10 * time.Millisecond
	}
	ev := q.pq[0]
	if d := ev.when.Sub(now); d > 0 {
		q.mu.Unlock()
		return nil, d
	}
	ev = heap.Pop(&q.pq).(*retransmitEvent)
	q.mu.Unlock()
	return ev, 0
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// Scheduler drives every Handle's retransmit tick off a single
// time-ordered queue.
type Scheduler struct {
	log *slog.Logger
	eq  *eventQueue
	mgr *Manager
}

func newScheduler(log *slog.Logger, mgr *Manager) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log, eq: newEventQueue(), mgr: mgr}
}

// arm schedules h's first retransmit tick one RetransmitTimeoutMS from
// now.
func (s *Scheduler) arm(h *Handle, cfg Config) {
	s.eq.push(&retransmitEvent{
		when:   time.Now().Add(time.Duration(cfg.RetransmitTimeoutMS) * time.Millisecond),
		handle: h,
	})
}

// Run executes the retransmit loop until ctx is canceled: pop due
// events, process, re-arm; sleep until the next deadline when nothing
// is due.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		now := time.Now()
		ev, wait := s.eq.popIfDue(now)
		if ev == nil {
			if wait <= 0 {
				wait = 10 * time.Millisecond
			}
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(wait)
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				continue
			}
		}

		s.processTick(ev.handle)
	}
}

// processTick runs one retransmit decision for h. If some other path
// (a completed reply, a NACK, an endpoint-close abort) already moved h
// out of StatusOK since this tick was scheduled, RetransmitTick is a
// no-op and Manager.complete's sync.Once absorbs the redundant call —
// this is the simplified stand-in for the spec's TIMER_MUST_EXIT/
// TIMER_EXITED handshake noted on Status.
func (s *Scheduler) processTick(h *Handle) {
	iface := strconv.Itoa(h.IfaceIdx)
	metricSchedulerQueueLen.WithLabelValues(iface).Set(float64(s.eq.len()))

	toSend, timedOut := h.RetransmitTick(time.Now())
	if len(toSend) > 0 {
		metricRetransmits.WithLabelValues(iface).Add(float64(len(toSend)))
	}
	for _, req := range toSend {
		if err := s.mgr.sender.Pull(h.IfaceIdx, h.PeerIdx, req); err != nil {
			s.log.Warn("pull: retransmit send failed", "slot", h.SlotID, "error", err)
		}
	}

	if timedOut {
		s.mgr.complete(h, StatusTimeout)
		return
	}
	if h.Status() != StatusOK {
		s.mgr.complete(h, h.Status())
		return
	}

	s.eq.push(&retransmitEvent{
		when:   time.Now().Add(time.Duration(h.cfg.RetransmitTimeoutMS) * time.Millisecond),
		handle: h,
	})
}
