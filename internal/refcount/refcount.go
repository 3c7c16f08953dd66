// Package refcount implements the kref-style reference counting the core
// uses for interfaces, endpoints, regions, and pull handles. A Ref starts at one
// reference (the table that created it); callers Acquire before using a
// pointer obtained from a concurrent lookup and Release when done. The
// owning table drops its own reference on detach/close.
//
// Last-drop cleanup may run from the packet-reception path, which must
// never block or allocate from a sleeping allocator.
// For a Ref built by New with a non-nil drain channel, Release therefore
// hands the cleanup callback to that channel so the caller returns
// immediately; the channel is drained by whatever goroutine its creator
// provides. With a nil drain the callback runs inline (see New).
package refcount

import "sync/atomic"

// Ref is a reference-counted handle to a value of type T. The zero value
// is not usable; construct with New.
type Ref[T any] struct {
	val     T
	n       atomic.Int32
	release func(T)
	drain   chan<- func()
}

// New constructs a Ref holding val with one outstanding reference. release
// is invoked exactly once, when the last reference drops, by submitting a
// thunk to drain. If drain is nil the release callback runs inline on the
// goroutine that drops the last reference — only safe when the caller
// knows that goroutine can block (e.g. application context, not the
// packet-reception path).
func New[T any](val T, release func(T), drain chan<- func()) *Ref[T] {
	r := &Ref[T]{val: val, release: release, drain: drain}
	r.n.Store(1)
	return r
}

// Get returns the held value without affecting the reference count. The
// caller must already hold a reference (via New or a prior Acquire).
func (r *Ref[T]) Get() T { return r.val }

// Acquire adds a reference. It returns false if the value is already at
// zero references (a racing Release already dropped to zero), in which
// case the caller must treat the lookup that produced this Ref as a miss.
func (r *Ref[T]) Acquire() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference. When the count reaches zero the release
// callback fires exactly once, deferred to the drain channel if one was
// supplied.
func (r *Ref[T]) Release() {
	if r.n.Add(-1) != 0 {
		return
	}
	if r.release == nil {
		return
	}
	if r.drain == nil {
		r.release(r.val)
		return
	}
	val := r.val
	release := r.release
	r.drain <- func() { release(val) }
}

// Count reports the current reference count, for tests and diagnostics
// only — never branch production logic on a racy read of this value.
func (r *Ref[T]) Count() int32 { return r.n.Load() }
