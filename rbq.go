package cspz

import (
	"runtime"
	"sync/atomic"
)

// rbq.go implements the bounded lock-free ring buffer queue family that backs
// both the per-CPU global run queues and typed channels. The design follows
// the Disruptor pattern: a power-of-two slot array plus a producer pointer and
// a consumer pointer, each carrying a monotonically increasing 64-bit
// reservation counter ("next") and a publication barrier ("barr").
//
// Four thread-safe variants are produced from the same algorithm by choosing
// the single or multi kind for each pointer:
//
//   - NewSPSCQueue: single producer, single consumer
//   - NewSPMCQueue: single producer, multiple consumers
//   - NewMPSCQueue: multiple producers, single consumer
//   - NewMPMCQueue: multiple producers, multiple consumers
//
// A single-kind pointer is a plain counter; its owner advances "next" without
// contention and publishes by storing the barrier. A multi-kind pointer
// reserves slots by compare-and-swap and additionally carries one availability
// sequence per slot; a slot is consumable exactly when its availability
// sequence equals the producer sequence that wrote it, and the barrier is
// advanced by walking forward over available slots.
//
// Sequences are 64-bit and never wrap in practice.

// cacheLinePad keeps hot sequence counters on distinct cache lines.
type cacheLinePad [56]byte

type rbqSeq struct {
	_ cacheLinePad
	v atomic.Uint64
}

// rbqSeqNone is the availability sentinel meaning "slot never written".
const rbqSeqNone = ^uint64(0)

// rbqPtr is one end of a queue: the producer pointer or the consumer pointer.
type rbqPtr interface {
	nextGet() uint64
	// nextRsv reserves [curr, curr+n). It reports false when the reservation
	// lost a race and must be retried with a fresh observation.
	nextRsv(curr, n uint64) bool
	barrGet() uint64
	// barrUpdate advances the barrier as far as published slots allow and
	// returns the freshest barrier value observed.
	barrUpdate(mask uint64) uint64
	markAvail(seqv, mask uint64)
	markAvailRange(start, end, mask uint64)
}

// singlePtr is the uncontended pointer kind. Only its single owner touches
// next; barr is the cross-thread publication point.
type singlePtr struct {
	next uint64
	barr rbqSeq
}

func (p *singlePtr) nextGet() uint64 { return p.next }

func (p *singlePtr) nextRsv(curr, n uint64) bool {
	p.next = curr + n
	return true
}

func (p *singlePtr) barrGet() uint64 { return p.barr.v.Load() }

func (p *singlePtr) barrUpdate(uint64) uint64 { return p.barr.v.Load() }

func (p *singlePtr) markAvail(uint64, uint64) { p.barr.v.Store(p.next) }

func (p *singlePtr) markAvailRange(uint64, uint64, uint64) { p.barr.v.Store(p.next) }

// multiPtr is the contended pointer kind: CAS reservation plus per-slot
// availability sequences.
type multiPtr struct {
	next  rbqSeq
	barr  rbqSeq
	stats []rbqSeq
}

func newMultiPtr(capacity uint64) *multiPtr {
	p := &multiPtr{stats: make([]rbqSeq, capacity)}
	for i := range p.stats {
		p.stats[i].v.Store(rbqSeqNone)
	}
	return p
}

func (p *multiPtr) nextGet() uint64 { return p.next.v.Load() }

func (p *multiPtr) nextRsv(curr, n uint64) bool {
	return p.next.v.CompareAndSwap(curr, curr+n)
}

func (p *multiPtr) barrGet() uint64 { return p.barr.v.Load() }

func (p *multiPtr) isAvail(seqv, mask uint64) bool {
	return p.stats[seqv&mask].v.Load() == seqv
}

func (p *multiPtr) barrUpdate(mask uint64) uint64 {
	curr := p.barr.v.Load()
	barr := curr
	for p.isAvail(barr, mask) {
		barr++
	}
	if curr != barr {
		if p.barr.v.CompareAndSwap(curr, barr) {
			curr = barr
		} else {
			curr = p.barr.v.Load()
		}
	}
	return curr
}

func (p *multiPtr) markAvail(seqv, mask uint64) {
	p.stats[seqv&mask].v.Store(seqv)
}

func (p *multiPtr) markAvailRange(start, end, mask uint64) {
	for i := start; i < end; i++ {
		p.stats[i&mask].v.Store(i)
	}
}

// Queue is a bounded lock-free multi-slot queue. Construct one with the
// variant matching the intended producer and consumer concurrency; using a
// single-kind end from more than one goroutine at a time is a data race.
//
// The Try forms never block. The plain forms retry until they succeed,
// yielding the OS thread between futile rounds; inside a process prefer the
// Chan wrapper, whose blocking forms yield to the scheduler instead.
type Queue[T any] struct {
	items []T
	cap   uint64
	mask  uint64
	cons  rbqPtr
	prod  rbqPtr
}

// NewSPSCQueue creates a single-producer single-consumer queue with
// 1 << capExp slots.
func NewSPSCQueue[T any](capExp uint) *Queue[T] {
	return newQueue[T](capExp, false, false)
}

// NewSPMCQueue creates a single-producer multi-consumer queue with
// 1 << capExp slots.
func NewSPMCQueue[T any](capExp uint) *Queue[T] {
	return newQueue[T](capExp, false, true)
}

// NewMPSCQueue creates a multi-producer single-consumer queue with
// 1 << capExp slots.
func NewMPSCQueue[T any](capExp uint) *Queue[T] {
	return newQueue[T](capExp, true, false)
}

// NewMPMCQueue creates a multi-producer multi-consumer queue with
// 1 << capExp slots.
func NewMPMCQueue[T any](capExp uint) *Queue[T] {
	return newQueue[T](capExp, true, true)
}

func newQueue[T any](capExp uint, multiProd, multiCons bool) *Queue[T] {
	capacity := uint64(1) << capExp
	q := &Queue[T]{
		items: make([]T, capacity),
		cap:   capacity,
		mask:  capacity - 1,
	}
	if multiProd {
		q.prod = newMultiPtr(capacity)
	} else {
		q.prod = &singlePtr{}
	}
	if multiCons {
		q.cons = newMultiPtr(capacity)
	} else {
		q.cons = &singlePtr{}
	}
	return q
}

// Cap returns the slot capacity.
func (q *Queue[T]) Cap() int { return int(q.cap) }

// TryPush appends item and reports whether a slot was claimed. It returns
// false when the queue is full or the reservation lost a race.
func (q *Queue[T]) TryPush(item T) bool {
	cbarr := q.cons.barrGet()
	pnext := q.prod.nextGet()

	if cbarr+q.cap <= pnext {
		cbarr = q.cons.barrUpdate(q.mask)
		if cbarr+q.cap <= pnext {
			return false
		}
	}

	if q.prod.nextRsv(pnext, 1) {
		q.items[pnext&q.mask] = item
		q.prod.markAvail(pnext, q.mask)
		return true
	}
	return false
}

// Push appends item, retrying until a slot frees up.
func (q *Queue[T]) Push(item T) {
	for {
		cbarr := q.cons.barrGet()
		pnext := q.prod.nextGet()

		if cbarr+q.cap <= pnext {
			cbarr = q.cons.barrUpdate(q.mask)
			if cbarr+q.cap <= pnext {
				runtime.Gosched()
				continue
			}
		}

		if q.prod.nextRsv(pnext, 1) {
			q.items[pnext&q.mask] = item
			q.prod.markAvail(pnext, q.mask)
			return
		}
	}
}

// TryPop removes the oldest item. It reports false when the queue is empty or
// the reservation lost a race.
func (q *Queue[T]) TryPop(item *T) bool {
	cnext := q.cons.nextGet()
	pbarr := q.prod.barrGet()

	if cnext >= pbarr {
		pbarr = q.prod.barrUpdate(q.mask)
		if cnext >= pbarr {
			return false
		}
	}

	if q.cons.nextRsv(cnext, 1) {
		*item = q.items[cnext&q.mask]
		q.cons.markAvail(cnext, q.mask)
		return true
	}
	return false
}

// Pop removes the oldest item, retrying until one arrives.
func (q *Queue[T]) Pop(item *T) {
	for {
		cnext := q.cons.nextGet()
		pbarr := q.prod.barrGet()

		if cnext >= pbarr {
			pbarr = q.prod.barrUpdate(q.mask)
			if cnext >= pbarr {
				runtime.Gosched()
				continue
			}
		}

		if q.cons.nextRsv(cnext, 1) {
			*item = q.items[cnext&q.mask]
			q.cons.markAvail(cnext, q.mask)
			return
		}
	}
}

// TryPushMany appends all of items in one reservation, or none of them.
func (q *Queue[T]) TryPushMany(items []T) bool {
	n := uint64(len(items))
	if n == 0 {
		return true
	}
	if n == 1 {
		return q.TryPush(items[0])
	}

	cbarr := q.cons.barrGet()
	pnext := q.prod.nextGet()

	if cbarr+q.cap < pnext+n {
		cbarr = q.cons.barrUpdate(q.mask)
		if cbarr+q.cap < pnext+n {
			return false
		}
	}

	if q.prod.nextRsv(pnext, n) {
		q.setMany(pnext, items)
		q.prod.markAvailRange(pnext, pnext+n, q.mask)
		return true
	}
	return false
}

// PushMany appends all of items, in chunks when the queue cannot take them at
// once. The chunk size halves under backpressure down to single items.
func (q *Queue[T]) PushMany(items []T) {
	n := uint64(len(items))
	if n == 0 {
		return
	}
	if n == 1 {
		q.Push(items[0])
		return
	}

	chunk := q.cap
	if n < chunk {
		chunk = n
	}

	for n > 0 {
		cbarr := q.cons.barrGet()
		pnext := q.prod.nextGet()

		if cbarr+q.cap < pnext+chunk {
			cbarr = q.cons.barrUpdate(q.mask)
			if cbarr+q.cap < pnext+chunk {
				if chunk != 1 {
					chunk >>= 1
				} else {
					runtime.Gosched()
				}
				continue
			}
		}

		if q.prod.nextRsv(pnext, chunk) {
			if chunk > 1 {
				q.setMany(pnext, items[:chunk])
				q.prod.markAvailRange(pnext, pnext+chunk, q.mask)
			} else {
				q.items[pnext&q.mask] = items[0]
				q.prod.markAvail(pnext, q.mask)
			}
			items = items[chunk:]
			n -= chunk
		}
	}
}

// TryPopMany removes up to len(items) items and returns how many were taken.
func (q *Queue[T]) TryPopMany(items []T) int {
	n := uint64(len(items))
	if n == 0 {
		return 0
	}
	if n == 1 {
		if q.TryPop(&items[0]) {
			return 1
		}
		return 0
	}

	cnext := q.cons.nextGet()
	pbarr := q.prod.barrGet()

	if cnext >= pbarr {
		pbarr = q.prod.barrUpdate(q.mask)
		if cnext >= pbarr {
			return 0
		}
	}

	take := pbarr - cnext
	if n < take {
		take = n
	}

	if q.cons.nextRsv(cnext, take) {
		if take > 1 {
			q.getMany(cnext, items[:take])
			q.cons.markAvailRange(cnext, cnext+take, q.mask)
		} else {
			items[0] = q.items[cnext&q.mask]
			q.cons.markAvail(cnext, q.mask)
		}
		return int(take)
	}
	return 0
}

// PopMany removes exactly len(items) items, retrying until it fills them all.
func (q *Queue[T]) PopMany(items []T) {
	n := uint64(len(items))
	if n == 0 {
		return
	}
	if n == 1 {
		q.Pop(&items[0])
		return
	}

	for n > 0 {
		cnext := q.cons.nextGet()
		pbarr := q.prod.barrGet()

		if cnext >= pbarr {
			pbarr = q.prod.barrUpdate(q.mask)
			if cnext >= pbarr {
				runtime.Gosched()
				continue
			}
		}

		take := pbarr - cnext
		if n < take {
			take = n
		}

		if q.cons.nextRsv(cnext, take) {
			if take > 1 {
				q.getMany(cnext, items[:take])
				q.cons.markAvailRange(cnext, cnext+take, q.mask)
			} else {
				items[0] = q.items[cnext&q.mask]
				q.cons.markAvail(cnext, q.mask)
			}
			items = items[take:]
			n -= take
		}
	}
}

// setMany copies src into slots starting at seq start, wrapping at the end of
// the backing array.
func (q *Queue[T]) setMany(start uint64, src []T) {
	i := start & q.mask
	n := uint64(len(src))
	if i+n <= q.cap {
		copy(q.items[i:], src)
		return
	}
	part := q.cap - i
	copy(q.items[i:], src[:part])
	copy(q.items, src[part:])
}

// getMany copies slots starting at seq start into dst, wrapping at the end of
// the backing array.
func (q *Queue[T]) getMany(start uint64, dst []T) {
	i := start & q.mask
	n := uint64(len(dst))
	if i+n <= q.cap {
		copy(dst, q.items[i:i+n])
		return
	}
	part := q.cap - i
	copy(dst[:part], q.items[i:])
	copy(dst[part:], q.items[:n-part])
}

// Ring is the raw, non-thread-safe ring buffer sibling of Queue. It adds
// front insertion and in-place growth, which the thread-safe variants cannot
// offer.
type Ring[T any] struct {
	items []T
	cap   uint64
	mask  uint64
	slow  uint64
	fast  uint64
}

// NewRing creates a raw ring buffer with 1 << capExp slots.
func NewRing[T any](capExp uint) *Ring[T] {
	capacity := uint64(1) << capExp
	return &Ring[T]{
		items: make([]T, capacity),
		cap:   capacity,
		mask:  capacity - 1,
	}
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int { return int(r.fast - r.slow) }

// TryPush appends item at the back.
func (r *Ring[T]) TryPush(item T) bool {
	if r.fast-r.slow < r.cap {
		r.items[r.fast&r.mask] = item
		r.fast++
		return true
	}
	return false
}

// TryPushFront inserts item at the front.
func (r *Ring[T]) TryPushFront(item T) bool {
	if r.fast-r.slow < r.cap {
		r.slow--
		r.items[r.slow&r.mask] = item
		return true
	}
	return false
}

// TryPop removes the front item.
func (r *Ring[T]) TryPop(item *T) bool {
	if r.fast-r.slow > 0 {
		*item = r.items[r.slow&r.mask]
		r.slow++
		return true
	}
	return false
}

// Grow doubles the capacity, preserving item order.
func (r *Ring[T]) Grow() {
	capacity := r.cap << 1
	items := make([]T, capacity)
	n := r.fast - r.slow
	for i := uint64(0); i < n; i++ {
		items[i] = r.items[(r.slow+i)&r.mask]
	}
	r.items = items
	r.cap = capacity
	r.mask = capacity - 1
	r.slow = 0
	r.fast = n
}
