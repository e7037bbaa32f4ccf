package cspz

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mem.go implements the per-CPU stack allocator. Each CPU owns a heap of
// mmap'd arenas carved into page-granular spans. Free spans are indexed by
// page count in a red-black tree whose node value heads a doubly linked list
// of equally sized spans, so allocation is a find-greater-or-equal plus a
// split. Frees from the owning CPU coalesce with address-adjacent free spans
// immediately; frees from any other thread go through the heap's
// multi-producer single-consumer mailbox and are applied by the owner on its
// next allocation miss.

const (
	memPageSizeExp = 12
	memPageSize    = 1 << memPageSizeExp

	memArenaSizeExp = 22
	memArenaSize    = 1 << memArenaSizeExp
	memArenaNPages  = memArenaSize / memPageSize

	memMailboxCapExp = 10
)

type memSpan struct {
	arena   *memArena
	pageIdx int
	npages  int
	taken   bool

	// Address-adjacency links within the arena.
	mtPrev, mtNext *memSpan

	// Free-list links under the span's size-class tree node.
	fpPrev, fpNext *memSpan
}

type memArena struct {
	base uintptr
	buf  []byte

	// spans[i] is the span starting at page i, nil elsewhere.
	spans [memArenaNPages]*memSpan
}

type memHeap struct {
	pid     int
	mu      Mutex
	tree    *rbtree
	arenas  []*memArena
	mailbox *Queue[uintptr]
}

type memAllocator struct {
	heaps []*memHeap
}

func newMemAllocator(ncpus int) (*memAllocator, error) {
	m := &memAllocator{heaps: make([]*memHeap, ncpus)}
	for i := range m.heaps {
		heap := &memHeap{
			pid:     i,
			tree:    newRBTree(),
			mailbox: NewMPSCQueue[uintptr](memMailboxCapExp),
		}
		if err := heap.grow(); err != nil {
			return nil, err
		}
		m.heaps[i] = heap
	}
	return m, nil
}

// grow maps one more arena and indexes it as a single free span.
func (h *memHeap) grow() error {
	buf, err := unix.Mmap(-1, 0, memArenaSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("mmap arena for cpu %d: %w", h.pid, err)
	}

	arena := &memArena{
		base: uintptr(unsafe.Pointer(&buf[0])),
		buf:  buf,
	}
	h.arenas = append(h.arenas, arena)

	span := &memSpan{arena: arena, npages: memArenaNPages}
	arena.spans[0] = span
	h.indexFree(span)
	return nil
}

// indexFree puts span at the head of its size class.
func (h *memHeap) indexFree(span *memSpan) {
	span.taken = false
	node := h.tree.insert(span.npages)
	if head, ok := node.value.(*memSpan); ok && head != nil {
		span.fpNext = head
		head.fpPrev = span
	} else {
		span.fpNext = nil
	}
	span.fpPrev = nil
	node.value = span
}

// unindexFree removes span from its size class, deleting the tree node when
// the class empties.
func (h *memHeap) unindexFree(span *memSpan) {
	if span.fpPrev != nil {
		span.fpPrev.fpNext = span.fpNext
		if span.fpNext != nil {
			span.fpNext.fpPrev = span.fpPrev
		}
	} else {
		node := h.tree.find(span.npages)
		if span.fpNext != nil {
			span.fpNext.fpPrev = nil
			node.value = span.fpNext
		} else {
			node.value = nil
			h.tree.delete(node)
		}
	}
	span.fpPrev, span.fpNext = nil, nil
}

// takeSpan marks span taken, splitting off the tail when it is larger than
// npages.
func (h *memHeap) takeSpan(span *memSpan, npages int) {
	h.unindexFree(span)
	span.taken = true

	if span.npages > npages {
		rest := &memSpan{
			arena:   span.arena,
			pageIdx: span.pageIdx + npages,
			npages:  span.npages - npages,
			mtPrev:  span,
			mtNext:  span.mtNext,
		}
		if span.mtNext != nil {
			span.mtNext.mtPrev = rest
		}
		span.mtNext = rest
		span.npages = npages
		span.arena.spans[rest.pageIdx] = rest
		h.indexFree(rest)
	}
}

// coalesce merges span with free address-adjacent neighbours and indexes the
// result.
func (h *memHeap) coalesce(span *memSpan) {
	arena := span.arena

	if next := span.mtNext; next != nil && !next.taken {
		h.unindexFree(next)
		arena.spans[next.pageIdx] = nil
		span.npages += next.npages
		span.mtNext = next.mtNext
		if next.mtNext != nil {
			next.mtNext.mtPrev = span
		}
	}
	if prev := span.mtPrev; prev != nil && !prev.taken {
		h.unindexFree(prev)
		arena.spans[span.pageIdx] = nil
		prev.npages += span.npages
		prev.mtNext = span.mtNext
		if span.mtNext != nil {
			span.mtNext.mtPrev = prev
		}
		span = prev
	}
	h.indexFree(span)
}

// spanByAddr resolves an allocation's base address back to its span.
func (h *memHeap) spanByAddr(addr uintptr) *memSpan {
	for _, arena := range h.arenas {
		if addr >= arena.base && addr < arena.base+memArenaSize {
			return arena.spans[int(addr-arena.base)>>memPageSizeExp]
		}
	}
	return nil
}

func (h *memHeap) freeLocked(addr uintptr) {
	if span := h.spanByAddr(addr); span != nil && span.taken {
		h.coalesce(span)
	}
}

// drainMailbox applies frees returned from other threads and reports whether
// any arrived.
func (h *memHeap) drainMailbox() bool {
	var addrs [16]uintptr
	drained := false
	for {
		n := h.mailbox.TryPopMany(addrs[:])
		if n == 0 {
			return drained
		}
		drained = true
		for _, addr := range addrs[:n] {
			h.freeLocked(addr)
		}
		if n < len(addrs) {
			return drained
		}
	}
}

// alloc returns the base address and the byte region of a span covering
// nbytes, rounded up to whole pages.
func (h *memHeap) alloc(nbytes int) (uintptr, []byte, error) {
	npages := (nbytes + memPageSize - 1) >> memPageSizeExp
	if npages == 0 {
		npages = 1
	}
	if npages > memArenaNPages {
		return 0, nil, fmt.Errorf("alloc %d bytes: exceeds arena size", nbytes)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	node := h.tree.findGTE(npages)
	if node == nil && h.drainMailbox() {
		node = h.tree.findGTE(npages)
	}
	if node == nil {
		if err := h.grow(); err != nil {
			return 0, nil, err
		}
		node = h.tree.findGTE(npages)
	}

	span := node.value.(*memSpan)
	h.takeSpan(span, npages)

	off := span.pageIdx << memPageSizeExp
	buf := span.arena.buf[off : off+npages<<memPageSizeExp]
	return span.arena.base + uintptr(off), buf, nil
}

// alloc draws nbytes from the given CPU's heap.
func (m *memAllocator) alloc(pid, nbytes int) (uintptr, []byte, error) {
	return m.heaps[pid].alloc(nbytes)
}

// free returns an allocation to its owning heap. fromPid is the CPU the
// caller runs on, or -1 when the caller does not pass one (Timer.Cancel,
// which runs on the monitor or on any core); anything but the owning CPU
// routes through the mailbox.
func (m *memAllocator) free(pid int, addr uintptr, fromPid int) {
	heap := m.heaps[pid]
	if fromPid != pid {
		heap.mailbox.Push(addr)
		return
	}
	heap.mu.Lock()
	heap.freeLocked(addr)
	heap.mu.Unlock()
}
