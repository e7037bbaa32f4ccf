package cspz

import "testing"

func TestMemAllocator(t *testing.T) {
	t.Run("Alloc Free Reuse", func(t *testing.T) {
		m, err := newMemAllocator(1)
		if err != nil {
			t.Fatalf("newMemAllocator: %v", err)
		}

		base, buf, err := m.alloc(0, 16<<10)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		if len(buf) != 16<<10 {
			t.Fatalf("len(buf) = %d, want %d", len(buf), 16<<10)
		}

		// The region is writable end to end.
		buf[0] = 0xaa
		buf[len(buf)-1] = 0x55

		m.free(0, base, 0)

		// Same-size reallocation reuses the freed span at the arena head.
		base2, _, err := m.alloc(0, 16<<10)
		if err != nil {
			t.Fatalf("realloc: %v", err)
		}
		if base2 != base {
			t.Fatalf("freed span not reused: %#x vs %#x", base2, base)
		}
	})

	t.Run("Page Rounding", func(t *testing.T) {
		m, err := newMemAllocator(1)
		if err != nil {
			t.Fatalf("newMemAllocator: %v", err)
		}
		_, buf, err := m.alloc(0, 100)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		if len(buf) != memPageSize {
			t.Fatalf("len(buf) = %d, want one page", len(buf))
		}
	})

	t.Run("Coalesce Adjacent", func(t *testing.T) {
		m, err := newMemAllocator(1)
		if err != nil {
			t.Fatalf("newMemAllocator: %v", err)
		}

		// Carve the arena into three spans, free them out of order, then
		// ask for the whole arena, which only a full merge can satisfy.
		a, _, _ := m.alloc(0, memPageSize)
		b, _, _ := m.alloc(0, memPageSize)
		c, _, _ := m.alloc(0, memPageSize)

		m.free(0, a, 0)
		m.free(0, c, 0)
		m.free(0, b, 0) // middle free merges all three

		h := m.heaps[0]
		h.mu.Lock()
		node := h.tree.findGTE(memArenaNPages)
		h.mu.Unlock()
		if node == nil {
			t.Fatal("no whole-arena span after coalescing")
		}
	})

	t.Run("Cross CPU Free Via Mailbox", func(t *testing.T) {
		m, err := newMemAllocator(2)
		if err != nil {
			t.Fatalf("newMemAllocator: %v", err)
		}

		// Take the whole arena so the next alloc misses and must drain.
		spans := make([]uintptr, memArenaNPages)
		for i := range spans {
			base, _, err := m.alloc(0, memPageSize)
			if err != nil {
				t.Fatalf("alloc %d: %v", i, err)
			}
			spans[i] = base
		}

		// Return everything from "another CPU".
		for _, base := range spans {
			m.free(0, base, 1)
		}

		arenas := len(m.heaps[0].arenas)
		if _, _, err := m.alloc(0, memPageSize); err != nil {
			t.Fatalf("alloc after mailbox frees: %v", err)
		}
		if len(m.heaps[0].arenas) != arenas {
			t.Fatal("alloc grew a new arena instead of draining the mailbox")
		}
	})

	t.Run("Grows New Arena When Exhausted", func(t *testing.T) {
		m, err := newMemAllocator(1)
		if err != nil {
			t.Fatalf("newMemAllocator: %v", err)
		}
		for i := 0; i < memArenaNPages+1; i++ {
			if _, _, err := m.alloc(0, memPageSize); err != nil {
				t.Fatalf("alloc %d: %v", i, err)
			}
		}
		if len(m.heaps[0].arenas) < 2 {
			t.Fatal("expected a second arena after exhausting the first")
		}
	})
}
