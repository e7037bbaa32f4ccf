package cspz

import (
	"sync"
	"testing"
)

func TestMutex(t *testing.T) {
	t.Run("TryLock", func(t *testing.T) {
		var m Mutex
		if !m.TryLock() {
			t.Fatal("TryLock failed on free mutex")
		}
		if m.TryLock() {
			t.Fatal("TryLock succeeded on held mutex")
		}
		m.Unlock()
		if !m.TryLock() {
			t.Fatal("TryLock failed after unlock")
		}
	})

	t.Run("Mutual Exclusion", func(t *testing.T) {
		var m Mutex
		counter := 0

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 1000; j++ {
					m.Lock()
					counter++
					m.Unlock()
				}
			}()
		}
		wg.Wait()

		if counter != 8000 {
			t.Fatalf("counter = %d, want 8000", counter)
		}
	})
}

func TestRand_Distribution(t *testing.T) {
	var r randState
	r.init()

	// Values spread across a small modulus without collapsing to one bucket.
	var buckets [8]int
	for i := 0; i < 8000; i++ {
		buckets[r.next()%8]++
	}
	for i, n := range buckets {
		if n == 0 {
			t.Fatalf("bucket %d never hit", i)
		}
	}
}
