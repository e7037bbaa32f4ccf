package cspz

import (
	"sync/atomic"
	"testing"
)

// A producer pushes 0..9 through a capacity-8 channel; the consumer receives
// them in order.
func TestChan_Echo(t *testing.T) {
	rt, err := New(Config{NCPUs: 2, MaxThreads: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	ch := NewChan[int](SPSC, 3)
	got := make([]int, 0, 10)

	rt.Run(func(p *Proc) {
		p.Async(func(p *Proc) {
			for i := 0; i < 10; i++ {
				ch.Push(p, i)
			}
		})

		var v int
		for i := 0; i < 10; i++ {
			ch.Pop(p, &v)
			got = append(got, v)
		}
	})

	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

// Push then pop through a single-slot channel returns the value bit
// identical.
func TestChan_SingleSlotRoundTrip(t *testing.T) {
	type payload struct {
		A uint64
		B float64
		C [3]byte
	}
	ch := NewChan[payload](SPSC, 0)

	in := payload{A: 0xdeadbeefcafe, B: -0.0, C: [3]byte{1, 2, 3}}
	if !ch.TryPush(in) {
		t.Fatal("push into empty single-slot channel failed")
	}
	if ch.TryPush(in) {
		t.Fatal("push into full channel succeeded")
	}

	var out payload
	if !ch.TryPop(&out) {
		t.Fatal("pop from full channel failed")
	}
	if out != in {
		t.Fatalf("round trip mutated value: %+v != %+v", out, in)
	}
	if ch.TryPop(&out) {
		t.Fatal("pop from empty channel succeeded")
	}
}

func TestChan_BulkTransfers(t *testing.T) {
	rt, err := New(Config{NCPUs: 1, MaxThreads: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	ch := NewChan[int](SPSC, 2)
	in := make([]int, 17)
	for i := range in {
		in[i] = i * 3
	}
	out := make([]int, len(in))

	rt.Run(func(p *Proc) {
		p.Async(func(p *Proc) {
			ch.PushMany(p, in)
		})
		ch.PopMany(p, out)
	})

	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], in[i])
		}
	}
}

// Multiple producers and consumers: every value crosses exactly once.
func TestChan_MPMC(t *testing.T) {
	rt, err := New(Config{NCPUs: 2, MaxThreads: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	const (
		producers = 3
		perProd   = 200
		total     = producers * perProd
	)
	ch := NewChan[int](MPMC, 4)
	var seen [total]atomic.Int32
	var received atomic.Int64

	rt.Run(func(p *Proc) {
		for pr := 0; pr < producers; pr++ {
			pr := pr
			p.Async(func(p *Proc) {
				for i := 0; i < perProd; i++ {
					ch.Push(p, pr*perProd+i)
				}
			})
		}
		for co := 0; co < 2; co++ {
			p.Async(func(p *Proc) {
				var v int
				for received.Load() < total {
					if ch.TryPop(&v) {
						seen[v].Add(1)
						received.Add(1)
					} else {
						p.Yield()
					}
				}
			})
		}

		for received.Load() < total {
			p.Yield()
		}
	})

	for v := range seen {
		if n := seen[v].Load(); n != 1 {
			t.Fatalf("value %d received %d times", v, n)
		}
	}
}

// Polling several channels with the Try forms implements select with
// priority given by source order.
func TestChan_SelectByPolling(t *testing.T) {
	rt, err := New(Config{NCPUs: 1, MaxThreads: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	high := NewChan[int](SPSC, 2)
	low := NewChan[int](SPSC, 2)
	var order []string

	rt.Run(func(p *Proc) {
		low.Push(p, 1)
		high.Push(p, 2)

		var v int
		for i := 0; i < 2; i++ {
			for {
				if high.TryPop(&v) {
					order = append(order, "high")
					break
				}
				if low.TryPop(&v) {
					order = append(order, "low")
					break
				}
				p.Yield()
			}
		}
	})

	if order[0] != "high" || order[1] != "low" {
		t.Fatalf("priority order = %v, want [high low]", order)
	}
}
