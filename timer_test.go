package cspz

import (
	"math/rand"
	"sync/atomic"
	"testing"
	"time"
)

func timerProc(when int64) *Proc {
	p := &Proc{}
	p.timer.idx = -1
	p.timer.token.Store(timerTokenNone)
	p.timer.when = when
	return p
}

func TestTimerHeap_PollInFireOrder(t *testing.T) {
	h := &timerHeap{}

	whens := rand.Perm(100)
	for _, w := range whens {
		h.put(timerProc(int64(w)))
	}

	start, _, n := h.poll(int64(100))
	if n != 100 {
		t.Fatalf("poll drained %d, want 100", n)
	}

	// Entries with earlier fire times come out first.
	i := int64(0)
	for p := start; p != nil; p = p.next {
		if p.timer.when != i {
			t.Fatalf("fire order: got %d at position %d", p.timer.when, i)
		}
		if p.timer.idx != -1 || p.timer.token.Load() != timerTokenNone {
			t.Fatal("drained entry did not leave the heap cleanly")
		}
		i++
	}
}

func TestTimerHeap_PollRespectsNow(t *testing.T) {
	h := &timerHeap{}
	h.put(timerProc(10))
	h.put(timerProc(20))
	h.put(timerProc(30))

	_, _, n := h.poll(5)
	if n != 0 {
		t.Fatalf("poll(5) drained %d, want 0", n)
	}

	start, end, n := h.poll(20)
	if n != 2 {
		t.Fatalf("poll(20) drained %d, want 2", n)
	}
	if start.timer.when != 10 || end.timer.when != 20 {
		t.Fatal("poll(20) drained wrong entries")
	}

	// An entry at or before now fires on the very next poll.
	h.put(timerProc(20))
	if _, _, n = h.poll(20); n != 1 {
		t.Fatalf("due entry did not fire immediately, drained %d", n)
	}
}

func TestTimerHeap_TokensStrictlyIncrease(t *testing.T) {
	h := &timerHeap{}
	last := int64(0)
	for i := 0; i < 10; i++ {
		tok := h.put(timerProc(int64(i)))
		if tok <= last {
			t.Fatalf("token %d not greater than %d", tok, last)
		}
		last = tok
	}
}

func TestTimer_FireAndCancel(t *testing.T) {
	rt, err := New(Config{NCPUs: 2, MaxThreads: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	var fFired, cancelWon atomic.Bool
	rt.Run(func(p *Proc) {
		hf := p.TimerAfter(400*time.Millisecond, func(*Proc) {
			fFired.Store(true)
		})
		p.TimerAfter(100*time.Millisecond, func(*Proc) {
			if hf.Cancel() {
				cancelWon.Store(true)
			}
		})
		p.Hangup(800 * time.Millisecond)
	})

	if !cancelWon.Load() {
		t.Fatal("cancel of a pending timer did not win")
	}
	if fFired.Load() {
		t.Fatal("cancelled timer still fired")
	}
	if got := rt.Metrics().Counter(TimerCancelsTotal).Value(); got != 1 {
		t.Fatalf("cancel counter = %v, want 1", got)
	}
}

func TestTimer_AtAbsoluteTime(t *testing.T) {
	rt, err := New(Config{NCPUs: 1, MaxThreads: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	var fired atomic.Bool
	rt.Run(func(p *Proc) {
		p.TimerAt(time.Now().Add(50*time.Millisecond), func(*Proc) {
			fired.Store(true)
		})
		p.Hangup(300 * time.Millisecond)
	})

	if !fired.Load() {
		t.Fatal("absolute timer never fired")
	}
}

// Exactly one of {cancel, fire} observes each timer.
func TestTimer_CancelFireRace(t *testing.T) {
	rt, err := New(Config{NCPUs: 2, MaxThreads: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	rt.Run(func(p *Proc) {
		for i := 0; i < 20; i++ {
			var fired atomic.Bool
			h := p.TimerAfter(time.Duration(i%3)*time.Millisecond, func(*Proc) {
				fired.Store(true)
			})
			if i%3 != 0 {
				p.Hangup(time.Duration(i%3) * time.Millisecond)
			}
			won := h.Cancel()

			p.Hangup(50 * time.Millisecond)
			if won == fired.Load() {
				t.Errorf("iteration %d: cancel won=%v and fired=%v", i, won, fired.Load())
				return
			}
		}
	})
}

func TestHangup_SleepsAtLeast(t *testing.T) {
	rt, err := New(Config{NCPUs: 1, MaxThreads: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Close()

	startAt := time.Now()
	rt.Run(func(p *Proc) {
		p.Hangup(100 * time.Millisecond)
	})

	if elapsed := time.Since(startAt); elapsed < 100*time.Millisecond {
		t.Fatalf("woke after %v, want >= 100ms", elapsed)
	}
}
