package cspz

import (
	"time"
)

// Timer token sentinels. Real tokens are strictly increasing positive values
// assigned per heap, so neither sentinel ever collides with a live token.
const (
	timerTokenNone      int64 = -1
	timerTokenCancelled int64 = -2
)

// Scratch size for internal timer-callback processes.
const timerProcStackSize = memPageSize

// timerHeap is one CPU's pending timers: a binary min-heap of processes
// keyed by fire time. Producers (user processes) and the monitor both mutate
// it, so a spin mutex guards every structural change; it is held only for
// the sift, never across callbacks.
//
// Each member process records its heap index and its heap-assigned token.
// Cancellation is a single compare-and-swap of the token against the value
// captured at creation: firing resets the token, so at most one of
// {cancel, fire} can ever observe it.
type timerHeap struct {
	mu     Mutex
	procs  []*Proc
	tokens int64
}

// put inserts p, keyed by p.timer.when, and returns the freshly assigned
// cancellation token.
func (h *timerHeap) put(p *Proc) int64 {
	h.mu.Lock()
	h.tokens++
	token := h.tokens
	p.timer.token.Store(token)
	p.timer.idx = len(h.procs)
	h.procs = append(h.procs, p)
	h.siftUp(p.timer.idx)
	h.mu.Unlock()
	return token
}

// poll detaches every process whose fire time is at or before now, linked
// into a chain in fire order. Each detached process leaves the heap with
// index -1 and a reset token.
func (h *timerHeap) poll(now int64) (start, end *Proc, n int) {
	h.mu.Lock()
	for len(h.procs) > 0 && h.procs[0].timer.when <= now {
		p := h.procs[0]
		h.removeAt(0)
		p.timer.token.Store(timerTokenNone)

		p.prev, p.next = nil, nil
		if end != nil {
			end.next = p
			p.prev = end
			end = p
		} else {
			start, end = p, p
		}
		n++
	}
	h.mu.Unlock()
	return start, end, n
}

// removeAt detaches the process at heap index i. Caller holds the mutex.
func (h *timerHeap) removeAt(i int) {
	last := len(h.procs) - 1
	h.procs[i].timer.idx = -1
	if i != last {
		h.procs[i] = h.procs[last]
		h.procs[i].timer.idx = i
	}
	h.procs = h.procs[:last]
	if i < last {
		h.siftDown(i)
		h.siftUp(i)
	}
}

func (h *timerHeap) siftUp(i int) {
	for i > 0 {
		up := (i - 1) >> 1
		if h.procs[up].timer.when <= h.procs[i].timer.when {
			return
		}
		h.swap(i, up)
		i = up
	}
}

func (h *timerHeap) siftDown(i int) {
	n := len(h.procs)
	for {
		least := i
		if l := i<<1 + 1; l < n && h.procs[l].timer.when < h.procs[least].timer.when {
			least = l
		}
		if r := i<<1 + 2; r < n && h.procs[r].timer.when < h.procs[least].timer.when {
			least = r
		}
		if least == i {
			return
		}
		h.swap(i, least)
		i = least
	}
}

func (h *timerHeap) swap(i, j int) {
	h.procs[i], h.procs[j] = h.procs[j], h.procs[i]
	h.procs[i].timer.idx = i
	h.procs[j].timer.idx = j
}

// Timer is a cancellation handle: the scheduled process and the token
// captured at creation.
type Timer struct {
	rt    *Runtime
	proc  *Proc
	token int64
}

// Cancel attempts to cancel the timer. It reports true exactly when the
// timer had not fired and no other cancellation won; the scheduled function
// then never runs and its process is released.
func (t Timer) Cancel() bool {
	if t.proc == nil {
		return false
	}

	h := t.rt.timers[t.proc.bornedPID]
	h.mu.Lock()
	if !t.proc.timer.token.CompareAndSwap(t.token, timerTokenCancelled) {
		// The timer already fired, or another cancel won.
		h.mu.Unlock()
		return false
	}
	h.removeAt(t.proc.timer.idx)
	h.mu.Unlock()

	t.proc.destroy(-1)

	t.rt.metrics.Counter(TimerCancelsTotal).Inc()
	_ = t.rt.hooks.Emit(t.rt.ctx, EventTimerCanceled, ProcEvent{Proc: t.proc, Timestamp: time.Now()}) //nolint:errcheck
	return true
}

// timerAt schedules fn as a fresh process in the given CPU's heap.
func (rt *Runtime) timerAt(p *Proc, pid int, when int64, fn func(*Proc)) Timer {
	q := rt.newProc(p.ctx, fn, timerProcStackSize, pid)
	q.timer.when = when
	token := rt.timers[pid].put(q)
	return Timer{rt: rt, proc: q, token: token}
}

// TimerAt schedules fn to run as a new process at the absolute time when.
func (p *Proc) TimerAt(when time.Time, fn func(*Proc)) Timer {
	return p.rt.timerAt(p, p.core.pid, when.UnixNano(), fn)
}

// TimerAfter schedules fn to run as a new process after duration d.
func (p *Proc) TimerAfter(d time.Duration, fn func(*Proc)) Timer {
	return p.rt.timerAt(p, p.core.pid, p.rt.now()+d.Nanoseconds(), fn)
}

// timerPoll drains fired timers across every CPU heap into one chain.
// Called only by the monitor.
func (rt *Runtime) timerPoll() (start, end *Proc, n int) {
	now := rt.now()
	for _, h := range rt.timers {
		s, e, k := h.poll(now)
		if k == 0 {
			continue
		}
		if end != nil {
			end.next = s
			s.prev = end
			end = e
		} else {
			start, end = s, e
		}
		n += k
	}
	if n > 0 {
		rt.metrics.Counter(TimerFiresTotal).Add(float64(n))
	}
	return start, end, n
}
