package cspz

import (
	"context"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// Process I/O states, published through Proc.stat. Exactly one of the two
// terminal states is observed by a process resuming from a netpoll wait.
const (
	procStatNone uint32 = iota
	procStatNetpollWaiting
	procStatNetpollAvail
	procStatNetpollTimeout
)

// anchorOp tells a core what to do after its process handed control back.
type anchorOp uint8

const (
	// anchorReschedule re-enters the scheduler to pick the next process.
	anchorReschedule anchorOp = iota

	// anchorBlocked returns the core to its CPU's pool and parks it on the
	// OS-level wait until another blocking call needs a spare.
	anchorBlocked

	// anchorRunDirect restores the process already placed in the running
	// slot, bypassing the scheduler. Used by the netpoll timeout path.
	anchorRunDirect
)

type anchorMsg struct {
	op anchorOp
}

// procTimer is a process's membership record in its CPU's timer heap: the
// scheduled fire time in nanoseconds, the current heap index, and the
// heap-assigned cancellation token.
type procTimer struct {
	when  int64
	idx   int
	token atomic.Int64
}

// Proc is a process: the unit of scheduling. It owns one goroutine, a scratch
// region drawn from its birth CPU's allocator, and the links the run queues,
// timer heap and netpoll waiters thread it onto.
//
// A live process is reachable from exactly one of: a run queue, a timer heap,
// the netpoll waiter table, the running slot of a core, or — for a parked
// Sync parent — its children's parent references. The handoff protocol below
// preserves that single-site invariant.
//
// Suspension is cooperative. Resuming a process means starting its goroutine
// (first resume) or signalling its gate (every later resume); the gate is
// buffered so a resume that races ahead of the park is kept, never lost.
// Suspending means publishing the process at its next reachable site, sending
// one anchor message to the core that resumed it, and receiving on the gate.
type Proc struct {
	rt  *Runtime
	ctx context.Context
	fn  func(*Proc)

	// gate resumes the parked goroutine. Capacity 1.
	gate chan struct{}

	// core is the core that currently (or most recently) resumed this
	// process. Written by the resuming core before the resume signal.
	core *Core

	// isNew is true until the first resume, which starts the goroutine
	// instead of signalling the gate. It flips exactly once.
	isNew bool

	// base and scratch are the allocator region backing this process,
	// freed on exit through the heap owning bornedPID.
	base      uintptr
	scratch   []byte
	bornedPID int

	timer  procTimer
	parent *Proc

	// prev and next link the process into an intrusive list: a local run
	// queue or a drained timer/netpoll chain, one at a time.
	prev, next *Proc

	// nchild counts children a Sync parent is still waiting for.
	nchild atomic.Uint64

	stat atomic.Uint32

	// done is closed on exit for processes created by Runtime.Run.
	done chan struct{}
}

// newProc allocates a process record and its scratch region on the given
// CPU's heap. The caller decides where the process becomes reachable (run
// queue or timer heap).
func (rt *Runtime) newProc(ctx context.Context, fn func(*Proc), stackSize, pid int) *Proc {
	base, scratch, err := rt.mem.alloc(pid, stackSize)
	if err != nil {
		// Allocator exhaustion is structural; there is no caller that can
		// handle a process that cannot exist.
		panic(err)
	}

	p := &Proc{
		rt:        rt,
		ctx:       ctx,
		fn:        fn,
		gate:      make(chan struct{}, 1),
		isNew:     true,
		base:      base,
		scratch:   scratch,
		bornedPID: pid,
	}
	p.timer.idx = -1
	p.timer.token.Store(timerTokenNone)

	rt.metrics.Counter(SchedSpawnsTotal).Inc()
	_ = rt.hooks.Emit(ctx, EventProcSpawned, ProcEvent{Proc: p, Timestamp: time.Now()}) //nolint:errcheck
	return p
}

// run is the goroutine body: the entry function, then termination.
func (p *Proc) run() {
	p.fn(p)
	p.exit()
}

// exit terminates the current process: wake a Sync parent when this was its
// last child, clear the running slot, release the scratch region, and hand
// the core back to its scheduler.
func (p *Proc) exit() {
	c := p.core

	if parent := p.parent; parent != nil {
		if parent.nchild.Add(^uint64(0)) == 0 {
			c.lrunq.pushFront(parent)
		}
	}

	c.running = nil
	p.destroy(c.pid)

	if p.done != nil {
		close(p.done)
	}
	_ = p.rt.hooks.Emit(p.ctx, EventProcExited, ProcEvent{Proc: p, Timestamp: time.Now()}) //nolint:errcheck

	c.anchor <- anchorMsg{op: anchorReschedule}
}

// exitAndRun terminates the current process and restores toRun on this core
// in its place, skipping the scheduler. The exiting process must not be
// waited on by a parent.
func (p *Proc) exitAndRun(toRun *Proc) {
	c := p.core
	p.destroy(c.pid)
	c.running = toRun
	c.anchor <- anchorMsg{op: anchorRunDirect}
	runtime.Goexit()
}

// destroy releases the scratch region back to the birth CPU's heap. fromPid
// routes cross-CPU frees through the owner's mailbox.
func (p *Proc) destroy(fromPid int) {
	p.rt.mem.free(p.bornedPID, p.base, fromPid)
	p.rt.metrics.Counter(SchedExitsTotal).Inc()
}

// Context returns the context this process was spawned with. The runtime
// propagates it to children and uses it for trace spans; it never cancels it.
func (p *Proc) Context() context.Context { return p.ctx }

// Scratch returns the process's fixed pre-sized scratch region. The region
// lives exactly as long as the process and must not be retained past exit.
func (p *Proc) Scratch() []byte { return p.scratch }

// Runtime returns the runtime this process belongs to.
func (p *Proc) Runtime() *Runtime { return p.rt }

// CPU returns the index of the CPU currently running this process. The value
// is stale as soon as the process migrates, so it is only meaningful inside
// the process itself.
func (p *Proc) CPU() int { return p.core.pid }

// Yield reschedules cooperatively: the process goes to the back of the local
// run queue and the core picks the next process.
func (p *Proc) Yield() {
	c := p.core
	p.rt.metrics.Counter(SchedYieldsTotal).Inc()
	c.anchor <- anchorMsg{op: anchorReschedule}
	<-p.gate
}

// Hangup suspends the process for at least d. It is a no-op for
// non-positive durations.
func (p *Proc) Hangup(d time.Duration) {
	if d <= 0 {
		return
	}

	c := p.core
	p.timer.when = p.rt.now() + d.Nanoseconds()
	p.rt.timers[c.pid].put(p)

	// Clear the running slot so the scheduler cannot resume this process
	// while it sits in the heap.
	c.running = nil
	c.anchor <- anchorMsg{op: anchorReschedule}
	<-p.gate
}

// spawn creates a child on this process's current CPU and pushes it onto the
// local run queue.
func (p *Proc) spawn(fn func(*Proc), parent *Proc, stackSize int) {
	c := p.core
	child := p.rt.newProc(p.ctx, fn, stackSize, c.pid)
	child.parent = parent
	c.lrunq.push(child)
}

// Async spawns each fn as an independent process on the current CPU, then
// yields so the children get a chance to start. There is no join; children
// outlive the caller freely and may migrate to other CPUs by stealing.
func (p *Proc) Async(fns ...func(*Proc)) {
	if len(fns) == 0 {
		return
	}
	for _, fn := range fns {
		p.spawn(fn, nil, p.rt.cfg.DefaultStackSize)
	}
	p.Yield()
}

// AsyncStack is Async for a single child with an explicit scratch region
// size, overriding Config.DefaultStackSize.
func (p *Proc) AsyncStack(stackSize int, fn func(*Proc)) {
	p.spawn(fn, nil, stackSize)
	p.Yield()
}

// Sync spawns each fn as a child and blocks until every child has run to
// termination. Children may run on any CPU via stealing. Sync provides the
// joint-completion signal only; it is not a memory barrier beyond the atomic
// child countdown.
func (p *Proc) Sync(fns ...func(*Proc)) {
	if len(fns) == 0 {
		return
	}

	p.nchild.Store(uint64(len(fns)))
	c := p.core
	for _, fn := range fns {
		p.spawn(fn, p, p.rt.cfg.DefaultStackSize)
	}

	// Park fully: the last exiting child's re-enqueue is the only resume
	// path, so the parent can never be scheduled twice.
	c.running = nil
	c.anchor <- anchorMsg{op: anchorReschedule}
	<-p.gate
}

// Block wraps a section that blocks the underlying OS thread, typically a
// blocking syscall. A spare core from this CPU's pool takes over scheduling
// for the duration; afterwards the process re-enters the global run queue and
// the vacated core returns to the pool. When the pool is exhausted the
// section simply runs inline.
func (p *Proc) Block(fn func()) {
	c := p.core

	_, span := p.rt.tracer.StartSpan(p.ctx, SchedBlockSpan)
	span.SetTag(SchedTagCPU, strconv.Itoa(c.pid))
	defer span.Finish()

	p.rt.metrics.Counter(SchedBlocksTotal).Inc()

	if !p.rt.blockPrologue(c) {
		span.SetTag(SchedTagInline, "true")
		fn()
		return
	}

	fn()

	// Epilogue: become reachable through the global queue, wake a parked
	// core so it finds this process, then hand the core to the pool.
	for !c.grunq.TryPush(p) {
	}
	var starving *Core
	if p.rt.starvingProcs.TryPop(&starving) {
		starving.pcond.signal(condSignalProcAvail)
	} else if p.rt.starvingThreads.TryPop(&starving) {
		starving.wakeup()
	}
	c.anchor <- anchorMsg{op: anchorBlocked}
	<-p.gate
}
