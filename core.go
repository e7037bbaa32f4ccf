package cspz

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Core states.
const (
	coreStateInited int32 = iota
	coreStateRunning
)

// Core is a worker: an OS-thread-locked goroutine pinned to one CPU, hosting
// a scheduler loop. All cores sharing a CPU share that CPU's local and global
// run queues; only one of them is active at a time — spares sleep in the pool
// until a blocking call sets the active core aside.
type Core struct {
	rt  *Runtime
	pid int

	state atomic.Int32

	// running is the process currently executing on this core, nil while
	// the core is inside the scheduler or parked.
	running *Proc

	lrunq *lrunq
	grunq *Queue[*Proc]

	// anchor receives exactly one message per resumed process, at its next
	// suspension or exit. The core is always parked here while its process
	// runs.
	anchor chan anchorMsg

	// wake is the OS-level wakeup for deep sleep and pooled-after-block
	// waits. Capacity 1, so a wakeup sent just before the wait is kept.
	wake chan struct{}

	// pcond is the process-level condition the core spins on while starving.
	pcond procCond
}

func newCore(rt *Runtime, pid int, lq *lrunq, gq *Queue[*Proc]) *Core {
	return &Core{
		rt:     rt,
		pid:    pid,
		lrunq:  lq,
		grunq:  gq,
		anchor: make(chan anchorMsg),
		wake:   make(chan struct{}, 1),
	}
}

// wakeup delivers one OS-level wakeup. Duplicate wakeups collapse.
func (c *Core) wakeup() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// start launches the core's scheduler loop on its own OS thread.
func (c *Core) start() {
	go c.run()
}

// pin locks the core to an OS thread and binds that thread to the core's
// CPU. Affinity is best effort; the scheduler is correct without it.
func (c *Core) pin() {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(c.pid)
	_ = unix.SchedSetaffinity(0, &set) //nolint:errcheck
}

// run is the scheduler loop. Pick a process, resume it, handle whatever the
// process asked for when it handed control back.
func (c *Core) run() {
	c.pin()
	c.state.Store(coreStateRunning)

	for {
		p := c.rt.schedGet(c)
		c.running = p

		msg := c.restore(p)
		for msg.op == anchorRunDirect {
			msg = c.restore(c.running)
		}

		if msg.op == anchorBlocked {
			// The process that blocked has re-queued itself; this core
			// hands itself to the pool until a blocking call needs it.
			c.running = nil
			c.rt.pools[c.pid].put(c)
			<-c.wake
		}
	}
}

// restore resumes p and parks until p suspends or exits. The first resume of
// a process starts its goroutine; later resumes go through the gate.
func (c *Core) restore(p *Proc) anchorMsg {
	p.core = c
	if p.isNew {
		p.isNew = false
		go p.run()
	} else {
		p.gate <- struct{}{}
	}
	return <-c.anchor
}

// blockPrologue activates a spare core for c's CPU so the CPU keeps
// scheduling while the caller blocks in the kernel. It reports false when the
// pool has no spare, in which case the caller runs its blocking section
// inline.
func (rt *Runtime) blockPrologue(c *Core) bool {
	next, ok := rt.pools[c.pid].get()
	if !ok {
		return false
	}

	if next.state.Load() != coreStateInited {
		next.wakeup()
	} else {
		next.start()
	}
	return true
}

// deepSleep moves a starving core from the spinning wait to the OS-level
// wait. A delivery of runnable processes (Runtime.deliver, or a process
// leaving Block) wakes one deep-sleeping core, whichever CPU the work went to.
func (c *Core) deepSleep() {
	c.rt.metrics.Counter(SchedDeepSleepsTotal).Inc()
	emitCoreDeepSleep(c.pid)
	_ = c.rt.hooks.Emit(c.rt.ctx, EventCoreDeepSleep, ProcEvent{CPU: c.pid, Timestamp: time.Now()}) //nolint:errcheck

	for !c.rt.starvingThreads.TryPush(c) {
	}
	<-c.wake
}
