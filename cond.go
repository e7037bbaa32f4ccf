package cspz

import (
	"runtime"
	"sync/atomic"
)

// Condition signals delivered through procCond.
const (
	condSignalNone int32 = iota
	condSignalProcAvail
	condSignalDeepSleep
)

// procCond is the process-level condition variable a starving core spins on.
// The monitor (or a load-shedding peer) fills the core's local run queue and
// then signals procAvail; a process leaving Block signals procAvail after
// putting itself on a global queue; the monitor signals deepSleep when the
// core has been starving long enough to descend to its OS-level wait.
//
// signal spins until the waiter has actually entered wait, so a filled run
// queue is never announced to a core that is not yet listening.
type procCond struct {
	stat    atomic.Int32
	waiting atomic.Bool
	start   int64 // wall-clock ns at beforeWait, read by the monitor sweep
}

func (c *procCond) reset() {
	c.stat.Store(condSignalNone)
	c.waiting.Store(false)
	c.start = 0
}

func (c *procCond) beforeWait(now int64) {
	c.start = now
}

// wait spins until signalled. A set closed flag counts as a deep-sleep
// signal so cores stop burning cycles once the runtime shuts down.
func (c *procCond) wait(closed *atomic.Bool) int32 {
	var signal int32
	for {
		if signal = c.stat.Load(); signal != condSignalNone {
			break
		}
		if closed != nil && closed.Load() {
			signal = condSignalDeepSleep
			break
		}
		c.waiting.Store(true)
		runtime.Gosched()
	}
	c.reset()
	return signal
}

func (c *procCond) signal(signal int32) {
	for !c.waiting.Load() {
		runtime.Gosched()
	}
	c.stat.Store(signal)
}
