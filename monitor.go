package cspz

import "time"

const (
	// monitorMaxSleep caps the monitor's idle backoff.
	monitorMaxSleep = 10 * time.Millisecond

	// monitorSweepEvery limits the starvation sweep to once per
	// millisecond of accounted monitor time.
	monitorSweepEvery = time.Millisecond

	// monitorDeepSleepAfter is how long a core may spin-starve before the
	// monitor demotes it to the OS-level wait.
	monitorDeepSleepAfter = time.Second
)

// monitor is the dedicated background thread bridging external readiness
// back into the scheduler. It drains netpoll events and fired timers,
// delivers the resulting processes to starving cores or global queues, backs
// off exponentially while idle, and periodically demotes long-starving cores
// to deep sleep.
func (rt *Runtime) monitor() {
	duration := time.Microsecond
	var sinceLastChecked time.Duration

	cores := make([]*Core, rt.cfg.MaxThreads+rt.np)

	for !rt.closed.Load() {
		polled := rt.monitorPoll(rt.netpoll.poll)
		if rt.monitorPoll(rt.timerPoll) {
			polled = true
		}

		if !polled {
			sinceLastChecked += duration
			time.Sleep(duration)

			duration <<= 1
			if duration > monitorMaxSleep {
				duration = monitorMaxSleep
			}
		} else {
			rt.metrics.Counter(MonitorPollsTotal).Inc()
			duration = time.Microsecond
			// Account a full backoff period for the poll itself.
			sinceLastChecked += monitorMaxSleep
		}

		if sinceLastChecked < monitorSweepEvery {
			continue
		}
		sinceLastChecked = 0

		n := rt.starvingProcs.TryPopMany(cores)
		if n == 0 {
			continue
		}

		now := nanotime()
		keep := 0
		for i := 0; i < n; i++ {
			core := cores[i]
			if now-core.pcond.start > int64(monitorDeepSleepAfter) {
				core.pcond.signal(condSignalDeepSleep)
			} else {
				cores[keep] = core
				keep++
			}
		}
		if keep > 0 {
			for !rt.starvingProcs.TryPushMany(cores[:keep]) {
			}
		}
	}
}

// monitorPoll drains one readiness source and reports whether anything was
// delivered.
func (rt *Runtime) monitorPoll(poll func() (*Proc, *Proc, int)) bool {
	start, end, n := poll()
	if n <= 0 {
		return false
	}
	rt.deliver(start, end, n)
	return true
}
