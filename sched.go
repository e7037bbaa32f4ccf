package cspz

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// ErrClosed is returned when a process is submitted to a closed runtime.
var ErrClosed = errors.New("cspz: runtime is closed")

// Config sizes a Runtime. The zero value picks sensible defaults for the
// host.
type Config struct {
	// NCPUs caps the scheduler CPU count. The online processor count is a
	// further cap. Zero means all online CPUs.
	NCPUs int

	// MaxThreads bounds the total kernel threads across all CPUs; each
	// CPU's spare-core pool holds MaxThreads / NCPUs cores, rounded up. Zero means
	// twice NCPUs.
	MaxThreads int

	// MaxProcsHint sizes each CPU's global run queue at
	// MaxProcsHint / NCPUs slots (rounded to a power of two).
	// Zero means 4096.
	MaxProcsHint int

	// DefaultStackSize is the scratch region allocated per process, page
	// rounded. Zero means 16 KB. Individual spawns may override it.
	DefaultStackSize int

	// MaxFDs sizes the netpoll waiter table. Zero means the RLIMIT_NOFILE
	// hard limit, capped at 1 << 20 entries.
	MaxFDs int

	// Clock is the time source for timers. Nil means the real clock;
	// tests substitute a fake.
	Clock clockz.Clock
}

const (
	defaultMaxProcsHint = 4096
	defaultStackSize    = 16 << 10
)

// Runtime is the process-wide scheduler instance: the per-CPU core pools and
// run queues, the timer heaps, the netpoll registry, the stack allocator, the
// starving-core queues, and the monitor thread. Construct exactly one per
// program with New; every other entry point hangs off it or off a Proc it
// hands out.
type Runtime struct {
	cfg Config
	np  int

	pools  []*corePool
	timers []*timerHeap

	// starvingProcs holds cores spinning on their process-level condition;
	// starvingThreads holds cores gone to the OS-level deep sleep.
	starvingProcs   *Queue[*Core]
	starvingThreads *Queue[*Core]

	netpoll *netpoll
	mem     *memAllocator

	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[ProcEvent]

	ctx    context.Context
	closed atomic.Bool

	// deliverMu serializes external deliveries (Run) with the monitor's
	// random-CPU distribution state.
	deliverMu Mutex
	rand      randState
}

// New constructs and starts a runtime: core pools, stack allocator, netpoll,
// timer heaps, monitor, then one active core per CPU, in that order.
func New(cfg Config) (*Runtime, error) {
	np := runtime.NumCPU()
	if cfg.NCPUs > 0 && cfg.NCPUs < np {
		np = cfg.NCPUs
	}
	if np < 1 {
		np = 1
	}

	maxThreads := cfg.MaxThreads
	if maxThreads <= 0 {
		maxThreads = 2 * np
	}
	if maxThreads < np {
		return nil, fmt.Errorf("cspz: MaxThreads %d below CPU count %d", maxThreads, np)
	}

	maxProcsHint := cfg.MaxProcsHint
	if maxProcsHint <= 0 {
		maxProcsHint = defaultMaxProcsHint
	}

	if cfg.DefaultStackSize <= 0 {
		cfg.DefaultStackSize = defaultStackSize
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	rt := &Runtime{
		cfg:     cfg,
		np:      np,
		clock:   clock,
		metrics: metricz.New(),
		tracer:  tracez.New(),
		hooks:   hookz.New[ProcEvent](),
		ctx:     context.Background(),
	}
	rt.cfg.MaxThreads = maxThreads
	rt.cfg.MaxProcsHint = maxProcsHint
	rt.rand.init()

	for _, key := range []metricz.Key{
		SchedSpawnsTotal, SchedExitsTotal, SchedYieldsTotal, SchedStealsTotal,
		SchedParksTotal, SchedDeepSleepsTotal, SchedBlocksTotal, SchedShedsTotal,
		TimerFiresTotal, TimerCancelsTotal,
		NetpollWaitsTotal, NetpollReadyTotal, NetpollTimeoutsTotal,
		MonitorPollsTotal,
	} {
		rt.metrics.Counter(key)
	}

	rt.starvingProcs = NewMPMCQueue[*Core](expOf(np))
	rt.starvingThreads = NewMPMCQueue[*Core](expOf(np))

	grunqCapExp := expOf(maxProcsHint / np)
	coresPerCPU := maxThreads / np
	if maxThreads%np != 0 {
		coresPerCPU++
	}
	rt.pools = make([]*corePool, np)
	for i := range rt.pools {
		rt.pools[i] = newCorePool(rt, i, grunqCapExp, coresPerCPU)
	}

	mem, err := newMemAllocator(np)
	if err != nil {
		return nil, err
	}
	rt.mem = mem

	netpoll, err := newNetpoll(rt, cfg.MaxFDs)
	if err != nil {
		return nil, err
	}
	rt.netpoll = netpoll

	rt.timers = make([]*timerHeap, np)
	for i := range rt.timers {
		rt.timers[i] = &timerHeap{}
	}

	go rt.monitor()

	for i := 0; i < np; i++ {
		core, _ := rt.pools[i].get()
		core.start()
	}

	capitan.Info(rt.ctx, SignalRuntimeStarted,
		FieldNCPUs.Field(np),
		FieldThreads.Field(maxThreads),
		FieldProcHint.Field(maxProcsHint),
	)
	return rt, nil
}

// now is the timer subsystem's time source in nanoseconds.
func (rt *Runtime) now() int64 { return rt.clock.Now().UnixNano() }

// nanotime is the liveness clock used for starvation bookkeeping; it is
// always the wall clock so fake timer clocks cannot stall the monitor.
func nanotime() int64 { return time.Now().UnixNano() }

// expOf returns the smallest e with 1 << e >= n.
func expOf(n int) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len(uint(n - 1)))
}

// schedGet picks the next process for c, in priority order: local queue
// (with the every-32nd global consultation), stealing from peer CPUs'
// global queues, resuming the plainly yielded current process, and finally
// parking. On success it requeues a yielded current process and sheds half
// of a backlogged local queue to a starving core.
func (rt *Runtime) schedGet(c *Core) *Proc {
	var (
		proc     *Proc
		starving *Core
		code     int
		pid      int
		half     int
	)
	running := c.running

	for {
		code = c.lrunq.tryPopFront(&proc)
		if code == lrunqOK {
			goto found
		}
		if code == lrunqMissed {
			if c.grunq.TryPop(&proc) {
				goto found
			}
			if c.lrunq.tryPopFront(&proc) == lrunqOK {
				goto found
			}
		}

		// Work stealing, starting at our own CPU and wrapping.
		pid = c.pid
		for i := 0; i < rt.np; i++ {
			if rt.pools[pid].grunq.TryPop(&proc) {
				if pid != c.pid {
					rt.metrics.Counter(SchedStealsTotal).Inc()
				}
				goto found
			}
			pid++
			if pid == rt.np {
				pid = 0
			}
		}

		// Nothing anywhere: keep running the yielded current process.
		if running != nil && running.nchild.Load() == 0 {
			return running
		}

		// Park. beforeWait must precede the starving publication or the
		// monitor's sweep could read a stale start time.
		c.pcond.beforeWait(nanotime())
		rt.metrics.Counter(SchedParksTotal).Inc()
		for !rt.starvingProcs.TryPush(c) {
		}
		if c.pcond.wait(&rt.closed) == condSignalDeepSleep {
			c.deepSleep()
		}
	}

found:
	if running != nil && running.nchild.Load() == 0 {
		c.lrunq.push(running)
	}

	half = (c.lrunq.len + 1) >> 1
	if half == 0 {
		return proc
	}

	if rt.starvingProcs.TryPop(&starving) {
		start, end := c.lrunq.popmFront(half)
		starving.lrunq.set(half, start, end)
		starving.pcond.signal(condSignalProcAvail)
		rt.metrics.Counter(SchedShedsTotal).Inc()
	}
	return proc
}

// deliver hands a chain of runnable processes back to the scheduler the way
// the monitor does: the whole batch to a starving core when one is parked,
// otherwise spread over pseudo-randomly chosen CPUs' global queues, waking
// one deep-sleeping core afterwards.
func (rt *Runtime) deliver(start, end *Proc, n int) {
	var core *Core
	if rt.starvingProcs.TryPop(&core) {
		core.lrunq.set(n, start, end)
		core.pcond.signal(condSignalProcAvail)
		return
	}

	var batch [16]*Proc
	rt.deliverMu.Lock()
	for start != nil {
		num := 0
		for start != nil && num < len(batch) {
			next := start.next
			start.prev, start.next = nil, nil
			batch[num] = start
			num++
			start = next
		}

		pid := int(rt.rand.next() % uint64(rt.np))
		for !rt.pools[pid].grunq.TryPushMany(batch[:num]) {
			pid++
			if pid >= rt.np {
				pid = 0
			}
		}
	}
	rt.deliverMu.Unlock()

	if rt.starvingThreads.TryPop(&core) {
		core.wakeup()
	}
}

// Run spawns fn as a new process and blocks until it terminates. It is the
// program's entry into the runtime; further processes are spawned from
// within via Async and Sync.
func (rt *Runtime) Run(fn func(*Proc)) error {
	return rt.RunContext(context.Background(), fn)
}

// RunContext is Run with an explicit root context, which child processes and
// trace spans inherit.
func (rt *Runtime) RunContext(ctx context.Context, fn func(*Proc)) error {
	if rt.closed.Load() {
		return ErrClosed
	}

	p := rt.newProc(ctx, fn, rt.cfg.DefaultStackSize, 0)
	p.done = make(chan struct{})

	rt.deliver(p, p, 1)
	<-p.done
	return nil
}

// Close quiesces the runtime: the monitor stops, starving cores descend to
// their OS-level wait, and in-flight processes are left to the operating
// system, mirroring the original design where final teardown is deliberately
// deferred to process exit. Close is best effort and does not wait for
// running processes.
func (rt *Runtime) Close() error {
	if rt.closed.Swap(true) {
		return nil
	}
	rt.hooks.Close()
	capitan.Info(rt.ctx, SignalRuntimeClosed, FieldNCPUs.Field(rt.np))
	return nil
}
