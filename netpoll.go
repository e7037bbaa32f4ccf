package cspz

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// netpoll.go implements the edge-triggered readiness registry. Registered
// file descriptors are non-blocking members of a single epoll set with
// read|write interest; a process waiting on a descriptor publishes itself
// into the waiter table and parks, and the monitor thread claims ready
// waiters and feeds them back to the scheduler.
//
// Readiness and timeout race through a compare-and-swap on the process's
// I/O state: exactly one side wins and owns the transfer back to a run
// queue, and the winner cancels or retires the loser.

type netpollWaiter struct {
	// registered marks the fd as a member of the epoll set.
	registered bool

	// waitingEvt is the event mask the parked process waits for. Written
	// before proc is published.
	waitingEvt uint32

	// proc is the parked process, nil when nobody waits on this fd.
	proc atomic.Pointer[Proc]

	// timer is the armed timeout, nil when the wait has none. Written
	// before proc is published.
	timer *Timer
}

type netpoll struct {
	rt      *Runtime
	epfd    int
	waiters []netpollWaiter
	evts    [128]unix.EpollEvent
}

func newNetpoll(rt *Runtime, maxFDs int) (*netpoll, error) {
	if maxFDs <= 0 {
		var r unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &r); err != nil {
			return nil, fmt.Errorf("getrlimit: %w", err)
		}
		maxFDs = int(r.Max)
		if maxFDs > 1<<20 {
			maxFDs = 1 << 20
		}
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	return &netpoll{
		rt:      rt,
		epfd:    epfd,
		waiters: make([]netpollWaiter, maxFDs),
	}, nil
}

// NetpollRegister makes fd non-blocking and adds it to the poller with
// edge-triggered read and write interest.
func (rt *Runtime) NetpollRegister(fd int) error {
	np := rt.netpoll
	if fd < 0 || fd >= len(np.waiters) {
		return fmt.Errorf("netpoll register fd %d: out of range", fd)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("netpoll register fd %d: %w", fd, err)
	}

	evt := unix.EpollEvent{
		Events: unix.EPOLLET | unix.EPOLLIN | unix.EPOLLOUT,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(np.epfd, unix.EPOLL_CTL_ADD, fd, &evt); err != nil {
		return fmt.Errorf("netpoll register fd %d: %w", fd, err)
	}

	np.waiters[fd].registered = true
	return nil
}

// NetpollUnregister removes fd from the poller.
func (rt *Runtime) NetpollUnregister(fd int) error {
	np := rt.netpoll
	if fd < 0 || fd >= len(np.waiters) {
		return fmt.Errorf("netpoll unregister fd %d: out of range", fd)
	}
	if err := unix.EpollCtl(np.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("netpoll unregister fd %d: %w", fd, err)
	}
	np.waiters[fd].registered = false
	return nil
}

// WaitRead parks the process until fd becomes readable or timeout elapses.
// It reports true on readiness and false on timeout; a timeout of zero means
// no timeout. Read errors surface through the read performed after resuming:
// error and hangup conditions wake the waiter as ready.
func (p *Proc) WaitRead(fd int, timeout time.Duration) bool {
	return p.rt.netpoll.wait(p, fd, timeout, unix.EPOLLIN)
}

// WaitWrite parks the process until fd becomes writable or timeout elapses.
// Semantics mirror WaitRead.
func (p *Proc) WaitWrite(fd int, timeout time.Duration) bool {
	return p.rt.netpoll.wait(p, fd, timeout, unix.EPOLLOUT)
}

func (np *netpoll) wait(p *Proc, fd int, timeout time.Duration, evt uint32) bool {
	rt := np.rt
	c := p.core

	_, span := rt.tracer.StartSpan(p.ctx, NetpollWaitSpan)
	span.SetTag(NetpollTagFD, strconv.Itoa(fd))
	defer span.Finish()

	rt.metrics.Counter(NetpollWaitsTotal).Inc()

	p.stat.Store(procStatNetpollWaiting)

	w := &np.waiters[fd]
	w.waitingEvt = evt

	if timeout > 0 {
		t := p.TimerAfter(timeout, func(q *Proc) {
			if p.stat.CompareAndSwap(procStatNetpollWaiting, procStatNetpollTimeout) {
				rt.metrics.Counter(NetpollTimeoutsTotal).Inc()
				_ = rt.hooks.Emit(p.ctx, EventNetpollTimeout, ProcEvent{Proc: p, Timestamp: time.Now()}) //nolint:errcheck
				q.exitAndRun(p)
			}
		})
		w.timer = &t
	} else {
		w.timer = nil
	}

	// Publish last: once proc is visible the monitor may claim the waiter.
	w.proc.Store(p)

	// Clear the running slot so this process cannot be scheduled twice.
	c.running = nil
	c.anchor <- anchorMsg{op: anchorReschedule}
	<-p.gate

	w.proc.Store(nil)
	ready := p.stat.Load() == procStatNetpollAvail
	span.SetTag(NetpollTagReady, strconv.FormatBool(ready))
	return ready
}

// poll drains pending epoll events and claims their waiters, returning the
// claimed processes as a chain. Called only by the monitor thread.
func (np *netpoll) poll() (start, end *Proc, n int) {
	nev, err := unix.EpollWait(np.epfd, np.evts[:], 0)
	if err != nil || nev <= 0 {
		return nil, nil, 0
	}

	for i := 0; i < nev; i++ {
		fd := int(np.evts[i].Fd)
		w := &np.waiters[fd]

		p := w.proc.Load()
		if p == nil {
			continue
		}

		var mask uint32
		ev := np.evts[i].Events
		if ev&unix.EPOLLIN != 0 {
			mask |= unix.EPOLLIN
		}
		if ev&unix.EPOLLOUT != 0 {
			mask |= unix.EPOLLOUT
		}
		// Error and hangup count as readiness; the caller observes the
		// failure on the read or write it performs after resuming.
		if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= unix.EPOLLIN | unix.EPOLLOUT
		}

		if mask&w.waitingEvt != 0 &&
			p.stat.CompareAndSwap(procStatNetpollWaiting, procStatNetpollAvail) {
			if w.timer != nil {
				w.timer.Cancel()
			}

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
	}

	if n > 0 {
		np.rt.metrics.Counter(NetpollReadyTotal).Add(float64(n))
	}
	return start, end, n
}
