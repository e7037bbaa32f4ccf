// Package cspz is a user-space concurrency runtime implementing Communicating
// Sequential Processes on multi-core Linux hosts.
//
// # Overview
//
// cspz multiplexes a large population of lightweight processes onto a small
// pool of worker cores pinned to CPUs. Processes communicate over typed
// bounded channels, sleep on per-CPU timer heaps, and park on edge-triggered
// socket readiness; the runtime suspends and resumes each process
// transparently at those points. Scheduling is cooperative: a process keeps
// its core until it yields, sleeps, waits on a channel or descriptor, or
// wraps a blocking syscall — a loop with no suspension point monopolises its
// core.
//
// # Core Concepts
//
//   - Runtime: the process-wide scheduler instance, constructed once with New
//   - Proc: a process; spawned functions receive theirs and use it to yield,
//     sleep, spawn, and wait
//   - Core: a worker thread pinned to one CPU, hosting a scheduler loop with
//     a local run queue, work stealing, and a spare-core pool for blocking
//     calls
//   - Chan: a typed bounded channel over a lock-free ring buffer queue
//   - Queue / Ring: the ring buffer family itself, usable standalone
//   - Timer: a cancellable one-shot scheduled process
//   - Monitor: a background thread feeding timer fires and I/O readiness back
//     to starving cores
//
// # Usage Example
//
//	rt, err := cspz.New(cspz.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ch := cspz.NewChan[int](cspz.SPSC, 3)
//	rt.Run(func(p *cspz.Proc) {
//	    p.Async(func(p *cspz.Proc) {
//	        for i := 0; i < 10; i++ {
//	            ch.Push(p, i)
//	        }
//	    })
//	    var v int
//	    for i := 0; i < 10; i++ {
//	        ch.Pop(p, &v)
//	    }
//	})
//
// # Observability
//
// A Runtime carries a metricz registry (scheduler, timer and netpoll
// counters), a tracez tracer (spans around blocking sections and netpoll
// waits), and hookz lifecycle hooks (process spawn/exit, deep sleep, timer
// cancellation, netpoll timeout). Operationally interesting transitions are
// additionally emitted as capitan signals.
//
// cspz requires Linux (epoll, sched_setaffinity).
package cspz
