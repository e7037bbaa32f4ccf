package cspz

import (
	"runtime"
	"sync/atomic"
)

// Mutex is a spin lock over a single atomic flag. It is intended for the
// short structural mutations the runtime performs (timer heaps, core pools,
// allocator heaps); it is never held across user code or syscalls.
//
// The zero value is an unlocked mutex.
type Mutex struct {
	flag atomic.Bool
}

// TryLock acquires the lock if it is free.
func (m *Mutex) TryLock() bool {
	return m.flag.CompareAndSwap(false, true)
}

// Lock spins until the lock is acquired.
func (m *Mutex) Lock() {
	for !m.TryLock() {
		runtime.Gosched()
	}
}

// Unlock releases the lock.
func (m *Mutex) Unlock() {
	m.flag.Store(false)
}
