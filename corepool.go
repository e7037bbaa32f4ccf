package cspz

// corePool holds a CPU's spare cores, pre-allocated at startup and sized to
// max_threads / n_cpus (rounded up). The pool also owns the CPU's shared
// local and global run queues.
type corePool struct {
	mu    Mutex
	cores []*Core
	lrunq *lrunq
	grunq *Queue[*Proc]
}

func newCorePool(rt *Runtime, pid int, grunqCapExp uint, coresPerCPU int) *corePool {
	pool := &corePool{
		lrunq: &lrunq{},
		grunq: NewMPMCQueue[*Proc](grunqCapExp),
	}
	pool.cores = make([]*Core, coresPerCPU)
	for i := range pool.cores {
		pool.cores[i] = newCore(rt, pid, pool.lrunq, pool.grunq)
	}
	return pool
}

func (p *corePool) get() (*Core, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cores) == 0 {
		return nil, false
	}
	core := p.cores[len(p.cores)-1]
	p.cores = p.cores[:len(p.cores)-1]
	return core, true
}

func (p *corePool) put(core *Core) {
	p.mu.Lock()
	p.cores = append(p.cores, core)
	p.mu.Unlock()
}
