package cspz

import (
	"context"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metric keys for the scheduler.
const (
	SchedSpawnsTotal     = metricz.Key("sched.spawns.total")
	SchedExitsTotal      = metricz.Key("sched.exits.total")
	SchedYieldsTotal     = metricz.Key("sched.yields.total")
	SchedStealsTotal     = metricz.Key("sched.steals.total")
	SchedParksTotal      = metricz.Key("sched.parks.total")
	SchedDeepSleepsTotal = metricz.Key("sched.deep_sleeps.total")
	SchedBlocksTotal     = metricz.Key("sched.blocks.total")
	SchedShedsTotal      = metricz.Key("sched.sheds.total")
)

// Metric keys for timers and netpoll.
const (
	TimerFiresTotal      = metricz.Key("timer.fires.total")
	TimerCancelsTotal    = metricz.Key("timer.cancels.total")
	NetpollWaitsTotal    = metricz.Key("netpoll.waits.total")
	NetpollReadyTotal    = metricz.Key("netpoll.ready.total")
	NetpollTimeoutsTotal = metricz.Key("netpoll.timeouts.total")
	MonitorPollsTotal    = metricz.Key("monitor.polls.total")
)

// Span names and tags.
const (
	SchedBlockSpan  = tracez.Key("sched.block")
	NetpollWaitSpan = tracez.Key("netpoll.wait")

	SchedTagCPU     = tracez.Tag("sched.cpu")
	SchedTagInline  = tracez.Tag("sched.block_inline")
	NetpollTagFD    = tracez.Tag("netpoll.fd")
	NetpollTagReady = tracez.Tag("netpoll.ready")
)

// Hook event keys.
const (
	EventProcSpawned    = hookz.Key("proc.spawned")
	EventProcExited     = hookz.Key("proc.exited")
	EventCoreDeepSleep  = hookz.Key("core.deep-sleep")
	EventTimerCanceled  = hookz.Key("timer.canceled")
	EventNetpollTimeout = hookz.Key("netpoll.timeout")
)

// ProcEvent is emitted via hooks for process and core lifecycle transitions.
type ProcEvent struct {
	Proc      *Proc     // Subject process, nil for core events
	CPU       int       // CPU index for core events
	Timestamp time.Time // When the event occurred
}

// Signals for operationally interesting runtime transitions.
var (
	SignalRuntimeStarted = capitan.NewSignal("runtime.started", "Runtime started")
	SignalRuntimeClosed  = capitan.NewSignal("runtime.closed", "Runtime closed")
	SignalCoreDeepSleep  = capitan.NewSignal("core.deep-sleep", "Core entered deep sleep")
)

// Field keys using capitan primitive types.
var (
	FieldCPU      = capitan.NewIntKey("cpu")
	FieldNCPUs    = capitan.NewIntKey("ncpus")
	FieldThreads  = capitan.NewIntKey("max_threads")
	FieldProcHint = capitan.NewIntKey("max_procs_hint")
)

func emitCoreDeepSleep(pid int) {
	capitan.Warn(context.Background(), SignalCoreDeepSleep,
		FieldCPU.Field(pid),
	)
}

// Metrics returns the runtime's metric registry.
func (rt *Runtime) Metrics() *metricz.Registry { return rt.metrics }

// Tracer returns the runtime's tracer.
func (rt *Runtime) Tracer() *tracez.Tracer { return rt.tracer }

// OnProcSpawned registers a hook fired when a process is created.
func (rt *Runtime) OnProcSpawned(handler func(context.Context, ProcEvent) error) error {
	_, err := rt.hooks.Hook(EventProcSpawned, handler)
	return err
}

// OnProcExited registers a hook fired when a process terminates.
func (rt *Runtime) OnProcExited(handler func(context.Context, ProcEvent) error) error {
	_, err := rt.hooks.Hook(EventProcExited, handler)
	return err
}

// OnCoreDeepSleep registers a hook fired when a starving core descends to
// its OS-level wait.
func (rt *Runtime) OnCoreDeepSleep(handler func(context.Context, ProcEvent) error) error {
	_, err := rt.hooks.Hook(EventCoreDeepSleep, handler)
	return err
}

// OnTimerCanceled registers a hook fired when a timer cancellation wins.
func (rt *Runtime) OnTimerCanceled(handler func(context.Context, ProcEvent) error) error {
	_, err := rt.hooks.Hook(EventTimerCanceled, handler)
	return err
}

// OnNetpollTimeout registers a hook fired when a netpoll wait times out.
func (rt *Runtime) OnNetpollTimeout(handler func(context.Context, ProcEvent) error) error {
	_, err := rt.hooks.Hook(EventNetpollTimeout, handler)
	return err
}
