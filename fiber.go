package fiberdispatch

import (
	"context"
	"runtime"

	"github.com/go-foundations/fiberdispatch/fibercontext"
)

// FiberState is the lifecycle state of a Fiber.
type FiberState int

const (
	// FiberNone means created but never activated.
	FiberNone FiberState = iota
	// FiberRunning means the fiber is actively running a job, or has
	// cooperatively suspended mid-job; see FiberWaiting.
	FiberRunning
	// FiberIdle means the fiber finished its job and is back in the pool.
	FiberIdle
	// FiberWaiting marks a fiber that suspended itself inside WaitForJob
	// rather than finishing; a fiber that suspends through YieldToScheduler
	// stays FiberRunning. Tracked separately from
	// FiberRunning only so callers can tell "still working" from "blocked
	// on a nested job".
	FiberWaiting
)

func (s FiberState) String() string {
	switch s {
	case FiberNone:
		return "None"
	case FiberRunning:
		return "Running"
	case FiberIdle:
		return "Idle"
	case FiberWaiting:
		return "Waiting"
	default:
		return "Unknown"
	}
}

// fiberContextKey is the context.Context key a Fiber is stored under. Each
// JobEntryPoint invocation runs with a context carrying the Fiber currently
// executing it, so WaitForJob and YieldToScheduler can recover "what am I
// running as" from ctx alone.
type fiberContextKey struct{}

func withFiber(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, fiberContextKey{}, f)
}

// FiberFromContext recovers the Fiber currently executing ctx's job, if
// any. A false result means ctx is running outside any fiber.
func FiberFromContext(ctx context.Context) (*Fiber, bool) {
	f, ok := ctx.Value(fiberContextKey{}).(*Fiber)
	return f, ok
}

// Fiber is a reusable, cooperatively-scheduled execution context that runs
// one Job per activation.
//
// Invariant: a Fiber is either sitting Idle in the fiber pool's free list
// with no parent/job, or in Running/Waiting state bound to exactly one
// worker and one Job. Exactly one worker drives a Fiber at a time, so its
// mutable fields need no locking of their own; the context handoff in
// fibercontext already guarantees only one side of any switch runs at once.
type Fiber struct {
	ctx *fibercontext.Context

	state     FiberState
	parent    *Fiber
	job       *Job
	lastPanic any
}

// newFiber allocates a Fiber whose context begins running f.run the first
// time something activates it.
func newFiber() *Fiber {
	f := &Fiber{state: FiberNone}
	f.ctx = fibercontext.MakeContext(f.run, nil)
	return f
}

// AdoptCurrentAsFiber converts the calling goroutine into a Fiber without
// spawning anything; the calling goroutine becomes the fiber's context.
// Called once per worker, to build the fiber every job fiber switches back
// to.
func AdoptCurrentAsFiber() *Fiber {
	return &Fiber{
		state: FiberNone,
		ctx:   fibercontext.AdoptCurrentAsContext(),
	}
}

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() FiberState { return f.state }

// Parent returns the fiber this fiber switches back to when its job
// returns or suspends: the scheduler fiber of whichever worker most
// recently activated it.
func (f *Fiber) Parent() *Fiber { return f.parent }

// CurrentJob returns the job currently bound to this fiber, or nil if
// none.
func (f *Fiber) CurrentJob() *Job { return f.job }

// LastPanic returns the value recovered from the most recent job entry
// point that panicked while running on this fiber, or nil if none has.
func (f *Fiber) LastPanic() any { return f.lastPanic }

// Activate binds job and parent to this fiber and switches execution to
// it. It returns to the caller once the fiber switches back, either
// because its job returned (State() == FiberIdle) or it suspended on a
// nested wait (State() == FiberRunning/FiberWaiting). parent is always the
// scheduler fiber of the worker calling Activate.
func (f *Fiber) Activate(job *Job, parent *Fiber) {
	f.job = job
	f.parent = parent
	f.lastPanic = nil
	parent.ctx.SwitchTo(f.ctx)
}

// SwitchTo suspends the fiber identified by ctx and transfers control to f.
// WaitForJob and YieldToScheduler call it on the current fiber's parent to
// give the scheduler the CPU.
//
// It returns false without switching anything if ctx is not running inside
// any fiber, and false if the calling fiber's context was destroyed while
// suspended (only possible during Dispatcher shutdown).
func (f *Fiber) SwitchTo(ctx context.Context) bool {
	current, ok := FiberFromContext(ctx)
	if !ok {
		return false
	}
	return current.ctx.SwitchTo(f.ctx)
}

// destroy releases the fiber's backing context. Only meaningful for
// pool-owned fibers; a worker's adopted scheduler fiber has no backing
// goroutine to release. Called once per fiber in the pool, during
// Dispatcher.Shutdown.
func (f *Fiber) destroy() {
	f.ctx.Destroy()
}

// suspendCurrent is the shared body of Dispatcher.WaitForJob and
// Dispatcher.YieldToScheduler: switch back to the current fiber's parent,
// optionally marking the fiber Waiting first, and restore FiberRunning on
// resume.
//
// If ctx carries no Fiber, the caller is running outside the fiber system
// (for example the host goroutine that called Init), and there is nothing
// to switch to, so this falls back to an OS-level runtime.Gosched().
func suspendCurrent(ctx context.Context, waiting bool) {
	current, ok := FiberFromContext(ctx)
	if !ok {
		runtime.Gosched()
		return
	}

	if waiting {
		current.state = FiberWaiting
	}
	current.parent.SwitchTo(ctx)
	current.state = FiberRunning
}

// run is the body of every pool fiber: it loops forever, executing
// whatever job Activate most recently bound, marking itself Idle, and
// switching back to its parent. Control re-enters this same loop, not a
// fresh call, the next time Activate switches into this fiber.
func (f *Fiber) run(self *fibercontext.Context, _ any) {
	for {
		f.state = FiberRunning
		job := f.job

		runJobEntryPoint(job, f)

		f.state = FiberIdle
		if !self.SwitchTo(f.parent.ctx) {
			// Context destroyed while we held the CPU between switches,
			// i.e. dispatcher shutdown. The job already ran to completion.
			return
		}
	}
}

// runJobEntryPoint calls job's entry point, recovering a panic so one
// misbehaving job can't take its whole worker thread down. A recovered
// panic is treated the same as a normal return: the fiber still goes
// Idle and the job's completion lock is still released exactly once.
func runJobEntryPoint(job *Job, f *Fiber) {
	defer func() {
		if r := recover(); r != nil {
			f.lastPanic = r
		}
	}()
	job.entryPoint(withFiber(context.Background(), f), job.userData)
}
