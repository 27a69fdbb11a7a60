package fiberdispatch

import (
	"context"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// Config configures a Dispatcher's pools and worker count.
type Config struct {
	// FiberPoolSize and JobPoolSize are the initial pool sizes Init grows
	// each pool to before spawning workers.
	FiberPoolSize int
	JobPoolSize   int

	// WorkerCount is the number of worker threads to start. -1 means
	// runtime.NumCPU()-1, reserving one logical core for the host.
	WorkerCount int

	// FiberPoolGrowthFactor and JobPoolGrowthFactor are the proportional
	// growth factors each pool uses once its free list is exhausted. 0
	// disables dynamic growth for that pool.
	FiberPoolGrowthFactor float64
	JobPoolGrowthFactor   float64

	// PinWorkerAffinity, if true, pins each worker to a distinct logical
	// core starting at core 1 (core 0 is reserved for the host). Off by
	// default: affinity pinning can fail under sandboxing or containers
	// that restrict CPU scheduling, and a worker that fails to start
	// fails the whole Init.
	PinWorkerAffinity bool

	// EnableDebugCounters turns on high-water-mark tracking for both pools.
	EnableDebugCounters bool

	// Logger receives structured logs for worker lifecycle events, job
	// panics, and shutdown. Pool growth is not logged. Defaults to a no-op
	// logger.
	Logger *zap.Logger
}

// DefaultConfig returns sane defaults: a 100-fiber pool, a 10000-job
// pool, one worker per logical core (less one), and a growth factor of
// 10 on both pools.
func DefaultConfig() Config {
	return Config{
		FiberPoolSize:         100,
		JobPoolSize:           10000,
		WorkerCount:           -1,
		FiberPoolGrowthFactor: 10,
		JobPoolGrowthFactor:   10,
		Logger:                zap.NewNop(),
	}
}

// Dispatcher owns the fiber pool, job pool, global job queue, and worker
// set, and exposes the public Submit/WaitForJob/YieldToScheduler API.
//
// NewDispatcher builds an independent instance, so tests don't fight over
// a shared worker set. Default() layers a process-wide singleton on top of
// it for callers who just want one dispatcher per process.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger

	fiberPool *ResourcePool[Fiber]
	jobPool   *ResourcePool[Job]
	jobs      LockedQueue[*Job]

	workers []*WorkerThread

	initMu      sync.Mutex
	initialized bool

	errLock SpinLock
	lastErr *DispatcherError
}

// NewDispatcher returns an uninitialized Dispatcher. Call Init before
// Submit.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

var (
	defaultOnce sync.Once
	defaultInst *Dispatcher
)

// Default returns the process-wide Dispatcher, constructing it (but not
// Init-ing it) on first call.
func Default() *Dispatcher {
	defaultOnce.Do(func() {
		defaultInst = NewDispatcher()
	})
	return defaultInst
}

// Init grows the fiber and job pools, sets their growth factors, and
// spawns the configured number of workers. It blocks until every worker
// reaches WorkerRunning or any worker reports a startup error, and
// returns whether every worker started successfully.
func (d *Dispatcher) Init(cfg Config) bool {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.initialized {
		panic("fiberdispatch: Init called twice on the same Dispatcher")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	d.cfg = cfg
	d.logger = cfg.Logger

	d.fiberPool = NewResourcePool(func() *Fiber { return newFiber() })
	d.fiberPool.SetDebugCounters(cfg.EnableDebugCounters)
	d.fiberPool.Grow(cfg.FiberPoolSize)
	d.fiberPool.SetGrowthFactor(cfg.FiberPoolGrowthFactor)

	d.jobPool = NewResourcePool(func() *Job { return newJob() })
	d.jobPool.SetDebugCounters(cfg.EnableDebugCounters)
	d.jobPool.Grow(cfg.JobPoolSize)
	d.jobPool.SetGrowthFactor(cfg.JobPoolGrowthFactor)

	workerCount := cfg.WorkerCount
	if workerCount == -1 {
		workerCount = runtime.NumCPU() - 1
		if workerCount < 1 {
			workerCount = 1
		}
	}

	d.workers = make([]*WorkerThread, workerCount)
	ok := true
	for i := range d.workers {
		w := newWorkerThread(d.runScheduler)
		d.workers[i] = w

		coreAffinity := -1
		if cfg.PinWorkerAffinity {
			// Core 0 is reserved for the host; workers are pinned
			// starting at core 1.
			coreAffinity = i + 1
		}

		if !w.Start(coreAffinity) {
			d.logger.Error("worker failed to start",
				zap.String("worker_id", w.ID()),
				zap.Int("core_affinity", coreAffinity),
				zap.String("error", w.GetLastError()))
			d.setLastError(newDispatcherError(KindStartup, w.GetLastError()))
			ok = false
		}
	}

	if ok {
		for {
			allRunning := true
			for _, w := range d.workers {
				if w.State() != WorkerRunning {
					allRunning = false
					break
				}
			}
			if allRunning {
				break
			}
			runtime.Gosched()
		}
	}

	d.initialized = ok
	if ok {
		d.logger.Info("dispatcher initialized",
			zap.Int("workers", workerCount),
			zap.Int("fiber_pool_size", cfg.FiberPoolSize),
			zap.Int("job_pool_size", cfg.JobPoolSize))
	}
	return ok
}

// Shutdown stops every worker, in order, waiting for each to exit, then
// destroys the pools' backing fibers. It refuses, returning false and
// doing nothing, if the job queue is non-empty or any job is still
// checked out of the job pool. Callers that want to drain first should
// WaitForJob on everything they've submitted before calling Shutdown.
func (d *Dispatcher) Shutdown() bool {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	if !d.initialized {
		return true
	}

	if d.jobs.Size() > 0 || d.jobPool.FreeCount() < d.jobPool.TotalCount() {
		d.logger.Warn("shutdown refused: work still in flight",
			zap.Int("queue_depth", d.jobs.Size()),
			zap.Int("jobs_in_use", d.jobPool.TotalCount()-d.jobPool.FreeCount()))
		return false
	}

	for _, w := range d.workers {
		w.Stop()
	}
	d.workers = nil

	for _, f := range d.fiberPool.Owned() {
		f.destroy()
	}

	d.logger.Info("dispatcher shut down")
	d.initialized = false
	return true
}

// Submit acquires a Job from the job pool, locks its completion lock, and
// enqueues it. It panics if called before Init, or if the job pool is
// exhausted with growth disabled; both are programmer errors, not
// reportable conditions.
func (d *Dispatcher) Submit(entry JobEntryPoint, userData any) JobHandle {
	if !d.initialized {
		panic("fiberdispatch: Submit called before Init")
	}

	job := d.jobPool.Get()
	if job == nil {
		panic("fiberdispatch: job pool exhausted with growth disabled")
	}

	// Locked here; released exactly once, by the scheduler, when the
	// entry point returns. WaitForJob observes that release.
	job.completion.Lock()
	job.reset(entry, userData)

	d.jobs.Push(job)
	return job
}

// WaitForJob blocks (cooperatively, if called from inside a fiber; via an
// OS-level yield otherwise) until handle's entry point has returned.
//
// ctx carries the calling Fiber, if any; see FiberFromContext. Pass the
// same ctx a JobEntryPoint was invoked with when waiting from inside a
// job; pass context.Background() (or any context not produced by this
// package) when waiting from outside the fiber system.
func (d *Dispatcher) WaitForJob(ctx context.Context, handle JobHandle) {
	job := handle
	for !job.completion.TryLock() {
		suspendCurrent(ctx, true)
	}
	job.completion.Unlock()
}

// YieldToScheduler cooperatively yields the calling fiber back to its
// worker's scheduler loop, or performs an OS-level yield if called
// outside any fiber.
func (d *Dispatcher) YieldToScheduler(ctx context.Context) {
	suspendCurrent(ctx, false)
}

// CurrentFiber recovers the Fiber running ctx's job, if any.
func (d *Dispatcher) CurrentFiber(ctx context.Context) (*Fiber, bool) {
	return FiberFromContext(ctx)
}

// runScheduler is the per-worker scheduler loop. It converts the calling
// goroutine into a fiber (the parent every job fiber it activates switches
// back to), then alternates draining previously-yielded fibers and
// admitting new work from the global queue until the worker is told to
// stop.
func (d *Dispatcher) runScheduler(w *WorkerThread) {
	schedulerFiber := AdoptCurrentAsFiber()
	var pending []*Fiber

	w.setState(WorkerRunning)
	d.logger.Debug("worker running", zap.String("worker_id", w.ID()))

	for w.State() == WorkerRunning {
		didWork := false

		// Drain pending fibers that yielded back without finishing.
		i := 0
		for i < len(pending) {
			f := pending[i]
			schedulerFiber.ctx.SwitchTo(f.ctx)
			didWork = true

			switch f.State() {
			case FiberRunning, FiberWaiting:
				// Still working (or blocked on a nested job); leave it
				// in place and come back to it next pass.
				i++
			case FiberIdle:
				d.retireFiber(f)
				pending = append(pending[:i], pending[i+1:]...)
			}
		}

		// Admit one new job from the global queue.
		if job, ok := d.jobs.Pop(); ok {
			didWork = true

			var f *Fiber
			for f == nil {
				f = d.fiberPool.Get()
				if f == nil {
					runtime.Gosched()
				}
			}

			f.Activate(job, schedulerFiber)

			switch f.State() {
			case FiberRunning, FiberWaiting:
				pending = append(pending, f)
			case FiberIdle:
				d.retireFiber(f)
			}
		}

		if !didWork {
			runtime.Gosched()
		}
	}

	w.setState(WorkerDone)
	d.logger.Debug("worker stopped", zap.String("worker_id", w.ID()))
}

// retireFiber releases a fiber whose job just finished: it unlocks the
// job's completion lock (so WaitForJob can observe it), clears the
// fiber's job/parent back toward the "idle, unbound" invariant, and
// returns both objects to their pools.
func (d *Dispatcher) retireFiber(f *Fiber) {
	job := f.job

	if p := f.LastPanic(); p != nil {
		d.logger.Error("job entry point panicked",
			zap.String("job_id", job.ID()),
			zap.Any("recovered", p))
	}

	job.completion.Unlock()
	f.job = nil
	f.parent = nil
	d.fiberPool.Release(f)
	d.jobPool.Release(job)
}

// WorkerThreadCount returns the number of workers this Dispatcher started.
func (d *Dispatcher) WorkerThreadCount() int { return len(d.workers) }

// GetJobQueueDepth returns the current length of the global job queue.
// Advisory: it can change the instant after it's read.
func (d *Dispatcher) GetJobQueueDepth() int { return d.jobs.Size() }

// GetFreeJobCount returns the job pool's current free-list size.
func (d *Dispatcher) GetFreeJobCount() int { return d.jobPool.FreeCount() }

// GetFreeJobTotal returns the job pool's total allocated count.
func (d *Dispatcher) GetFreeJobTotal() int { return d.jobPool.TotalCount() }

// GetFiberPoolFree returns the fiber pool's current free-list size.
func (d *Dispatcher) GetFiberPoolFree() int { return d.fiberPool.FreeCount() }

// GetFiberPoolTotal returns the fiber pool's total allocated count.
func (d *Dispatcher) GetFiberPoolTotal() int { return d.fiberPool.TotalCount() }

// GetFreeJobHighWaterMark returns the job pool's high-water mark. Always
// zero unless Config.EnableDebugCounters was set.
func (d *Dispatcher) GetFreeJobHighWaterMark() int { return d.jobPool.HighWaterMark() }

// GetFreeFiberHighWaterMark returns the fiber pool's high-water mark.
// Always zero unless Config.EnableDebugCounters was set.
func (d *Dispatcher) GetFreeFiberHighWaterMark() int { return d.fiberPool.HighWaterMark() }

// GetLastError returns the text of the most recent worker startup error,
// or "" if none has occurred. Misuse is not recorded here: Submit before
// Init panics, and a refused Shutdown only returns false.
func (d *Dispatcher) GetLastError() string {
	d.errLock.Lock()
	defer d.errLock.Unlock()
	if d.lastErr == nil {
		return ""
	}
	return d.lastErr.Error()
}

func (d *Dispatcher) setLastError(err *DispatcherError) {
	d.errLock.Lock()
	d.lastErr = err
	d.errLock.Unlock()
}

// Stats bundles every observational getter in one call, supplementing
// the individual accessors above. The counters are read one after
// another, not under a common lock, so under concurrent activity they
// may not all reflect the same instant.
type Stats struct {
	WorkerCount            int
	JobQueueDepth          int
	FreeJobs               int
	TotalJobs              int
	FreeFibers             int
	TotalFibers            int
	FreeJobHighWaterMark   int
	FreeFiberHighWaterMark int
}

// Stats returns a single-shot snapshot of every observational counter.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		WorkerCount:            d.WorkerThreadCount(),
		JobQueueDepth:          d.GetJobQueueDepth(),
		FreeJobs:               d.GetFreeJobCount(),
		TotalJobs:              d.GetFreeJobTotal(),
		FreeFibers:             d.GetFiberPoolFree(),
		TotalFibers:            d.GetFiberPoolTotal(),
		FreeJobHighWaterMark:   d.GetFreeJobHighWaterMark(),
		FreeFiberHighWaterMark: d.GetFreeFiberHighWaterMark(),
	}
}
