package fiberdispatch

import (
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/go-foundations/fiberdispatch/internal/affinity"
)

// WorkerState is the lifecycle state of a WorkerThread.
type WorkerState int32

const (
	// WorkerNone is the state between construction and Start.
	WorkerNone WorkerState = iota
	// WorkerStarting is set until the scheduler loop reaches its main loop.
	WorkerStarting
	// WorkerRunning means the scheduler loop is live.
	WorkerRunning
	// WorkerStopping is set by Stop; the scheduler loop observes it at
	// the top of its next iteration and exits.
	WorkerStopping
	// WorkerDone means the scheduler loop has returned; the goroutine
	// backing it is gone.
	WorkerDone
)

func (s WorkerState) String() string {
	switch s {
	case WorkerNone:
		return "None"
	case WorkerStarting:
		return "Starting"
	case WorkerRunning:
		return "Running"
	case WorkerStopping:
		return "Stopping"
	case WorkerDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// WorkerThread owns one OS thread (via runtime.LockOSThread), optionally
// pinned to a logical core, running a single scheduler loop for its
// lifetime.
//
// State transitions are monotone within a Start/Stop cycle: a thread is
// eligible for Start only in {None, Done}; Stop is idempotent on an
// already-Done worker.
type WorkerThread struct {
	id           string
	coreAffinity int // -1 means no affinity pinning

	state     atomic.Int32
	lastError string
	errLock   SpinLock

	scheduler func(w *WorkerThread)
	done      chan struct{}
}

func newWorkerThread(scheduler func(w *WorkerThread)) *WorkerThread {
	return &WorkerThread{
		id:           uuid.NewString(),
		coreAffinity: -1,
		scheduler:    scheduler,
	}
}

// ID returns the worker's log-correlation identifier.
func (w *WorkerThread) ID() string { return w.id }

// State returns the worker's current lifecycle state.
func (w *WorkerThread) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *WorkerThread) setState(s WorkerState) { w.state.Store(int32(s)) }

// GetLastError returns the OS/affinity error text from the most recent
// failed Start, or "" if the worker has never failed to start.
func (w *WorkerThread) GetLastError() string {
	w.errLock.Lock()
	defer w.errLock.Unlock()
	return w.lastError
}

func (w *WorkerThread) setLastError(msg string) {
	w.errLock.Lock()
	w.lastError = msg
	w.errLock.Unlock()
}

// Start spawns the worker's OS thread, optionally pinning it to
// coreAffinity (-1 means "don't care"). It asserts the worker is currently
// in {None, Done}; calling Start on a Running/Starting/Stopping worker is
// a programmer error, not a recoverable one.
//
// Start blocks only long enough to learn whether the thread came up and,
// if requested, whether affinity pinning succeeded; it returns before the
// scheduler loop necessarily reaches WorkerRunning.
func (w *WorkerThread) Start(coreAffinity int) bool {
	switch w.State() {
	case WorkerNone, WorkerDone:
	default:
		panic("fiberdispatch: WorkerThread.Start called while not in None or Done state")
	}

	w.setState(WorkerStarting)
	w.coreAffinity = coreAffinity
	w.done = make(chan struct{})

	ready := make(chan error, 1)
	go func() {
		defer close(w.done)

		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if coreAffinity >= 0 {
			if err := affinity.Pin(coreAffinity); err != nil {
				ready <- err
				return
			}
		}
		ready <- nil

		w.scheduler(w)
	}()

	if err := <-ready; err != nil {
		w.setState(WorkerNone)
		w.setLastError(err.Error())
		return false
	}
	return true
}

// Stop asks the worker's scheduler loop to exit and waits for it to do
// so. It is idempotent on an already-Done worker.
func (w *WorkerThread) Stop() {
	if w.State() == WorkerDone {
		return
	}
	w.setState(WorkerStopping)
	<-w.done
}
