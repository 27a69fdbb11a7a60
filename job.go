package fiberdispatch

import (
	"context"

	"github.com/google/uuid"
)

// JobEntryPoint is the callable body of a Job. ctx carries the activating
// Fiber (see FiberFromContext) so WaitForJob and YieldToScheduler, called
// from inside the entry point, know which fiber to suspend.
type JobEntryPoint func(ctx context.Context, userData any)

// Job represents one unit of work: an entry point, an opaque user-data
// value, and a completion lock.
//
// Lifecycle: allocated from the job pool inside Submit; its completion
// lock is acquired by Submit before the job is enqueued; ownership then
// passes to the scheduler. When the entry point returns, the scheduler
// releases the completion lock and returns the Job to the pool.
//
// Invariant: a Job whose completion lock is held is either queued or
// currently bound to exactly one Fiber.
type Job struct {
	id string

	completion SpinLock

	entryPoint JobEntryPoint
	userData   any
}

// JobHandle is an opaque, non-owning reference to a Job, valid from Submit
// until WaitForJob has observed its completion lock released exactly once.
type JobHandle = *Job

func newJob() *Job {
	return &Job{id: uuid.NewString()}
}

// ID returns the job's log-correlation identifier. It is distinct from
// JobHandle identity, which is the pointer itself.
func (j *Job) ID() string { return j.id }

// reset assigns a fresh ID and rebinds entryPoint/userData for reuse. Called
// on every Submit, including when the job pool hands back a recycled slot,
// so two unrelated jobs sharing a slot never share a log-correlation ID.
func (j *Job) reset(entryPoint JobEntryPoint, userData any) {
	j.id = uuid.NewString()
	j.entryPoint = entryPoint
	j.userData = userData
}
