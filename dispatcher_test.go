package fiberdispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type DispatcherTestSuite struct {
	suite.Suite
}

func TestDispatcherTestSuite(t *testing.T) {
	suite.Run(t, new(DispatcherTestSuite))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FiberPoolSize = 4
	cfg.JobPoolSize = 8
	cfg.WorkerCount = 2
	cfg.EnableDebugCounters = true
	return cfg
}

func (ts *DispatcherTestSuite) TestInitStartsConfiguredWorkerCount() {
	d := NewDispatcher()
	ts.True(d.Init(testConfig()))
	defer d.Shutdown()

	ts.Equal(2, d.WorkerThreadCount())
	ts.Equal(4, d.GetFiberPoolTotal())
	ts.Equal(8, d.GetFreeJobTotal())
}

func (ts *DispatcherTestSuite) TestInitTwiceOnSameDispatcherPanics() {
	d := NewDispatcher()
	ts.True(d.Init(testConfig()))
	defer d.Shutdown()

	ts.Panics(func() { d.Init(testConfig()) })
}

func (ts *DispatcherTestSuite) TestSubmitBeforeInitPanics() {
	d := NewDispatcher()
	ts.Panics(func() {
		d.Submit(func(ctx context.Context, userData any) {}, nil)
	})
}

func (ts *DispatcherTestSuite) TestSubmitAndWaitForJobRunsEntryPoint() {
	d := NewDispatcher()
	ts.Require().True(d.Init(testConfig()))
	defer d.Shutdown()

	var ran atomic.Bool
	handle := d.Submit(func(ctx context.Context, userData any) {
		ran.Store(true)
	}, nil)

	d.WaitForJob(context.Background(), handle)
	ts.True(ran.Load())
}

func (ts *DispatcherTestSuite) TestSubmitPassesUserData() {
	d := NewDispatcher()
	ts.Require().True(d.Init(testConfig()))
	defer d.Shutdown()

	var got int
	handle := d.Submit(func(ctx context.Context, userData any) {
		got = userData.(int)
	}, 42)

	d.WaitForJob(context.Background(), handle)
	ts.Equal(42, got)
}

func (ts *DispatcherTestSuite) TestManyConcurrentJobsAllComplete() {
	d := NewDispatcher()
	ts.Require().True(d.Init(testConfig()))
	defer d.Shutdown()

	const n = 200
	var completed atomic.Int64
	handles := make([]JobHandle, n)
	for i := 0; i < n; i++ {
		handles[i] = d.Submit(func(ctx context.Context, userData any) {
			completed.Add(1)
		}, nil)
	}
	for _, h := range handles {
		d.WaitForJob(context.Background(), h)
	}

	ts.EqualValues(n, completed.Load())
}

func (ts *DispatcherTestSuite) TestNestedJobWaitsForChildBeforeParentFinishes() {
	d := NewDispatcher()
	ts.Require().True(d.Init(testConfig()))
	defer d.Shutdown()

	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	parent := d.Submit(func(ctx context.Context, userData any) {
		child := d.Submit(func(ctx context.Context, userData any) {
			record("child")
		}, nil)
		d.WaitForJob(ctx, child)
		record("parent")
	}, nil)

	d.WaitForJob(context.Background(), parent)

	ts.Equal([]string{"child", "parent"}, order)
}

func (ts *DispatcherTestSuite) TestYieldToSchedulerFromInsideJobReturnsControl() {
	d := NewDispatcher()
	ts.Require().True(d.Init(testConfig()))
	defer d.Shutdown()

	var afterYield atomic.Bool
	handle := d.Submit(func(ctx context.Context, userData any) {
		d.YieldToScheduler(ctx)
		afterYield.Store(true)
	}, nil)

	d.WaitForJob(context.Background(), handle)
	ts.True(afterYield.Load())
}

func (ts *DispatcherTestSuite) TestYieldToSchedulerOutsideAnyFiberFallsBackToOSYield() {
	ts.NotPanics(func() {
		Default() // construct only, never Init; no fiber in context either way
		suspendCurrent(context.Background(), false)
	})
}

func (ts *DispatcherTestSuite) TestGetJobQueueDepthReflectsBacklog() {
	cfg := testConfig()
	cfg.WorkerCount = 1
	d := NewDispatcher()
	ts.Require().True(d.Init(cfg))

	block := make(chan struct{})
	release := make(chan struct{})
	holder := d.Submit(func(ctx context.Context, userData any) {
		close(block)
		<-release
	}, nil)
	<-block // the single worker is now occupied with holder

	var extra []JobHandle
	for i := 0; i < 3; i++ {
		extra = append(extra, d.Submit(func(ctx context.Context, userData any) {}, nil))
	}

	ts.GreaterOrEqual(d.GetJobQueueDepth(), 1)

	close(release)
	d.WaitForJob(context.Background(), holder)
	for _, h := range extra {
		d.WaitForJob(context.Background(), h)
	}
	ts.True(d.Shutdown())
}

func (ts *DispatcherTestSuite) TestShutdownRefusesWithWorkStillInFlight() {
	cfg := testConfig()
	cfg.WorkerCount = 1
	d := NewDispatcher()
	ts.Require().True(d.Init(cfg))

	block := make(chan struct{})
	release := make(chan struct{})
	holder := d.Submit(func(ctx context.Context, userData any) {
		close(block)
		<-release
	}, nil)
	<-block

	ts.False(d.Shutdown())

	close(release)
	d.WaitForJob(context.Background(), holder)
	ts.True(d.Shutdown())
}

func (ts *DispatcherTestSuite) TestStatsSnapshotMatchesIndividualGetters() {
	d := NewDispatcher()
	ts.Require().True(d.Init(testConfig()))
	defer d.Shutdown()

	handle := d.Submit(func(ctx context.Context, userData any) {}, nil)
	d.WaitForJob(context.Background(), handle)

	s := d.Stats()
	ts.Equal(d.WorkerThreadCount(), s.WorkerCount)
	ts.Equal(d.GetJobQueueDepth(), s.JobQueueDepth)
	ts.Equal(d.GetFreeJobCount(), s.FreeJobs)
	ts.Equal(d.GetFreeJobTotal(), s.TotalJobs)
	ts.Equal(d.GetFiberPoolFree(), s.FreeFibers)
	ts.Equal(d.GetFiberPoolTotal(), s.TotalFibers)
	ts.GreaterOrEqual(s.FreeJobHighWaterMark, 1)
	ts.GreaterOrEqual(s.FreeFiberHighWaterMark, 1)
}

func (ts *DispatcherTestSuite) TestPanickingJobDoesNotWedgeTheDispatcher() {
	d := NewDispatcher()
	ts.Require().True(d.Init(testConfig()))
	defer d.Shutdown()

	panicky := d.Submit(func(ctx context.Context, userData any) {
		panic("boom")
	}, nil)
	d.WaitForJob(context.Background(), panicky)

	// The worker that ran the panicking job must still be alive and able
	// to pick up further work.
	var ran atomic.Bool
	handle := d.Submit(func(ctx context.Context, userData any) {
		ran.Store(true)
	}, nil)
	d.WaitForJob(context.Background(), handle)

	ts.True(ran.Load())
}

func (ts *DispatcherTestSuite) TestGetLastErrorEmptyAfterCleanInit() {
	d := NewDispatcher()
	ts.Require().True(d.Init(testConfig()))
	defer d.Shutdown()

	ts.Empty(d.GetLastError())
}

func (ts *DispatcherTestSuite) TestDefaultReturnsTheSameInstance() {
	ts.Same(Default(), Default())
}

func (ts *DispatcherTestSuite) TestJobPoolGrowsUnderSustainedLoad() {
	cfg := testConfig()
	cfg.JobPoolSize = 1
	cfg.JobPoolGrowthFactor = 1.0
	d := NewDispatcher()
	ts.Require().True(d.Init(cfg))
	defer d.Shutdown()

	const n = 20
	handles := make([]JobHandle, n)
	for i := 0; i < n; i++ {
		handles[i] = d.Submit(func(ctx context.Context, userData any) {
			time.Sleep(time.Millisecond)
		}, nil)
	}
	for _, h := range handles {
		d.WaitForJob(context.Background(), h)
	}

	ts.Greater(d.GetFreeJobTotal(), 1)
}
