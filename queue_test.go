package fiberdispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LockedQueueTestSuite struct {
	suite.Suite
}

func TestLockedQueueTestSuite(t *testing.T) {
	suite.Run(t, new(LockedQueueTestSuite))
}

func (ts *LockedQueueTestSuite) TestPopOnEmptyQueueReturnsFalse() {
	q := NewLockedQueue[int]()
	v, ok := q.Pop()
	ts.False(ok)
	ts.Zero(v)
}

func (ts *LockedQueueTestSuite) TestFIFOOrder() {
	q := NewLockedQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	ts.Equal(3, q.Size())

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Pop()
		ts.True(ok)
		ts.Equal(want, got)
	}

	ts.Equal(0, q.Size())
	_, ok := q.Pop()
	ts.False(ok)
}

func (ts *LockedQueueTestSuite) TestBackingArrayReclaimAfterDrain() {
	q := NewLockedQueue[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	for i := 0; i < 5; i++ {
		_, ok := q.Pop()
		ts.True(ok)
	}

	ts.Equal(0, len(q.items))
	ts.Equal(0, q.head)

	q.Push(99)
	v, ok := q.Pop()
	ts.True(ok)
	ts.Equal(99, v)
}

func (ts *LockedQueueTestSuite) TestConcurrentPushPopPreservesCount() {
	q := NewLockedQueue[int]()
	var wg sync.WaitGroup

	const producers = 10
	const perProducer = 100

	wg.Add(producers)
	for i := 0; i < producers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				q.Push(j)
			}
		}()
	}
	wg.Wait()

	popped := 0
	for {
		if _, ok := q.Pop(); !ok {
			break
		}
		popped++
	}

	ts.Equal(producers*perProducer, popped)
}
