package fiberdispatch

import "math"

// ResourcePool is a bounded free-list of pre-allocated T objects, with an
// optional proportional growth policy. It backs both the fiber pool and
// the job pool.
//
// newItem must return a fully-independent heap allocation each call. The
// pool stores *T, never T, so growth never invalidates a pointer a caller
// is still holding.
//
// Get/Release are safe for concurrent use. Growth is guarded by its own
// resize lock so a burst of concurrent Get calls against an exhausted pool
// only allocates once.
type ResourcePool[T any] struct {
	newItem func() *T

	owned []*T
	total int

	free LockedQueue[*T]

	growthFactor float64
	resizeLock   SpinLock

	debugEnabled  bool
	statsLock     SpinLock
	inUse         int
	highWaterMark int
}

// NewResourcePool creates an empty pool. newItem allocates one item; Grow
// and the implicit growth inside Get call it as needed.
func NewResourcePool[T any](newItem func() *T) *ResourcePool[T] {
	return &ResourcePool[T]{newItem: newItem}
}

// SetGrowthFactor sets the proportional growth factor used by Get when the
// free list is empty. 0 disables dynamic growth.
func (p *ResourcePool[T]) SetGrowthFactor(f float64) {
	p.growthFactor = f
}

// SetDebugCounters turns high-water-mark tracking on or off, normally set
// once from Config at construction time.
func (p *ResourcePool[T]) SetDebugCounters(enabled bool) {
	p.debugEnabled = enabled
}

// Grow allocates n new T's, appends them to the owned set, and pushes them
// onto the free list. It returns the new total count. Safe to call at
// initialization and, under the resize lock, at runtime.
func (p *ResourcePool[T]) Grow(n int) int {
	for i := 0; i < n; i++ {
		item := p.newItem()
		p.owned = append(p.owned, item)
		p.free.Push(item)
	}
	p.total += n
	return p.total
}

// Get pops one *T from the free list. If the free list is empty and the
// growth factor is greater than zero, it grows the pool by
// max(1, floor(total*growthFactor)) and retries. With a growth factor of
// zero it returns nil on exhaustion.
func (p *ResourcePool[T]) Get() *T {
	if item, ok := p.free.Pop(); ok {
		p.noteAcquire()
		return item
	}

	if p.growthFactor <= 0 {
		return nil
	}

	p.resizeLock.Lock()
	// Double-checked: another goroutine may have grown the pool (or
	// released an item) while we were waiting for the resize lock.
	if item, ok := p.free.Pop(); ok {
		p.resizeLock.Unlock()
		p.noteAcquire()
		return item
	}

	grow := int(math.Floor(float64(p.total) * p.growthFactor))
	if grow < 1 {
		grow = 1
	}
	p.Grow(grow)
	p.resizeLock.Unlock()

	item, ok := p.free.Pop()
	if !ok {
		// Other goroutines took every item Grow just added before this
		// Pop ran; go around again rather than report exhaustion.
		return p.Get()
	}
	p.noteAcquire()
	return item
}

// Release returns item to the free list. Undefined if item was not
// obtained from this pool.
func (p *ResourcePool[T]) Release(item *T) {
	if p.debugEnabled {
		p.statsLock.Lock()
		p.inUse--
		p.statsLock.Unlock()
	}
	p.free.Push(item)
}

// TotalCount returns the number of objects ever allocated by this pool.
func (p *ResourcePool[T]) TotalCount() int {
	return p.total
}

// FreeCount returns the number of objects currently on the free list.
func (p *ResourcePool[T]) FreeCount() int {
	return p.free.Size()
}

// GrowthFactor returns the pool's configured growth factor.
func (p *ResourcePool[T]) GrowthFactor() float64 {
	return p.growthFactor
}

// At gives unsynchronized, advisory-only access to the owned set by
// allocation order. Useful for diagnostics, never for pool bookkeeping.
func (p *ResourcePool[T]) At(i int) *T {
	return p.owned[i]
}

// HighWaterMark returns the maximum observed in-use count. It is always
// zero unless SetDebugCounters(true) was called.
func (p *ResourcePool[T]) HighWaterMark() int {
	p.statsLock.Lock()
	defer p.statsLock.Unlock()
	return p.highWaterMark
}

// Owned returns every object this pool has ever allocated, free or not.
// Used by Dispatcher.Shutdown to tear down backing resources (e.g. fiber
// goroutines) that outlive the free list itself.
func (p *ResourcePool[T]) Owned() []*T {
	return p.owned
}

func (p *ResourcePool[T]) noteAcquire() {
	if !p.debugEnabled {
		return
	}
	p.statsLock.Lock()
	p.inUse++
	if p.inUse > p.highWaterMark {
		p.highWaterMark = p.inUse
	}
	p.statsLock.Unlock()
}
