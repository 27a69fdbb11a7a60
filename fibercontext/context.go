// Package fibercontext implements the switchable execution context the rest
// of this module's Fiber type is built on: MakeContext, AdoptCurrentAsContext,
// SwitchTo, and Destroy.
//
// A Context is backed by a dedicated goroutine parked on an unbuffered
// channel; switching into it is a channel handoff. SwitchTo wakes the target
// and immediately parks the caller, a strict ping-pong that keeps at most
// one side of any pair of contexts runnable at a time.
package fibercontext

// EntryFunc is the body a Context runs the first time something switches
// into it. self is the context's own handle, so the body can switch back
// out of itself later (a fiber yielding to its parent).
type EntryFunc func(self *Context, arg any)

// Context is one switchable execution context.
type Context struct {
	resume  chan struct{}
	kill    chan struct{}
	adopted bool
}

// MakeContext allocates a context that begins running entry(self, arg) the
// first time something calls SwitchTo into it. The backing goroutine does
// nothing until that first switch.
func MakeContext(entry EntryFunc, arg any) *Context {
	c := &Context{
		resume: make(chan struct{}),
		kill:   make(chan struct{}),
	}
	go func() {
		select {
		case <-c.resume:
		case <-c.kill:
			return
		}
		entry(c, arg)
	}()
	return c
}

// AdoptCurrentAsContext converts the calling goroutine into a switchable
// context. It spawns nothing; the calling goroutine itself becomes the
// context. Used once per worker, to wrap the worker's own goroutine as the
// scheduler context every job fiber switches back to.
func AdoptCurrentAsContext() *Context {
	return &Context{
		resume:  make(chan struct{}),
		kill:    make(chan struct{}),
		adopted: true,
	}
}

// SwitchTo transfers control to target and blocks until something
// switches back to c. It returns true on a normal resume, or false if c
// was destroyed while parked. Callers whose context can be destroyed out
// from under them (pool fibers, at dispatcher shutdown) should treat false
// as "stop running" rather than continuing.
func (c *Context) SwitchTo(target *Context) bool {
	target.resume <- struct{}{}
	select {
	case <-c.resume:
		return true
	case <-c.kill:
		return false
	}
}

// Destroy releases the context. If its goroutine is parked, waiting for its
// first activation or waiting inside a SwitchTo call, Destroy wakes it so
// it can exit instead of leaking. Adopted contexts have no backing
// goroutine and Destroy is a no-op for them.
func (c *Context) Destroy() {
	if c.adopted {
		return
	}
	close(c.kill)
}
