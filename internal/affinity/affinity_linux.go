//go:build linux

// Package affinity pins the calling OS thread to a logical CPU. It is the
// one piece of this module that is genuinely platform-specific.
package affinity

import "golang.org/x/sys/unix"

// Pin binds the calling OS thread to cpu. The caller must have already
// called runtime.LockOSThread, or the pin applies to whichever OS thread
// the goroutine happens to be running on at the moment, not necessarily
// the one it keeps running on.
func Pin(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
