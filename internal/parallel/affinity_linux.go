//go:build linux

package parallel

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinThread binds the calling goroutine's OS thread to one core. The
// goroutine stays locked to that thread for the life of the pool so
// the affinity holds.
func pinThread(core int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
