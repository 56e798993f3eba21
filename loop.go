package evfiber

import "time"

// IOEvent names the readiness an I/O watcher waits for (spec.md §6).
type IOEvent int

const (
	EventRead IOEvent = 1 << iota
	EventWrite
)

// WatcherCallback is invoked by the event loop when a watcher fires. ctx is
// the opaque value the watcher was started or re-armed with (spec.md §4.3:
// "Set its callback to the wakeup shim and its user-data to the event").
type WatcherCallback func(ctx any)

// Watcher is a single file-descriptor readiness registration.
type Watcher interface {
	// Active reports whether the watcher is currently started.
	Active() bool
	// Start arms the watcher with the given callback and user data.
	Start(cb WatcherCallback, ctx any)
	// Stop disarms the watcher; safe to call when already stopped.
	Stop()
	// FD returns the watched file descriptor.
	FD() int
	// Events returns the readiness mask being watched.
	Events() IOEvent
}

// Timer is a one-shot or repeating deadline registration.
type Timer interface {
	// Start arms the timer with the given callback.
	Start(cb func())
	// Stop disarms the timer; safe to call when already stopped.
	Stop()
}

// Async is a watcher that can be signaled re-entrantly (from any goroutine,
// including ones that are not the fiber runtime's own) and whose callback
// runs on the next loop iteration. It is the primitive the scheduler uses to
// drive the pending-run queue (spec.md §4.2).
type Async interface {
	// Start arms the async watcher with the given callback.
	Start(cb func())
	// Stop disarms the async watcher.
	Stop()
	// Send requests the callback run on the next loop iteration.
	// Re-entrant and safe to call even if the watcher is not active.
	Send()
}

// EventLoop is the external reactor contract the runtime requires
// (spec.md §6). Only this interface is normative; the library implementing
// it is an external collaborator out of scope for this module. loop.go
// declares the contract; loop_epoll_linux.go supplies one concrete,
// ready-to-use implementation.
type EventLoop interface {
	// WatchFD creates (but does not start) a Watcher for fd's readiness.
	WatchFD(fd int, events IOEvent) Watcher

	// NewTimer creates (but does not start) a one-shot Timer firing after d.
	NewTimer(d time.Duration) Timer

	// NewRepeatingTimer creates a Timer that re-arms itself for interval d
	// after every firing, until Stop is called.
	NewRepeatingTimer(d time.Duration) Timer

	// NewAsync creates (but does not start) an Async wakeup.
	NewAsync() Async

	// Now returns the loop's cached monotonic timestamp.
	Now() time.Time

	// UpdateNow refreshes the cached timestamp returned by Now.
	UpdateNow()

	// Run blocks, dispatching watcher/timer/async callbacks, until Break
	// is called or an unrecoverable error occurs.
	Run() error

	// Break causes a blocked Run to return.
	Break()
}
