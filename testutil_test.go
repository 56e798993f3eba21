package evfiber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestRuntime builds a Runtime over a real epoll reactor, for use with
// runScenario below.
func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	loop, err := NewEpollLoop()
	require.NoError(t, err)
	rt, err := NewRuntime(loop, nil)
	require.NoError(t, err)
	return rt
}

// runScenario creates a driver fiber running body, transfers into it, then
// services the reactor until body calls rt.Break(). It returns once the
// reactor stops; body must guarantee that happens (directly, or via
// cooperating with other fibers it spawns).
func runScenario(t *testing.T, rt *Runtime, body func(f *Fiber, arg any)) {
	t.Helper()
	driver, err := rt.Create("driver", body, nil, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.transfer(driver)
		_ = rt.Run()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scenario did not complete within timeout")
	}
}
