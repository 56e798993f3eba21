package evfiber

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalWakesFIFOHead(t *testing.T) {
	rt := newTestRuntime(t)
	m := NewMutex(rt)
	c := NewCondVar(rt)

	var order []string

	runScenario(t, rt, func(f *Fiber, _ any) {
		waiterA, _ := rt.Create("A", func(_ *Fiber, _ any) {
			_ = m.Lock()
			_ = c.Wait(m)
			order = append(order, "A")
			m.Unlock()
		}, nil, 0)
		waiterB, _ := rt.Create("B", func(_ *Fiber, _ any) {
			_ = m.Lock()
			_ = c.Wait(m)
			order = append(order, "B")
			m.Unlock()
		}, nil, 0)

		_ = rt.transfer(waiterA) // locks m, waits on c (releases m), blocks
		_ = rt.transfer(waiterB) // locks m (now free), waits on c (releases m), blocks

		c.Signal()
		rt.Cooperate()
		c.Signal()
		rt.Cooperate()

		rt.Break()
	})

	assert.Equal(t, []string{"A", "B"}, order)
}

// TestBroadcastWakesEveryWaiter is scenario 2 (spec.md §8): 100 fibers lock
// a mutex, wait on a condvar, increment a shared counter, and unlock; two
// broadcasts (guarding against a fiber arriving between them) bring the
// counter to 100.
func TestBroadcastWakesEveryWaiter(t *testing.T) {
	rt := newTestRuntime(t)
	m := NewMutex(rt)
	c := NewCondVar(rt)
	const n = 100
	counter := 0

	runScenario(t, rt, func(f *Fiber, _ any) {
		for i := 0; i < n; i++ {
			w, _ := rt.Create("waiter", func(_ *Fiber, _ any) {
				_ = m.Lock()
				_ = c.Wait(m)
				counter++
				m.Unlock()
			}, nil, 0)
			_ = rt.transfer(w)
		}

		c.Broadcast()
		c.Broadcast()
		for counter < n {
			rt.Cooperate()
		}

		rt.Break()
	})

	assert.Equal(t, n, counter)
}

func TestCondVarWaitRequiresHeldMutex(t *testing.T) {
	rt := newTestRuntime(t)
	m := NewMutex(rt)
	c := NewCondVar(rt)

	var gotErr error
	runScenario(t, rt, func(f *Fiber, _ any) {
		w, _ := rt.Create("w", func(_ *Fiber, _ any) {
			gotErr = c.Wait(m)
		}, nil, 0)
		_ = rt.transfer(w)
		rt.Break()
	})

	assert.ErrorIs(t, gotErr, ErrInvalid)
}
