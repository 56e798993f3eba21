package evfiber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockUncontended(t *testing.T) {
	rt := newTestRuntime(t)
	m := NewMutex(rt)
	assert.True(t, m.TryLock())
	assert.False(t, m.TryLock(), "a second trylock must fail while held")
}

// TestMutexFIFOOrdering is scenario 1 (spec.md §8): F1 acquires M via
// trylock, F2's trylock fails, F3 and F4 queue up on lock(), and when F1
// unlocks, ownership passes to F3 (the FIFO head) while F4 stays queued.
func TestMutexFIFOOrdering(t *testing.T) {
	rt := newTestRuntime(t)
	m := NewMutex(rt)

	var f2Failed bool
	var f3Locked, f4Locked bool
	var f3ID FiberID

	runScenario(t, rt, func(f *Fiber, _ any) {
		f1, _ := rt.Create("F1", func(*Fiber, any) {
			if !m.TryLock() {
				panic("F1 trylock should have succeeded")
			}
		}, nil, 0)
		_ = rt.transfer(f1)

		f2, _ := rt.Create("F2", func(*Fiber, any) {
			f2Failed = !m.TryLock()
		}, nil, 0)
		_ = rt.transfer(f2)

		f3, _ := rt.Create("F3", func(fb *Fiber, _ any) {
			_ = m.Lock()
			f3Locked = true
			f3ID = fb.ID()
		}, nil, 0)
		_ = rt.transfer(f3) // blocks, queues on m

		f4, _ := rt.Create("F4", func(fb *Fiber, _ any) {
			_ = m.Lock()
			f4Locked = true
		}, nil, 0)
		_ = rt.transfer(f4) // blocks, queues on m

		assert.False(t, f3Locked)
		assert.False(t, f4Locked)
		assert.Len(t, m.waiters, 2)

		m.Unlock() // F1's unlock: ownership transfers to F3 via the pending queue
		rt.Cooperate()

		assert.True(t, f3Locked)
		assert.False(t, f4Locked, "F4 must remain queued after one handoff")
		assert.Equal(t, f3ID, m.lockedBy)
		assert.Len(t, m.waiters, 1)

		rt.Break()
	})

	assert.True(t, f2Failed)
}

func TestGuardUnlocksOnReclaim(t *testing.T) {
	rt := newTestRuntime(t)
	m := NewMutex(rt)

	f, err := rt.Create("guarded", func(fb *Fiber, _ any) {
		_, gerr := m.Guard()
		if gerr != nil {
			panic(gerr)
		}
		// fiber exits without calling the returned unlock function; the
		// destructor registered by Guard must release the mutex anyway.
	}, nil, 0)
	require.NoError(t, err)

	require.NoError(t, rt.transfer(f))
	assert.True(t, m.lockedBy.IsNull(), "Guard's destructor must unlock on reclaim")
}

func TestGuardUnlockFuncDisarmsDestructor(t *testing.T) {
	rt := newTestRuntime(t)
	m := NewMutex(rt)

	f, err := rt.Create("guarded", func(fb *Fiber, _ any) {
		unlock, gerr := m.Guard()
		if gerr != nil {
			panic(gerr)
		}
		unlock()
		assert.Empty(t, fb.destructors)
	}, nil, 0)
	require.NoError(t, err)
	require.NoError(t, rt.transfer(f))
	assert.True(t, m.lockedBy.IsNull())
}
