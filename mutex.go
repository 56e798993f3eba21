package evfiber

// Mutex is a fiber-blocking lock: `locked_by` plus a FIFO queue of waiting
// events (spec.md §3, §4.4). It protects against interleaving across
// yields, not against data races with other OS threads (spec.md §5).
type Mutex struct {
	rt       *Runtime
	lockedBy FiberID
	waiters  []*mutexEvent
}

// NewMutex creates an unlocked mutex bound to rt.
func NewMutex(rt *Runtime) *Mutex {
	return &Mutex{rt: rt}
}

// Lock blocks until the mutex is acquired by the calling fiber.
func (m *Mutex) Lock() error {
	return m.rt.WaitOne(&mutexEvent{m: m})
}

// TryLock acquires the mutex without blocking, returning false if already
// held.
func (m *Mutex) TryLock() bool {
	if !m.lockedBy.IsNull() {
		return false
	}
	m.lockedBy = m.rt.Self().id
	return true
}

// Unlock releases the mutex. If waiters are queued, ownership transfers to
// the FIFO head, which is marked arrived and scheduled via the pending-run
// queue; otherwise the mutex becomes unlocked.
func (m *Mutex) Unlock() {
	if len(m.waiters) == 0 {
		m.lockedBy = NullFiber
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.lockedBy = next.owner
	next.setArrived(true)
	m.rt.enqueuePending(next.owner)
}

// Guard locks m and returns an unlock function registered as a destructor
// on the calling fiber, so the lock is released even if the fiber is
// reclaimed mid-section (spec.md §7's recommended cure for the
// mutex-held-across-reclaim hazard).
func (m *Mutex) Guard() (func(), error) {
	if err := m.Lock(); err != nil {
		return nil, err
	}
	self := m.rt.Self()
	var d *destructorEntry
	unlock := func() {
		if d != nil {
			self.RemoveDestructor(d, false)
			d = nil
		}
		m.Unlock()
	}
	d = self.AddDestructor(func(*Fiber) { m.Unlock() })
	return unlock, nil
}
