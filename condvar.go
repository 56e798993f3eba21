package evfiber

// CondVar is a FIFO queue of waiting events; it does not own the mutex it
// is used alongside (spec.md §3, §4.5).
type CondVar struct {
	rt      *Runtime
	waiters []*condEvent
}

// NewCondVar creates a condition variable bound to rt.
func NewCondVar(rt *Runtime) *CondVar {
	return &CondVar{rt: rt}
}

// Wait requires m held by the calling fiber; it appends to the queue,
// releases m, blocks, and re-acquires m before returning. Spurious
// wakeups don't occur by construction, but broadcast may wake waiters
// whose predicate still doesn't hold, so callers should still loop
// (spec.md §4.5).
func (c *CondVar) Wait(m *Mutex) error {
	return c.rt.WaitOne(&condEvent{c: c, m: m})
}

// Signal wakes the FIFO head, if any.
func (c *CondVar) Signal() {
	if len(c.waiters) == 0 {
		return
	}
	next := c.waiters[0]
	c.waiters = c.waiters[1:]
	next.setArrived(true)
	c.rt.enqueuePending(next.owner)
}

// Broadcast wakes every waiter, splicing the whole queue into the
// pending-run queue in FIFO order, in one step.
func (c *CondVar) Broadcast() {
	waiters := c.waiters
	c.waiters = nil
	for _, w := range waiters {
		w.setArrived(true)
		c.rt.enqueuePending(w.owner)
	}
}
