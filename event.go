package evfiber

// Event is the closed sum type the wait multiplexer (component D) blocks
// on: a loop watcher, a mutex acquisition, a condvar wait, or (declared but
// unimplemented) an async-I/O reply. Each variant implements prepare/
// finish/cancel per spec.md §4.3, design note §9's "behavior table" over a
// dynamic-dispatch switch.
type Event interface {
	prepare(rt *Runtime, owner *Fiber) (arrived bool, err error)
	finish(rt *Runtime)
	cancel(rt *Runtime)
	hasArrived() bool
	setArrived(bool)
	ownerID() FiberID
}

type baseEvent struct {
	owner   FiberID
	arrived bool
}

func (b *baseEvent) hasArrived() bool    { return b.arrived }
func (b *baseEvent) setArrived(v bool)   { b.arrived = v }
func (b *baseEvent) ownerID() FiberID    { return b.owner }

// watcherEvent wraps an EventLoop Watcher (spec.md §4.3 "Watcher" variant).
type watcherEvent struct {
	baseEvent
	w Watcher
}

// NewWatcherEvent builds an Event from an already-started Watcher.
func NewWatcherEvent(w Watcher) Event {
	return &watcherEvent{w: w}
}

func (e *watcherEvent) prepare(rt *Runtime, owner *Fiber) (bool, error) {
	if !e.w.Active() {
		return false, invalidf("wait", "watcher is not active")
	}
	e.owner = owner.id
	e.w.Start(func(ctx any) {
		we := ctx.(*watcherEvent)
		we.setArrived(true)
		rt.enqueuePending(we.owner)
	}, e)
	return false, nil
}

func (e *watcherEvent) finish(rt *Runtime) {}
func (e *watcherEvent) cancel(rt *Runtime)  {}

// timerEvent wraps a one-shot Timer, used directly by WaitTimeout.
type timerEvent struct {
	baseEvent
	t Timer
}

func newTimerEvent(t Timer) *timerEvent {
	return &timerEvent{t: t}
}

func (e *timerEvent) prepare(rt *Runtime, owner *Fiber) (bool, error) {
	e.owner = owner.id
	e.t.Start(func() {
		e.setArrived(true)
		rt.enqueuePending(e.owner)
	})
	return false, nil
}

func (e *timerEvent) finish(rt *Runtime) { e.t.Stop() }
func (e *timerEvent) cancel(rt *Runtime) { e.t.Stop() }

// mutexEvent is the "acquire m" event (spec.md §4.3 "Mutex" variant).
type mutexEvent struct {
	baseEvent
	m          *Mutex
	destructor *destructorEntry
}

func (e *mutexEvent) prepare(rt *Runtime, owner *Fiber) (bool, error) {
	e.owner = owner.id
	if e.m.lockedBy.IsNull() {
		e.m.lockedBy = owner.id
		return true, nil
	}
	e.m.waiters = append(e.m.waiters, e)
	// If the queued fiber is reclaimed before Unlock ever reaches it, this
	// destructor dequeues it so ownership is never handed to a dead
	// identity (spec.md §4.3 step 1).
	e.destructor = owner.AddDestructor(func(*Fiber) { e.dequeue() })
	return false, nil
}

func (e *mutexEvent) dequeue() {
	for i, w := range e.m.waiters {
		if w == e {
			e.m.waiters = append(e.m.waiters[:i], e.m.waiters[i+1:]...)
			return
		}
	}
}

func (e *mutexEvent) finish(rt *Runtime) {
	e.disarm(rt)
}

func (e *mutexEvent) cancel(rt *Runtime) {
	if e.arrived {
		// Granted synchronously in prepare (the mutex was free), but the
		// overall multi-event Wait is being aborted because a later event's
		// prepare failed. Release it the same way Unlock() would so the
		// owner who never learns it holds the lock doesn't leave it stuck.
		e.m.Unlock()
	} else {
		e.dequeue()
	}
	e.disarm(rt)
}

func (e *mutexEvent) disarm(rt *Runtime) {
	if e.destructor == nil {
		return
	}
	rt.Self().RemoveDestructor(e.destructor, false)
	e.destructor = nil
}

// condEvent is the "wait on c, guarded by m" event (spec.md §4.3 "CondVar"
// variant).
type condEvent struct {
	baseEvent
	c          *CondVar
	m          *Mutex
	destructor *destructorEntry
}

func (e *condEvent) prepare(rt *Runtime, owner *Fiber) (bool, error) {
	if e.m.lockedBy != owner.id {
		return false, invalidf("wait", "condvar wait with unheld mutex")
	}
	e.owner = owner.id
	e.c.waiters = append(e.c.waiters, e)
	// Mirrors mutexEvent: a fiber reclaimed while parked on the condvar
	// must be dequeued, or a later Signal/Broadcast dispatches to a dead
	// identity (spec.md §4.3 step 1).
	e.destructor = owner.AddDestructor(func(*Fiber) { e.dequeue() })
	e.m.Unlock()
	return false, nil
}

func (e *condEvent) dequeue() {
	for i, w := range e.c.waiters {
		if w == e {
			e.c.waiters = append(e.c.waiters[:i], e.c.waiters[i+1:]...)
			return
		}
	}
}

func (e *condEvent) finish(rt *Runtime) {
	e.disarm(rt)
	// Re-acquire the mutex; may itself block (spec.md §4.3 "finish:
	// re-acquire the mutex").
	_ = e.m.Lock()
}

func (e *condEvent) cancel(rt *Runtime) {
	e.dequeue()
	e.disarm(rt)
}

func (e *condEvent) disarm(rt *Runtime) {
	if e.destructor == nil {
		return
	}
	rt.Self().RemoveDestructor(e.destructor, false)
	e.destructor = nil
}

// NewEIOEvent is the closed-but-unimplemented EIO variant (spec.md §3); the
// asynchronous disk-I/O worker it would represent is explicitly out of
// scope (SPEC_FULL.md §11), so this keeps the variant table total without
// pretending to supply it.
func NewEIOEvent() (Event, error) {
	return nil, invalidf("NewEIOEvent", "EIO events are not implemented")
}
