package evfiber

// defaultCallStackDepth is the scheduler's fixed upper bound on nested transfers
// (spec.md §3, §5).
const defaultCallStackDepth = 16

// transfer hands control to target and blocks the calling fiber's goroutine
// until target yields back. Fails with NoFiber if target is stale.
func (rt *Runtime) transfer(target *Fiber) error {
	if !rt.validGeneration(target.id) {
		rt.logger.WarnCat(CatSched, "transfer to stale fiber id, skipped")
		return noFiberf("transfer", "stale fiber id")
	}
	if len(rt.callStack) >= rt.config.CallStackDepth {
		panic("evfiber: scheduler call stack depth exceeded")
	}

	rt.callStack = append(rt.callStack, target)
	target.wake <- struct{}{}
	<-target.yielded
	rt.callStack = rt.callStack[:len(rt.callStack)-1]
	return nil
}

// yield pops the current fiber and returns control to its transferer.
// Yielding from the root fiber is forbidden.
func (rt *Runtime) yield() {
	if len(rt.callStack) <= 1 {
		panic("evfiber: yield from the root fiber")
	}
	self := rt.Self()
	self.yielded <- struct{}{}
	<-self.wake
	if self.reclaimed {
		// Woken by an external Reclaim/Restart rather than a real transfer:
		// the destructor chain and arena are already torn down, so unwind
		// instead of resuming fiber logic against dead state.
		panic(reclaimUnwind{})
	}
}

// Yield is the public entry point for yield() (spec.md §6 public surface).
func (rt *Runtime) Yield() { rt.yield() }

// Cooperate relinquishes the CPU voluntarily without a deadline: the
// caller is appended to the pending-run queue and resumes on some future
// loop iteration.
func (rt *Runtime) Cooperate() {
	rt.enqueuePending(rt.Self().id)
	rt.yield()
}

// enqueuePending appends id to the FIFO pending-run queue and arms the
// async watcher if the queue was empty (spec.md §4.2).
func (rt *Runtime) enqueuePending(id FiberID) {
	wasEmpty := len(rt.pendingQueue) == 0
	rt.pendingQueue = append(rt.pendingQueue, id)
	if wasEmpty {
		rt.pendingAsync.Send()
	}
}

// drainPending is the pending-run queue's async callback: it pops and
// transfers to exactly one fiber per invocation, self-rearming only while
// entries remain (the REDESIGN FLAG fix — spec.md §9 — so the async
// watcher stops itself once the queue drains instead of busy-rearming).
func (rt *Runtime) drainPending() {
	if len(rt.pendingQueue) == 0 {
		return
	}
	id := rt.pendingQueue[0]
	rt.pendingQueue = rt.pendingQueue[1:]

	if f := rt.fiberBySlot(id); f != nil {
		if err := rt.transfer(f); err != nil {
			rt.logger.WarnCat(CatSched, "pending-run queue: %v", err)
		}
	} else {
		rt.logger.WarnCat(CatSched, "pending-run queue: stale fiber id skipped")
	}

	if len(rt.pendingQueue) > rt.config.PendingQueueWarnThreshold {
		rt.logger.WarnCat(CatSched, "pending-run queue depth %d exceeds warn threshold %d", len(rt.pendingQueue), rt.config.PendingQueueWarnThreshold)
	}

	if len(rt.pendingQueue) > 0 {
		rt.pendingAsync.Send()
	}
}
