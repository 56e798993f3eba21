package evfiber

import "runtime"

// captureStack grabs a shallow call stack for backtrace diagnostics
// (SPEC_FULL.md §11 / EnableBacktraces), skipping this helper's own frame.
func captureStack() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	return pcs[:n]
}

// FiberID is an opaque (generation, slot) pair. Two IDs are equal only if
// both fields match; a reclaimed-and-reused slot gets a bumped generation,
// so a stale ID never aliases the fiber that replaced it.
type FiberID struct {
	generation uint64
	slot       int32
}

// NullFiber is the zero FiberID; it never compares equal to a live fiber
// since real generations start at 1.
var NullFiber = FiberID{}

// reclaimUnwind is the panic value yield() raises in a fiber that was
// reclaimed out from under it (by another fiber's Reclaim/Restart) while
// parked on f.wake, so its goroutine unwinds instead of resuming logic
// against state a destructor chain and arena have already torn down.
type reclaimUnwind struct{}

func (id FiberID) IsNull() bool { return id == NullFiber }

// Fiber is a cooperatively scheduled unit of execution. In this Go
// realization a fiber is one goroutine parked on a channel receive between
// transfers rather than a saved machine context on a private stack (see
// SPEC_FULL.md §1); the public shape is unchanged.
type Fiber struct {
	rt *Runtime

	id   FiberID
	name string

	entry     func(*Fiber, any)
	arg       any
	stackSize int

	parent   FiberID
	children []FiberID

	destructors      []*destructorEntry
	nextDestructorID uint64
	arena            *Arena

	keyValues [maxKeys]any

	noReclaim     int
	reclaimMu     *Mutex
	reclaimCond   *CondVar
	wantReclaim   bool
	reclaimed     bool // set by an external Reclaim before it wakes a parked goroutine

	userData any

	backtraces  bool
	createStack []uintptr
	reclaimStack []uintptr

	wake    chan struct{} // scheduler -> fiber: you have the baton
	yielded chan struct{} // fiber -> transferer: I yielded, your transfer() may return
}

// StackSize returns the stack-size hint recorded at creation.
func (f *Fiber) StackSize() int { return f.stackSize }

// ID returns the fiber's generation-tagged identity.
func (f *Fiber) ID() FiberID { return f.id }

// Name returns the fiber's (possibly truncated) name.
func (f *Fiber) Name() string { return f.name }

// SetName overwrites the fiber's name, truncating to 63 bytes.
func (f *Fiber) SetName(name string) { f.name = truncateName(name) }

// UserData returns the value last set by SetUserData, or nil.
func (f *Fiber) UserData() any { return f.userData }

// SetUserData attaches an opaque value to the fiber.
func (f *Fiber) SetUserData(v any) { f.userData = v }

// EnableBacktraces toggles capture of runtime.Callers at Reclaim, the
// idiomatic stand-in for the original's instrument.c hooks (SPEC_FULL.md
// §11). The flag starts false on every new fiber, so the Create-time
// capture in Create never runs; captured stacks are stored, not logged.
func (f *Fiber) EnableBacktraces(enable bool) { f.backtraces = enable }

func truncateName(name string) string {
	if len(name) > 63 {
		return name[:63]
	}
	return name
}

// Create spawns a new fiber as a child of the currently running fiber. If
// the free list holds a reclaimed slot it is reused (generation already
// bumped by the prior Reclaim); otherwise a new slot is allocated.
func (rt *Runtime) Create(name string, entry func(*Fiber, any), arg any, stackSize int) (*Fiber, error) {
	if entry == nil {
		return nil, invalidf("Create", "entry function is nil")
	}
	if stackSize <= 0 {
		stackSize = rt.config.DefaultStackSize
	}

	parent := rt.Self()

	rt.mu.Lock()
	var slot int32
	if n := len(rt.freeList); n > 0 {
		slot = rt.freeList[n-1]
		rt.freeList = rt.freeList[:n-1]
	} else {
		slot = int32(len(rt.slots))
		rt.slots = append(rt.slots, nil)
		rt.generations = append(rt.generations, 0)
	}
	if rt.generations[slot] == 0 {
		rt.generations[slot] = 1
	}
	gen := rt.generations[slot]

	f := &Fiber{
		rt:        rt,
		id:        FiberID{generation: gen, slot: slot},
		name:      truncateName(name),
		entry:     entry,
		arg:       arg,
		stackSize: stackSize,
		parent:    parent.id,
		arena:     &Arena{},
		wake:      make(chan struct{}, 1),
		yielded:   make(chan struct{}, 1),
	}
	f.reclaimMu = NewMutex(rt)
	f.reclaimCond = NewCondVar(rt)
	if f.backtraces {
		f.createStack = captureStack()
	}
	rt.slots[slot] = f
	rt.mu.Unlock()

	parent.children = append(parent.children, f.id)

	rt.logger.DebugCat(CatFiber, "created fiber %s (gen=%d slot=%d) parent=%s", f.name, gen, slot, parent.name)

	go rt.trampoline(f)

	return f, nil
}

// trampoline is the goroutine body backing every non-root fiber: block
// until transferred into, run the entry function, then self-reclaim.
//
// A fiber can also be torn down externally, via another fiber's
// Reclaim/Restart, while this goroutine is parked on f.wake (never yet
// transferred into, or blocked mid-yield inside any Wait). reclaim()
// signals that by setting f.reclaimed and waking the channel itself; this
// goroutine must then unwind without touching fiber state a second time,
// since the reclaimer already ran the destructors and drained the arena.
func (rt *Runtime) trampoline(f *Fiber) {
	<-f.wake
	if f.reclaimed {
		return
	}
	if !runEntry(f) {
		return
	}
	rt.reclaim(f, true)
	f.yielded <- struct{}{}
}

// runEntry runs f.entry, recovering a reclaimUnwind raised by yield() when
// f was reclaimed externally while parked mid-wait. Reports whether the
// entry actually ran to completion (false means the caller must not treat
// this as a normal return: the fiber is already torn down).
func runEntry(f *Fiber) (completed bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(reclaimUnwind); ok {
				completed = false
				return
			}
			panic(r)
		}
	}()
	f.entry(f, f.arg)
	return true
}

// Self returns the currently running fiber (the top of the scheduler's
// call stack).
func (rt *Runtime) Self() *Fiber {
	return rt.callStack[len(rt.callStack)-1]
}

// Parent returns f's parent fiber, or nil if f's parent is the root fiber
// (spec.md §4.1; see DESIGN.md for this literal reading of the rule).
func (f *Fiber) Parent() *Fiber {
	if f.parent == f.rt.root.id {
		return nil
	}
	return f.rt.fiberBySlot(f.parent)
}

// Disown moves f into newParent's child list (root's if newParent is nil).
func (f *Fiber) Disown(newParent *Fiber) {
	rt := f.rt
	if newParent == nil {
		newParent = rt.root
	}
	if old := rt.fiberBySlot(f.parent); old != nil {
		old.children = removeFiberID(old.children, f.id)
	}
	f.parent = newParent.id
	newParent.children = append(newParent.children, f.id)
}

func removeFiberID(ids []FiberID, target FiberID) []FiberID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Restart reclaims f and recreates it with the name/entry/arg/stack size
// recorded at its last Create.
func (rt *Runtime) Restart(f *Fiber) (*Fiber, error) {
	if !rt.validGeneration(f.id) {
		return nil, noFiberf("Restart", "stale fiber id")
	}
	name, entry, arg, stackSize := f.name, f.entry, f.arg, f.stackSize
	if err := rt.Reclaim(f); err != nil {
		return nil, err
	}
	return rt.Create(name, entry, arg, stackSize)
}

// Reclaim tears f down: reclaims children depth-first, runs destructors in
// reverse registration order, drains the arena, detaches from the parent,
// bumps the slot's generation, and returns the slot to the free list. If f
// is itself flagged no_reclaim, Reclaim blocks the calling fiber until the
// flag clears (SPEC_FULL.md §11; self-reclaim under no_reclaim panics).
func (rt *Runtime) Reclaim(f *Fiber) error {
	if !rt.validGeneration(f.id) {
		return noFiberf("Reclaim", "stale fiber id")
	}
	rt.reclaim(f, f.id == rt.Self().id)
	return nil
}

func (rt *Runtime) reclaim(f *Fiber, self bool) {
	if f.noReclaim > 0 {
		if self {
			panic("evfiber: self-reclaim while no_reclaim is set")
		}
		if err := f.reclaimMu.Lock(); err != nil {
			panic(err)
		}
		for f.noReclaim > 0 {
			if err := f.reclaimCond.Wait(f.reclaimMu); err != nil {
				panic(err)
			}
		}
		f.reclaimMu.Unlock()
	}

	for _, cid := range append([]FiberID(nil), f.children...) {
		if child := rt.fiberBySlot(cid); child != nil {
			rt.reclaim(child, false)
		}
	}

	if f.backtraces {
		f.reclaimStack = captureStack()
	}

	f.runDestructors()
	f.arena.drain()

	if parent := rt.fiberBySlot(f.parent); parent != nil {
		parent.children = removeFiberID(parent.children, f.id)
	}

	rt.mu.Lock()
	rt.generations[f.id.slot]++
	rt.slots[f.id.slot] = nil
	rt.freeList = append(rt.freeList, f.id.slot)
	rt.mu.Unlock()

	rt.logger.DebugCat(CatFiber, "reclaimed fiber %s (gen=%d slot=%d)", f.name, f.id.generation, f.id.slot)

	if !self {
		// f's own goroutine may still be parked on f.wake, either never yet
		// transferred into or blocked mid-yield inside a Wait. Wake it so it
		// can observe f.reclaimed and unwind; see trampoline/runEntry and
		// yield's reclaimUnwind panic.
		f.reclaimed = true
		f.wake <- struct{}{}
	}
}

// SetNoReclaim increments or decrements the fiber's no_reclaim refcount;
// when it drops to zero, any fiber blocked in Reclaim(f) is woken.
func (f *Fiber) SetNoReclaim(hold bool) {
	_ = f.reclaimMu.Lock()
	if hold {
		f.noReclaim++
	} else if f.noReclaim > 0 {
		f.noReclaim--
		if f.noReclaim == 0 {
			f.reclaimCond.Broadcast()
		}
	}
	f.reclaimMu.Unlock()
}

func (rt *Runtime) validGeneration(id FiberID) bool {
	if id.slot < 0 || int(id.slot) >= len(rt.generations) {
		return false
	}
	return rt.generations[id.slot] == id.generation
}

func (rt *Runtime) fiberBySlot(id FiberID) *Fiber {
	if !rt.validGeneration(id) {
		return nil
	}
	return rt.slots[id.slot]
}
