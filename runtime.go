package evfiber

import "sync"

// Runtime is the "carry the world" context object (design note §9): every
// piece of mutable scheduling state — the fiber slot table, the free list,
// the call stack, the pending-run queue, the key-allocation bitmap — lives
// here rather than behind package-level globals.
type Runtime struct {
	mu sync.Mutex

	slots       []*Fiber
	generations []uint64
	freeList    []int32

	keyFreeMask uint64

	callStack    []*Fiber
	pendingQueue []FiberID
	pendingAsync Async

	loop   EventLoop
	config *Config
	logger *Logger

	root *Fiber
}

// NewRuntime constructs a Runtime bound to loop (spec.md §6 "fiber:
// init(loop)"), creating the root fiber that will run it. cfg may be nil,
// in which case DefaultConfig is used.
func NewRuntime(loop EventLoop, cfg *Config) (*Runtime, error) {
	if loop == nil {
		return nil, invalidf("NewRuntime", "loop is nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.fillDefaults()

	root := &Fiber{
		id:      FiberID{generation: 1, slot: 0},
		name:    "root",
		arena:   &Arena{},
		wake:    make(chan struct{}, 1),
		yielded: make(chan struct{}, 1),
	}

	rt := &Runtime{
		slots:       []*Fiber{root},
		generations: []uint64{1},
		loop:        loop,
		config:      cfg,
		logger:      cfg.Logger,
		root:        root,
	}
	root.rt = rt
	root.reclaimMu = NewMutex(rt)
	root.reclaimCond = NewCondVar(rt)
	rt.callStack = []*Fiber{root}

	rt.pendingAsync = loop.NewAsync()
	rt.pendingAsync.Start(rt.drainPending)

	return rt, nil
}

// Root returns the root fiber.
func (rt *Runtime) Root() *Fiber { return rt.root }

// Config returns the runtime's configuration.
func (rt *Runtime) Config() *Config { return rt.config }

// Logger returns the runtime's diagnostics logger.
func (rt *Runtime) Logger() *Logger { return rt.logger }

// Run drives the event loop; it returns once Break is called or the loop
// reports an unrecoverable error. Must be called while the root fiber is
// the running fiber, never from a spawned fiber; the calling goroutine
// need not be the one that called NewRuntime.
func (rt *Runtime) Run() error {
	return rt.loop.Run()
}

// Break stops a running loop.
func (rt *Runtime) Break() { rt.loop.Break() }

// Destroy reclaims every live fiber other than root and releases the
// pending-run queue's async watcher.
func (rt *Runtime) Destroy() {
	for _, id := range append([]FiberID(nil), rt.root.children...) {
		if f := rt.fiberBySlot(id); f != nil {
			_ = rt.Reclaim(f)
		}
	}
	rt.pendingAsync.Stop()
}
