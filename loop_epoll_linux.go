//go:build linux

package evfiber

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// epollLoop is the reference EventLoop implementation (spec.md §6). It is an
// external collaborator in the spec's own framing — only the EventLoop
// contract is normative — but a runtime needs something to run against, so
// this supplies one, grounded in the pack's gaio examples: a dedicated
// poller goroutine blocking in epoll_wait feeding a channel, and a single
// loop goroutine that drains a queue of pending operations plus the
// poller's results plus the timer heap (mirrors gaio/watcher.go's
// chPendingNotify/chEventNotify/timer trio). The watcher map and timer heap
// are shared under watchersMu/timersMu, since watcher and timer Start/Stop
// mutate them from the caller's goroutine (see epollWatcher).
type epollLoop struct {
	epfd int

	opsCh      chan func()
	pollCh     chan []unix.EpollEvent
	breakCh    chan struct{}
	timerNudge chan struct{}

	watchersMu sync.Mutex
	watchers   map[int]*epollWatcher

	timersMu sync.Mutex
	timers   timerHeap

	now   time.Time
	nowMu sync.Mutex

	group *errgroup.Group
}

// NewEpollLoop creates a reference EventLoop backed by Linux epoll.
func NewEpollLoop() (EventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, systemErr("NewEpollLoop", err)
	}
	l := &epollLoop{
		epfd:       epfd,
		opsCh:      make(chan func(), 256),
		pollCh:     make(chan []unix.EpollEvent, 4),
		breakCh:    make(chan struct{}),
		timerNudge: make(chan struct{}, 1),
		watchers:   make(map[int]*epollWatcher),
		now:        time.Now(),
	}
	return l, nil
}

// epollWatcher implements Watcher for one fd. Start/Stop touch epoll_ctl and
// the watchers map directly rather than round-tripping through opsCh: a
// fiber can call these either before Run has started or from a callback
// invoked synchronously by Run's own dispatch, and in both cases waiting on
// Run's loop to process a submitted op would deadlock. epoll_ctl is safe to
// call concurrently with a blocking epoll_wait on the same epoll fd, so the
// only shared state that needs a lock here is the watchers map itself.
type epollWatcher struct {
	loop   *epollLoop
	fd     int
	events IOEvent
	active bool
	cb     WatcherCallback
	ctx    any
}

func (w *epollWatcher) FD() int         { return w.fd }
func (w *epollWatcher) Events() IOEvent { return w.events }
func (w *epollWatcher) Active() bool    { return w.active }

func (w *epollWatcher) Start(cb WatcherCallback, ctx any) {
	w.loop.watchersMu.Lock()
	defer w.loop.watchersMu.Unlock()
	w.cb = cb
	w.ctx = ctx
	if w.active {
		return
	}
	var mask uint32
	if w.events&EventRead != 0 {
		mask |= unix.EPOLLIN
	}
	if w.events&EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(w.fd)}
	if err := unix.EpollCtl(w.loop.epfd, unix.EPOLL_CTL_ADD, w.fd, &ev); err != nil {
		return
	}
	w.active = true
	w.loop.watchers[w.fd] = w
}

func (w *epollWatcher) Stop() {
	w.loop.watchersMu.Lock()
	defer w.loop.watchersMu.Unlock()
	if !w.active {
		return
	}
	_ = unix.EpollCtl(w.loop.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
	w.active = false
	delete(w.loop.watchers, w.fd)
}

func (l *epollLoop) WatchFD(fd int, events IOEvent) Watcher {
	return &epollWatcher{loop: l, fd: fd, events: events}
}

// timerItem is one entry in the loop's timer min-heap, grounded on the
// gaio teacher-adjacent example's timedHeap (container/heap + an idx field
// for O(log n) removal).
type timerItem struct {
	deadline time.Time
	interval time.Duration // zero for one-shot
	cb       func()
	idx      int
	canceled bool
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].idx = i; h[j].idx = j }
func (h *timerHeap) Push(x any) {
	it := x.(*timerItem)
	it.idx = len(*h)
	*h = append(*h, it)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.idx = -1
	*h = old[:n-1]
	return it
}

type epollTimer struct {
	loop *epollLoop
	d    time.Duration
	item *timerItem
}

func (l *epollLoop) NewTimer(d time.Duration) Timer {
	return &epollTimer{loop: l, d: d}
}

func (l *epollLoop) NewRepeatingTimer(d time.Duration) Timer {
	return &epollTimer{loop: l, d: d, item: &timerItem{interval: d}}
}

// Start and Stop mutate the timer heap directly under timersMu, for the
// same reason epollWatcher's do: waiting on Run's own loop to process a
// submitted op deadlocks when the caller is running before Run starts, or
// synchronously underneath Run's own dispatch. A nudge on timerNudge (best
// effort, never blocking) tells Run to recompute its wakeup deadline.
func (t *epollTimer) Start(cb func()) {
	t.loop.timersMu.Lock()
	interval := time.Duration(0)
	if t.item != nil {
		interval = t.item.interval
	}
	t.item = &timerItem{deadline: t.loop.Now().Add(t.d), interval: interval, cb: cb}
	heap.Push(&t.loop.timers, t.item)
	t.loop.timersMu.Unlock()
	t.loop.nudgeTimers()
}

func (t *epollTimer) Stop() {
	if t.item == nil {
		return
	}
	t.loop.timersMu.Lock()
	if t.item.idx >= 0 && t.item.idx < t.loop.timers.Len() && t.loop.timers[t.item.idx] == t.item {
		heap.Remove(&t.loop.timers, t.item.idx)
	}
	t.item.canceled = true
	t.loop.timersMu.Unlock()
	t.loop.nudgeTimers()
}

func (l *epollLoop) nudgeTimers() {
	select {
	case l.timerNudge <- struct{}{}:
	default:
	}
}

// epollAsync implements Async by submitting its callback directly onto the
// loop's ops queue; repeated Send calls before the loop drains simply queue
// repeated (idempotent, from the scheduler's perspective) invocations.
type epollAsync struct {
	loop *epollLoop
	cb   func()
}

func (l *epollLoop) NewAsync() Async {
	return &epollAsync{loop: l}
}

func (a *epollAsync) Start(cb func()) { a.cb = cb }
func (a *epollAsync) Stop()           { a.cb = nil }
func (a *epollAsync) Send() {
	cb := a.cb
	if cb == nil {
		return
	}
	select {
	case a.loop.opsCh <- cb:
	default:
		go func() { a.loop.opsCh <- cb }()
	}
}

func (l *epollLoop) Now() time.Time {
	l.nowMu.Lock()
	defer l.nowMu.Unlock()
	return l.now
}

func (l *epollLoop) UpdateNow() {
	l.nowMu.Lock()
	l.now = time.Now()
	l.nowMu.Unlock()
}

func (l *epollLoop) Break() {
	close(l.breakCh)
}

// Run drives the reactor: one goroutine blocks in epoll_wait and feeds
// results back; this goroutine drains pending operations, poll results, and
// expired timers. If the poller fails, Run stops and returns its error.
func (l *epollLoop) Run() error {
	var wg errgroup.Group
	l.group = &wg

	pollerDone := make(chan struct{})
	wg.Go(func() error {
		defer close(pollerDone)
		buf := make([]unix.EpollEvent, 128)
		for {
			select {
			case <-l.breakCh:
				return nil
			default:
			}
			n, err := unix.EpollWait(l.epfd, buf, 250)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				return systemErr("epoll_wait", err)
			}
			if n == 0 {
				continue
			}
			batch := make([]unix.EpollEvent, n)
			copy(batch, buf[:n])
			select {
			case l.pollCh <- batch:
			case <-l.breakCh:
				return nil
			}
		}
	})

	timerC := time.NewTimer(time.Hour)
	if !timerC.Stop() {
		<-timerC.C
	}
	armed := false

loop:
	for {
		select {
		case op := <-l.opsCh:
			op()
			l.rearmTimer(timerC, &armed)

		case batch := <-l.pollCh:
			l.UpdateNow()
			l.dispatch(batch)

		case <-l.timerNudge:
			l.rearmTimer(timerC, &armed)

		case <-timerC.C:
			armed = false
			l.UpdateNow()
			l.fireExpiredTimers()
			l.rearmTimer(timerC, &armed)

		case <-l.breakCh:
			break loop

		case <-pollerDone:
			break loop
		}
	}

	<-pollerDone
	_ = unix.Close(l.epfd)
	return wg.Wait()
}

func (l *epollLoop) dispatch(batch []unix.EpollEvent) {
	for _, ev := range batch {
		fd := int(ev.Fd)
		l.watchersMu.Lock()
		w, ok := l.watchers[fd]
		l.watchersMu.Unlock()
		if !ok || !w.active {
			continue
		}
		if w.cb != nil {
			w.cb(w.ctx)
		}
	}
}

// fireExpiredTimers pops due timers under timersMu but invokes their
// callbacks after releasing it, since a callback may itself Start a new
// timer (reentering the lock).
func (l *epollLoop) fireExpiredTimers() {
	now := l.Now()
	var due []*timerItem

	l.timersMu.Lock()
	for l.timers.Len() > 0 {
		top := l.timers[0]
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&l.timers)
		if top.canceled {
			continue
		}
		due = append(due, top)
		if top.interval > 0 {
			top.deadline = now.Add(top.interval)
			heap.Push(&l.timers, top)
		}
	}
	l.timersMu.Unlock()

	for _, item := range due {
		if item.cb != nil {
			item.cb()
		}
	}
}

func (l *epollLoop) rearmTimer(timerC *time.Timer, armed *bool) {
	l.timersMu.Lock()
	empty := l.timers.Len() == 0
	var deadline time.Time
	if !empty {
		deadline = l.timers[0].deadline
	}
	l.timersMu.Unlock()

	if empty {
		return
	}
	if *armed {
		if !timerC.Stop() {
			select {
			case <-timerC.C:
			default:
			}
		}
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	timerC.Reset(d)
	*armed = true
}
