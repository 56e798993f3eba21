package evfiber

import "time"

// Wait blocks the calling fiber on a set of events until at least one
// arrives, then finishes/cancels each in turn and returns the count of
// events that arrived (spec.md §4.3).
func (rt *Runtime) Wait(events ...Event) (int, error) {
	self := rt.Self()

	prepared := make([]Event, 0, len(events))
	for _, e := range events {
		arrived, err := e.prepare(rt, self)
		if err != nil {
			for _, p := range prepared {
				p.cancel(rt)
			}
			return 0, err
		}
		if arrived {
			e.setArrived(true)
		}
		prepared = append(prepared, e)
	}

	for !anyArrived(prepared) {
		rt.yield()
	}

	count := 0
	for _, e := range prepared {
		if e.hasArrived() {
			e.finish(rt)
			count++
		} else {
			e.cancel(rt)
		}
	}
	return count, nil
}

func anyArrived(events []Event) bool {
	for _, e := range events {
		if e.hasArrived() {
			return true
		}
	}
	return false
}

// WaitOne waits on a single event.
func (rt *Runtime) WaitOne(e Event) error {
	_, err := rt.Wait(e)
	return err
}

// WaitTimeout waits on events plus an implicit timer, returning the count
// of non-timer events that arrived (spec.md §4.3 "wait_to").
func (rt *Runtime) WaitTimeout(timeout time.Duration, events ...Event) (int, error) {
	timer := rt.loop.NewTimer(timeout)
	te := newTimerEvent(timer)

	all := append(append([]Event(nil), events...), te)
	count, err := rt.Wait(all...)
	if err != nil {
		return 0, err
	}
	if te.hasArrived() {
		count--
	}
	return count, nil
}
