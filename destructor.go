package evfiber

// destructorFn is a scoped cleanup hook (spec.md §4.6).
type destructorFn func(f *Fiber)

type destructorEntry struct {
	id uint64
	fn destructorFn
}

// AddDestructor appends a destructor to f's chain, returning a handle that
// RemoveDestructor can later use to cancel it.
func (f *Fiber) AddDestructor(fn destructorFn) *destructorEntry {
	f.nextDestructorID++
	d := &destructorEntry{id: f.nextDestructorID, fn: fn}
	f.destructors = append(f.destructors, d)
	return d
}

// RemoveDestructor removes d from f's chain. If call is true, d's function
// runs immediately; otherwise it is simply discarded (spec.md §4.7 step 5:
// "unregister the destructor (no call)").
func (f *Fiber) RemoveDestructor(d *destructorEntry, call bool) {
	for i, e := range f.destructors {
		if e == d {
			f.destructors = append(f.destructors[:i], f.destructors[i+1:]...)
			break
		}
	}
	if call {
		d.fn(f)
	}
}

// runDestructors fires every remaining destructor in reverse registration
// order (LIFO), matching spec.md §4.3's cancellation description rather
// than §4.6's looser "registration order" phrasing — see DESIGN.md.
func (f *Fiber) runDestructors() {
	for i := len(f.destructors) - 1; i >= 0; i-- {
		f.destructors[i].fn(f)
	}
	f.destructors = nil
}
