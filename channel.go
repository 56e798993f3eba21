package evfiber

// Channel is a VRB-based buffered producer/consumer channel: one VRB plus
// a write mutex, a read mutex, a "committed" condvar, and a "bytes-freed"
// condvar (spec.md §3, §4.9). At most one outstanding prepare and one
// outstanding read are allowed at any time; mixing raw VRB pointer access
// with this transactional API is undefined.
type Channel struct {
	rt  *Runtime
	vrb *VRB

	writeMu   *Mutex
	readMu    *Mutex
	committed *CondVar
	freed     *CondVar

	prepared int // size of the pending, uncommitted write
	waiting  int // size of the pending, unadvanced read

	writeGuard *destructorEntry // released write reservation on reclaim, see AllocPrepare
	readGuard  *destructorEntry // released read reservation on reclaim, see ReadAddress
}

// NewChannel creates a buffered channel backed by a VRB of the given
// capacity (spec.md §4.9 "init").
func (rt *Runtime) NewChannel(capacity int) (*Channel, error) {
	vrb, err := NewVRB(capacity, rt.config.BufferFilePattern)
	if err != nil {
		return nil, err
	}
	return &Channel{
		rt:        rt,
		vrb:       vrb,
		writeMu:   NewMutex(rt),
		readMu:    NewMutex(rt),
		committed: NewCondVar(rt),
		freed:     NewCondVar(rt),
	}, nil
}

// Destroy releases the channel's backing VRB.
func (c *Channel) Destroy() error { return c.vrb.Destroy() }

// AllocPrepare reserves size bytes for a write: it acquires the write
// mutex (waiting on "committed" if another prepare is already pending),
// then waits on "bytes-freed" until enough space opens up, and returns the
// writable region. Fails with Invalid if size exceeds capacity.
func (c *Channel) AllocPrepare(size int) ([]byte, error) {
	if size <= 0 || size > c.vrb.Capacity() {
		return nil, invalidf("AllocPrepare", "size %d outside 1..%d (capacity)", size, c.vrb.Capacity())
	}
	if err := c.writeMu.Lock(); err != nil {
		return nil, err
	}
	for c.prepared != 0 {
		if err := c.committed.Wait(c.writeMu); err != nil {
			c.writeMu.Unlock()
			return nil, err
		}
	}
	c.prepared = size
	self := c.rt.Self()
	// Guards the prepared-but-not-yet-committed reservation the same way
	// Mutex.Guard() guards a critical section: if this fiber is reclaimed
	// before AllocCommit/AllocAbort runs (whether parked right here in
	// freed.Wait, which has already released writeMu, or holding writeMu
	// after this call returns), release the reservation and the mutex
	// instead of leaving the channel stuck waiting for a commit that will
	// never come.
	c.writeGuard = self.AddDestructor(func(*Fiber) {
		c.prepared = 0
		if c.writeMu.lockedBy == self.id {
			c.writeMu.Unlock()
		}
	})
	for c.vrb.SpaceLen() < size {
		if err := c.freed.Wait(c.writeMu); err != nil {
			self.RemoveDestructor(c.writeGuard, false)
			c.writeGuard = nil
			c.prepared = 0
			c.writeMu.Unlock()
			return nil, err
		}
	}
	return c.vrb.SpacePtr()[:size], nil
}

// AllocCommit finalizes a prepared write, making it visible to readers.
func (c *Channel) AllocCommit() error {
	if err := c.vrb.Give(c.prepared); err != nil {
		return err
	}
	c.prepared = 0
	c.disarmWriteGuard()
	c.committed.Signal()
	c.writeMu.Unlock()
	return nil
}

// AllocAbort discards a prepared write without publishing any bytes.
func (c *Channel) AllocAbort() {
	c.prepared = 0
	c.disarmWriteGuard()
	c.committed.Signal()
	c.writeMu.Unlock()
}

func (c *Channel) disarmWriteGuard() {
	if c.writeGuard == nil {
		return
	}
	c.rt.Self().RemoveDestructor(c.writeGuard, false)
	c.writeGuard = nil
}

// ReadAddress waits until at least size bytes are buffered and returns
// the readable region, acquiring the read mutex (held until ReadAdvance or
// ReadDiscard).
func (c *Channel) ReadAddress(size int) ([]byte, error) {
	if size <= 0 || size > c.vrb.Capacity() {
		return nil, invalidf("ReadAddress", "size %d outside 1..%d (capacity)", size, c.vrb.Capacity())
	}
	if err := c.readMu.Lock(); err != nil {
		return nil, err
	}
	for c.vrb.DataLen() < size {
		if err := c.committed.Wait(c.readMu); err != nil {
			c.readMu.Unlock()
			return nil, err
		}
	}
	c.waiting = size
	self := c.rt.Self()
	// Guards the read-but-not-yet-advanced reservation: if this fiber is
	// reclaimed before ReadAdvance/ReadDiscard runs, release readMu instead
	// of leaving it locked forever (mirrors AllocPrepare's writeGuard).
	c.readGuard = self.AddDestructor(func(*Fiber) {
		c.waiting = 0
		if c.readMu.lockedBy == self.id {
			c.readMu.Unlock()
		}
	})
	return c.vrb.DataPtr()[:size], nil
}

// ReadAdvance consumes the bytes returned by the last ReadAddress call,
// signaling "bytes-freed" to unblock any waiting writer.
func (c *Channel) ReadAdvance() error {
	if err := c.vrb.Take(c.waiting); err != nil {
		return err
	}
	c.waiting = 0
	c.disarmReadGuard()
	c.freed.Signal()
	c.readMu.Unlock()
	return nil
}

// ReadDiscard releases the read mutex without consuming the bytes
// returned by the last ReadAddress call.
func (c *Channel) ReadDiscard() {
	c.waiting = 0
	c.disarmReadGuard()
	c.readMu.Unlock()
}

func (c *Channel) disarmReadGuard() {
	if c.readGuard == nil {
		return
	}
	c.rt.Self().RemoveDestructor(c.readGuard, false)
	c.readGuard = nil
}

// Bytes returns the number of bytes currently buffered and committed.
func (c *Channel) Bytes() int { return c.vrb.DataLen() }

// FreeBytes returns the number of bytes currently available to a writer.
func (c *Channel) FreeBytes() int { return c.vrb.SpaceLen() }

// Resize grows or shrinks the channel's backing VRB in place.
func (c *Channel) Resize(newCapacity int) error { return c.vrb.Resize(newCapacity) }

// Reset discards all buffered, uncommitted, and unadvanced state.
func (c *Channel) Reset() {
	c.vrb.Reset()
	c.prepared = 0
	c.waiting = 0
}
