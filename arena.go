package evfiber

// Arena is a per-fiber scoped memory pool (spec.md §4.6). It is an
// optimization over plain allocation; nothing in the runtime's correctness
// depends on it, only on its chunks being drained at reclaim.
type Arena struct {
	chunks []*arenaChunk
}

type arenaChunk struct {
	buf     []byte
	destroy func([]byte)
}

// Alloc prepends a chunk of size bytes to the arena; destroy, if non-nil,
// runs when the chunk is freed (explicitly or at reclaim).
func (a *Arena) Alloc(size int, destroy func([]byte)) []byte {
	c := &arenaChunk{buf: make([]byte, size), destroy: destroy}
	a.chunks = append([]*arenaChunk{c}, a.chunks...)
	return c.buf
}

// Free removes the chunk backing ptr and invokes its destructor, if any.
func (a *Arena) Free(ptr []byte) {
	for i, c := range a.chunks {
		if sameBacking(c.buf, ptr) {
			a.chunks = append(a.chunks[:i], a.chunks[i+1:]...)
			if c.destroy != nil {
				c.destroy(c.buf)
			}
			return
		}
	}
}

func sameBacking(a, b []byte) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}

// drain frees every remaining chunk, most-recently-allocated first.
func (a *Arena) drain() {
	for _, c := range a.chunks {
		if c.destroy != nil {
			c.destroy(c.buf)
		}
	}
	a.chunks = nil
}
