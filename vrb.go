//go:build linux

package evfiber

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// VRB is a mirrored ring buffer: one physical region backed by a memfd,
// mapped twice into adjacent virtual addresses so any contiguous span up
// to capacity can be addressed without wraparound handling (spec.md §3,
// §4.8). Guard pages of one page each flank the two mirrors.
type VRB struct {
	fd       int
	pattern  string
	capacity int
	pageSize int

	base     uintptr // start of the PROT_NONE reservation
	total    int     // length of the reservation (2*capacity + 2*pageSize)
	dataOff  int     // read cursor, relative to the inner region start
	spaceOff int     // write cursor, relative to the inner region start
}

// NewVRB creates a mirrored ring buffer of at least capacity bytes,
// rounded up to a page multiple (spec.md §4.8 "init").
func NewVRB(capacity int, pattern string) (*VRB, error) {
	pageSize := unix.Getpagesize()
	capacity = roundUpPage(capacity, pageSize)

	fd, err := unix.MemfdCreate(pattern, 0)
	if err != nil {
		return nil, newError(BufferMmap, "NewVRB", "memfd_create failed", err)
	}
	if err := unix.Ftruncate(fd, int64(capacity)); err != nil {
		_ = unix.Close(fd)
		return nil, newError(BufferMmap, "NewVRB", "ftruncate failed", err)
	}

	total := 2*capacity + 2*pageSize
	base, err := mmapReserve(total)
	if err != nil {
		_ = unix.Close(fd)
		return nil, newError(BufferMmap, "NewVRB", "reservation mmap failed", err)
	}

	if err := mmapFixed(fd, base+uintptr(pageSize), capacity, 0); err != nil {
		_ = unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(base)), total))
		_ = unix.Close(fd)
		return nil, newError(BufferMmap, "NewVRB", "first mirror mmap failed", err)
	}
	if err := mmapFixed(fd, base+uintptr(pageSize)+uintptr(capacity), capacity, 0); err != nil {
		_ = unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(base)), total))
		_ = unix.Close(fd)
		return nil, newError(BufferMmap, "NewVRB", "second mirror mmap failed", err)
	}

	return &VRB{
		fd:       fd,
		pattern:  pattern,
		capacity: capacity,
		pageSize: pageSize,
		base:     base,
		total:    total,
	}, nil
}

func roundUpPage(n, pageSize int) int {
	if n <= 0 {
		n = pageSize
	}
	return (n + pageSize - 1) / pageSize * pageSize
}

// Destroy unmaps the whole reservation and closes the backing memfd.
func (v *VRB) Destroy() error {
	region := unsafe.Slice((*byte)(unsafe.Pointer(v.base)), v.total)
	err := unix.Munmap(region)
	_ = unix.Close(v.fd)
	if err != nil {
		return systemErr("Destroy", err)
	}
	return nil
}

func (v *VRB) innerBase() uintptr { return v.base + uintptr(v.pageSize) }

// DataLen is the number of unread bytes currently buffered.
func (v *VRB) DataLen() int { return v.spaceOff - v.dataOff }

// SpaceLen is the number of bytes available for a producer to write.
func (v *VRB) SpaceLen() int { return v.capacity - v.DataLen() }

// Capacity is the (page-rounded) buffer capacity.
func (v *VRB) Capacity() int { return v.capacity }

// DataPtr returns a slice over the unread bytes, valid until the next
// Take/Reset/Resize.
func (v *VRB) DataPtr() []byte {
	n := v.DataLen()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(v.innerBase()+uintptr(v.dataOff))), n)
}

// SpacePtr returns a slice over the writable region, valid until the next
// Give/Reset/Resize.
func (v *VRB) SpacePtr() []byte {
	n := v.SpaceLen()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(v.innerBase()+uintptr(v.spaceOff))), n)
}

// Give advances the write cursor by n bytes after a producer has written
// into SpacePtr().
func (v *VRB) Give(n int) error {
	if n < 0 || n > v.SpaceLen() {
		return invalidf("Give", "n=%d exceeds space_len=%d", n, v.SpaceLen())
	}
	v.spaceOff += n
	return nil
}

// Take advances the read cursor by n bytes; if the cursor crosses into the
// upper mirror, both cursors are shifted down by capacity, preserving
// relative positions without copying (spec.md §4.8).
func (v *VRB) Take(n int) error {
	if n < 0 || n > v.DataLen() {
		return invalidf("Take", "n=%d exceeds data_len=%d", n, v.DataLen())
	}
	v.dataOff += n
	if v.dataOff >= v.capacity {
		v.dataOff -= v.capacity
		v.spaceOff -= v.capacity
	}
	return nil
}

// Reset discards all buffered data without copying.
func (v *VRB) Reset() {
	v.dataOff = 0
	v.spaceOff = 0
}

// Resize replaces the buffer's backing mapping with one of newCapacity
// bytes, copying the live data across, and destroys the old mapping.
// Pointers returned by prior DataPtr/SpacePtr calls are invalidated.
func (v *VRB) Resize(newCapacity int) error {
	live := v.DataLen()
	if newCapacity < live {
		return invalidf("Resize", "new capacity %d smaller than live data %d", newCapacity, live)
	}
	nv, err := NewVRB(newCapacity, v.pattern)
	if err != nil {
		return err
	}
	if live > 0 {
		copy(nv.SpacePtr()[:live], v.DataPtr()[:live])
		if err := nv.Give(live); err != nil {
			_ = nv.Destroy()
			return err
		}
	}
	_ = v.Destroy()
	*v = *nv
	return nil
}
