//go:build linux

package evfiber

import (
	"golang.org/x/sys/unix"
)

// mmapReserve reserves a PROT_NONE virtual region of the given length at
// an address the kernel chooses, used as the guard-paged outer boundary
// the two file mirrors are then mapped into with MAP_FIXED (spec.md
// §4.8's "reserve a 2·capacity+2·page virtual region with PROT_NONE").
func mmapReserve(length int) (uintptr, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, uintptr(length),
		uintptr(unix.PROT_NONE), uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

// mmapFixed maps fd's contents at a fixed address within a reservation
// made by mmapReserve, overwriting the PROT_NONE guard mapping there.
func mmapFixed(fd int, addr uintptr, length int, offset int64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errno
	}
	return nil
}
