package evfiber

import (
	"time"

	"golang.org/x/sys/unix"
)

// waitFD arms a one-off watcher for fd's readiness, waits on it, then tears
// it down — the retry-loop-plus-wait_one structure of spec.md §4.7 steps
// 1-2-3 and 5, shared by every blocking call below.
func (rt *Runtime) waitFD(fd int, events IOEvent) error {
	self := rt.Self()
	w := rt.loop.WatchFD(fd, events)
	w.Start(func(any) {}, nil)
	d := self.AddDestructor(func(*Fiber) { w.Stop() })
	err := rt.WaitOne(NewWatcherEvent(w))
	self.RemoveDestructor(d, false)
	w.Stop()
	return err
}

// FDNonblock puts fd into non-blocking mode, required before any other
// I/O shim call on it.
func (rt *Runtime) FDNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return systemErr("FDNonblock", err)
	}
	return nil
}

func isRetryable(err error) bool {
	return err == unix.EINTR
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// Read performs one read(2), yielding on the I/O shim's watcher while fd is
// not yet readable and absorbing interrupt errors in a retry loop.
func (rt *Runtime) Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == nil {
			return n, nil
		}
		if isRetryable(err) {
			continue
		}
		if isWouldBlock(err) {
			if werr := rt.waitFD(fd, EventRead); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, systemErr("Read", err)
	}
}

// ReadAll iterates Read until len(buf) bytes are transferred or
// end-of-stream.
func (rt *Runtime) ReadAll(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := rt.Read(fd, buf[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// ReadLine reads a byte at a time until newline (inclusive), buffer-full
// (reserving the final byte, the original's null-terminator slot), or
// end-of-stream (spec.md §4.7, §9 open question, scenario 4).
func (rt *Runtime) ReadLine(fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, invalidf("ReadLine", "zero-length buffer")
	}
	max := len(buf) - 1
	one := make([]byte, 1)
	i := 0
	for i < max {
		n, err := rt.Read(fd, one)
		if err != nil {
			return i, err
		}
		if n == 0 {
			break
		}
		buf[i] = one[0]
		i++
		if one[0] == '\n' {
			break
		}
	}
	return i, nil
}

// Write performs one write(2), retrying / waiting exactly like Read.
func (rt *Runtime) Write(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err == nil {
			return n, nil
		}
		if isRetryable(err) {
			continue
		}
		if isWouldBlock(err) {
			if werr := rt.waitFD(fd, EventWrite); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, systemErr("Write", err)
	}
}

// WriteAll iterates Write until all of buf is transferred.
func (rt *Runtime) WriteAll(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := rt.Write(fd, buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Recv wraps recv(2) (via recvfrom with a nil peer).
func (rt *Runtime) Recv(fd int, buf []byte, flags int) (int, error) {
	for {
		n, _, err := unix.Recvfrom(fd, buf, flags)
		if err == nil {
			return n, nil
		}
		if isRetryable(err) {
			continue
		}
		if isWouldBlock(err) {
			if werr := rt.waitFD(fd, EventRead); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, systemErr("Recv", err)
	}
}

// RecvFrom wraps recvfrom(2), also returning the peer address.
func (rt *Runtime) RecvFrom(fd int, buf []byte, flags int) (int, unix.Sockaddr, error) {
	for {
		n, from, err := unix.Recvfrom(fd, buf, flags)
		if err == nil {
			return n, from, nil
		}
		if isRetryable(err) {
			continue
		}
		if isWouldBlock(err) {
			if werr := rt.waitFD(fd, EventRead); werr != nil {
				return 0, nil, werr
			}
			continue
		}
		return 0, nil, systemErr("RecvFrom", err)
	}
}

// Send wraps send(2) on an already-connected socket.
func (rt *Runtime) Send(fd int, buf []byte, flags int) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, buf, nil, nil, flags)
		if err == nil {
			return n, nil
		}
		if isRetryable(err) {
			continue
		}
		if isWouldBlock(err) {
			if werr := rt.waitFD(fd, EventWrite); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, systemErr("Send", err)
	}
}

// SendTo wraps sendto(2) to an explicit peer address.
func (rt *Runtime) SendTo(fd int, buf []byte, flags int, to unix.Sockaddr) (int, error) {
	for {
		err := unix.Sendto(fd, buf, flags, to)
		if err == nil {
			return len(buf), nil
		}
		if isRetryable(err) {
			continue
		}
		if isWouldBlock(err) {
			if werr := rt.waitFD(fd, EventWrite); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, systemErr("SendTo", err)
	}
}

// Accept wraps accept(2), waiting for read-readiness when none is pending.
func (rt *Runtime) Accept(fd int) (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := unix.Accept(fd)
		if err == nil {
			return nfd, sa, nil
		}
		if isRetryable(err) {
			continue
		}
		if isWouldBlock(err) {
			if werr := rt.waitFD(fd, EventRead); werr != nil {
				return 0, nil, werr
			}
			continue
		}
		return 0, nil, systemErr("Accept", err)
	}
}

// Connect issues connect(2); if it reports in-progress, waits for
// write-readiness and checks SO_ERROR (spec.md §4.7).
func (rt *Runtime) Connect(fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return systemErr("Connect", err)
	}
	if werr := rt.waitFD(fd, EventWrite); werr != nil {
		return werr
	}
	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return systemErr("Connect", gerr)
	}
	if errno != 0 {
		return systemErr("Connect", unix.Errno(errno))
	}
	return nil
}

// Sleep arms a one-shot timer and blocks the calling fiber, returning the
// non-negative remaining deadline (zero on overrun), per spec.md §4.7.
func (rt *Runtime) Sleep(d time.Duration) (time.Duration, error) {
	start := rt.loop.Now()
	timer := rt.loop.NewTimer(d)
	if _, err := rt.Wait(newTimerEvent(timer)); err != nil {
		return 0, err
	}
	remaining := d - rt.loop.Now().Sub(start)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
