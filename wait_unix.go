//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package sockpuppet

import (
	"time"

	"golang.org/x/sys/unix"
)

// waitReadable blocks up to timeout (negative = forever, zero = poll) for
// fd to become readable. Returns true if the event arrived, false on
// timeout. Implemented with poll(2) via golang.org/x/sys/unix rather than
// the bare syscall package.
func waitReadable(fd int, timeout time.Duration) (bool, error) {
	return waitFD(fd, unix.POLLIN, timeout)
}

// waitWritable blocks up to timeout for fd to become writable.
func waitWritable(fd int, timeout time.Duration) (bool, error) {
	return waitFD(fd, unix.POLLOUT, timeout)
}

func waitFD(fd int, events int16, timeout time.Duration) (bool, error) {
	ms := timeoutMillis(timeout)
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, newError("wait", KindIO, err)
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return true, nil
		}
		return fds[0].Revents&events != 0, nil
	}
}

// timeoutMillis converts a Go duration to the millisecond argument poll(2)
// expects: negative means "forever" (-1), zero or positive is clamped to
// at least 0.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return int(ms)
}
