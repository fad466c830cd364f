//go:build linux

package sockpuppet

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller implements poller on Linux via epoll(7).
type epollPoller struct {
	epfd int
}

func newPlatformPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newError("epoll_create1", KindIO, err)
	}
	return &epollPoller{epfd: fd}, nil
}

func epollEvents(readable, writable bool) uint32 {
	var ev uint32
	if readable {
		ev |= unix.EPOLLIN
	}
	if writable {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) add(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollEvents(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return newError("epoll_ctl(add)", KindIO, err)
	}
	return nil
}

func (p *epollPoller) modify(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollEvents(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return newError("epoll_ctl(mod)", KindIO, err)
	}
	return nil
}

func (p *epollPoller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return newError("epoll_ctl(del)", KindIO, err)
	}
	return nil
}

func (p *epollPoller) wait(timeout time.Duration) ([]pollEvent, error) {
	events := make([]unix.EpollEvent, 128)
	ms := timeoutMillis(timeout)
	for {
		n, err := unix.EpollWait(p.epfd, events, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, newError("epoll_wait", KindIO, err)
		}
		out := make([]pollEvent, 0, n)
		for i := 0; i < n; i++ {
			e := events[i]
			out = append(out, pollEvent{
				fd:       int(e.Fd),
				readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
				writable: e.Events&unix.EPOLLOUT != 0,
				errored:  e.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
			})
		}
		return out, nil
	}
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
