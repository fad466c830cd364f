//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package sockpuppet

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller implements poller on BSD-family kernels (incl. darwin) via
// kqueue(2).
type kqueuePoller struct {
	kq int
}

func newPlatformPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, newError("kqueue", KindIO, err)
	}
	return &kqueuePoller{kq: kq}, nil
}

func (p *kqueuePoller) add(fd int, readable, writable bool) error {
	return p.apply(fd, readable, writable, true, true)
}

func (p *kqueuePoller) modify(fd int, readable, writable bool) error {
	return p.apply(fd, readable, writable, true, true)
}

// apply reconciles the desired (readable, writable) interest set for fd by
// enabling/disabling the two kqueue filters independently.
func (p *kqueuePoller) apply(fd int, readable, writable bool, touchRead, touchWrite bool) error {
	var changes []unix.Kevent_t
	if touchRead {
		flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if !readable {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if touchWrite {
		flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if !writable {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	// ENOENT on a DELETE of an already-absent filter is expected/benign.
	if err != nil && err != unix.ENOENT {
		return newError("kevent(add/mod)", KindIO, err)
	}
	return nil
}

func (p *kqueuePoller) remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err != nil && err != unix.ENOENT {
		return newError("kevent(del)", KindIO, err)
	}
	return nil
}

func (p *kqueuePoller) wait(timeout time.Duration) ([]pollEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	events := make([]unix.Kevent_t, 128)
	for {
		n, err := unix.Kevent(p.kq, nil, events, ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, newError("kevent(wait)", KindIO, err)
		}
		byFD := make(map[int]*pollEvent, n)
		order := make([]int, 0, n)
		for i := 0; i < n; i++ {
			e := events[i]
			fd := int(e.Ident)
			pe, ok := byFD[fd]
			if !ok {
				pe = &pollEvent{fd: fd}
				byFD[fd] = pe
				order = append(order, fd)
			}
			switch e.Filter {
			case unix.EVFILT_READ:
				pe.readable = true
			case unix.EVFILT_WRITE:
				pe.writable = true
			}
			if e.Flags&unix.EV_EOF != 0 || e.Flags&unix.EV_ERROR != 0 {
				pe.errored = true
			}
		}
		out := make([]pollEvent, 0, len(order))
		for _, fd := range order {
			out = append(out, *byFD[fd])
		}
		return out, nil
	}
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}
