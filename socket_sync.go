//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package sockpuppet

import (
	"time"

	"golang.org/x/sys/unix"
)

// Network selects the socket family/protocol pairing a SyncSocket opens.
type Network int

const (
	NetworkTCP Network = iota
	NetworkUDP
)

// SyncSocket is a thin non-blocking fd wrapper: connect/bind/listen/
// accept/send/recv, built directly on golang.org/x/sys/unix rather than
// net.Conn so the reactor (Driver) can multiplex its fd directly. It owns
// the fd from the start rather than borrowing one from a net.Conn, since
// it is meant to be usable standalone as well as under a Driver.
type SyncSocket struct {
	fd      int
	network Network
	isV6    bool
}

// NewSyncSocket creates a non-blocking socket of the given network and
// address family (v6 selects AF_INET6).
func NewSyncSocket(network Network, v6 bool) (*SyncSocket, error) {
	ignoreSIGPIPE()

	family := unix.AF_INET
	if v6 {
		family = unix.AF_INET6
	}
	typ := unix.SOCK_STREAM
	if network == NetworkUDP {
		typ = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(family, typ, 0)
	if err != nil {
		return nil, newError("socket", KindIO, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, newError("socket", KindIO, err)
	}

	s := &SyncSocket{fd: fd, network: network, isV6: v6}
	if network == NetworkUDP {
		// Broadcast enabled for convenience of LAN use.
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}
	return s, nil
}

// newSyncSocketFromFD wraps an already-open, already-non-blocking fd
// (used by accept()).
func newSyncSocketFromFD(fd int, network Network, v6 bool) *SyncSocket {
	return &SyncSocket{fd: fd, network: network, isV6: v6}
}

// Fd returns the underlying OS file descriptor.
func (s *SyncSocket) Fd() int { return s.fd }

func sockaddr(a Address) unix.Sockaddr {
	if a.IsV6() {
		var sa unix.SockaddrInet6
		sa.Port = int(a.Port())
		if ip := a.toUDPAddr().IP; ip != nil {
			copy(sa.Addr[:], ip.To16())
		}
		return &sa
	}
	var sa unix.SockaddrInet4
	sa.Port = int(a.Port())
	if ip := a.toUDPAddr().IP; ip != nil {
		copy(sa.Addr[:], ip.To4())
	}
	return &sa
}

// Bind binds the socket to addr. A TCP server additionally sets
// SO_REUSEADDR before binding.
func (s *SyncSocket) Bind(addr Address) error {
	if s.network == NetworkTCP {
		unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if err := unix.Bind(s.fd, sockaddr(addr)); err != nil {
		return newError("bind("+addr.String()+")", KindIO, err)
	}
	return nil
}

// Listen marks a bound TCP socket as a listener.
func (s *SyncSocket) Listen() error {
	if err := unix.Listen(s.fd, unix.SOMAXCONN); err != nil {
		return newError("listen", KindIO, err)
	}
	return nil
}

// Connect connects (TCP) or associates a default peer (UDP) with addr.
// The connect is issued non-blocking; while it is in progress Connect
// waits up to timeout for the socket to become writable, and returns an
// IO error on timeout or when SO_ERROR reports a failed connection.
func (s *SyncSocket) Connect(addr Address, timeout time.Duration) error {
	err := unix.Connect(s.fd, sockaddr(addr))
	if err == nil || err == unix.EISCONN {
		return nil
	}
	if err != unix.EINPROGRESS {
		return newError("connect("+addr.String()+")", KindIO, err)
	}
	ok, werr := waitWritable(s.fd, timeout)
	if werr != nil {
		return werr
	}
	if !ok {
		return newError("connect("+addr.String()+")", KindIO, unix.ETIMEDOUT)
	}
	if soerr, gerr := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && soerr != 0 {
		return newError("connect("+addr.String()+")", KindIO, unix.Errno(soerr))
	}
	return nil
}

// Accept waits up to timeout for an incoming TCP connection. Returns
// (nil, Address{}, nil) on timeout.
func (s *SyncSocket) Accept(timeout time.Duration) (*SyncSocket, Address, error) {
	ok, err := waitReadable(s.fd, timeout)
	if err != nil {
		return nil, Address{}, err
	}
	if !ok {
		return nil, Address{}, nil
	}

	nfd, sa, err := unix.Accept(s.fd)
	if err != nil {
		return nil, Address{}, newError("accept", KindIO, err)
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return nil, Address{}, newError("accept", KindIO, err)
	}
	// Suppress SIGPIPE on this connection where the platform supports it.
	setNoSigPipe(nfd)

	addr, v6 := addressFromSockaddr(sa)
	return newSyncSocketFromFD(nfd, NetworkTCP, v6), addr, nil
}

// Receive reads into buf. For TCP: returns (0, false, ConnectionClosed)
// when the peer has closed cleanly; (n, false, nil) on data; (0, true,
// nil) on timeout. For UDP use ReceiveFrom instead.
func (s *SyncSocket) Receive(buf []byte, timeout time.Duration) (n int, timedOut bool, err error) {
	for {
		nr, rerr := unix.Read(s.fd, buf)
		if rerr == nil {
			if nr == 0 && s.network == NetworkTCP {
				return 0, false, newError("receive", KindConnectionClosed, nil)
			}
			return nr, false, nil
		}
		if rerr == unix.EAGAIN {
			ok, werr := waitReadable(s.fd, timeout)
			if werr != nil {
				return 0, false, werr
			}
			if !ok {
				return 0, true, nil
			}
			continue
		}
		if rerr == unix.EINTR {
			continue
		}
		return 0, false, newError("receive", KindIO, rerr)
	}
}

// ReceiveFrom reads one UDP datagram into buf, returning the sender.
func (s *SyncSocket) ReceiveFrom(buf []byte, timeout time.Duration) (n int, from Address, timedOut bool, err error) {
	for {
		nr, sa, rerr := unix.Recvfrom(s.fd, buf, 0)
		if rerr == nil {
			addr, _ := addressFromSockaddr(sa)
			return nr, addr, false, nil
		}
		if rerr == unix.EAGAIN {
			ok, werr := waitReadable(s.fd, timeout)
			if werr != nil {
				return 0, Address{}, false, werr
			}
			if !ok {
				return 0, Address{}, true, nil
			}
			continue
		}
		if rerr == unix.EINTR {
			continue
		}
		return 0, Address{}, false, newError("receive_from", KindIO, rerr)
	}
}

// tryReceiveOnce performs a single non-blocking read attempt, for use by
// the reactor-driven AsyncSocket where the fd is already known to be
// readable and a blocking wait would be wrong.
func (s *SyncSocket) tryReceiveOnce(buf []byte) (n int, wouldBlock bool, err error) {
	for {
		nr, rerr := unix.Read(s.fd, buf)
		if rerr == nil {
			if nr == 0 && s.network == NetworkTCP {
				return 0, false, newError("receive", KindConnectionClosed, nil)
			}
			return nr, false, nil
		}
		if rerr == unix.EAGAIN {
			return 0, true, nil
		}
		if rerr == unix.EINTR {
			continue
		}
		return 0, false, newError("receive", KindIO, rerr)
	}
}

// tryReceiveFromOnce is the datagram counterpart of tryReceiveOnce.
func (s *SyncSocket) tryReceiveFromOnce(buf []byte) (n int, from Address, wouldBlock bool, err error) {
	for {
		nr, sa, rerr := unix.Recvfrom(s.fd, buf, 0)
		if rerr == nil {
			addr, _ := addressFromSockaddr(sa)
			return nr, addr, false, nil
		}
		if rerr == unix.EAGAIN {
			return 0, Address{}, true, nil
		}
		if rerr == unix.EINTR {
			continue
		}
		return 0, Address{}, false, newError("receive_from", KindIO, rerr)
	}
}

// trySendOnce performs a single non-blocking write attempt of as much of
// buf as the socket will currently accept.
func (s *SyncSocket) trySendOnce(buf []byte) (n int, wouldBlock bool, err error) {
	for {
		nw, werr := unix.Write(s.fd, buf)
		if werr == nil {
			return nw, false, nil
		}
		if werr == unix.EPIPE {
			return 0, false, newError("send", KindConnectionClosed, werr)
		}
		if werr == unix.EAGAIN {
			return 0, true, nil
		}
		if werr == unix.EINTR {
			continue
		}
		return 0, false, newError("send", KindIO, werr)
	}
}

// trySendToOnce performs a single non-blocking full-datagram send
// attempt; UDP sends never partially complete.
func (s *SyncSocket) trySendToOnce(buf []byte, dst Address) (wouldBlock bool, err error) {
	werr := unix.Sendto(s.fd, buf, 0, sockaddr(dst))
	if werr == nil {
		return false, nil
	}
	if werr == unix.EAGAIN {
		return true, nil
	}
	return false, newError("send_to", KindIO, werr)
}

// Send writes buf to a connected socket. With a negative timeout it
// blocks until the entire buffer is written, returning len(buf) on
// success. With a non-negative timeout it waits writable, writes as much
// as possible without blocking, and loops with the remaining time budget;
// it may return a short count if the deadline expires mid-write.
func (s *SyncSocket) Send(buf []byte, timeout time.Duration) (int, error) {
	dl := deadlineFromTimeout(timeout)
	sent := 0
	for sent < len(buf) {
		nw, werr := unix.Write(s.fd, buf[sent:])
		if werr == nil {
			sent += nw
			continue
		}
		if werr == unix.EPIPE {
			return sent, newError("send", KindConnectionClosed, werr)
		}
		if werr == unix.EAGAIN {
			if !dl.TimeLeft() && dl.limited {
				return sent, nil
			}
			ok, werr2 := waitWritable(s.fd, dl.Remaining())
			if werr2 != nil {
				return sent, werr2
			}
			dl.Tick()
			if !ok {
				return sent, nil
			}
			continue
		}
		if werr == unix.EINTR {
			continue
		}
		return sent, newError("send", KindIO, werr)
	}
	return sent, nil
}

// SendTo transmits one UDP datagram in full; a partial send is reported
// as an IO error rather than silently truncating.
func (s *SyncSocket) SendTo(buf []byte, dst Address, timeout time.Duration) (int, error) {
	ok, err := waitWritable(s.fd, timeout)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if err := unix.Sendto(s.fd, buf, 0, sockaddr(dst)); err != nil {
		return 0, newError("send_to", KindIO, err)
	}
	return len(buf), nil
}

// LocalAddress returns the locally bound address.
func (s *SyncSocket) LocalAddress() (Address, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return Address{}, newError("getsockname", KindIO, err)
	}
	addr, _ := addressFromSockaddr(sa)
	return addr, nil
}

// PeerAddress returns the connected peer's address.
func (s *SyncSocket) PeerAddress() (Address, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return Address{}, newError("getpeername", KindIO, err)
	}
	addr, _ := addressFromSockaddr(sa)
	return addr, nil
}

// Close closes the underlying fd.
func (s *SyncSocket) Close() error {
	return unix.Close(s.fd)
}

// JoinMulticast joins the multicast group on the named interface.
func (s *SyncSocket) JoinMulticast(group Address, iface string) error {
	return s.multicastMembership(group, iface, true)
}

// LeaveMulticast leaves a previously joined multicast group.
func (s *SyncSocket) LeaveMulticast(group Address, iface string) error {
	return s.multicastMembership(group, iface, false)
}

// multicastMembership joins/leaves group, optionally pinned to iface. IPv6
// selects the interface by index (unix.IPv6Mreq.Interface); IPv4 multicast
// membership is interface-agnostic here (IP_ADD_MEMBERSHIP's Interface
// field selects by local address, not by name, and the common case of "use
// the default route's interface" needs no value at all) — passing a named
// iface on an IPv4 group is accepted for symmetry with the v6 path but has
// no effect beyond validating the interface exists.
func (s *SyncSocket) multicastMembership(group Address, iface string, join bool) error {
	var ifIndex uint32
	if iface != "" {
		ifi, err := netInterfaceByName(iface)
		if err != nil {
			return newError("multicast", KindIO, err)
		}
		ifIndex = uint32(ifi)
	}

	if group.IsV6() {
		mreq := &unix.IPv6Mreq{Interface: ifIndex}
		copy(mreq.Multiaddr[:], group.toUDPAddr().IP.To16())
		opt := unix.IPV6_JOIN_GROUP
		if !join {
			opt = unix.IPV6_LEAVE_GROUP
		}
		if err := unix.SetsockoptIPv6Mreq(s.fd, unix.IPPROTO_IPV6, opt, mreq); err != nil {
			return newError("multicast", KindIO, err)
		}
		return nil
	}

	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], group.toUDPAddr().IP.To4())
	opt := unix.IP_ADD_MEMBERSHIP
	if !join {
		opt = unix.IP_DROP_MEMBERSHIP
	}
	if err := unix.SetsockoptIPMreq(s.fd, unix.IPPROTO_IP, opt, mreq); err != nil {
		return newError("multicast", KindIO, err)
	}
	return nil
}
