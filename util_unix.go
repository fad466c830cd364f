//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package sockpuppet

import (
	"net"

	"golang.org/x/sys/unix"
)

// addressFromSockaddr converts a unix.Sockaddr (as returned by accept(2),
// getsockname(2), recvfrom(2)...) into an Address.
func addressFromSockaddr(sa unix.Sockaddr) (Address, bool) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(v.Addr[:])
		return Address{host: ip.String(), port: uint16(v.Port)}, false
	case *unix.SockaddrInet6:
		ip := net.IP(v.Addr[:])
		return Address{host: ip.String(), port: uint16(v.Port), ipv6: true}, true
	default:
		return Address{}, false
	}
}

func netInterfaceByName(name string) (int, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}
