package sockpuppet

import (
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Address is an opaque handle over one endpoint (host and port). It
// supports ordering, equality, hashing (via String) and rendering to
// host:port / [host]:port form.
//
// Resolution goes through Go's net.Resolver rather than reimplementing
// getaddrinfo: the service is resolved with net.LookupPort when the
// Address is built, and a host name with net.LookupIP when the socket
// layer converts the Address to a socket address.
type Address struct {
	host string
	port uint16
	ipv6 bool
}

var (
	reScheme = regexp.MustCompile(`^(\w+)://(.*)$`)
	rePort   = regexp.MustCompile(`^(\[[^\]]+\]|[^:]*|.*:.*:[^:]*)(?::(\d+))?$`)
)

// NewAddressFromURI parses the grammar
// [scheme://] host [':' port] ['/' path], with [v6]:port bracket form for
// port-suffixed IPv6. Scheme and path are recognised and discarded (the
// scheme may stand in for a service name when no numeric port is present).
func NewAddressFromURI(uri string) (Address, error) {
	if uri == "" {
		return Address{}, newError("NewAddressFromURI", KindAddressResolution, nil)
	}

	service := ""
	rest := uri
	if m := reScheme.FindStringSubmatch(uri); m != nil {
		service = m[1]
		rest = m[2]
	}
	// trim a trailing /path
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}

	m := rePort.FindStringSubmatch(rest)
	if m == nil {
		return Address{}, newError("NewAddressFromURI", KindAddressResolution, nil)
	}
	host := m[1]
	isV6 := strings.HasPrefix(host, "[")
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	if m[2] != "" {
		service = m[2]
	}

	return resolveHostService(host, service, isV6)
}

// NewAddress builds an Address from an explicit host and service (port
// number or well-known service name looked up via the OS resolver).
func NewAddress(host, service string) (Address, error) {
	return resolveHostService(host, service, strings.Contains(host, ":"))
}

// NewAddressPort builds a wildcard-host Address bound to the given port,
// for use as a listen/bind address.
func NewAddressPort(port uint16) Address {
	return Address{host: "", port: port}
}

func resolveHostService(host, service string, isV6 bool) (Address, error) {
	port, err := resolveService(service)
	if err != nil {
		return Address{}, err
	}
	return Address{host: host, port: port, ipv6: isV6 || strings.Contains(host, ":")}, nil
}

func resolveService(service string) (uint16, error) {
	if service == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(service, 10, 16); err == nil {
		return uint16(n), nil
	}
	port, err := net.LookupPort("tcp", service)
	if err != nil {
		return 0, newError("resolveService", KindAddressResolution, err)
	}
	return uint16(port), nil
}

// Host returns the textual host part, empty for a wildcard address.
func (a Address) Host() string { return a.host }

// Port returns the numeric port.
func (a Address) Port() uint16 { return a.port }

// IsV6 reports whether the address is an IPv6 literal.
func (a Address) IsV6() bool { return a.ipv6 }

// String renders host:port, or [host]:port for IPv6.
func (a Address) String() string {
	if a.ipv6 && a.host != "" {
		return "[" + a.host + "]:" + strconv.Itoa(int(a.port))
	}
	return net.JoinHostPort(a.host, strconv.Itoa(int(a.port)))
}

// Equal reports value equality of host+port+family.
func (a Address) Equal(b Address) bool {
	return a.host == b.host && a.port == b.port && a.ipv6 == b.ipv6
}

// Less gives a total order over Address values, suitable for use as a map
// key surrogate or in sorted containers.
func (a Address) Less(b Address) bool {
	if a.host != b.host {
		return a.host < b.host
	}
	return a.port < b.port
}

// LocalAddresses enumerates the host's local interface addresses, e.g.
// for picking an outbound multicast interface.
func LocalAddresses() ([]Address, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, newError("LocalAddresses", KindIO, err)
	}
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		out = append(out, Address{host: ipNet.IP.String(), ipv6: ipNet.IP.To4() == nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// toTCPAddr is an internal helper turning an Address into the
// net.Addr shape needed by the raw-fd socket layer.
func (a Address) toTCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(a.host), Port: int(a.port)}
}

func (a Address) toUDPAddr() *net.UDPAddr {
	ip := net.ParseIP(a.host)
	if ip == nil && a.host != "" {
		// a host name: use the first resolved IP of the Address's family
		if ips, err := net.LookupIP(a.host); err == nil {
			for _, cand := range ips {
				if (cand.To4() == nil) == a.ipv6 {
					ip = cand
					break
				}
			}
		}
	}
	return &net.UDPAddr{IP: ip, Port: int(a.port)}
}
