package sockpuppet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// URI grammar parsing, including bracketed IPv6.
func TestAddressFromURI(t *testing.T) {
	a, err := NewAddressFromURI("tcp://127.0.0.1:8080")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", a.Host())
	require.EqualValues(t, 8080, a.Port())
	require.False(t, a.IsV6())

	a6, err := NewAddressFromURI("[::1]:9090")
	require.NoError(t, err)
	require.Equal(t, "::1", a6.Host())
	require.EqualValues(t, 9090, a6.Port())
	require.True(t, a6.IsV6())
	require.Equal(t, "[::1]:9090", a6.String())
}

func TestAddressFromURIWithPath(t *testing.T) {
	a, err := NewAddressFromURI("udp://10.0.0.1:53/resolve")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", a.Host())
	require.EqualValues(t, 53, a.Port())
}

func TestAddressFromURIEmpty(t *testing.T) {
	_, err := NewAddressFromURI("")
	require.ErrorIs(t, err, ErrAddressResolution)
}

func TestAddressEqualAndLess(t *testing.T) {
	a := Address{host: "10.0.0.1", port: 80}
	b := Address{host: "10.0.0.1", port: 80}
	c := Address{host: "10.0.0.2", port: 80}

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.True(t, a.Less(c))
	require.False(t, c.Less(a))
}

func TestAddressPortWildcard(t *testing.T) {
	a := NewAddressPort(4242)
	require.Equal(t, "", a.Host())
	require.EqualValues(t, 4242, a.Port())
}

func TestLocalAddresses(t *testing.T) {
	addrs, err := LocalAddresses()
	require.NoError(t, err)
	// loopback must always be present on a test host
	found := false
	for _, a := range addrs {
		if a.Host() == "127.0.0.1" || a.Host() == "::1" {
			found = true
		}
	}
	require.True(t, found)
}
