package sockpuppet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBufferedSocketTCPRoundTrip(t *testing.T) {
	listener, err := NewSyncSocket(NetworkTCP, false)
	require.NoError(t, err)
	defer listener.Close()
	require.NoError(t, listener.Bind(NewAddressPort(0)))
	require.NoError(t, listener.Listen())
	addr := mustLocalAddr(t, listener)

	clientSock, err := NewSyncSocket(NetworkTCP, false)
	require.NoError(t, err)
	require.NoError(t, clientSock.Connect(addr, time.Second))
	client := NewBufferedSocket(clientSock, 2, 256)
	defer client.Close()

	serverSock, _, err := listener.Accept(time.Second)
	require.NoError(t, err)
	server := NewBufferedSocket(serverSock, 2, 256)
	defer server.Close()

	_, err = client.Send([]byte("hello buffered"), time.Second)
	require.NoError(t, err)

	buf, err := server.Receive(time.Second)
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.Equal(t, "hello buffered", string(buf.Bytes()))
	buf.Put()
}

func TestBufferedSocketReceiveTimeoutReturnsNil(t *testing.T) {
	listener, err := NewSyncSocket(NetworkTCP, false)
	require.NoError(t, err)
	defer listener.Close()
	require.NoError(t, listener.Bind(NewAddressPort(0)))
	require.NoError(t, listener.Listen())
	addr := mustLocalAddr(t, listener)

	clientSock, err := NewSyncSocket(NetworkTCP, false)
	require.NoError(t, err)
	require.NoError(t, clientSock.Connect(addr, time.Second))
	defer clientSock.Close()

	serverSock, _, err := listener.Accept(time.Second)
	require.NoError(t, err)
	server := NewBufferedSocket(serverSock, 1, 64)
	defer server.Close()

	buf, err := server.Receive(20 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, buf)
	// the pool buffer borrowed for the timed-out attempt must have been
	// returned, not leaked.
	require.Equal(t, 0, server.pool.Outstanding())
}
