package sockpuppet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustLocalAddr(t *testing.T, s *SyncSocket) Address {
	t.Helper()
	a, err := s.LocalAddress()
	require.NoError(t, err)
	return a
}

// TCP echo round trip entirely through the reactor — accept, receive,
// send, all dispatched off Driver.Run.
func TestAsyncSocketTCPEcho(t *testing.T) {
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	listener, err := NewSyncSocket(NetworkTCP, false)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(NewAddressPort(0)))
	listenAddr := mustLocalAddr(t, listener)

	_, err = NewAsyncTCPServer(listener, driver, func(conn *SyncSocket, _ Address) {
		var srv *AsyncSocket
		srv, _ = NewAsyncTCPClient(conn, driver, 0, func(data []byte) {
			echo := append([]byte(nil), data...)
			_, _ = srv.Send(echo)
		}, nil)
	})
	require.NoError(t, err)

	client, err := NewSyncSocket(NetworkTCP, false)
	require.NoError(t, err)
	require.NoError(t, client.Connect(listenAddr, time.Second))

	received := make(chan []byte, 1)
	asyncClient, err := NewAsyncTCPClient(client, driver, 0, func(data []byte) {
		received <- append([]byte(nil), data...)
	}, nil)
	require.NoError(t, err)

	go driver.Run()
	defer driver.Stop()

	sendDone, err := asyncClient.Send([]byte("hello"))
	require.NoError(t, err)

	select {
	case sendErr := <-sendDone:
		require.NoError(t, sendErr)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
	}

	select {
	case data := <-received:
		require.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received")
	}
}

// UDP datagrams round-trip through the reactor as whole messages, never
// partially delivered.
func TestAsyncSocketUDPEcho(t *testing.T) {
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	serverSock, err := NewSyncSocket(NetworkUDP, false)
	require.NoError(t, err)
	require.NoError(t, serverSock.Bind(NewAddressPort(0)))
	serverAddr := mustLocalAddr(t, serverSock)

	var serverAsync *AsyncSocket
	serverAsync, err = NewAsyncUDP(serverSock, driver, 0, func(data []byte, from Address) {
		echo := append([]byte(nil), data...)
		_, _ = serverAsync.SendTo(echo, from)
	})
	require.NoError(t, err)

	clientSock, err := NewSyncSocket(NetworkUDP, false)
	require.NoError(t, err)
	require.NoError(t, clientSock.Bind(NewAddressPort(0)))

	received := make(chan []byte, 1)
	clientAsync, err := NewAsyncUDP(clientSock, driver, 0, func(data []byte, _ Address) {
		received <- append([]byte(nil), data...)
	})
	require.NoError(t, err)

	go driver.Run()
	defer driver.Stop()

	sendDone, err := clientAsync.SendTo([]byte("ping"), serverAddr)
	require.NoError(t, err)

	select {
	case sendErr := <-sendDone:
		require.NoError(t, sendErr)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
	}

	select {
	case data := <-received:
		require.Equal(t, "ping", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received")
	}
}

// Multiple queued Sends on one stream socket complete, and are observed
// by the peer, in submission order.
func TestAsyncSocketSendFIFO(t *testing.T) {
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	listener, err := NewSyncSocket(NetworkTCP, false)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(NewAddressPort(0)))
	listenAddr := mustLocalAddr(t, listener)

	received := make(chan []byte, 8)
	_, err = NewAsyncTCPServer(listener, driver, func(conn *SyncSocket, _ Address) {
		_, _ = NewAsyncTCPClient(conn, driver, 0, func(data []byte) {
			received <- append([]byte(nil), data...)
		}, nil)
	})
	require.NoError(t, err)

	client, err := NewSyncSocket(NetworkTCP, false)
	require.NoError(t, err)
	require.NoError(t, client.Connect(listenAddr, time.Second))
	asyncClient, err := NewAsyncTCPClient(client, driver, 0, nil, nil)
	require.NoError(t, err)

	go driver.Run()
	defer driver.Stop()

	var dones []<-chan error
	payloads := [][]byte{[]byte("one-"), []byte("two-"), []byte("three")}
	for _, p := range payloads {
		d, err := asyncClient.Send(p)
		require.NoError(t, err)
		dones = append(dones, d)
	}
	for _, d := range dones {
		select {
		case err := <-d:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("send did not complete")
		}
	}

	var got []byte
	deadline := time.After(2 * time.Second)
	for len(got) < len("one-two-three") {
		select {
		case chunk := <-received:
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("timed out assembling stream, got %q so far", got)
		}
	}
	require.Equal(t, "one-two-three", string(got))
}
