package sockpuppet

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/sockpuppet/tlsconfig"
)

func mustSelfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool.AddCert(leaf)

	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool}
}

// TestAsyncTLSSocketEcho verifies a TLS client/server pair completes its
// handshake and echoes data, with the receive handlers dispatched on the
// driver thread.
func TestAsyncTLSSocketEcho(t *testing.T) {
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	serverTLS := mustSelfSignedTLSConfig(t)

	ln, err := ListenAsyncTLS(NewAddressPort(0), tlsconfig.Config{Enabled: true, TLS: serverTLS}, driver,
		func(conn *AsyncTLSSocket) {
			conn.onReceive = func(data []byte) {
				echo := append([]byte(nil), data...)
				conn.Send(echo)
			}
		}, nil)
	require.NoError(t, err)
	defer ln.Close()

	listenPort := uint16(ln.Addr().(*net.TCPAddr).Port)

	clientTLS := serverTLS.Clone()
	clientTLS.Certificates = nil

	received := make(chan []byte, 1)
	client, err := DialAsyncTLS(NewAddressPort(listenPort), tlsconfig.Config{Enabled: true, TLS: clientTLS, ServerName: "127.0.0.1"}, driver,
		func(data []byte) { received <- append([]byte(nil), data...) }, nil)
	require.NoError(t, err)
	defer client.Close()

	go driver.Run()
	defer driver.Stop()

	done := client.Send([]byte("hello"))
	select {
	case err := <-done:
		require.NoError(t, err)
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

// TestAsyncTLSSocketSendFIFO verifies multiple queued Sends on one TLS
// socket complete, and are observed by the peer, in submission order —
// the TLS analogue of TestAsyncSocketSendFIFO.
func TestAsyncTLSSocketSendFIFO(t *testing.T) {
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	serverTLS := mustSelfSignedTLSConfig(t)

	received := make(chan []byte, 8)
	ln, err := ListenAsyncTLS(NewAddressPort(0), tlsconfig.Config{Enabled: true, TLS: serverTLS}, driver,
		func(conn *AsyncTLSSocket) {
			conn.onReceive = func(data []byte) {
				received <- append([]byte(nil), data...)
			}
		}, nil)
	require.NoError(t, err)
	defer ln.Close()

	listenPort := uint16(ln.Addr().(*net.TCPAddr).Port)

	clientTLS := serverTLS.Clone()
	clientTLS.Certificates = nil

	client, err := DialAsyncTLS(NewAddressPort(listenPort), tlsconfig.Config{Enabled: true, TLS: clientTLS, ServerName: "127.0.0.1"}, driver, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	go driver.Run()
	defer driver.Stop()

	var dones []<-chan error
	payloads := [][]byte{[]byte("one-"), []byte("two-"), []byte("three")}
	for _, p := range payloads {
		dones = append(dones, client.Send(p))
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
