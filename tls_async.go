package sockpuppet

import (
	"container/list"
	"crypto/tls"
	"net"
	"sync"

	"github.com/xtaci/sockpuppet/tlsconfig"
)

// AsyncTLSSocket is the TLS-adapted async socket. Go's crypto/tls has no
// BIO-style non-blocking mode exposing WantRead/WantWrite; this adapter
// resolves that by running the handshake and the blocking tls.Conn read
// loop on a dedicated per-connection goroutine and marshalling every
// handler invocation onto the driver thread via Driver.Schedule, so
// handler code always runs on the driver thread the same way it does for
// a plain AsyncSocket. See DESIGN.md for the full rationale.
type AsyncTLSSocket struct {
	conn   *tls.Conn
	driver *Driver

	sendMu     sync.Mutex
	sendQueue  list.List // of *tlsSendEntry
	sendClosed bool
	sendWake   chan struct{}
	closeCh    chan struct{}

	onReceive    func([]byte)
	onDisconnect func(Address)

	peerAddr  Address
	closeOnce sync.Once
}

// tlsSendEntry is one queued write, drained strictly in submission order
// by writeLoop.
type tlsSendEntry struct {
	buf  []byte
	done chan error
}

func newAsyncTLSSocket(conn *tls.Conn, driver *Driver, peer Address, onDisconnect func(Address)) *AsyncTLSSocket {
	a := &AsyncTLSSocket{
		conn:         conn,
		driver:       driver,
		onDisconnect: onDisconnect,
		peerAddr:     peer,
		sendWake:     make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
	}
	go a.writeLoop()
	return a
}

// DialAsyncTLS connects to addr, performs the TLS client handshake, and
// starts the background read loop. The handshake completes before this
// call returns, so the first Send cannot race ahead of it.
func DialAsyncTLS(addr Address, cfg tlsconfig.Config, driver *Driver, onReceive func([]byte), onDisconnect func(Address)) (*AsyncTLSSocket, error) {
	if err := cfg.Validate(false); err != nil {
		return nil, newError("DialAsyncTLS", KindInvalidState, err)
	}

	raw, err := net.Dial("tcp", addr.String())
	if err != nil {
		return nil, newError("DialAsyncTLS", KindIO, err)
	}

	clientCfg := cfg.ClientConfig()
	conn := tls.Client(raw, clientCfg)
	if err := conn.Handshake(); err != nil {
		raw.Close()
		return nil, newError("DialAsyncTLS", KindTLS, err)
	}

	a := newAsyncTLSSocket(conn, driver, tcpAddrToAddress(raw.RemoteAddr()), onDisconnect)
	a.onReceive = onReceive
	go a.readLoop()
	return a, nil
}

// ListenAsyncTLS listens on addr and hands each accepted, handshaken
// connection to onConnect on the driver thread.
func ListenAsyncTLS(addr Address, cfg tlsconfig.Config, driver *Driver, onConnect func(*AsyncTLSSocket), onDisconnect func(Address)) (net.Listener, error) {
	if err := cfg.Validate(false); err != nil {
		return nil, newError("ListenAsyncTLS", KindInvalidState, err)
	}
	if cfg.TLS == nil {
		return nil, newError("ListenAsyncTLS", KindInvalidState, tlsconfig.ErrMissingConfig)
	}

	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		return nil, newError("ListenAsyncTLS", KindIO, err)
	}

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				conn := tls.Server(raw, cfg.TLS)
				if err := conn.Handshake(); err != nil {
					raw.Close()
					return
				}
				a := newAsyncTLSSocket(conn, driver, tcpAddrToAddress(raw.RemoteAddr()), onDisconnect)
				driver.Schedule(0, func() {
					if onConnect != nil {
						onConnect(a)
					}
				})
				go a.readLoop()
			}()
		}
	}()
	return ln, nil
}

func tcpAddrToAddress(a net.Addr) Address {
	ta, ok := a.(*net.TCPAddr)
	if !ok {
		return Address{}
	}
	return Address{host: ta.IP.String(), port: uint16(ta.Port), ipv6: ta.IP.To4() == nil}
}

// Send queues buf for the TLS connection's writer goroutine; completion
// (nil or an error) is delivered on the returned channel once the write
// finishes. Sends are appended to an ordered per-socket queue and drained
// strictly in submission order by writeLoop, never by a separate
// goroutine per call, so back-to-back Sends on one socket cannot
// complete out of order.
func (a *AsyncTLSSocket) Send(buf []byte) <-chan error {
	done := make(chan error, 1)

	a.sendMu.Lock()
	if a.sendClosed {
		a.sendMu.Unlock()
		done <- errDriverStopped
		return done
	}
	a.sendQueue.PushBack(&tlsSendEntry{buf: buf, done: done})
	a.sendMu.Unlock()

	select {
	case a.sendWake <- struct{}{}:
	default:
	}
	return done
}

// writeLoop is the sole writer of a.conn: it wakes whenever Send enqueues
// an entry and drains the queue front-to-back until empty, guaranteeing
// FIFO completion order.
func (a *AsyncTLSSocket) writeLoop() {
	for {
		select {
		case <-a.sendWake:
		case <-a.closeCh:
			return
		}
		for {
			a.sendMu.Lock()
			front := a.sendQueue.Front()
			if front == nil {
				a.sendMu.Unlock()
				break
			}
			entry := a.sendQueue.Remove(front).(*tlsSendEntry)
			a.sendMu.Unlock()

			_, err := a.conn.Write(entry.buf)
			entry.done <- err
		}
	}
}

func (a *AsyncTLSSocket) readLoop() {
	buf := make([]byte, defaultBufferSize)
	for {
		n, err := a.conn.Read(buf)
		if n > 0 && a.onReceive != nil {
			chunk := append([]byte(nil), buf[:n]...)
			a.driver.Schedule(0, func() { a.onReceive(chunk) })
		}
		if err != nil {
			a.driver.Schedule(0, func() {
				if a.onDisconnect != nil {
					a.onDisconnect(a.peerAddr)
				}
			})
			return
		}
	}
}

// Close shuts down the TLS session and the underlying connection, and
// stops the writer goroutine. Any Sends still queued at Close time
// receive errDriverStopped rather than being flushed.
func (a *AsyncTLSSocket) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.conn.Close()

		a.sendMu.Lock()
		a.sendClosed = true
		for front := a.sendQueue.Front(); front != nil; front = a.sendQueue.Front() {
			entry := a.sendQueue.Remove(front).(*tlsSendEntry)
			entry.done <- errDriverStopped
		}
		a.sendMu.Unlock()
		close(a.closeCh)
	})
	return err
}
