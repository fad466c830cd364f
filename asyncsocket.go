package sockpuppet

import (
	"container/list"
	"sync"
)

// socketRole distinguishes the three async socket shapes: a connected
// stream client, a datagram (UDP) endpoint, or a listening acceptor.
type socketRole int

const (
	roleStreamClient socketRole = iota
	roleDatagram
	roleAcceptor
)

// streamSendEntry is one queued stream write; a partially-sent buffer
// retains its unsent suffix and stays at queue head until fully flushed.
type streamSendEntry struct {
	buf  []byte
	sent int
	done chan error
}

// dgramSendEntry is one queued datagram write.
type dgramSendEntry struct {
	buf  []byte
	dst  Address
	done chan error
}

// AsyncSocket is the reactor-driven socket state machine: an owned
// SyncSocket, a send queue (exactly one of the stream/datagram shapes is
// active for the socket's lifetime), and a fixed handler bundle.
//
// Only the send side needs a durable per-fd queue: receives are one-shot
// per readable event, dispatched straight to the handler, while a send
// that would block must retain its unsent suffix until the fd reports
// writable again.
type AsyncSocket struct {
	sock   *SyncSocket
	driver *Driver
	role   socketRole

	mu          sync.Mutex
	streamQueue list.List // of *streamSendEntry
	dgramQueue  list.List // of *dgramSendEntry

	scratch []byte // receive scratch buffer

	onReceive     func([]byte)
	onReceiveFrom func([]byte, Address)
	onConnect     func(*SyncSocket, Address)
	onDisconnect  func(Address)

	peerAddr Address
}

// NewAsyncTCPClient attaches a connected TCP SyncSocket to driver. The
// peer address is captured eagerly so onDisconnect can report it even
// after the fd is gone.
func NewAsyncTCPClient(sock *SyncSocket, driver *Driver, rxBufSize int, onReceive func([]byte), onDisconnect func(Address)) (*AsyncSocket, error) {
	a := &AsyncSocket{
		sock:         sock,
		role:         roleStreamClient,
		scratch:      make([]byte, rxBufSizeOrDefault(rxBufSize)),
		onReceive:    onReceive,
		onDisconnect: onDisconnect,
	}
	if peer, err := sock.PeerAddress(); err == nil {
		a.peerAddr = peer
	}
	if err := driver.Attach(a); err != nil {
		return nil, err
	}
	return a, nil
}

// NewAsyncUDP attaches a bound UDP SyncSocket to driver.
func NewAsyncUDP(sock *SyncSocket, driver *Driver, rxBufSize int, onReceiveFrom func([]byte, Address)) (*AsyncSocket, error) {
	a := &AsyncSocket{
		sock:          sock,
		role:          roleDatagram,
		scratch:       make([]byte, rxBufSizeOrDefault(rxBufSize)),
		onReceiveFrom: onReceiveFrom,
	}
	if err := driver.Attach(a); err != nil {
		return nil, err
	}
	return a, nil
}

// NewAsyncTCPServer puts sock into listening state and attaches it as an
// acceptor: onConnect fires with each accepted SyncSocket and its peer
// address.
func NewAsyncTCPServer(sock *SyncSocket, driver *Driver, onConnect func(*SyncSocket, Address)) (*AsyncSocket, error) {
	if err := sock.Listen(); err != nil {
		return nil, err
	}
	a := &AsyncSocket{sock: sock, role: roleAcceptor, onConnect: onConnect}
	if err := driver.Attach(a); err != nil {
		return nil, err
	}
	return a, nil
}

func rxBufSizeOrDefault(n int) int {
	if n <= 0 {
		return defaultBufferSize
	}
	return n
}

func (a *AsyncSocket) fd() int { return a.sock.fd }

// Close detaches the socket from its driver and closes the fd. Callers
// typically do this from within (or shortly after) the disconnect
// handler.
func (a *AsyncSocket) Close() error {
	if a.driver != nil {
		a.driver.Detach(a)
	}
	return a.sock.Close()
}

// Send enqueues buf for a stream client (TCP) and returns a channel that
// receives the completion error (nil on success), delivered in
// submission order relative to other Sends on the same socket: buffers
// are appended to an ordered per-socket queue and drained strictly in
// order by drainStream, never by a separate goroutine per call.
func (a *AsyncSocket) Send(buf []byte) (<-chan error, error) {
	if a.role != roleStreamClient {
		return nil, errUnsupportedCap
	}
	if len(buf) == 0 {
		return nil, errEmptyBuffer
	}

	done := make(chan error, 1)
	a.mu.Lock()
	wasEmpty := a.streamQueue.Len() == 0
	a.streamQueue.PushBack(&streamSendEntry{buf: buf, done: done})
	a.mu.Unlock()

	if wasEmpty {
		a.driver.wantSend(a.fd())
	}
	return done, nil
}

// SendTo enqueues a UDP datagram destined for dst.
func (a *AsyncSocket) SendTo(buf []byte, dst Address) (<-chan error, error) {
	if a.role != roleDatagram {
		return nil, errUnsupportedCap
	}
	if len(buf) == 0 {
		return nil, errEmptyBuffer
	}

	done := make(chan error, 1)
	a.mu.Lock()
	wasEmpty := a.dgramQueue.Len() == 0
	a.dgramQueue.PushBack(&dgramSendEntry{buf: buf, dst: dst, done: done})
	a.mu.Unlock()

	if wasEmpty {
		a.driver.wantSend(a.fd())
	}
	return done, nil
}

// onReadable is invoked by the driver when the fd is reported readable.
func (a *AsyncSocket) onReadable() {
	switch a.role {
	case roleAcceptor:
		a.acceptOne()
	case roleStreamClient:
		a.receiveStream()
	case roleDatagram:
		a.receiveDatagram()
	}
}

func (a *AsyncSocket) acceptOne() {
	client, addr, err := a.sock.Accept(0)
	if err != nil {
		a.onError()
		return
	}
	if client == nil {
		return // spurious wakeup; no connection actually pending
	}
	if a.onConnect != nil {
		a.onConnect(client, addr)
	}
}

func (a *AsyncSocket) receiveStream() {
	n, wouldBlock, err := a.sock.tryReceiveOnce(a.scratch)
	if err != nil {
		a.onError()
		return
	}
	if wouldBlock {
		return
	}
	// n==0 is legal (TLS handshake progress, swallowed by this base
	// socket type trivially since plain reads never return 0 without
	// ConnectionClosed); only non-empty reads are delivered.
	if n > 0 && a.onReceive != nil {
		a.onReceive(a.scratch[:n])
	}
}

func (a *AsyncSocket) receiveDatagram() {
	n, from, wouldBlock, err := a.sock.tryReceiveFromOnce(a.scratch)
	if err != nil {
		// UDP receive errors are transient and silently discarded.
		return
	}
	if wouldBlock {
		return
	}
	if a.onReceiveFrom != nil {
		a.onReceiveFrom(a.scratch[:n], from)
	}
}

// onWritable is invoked by the driver when the fd is reported writable.
// Returns true iff the send queue is now empty, signalling the driver to
// clear the writable subscription.
func (a *AsyncSocket) onWritable() bool {
	switch a.role {
	case roleStreamClient:
		return a.drainStream()
	case roleDatagram:
		return a.drainDatagram()
	default:
		return true
	}
}

func (a *AsyncSocket) drainStream() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		front := a.streamQueue.Front()
		if front == nil {
			return true
		}
		entry := front.Value.(*streamSendEntry)

		n, wouldBlock, err := a.sock.trySendOnce(entry.buf[entry.sent:])
		if err != nil {
			a.streamQueue.Remove(front)
			entry.done <- err
			continue
		}
		if wouldBlock {
			return false
		}
		entry.sent += n
		if entry.sent >= len(entry.buf) {
			a.streamQueue.Remove(front)
			entry.done <- nil
			continue
		}
		// Partial send: remains at queue head, retry on next writable
		// event.
		return false
	}
}

func (a *AsyncSocket) drainDatagram() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		front := a.dgramQueue.Front()
		if front == nil {
			return true
		}
		entry := front.Value.(*dgramSendEntry)

		wouldBlock, err := a.sock.trySendToOnce(entry.buf, entry.dst)
		if wouldBlock {
			return false
		}
		a.dgramQueue.Remove(front)
		entry.done <- err
	}
}

// onError handles POLLHUP/POLLERR or a receive-path runtime failure.
func (a *AsyncSocket) onError() {
	switch a.role {
	case roleStreamClient:
		if a.onDisconnect != nil {
			a.onDisconnect(a.peerAddr)
		}
	case roleDatagram:
		// silently discarded: UDP receive errors are transient.
	case roleAcceptor:
		if a.onDisconnect != nil {
			a.onDisconnect(Address{})
		}
	}
}
