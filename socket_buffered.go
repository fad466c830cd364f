package sockpuppet

import "time"

// BufferedSocket wraps a SyncSocket plus a BufferPool: receive obtains a
// pool-managed buffer sized to the pool's receive size, reads once into
// it, truncates to the actual byte count, and hands back the borrowed
// buffer.
type BufferedSocket struct {
	sock *SyncSocket
	pool *BufferPool
}

// NewBufferedSocket wraps sock with a pool issuing rxBufCount buffers
// (0 = unbounded) of rxBufSize bytes each.
func NewBufferedSocket(sock *SyncSocket, rxBufCount, rxBufSize int) *BufferedSocket {
	return &BufferedSocket{sock: sock, pool: NewBufferPool(rxBufCount, rxBufSize)}
}

// Receive reads one buffer's worth of TCP data, truncated to the actual
// byte count received.
func (b *BufferedSocket) Receive(timeout time.Duration) (*Buffer, error) {
	buf, err := b.pool.Get()
	if err != nil {
		return nil, err
	}
	n, timedOut, err := b.sock.Receive(buf.Bytes(), timeout)
	if err != nil {
		buf.Put()
		return nil, err
	}
	if timedOut {
		buf.Put()
		return nil, nil
	}
	buf.Truncate(n)
	return buf, nil
}

// ReceiveFrom reads one UDP datagram into a pool buffer, returning the
// sender's address alongside it.
func (b *BufferedSocket) ReceiveFrom(timeout time.Duration) (*Buffer, Address, error) {
	buf, err := b.pool.Get()
	if err != nil {
		return nil, Address{}, err
	}
	n, from, timedOut, err := b.sock.ReceiveFrom(buf.Bytes(), timeout)
	if err != nil {
		buf.Put()
		return nil, Address{}, err
	}
	if timedOut {
		buf.Put()
		return nil, Address{}, nil
	}
	buf.Truncate(n)
	return buf, from, nil
}

// Send writes buf to the connected peer (TCP) with SyncSocket.Send's
// timeout semantics: the full buffer with a negative timeout, possibly a
// short count when a non-negative timeout expires.
func (b *BufferedSocket) Send(buf []byte, timeout time.Duration) (int, error) {
	return b.sock.Send(buf, timeout)
}

// SendTo writes one UDP datagram to dst.
func (b *BufferedSocket) SendTo(buf []byte, dst Address, timeout time.Duration) (int, error) {
	return b.sock.SendTo(buf, dst, timeout)
}

// Socket returns the underlying SyncSocket, e.g. for LocalAddress/Close.
func (b *BufferedSocket) Socket() *SyncSocket { return b.sock }

// Close closes the underlying socket. The pool itself has no OS resource
// to release; outstanding buffers can still be returned with Put.
func (b *BufferedSocket) Close() error { return b.sock.Close() }

// Example (a minimal HTTP/1.0 GET over a buffered TCP socket):
//
//	sock, _ := NewSyncSocket(NetworkTCP, false)
//	sock.Connect(addr, 5*time.Second)
//	buffered := NewBufferedSocket(sock, 4, 4096)
//	buffered.Send([]byte("GET / HTTP/1.0\r\n\r\n"), 5*time.Second)
//	resp, _ := buffered.Receive(5 * time.Second)
//	defer resp.Put()
