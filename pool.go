package sockpuppet

import "sync"

// BufferPool is a recyclable byte-slice allocator. A capacity of 0 means
// unbounded; a positive capacity bounds the number of slices that may be
// outstanding (idle + busy) at once.
//
// Built as a mutex-guarded idle stack plus an explicit busy set rather
// than sync.Pool, since sync.Pool offers no capacity bound and no way to
// detect outstanding borrows at Close time.
type BufferPool struct {
	mu       sync.Mutex
	capacity int // 0 == unlimited
	rxSize   int
	idle     [][]byte
	busy     map[*[]byte]struct{}
}

// NewBufferPool creates a pool whose issued buffers are sized rxSize bytes
// and whose total outstanding count (idle+busy) is bounded by capacity (0
// for unbounded).
func NewBufferPool(capacity, rxSize int) *BufferPool {
	if rxSize <= 0 {
		rxSize = defaultBufferSize
	}
	return &BufferPool{
		capacity: capacity,
		rxSize:   rxSize,
		busy:     make(map[*[]byte]struct{}),
	}
}

const defaultBufferSize = 64 * 1024

// Buffer is a borrowed byte slice handle. Put returns it to the owning
// pool's idle stack; using Bytes() after Put is a usage error.
type Buffer struct {
	pool *BufferPool
	buf  []byte
}

// Bytes returns the underlying slice, truncated to whatever length the
// caller has set via Truncate.
func (b *Buffer) Bytes() []byte { return b.buf }

// Truncate shrinks the visible length of the buffer to n bytes, keeping
// the backing array.
func (b *Buffer) Truncate(n int) { b.buf = b.buf[:n] }

// Put returns the buffer to its pool. Safe to call once; a nil pool (a
// Buffer obtained with no pool, e.g. a zero value) is a no-op.
func (b *Buffer) Put() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.put(b)
	b.pool = nil
}

// Get borrows a buffer, allocating a new one if the idle stack is empty
// and the pool has not hit capacity. Returns ErrResourceExhausted once
// |idle|+|busy| would exceed a positive capacity.
func (p *BufferPool) Get() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var raw []byte
	if n := len(p.idle); n > 0 {
		raw = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		if p.capacity > 0 && len(p.busy) >= p.capacity {
			return nil, newError("pool.Get", KindResourceExhausted, nil)
		}
		raw = make([]byte, p.rxSize)
	}

	raw = raw[:p.rxSize]
	b := &Buffer{pool: p, buf: raw}
	p.busy[&b.buf] = struct{}{}
	return b, nil
}

func (p *BufferPool) put(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, &b.buf)
	raw := b.buf[:cap(b.buf)]
	// clear business state before reuse: reset visible length only, the
	// bytes themselves are overwritten on next read.
	raw = raw[:0]
	p.idle = append(p.idle, raw[:p.rxSize])
}

// Outstanding reports the number of buffers currently lent out. Intended
// for tests validating that borrowed buffers are conserved across
// get/put cycles and not leaked.
func (p *BufferPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// Close is a contract check: destroying a pool while buffers are still
// borrowed is a usage error (spec §4.A). It does not forcibly reclaim
// anything; it reports the violation so callers can catch lifecycle bugs.
func (p *BufferPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.busy) > 0 {
		return errPoolDestroyed
	}
	return nil
}
