//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package sockpuppet

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Logger is the optional diagnostic sink a Driver may log to. Satisfied
// trivially by log.New(os.Stderr, "", log.LstdFlags). The reactor's hot
// path stays silent by default; a Logger only fires for recovered timed-task
// panics (see SPEC_FULL.md §2).
type Logger interface {
	Printf(format string, args ...any)
}

// descEntry pairs one registered async socket with its poll-interest
// state. Slot 0 is reserved for the wakeup pipe and has socket == nil.
type descEntry struct {
	fd       int
	socket   *AsyncSocket // nil for the wakeup pipe, always at slot 0
	readable bool
	writable bool
}

// Driver is the single-threaded reactor: it owns the timed-task list, the
// registered async sockets, and the wakeup self-pipe, and multiplexes all
// of it from exactly one goroutine via Run/Step.
//
// Cross-thread mutation (Attach, Detach, Schedule, ...) goes through an
// explicit pauseGuard/stepGuard handshake: the reactor goroutine holds
// stepMu for the duration of one Step, and any other goroutine that wants
// to touch driver state bumps the wakeup pipe and blocks on stepMu until
// the reactor yields it between steps.
type Driver struct {
	pfd poller

	wakeR, wakeW int

	stepMu  sync.Mutex
	pauseMu sync.Mutex

	// reactorGID identifies the single goroutine currently executing a
	// step, so that driver methods called synchronously from within a
	// handler (itself running on the reactor goroutine) can detect
	// reentrancy and skip the blocking pause path that would otherwise
	// deadlock against itself. Go has no stdlib notion of "current
	// goroutine equals X"; this is the one place that needs it, via a
	// small runtime.Stack parse (see DESIGN.md).
	reactorGID atomic.Uint64

	tasks   taskList
	descs   []descEntry // slot 0 is always the wakeup pipe
	lastIdx int         // round-robin cursor over descs[1:]

	shouldStop atomic.Bool
	closed     atomic.Bool

	logger Logger
}

// NewDriver creates a reactor. The returned Driver is idle until Run or
// Step is called.
func NewDriver() (*Driver, error) {
	// plain pipe(2) + manual non-blocking: pipe2(2) with O_NONBLOCK isn't
	// available on every BSD this module targets (notably darwin), so the
	// self-pipe is built from the lowest common denominator rather than a
	// bound-UDP-pair fallback.
	var p [2]int
	if e := unix.Pipe(p[:]); e != nil {
		return nil, newError("NewDriver", KindIO, e)
	}
	if e := unix.SetNonblock(p[0], true); e != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, newError("NewDriver", KindIO, e)
	}
	if e := unix.SetNonblock(p[1], true); e != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, newError("NewDriver", KindIO, e)
	}

	pfd, err := newPlatformPoller()
	if err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, err
	}
	if err := pfd.add(p[0], true, false); err != nil {
		pfd.close()
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, err
	}

	d := &Driver{
		pfd:   pfd,
		wakeR: p[0],
		wakeW: p[1],
	}
	d.descs = append(d.descs, descEntry{fd: p[0], readable: true})
	return d, nil
}

// SetLogger installs an optional diagnostic sink.
func (d *Driver) SetLogger(l Logger) { d.logger = l }

func (d *Driver) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// bump wakes a blocked poll from any thread (Glossary: Bump).
func (d *Driver) bump() {
	var b [1]byte
	for {
		_, err := unix.Write(d.wakeW, b[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// unbump drains the wakeup pipe (Glossary: Unbump); only ever called from
// the reactor goroutine.
func (d *Driver) unbump() {
	var buf [64]byte
	for {
		n, err := unix.Read(d.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// goroutineID is a best-effort current-goroutine identifier, used solely
// to detect step-mutex reentrancy from handler code running on the
// reactor goroutine itself (see reactorGID doc comment above).
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if bytes.HasPrefix(b, []byte(prefix)) {
		b = b[len(prefix):]
		if i := bytes.IndexByte(b, ' '); i >= 0 {
			if id, err := strconv.ParseUint(string(b[:i]), 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}

// pauseGuard lets any goroutine seize the driver's internal state, either
// immediately (reactor idle), by forcing the reactor to yield (bump +
// blocking lock), or in-place when already running on the reactor
// goroutine itself (reentrant handler call).
type pauseGuard struct {
	d         *Driver
	holdsLock bool
}

func (d *Driver) pause() (*pauseGuard, error) {
	if d.closed.Load() {
		return nil, errDriverStopped
	}
	if d.stepMu.TryLock() {
		return &pauseGuard{d: d, holdsLock: true}, nil
	}
	if d.reactorGID.Load() != 0 && d.reactorGID.Load() == goroutineID() {
		// Reentrant: we are the reactor goroutine, already holding
		// stepMu via the enclosing stepGuard. Operate without
		// re-locking.
		return &pauseGuard{d: d, holdsLock: false}, nil
	}
	d.pauseMu.Lock()
	d.bump()
	d.stepMu.Lock()
	d.pauseMu.Unlock()
	return &pauseGuard{d: d, holdsLock: true}, nil
}

func (g *pauseGuard) release() {
	if g.holdsLock {
		g.d.stepMu.Unlock()
	}
}

// stepGuard is held by the reactor goroutine for the duration of one
// Step call.
type stepGuard struct {
	d *Driver
}

func newStepGuard(d *Driver) *stepGuard {
	d.stepMu.Lock()
	d.reactorGID.Store(goroutineID())
	return &stepGuard{d: d}
}

func (g *stepGuard) release() {
	g.d.reactorGID.Store(0)
	g.d.stepMu.Unlock()
	// Give a waiting pauseGuard a chance to run before the reactor grabs
	// the step mutex again, so a busy reactor can't starve Attach/Schedule
	// callers indefinitely.
	g.d.pauseMu.Lock()
	g.d.pauseMu.Unlock() //nolint:staticcheck // deliberate empty critical section, yields to a waiting pauseGuard
}

// Attach registers an async socket with the driver, subscribing it to
// readable events (writable is added lazily by wantSend). PauseGuarded.
func (d *Driver) Attach(s *AsyncSocket) error {
	g, err := d.pause()
	if err != nil {
		return err
	}
	defer g.release()

	fd := s.fd()
	d.descs = append(d.descs, descEntry{fd: fd, socket: s, readable: true})
	if err := d.pfd.add(fd, true, false); err != nil {
		d.descs = d.descs[:len(d.descs)-1]
		return err
	}
	s.driver = d
	return nil
}

// Detach unregisters an async socket. A no-op if not registered.
func (d *Driver) Detach(s *AsyncSocket) error {
	g, err := d.pause()
	if err != nil {
		return err
	}
	defer g.release()

	for i := 1; i < len(d.descs); i++ {
		if d.descs[i].socket == s {
			fd := d.descs[i].fd
			d.descs = append(d.descs[:i], d.descs[i+1:]...)
			if d.lastIdx >= i {
				d.lastIdx--
			}
			return d.pfd.remove(fd)
		}
	}
	return nil
}

// wantSend arms the write-readiness subscription for fd. Idempotent.
func (d *Driver) wantSend(fd int) {
	g, err := d.pause()
	if err != nil {
		return
	}
	defer g.release()

	for i := 1; i < len(d.descs); i++ {
		if d.descs[i].fd == fd {
			if !d.descs[i].writable {
				d.descs[i].writable = true
				d.pfd.modify(fd, d.descs[i].readable, true)
			}
			return
		}
	}
}

func (d *Driver) clearWritable(fd int) {
	for i := 1; i < len(d.descs); i++ {
		if d.descs[i].fd == fd {
			if d.descs[i].writable {
				d.descs[i].writable = false
				d.pfd.modify(fd, d.descs[i].readable, false)
			}
			return
		}
	}
}

// schedule is the internal, PauseGuarded insertion path shared by
// Schedule/ScheduleAt.
func (d *Driver) schedule(what func(), when time.Time) (*Task, error) {
	g, err := d.pause()
	if err != nil {
		return nil, err
	}
	defer g.release()

	t := &Task{driver: d, what: what, when: when}
	d.tasks.insert(t)
	return t, nil
}

// Schedule runs what on the driver thread after delay.
func (d *Driver) Schedule(delay time.Duration, what func()) (*Task, error) {
	return d.schedule(what, time.Now().Add(delay))
}

// ScheduleAt runs what on the driver thread at the given instant.
func (d *Driver) ScheduleAt(when time.Time, what func()) (*Task, error) {
	return d.schedule(what, when)
}

// Step runs one iteration of the reactor: it drains any due timed tasks,
// then polls for at most the remaining timeout (negative = forever, zero
// = non-blocking poll) and dispatches exactly one ready socket's event.
func (d *Driver) Step(timeout time.Duration) error {
	g := newStepGuard(d)
	defer g.release()

	if d.tasks.len() == 0 {
		return d.stepFDs(timeout)
	}
	dl := deadlineFromTimeout(timeout)
	remaining := d.drainDueTasks(&dl)
	return d.stepFDs(remaining)
}

func deadlineFromTimeout(timeout time.Duration) Deadline {
	if timeout < 0 {
		return Unlimited()
	}
	return NewDeadline(timeout)
}

// drainDueTasks repeatedly pops and executes tasks due at or before now,
// returning the duration until the next event (the earliest still-pending
// task, or the caller's remaining budget).
func (d *Driver) drainDueTasks(dl *Deadline) time.Duration {
	for {
		front := d.tasks.front()
		if front == nil {
			return dl.Remaining()
		}
		now := time.Now()
		if front.when.After(now) {
			return dl.RemainingUntil(front.when)
		}

		d.tasks.popFront()
		d.runTask(front)

		dl.Tick()
		if !dl.TimeLeft() {
			return 0
		}
	}
}

func (d *Driver) runTask(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logf("sockpuppet: timed task panicked: %v", r)
		}
	}()
	t.what()
}

// stepFDs polls the wakeup pipe plus all registered async sockets and
// dispatches exactly one socket's event per step, round-robin over the
// ready set so no one busy socket can starve the others.
func (d *Driver) stepFDs(timeout time.Duration) error {
	events, err := d.pfd.wait(timeout)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	ready := make(map[int]pollEvent, len(events))
	sawWake := false
	for _, e := range events {
		if e.fd == d.wakeR {
			sawWake = true
			continue
		}
		ready[e.fd] = e
	}
	if sawWake {
		d.unbump()
	}
	if len(ready) == 0 {
		return nil
	}

	n := len(d.descs)
	for step := 1; step < n; step++ {
		idx := 1 + (d.lastIdx+step)%(n-1)
		entry := d.descs[idx]
		if ev, ok := ready[entry.fd]; ok {
			d.lastIdx = idx - 1
			d.dispatch(idx, ev)
			return nil
		}
	}
	return nil
}

func (d *Driver) dispatch(idx int, ev pollEvent) {
	entry := d.descs[idx]
	sock := entry.socket
	if sock == nil {
		return
	}

	if ev.errored {
		sock.onError()
		return
	}
	if ev.readable {
		sock.onReadable()
	}
	if ev.writable {
		if drained := sock.onWritable(); drained {
			d.clearWritable(entry.fd)
		}
	}
}

// Run loops Step(forever) until Stop is called.
func (d *Driver) Run() error {
	d.shouldStop.Store(false)
	for !d.shouldStop.Load() {
		if err := d.Step(-1); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests that Run return after the current step completes.
func (d *Driver) Stop() {
	d.shouldStop.Store(true)
	d.bump()
}

// Close stops the driver (if running) and releases the poller and wakeup
// pipe. A pauseGuard is taken first so no in-flight step outlives Close.
func (d *Driver) Close() error {
	g, err := d.pause()
	if err == nil {
		defer g.release()
	}
	if d.closed.Swap(true) {
		return nil
	}
	d.shouldStop.Store(true)
	d.pfd.close()
	unix.Close(d.wakeR)
	unix.Close(d.wakeW)
	return nil
}
