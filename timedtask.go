package sockpuppet

import (
	"sort"
	"time"
)

// Task is a user-held handle to a closure scheduled to run on the driver
// thread at a chosen instant. Dropping the handle does not cancel the
// task (Go has no deterministic destructors); callers that need cancel-on-
// drop must call Cancel explicitly, e.g. via defer.
//
// The underlying ordering is a stable-sorted slice rather than a
// container/heap: a bare heap does not preserve insertion order between
// tasks scheduled for the same instant, and callers rely on ties
// resolving FIFO.
type Task struct {
	driver   *Driver
	what     func()
	when     time.Time
	seq      uint64
	cancelled bool
}

// Cancel removes the task from the driver's schedule if still pending. A
// no-op, returning nil, if the task has already fired or was already
// cancelled.
func (t *Task) Cancel() error {
	g, err := t.driver.pause()
	if err != nil {
		return err
	}
	defer g.release()
	t.driver.tasks.remove(t)
	t.cancelled = true
	return nil
}

// Shift reschedules the task to fire at a new instant, preserving FIFO
// order relative to its new `when`. A no-op if the task was cancelled; a
// task that already fired is inserted again and fires once more at the
// new instant (which lets a task reschedule itself from its own closure).
func (t *Task) Shift(when time.Time) error {
	g, err := t.driver.pause()
	if err != nil {
		return err
	}
	defer g.release()
	if t.cancelled {
		return nil
	}
	t.driver.tasks.move(t, when)
	return nil
}

// ShiftDelay reschedules the task to fire after delay from now.
func (t *Task) ShiftDelay(delay time.Duration) error {
	return t.Shift(time.Now().Add(delay))
}

// taskList is a time-ordered queue of scheduled tasks. It is not
// goroutine-safe on its own; all access must be under the owning driver's
// step mutex (held by a stepGuard or pauseGuard).
type taskList struct {
	items   []*Task
	nextSeq uint64
}

// insert places task immediately after the last entry whose when <=
// task.when, so stable FIFO ordering is preserved for equal instants.
func (l *taskList) insert(t *Task) {
	t.seq = l.nextSeq
	l.nextSeq++

	i := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].when.After(t.when)
	})
	l.items = append(l.items, nil)
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = t
}

// remove locates task by identity and removes it; a no-op if absent.
func (l *taskList) remove(t *Task) {
	for i, cur := range l.items {
		if cur == t {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
}

// move reschedules task to newWhen, preserving stable ordering relative
// to its new position.
func (l *taskList) move(t *Task, newWhen time.Time) {
	l.remove(t)
	t.when = newWhen
	l.insert(t)
}

// front returns the earliest task without removing it, or nil if empty.
func (l *taskList) front() *Task {
	if len(l.items) == 0 {
		return nil
	}
	return l.items[0]
}

// popFront removes and returns the earliest task.
func (l *taskList) popFront() *Task {
	if len(l.items) == 0 {
		return nil
	}
	t := l.items[0]
	l.items = l.items[1:]
	return t
}

func (l *taskList) len() int { return len(l.items) }
