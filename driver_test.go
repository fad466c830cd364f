package sockpuppet

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDriverScheduleFIFO(t *testing.T) {
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	var mu sync.Mutex
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		_, err := driver.Schedule(0, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	require.NoError(t, driver.Step(10*time.Millisecond))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2}, order)
}

// A cancelled task never fires.
func TestDriverScheduleCancel(t *testing.T) {
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	fired := false
	task, err := driver.Schedule(5*time.Millisecond, func() { fired = true })
	require.NoError(t, err)
	require.NoError(t, task.Cancel())

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, driver.Step(0))
	require.False(t, fired)
}

func TestDriverScheduleShift(t *testing.T) {
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	var mu sync.Mutex
	var order []string

	first, err := driver.Schedule(5*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = driver.Schedule(10*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, first.ShiftDelay(20*time.Millisecond))

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, driver.Step(0))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, driver.Step(0))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"second", "first"}, order)
}

// The driver must tolerate a cross-thread Schedule call arriving while
// Run is blocked in its poll, resolved via the pauseGuard/stepGuard
// handshake.
func TestDriverCrossThreadSchedule(t *testing.T) {
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	done := make(chan struct{})
	go driver.Run()
	defer driver.Stop()

	_, err = driver.Schedule(0, func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cross-thread scheduled task never ran")
	}
}

// A handler invoked on the reactor goroutine may itself call back into
// driver APIs (Attach/Schedule) without deadlocking.
func TestDriverReentrantScheduleFromHandler(t *testing.T) {
	driver, err := NewDriver()
	require.NoError(t, err)
	defer driver.Close()

	done := make(chan struct{})
	_, err = driver.Schedule(0, func() {
		_, err := driver.Schedule(0, func() { close(done) })
		require.NoError(t, err)
	})
	require.NoError(t, err)

	require.NoError(t, driver.Step(10*time.Millisecond))
	require.NoError(t, driver.Step(10*time.Millisecond))

	select {
	case <-done:
	default:
		t.Fatal("nested scheduled task never ran")
	}
}
