package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestClockSchedulerFires(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := New(fc)

	var fired atomic.Int32
	s.After(time.Minute, func() { fired.Add(1) })

	fc.Advance(59 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	fc.Advance(time.Second)
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClockSchedulerCancel(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := New(fc)

	var fired atomic.Int32
	h := s.After(time.Second, func() { fired.Add(1) })
	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel(), "second cancel is a no-op")

	fc.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestCancelAfterFireReturnsFalse(t *testing.T) {
	s := New(clockwork.NewRealClock())
	done := make(chan struct{})
	h := s.After(time.Millisecond, func() { close(done) })
	<-done
	assert.False(t, h.Cancel())
}

func TestManualOrdering(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []int
	m.After(2*time.Second, func() { order = append(order, 2) })
	m.After(time.Second, func() { order = append(order, 1) })
	h := m.After(time.Second, func() { order = append(order, 99) })
	h.Cancel()

	m.Advance(3 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, time.Unix(3, 0), m.Now())
}

func TestManualChainedTasks(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	var arm func()
	arm = func() {
		m.After(time.Second, func() {
			count++
			if count < 3 {
				arm()
			}
		})
	}
	arm()
	m.Advance(10 * time.Second)
	assert.Equal(t, 3, count)

	assert.False(t, m.FireNext())
	m.After(time.Hour, func() { count++ })
	assert.True(t, m.FireNext())
	assert.Equal(t, 4, count)
}
