package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Handle 可取消的定时任务句柄
type Handle interface {
	// Cancel 返回 true 表示任务在触发前被取消
	Cancel() bool
}

// Scheduler 所有阶段超时都通过它排期，不直接使用 time.AfterFunc
type Scheduler interface {
	After(d time.Duration, fn func()) Handle
	Now() time.Time
}

type clockScheduler struct {
	clock clockwork.Clock
}

// New 基于 clockwork.Clock；生产用 clockwork.NewRealClock()
func New(clock clockwork.Clock) Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &clockScheduler{clock: clock}
}

func (s *clockScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *clockScheduler) After(d time.Duration, fn func()) Handle {
	h := &timerHandle{}
	t := s.clock.AfterFunc(d, func() {
		if h.fire() {
			fn()
		}
	})
	h.mu.Lock()
	h.timer = t
	h.mu.Unlock()
	return h
}

// timerHandle 保证 fn 与 Cancel 只有一个生效
type timerHandle struct {
	mu    sync.Mutex
	timer clockwork.Timer
	done  bool
}

func (h *timerHandle) fire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	return true
}

func (h *timerHandle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

// Noop 已经失效的句柄
type Noop struct{}

func (Noop) Cancel() bool { return false }
