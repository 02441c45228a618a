package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Manual 手动推进的调度器，测试里代替真实时钟。
// Advance 在调用方 goroutine 中同步执行到期任务。
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	m        *Manual
	at       time.Time
	seq      int
	fn       func()
	canceled bool
	fired    bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{m: m, at: m.now.Add(d), seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

func (t *manualTask) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.fired || t.canceled {
		return false
	}
	t.canceled = true
	return true
}

// Pending 未触发且未取消的任务数
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.fired && !t.canceled {
			n++
		}
	}
	return n
}

// Advance 推进时间并按到期顺序执行任务；任务中新排期且已到期的也会执行
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		var due []*manualTask
		for _, t := range m.tasks {
			if !t.fired && !t.canceled && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			m.now = target
			m.compact()
			m.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.fired = true
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()
		next.fn()
	}
}

// FireNext 直接触发最早的待执行任务，返回是否有任务
func (m *Manual) FireNext() bool {
	m.mu.Lock()
	var next *manualTask
	for _, t := range m.tasks {
		if t.fired || t.canceled {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	if next == nil {
		m.mu.Unlock()
		return false
	}
	next.fired = true
	if next.at.After(m.now) {
		m.now = next.at
	}
	m.mu.Unlock()
	next.fn()
	return true
}

func (m *Manual) compact() {
	live := m.tasks[:0]
	for _, t := range m.tasks {
		if !t.fired && !t.canceled {
			live = append(live, t)
		}
	}
	m.tasks = live
}
