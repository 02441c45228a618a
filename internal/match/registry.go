package match

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/scheduler"
	"RankedLobby/internal/utils"
)

// Persister 每次提交后保存比赛快照（store.Store 实现）
type Persister interface {
	SaveMatch(ctx context.Context, m *Match) error
}

// Registry 持有所有进行中的比赛。每场比赛一把锁、一个阶段定时器。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byUser  map[string]string // userId -> matchId，仅非终态

	sched   scheduler.Scheduler
	persist Persister
	log     *log.Logger
}

type entry struct {
	mu    sync.Mutex
	m     *Match
	timer scheduler.Handle
	gen   uint64
}

var errStaleTimer = errors.New("stale timer")

func NewRegistry(sched scheduler.Scheduler, persist Persister, logger *log.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		byUser:  make(map[string]string),
		sched:   sched,
		persist: persist,
		log:     utils.OrDiscard(logger),
	}
}

func (r *Registry) Now() time.Time { return r.sched.Now() }

// Add 注册新比赛；同 id 已存在返回 ErrDuplicateMatch，参赛者已在其他比赛中返回 ErrAlreadyInMatch
func (r *Registry) Add(ctx context.Context, m *Match) error {
	r.mu.Lock()
	if _, ok := r.entries[m.ID]; ok {
		r.mu.Unlock()
		return apperr.Wrap(apperr.ErrDuplicateMatch, "match %s", m.ID)
	}
	for _, uid := range m.UserIDs() {
		if other, ok := r.byUser[uid]; ok {
			r.mu.Unlock()
			return apperr.Wrap(apperr.ErrAlreadyInMatch, "user %s in match %s", uid, other)
		}
	}
	r.insertLocked(m)
	r.mu.Unlock()

	if r.persist != nil {
		if err := r.persist.SaveMatch(ctx, m); err != nil {
			r.log.Error("save match", "match", m.ID, "err", err)
		}
	}
	return nil
}

// insertLocked 调用时持有 r.mu，且已确认 id 与参赛者都不冲突
func (r *Registry) insertLocked(m *Match) {
	r.entries[m.ID] = &entry{m: m.Clone(), timer: scheduler.Noop{}}
	if !m.Status.Terminal() {
		for _, uid := range m.UserIDs() {
			r.byUser[uid] = m.ID
		}
	}
}

// Restore 重启后把存储中未结束的比赛放回注册表，resume 在比赛锁内重新排期。
// resume 失败时按退避重试，比赛不会停在没有定时器的状态。
func (r *Registry) Restore(ctx context.Context, m *Match, resume func(tx *Tx) error) error {
	if m.Status.Terminal() {
		return apperr.Wrap(apperr.ErrInvalidPhase, "match %s is %s", m.ID, m.Status)
	}
	r.mu.Lock()
	if _, ok := r.entries[m.ID]; ok {
		r.mu.Unlock()
		return apperr.Wrap(apperr.ErrDuplicateMatch, "match %s", m.ID)
	}
	for _, uid := range m.UserIDs() {
		if other, ok := r.byUser[uid]; ok {
			r.mu.Unlock()
			return apperr.Wrap(apperr.ErrAlreadyInMatch, "user %s in match %s", uid, other)
		}
	}
	r.insertLocked(m)
	r.mu.Unlock()

	r.fire(m.ID, 0, resume, 0)
	return nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrUnknownMatch, "match %s", id)
	}
	return e, nil
}

// Get 返回快照
func (r *Registry) Get(id string) (*Match, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m.Clone(), nil
}

// ActiveFor 玩家当前所在的非终态比赛
func (r *Registry) ActiveFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	return id, ok
}

// Active 所有非终态比赛的快照
func (r *Registry) Active() []*Match {
	r.mu.RLock()
	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	r.mu.RUnlock()

	out := make([]*Match, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		if !e.m.Status.Terminal() {
			out = append(out, e.m.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// Prune 清理 before 之前结束的比赛，返回清理数量
func (r *Registry) Prune(before time.Time) int {
	r.mu.RLock()
	ids := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		ids[id] = e
	}
	r.mu.RUnlock()

	var stale []string
	for id, e := range ids {
		e.mu.Lock()
		if e.m.Status.Terminal() && e.m.UpdatedAt.Before(before) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	if len(stale) == 0 {
		return 0
	}
	r.mu.Lock()
	for _, id := range stale {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	return len(stale)
}

// Update 在比赛锁内执行 fn。fn 操作的是副本：返回错误时副本与排期全部丢弃，
// 比赛保持原样。终态比赛不可修改，返回 ErrInvalidPhase。
func (r *Registry) Update(ctx context.Context, id string, fn func(tx *Tx) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.m.Status.Terminal() {
		status := e.m.Status
		e.mu.Unlock()
		return apperr.Wrap(apperr.ErrInvalidPhase, "match %s is %s", id, status)
	}

	tx := &Tx{ctx: ctx, r: r, e: e, m: e.m.Clone(), now: r.sched.Now()}
	if err := fn(tx); err != nil {
		e.mu.Unlock()
		return err
	}
	r.commit(tx)
	e.mu.Unlock()

	for _, f := range tx.after {
		f()
	}
	return nil
}

// commit 调用时持有 e.mu
func (r *Registry) commit(tx *Tx) {
	e := tx.e
	e.m = tx.m

	if tx.disarm || tx.arm != nil {
		e.timer.Cancel()
		e.timer = scheduler.Noop{}
		e.gen++
		e.m.TimerAt = time.Time{}
	}
	if tx.arm != nil {
		gen := e.gen
		id := e.m.ID
		arm := tx.arm
		e.m.TimerAt = tx.now.Add(arm.d)
		e.timer = r.sched.After(arm.d, func() {
			r.fire(id, gen, arm.fn, 0)
		})
	}

	if e.m.Status.Terminal() {
		e.timer.Cancel()
		e.timer = scheduler.Noop{}
		e.gen++
		e.m.TimerAt = time.Time{}
		r.mu.Lock()
		for _, uid := range e.m.UserIDs() {
			if r.byUser[uid] == e.m.ID {
				delete(r.byUser, uid)
			}
		}
		r.mu.Unlock()
	}

	if r.persist != nil {
		if err := r.persist.SaveMatch(tx.ctx, e.m); err != nil {
			r.log.Error("save match", "match", e.m.ID, "err", err)
		}
	}
}

// 超时处理失败后的重试间隔，从 retryBase 开始翻倍，最多 retryMax
const (
	retryBase = time.Second
	retryMax  = time.Minute
)

func retryDelay(attempt int) time.Duration {
	d := retryBase
	for i := 0; i < attempt && d < retryMax; i++ {
		d *= 2
	}
	return min(d, retryMax)
}

// fire 定时器回调；代数不一致说明已被新的排期或响应取代，直接忽略。
// 其他错误（比如存储暂时不可用）按退避重新排期同一个回调。
func (r *Registry) fire(id string, gen uint64, fn func(tx *Tx) error, attempt int) {
	err := r.Update(context.Background(), id, func(tx *Tx) error {
		if tx.e.gen != gen {
			return errStaleTimer
		}
		return fn(tx)
	})
	switch {
	case err == nil, errors.Is(err, errStaleTimer), errors.Is(err, apperr.ErrInvalidPhase), errors.Is(err, apperr.ErrUnknownMatch):
		return
	}
	d := retryDelay(attempt)
	r.log.Error("timeout handler failed, retrying", "match", id, "attempt", attempt+1, "in", d, "err", err)
	r.rearm(id, gen, d, fn, attempt+1)
}

// rearm 只在定时器没有被新的排期取代时重新排期
func (r *Registry) rearm(id string, gen uint64, d time.Duration, fn func(tx *Tx) error, attempt int) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.m.Status.Terminal() {
		return
	}
	e.timer.Cancel()
	e.timer = r.sched.After(d, func() {
		r.fire(id, gen, fn, attempt)
	})
}

type armed struct {
	d  time.Duration
	fn func(tx *Tx) error
}

// Tx 一次加锁修改的上下文
type Tx struct {
	ctx    context.Context
	r      *Registry
	e      *entry
	m      *Match
	now    time.Time
	arm    *armed
	disarm bool
	after  []func()
}

func (tx *Tx) Match() *Match            { return tx.m }
func (tx *Tx) Now() time.Time           { return tx.now }
func (tx *Tx) Context() context.Context { return tx.ctx }

// Until 距 t 的时长，已过期返回 0
func (tx *Tx) Until(t time.Time) time.Duration {
	if d := t.Sub(tx.now); d > 0 {
		return d
	}
	return 0
}

// Arm 提交时取消旧定时器并排期新的；同一个 Tx 内多次调用以最后一次为准
func (tx *Tx) Arm(d time.Duration, fn func(tx *Tx) error) {
	tx.arm = &armed{d: d, fn: fn}
	tx.disarm = false
}

// Disarm 提交时取消当前定时器
func (tx *Tx) Disarm() {
	tx.arm = nil
	tx.disarm = true
}

// After 提交并释放比赛锁之后执行，用于通知与跨组件调用
func (tx *Tx) After(fn func()) {
	tx.after = append(tx.after, fn)
}
