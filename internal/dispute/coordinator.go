package dispute

import (
	"container/heap"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/match"
	"RankedLobby/internal/notifier"
	"RankedLobby/internal/settle"
	"RankedLobby/internal/store"
	"RankedLobby/internal/utils"
)

// Entry reviewer 工具看到的争议
type Entry struct {
	DisputeID string              `json:"disputeId"`
	MatchID   string              `json:"matchId"`
	Priority  float64             `json:"priority"`
	Origin    match.DisputeOrigin `json:"origin"`
	Reviewer  string              `json:"reviewer,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}

type record struct {
	it        *item
	origin    match.DisputeOrigin
	reviewer  string
	createdAt time.Time
}

type reviewer struct {
	online bool
	load   int
}

// Coordinator 争议队列与 reviewer 分配。c.mu 只保护队列本身，
// 持有它时不能再去拿比赛锁。
type Coordinator struct {
	reg    *match.Registry
	settle *settle.Settler
	store  store.Store
	notify notifier.Notifier
	cfg    Config
	log    *log.Logger
	newID  func() string

	mu        sync.Mutex
	seq       int64
	queue     pending
	records   map[string]*record
	reviewers map[string]*reviewer
}

func New(reg *match.Registry, s *settle.Settler, st store.Store, n notifier.Notifier, cfg Config, logger *log.Logger) *Coordinator {
	return &Coordinator{
		reg:       reg,
		settle:    s,
		store:     st,
		notify:    n,
		cfg:       cfg,
		log:       utils.OrDiscard(logger),
		newID:     uuid.NewString,
		records:   make(map[string]*record),
		reviewers: make(map[string]*reviewer),
	}
}

// Escalate 在比赛锁内把比赛转为 DISPUTED 并开出争议；提交后入队并尝试分配
func (c *Coordinator) Escalate(tx *match.Tx, origin match.DisputeOrigin, requestedBy string) error {
	m := tx.Match()
	if m.Dispute != nil {
		return apperr.Wrap(apperr.ErrInvalidPhase, "match %s already disputed", m.ID)
	}
	if err := m.SetStatus(match.StatusDisputed, tx.Now()); err != nil {
		return err
	}

	counts := make(map[string]int, len(m.Participants))
	highest := 0
	for _, uid := range m.UserIDs() {
		p, err := c.store.LoadPlayer(tx.Context(), uid)
		if err != nil {
			return err
		}
		n := int(p.Stats[store.StatDisputes])
		counts[uid] = n
		highest = max(highest, n)
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	d := &match.Dispute{
		ID:           c.newID(),
		MatchID:      m.ID,
		Priority:     c.cfg.Priority(origin, highest, m.Hypercharged),
		Origin:       origin,
		RequestedBy:  requestedBy,
		ReportCounts: counts,
		Status:       match.DisputePending,
		CreatedAt:    tx.Now(),
		Seq:          seq,
	}
	m.Dispute = d
	actor := requestedBy
	if actor == "" {
		actor = match.ActorSystem
	}
	m.Record("dispute_opened", actor, tx.Now(), map[string]any{
		"dispute":  d.ID,
		"origin":   origin,
		"priority": d.Priority,
	})
	tx.Arm(c.cfg.Timeout, c.expire)

	ctx := context.WithoutCancel(tx.Context())
	uids := m.UserIDs()
	tx.After(func() {
		for _, uid := range uids {
			if _, err := c.store.IncrStat(ctx, uid, store.StatDisputes, 1); err != nil {
				c.log.Error("incr disputes", "user", uid, "err", err)
			}
		}
		c.enqueue(d)
		c.log.Info("dispute opened", "dispute", d.ID, "match", d.MatchID, "origin", origin, "priority", d.Priority)

		c.broadcast(uids, notifier.Message{
			MatchID: d.MatchID,
			Kind:    notifier.MsgDisputed,
			Data:    map[string]any{"dispute": d.ID, "origin": origin},
		})
		c.assign(ctx)
	})
	return nil
}

// enqueue 争议入队；重复入队忽略
func (c *Coordinator) enqueue(d *match.Dispute) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[d.ID]; ok {
		return
	}
	c.seq = max(c.seq, d.Seq)
	it := &item{disputeID: d.ID, matchID: d.MatchID, priority: d.Priority, seq: d.Seq}
	heap.Push(&c.queue, it)
	c.records[d.ID] = &record{it: it, origin: d.Origin, createdAt: d.CreatedAt}
}

// Resume 重启恢复：reviewer 分配只在内存里，争议带原优先级和序号回到队列，
// T6 按原截止时间重新排期
func (c *Coordinator) Resume(tx *match.Tx) error {
	m := tx.Match()
	if m.Status != match.StatusDisputed {
		return apperr.Wrap(apperr.ErrInvalidPhase, "match %s is %s", m.ID, m.Status)
	}
	d := m.Dispute
	if d == nil || d.Status != match.DisputePending {
		return c.settle.Expire(tx, "dispute record missing")
	}
	d.AssignedReviewer = ""
	tx.Arm(tx.Until(m.TimerAt), c.expire)

	snapshot := *d
	ctx := context.WithoutCancel(tx.Context())
	tx.After(func() {
		c.enqueue(&snapshot)
		c.assign(ctx)
	})
	return nil
}

// expire T6 到期仍未处理：取消比赛，不改分
func (c *Coordinator) expire(tx *match.Tx) error {
	m := tx.Match()
	d := m.Dispute
	if m.Status != match.StatusDisputed || d == nil || d.Status != match.DisputePending {
		return nil
	}
	d.Status = match.DisputeExpired
	m.Record("dispute_expired", match.ActorSystem, tx.Now(), map[string]any{"dispute": d.ID})
	if err := c.settle.Expire(tx, "dispute expired"); err != nil {
		return err
	}
	ctx := context.WithoutCancel(tx.Context())
	id := d.ID
	tx.After(func() {
		c.drop(id)
		c.assign(ctx)
	})
	return nil
}

// Resolve 由被分配的 reviewer 给出裁决：宣布胜者按正常公式结算，或取消比赛
func (c *Coordinator) Resolve(ctx context.Context, disputeID, reviewerID string, res match.Resolution) error {
	c.mu.Lock()
	rec, ok := c.records[disputeID]
	var matchID string
	if ok {
		matchID = rec.it.matchID
	}
	c.mu.Unlock()
	if !ok {
		return apperr.Wrap(apperr.ErrUnknownDispute, "dispute %s", disputeID)
	}

	// 分配在比赛锁内、提交前检查
	err := c.reg.Update(ctx, matchID, func(tx *match.Tx) error {
		m := tx.Match()
		d := m.Dispute
		if d == nil || d.ID != disputeID || d.Status != match.DisputePending {
			return apperr.Wrap(apperr.ErrInvalidPhase, "dispute %s is no longer pending", disputeID)
		}
		if cur := c.assignee(disputeID); cur == "" || cur != reviewerID {
			return apperr.Wrap(apperr.ErrNotAssigned, "dispute %s is not assigned to %s", disputeID, reviewerID)
		}
		if res.Cancelled == (res.WinnerID != "") {
			return apperr.Wrap(apperr.ErrInvalidRequest, "resolution needs exactly one of winner or cancelled")
		}
		d.Status = match.DisputeResolved
		r := res
		d.Resolution = &r
		m.Record("dispute_resolved", reviewerID, tx.Now(), map[string]any{
			"dispute":   d.ID,
			"winner":    res.WinnerID,
			"cancelled": res.Cancelled,
			"note":      res.Note,
		})

		var err error
		if res.Cancelled {
			err = c.settle.Cancel(tx, "dispute resolved as cancelled")
		} else {
			wi := m.Index(res.WinnerID)
			if wi < 0 {
				return apperr.Wrap(apperr.ErrNotParticipant, "user %s is not in match %s", res.WinnerID, m.ID)
			}
			err = c.settle.Complete(tx, res.WinnerID, ownMargin(m.Participants[wi].ReportedScore, wi), "dispute resolved")
		}
		if err != nil {
			return err
		}

		uids := m.UserIDs()
		after := context.WithoutCancel(tx.Context())
		tx.After(func() {
			c.drop(disputeID)
			c.broadcast(uids, notifier.Message{
				MatchID: matchID,
				Kind:    notifier.MsgDisputeResolved,
				Data:    map[string]any{"dispute": disputeID, "winner": res.WinnerID, "cancelled": res.Cancelled},
			})
			c.assign(after)
		})
		return nil
	})
	if err != nil {
		return err
	}
	c.log.Info("dispute resolved", "dispute", disputeID, "reviewer", reviewerID, "winner", res.WinnerID, "cancelled", res.Cancelled)
	return nil
}

// ownMargin 胜者自己上报的比分差；没有上报或上报自己输时按 1 计
func ownMargin(s *match.Score, winner int) int {
	if s == nil {
		return 1
	}
	diff := s.First - s.Second
	if winner == 1 {
		diff = -diff
	}
	if diff < 1 {
		return 1
	}
	return diff
}

// Authorized 是否在 reviewer 白名单中
func (c *Coordinator) Authorized(userID string) bool {
	return len(c.cfg.Reviewers) == 0 || slices.Contains(c.cfg.Reviewers, userID)
}

// Online reviewer 上线后立即尝试分配
func (c *Coordinator) Online(ctx context.Context, reviewerID string) {
	c.mu.Lock()
	r, ok := c.reviewers[reviewerID]
	if !ok {
		r = &reviewer{}
		c.reviewers[reviewerID] = r
	}
	r.online = true
	c.mu.Unlock()
	c.assign(ctx)
}

// Offline 下线的 reviewer 手里未处理的争议放回队列，按原优先级与顺序
func (c *Coordinator) Offline(ctx context.Context, reviewerID string) {
	c.mu.Lock()
	r, ok := c.reviewers[reviewerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	r.online = false
	r.load = 0
	var released []*item
	for _, rec := range c.records {
		if rec.reviewer == reviewerID {
			rec.reviewer = ""
			heap.Push(&c.queue, rec.it)
			released = append(released, rec.it)
		}
	}
	c.mu.Unlock()

	for _, it := range released {
		c.setReviewer(ctx, it)
	}
	c.assign(ctx)
}

// assign 把队首争议依次分给负载最低的在线 reviewer（相同负载按 id）
func (c *Coordinator) assign(ctx context.Context) {
	type assignment struct {
		it       *item
		reviewer string
	}
	var out []assignment

	c.mu.Lock()
	for c.queue.Len() > 0 {
		id := c.leastLoaded()
		if id == "" {
			break
		}
		it := heap.Pop(&c.queue).(*item)
		c.records[it.disputeID].reviewer = id
		c.reviewers[id].load++
		out = append(out, assignment{it: it, reviewer: id})
	}
	c.mu.Unlock()

	for _, a := range out {
		c.setReviewer(ctx, a.it)
		c.send(a.reviewer, notifier.Message{
			MatchID: a.it.matchID,
			Kind:    notifier.MsgDisputeAssigned,
			Data:    map[string]any{"dispute": a.it.disputeID, "priority": a.it.priority},
		})
		c.log.Info("dispute assigned", "dispute", a.it.disputeID, "reviewer", a.reviewer)
	}
}

// leastLoaded 调用时持有 c.mu
func (c *Coordinator) leastLoaded() string {
	ids := make([]string, 0, len(c.reviewers))
	for id := range c.reviewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best := ""
	for _, id := range ids {
		r := c.reviewers[id]
		if !r.online || r.load >= c.cfg.ReviewerCapacity {
			continue
		}
		if best == "" || r.load < c.reviewers[best].load {
			best = id
		}
	}
	return best
}

// assignee 争议当前的 reviewer，已结束或未分配返回空串
func (c *Coordinator) assignee(disputeID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[disputeID]; ok {
		return rec.reviewer
	}
	return ""
}

// setReviewer 把当前分配写回比赛；比赛已结束时忽略。
// 写入的总是写入时刻的分配，先后到达的多次写入以最后一次为准。
func (c *Coordinator) setReviewer(ctx context.Context, it *item) {
	err := c.reg.Update(ctx, it.matchID, func(tx *match.Tx) error {
		d := tx.Match().Dispute
		if d == nil || d.ID != it.disputeID || d.Status != match.DisputePending {
			return apperr.Wrap(apperr.ErrInvalidPhase, "dispute %s closed", it.disputeID)
		}
		d.AssignedReviewer = c.assignee(it.disputeID)
		return nil
	})
	if err != nil && apperr.KindOf(err) != apperr.State {
		c.log.Warn("record assignment", "dispute", it.disputeID, "err", err)
	}
}

// drop 争议结束后移出队列并释放 reviewer 负载
func (c *Coordinator) drop(disputeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[disputeID]
	if !ok {
		return
	}
	delete(c.records, disputeID)
	c.queue.remove(rec.it)
	if r, ok := c.reviewers[rec.reviewer]; ok && r.load > 0 {
		r.load--
	}
}

// Queue 待分配的争议，按服务顺序
func (c *Coordinator) Queue() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.queue.ordered()
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		out = append(out, c.entry(it))
	}
	return out
}

// Assigned 分给某 reviewer 的争议，按服务顺序
func (c *Coordinator) Assigned(reviewerID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var mine pending
	for _, rec := range c.records {
		if rec.reviewer == reviewerID {
			mine = append(mine, rec.it)
		}
	}
	out := make([]Entry, 0, len(mine))
	for _, it := range mine.ordered() {
		out = append(out, c.entry(it))
	}
	return out
}

// entry 调用时持有 c.mu
func (c *Coordinator) entry(it *item) Entry {
	rec := c.records[it.disputeID]
	return Entry{
		DisputeID: it.disputeID,
		MatchID:   it.matchID,
		Priority:  it.priority,
		Origin:    rec.origin,
		Reviewer:  rec.reviewer,
		CreatedAt: rec.createdAt,
	}
}

func (c *Coordinator) broadcast(uids []string, msg notifier.Message) {
	if c.notify == nil {
		return
	}
	if err := notifier.Broadcast(c.notify, uids, msg); err != nil {
		c.log.Warn("notify", "match", msg.MatchID, "kind", msg.Kind, "err", err)
	}
}

func (c *Coordinator) send(userID string, msg notifier.Message) {
	if c.notify == nil {
		return
	}
	if err := c.notify.Notify(userID, msg); err != nil {
		c.log.Warn("notify", "user", userID, "kind", msg.Kind, "err", err)
	}
}
