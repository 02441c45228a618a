package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/dealer"
	"RankedLobby/internal/match"
	"RankedLobby/internal/notifier"
	"RankedLobby/internal/rating"
	"RankedLobby/internal/store"
	"RankedLobby/internal/utils"
)

// Service 队列的唯一写入者：入队、出队、配对都串行执行
type Service struct {
	mu     sync.Mutex
	repo   Repo
	store  store.Store
	reg    *match.Registry
	engine *rating.Engine
	dealer *dealer.Dealer
	notify notifier.Notifier
	cfg    Config
	log    *log.Logger

	OnPaired func(m *match.Match) // 配对成功、锁释放后调用
	Sleep    func(time.Duration)  // 持久化重试的退避，测试里替换
}

func NewService(repo Repo, st store.Store, reg *match.Registry, engine *rating.Engine, d *dealer.Dealer, n notifier.Notifier, cfg Config, logger *log.Logger) *Service {
	return &Service{
		repo:   repo,
		store:  st,
		reg:    reg,
		engine: engine,
		dealer: d,
		notify: n,
		cfg:    cfg,
		log:    utils.OrDiscard(logger),
		Sleep:  time.Sleep,
	}
}

// Join 入队。同一玩家不能重复排队，也不能在有进行中比赛时排队；
// 判断通过 Store 上的槽位原子比较并设置完成。
func (s *Service) Join(ctx context.Context, userID, region string) (QueueEntry, error) {
	if userID == "" || region == "" {
		return QueueEntry{}, apperr.Wrap(apperr.ErrInvalidRequest, "userId and region are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok, err := s.repo.Get(ctx, userID); err != nil {
		return QueueEntry{}, err
	} else if ok {
		return QueueEntry{}, apperr.Wrap(apperr.ErrAlreadyQueued, "user %s", userID)
	}
	if id, ok := s.reg.ActiveFor(userID); ok {
		return QueueEntry{}, apperr.Wrap(apperr.ErrAlreadyInMatch, "user %s in match %s", userID, id)
	}

	if err := s.healSlot(ctx, userID); err != nil {
		return QueueEntry{}, err
	}
	cur, ok, err := s.store.SwapSlot(ctx, userID, "", store.SlotQueue)
	if err != nil {
		return QueueEntry{}, err
	}
	if !ok {
		if id, inMatch := store.SlotMatchID(cur); inMatch {
			return QueueEntry{}, apperr.Wrap(apperr.ErrAlreadyInMatch, "user %s in match %s", userID, id)
		}
		// 槽位是 queue 但队列里没有：上次出队没清理干净，沿用即可
	}

	p, err := s.store.LoadPlayer(ctx, userID)
	if err != nil {
		s.releaseSlot(ctx, userID)
		return QueueEntry{}, err
	}
	_, tier := s.engine.TierFor(p.Rating)
	e, err := s.repo.Add(ctx, QueueEntry{
		UserID:   userID,
		Region:   region,
		Tier:     tier,
		Rating:   p.Rating,
		JoinedAt: s.reg.Now(),
	})
	if err != nil {
		if !errors.Is(err, apperr.ErrAlreadyQueued) {
			s.releaseSlot(ctx, userID)
		}
		return QueueEntry{}, err
	}
	s.log.Info("joined", "user", userID, "region", region, "rating", p.Rating)
	return e, nil
}

// Requeue 取消后重新排队（settle.Requeuer）
func (s *Service) Requeue(ctx context.Context, userID, region string) error {
	_, err := s.Join(ctx, userID, region)
	return err
}

// Leave 主动退出队列
func (s *Service) Leave(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.repo.Remove(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Wrap(apperr.ErrNotQueued, "user %s", userID)
	}
	s.releaseSlot(ctx, userID)
	s.log.Info("left", "user", userID)
	return nil
}

// Status 排队位置与等待时间；已被配对时给出比赛 id
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	if id, ok := s.reg.ActiveFor(userID); ok {
		n, err := s.repo.Count(ctx)
		if err != nil {
			return Status{}, err
		}
		return Status{Size: int(n), MatchID: id}, nil
	}

	s.mu.Lock()
	entries, err := s.repo.List(ctx)
	s.mu.Unlock()
	if err != nil {
		return Status{}, err
	}
	for i, e := range entries {
		if e.UserID == userID {
			return Status{
				Queued:      true,
				Position:    i + 1,
				Size:        len(entries),
				WaitSeconds: s.reg.Now().Sub(e.JoinedAt).Seconds(),
				Attempts:    e.Attempts,
			}, nil
		}
	}
	return Status{}, apperr.Wrap(apperr.ErrNotQueued, "user %s", userID)
}

// healSlot 槽位指向的比赛既不在注册表中进行、存储里也没有未结束的记录时清空槽位。
// 存储里仍未结束的比赛交给启动恢复，不在这里处理。
func (s *Service) healSlot(ctx context.Context, userID string) error {
	cur, err := s.store.Slot(ctx, userID)
	if err != nil {
		return err
	}
	id, ok := store.SlotMatchID(cur)
	if !ok {
		return nil
	}
	if m, err := s.reg.Get(id); err == nil && !m.Status.Terminal() {
		return nil
	}
	m, err := s.store.LoadMatch(ctx, id)
	switch {
	case err == nil && !m.Status.Terminal():
		return nil
	case err != nil && !errors.Is(err, apperr.ErrUnknownMatch):
		return err
	}
	if _, _, err := s.store.SwapSlot(ctx, userID, cur, ""); err != nil {
		return err
	}
	s.log.Warn("cleared stale match slot", "user", userID, "match", id)
	return nil
}

// Cycle 一轮配对，由定时任务按固定间隔调用，返回本轮创建的比赛
func (s *Service) Cycle(ctx context.Context) ([]*match.Match, error) {
	s.mu.Lock()
	created, abandoned, err := s.cycleLocked(ctx)
	s.mu.Unlock()

	for _, e := range abandoned {
		s.send(e.UserID, notifier.Message{
			Kind: notifier.MsgPairingAbandoned,
			Text: "no suitable opponent found",
			Data: map[string]any{"attempts": e.Attempts},
		})
	}
	for _, m := range created {
		for i, p := range m.Participants {
			s.send(p.UserID, notifier.Message{
				MatchID: m.ID,
				Kind:    notifier.MsgMatched,
				Data: map[string]any{
					"opponent":     m.Participants[match.Opponent(i)].UserID,
					"hypercharged": m.Hypercharged,
				},
			})
		}
		if s.OnPaired != nil {
			s.OnPaired(m)
		}
	}
	return created, err
}

func (s *Service) cycleLocked(ctx context.Context) ([]*match.Match, []QueueEntry, error) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := s.reg.Now()

	var created []*match.Match
	var abandoned []QueueEntry
	for _, batch := range batches(entries, s.cfg.BatchSize, s.cfg.MaxBatches) {
		selected := make(map[string]bool)
		for _, p := range s.cfg.selectPairs(batch, now) {
			selected[p.a.UserID], selected[p.b.UserID] = true, true
			m, err := s.createPair(ctx, p, now)
			if err != nil {
				s.log.Warn("pairing rolled back", "a", p.a.UserID, "b", p.b.UserID, "err", err)
				continue
			}
			s.log.Info("paired", "match", m.ID, "a", p.a.UserID, "b", p.b.UserID, "cost", p.cost, "hypercharged", m.Hypercharged)
			created = append(created, m)
		}

		for _, e := range batch {
			if selected[e.UserID] {
				continue
			}
			e.Attempts++
			if e.Attempts > s.cfg.MaxAttempts {
				if ok, err := s.repo.Remove(ctx, e.UserID); err != nil || !ok {
					continue
				}
				s.releaseSlot(ctx, e.UserID)
				abandoned = append(abandoned, e)
				s.log.Info("pairing abandoned", "user", e.UserID, "attempts", e.Attempts)
				continue
			}
			if err := s.repo.Update(ctx, e); err != nil {
				s.log.Error("update attempts", "user", e.UserID, "err", err)
			}
		}
	}
	return created, abandoned, nil
}

// createPair 原子取出两人并创建比赛。持久化失败按指数退避重试，
// 仍失败则回滚：两人带原来的入队序号回到队列。
func (s *Service) createPair(ctx context.Context, p pair, now time.Time) (*match.Match, error) {
	ok, err := s.repo.TakePair(ctx, p.a.UserID, p.b.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotQueued, "pair %s/%s no longer queued", p.a.UserID, p.b.UserID)
	}

	m := match.New(uuid.NewString(), participant(p.a), participant(p.b), now)
	rc := s.engine.Config()
	if s.dealer.Roll(rc.HyperchargeChance) {
		m.Hypercharged = true
		m.Multiplier = rc.HyperchargeMultiplier
	}
	m.Record("paired", match.ActorSystem, now, map[string]any{
		"cost":         p.cost,
		"hypercharged": m.Hypercharged,
	})

	backoff := s.cfg.PersistBackoff
	for attempt := 0; ; attempt++ {
		if err = s.persistPair(ctx, m); err == nil {
			break
		}
		if attempt >= s.cfg.PersistRetries {
			s.restore(ctx, p)
			return nil, fmt.Errorf("persist match after %d attempts: %w", attempt+1, err)
		}
		s.log.Warn("persist match", "match", m.ID, "attempt", attempt+1, "err", err)
		s.Sleep(backoff)
		backoff *= 2
	}

	if err := s.reg.Add(ctx, m); err != nil {
		s.revertSlots(ctx, m.ID, m.UserIDs())
		s.restore(ctx, p)
		return nil, err
	}
	return m, nil
}

// persistPair 保存比赛并把双方槽位从 queue 换成 match:<id>
func (s *Service) persistPair(ctx context.Context, m *match.Match) error {
	if err := s.store.SaveMatch(ctx, m); err != nil {
		return err
	}
	var swapped []string
	for _, uid := range m.UserIDs() {
		cur, ok, err := s.store.SwapSlot(ctx, uid, store.SlotQueue, store.SlotMatch(m.ID))
		if err == nil && !ok {
			err = apperr.Wrap(apperr.ErrAlreadyInMatch, "user %s slot is %q", uid, cur)
		}
		if err != nil {
			s.revertSlots(ctx, m.ID, swapped)
			return err
		}
		swapped = append(swapped, uid)
	}
	return nil
}

func (s *Service) revertSlots(ctx context.Context, matchID string, userIDs []string) {
	for _, uid := range userIDs {
		if _, _, err := s.store.SwapSlot(ctx, uid, store.SlotMatch(matchID), store.SlotQueue); err != nil {
			s.log.Error("revert slot", "user", uid, "err", err)
		}
	}
}

func (s *Service) restore(ctx context.Context, p pair) {
	for _, e := range []QueueEntry{p.a, p.b} {
		if _, err := s.repo.Add(ctx, e); err != nil {
			s.log.Error("restore queue entry", "user", e.UserID, "err", err)
		}
	}
}

func (s *Service) releaseSlot(ctx context.Context, userID string) {
	if _, _, err := s.store.SwapSlot(ctx, userID, store.SlotQueue, ""); err != nil {
		s.log.Error("release slot", "user", userID, "err", err)
	}
}

func (s *Service) send(userID string, msg notifier.Message) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(userID, msg); err != nil {
		s.log.Warn("notify", "user", userID, "kind", msg.Kind, "err", err)
	}
}

func participant(e QueueEntry) match.Participant {
	return match.Participant{
		UserID: e.UserID,
		Region: e.Region,
		Rating: e.Rating,
		Rank:   e.Tier,
	}
}
