package settle

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/archive"
	"RankedLobby/internal/match"
	"RankedLobby/internal/notifier"
	"RankedLobby/internal/rating"
	"RankedLobby/internal/store"
	"RankedLobby/internal/utils"
)

// Config 取消策略。所有取消都走同一条路径。
type Config struct {
	// Compensation 取消时双方各得的固定分，0 表示不补偿；
	// 上报截止和争议过期的取消不补偿
	Compensation int `mapstructure:"compensation"`
	// Requeue 赛前阶段被取消时把双方重新放回队列
	Requeue bool `mapstructure:"requeue"`
}

// Requeuer 由 matchmaker.Service 实现
type Requeuer interface {
	Requeue(ctx context.Context, userID, region string) error
}

// Settler 把终局写进比赛与玩家档案。三个入口都在比赛锁内调用，
// 只改 Tx 里的比赛；玩家分数、统计、槽位释放和通知在提交后执行。
type Settler struct {
	engine  *rating.Engine
	store   store.Store
	archive archive.Archive
	notify  notifier.Notifier
	cfg     Config
	log     *log.Logger

	mu       sync.RWMutex
	requeuer Requeuer
}

func New(engine *rating.Engine, st store.Store, arch archive.Archive, n notifier.Notifier, cfg Config, logger *log.Logger) *Settler {
	if arch == nil {
		arch = archive.Noop{}
	}
	return &Settler{engine: engine, store: st, archive: arch, notify: n, cfg: cfg, log: utils.OrDiscard(logger)}
}

// SetRequeuer matchmaker 构造在后，启动时注入
func (s *Settler) SetRequeuer(r Requeuer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeuer = r
}

func (s *Settler) Engine() *rating.Engine { return s.engine }

// Complete 按比分结算，margin 为胜方的比分差
func (s *Settler) Complete(tx *match.Tx, winnerID string, margin int, reason string) error {
	m := tx.Match()
	wi := m.Index(winnerID)
	if wi < 0 {
		return apperr.Wrap(apperr.ErrNotParticipant, "user %s is not in match %s", winnerID, m.ID)
	}
	li := match.Opponent(wi)

	players, err := s.load(tx)
	if err != nil {
		return err
	}
	if err := m.SetStatus(match.StatusCompleted, tx.Now()); err != nil {
		return err
	}
	res := s.engine.Compute(rating.Input{
		WinnerRating: players[wi].Rating,
		LoserRating:  players[li].Rating,
		Margin:       margin,
		WinnerStreak: players[wi].Streak,
		Hypercharged: m.Hypercharged,
		Multiplier:   m.Multiplier,
	})
	s.finish(tx, players, wi, res, false, reason)
	return nil
}

// Forfeit 固定扣分，不看比分；赛前阶段也可以直接结束
func (s *Settler) Forfeit(tx *match.Tx, loserID, reason string) error {
	m := tx.Match()
	li := m.Index(loserID)
	if li < 0 {
		return apperr.Wrap(apperr.ErrNotParticipant, "user %s is not in match %s", loserID, m.ID)
	}
	players, err := s.load(tx)
	if err != nil {
		return err
	}
	if err := m.SetStatus(match.StatusCompleted, tx.Now()); err != nil {
		return err
	}
	s.finish(tx, players, match.Opponent(li), s.engine.Forfeit(), true, reason)
	return nil
}

func (s *Settler) finish(tx *match.Tx, players [2]*store.Player, wi int, res rating.Result, forfeit bool, reason string) {
	m := tx.Match()
	li := match.Opponent(wi)
	if !m.Negotiation.Phase.Terminal() {
		m.Negotiation.Phase = match.PhaseDone
	}
	m.Participants[wi].RatingChange = res.WinnerDelta
	m.Participants[li].RatingChange = res.LoserDelta
	m.Outcome = &match.Outcome{
		WinnerID: m.Participants[wi].UserID,
		LoserID:  m.Participants[li].UserID,
		Forfeit:  forfeit,
		Reason:   reason,
	}
	action := "completed"
	if forfeit {
		action = "forfeit"
	}
	m.Record(action, match.ActorSystem, tx.Now(), map[string]any{
		"winner":      m.Outcome.WinnerID,
		"winnerDelta": res.WinnerDelta,
		"loserDelta":  res.LoserDelta,
		"reason":      reason,
	})

	ctx := context.WithoutCancel(tx.Context())
	tx.After(func() {
		winner, loser := players[wi], players[li]
		s.applyPlayer(ctx, winner, res.WinnerDelta, winner.Streak+1)
		s.applyPlayer(ctx, loser, res.LoserDelta, 0)
		s.incr(ctx, winner.UserID, store.StatMatches, store.StatWins)
		s.incr(ctx, loser.UserID, store.StatMatches, store.StatLosses)
		if forfeit {
			s.incr(ctx, loser.UserID, store.StatForfeits)
		}
		s.close(ctx, m)
		for i := range m.Participants {
			p := m.Participants[i]
			s.send(p.UserID, notifier.Message{
				MatchID: m.ID,
				Kind:    notifier.MsgCompleted,
				Data: map[string]any{
					"winner":       m.Outcome.WinnerID,
					"forfeit":      forfeit,
					"ratingChange": p.RatingChange,
					"rating":       players[i].Rating,
					"tier":         players[i].Tier,
				},
			})
		}
	})
}

// Cancel 取消比赛。补偿分与是否重新排队由 Config 决定。
func (s *Settler) Cancel(tx *match.Tx, reason string) error {
	return s.cancel(tx, reason, s.cfg.Compensation)
}

// Expire 上报截止（T5）或争议过期（T6）时取消：不改分，也不读玩家档案
func (s *Settler) Expire(tx *match.Tx, reason string) error {
	return s.cancel(tx, reason, 0)
}

func (s *Settler) cancel(tx *match.Tx, reason string, compensation int) error {
	m := tx.Match()
	wasPregame := m.Status == match.StatusPregame

	var players [2]*store.Player
	if compensation != 0 {
		var err error
		if players, err = s.load(tx); err != nil {
			return err
		}
	}
	if err := m.SetStatus(match.StatusCancelled, tx.Now()); err != nil {
		return err
	}
	if !m.Negotiation.Phase.Terminal() {
		m.Negotiation.Phase = match.PhaseCancelled
	}
	for i := range m.Participants {
		m.Participants[i].RatingChange = compensation
	}
	m.Outcome = &match.Outcome{Reason: reason}
	m.Record("cancelled", match.ActorSystem, tx.Now(), map[string]any{
		"reason":       reason,
		"compensation": compensation,
	})

	requeue := s.cfg.Requeue && wasPregame
	ctx := context.WithoutCancel(tx.Context())
	tx.After(func() {
		for _, p := range players {
			if p != nil {
				s.applyPlayer(ctx, p, compensation, p.Streak)
			}
		}
		s.close(ctx, m)
		for i := range m.Participants {
			s.send(m.Participants[i].UserID, notifier.Message{
				MatchID: m.ID,
				Kind:    notifier.MsgCancelled,
				Text:    reason,
				Data:    map[string]any{"ratingChange": compensation, "requeued": requeue},
			})
		}
		if requeue {
			s.requeue(ctx, m)
		}
	})
	return nil
}

// load 读取双方档案；读失败时整个 Tx 回滚
func (s *Settler) load(tx *match.Tx) ([2]*store.Player, error) {
	var out [2]*store.Player
	for i, uid := range tx.Match().UserIDs() {
		p, err := s.store.LoadPlayer(tx.Context(), uid)
		if err != nil {
			return out, err
		}
		out[i] = p
	}
	return out, nil
}

func (s *Settler) applyPlayer(ctx context.Context, p *store.Player, delta, streak int) {
	p.Rating = rating.Apply(p.Rating, delta)
	p.Streak = streak
	p.Standing = s.engine.Promote(p.Standing, p.Rating)
	if err := s.store.SavePlayer(ctx, p); err != nil {
		s.log.Error("save player", "user", p.UserID, "err", err)
	}
}

func (s *Settler) incr(ctx context.Context, userID string, stats ...store.Stat) {
	for _, st := range stats {
		if _, err := s.store.IncrStat(ctx, userID, st, 1); err != nil {
			s.log.Error("incr stat", "user", userID, "stat", st, "err", err)
		}
	}
}

// close 释放双方槽位并归档
func (s *Settler) close(ctx context.Context, m *match.Match) {
	for _, uid := range m.UserIDs() {
		if _, _, err := s.store.SwapSlot(ctx, uid, store.SlotMatch(m.ID), ""); err != nil {
			s.log.Error("release slot", "user", uid, "match", m.ID, "err", err)
		}
	}
	if err := s.archive.Archive(ctx, m); err != nil {
		s.log.Error("archive", "match", m.ID, "err", err)
	}
	s.log.Info("match closed", "match", m.ID, "status", m.Status)
}

func (s *Settler) requeue(ctx context.Context, m *match.Match) {
	s.mu.RLock()
	r := s.requeuer
	s.mu.RUnlock()
	if r == nil {
		return
	}
	for _, p := range m.Participants {
		if err := r.Requeue(ctx, p.UserID, p.Region); err != nil {
			s.log.Warn("requeue", "user", p.UserID, "err", err)
		}
	}
}

func (s *Settler) send(userID string, msg notifier.Message) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(userID, msg); err != nil {
		s.log.Warn("notify", "user", userID, "kind", msg.Kind, "err", err)
	}
}
