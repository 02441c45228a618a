package outcome

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/match"
	"RankedLobby/internal/notifier"
	"RankedLobby/internal/settle"
	"RankedLobby/internal/utils"
)

type Config struct {
	ReportTimeout time.Duration `mapstructure:"report_timeout"` // T5
	MaxScore      int           `mapstructure:"max_score"`
}

func DefaultConfig() Config {
	return Config{ReportTimeout: 90 * time.Minute, MaxScore: 10}
}

func (c Config) Validate() error {
	if c.ReportTimeout <= 0 {
		return errors.New("outcome: report_timeout must be positive")
	}
	if c.MaxScore < 1 {
		return errors.New("outcome: max_score must be >= 1")
	}
	return nil
}

// Escalator 由 dispute.Coordinator 实现，在比赛锁内调用
type Escalator interface {
	Escalate(tx *match.Tx, origin match.DisputeOrigin, requestedBy string) error
}

// Resolver 收集双方比分：一致则结算，不一致转争议
type Resolver struct {
	reg      *match.Registry
	settle   *settle.Settler
	escalate Escalator
	notify   notifier.Notifier
	cfg      Config
	log      *log.Logger
}

func New(reg *match.Registry, s *settle.Settler, esc Escalator, n notifier.Notifier, cfg Config, logger *log.Logger) *Resolver {
	return &Resolver{reg: reg, settle: s, escalate: esc, notify: n, cfg: cfg, log: utils.OrDiscard(logger)}
}

// RequestReport 协商完成后调用，双方共用一个上报截止时间
func (r *Resolver) RequestReport(tx *match.Tx) error {
	m := tx.Match()
	if m.Status != match.StatusInProgress {
		return apperr.Wrap(apperr.ErrInvalidPhase, "match %s is %s", m.ID, m.Status)
	}
	deadline := tx.Now().Add(r.cfg.ReportTimeout)
	tx.Arm(r.cfg.ReportTimeout, r.expire)
	m.Record("report_requested", match.ActorSystem, tx.Now(), map[string]any{"deadline": deadline})

	msg := notifier.Message{
		MatchID: m.ID,
		Kind:    notifier.MsgPhase,
		Text:    "report the final score",
		Data:    map[string]any{"phase": "REPORT", "deadline": deadline, "maxScore": r.cfg.MaxScore},
	}
	uids := m.UserIDs()
	tx.After(func() {
		if r.notify == nil {
			return
		}
		if err := notifier.Broadcast(r.notify, uids, msg); err != nil {
			r.log.Warn("notify report", "match", msg.MatchID, "err", err)
		}
	})
	return nil
}

// Resume 重启恢复：按原截止时间重新排期 T5
func (r *Resolver) Resume(tx *match.Tx) error {
	m := tx.Match()
	if m.Status != match.StatusInProgress {
		return apperr.Wrap(apperr.ErrInvalidPhase, "match %s is %s", m.ID, m.Status)
	}
	if m.TimerAt.IsZero() {
		return r.RequestReport(tx)
	}
	tx.Arm(tx.Until(m.TimerAt), r.expire)
	return nil
}

// SubmitScore 上报比分。score 按参赛者顺序：First 为 Participants[0] 的胜局数。
// 双方都报 "5" 对应两份相同的 {First: 5, Second: n}；报 "5" 和 "7" 对应 First 不同的两份。
func (r *Resolver) SubmitScore(ctx context.Context, matchID, userID string, score match.Score) error {
	return r.reg.Update(ctx, matchID, func(tx *match.Tx) error {
		m := tx.Match()
		idx := m.Index(userID)
		if idx < 0 {
			return apperr.Wrap(apperr.ErrNotParticipant, "user %s is not in match %s", userID, matchID)
		}
		if m.Status != match.StatusInProgress {
			return apperr.Wrap(apperr.ErrInvalidPhase, "match %s is %s", matchID, m.Status)
		}
		p := &m.Participants[idx]
		if p.ReportedScore != nil {
			return apperr.Wrap(apperr.ErrAlreadyReported, "user %s", userID)
		}
		if err := r.validate(score); err != nil {
			return err
		}

		now := tx.Now()
		s := score
		p.ReportedScore = &s
		p.ReportedAt = &now
		m.Record("score_reported", userID, now, map[string]any{"first": score.First, "second": score.Second})

		other := m.Participants[match.Opponent(idx)].ReportedScore
		if other == nil {
			return nil
		}
		if *other == score {
			winner, margin := 0, score.First-score.Second
			if margin < 0 {
				winner, margin = 1, -margin
			}
			return r.settle.Complete(tx, m.Participants[winner].UserID, margin, "reports agree")
		}
		r.log.Info("score mismatch", "match", m.ID, "a", *m.Participants[0].ReportedScore, "b", *m.Participants[1].ReportedScore)
		return r.escalate.Escalate(tx, match.OriginScoreMismatch, "")
	})
}

// RequestDispute 双方比分到齐前主动发起争议，上报计时随之取消
func (r *Resolver) RequestDispute(ctx context.Context, matchID, userID string) error {
	return r.reg.Update(ctx, matchID, func(tx *match.Tx) error {
		m := tx.Match()
		if m.Index(userID) < 0 {
			return apperr.Wrap(apperr.ErrNotParticipant, "user %s is not in match %s", userID, matchID)
		}
		if m.Status != match.StatusInProgress {
			return apperr.Wrap(apperr.ErrInvalidPhase, "match %s is %s", matchID, m.Status)
		}
		tx.Disarm()
		return r.escalate.Escalate(tx, match.OriginPlayerRequest, userID)
	})
}

func (r *Resolver) validate(s match.Score) error {
	switch {
	case s.First < 0 || s.Second < 0:
		return apperr.Wrap(apperr.ErrInvalidScore, "scores must be non-negative")
	case s.First > r.cfg.MaxScore || s.Second > r.cfg.MaxScore:
		return apperr.Wrap(apperr.ErrInvalidScore, "scores must be at most %d", r.cfg.MaxScore)
	case s.First == s.Second:
		return apperr.Wrap(apperr.ErrInvalidScore, "a match cannot end in a draw")
	}
	return nil
}

// expire T5 到期时上报不足两份，取消且不改分
func (r *Resolver) expire(tx *match.Tx) error {
	if tx.Match().Status != match.StatusInProgress {
		return nil
	}
	return r.settle.Expire(tx, "score report deadline passed")
}
