package negotiator

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/dealer"
	"RankedLobby/internal/match"
	"RankedLobby/internal/notifier"
	"RankedLobby/internal/settle"
	"RankedLobby/internal/utils"
)

// 提示主题，前端据此渲染
const (
	TopicBan     = "stage_ban"
	TopicCaptain = "captain_select"
	TopicHost    = "host_select"
	TopicCode    = "room_code"
	TopicConfirm = "room_code_confirm"
)

// 选项取值
const (
	VoteSelf     = "self"
	VoteOpponent = "opponent"
	CodeConfirm  = "confirm"
	CodeInvalid  = "invalid"
)

// Negotiator 赛前协商状态机。每场比赛的状态都在 Match.Negotiation 里，
// 所有修改都经过 Registry.Update，回应与超时由比赛锁串行化。
type Negotiator struct {
	reg    *match.Registry
	settle *settle.Settler
	dealer *dealer.Dealer
	notify notifier.Notifier
	cfg    Config
	log    *log.Logger

	stages   []notifier.Option
	captains []notifier.Option
	code     *regexp.Regexp

	// OnReady 房间码确认、比赛进入 IN_PROGRESS 后在同一个 Tx 内调用
	OnReady func(tx *match.Tx) error
	newID   func() string
}

func New(reg *match.Registry, s *settle.Settler, d *dealer.Dealer, n notifier.Notifier, cfg Config, logger *log.Logger) (*Negotiator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stages, _ := options(cfg.Stages)
	captains, _ := options(cfg.Captains)
	return &Negotiator{
		reg:      reg,
		settle:   s,
		dealer:   d,
		notify:   n,
		cfg:      cfg,
		log:      utils.OrDiscard(logger),
		stages:   stages,
		captains: captains,
		code:     regexp.MustCompile(cfg.CodePattern),
		newID:    uuid.NewString,
	}, nil
}

// Start 配对后开始协商：随机决定先禁图的一方并发出第一个提示
func (n *Negotiator) Start(ctx context.Context, matchID string) error {
	return n.reg.Update(ctx, matchID, func(tx *match.Tx) error {
		m := tx.Match()
		ng := &m.Negotiation
		if m.Status != match.StatusPregame || ng.Phase != match.PhaseStageBan || len(ng.Candidates) > 0 {
			return apperr.Wrap(apperr.ErrInvalidPhase, "match %s already negotiating", m.ID)
		}
		n.begin(tx)
		return nil
	})
}

func (n *Negotiator) begin(tx *match.Tx) {
	m := tx.Match()
	ng := &m.Negotiation
	ng.Candidates = optionIDs(n.stages)
	ng.Remaining = append([]string(nil), ng.Candidates...)
	ng.Starter = n.dealer.Intn(2)
	ng.Turn = ng.Starter
	m.Record("negotiation_started", match.ActorSystem, tx.Now(), map[string]any{
		"stages":  len(ng.Candidates),
		"starter": m.Participants[ng.Starter].UserID,
	})
	n.phaseChanged(tx)
	n.promptBan(tx)
}

// Resume 重启恢复：还没开始协商的从头开始，否则按原截止时间重新排期。
// 未完成的提示 id 仍在 Negotiation.Prompts 中，客户端 sync 后可以继续回应。
func (n *Negotiator) Resume(tx *match.Tx) error {
	m := tx.Match()
	if m.Status != match.StatusPregame {
		return apperr.Wrap(apperr.ErrInvalidPhase, "match %s is %s", m.ID, m.Status)
	}
	if len(m.Negotiation.Candidates) == 0 {
		n.begin(tx)
		return nil
	}
	tx.Arm(tx.Until(m.TimerAt), n.timeout)
	m.Record("negotiation_resumed", match.ActorSystem, tx.Now(), map[string]any{"phase": m.Negotiation.Phase})
	return nil
}

// Cancel 外部取消仍在赛前阶段的比赛
func (n *Negotiator) Cancel(ctx context.Context, matchID, reason string) error {
	return n.reg.Update(ctx, matchID, func(tx *match.Tx) error {
		if tx.Match().Status != match.StatusPregame {
			return apperr.Wrap(apperr.ErrInvalidPhase, "match %s is %s", matchID, tx.Match().Status)
		}
		n.withdrawAll(tx)
		return n.settle.Cancel(tx, reason)
	})
}

// Respond 玩家对提示的回应。promptId 不是该玩家当前的提示时返回 ErrStalePrompt，
// 不做任何修改；与超时并发时只有先拿到比赛锁的一方生效。
func (n *Negotiator) Respond(ctx context.Context, matchID, promptID, userID, value string) error {
	var rejected error
	err := n.reg.Update(ctx, matchID, func(tx *match.Tx) error {
		m := tx.Match()
		idx := m.Index(userID)
		if idx < 0 {
			return apperr.Wrap(apperr.ErrNotParticipant, "user %s is not in match %s", userID, matchID)
		}
		if m.Status != match.StatusPregame {
			return apperr.Wrap(apperr.ErrInvalidPhase, "match %s is %s", matchID, m.Status)
		}
		if cur := m.Negotiation.Prompts[userID]; promptID == "" || cur != promptID {
			return apperr.Wrap(apperr.ErrStalePrompt, "prompt %s is not current for %s", promptID, userID)
		}
		value = strings.TrimSpace(value)

		switch m.Negotiation.Phase {
		case match.PhaseStageBan:
			return n.respondBan(tx, idx, value)
		case match.PhaseCaptainSelect:
			return n.respondCaptain(tx, idx, value)
		case match.PhaseHostSelect:
			return n.respondHost(tx, idx, value)
		case match.PhaseRoomCode:
			rejected = n.respondCode(tx, idx, value)
			if rejected != nil && !errors.Is(rejected, apperr.ErrInvalidRoomCode) {
				return rejected
			}
			return nil
		}
		return apperr.Wrap(apperr.ErrInvalidPhase, "match %s phase %s", matchID, m.Negotiation.Phase)
	})
	if err != nil {
		return err
	}
	// 格式错误的房间码：重新提示已提交，调用方仍然拿到校验错误
	return rejected
}

// timeout 当前阶段的定时器回调
func (n *Negotiator) timeout(tx *match.Tx) error {
	m := tx.Match()
	if m.Status != match.StatusPregame {
		return nil
	}
	switch m.Negotiation.Phase {
	case match.PhaseStageBan:
		turn := m.Negotiation.Turn
		n.withdraw(tx, m.Participants[turn].UserID)
		return n.ban(tx, turn, n.dealer.Pick(m.Negotiation.Remaining), true)
	case match.PhaseCaptainSelect:
		turn := m.Negotiation.Turn
		n.withdraw(tx, m.Participants[turn].UserID)
		return n.pick(tx, turn, n.dealer.Pick(n.freeCaptains(m)), true)
	case match.PhaseHostSelect:
		n.withdrawAll(tx)
		return n.resolveHost(tx, true)
	case match.PhaseRoomCode:
		n.withdrawAll(tx)
		if m.Negotiation.PendingCode != "" {
			return n.acceptCode(tx, match.ActorSystem)
		}
		return n.settle.Cancel(tx, "no valid room code before deadline")
	}
	return nil
}

// stalled 连续自动处理计数；达到上限返回 true
func (n *Negotiator) stalled(tx *match.Tx, auto bool) bool {
	ng := &tx.Match().Negotiation
	if !auto {
		ng.ConsecutiveTimeouts = 0
		return false
	}
	ng.ConsecutiveTimeouts++
	return n.cfg.StallLimit > 0 && ng.ConsecutiveTimeouts >= n.cfg.StallLimit
}

func (n *Negotiator) phaseChanged(tx *match.Tx) {
	m := tx.Match()
	msg := notifier.Message{
		MatchID: m.ID,
		Kind:    notifier.MsgPhase,
		Data:    map[string]any{"phase": m.Negotiation.Phase},
	}
	uids := m.UserIDs()
	tx.After(func() {
		if n.notify == nil {
			return
		}
		if err := notifier.Broadcast(n.notify, uids, msg); err != nil {
			n.log.Warn("notify phase", "match", msg.MatchID, "err", err)
		}
	})
}

func optionIDs(opts []notifier.Option) []string {
	out := make([]string, len(opts))
	for i, o := range opts {
		out[i] = o.ID
	}
	return out
}
