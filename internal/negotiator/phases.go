package negotiator

import (
	"slices"
	"time"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/match"
	"RankedLobby/internal/notifier"
)

// ---------- STAGE_BAN ----------

func (n *Negotiator) promptBan(tx *match.Tx) {
	ng := &tx.Match().Negotiation
	deadline := n.arm(tx, n.cfg.BanTimeout)
	n.ask(tx, ng.Turn, notifier.Prompt{
		Kind:     notifier.KindChoice,
		Topic:    TopicBan,
		Text:     "Ban a stage",
		Options:  pickOptions(n.stages, ng.Remaining),
		Deadline: deadline,
	})
}

func (n *Negotiator) respondBan(tx *match.Tx, idx int, stage string) error {
	ng := &tx.Match().Negotiation
	if idx != ng.Turn {
		return apperr.Wrap(apperr.ErrInvalidPhase, "not your turn to ban")
	}
	if !slices.Contains(ng.Remaining, stage) {
		return apperr.Wrap(apperr.ErrInvalidChoice, "stage %q is not available", stage)
	}
	n.answered(tx, tx.Match().Participants[idx].UserID)
	return n.ban(tx, idx, stage, false)
}

// ban 剩一张图时阶段结束，这张图即为比赛场地
func (n *Negotiator) ban(tx *match.Tx, idx int, stage string, auto bool) error {
	m := tx.Match()
	ng := &m.Negotiation
	uid := m.Participants[idx].UserID

	ng.Remaining = slices.DeleteFunc(ng.Remaining, func(s string) bool { return s == stage })
	ng.Bans = append(ng.Bans, match.Pick{UserID: uid, Value: stage, Auto: auto})
	m.Record("stage_banned", actor(uid, auto), tx.Now(), map[string]any{"stage": stage, "for": uid, "auto": auto})

	if n.stalled(tx, auto) {
		return n.stall(tx)
	}
	if len(ng.Remaining) == 1 {
		m.Stage = ng.Remaining[0]
		m.Record("stage_selected", match.ActorSystem, tx.Now(), map[string]any{"stage": m.Stage})
		ng.Phase = match.PhaseCaptainSelect
		// 第二个禁图的一方先选
		ng.Turn = match.Opponent(ng.Starter)
		n.phaseChanged(tx)
		n.promptCaptain(tx)
		return nil
	}
	ng.Turn = match.Opponent(ng.Turn)
	n.promptBan(tx)
	return nil
}

// ---------- CAPTAIN_SELECT ----------

func (n *Negotiator) promptCaptain(tx *match.Tx) {
	m := tx.Match()
	deadline := n.arm(tx, n.cfg.PickTimeout)
	n.ask(tx, m.Negotiation.Turn, notifier.Prompt{
		Kind:     notifier.KindChoice,
		Topic:    TopicCaptain,
		Text:     "Pick your captain",
		Options:  pickOptions(n.captains, n.freeCaptains(m)),
		Deadline: deadline,
	})
}

// freeCaptains 本场还没被任何一方选走的队长
func (n *Negotiator) freeCaptains(m *match.Match) []string {
	var out []string
	for _, c := range n.captains {
		taken := slices.ContainsFunc(m.Negotiation.Picks, func(p match.Pick) bool { return p.Value == c.ID })
		if !taken {
			out = append(out, c.ID)
		}
	}
	return out
}

func (n *Negotiator) respondCaptain(tx *match.Tx, idx int, captain string) error {
	m := tx.Match()
	if idx != m.Negotiation.Turn {
		return apperr.Wrap(apperr.ErrInvalidPhase, "not your turn to pick")
	}
	if !slices.Contains(n.freeCaptains(m), captain) {
		return apperr.Wrap(apperr.ErrInvalidChoice, "captain %q is not available", captain)
	}
	n.answered(tx, m.Participants[idx].UserID)
	return n.pick(tx, idx, captain, false)
}

func (n *Negotiator) pick(tx *match.Tx, idx int, captain string, auto bool) error {
	m := tx.Match()
	ng := &m.Negotiation
	uid := m.Participants[idx].UserID

	ng.Picks = append(ng.Picks, match.Pick{UserID: uid, Value: captain, Auto: auto})
	m.Participants[idx].Captain = captain
	m.Record("captain_selected", actor(uid, auto), tx.Now(), map[string]any{"captain": captain, "for": uid, "auto": auto})

	if n.stalled(tx, auto) {
		return n.stall(tx)
	}
	if len(ng.Picks) == len(m.Participants) {
		n.enterHost(tx)
		return nil
	}
	ng.Turn = match.Opponent(ng.Turn)
	n.promptCaptain(tx)
	return nil
}

// ---------- HOST_SELECT ----------

func (n *Negotiator) enterHost(tx *match.Tx) {
	m := tx.Match()
	ng := &m.Negotiation
	ng.Phase = match.PhaseHostSelect
	ng.HostVotes = make(map[string]string)
	n.phaseChanged(tx)

	deadline := n.arm(tx, n.cfg.HostTimeout)
	for i := range m.Participants {
		n.ask(tx, i, notifier.Prompt{
			Kind:  notifier.KindChoice,
			Topic: TopicHost,
			Text:  "Who should host the lobby?",
			Options: []notifier.Option{
				{ID: VoteSelf, Label: "I will host"},
				{ID: VoteOpponent, Label: "My opponent should host"},
			},
			Deadline: deadline,
		})
	}
}

func (n *Negotiator) respondHost(tx *match.Tx, idx int, vote string) error {
	if vote != VoteSelf && vote != VoteOpponent {
		return apperr.Wrap(apperr.ErrInvalidChoice, "vote %q", vote)
	}
	m := tx.Match()
	uid := m.Participants[idx].UserID
	m.Negotiation.HostVotes[uid] = vote
	n.answered(tx, uid)
	n.stalled(tx, false)
	m.Record("host_vote", uid, tx.Now(), map[string]any{"vote": vote})

	if len(m.Negotiation.HostVotes) == len(m.Participants) {
		return n.resolveHost(tx, false)
	}
	return nil
}

// resolveHost 双方都投完或超时后决定主机，结果恰好一人 IsHost
func (n *Negotiator) resolveHost(tx *match.Tx, auto bool) error {
	m := tx.Match()
	votes := m.Negotiation.HostVotes
	v0, v1 := votes[m.Participants[0].UserID], votes[m.Participants[1].UserID]

	var host int
	var rule string
	switch {
	case v0 == VoteSelf && v1 == VoteSelf:
		host, rule = senior(m), "both_self"
	case v0 == VoteSelf:
		host, rule = 0, "single_self"
	case v1 == VoteSelf:
		host, rule = 1, "single_self"
	// 只有一方投了且让对方当主机
	case v0 == VoteOpponent && v1 == "":
		host, rule = 1, "deferred"
	case v1 == VoteOpponent && v0 == "":
		host, rule = 0, "deferred"
	default:
		host, rule = senior(m), "senior"
	}

	if auto && n.stalled(tx, true) {
		return n.stall(tx)
	}
	for i := range m.Participants {
		m.Participants[i].IsHost = i == host
	}
	m.Record("host_selected", match.ActorSystem, tx.Now(), map[string]any{
		"host":  m.Participants[host].UserID,
		"rule":  rule,
		"votes": map[string]string{m.Participants[0].UserID: v0, m.Participants[1].UserID: v1},
	})
	n.enterRoomCode(tx)
	return nil
}

// senior 段位高者，其次分数高者，再相同取先配对的一方
func senior(m *match.Match) int {
	a, b := m.Participants[0], m.Participants[1]
	switch {
	case a.Rank != b.Rank:
		if b.Rank > a.Rank {
			return 1
		}
	case b.Rating > a.Rating:
		return 1
	}
	return 0
}

// ---------- ROOM_CODE ----------

// enterRoomCode T4 覆盖整个阶段，重新提示不会延长
func (n *Negotiator) enterRoomCode(tx *match.Tx) {
	ng := &tx.Match().Negotiation
	ng.Phase = match.PhaseRoomCode
	n.phaseChanged(tx)
	n.arm(tx, n.cfg.CodeTimeout)
	n.promptCode(tx, "Create a lobby and submit its room code")
}

func (n *Negotiator) promptCode(tx *match.Tx, text string) {
	m := tx.Match()
	n.ask(tx, m.Host(), notifier.Prompt{
		Kind:     notifier.KindFreeform,
		Topic:    TopicCode,
		Text:     text,
		Pattern:  n.cfg.CodePattern,
		Deadline: m.Negotiation.Deadline,
	})
}

func (n *Negotiator) respondCode(tx *match.Tx, idx int, value string) error {
	m := tx.Match()
	ng := &m.Negotiation
	host := m.Host()
	hostID := m.Participants[host].UserID

	if idx == host {
		if !n.code.MatchString(value) {
			n.promptCode(tx, "Room code has the wrong format, submit it again")
			n.send(tx, hostID, notifier.Message{MatchID: m.ID, Kind: notifier.MsgCodeRejected, Text: "malformed room code"})
			return apperr.Wrap(apperr.ErrInvalidRoomCode, "%q", value)
		}
		n.answered(tx, hostID)
		ng.PendingCode = value
		m.Record("room_code_submitted", hostID, tx.Now(), map[string]any{"code": value})
		n.ask(tx, match.Opponent(host), notifier.Prompt{
			Kind:  notifier.KindChoice,
			Topic: TopicConfirm,
			Text:  "Room code: " + value,
			Options: []notifier.Option{
				{ID: CodeConfirm, Label: "Joined"},
				{ID: CodeInvalid, Label: "Code does not work"},
			},
			Deadline: ng.Deadline,
		})
		return nil
	}

	uid := m.Participants[idx].UserID
	switch value {
	case CodeConfirm:
		n.answered(tx, uid)
		return n.acceptCode(tx, uid)
	case CodeInvalid:
		n.answered(tx, uid)
		ng.InvalidFlags++
		flagged := ng.PendingCode
		ng.PendingCode = ""
		m.Record("room_code_flagged", uid, tx.Now(), map[string]any{"code": flagged, "flags": ng.InvalidFlags})
		if ng.InvalidFlags >= n.cfg.InvalidFlagLimit {
			n.withdrawAll(tx)
			return n.settle.Forfeit(tx, hostID, "room code flagged invalid")
		}
		n.send(tx, hostID, notifier.Message{
			MatchID: m.ID,
			Kind:    notifier.MsgCodeRejected,
			Text:    "opponent could not join",
			Data:    map[string]any{"flags": ng.InvalidFlags, "limit": n.cfg.InvalidFlagLimit},
		})
		n.promptCode(tx, "Your opponent could not join, submit a new room code")
		return nil
	}
	return apperr.Wrap(apperr.ErrInvalidChoice, "confirmation %q", value)
}

// acceptCode 协商结束，比赛开始
func (n *Negotiator) acceptCode(tx *match.Tx, by string) error {
	m := tx.Match()
	ng := &m.Negotiation
	m.RoomCode = ng.PendingCode
	ng.PendingCode = ""
	if err := m.SetStatus(match.StatusInProgress, tx.Now()); err != nil {
		return err
	}
	ng.Phase = match.PhaseDone
	ng.Deadline = time.Time{}
	n.withdrawAll(tx)
	tx.Disarm()
	m.Record("room_code_accepted", by, tx.Now(), map[string]any{"code": m.RoomCode})

	host := m.Participants[m.Host()].UserID
	msg := notifier.Message{
		MatchID: m.ID,
		Kind:    notifier.MsgNegotiationDone,
		Data: map[string]any{
			"stage":    m.Stage,
			"roomCode": m.RoomCode,
			"host":     host,
			"captains": map[string]string{
				m.Participants[0].UserID: m.Participants[0].Captain,
				m.Participants[1].UserID: m.Participants[1].Captain,
			},
		},
	}
	for _, uid := range m.UserIDs() {
		n.send(tx, uid, msg)
	}
	n.log.Info("negotiation done", "match", m.ID, "stage", m.Stage, "host", host)

	if n.OnReady != nil {
		return n.OnReady(tx)
	}
	return nil
}

// stall 连续无人操作，直接取消
func (n *Negotiator) stall(tx *match.Tx) error {
	n.withdrawAll(tx)
	return n.settle.Cancel(tx, "negotiation stalled")
}

// ---------- 提示与定时器 ----------

// arm 排期当前阶段的超时，返回截止时间
func (n *Negotiator) arm(tx *match.Tx, d time.Duration) time.Time {
	deadline := tx.Now().Add(d)
	tx.Match().Negotiation.Deadline = deadline
	tx.Arm(d, n.timeout)
	return deadline
}

// ask 给参赛者发新提示；该玩家之前的提示随之失效
func (n *Negotiator) ask(tx *match.Tx, idx int, p notifier.Prompt) {
	m := tx.Match()
	uid := m.Participants[idx].UserID
	n.withdraw(tx, uid)

	p.ID = n.newID()
	p.MatchID = m.ID
	if m.Negotiation.Prompts == nil {
		m.Negotiation.Prompts = make(map[string]string)
	}
	m.Negotiation.Prompts[uid] = p.ID

	tx.After(func() {
		if n.notify == nil {
			return
		}
		var err error
		if p.Kind == notifier.KindFreeform {
			err = n.notify.PresentFreeform(uid, p)
		} else {
			err = n.notify.PresentChoice(uid, p)
		}
		if err != nil {
			n.log.Warn("present prompt", "match", p.MatchID, "user", uid, "topic", p.Topic, "err", err)
		}
	})
}

// answered 提示已得到回应
func (n *Negotiator) answered(tx *match.Tx, uid string) {
	delete(tx.Match().Negotiation.Prompts, uid)
}

func (n *Negotiator) withdraw(tx *match.Tx, uid string) {
	m := tx.Match()
	id, ok := m.Negotiation.Prompts[uid]
	if !ok {
		return
	}
	delete(m.Negotiation.Prompts, uid)
	matchID := m.ID
	tx.After(func() {
		if n.notify == nil {
			return
		}
		if err := n.notify.Withdraw(uid, matchID, id); err != nil {
			n.log.Warn("withdraw prompt", "match", matchID, "user", uid, "err", err)
		}
	})
}

func (n *Negotiator) withdrawAll(tx *match.Tx) {
	for _, uid := range tx.Match().UserIDs() {
		n.withdraw(tx, uid)
	}
}

func (n *Negotiator) send(tx *match.Tx, uid string, msg notifier.Message) {
	tx.After(func() {
		if n.notify == nil {
			return
		}
		if err := n.notify.Notify(uid, msg); err != nil {
			n.log.Warn("notify", "user", uid, "kind", msg.Kind, "err", err)
		}
	})
}

func pickOptions(all []notifier.Option, ids []string) []notifier.Option {
	out := make([]notifier.Option, 0, len(ids))
	for _, o := range all {
		if slices.Contains(ids, o.ID) {
			out = append(out, o)
		}
	}
	return out
}

func actor(uid string, auto bool) string {
	if auto {
		return match.ActorSystem
	}
	return uid
}
