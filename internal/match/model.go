package match

import (
	"time"

	"RankedLobby/internal/apperr"
)

type Status string

const (
	StatusPregame    Status = "PREGAME"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusDisputed   Status = "DISPUTED"
)

// Terminal 终态不可再修改
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// 允许的状态迁移；PREGAME -> COMPLETED 仅用于弃权
var transitions = map[Status][]Status{
	StatusPregame:    {StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusDisputed, StatusCancelled},
	StatusDisputed:   {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Phase string

const (
	PhaseStageBan      Phase = "STAGE_BAN"
	PhaseCaptainSelect Phase = "CAPTAIN_SELECT"
	PhaseHostSelect    Phase = "HOST_SELECT"
	PhaseRoomCode      Phase = "ROOM_CODE"
	PhaseDone          Phase = "DONE"
	PhaseCancelled     Phase = "CANCELLED"
)

func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseCancelled
}

// Score 按参赛者顺序记录的比分：First 为 Participants[0] 的胜局数
type Score struct {
	First  int `json:"first"`
	Second int `json:"second"`
}

type Participant struct {
	UserID        string     `json:"userId"`
	Region        string     `json:"region"`
	Rating        int        `json:"rating"` // 配对时的快照
	Rank          int        `json:"rank"`
	Captain       string     `json:"captain,omitempty"`
	IsHost        bool       `json:"isHost"`
	ReportedScore *Score     `json:"reportedScore,omitempty"`
	ReportedAt    *time.Time `json:"reportedAt,omitempty"`
	RatingChange  int        `json:"ratingChange"`
}

type HistoryEntry struct {
	Action  string         `json:"action"`
	Actor   string         `json:"actor"` // userId；系统动作为 "system"
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

const ActorSystem = "system"

type DisputeOrigin string

const (
	OriginScoreMismatch DisputeOrigin = "SCORE_MISMATCH"
	OriginPlayerRequest DisputeOrigin = "PLAYER_REQUEST"
)

type DisputeStatus string

const (
	DisputePending  DisputeStatus = "PENDING"
	DisputeResolved DisputeStatus = "RESOLVED"
	DisputeExpired  DisputeStatus = "EXPIRED"
)

type Resolution struct {
	WinnerID  string `json:"winner,omitempty"`
	Cancelled bool   `json:"cancelled"`
	Note      string `json:"note,omitempty"`
}

type Dispute struct {
	ID               string         `json:"id"`
	MatchID          string         `json:"matchId"`
	Priority         float64        `json:"priority"`
	Origin           DisputeOrigin  `json:"origin"`
	RequestedBy      string         `json:"requestedBy,omitempty"`
	ReportCounts     map[string]int `json:"reportCounts"` // 每位参赛者此前的争议次数
	AssignedReviewer string         `json:"assignedReviewer,omitempty"`
	Status           DisputeStatus  `json:"status"`
	Resolution       *Resolution    `json:"resolution,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	Seq              int64          `json:"seq"`
}

// Outcome 终局结果
type Outcome struct {
	WinnerID string `json:"winner,omitempty"`
	LoserID  string `json:"loser,omitempty"`
	Forfeit  bool   `json:"forfeit,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type Match struct {
	ID           string         `json:"id"`
	Status       Status         `json:"status"`
	Participants [2]Participant `json:"participants"`
	Stage        string         `json:"stage,omitempty"`
	RoomCode     string         `json:"roomCode,omitempty"`
	Hypercharged bool           `json:"hypercharged"`
	Multiplier   float64        `json:"multiplier"`
	History      []HistoryEntry `json:"history"`
	Negotiation  Negotiation    `json:"negotiation"`
	Dispute      *Dispute       `json:"dispute,omitempty"`
	Outcome      *Outcome       `json:"outcome,omitempty"`
	TimerAt      time.Time      `json:"timerAt,omitempty"` // 当前定时器的到期时间，重启后据此恢复
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Negotiation 赛前协商进度，随 Match 一起持久化
type Negotiation struct {
	Phase      Phase     `json:"phase"`
	Deadline   time.Time `json:"deadline"` // 当前阶段或回合的截止时间
	Candidates []string  `json:"candidates"`
	Remaining  []string  `json:"remaining"`
	Bans       []Pick    `json:"bans"`
	Starter    int       `json:"starter"` // 第一个禁图的参赛者下标
	Turn       int       `json:"turn"`    // 当前行动的参赛者下标
	Picks      []Pick    `json:"picks"`

	HostVotes map[string]string `json:"hostVotes,omitempty"`

	PendingCode  string `json:"pendingCode,omitempty"`
	InvalidFlags int    `json:"invalidFlags"`

	// 未完成的提示：userId -> promptId
	Prompts map[string]string `json:"prompts,omitempty"`

	ConsecutiveTimeouts int `json:"consecutiveTimeouts"`
}

type Pick struct {
	UserID string `json:"userId"`
	Value  string `json:"value"`
	Auto   bool   `json:"auto"`
}

// New 两个已配对的参赛者创建一场 PREGAME 比赛
func New(id string, a, b Participant, now time.Time) *Match {
	return &Match{
		ID:           id,
		Status:       StatusPregame,
		Participants: [2]Participant{a, b},
		Multiplier:   1,
		Negotiation:  Negotiation{Phase: PhaseStageBan},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Index 返回 userId 的参赛者下标，不是参赛者返回 -1
func (m *Match) Index(userID string) int {
	for i := range m.Participants {
		if m.Participants[i].UserID == userID {
			return i
		}
	}
	return -1
}

func (m *Match) Participant(userID string) (*Participant, error) {
	i := m.Index(userID)
	if i < 0 {
		return nil, apperr.Wrap(apperr.ErrNotParticipant, "user %s is not in match %s", userID, m.ID)
	}
	return &m.Participants[i], nil
}

// Opponent 对手下标
func Opponent(i int) int { return 1 - i }

func (m *Match) UserIDs() []string {
	return []string{m.Participants[0].UserID, m.Participants[1].UserID}
}

// Host 返回主机下标，未选出时返回 -1
func (m *Match) Host() int {
	for i := range m.Participants {
		if m.Participants[i].IsHost {
			return i
		}
	}
	return -1
}

// SetStatus 校验迁移合法性；终态之后任何修改都会被拒绝
func (m *Match) SetStatus(to Status, now time.Time) error {
	if m.Status == to {
		return nil
	}
	if !CanTransition(m.Status, to) {
		return apperr.Wrap(apperr.ErrInvalidPhase, "match %s: %s -> %s not allowed", m.ID, m.Status, to)
	}
	m.Status = to
	m.UpdatedAt = now
	return nil
}

func (m *Match) Record(action, actor string, now time.Time, payload map[string]any) {
	m.History = append(m.History, HistoryEntry{Action: action, Actor: actor, At: now, Payload: payload})
	m.UpdatedAt = now
}

// Clone 深拷贝，对外返回快照时使用
func (m *Match) Clone() *Match {
	c := *m
	c.History = append([]HistoryEntry(nil), m.History...)
	for i := range c.Participants {
		if s := m.Participants[i].ReportedScore; s != nil {
			cp := *s
			c.Participants[i].ReportedScore = &cp
		}
		if t := m.Participants[i].ReportedAt; t != nil {
			cp := *t
			c.Participants[i].ReportedAt = &cp
		}
	}
	n := &c.Negotiation
	n.Candidates = append([]string(nil), m.Negotiation.Candidates...)
	n.Remaining = append([]string(nil), m.Negotiation.Remaining...)
	n.Bans = append([]Pick(nil), m.Negotiation.Bans...)
	n.Picks = append([]Pick(nil), m.Negotiation.Picks...)
	n.HostVotes = copyMap(m.Negotiation.HostVotes)
	n.Prompts = copyMap(m.Negotiation.Prompts)
	if m.Dispute != nil {
		d := *m.Dispute
		d.ReportCounts = make(map[string]int, len(m.Dispute.ReportCounts))
		for k, v := range m.Dispute.ReportCounts {
			d.ReportCounts[k] = v
		}
		if m.Dispute.Resolution != nil {
			r := *m.Dispute.Resolution
			d.Resolution = &r
		}
		c.Dispute = &d
	}
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	return &c
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
