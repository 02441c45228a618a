package notifier

import "time"

type Kind string

const (
	KindChoice   Kind = "choice"
	KindFreeform Kind = "freeform"
)

// 通知类型
const (
	MsgMatched          = "matched"
	MsgPairingAbandoned = "pairing_abandoned"
	MsgPhase            = "phase"
	MsgNegotiationDone  = "negotiation_done"
	MsgCodeRejected     = "code_rejected"
	MsgCompleted        = "match_completed"
	MsgCancelled        = "match_cancelled"
	MsgDisputed         = "match_disputed"
	MsgDisputeAssigned  = "dispute_assigned"
	MsgDisputeResolved  = "dispute_resolved"
)

type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Prompt 一次待回应的请求；ID 即取消令牌，回应时原样带回
type Prompt struct {
	ID       string    `json:"promptId"`
	MatchID  string    `json:"matchId"`
	Kind     Kind      `json:"kind"`
	Topic    string    `json:"topic"`
	Text     string    `json:"text"`
	Options  []Option  `json:"options,omitempty"`
	Pattern  string    `json:"pattern,omitempty"` // 自由输入的格式说明
	Deadline time.Time `json:"deadline"`
}

type Message struct {
	MatchID string         `json:"matchId,omitempty"`
	Kind    string         `json:"kind"`
	Text    string         `json:"text,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notifier 展示层。所有调用都不阻塞等待回应：玩家的选择通过
// negotiator.Respond 带着 promptId 回来，超时由核心自己的定时器处理。
type Notifier interface {
	PresentChoice(recipientID string, p Prompt) error
	PresentFreeform(recipientID string, p Prompt) error
	// Withdraw 撤回已失效的提示
	Withdraw(recipientID, matchID, promptID string) error
	Notify(recipientID string, msg Message) error
}

// Broadcast 给多个玩家发同一条通知，返回第一个错误
func Broadcast(n Notifier, recipients []string, msg Message) error {
	var first error
	for _, r := range recipients {
		if err := n.Notify(r, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
