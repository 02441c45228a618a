package matchmaker

import "time"

// QueueEntry 排队中的玩家，仅由 MatchQueue 持有
type QueueEntry struct {
	UserID   string    `json:"userId"`
	Region   string    `json:"region"`
	Tier     int       `json:"tier"` // 段位序号，入队时按当前分计算
	Rating   int       `json:"rating"`
	JoinedAt time.Time `json:"joinedAt"`
	Attempts int       `json:"pairingAttempts"`
	Seq      int64     `json:"-"` // 入队顺序
}

// JoinRequest 前端提交的匹配请求；userId 来自 JWT
type JoinRequest struct {
	Region string `json:"region" binding:"required"`
}

type JoinResponse struct {
	Queued bool       `json:"queued"`
	Entry  QueueEntry `json:"entry"`
}

// Status 排队状态；已配对时只给出 MatchID
type Status struct {
	Queued      bool    `json:"queued"`
	Position    int     `json:"position,omitempty"` // 从 1 开始
	Size        int     `json:"size"`
	WaitSeconds float64 `json:"waitSeconds,omitempty"`
	Attempts    int     `json:"pairingAttempts,omitempty"`
	MatchID     string  `json:"matchId,omitempty"`
}
