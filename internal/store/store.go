package store

import (
	"context"
	"strings"

	"RankedLobby/internal/match"
	"RankedLobby/internal/rating"
)

// Stat 可原子自增的统计字段
type Stat string

const (
	StatWins     Stat = "wins"
	StatLosses   Stat = "losses"
	StatMatches  Stat = "matches"
	StatDisputes Stat = "disputes"
	StatForfeits Stat = "forfeits"
)

// Player 玩家评分与段位
type Player struct {
	UserID string `json:"userId"`
	Rating int    `json:"rating"`
	Streak int    `json:"streak"` // 当前连胜
	rating.Standing
	Stats map[Stat]int64 `json:"stats,omitempty"`
}

// 活跃槽位：玩家同一时间只能排队或在一场比赛中
const SlotQueue = "queue"

func SlotMatch(matchID string) string { return "match:" + matchID }

// SlotMatchID 解析槽位里的比赛 id
func SlotMatchID(slot string) (string, bool) {
	if !strings.HasPrefix(slot, "match:") {
		return "", false
	}
	return strings.TrimPrefix(slot, "match:"), true
}

type Store interface {
	SaveMatch(ctx context.Context, m *match.Match) error
	LoadMatch(ctx context.Context, id string) (*match.Match, error)
	// ActiveMatches 所有未结束的比赛，重启后恢复注册表用
	ActiveMatches(ctx context.Context) ([]*match.Match, error)

	// LoadPlayer 不存在时返回初始分的新玩家
	LoadPlayer(ctx context.Context, userID string) (*Player, error)
	// SavePlayer 只写评分/段位字段，不覆盖统计
	SavePlayer(ctx context.Context, p *Player) error
	IncrStat(ctx context.Context, userID string, stat Stat, by int64) (int64, error)

	// SwapSlot 原子比较并设置玩家的活跃槽位；next 为空表示清空。
	// 失败时返回当前值与 false。
	SwapSlot(ctx context.Context, userID, expect, next string) (string, bool, error)
	// Slot 玩家当前的活跃槽位，空串表示空闲
	Slot(ctx context.Context, userID string) (string, error)
}
