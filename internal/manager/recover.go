package manager

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"RankedLobby/internal/match"
	"RankedLobby/internal/store"
	"RankedLobby/internal/utils"
)

// Resumer 重启后在比赛锁内重新排期（negotiator / outcome / dispute 各自实现）
type Resumer interface {
	Resume(tx *match.Tx) error
}

// Recover 把存储中未结束的比赛放回注册表，按状态交给对应组件恢复计时，返回恢复的场数。
// 启动时在接收请求之前调用。
func Recover(ctx context.Context, st store.Store, reg *match.Registry, resumers map[match.Status]Resumer, logger *log.Logger) (int, error) {
	lg := utils.OrDiscard(logger)
	list, err := st.ActiveMatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active matches: %w", err)
	}
	n := 0
	for _, m := range list {
		r, ok := resumers[m.Status]
		if !ok {
			lg.Warn("no resumer for status", "match", m.ID, "status", m.Status)
			continue
		}
		if err := reg.Restore(ctx, m, r.Resume); err != nil {
			lg.Warn("restore match", "match", m.ID, "err", err)
			continue
		}
		lg.Info("match restored", "match", m.ID, "status", m.Status, "phase", m.Negotiation.Phase)
		n++
	}
	return n, nil
}
