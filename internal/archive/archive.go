package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"RankedLobby/internal/match"
)

// Archive 保存已结束的比赛，供历史查询
type Archive interface {
	Archive(ctx context.Context, m *match.Match) error
}

// Noop 未配置数据库时使用
type Noop struct{}

func (Noop) Archive(ctx context.Context, m *match.Match) error { return nil }

const schema = `
CREATE TABLE IF NOT EXISTS match_archive (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	stage        TEXT NOT NULL DEFAULT '',
	player_a     TEXT NOT NULL,
	player_b     TEXT NOT NULL,
	winner       TEXT NOT NULL DEFAULT '',
	forfeit      BOOLEAN NOT NULL DEFAULT FALSE,
	hypercharged BOOLEAN NOT NULL DEFAULT FALSE,
	delta_a      INTEGER NOT NULL DEFAULT 0,
	delta_b      INTEGER NOT NULL DEFAULT 0,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
INSERT INTO match_archive
	(id, status, stage, player_a, player_b, winner, forfeit, hypercharged, delta_a, delta_b, payload, created_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`

// Postgres lib/pq 驱动，连接由 storage.InitPostgres 建立
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate match_archive: %w", err)
	}
	return nil
}

func (p *Postgres) Archive(ctx context.Context, m *match.Match) error {
	args, err := row(m)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, insertSQL, args...); err != nil {
		return fmt.Errorf("archive match %s: %w", m.ID, err)
	}
	return nil
}

// row 按 insertSQL 的列顺序展开；非终态比赛不归档
func row(m *match.Match) ([]any, error) {
	if !m.Status.Terminal() {
		return nil, fmt.Errorf("archive match %s: status %s is not terminal", m.ID, m.Status)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode match %s: %w", m.ID, err)
	}
	var winner string
	var forfeit bool
	if m.Outcome != nil {
		winner = m.Outcome.WinnerID
		forfeit = m.Outcome.Forfeit
	}
	finished := m.UpdatedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	a, b := m.Participants[0], m.Participants[1]
	return []any{
		m.ID, string(m.Status), m.Stage, a.UserID, b.UserID, winner, forfeit, m.Hypercharged,
		a.RatingChange, b.RatingChange, payload, m.CreatedAt, finished,
	}, nil
}
