package dispute

import (
	"errors"
	"time"

	"RankedLobby/internal/match"
)

type Weights struct {
	ScoreMismatch float64 `mapstructure:"score_mismatch"`
	PlayerRequest float64 `mapstructure:"player_request"`
}

type Config struct {
	Timeout          time.Duration `mapstructure:"timeout"` // T6
	ReviewerCapacity int           `mapstructure:"reviewer_capacity"`
	// Reviewers 允许处理争议的用户；为空时任何登录用户都可以
	Reviewers []string `mapstructure:"reviewers"`

	Weights           Weights `mapstructure:"weights"`
	RepeatStep        float64 `mapstructure:"repeat_step"`
	RepeatCap         int     `mapstructure:"repeat_cap"`
	HyperchargeFactor float64 `mapstructure:"hypercharge_factor"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:           24 * time.Hour,
		ReviewerCapacity:  3,
		Weights:           Weights{ScoreMismatch: 1, PlayerRequest: 1.5},
		RepeatStep:        0.5,
		RepeatCap:         3,
		HyperchargeFactor: 1.25,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Timeout <= 0:
		return errors.New("dispute: timeout must be positive")
	case c.ReviewerCapacity < 1:
		return errors.New("dispute: reviewer_capacity must be >= 1")
	case c.Weights.ScoreMismatch <= 0 || c.Weights.PlayerRequest <= 0:
		return errors.New("dispute: origin weights must be positive")
	case c.RepeatStep < 0 || c.RepeatCap < 0:
		return errors.New("dispute: repeat_step and repeat_cap must be >= 0")
	case c.HyperchargeFactor < 1:
		return errors.New("dispute: hypercharge_factor must be >= 1")
	}
	return nil
}

func (c Config) weight(o match.DisputeOrigin) float64 {
	if o == match.OriginPlayerRequest {
		return c.Weights.PlayerRequest
	}
	return c.Weights.ScoreMismatch
}

// Priority 基础权重 × 惯犯系数 × 超充系数；count 为双方中较高的历史争议次数
func (c Config) Priority(o match.DisputeOrigin, count int, hypercharged bool) float64 {
	if count > c.RepeatCap {
		count = c.RepeatCap
	}
	p := c.weight(o) * (1 + c.RepeatStep*float64(count))
	if hypercharged {
		p *= c.HyperchargeFactor
	}
	return p
}
