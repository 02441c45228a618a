package rating

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Config 全部常量都来自配置文件（config.yaml 的 rating 段）
type Config struct {
	// 新玩家初始分
	StartRating int `mapstructure:"start_rating" json:"startRating"`

	BaseGain float64 `mapstructure:"base_gain" json:"baseGain"`
	BaseLoss float64 `mapstructure:"base_loss" json:"baseLoss"`

	// 评分差加成：(败者分 - 胜者分) / DiffDivisor，限制在 ±DiffCap
	DiffDivisor float64 `mapstructure:"diff_divisor" json:"diffDivisor"`
	DiffCap     float64 `mapstructure:"diff_cap" json:"diffCap"`

	// 比分差加成：(margin-1) * MarginPerPoint，上限 MarginCap
	MarginPerPoint float64 `mapstructure:"margin_per_point" json:"marginPerPoint"`
	MarginCap      float64 `mapstructure:"margin_cap" json:"marginCap"`

	// 连胜加成，仅胜者
	StreakPerWin float64 `mapstructure:"streak_per_win" json:"streakPerWin"`
	StreakCap    float64 `mapstructure:"streak_cap" json:"streakCap"`

	WinnerMin int `mapstructure:"winner_min" json:"winnerMin"`
	WinnerMax int `mapstructure:"winner_max" json:"winnerMax"`
	LoserMin  int `mapstructure:"loser_min" json:"loserMin"`
	LoserMax  int `mapstructure:"loser_max" json:"loserMax"`

	HyperchargeChance     float64 `mapstructure:"hypercharge_chance" json:"hyperchargeChance"`
	HyperchargeMultiplier float64 `mapstructure:"hypercharge_multiplier" json:"hyperchargeMultiplier"`

	ForfeitWinner int `mapstructure:"forfeit_winner" json:"forfeitWinner"`
	ForfeitLoser  int `mapstructure:"forfeit_loser" json:"forfeitLoser"`

	Tiers []Tier `mapstructure:"tiers" json:"tiers"`
}

func DefaultConfig() Config {
	return Config{
		StartRating:           1000,
		BaseGain:              20,
		BaseLoss:              18,
		DiffDivisor:           25,
		DiffCap:               8,
		MarginPerPoint:        1,
		MarginCap:             4,
		StreakPerWin:          1,
		StreakCap:             5,
		WinnerMin:             5,
		WinnerMax:             40,
		LoserMin:              -35,
		LoserMax:              -2,
		HyperchargeChance:     0.1,
		HyperchargeMultiplier: 1.5,
		ForfeitWinner:         10,
		ForfeitLoser:          -25,
		Tiers:                 DefaultTiers(),
	}
}

func (c Config) Validate() error {
	switch {
	case c.StartRating < 0:
		return errors.New("rating: start_rating must be >= 0")
	case c.WinnerMin < 0 || c.WinnerMin > c.WinnerMax:
		return fmt.Errorf("rating: winner range [%d,%d] must satisfy 0 <= min <= max", c.WinnerMin, c.WinnerMax)
	case c.LoserMax > 0 || c.LoserMin > c.LoserMax:
		return fmt.Errorf("rating: loser range [%d,%d] must satisfy min <= max <= 0", c.LoserMin, c.LoserMax)
	case c.DiffDivisor <= 0:
		return errors.New("rating: diff_divisor must be positive")
	case c.HyperchargeMultiplier < 1:
		return errors.New("rating: hypercharge_multiplier must be >= 1")
	case c.ForfeitWinner < 0 || c.ForfeitLoser > 0:
		return errors.New("rating: forfeit deltas must be winner >= 0 >= loser")
	case len(c.Tiers) == 0:
		return errors.New("rating: tier table is empty")
	}
	lowest := c.Tiers[0].MinRating
	for _, t := range c.Tiers {
		if t.MinRating < lowest {
			lowest = t.MinRating
		}
	}
	if lowest > 0 {
		return fmt.Errorf("rating: lowest tier threshold %d must be <= 0", lowest)
	}
	return nil
}

// Input 一场比赛结算所需的全部信息
type Input struct {
	WinnerRating int
	LoserRating  int
	Margin       int // 胜方比分差，至少 1
	WinnerStreak int // 本场之前的连胜场数
	Hypercharged bool
	Multiplier   float64 // 0 表示使用配置里的倍率
}

type Result struct {
	WinnerDelta int `json:"winnerDelta"`
	LoserDelta  int `json:"loserDelta"`
}

// Engine 纯函数，无状态
type Engine struct {
	cfg   Config
	tiers []Tier
}

func NewEngine(cfg Config) *Engine {
	tiers := append([]Tier(nil), cfg.Tiers...)
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].MinRating > tiers[j].MinRating })
	return &Engine{cfg: cfg, tiers: tiers}
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) multiplier(in Input) float64 {
	if !in.Hypercharged {
		return 1
	}
	if in.Multiplier > 0 {
		return in.Multiplier
	}
	if e.cfg.HyperchargeMultiplier < 1 {
		return 1
	}
	return e.cfg.HyperchargeMultiplier
}

func (e *Engine) diffBonus(in Input) float64 {
	if e.cfg.DiffDivisor <= 0 {
		return 0
	}
	return clampF(float64(in.LoserRating-in.WinnerRating)/e.cfg.DiffDivisor, -e.cfg.DiffCap, e.cfg.DiffCap)
}

func (e *Engine) marginBonus(in Input) float64 {
	m := in.Margin
	if m < 1 {
		m = 1
	}
	return clampF(float64(m-1)*e.cfg.MarginPerPoint, 0, e.cfg.MarginCap)
}

func (e *Engine) streakBonus(in Input) float64 {
	return clampF(float64(in.WinnerStreak)*e.cfg.StreakPerWin, 0, e.cfg.StreakCap)
}

// WinnerDelta 胜者加分，落在 [WinnerMin, WinnerMax]
func (e *Engine) WinnerDelta(in Input) int {
	bonus := e.diffBonus(in) + e.marginBonus(in) + e.streakBonus(in)
	raw := e.cfg.BaseGain + e.multiplier(in)*bonus
	return clampI(round(raw), e.cfg.WinnerMin, e.cfg.WinnerMax)
}

// LoserDelta 败者扣分（负数），落在 [LoserMin, LoserMax]；超充时按 (m-1)*BaseLoss 减免
func (e *Engine) LoserDelta(in Input) int {
	loss := e.cfg.BaseLoss + e.diffBonus(in) + e.marginBonus(in)
	loss -= (e.multiplier(in) - 1) * e.cfg.BaseLoss
	return clampI(round(-loss), e.cfg.LoserMin, e.cfg.LoserMax)
}

func (e *Engine) Compute(in Input) Result {
	return Result{WinnerDelta: e.WinnerDelta(in), LoserDelta: e.LoserDelta(in)}
}

// Forfeit 固定分值，不走公式
func (e *Engine) Forfeit() Result {
	return Result{WinnerDelta: e.cfg.ForfeitWinner, LoserDelta: e.cfg.ForfeitLoser}
}

// Apply 把 delta 加到当前分上，分数不低于 0
func Apply(current, delta int) int {
	n := current + delta
	if n < 0 {
		return 0
	}
	return n
}

func round(v float64) int {
	return int(math.Round(v))
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
