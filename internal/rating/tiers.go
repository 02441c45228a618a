package rating

// Tier 段位及其最低分
type Tier struct {
	Name      string `mapstructure:"name" json:"name"`
	MinRating int    `mapstructure:"min" json:"min"`
}

// Standing 玩家当前段位与历史最高水位
type Standing struct {
	Tier        string `json:"tier"`
	Rank        int    `json:"rank"` // 段位序号，0 为最低段
	HighestTier string `json:"highestTier"`
	HighestRank int    `json:"highestRank"`
	PeakRating  int    `json:"peakRating"`
}

func DefaultTiers() []Tier {
	return []Tier{
		{Name: "Masters", MinRating: 2400},
		{Name: "Diamond", MinRating: 1900},
		{Name: "Platinum", MinRating: 1500},
		{Name: "Gold", MinRating: 1150},
		{Name: "Silver", MinRating: 850},
		{Name: "Bronze", MinRating: 500},
		{Name: "Wood", MinRating: 0},
	}
}

// TierFor 从高到低扫描，返回第一个门槛 <= rating 的段位及其序号。
// 分数低于最低门槛时返回最低段。
func (e *Engine) TierFor(rating int) (Tier, int) {
	n := len(e.tiers)
	for i, t := range e.tiers {
		if t.MinRating <= rating {
			return t, n - 1 - i
		}
	}
	return e.tiers[n-1], 0
}

// Tiers 降序段位表副本
func (e *Engine) Tiers() []Tier {
	return append([]Tier(nil), e.tiers...)
}

// Promote 重新计算段位；最高水位只升不降
func (e *Engine) Promote(s Standing, rating int) Standing {
	tier, rank := e.TierFor(rating)
	s.Tier = tier.Name
	s.Rank = rank
	if s.HighestTier == "" || rank > s.HighestRank {
		s.HighestRank = rank
		s.HighestTier = tier.Name
	}
	if rating > s.PeakRating {
		s.PeakRating = rating
	}
	return s
}
