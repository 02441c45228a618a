package matchmaker

import (
	"math"
	"sort"
	"time"
)

// regionDistance 同地区为 0；未配置的地区组合不可配对
func (c Config) regionDistance(a, b string) (int, bool) {
	if a == b {
		return 0, true
	}
	for _, l := range c.Regions {
		if (l.A == a && l.B == b) || (l.A == b && l.B == a) {
			return l.Distance, true
		}
	}
	return 0, false
}

// Cost 两名玩家的配对代价，越低越合适；ok 为 false 表示地区太远不可配对
func (c Config) Cost(a, b QueueEntry, now time.Time) (float64, bool) {
	d, ok := c.regionDistance(a.Region, b.Region)
	if !ok || d > c.MaxRegionDistance {
		return 0, false
	}

	regionScore := 1.0
	if d > 0 && c.MaxRegionDistance > 0 {
		regionScore = 1 - (1-c.RegionFloor)*float64(d)/float64(c.MaxRegionDistance)
	}
	rankScore := math.Max(0, 1-math.Abs(float64(a.Tier-b.Tier))/c.RankSpan)
	ratingScore := math.Max(0, 1-math.Abs(float64(a.Rating-b.Rating))/c.RatingSpan)

	wait := now.Sub(a.JoinedAt)
	if w := now.Sub(b.JoinedAt); w > wait {
		wait = w
	}
	waitBonus := 0.0
	if wait > 0 {
		waitBonus = math.Min(1, float64(wait)/float64(c.WaitCeiling))
	}

	w := c.Weights
	cost := w.Region*(1-regionScore) +
		w.Rank*(1-rankScore) +
		w.Rating*(1-ratingScore) +
		w.Wait*(1-waitBonus)
	return cost, true
}

type pair struct {
	a, b QueueEntry
	cost float64
}

type candidate struct {
	i, j int
	cost float64
}

// selectPairs 在一个批次内贪心选出代价最低的配对：先只看同地区，
// 剩下的人再看跨地区。代价超过阈值的组合直接放弃。
func (c Config) selectPairs(batch []QueueEntry, now time.Time) []pair {
	used := make([]bool, len(batch))
	var out []pair
	for _, sameRegion := range []bool{true, false} {
		var cands []candidate
		for i := 0; i < len(batch); i++ {
			if used[i] {
				continue
			}
			for j := i + 1; j < len(batch); j++ {
				if used[j] || (batch[i].Region == batch[j].Region) != sameRegion {
					continue
				}
				cost, ok := c.Cost(batch[i], batch[j], now)
				if !ok || cost > c.Threshold {
					continue
				}
				cands = append(cands, candidate{i: i, j: j, cost: cost})
			}
		}
		// 代价相同按入队顺序
		sort.SliceStable(cands, func(x, y int) bool { return cands[x].cost < cands[y].cost })
		for _, cd := range cands {
			if used[cd.i] || used[cd.j] {
				continue
			}
			used[cd.i], used[cd.j] = true, true
			out = append(out, pair{a: batch[cd.i], b: batch[cd.j], cost: cd.cost})
		}
	}
	return out
}

// batches 按入队顺序切分，最多 limit 批
func batches(entries []QueueEntry, size, limit int) [][]QueueEntry {
	var out [][]QueueEntry
	for start := 0; start < len(entries) && len(out) < limit; start += size {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}
		out = append(out, entries[start:end])
	}
	return out
}
