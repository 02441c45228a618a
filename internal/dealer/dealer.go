package dealer

import (
	"math/rand"
	"sync"
)

// Dealer 比赛里所有随机决定的来源：先手、超时代选、超充。
// 固定种子即可复现整场协商，测试依赖这一点。
type Dealer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewDealer(seed int64) *Dealer {
	return &Dealer{rnd: rand.New(rand.NewSource(seed))}
}

// Intn [0, n)
func (d *Dealer) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rnd.Intn(n)
}

// Pick 均匀随机取一个；空集合返回 ""
func (d *Dealer) Pick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[d.Intn(len(options))]
}

// Roll 以概率 p 返回 true
func (d *Dealer) Roll(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rnd.Float64() < p
}

// Shuffle 原地洗乱
func (d *Dealer) Shuffle(items []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rnd.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
}
