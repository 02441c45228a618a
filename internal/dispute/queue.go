package dispute

import "container/heap"

type item struct {
	disputeID string
	matchID   string
	priority  float64
	seq       int64
	index     int
}

// pending 优先级高的先出，相同优先级先到先出
type pending []*item

func (q pending) Len() int { return len(q) }

func (q pending) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q pending) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pending) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *pending) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *pending) remove(it *item) {
	if it.index >= 0 && it.index < len(*q) && (*q)[it.index] == it {
		heap.Remove(q, it.index)
	}
}

// ordered 按出队顺序返回副本，不修改原队列；q 不必满足堆序
func (q pending) ordered() []*item {
	cp := make(pending, len(q))
	for i, it := range q {
		c := *it
		c.index = i
		cp[i] = &c
	}
	heap.Init(&cp)
	out := make([]*item, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*item))
	}
	return out
}
