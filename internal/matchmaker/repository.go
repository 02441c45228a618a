package matchmaker

import "context"

// Repo 队列存储。写操作都由 Service 在队列锁内调用；
// TakePair 还要保证多实例共享同一队列时也是原子的。
type Repo interface {
	// Add 入队；已存在返回 ErrAlreadyQueued。e.Seq 为 0 时分配新的入队序号
	Add(ctx context.Context, e QueueEntry) (QueueEntry, error)
	// Remove 出队，返回是否存在
	Remove(ctx context.Context, userID string) (bool, error)
	Get(ctx context.Context, userID string) (QueueEntry, bool, error)
	// List 按入队顺序返回全部条目
	List(ctx context.Context) ([]QueueEntry, error)
	// TakePair 两人都在队列中时一起移除并返回 true，否则不做任何修改
	TakePair(ctx context.Context, a, b string) (bool, error)
	// Update 覆盖已存在的条目（配对次数），不存在时忽略
	Update(ctx context.Context, e QueueEntry) error
	Count(ctx context.Context) (int64, error)
}
