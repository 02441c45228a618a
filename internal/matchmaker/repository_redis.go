package matchmaker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"RankedLobby/internal/apperr"
)

type redisRepo struct {
	rdb *redis.Client
}

func NewRedisRepo(rdb *redis.Client) Repo {
	return &redisRepo{rdb: rdb}
}

// key 约定：
//
//	hash: rl:queue        -> userId => QueueEntry JSON
//	zset: rl:queue:order  -> userId，score 为入队序号
//	kv  : rl:queue:seq    -> 序号计数器
const (
	queueKey = "rl:queue"
	orderKey = "rl:queue:order"
	seqKey   = "rl:queue:seq"
)

var queueKeys = []string{queueKey, orderKey, seqKey}

// KEYS = queueKeys, ARGV[1] = userId, ARGV[2] = entry, ARGV[3] = seq（0 表示新分配）
var addScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	return 0
end
local seq = tonumber(ARGV[3])
if seq == 0 then
	seq = redis.call("INCR", KEYS[3])
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[2], seq, ARGV[1])
return seq
`)

// 两人都在才一起删除，保证一个条目只会被一次配对取走
var takePairScript = redis.NewScript(`
if ARGV[1] == ARGV[2] then
	return 0
end
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 or redis.call("HEXISTS", KEYS[1], ARGV[2]) == 0 then
	return 0
end
redis.call("HDEL", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

var removeScript = redis.NewScript(`
local n = redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return n
`)

var updateScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

func (r *redisRepo) Add(ctx context.Context, e QueueEntry) (QueueEntry, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return QueueEntry{}, err
	}
	seq, err := addScript.Run(ctx, r.rdb, queueKeys, e.UserID, data, e.Seq).Int64()
	if err != nil {
		return QueueEntry{}, fmt.Errorf("enqueue %s: %w", e.UserID, err)
	}
	if seq == 0 {
		return QueueEntry{}, apperr.Wrap(apperr.ErrAlreadyQueued, "user %s", e.UserID)
	}
	e.Seq = seq
	return e, nil
}

func (r *redisRepo) Remove(ctx context.Context, userID string) (bool, error) {
	n, err := removeScript.Run(ctx, r.rdb, queueKeys, userID).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *redisRepo) Get(ctx context.Context, userID string) (QueueEntry, bool, error) {
	data, err := r.rdb.HGet(ctx, queueKey, userID).Bytes()
	if err == redis.Nil {
		return QueueEntry{}, false, nil
	}
	if err != nil {
		return QueueEntry{}, false, err
	}
	var e QueueEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return QueueEntry{}, false, err
	}
	score, err := r.rdb.ZScore(ctx, orderKey, userID).Result()
	if err != nil && err != redis.Nil {
		return QueueEntry{}, false, err
	}
	e.Seq = int64(score)
	return e, true, nil
}

func (r *redisRepo) List(ctx context.Context) ([]QueueEntry, error) {
	order, err := r.rdb.ZRangeWithScores(ctx, orderKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, nil
	}
	ids := make([]string, len(order))
	for i, z := range order {
		ids[i] = z.Member.(string)
	}
	vals, err := r.rdb.HMGet(ctx, queueKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]QueueEntry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// order 里残留但 hash 已删除
			continue
		}
		var e QueueEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode queue entry %s: %w", ids[i], err)
		}
		e.Seq = int64(order[i].Score)
		out = append(out, e)
	}
	return out, nil
}

func (r *redisRepo) TakePair(ctx context.Context, a, b string) (bool, error) {
	n, err := takePairScript.Run(ctx, r.rdb, queueKeys, a, b).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisRepo) Update(ctx context.Context, e QueueEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return updateScript.Run(ctx, r.rdb, queueKeys, e.UserID, data).Err()
}

func (r *redisRepo) Count(ctx context.Context) (int64, error) {
	return r.rdb.HLen(ctx, queueKey).Result()
}
