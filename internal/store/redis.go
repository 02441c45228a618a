package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/match"
)

type redisStore struct {
	rdb         *redis.Client
	startRating int
}

func NewRedisStore(rdb *redis.Client, startRating int) Store {
	return &redisStore{rdb: rdb, startRating: startRating}
}

// key 约定：
//
//	string: rl:match:{id}    -> Match JSON
//	set   : rl:matches:active -> 未结束比赛的 id
//	hash  : rl:player:{uid}  -> rating/streak/tier... + 统计字段 (HINCRBY)
//	string: rl:slot:{uid}    -> "queue" | "match:{id}"
func matchKey(id string) string   { return fmt.Sprintf("rl:match:%s", id) }
func playerKey(uid string) string { return fmt.Sprintf("rl:player:%s", uid) }
func slotKey(uid string) string   { return fmt.Sprintf("rl:slot:%s", uid) }

const activeKey = "rl:matches:active"

const statPrefix = "stat:"

func (s *redisStore) SaveMatch(ctx context.Context, m *match.Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode match %s: %w", m.ID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, matchKey(m.ID), data, 0)
		if m.Status.Terminal() {
			p.SRem(ctx, activeKey, m.ID)
		} else {
			p.SAdd(ctx, activeKey, m.ID)
		}
		return nil
	})
	return err
}

func (s *redisStore) ActiveMatches(ctx context.Context) ([]*match.Match, error) {
	ids, err := s.rdb.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*match.Match, 0, len(ids))
	for _, id := range ids {
		m, err := s.LoadMatch(ctx, id)
		if errors.Is(err, apperr.ErrUnknownMatch) {
			// 只剩索引没有正文
			s.rdb.SRem(ctx, activeKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.Status.Terminal() {
			s.rdb.SRem(ctx, activeKey, id)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *redisStore) LoadMatch(ctx context.Context, id string) (*match.Match, error) {
	data, err := s.rdb.Get(ctx, matchKey(id)).Bytes()
	if err == redis.Nil {
		return nil, apperr.Wrap(apperr.ErrUnknownMatch, "match %s", id)
	}
	if err != nil {
		return nil, err
	}
	var m match.Match
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode match %s: %w", id, err)
	}
	return &m, nil
}

func (s *redisStore) LoadPlayer(ctx context.Context, userID string) (*Player, error) {
	fields, err := s.rdb.HGetAll(ctx, playerKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	p := &Player{UserID: userID, Rating: s.startRating, Stats: make(map[Stat]int64)}
	if v, ok := fields["rating"]; ok {
		p.Rating = atoi(v)
	}
	p.Streak = atoi(fields["streak"])
	p.Tier = fields["tier"]
	p.Rank = atoi(fields["rank"])
	p.HighestTier = fields["highestTier"]
	p.HighestRank = atoi(fields["highestRank"])
	p.PeakRating = atoi(fields["peakRating"])
	for k, v := range fields {
		if len(k) > len(statPrefix) && k[:len(statPrefix)] == statPrefix {
			n, _ := strconv.ParseInt(v, 10, 64)
			p.Stats[Stat(k[len(statPrefix):])] = n
		}
	}
	return p, nil
}

func (s *redisStore) SavePlayer(ctx context.Context, p *Player) error {
	return s.rdb.HSet(ctx, playerKey(p.UserID),
		"rating", p.Rating,
		"streak", p.Streak,
		"tier", p.Tier,
		"rank", p.Rank,
		"highestTier", p.HighestTier,
		"highestRank", p.HighestRank,
		"peakRating", p.PeakRating,
	).Err()
}

func (s *redisStore) IncrStat(ctx context.Context, userID string, stat Stat, by int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, playerKey(userID), statPrefix+string(stat), by).Result()
}

// KEYS[1] = slotKey, ARGV[1] = expect, ARGV[2] = next（空串表示删除）
var swapSlotScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then cur = "" end
if cur ~= ARGV[1] then
	return {0, cur}
end
if ARGV[2] == "" then
	redis.call("DEL", KEYS[1])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return {1, cur}
`)

func (s *redisStore) SwapSlot(ctx context.Context, userID, expect, next string) (string, bool, error) {
	res, err := swapSlotScript.Run(ctx, s.rdb, []string{slotKey(userID)}, expect, next).Slice()
	if err != nil {
		return "", false, err
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("swap slot: unexpected reply %v", res)
	}
	ok, _ := res[0].(int64)
	cur, _ := res[1].(string)
	return cur, ok == 1, nil
}

func (s *redisStore) Slot(ctx context.Context, userID string) (string, error) {
	v, err := s.rdb.Get(ctx, slotKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
