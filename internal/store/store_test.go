package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/match"
	"RankedLobby/internal/rating"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, Store) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisStore(rdb, 1000)
}

// 两种实现跑同一套用例
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore(1000)) })
	t.Run("redis", func(t *testing.T) {
		_, s := newRedis(t)
		fn(t, s)
	})
}

func TestStoreMatchRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := match.New("m1", match.Participant{UserID: "a"}, match.Participant{UserID: "b"}, time.Unix(10, 0).UTC())
		m.Record("created", match.ActorSystem, time.Unix(10, 0).UTC(), nil)
		require.NoError(t, s.SaveMatch(ctx, m))

		got, err := s.LoadMatch(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "m1", got.ID)
		assert.Equal(t, match.StatusPregame, got.Status)
		assert.Len(t, got.History, 1)

		_, err = s.LoadMatch(ctx, "nope")
		assert.True(t, errors.Is(err, apperr.ErrUnknownMatch))
	})
}

func TestStorePlayerDefaultsAndStats(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p, err := s.LoadPlayer(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, 1000, p.Rating)

		p.Rating = 1234
		p.Streak = 3
		p.Standing = rating.Standing{Tier: "Gold", Rank: 3, HighestTier: "Platinum", HighestRank: 4, PeakRating: 1600}
		require.NoError(t, s.SavePlayer(ctx, p))

		n, err := s.IncrStat(ctx, "new", StatWins, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = s.IncrStat(ctx, "new", StatWins, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		// SavePlayer 不能覆盖统计
		require.NoError(t, s.SavePlayer(ctx, p))
		got, err := s.LoadPlayer(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, 1234, got.Rating)
		assert.Equal(t, 3, got.Streak)
		assert.Equal(t, "Platinum", got.HighestTier)
		assert.Equal(t, 1600, got.PeakRating)
		assert.Equal(t, int64(3), got.Stats[StatWins])
	})
}

func TestStoreSwapSlot(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cur, ok, err := s.SwapSlot(ctx, "u", "", SlotQueue)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "", cur)

		cur, ok, err = s.SwapSlot(ctx, "u", "", SlotQueue)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, SlotQueue, cur)

		_, ok, _ = s.SwapSlot(ctx, "u", SlotQueue, SlotMatch("m1"))
		assert.True(t, ok)
		slot, _ := s.Slot(ctx, "u")
		id, isMatch := SlotMatchID(slot)
		assert.True(t, isMatch)
		assert.Equal(t, "m1", id)

		_, ok, _ = s.SwapSlot(ctx, "u", SlotMatch("other"), "")
		assert.False(t, ok)
		_, ok, _ = s.SwapSlot(ctx, "u", SlotMatch("m1"), "")
		assert.True(t, ok)
		slot, _ = s.Slot(ctx, "u")
		assert.Equal(t, "", slot)
	})
}

func TestStoreSwapSlotIsAtomic(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.SwapSlot(ctx, "racer", "", SlotQueue)
				if err == nil && ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestRedisKeys(t *testing.T) {
	mr, s := newRedis(t)
	ctx := context.Background()
	_, _, err := s.SwapSlot(ctx, "u1", "", SlotQueue)
	require.NoError(t, err)
	v, err := mr.Get("rl:slot:u1")
	require.NoError(t, err)
	assert.Equal(t, SlotQueue, v)

	_, err = s.IncrStat(ctx, "u1", StatDisputes, 1)
	require.NoError(t, err)
	assert.Equal(t, "1", mr.HGet("rl:player:u1", "stat:disputes"))
}

func TestStoreActiveMatches(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Unix(10, 0).UTC()
		live := match.New("m2", match.Participant{UserID: "a"}, match.Participant{UserID: "b"}, now)
		done := match.New("m1", match.Participant{UserID: "c"}, match.Participant{UserID: "d"}, now)
		require.NoError(t, s.SaveMatch(ctx, live))
		require.NoError(t, s.SaveMatch(ctx, done))

		list, err := s.ActiveMatches(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "m1", list[0].ID)

		require.NoError(t, done.SetStatus(match.StatusCancelled, now))
		require.NoError(t, s.SaveMatch(ctx, done))
		list, err = s.ActiveMatches(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "m2", list[0].ID)
	})
}

func TestRedisActiveIndex(t *testing.T) {
	mr, s := newRedis(t)
	ctx := context.Background()
	m := match.New("m1", match.Participant{UserID: "a"}, match.Participant{UserID: "b"}, time.Unix(10, 0).UTC())
	require.NoError(t, s.SaveMatch(ctx, m))
	ok, err := mr.SIsMember("rl:matches:active", "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	// 正文丢失时索引被清理
	mr.Del("rl:match:m1")
	list, err := s.ActiveMatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	ok, _ = mr.SIsMember("rl:matches:active", "m1")
	assert.False(t, ok)
}
