package matchmaker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/dealer"
	"RankedLobby/internal/match"
	"RankedLobby/internal/notifier"
	"RankedLobby/internal/rating"
	"RankedLobby/internal/scheduler"
	"RankedLobby/internal/store"
)

var t0 = time.Unix(1_700_000_000, 0)

type fixture struct {
	ctx   context.Context
	clock *scheduler.Manual
	st    *store.MemoryStore
	reg   *match.Registry
	rec   *notifier.Recorder
	svc   *Service
}

func newFixture(t *testing.T, repo Repo, cfg Config) *fixture {
	t.Helper()
	clock := scheduler.NewManual(t0)
	st := store.NewMemoryStore(1000)
	reg := match.NewRegistry(clock, st, nil)
	rec := notifier.NewRecorder()
	svc := NewService(repo, st, reg, rating.NewEngine(rating.DefaultConfig()), dealer.NewDealer(1), rec, cfg, nil)
	svc.Sleep = func(time.Duration) {}
	return &fixture{ctx: context.Background(), clock: clock, st: st, reg: reg, rec: rec, svc: svc}
}

func (f *fixture) player(t *testing.T, uid string, r int) {
	t.Helper()
	require.NoError(t, f.st.SavePlayer(f.ctx, &store.Player{UserID: uid, Rating: r}))
}

func (f *fixture) join(t *testing.T, uid, region string) QueueEntry {
	t.Helper()
	e, err := f.svc.Join(f.ctx, uid, region)
	require.NoError(t, err)
	return e
}

func (f *fixture) slot(t *testing.T, uid string) string {
	t.Helper()
	s, err := f.st.Slot(f.ctx, uid)
	require.NoError(t, err)
	return s
}

func entry(uid, region string, r int, joined time.Time) QueueEntry {
	return QueueEntry{UserID: uid, Region: region, Tier: 2, Rating: r, JoinedAt: joined}
}

func TestCostOfCloseSameRegionPair(t *testing.T) {
	cfg := DefaultConfig()
	cost, ok := cfg.Cost(entry("a", "eu", 1000, t0), entry("b", "eu", 1050, t0), t0)
	require.True(t, ok)
	assert.InDelta(t, 0.2375, cost, 1e-9)

	// 等满 wait_ceiling 后等待项归零
	cost, _ = cfg.Cost(entry("a", "eu", 1000, t0), entry("b", "eu", 1050, t0), t0.Add(cfg.WaitCeiling))
	assert.InDelta(t, 0.0375, cost, 1e-9)
}

func TestCostRegionDistance(t *testing.T) {
	cfg := DefaultConfig()

	cost, ok := cfg.Cost(entry("a", "eu", 1000, t0), entry("b", "asia", 1000, t0), t0)
	require.True(t, ok)
	assert.InDelta(t, 0.3*0.7+0.2, cost, 1e-9)

	_, ok = cfg.Cost(entry("a", "na-west", 1000, t0), entry("b", "eu", 1000, t0), t0)
	assert.False(t, ok, "distance 3 exceeds max")
	_, ok = cfg.Cost(entry("a", "eu", 1000, t0), entry("b", "oce", 1000, t0), t0)
	assert.False(t, ok, "unlinked regions")
}

func TestSelectPairsPrefersSameRegion(t *testing.T) {
	cfg := DefaultConfig()
	batch := []QueueEntry{
		entry("a", "na-east", 1000, t0),
		entry("b", "na-west", 1000, t0),
		entry("c", "na-east", 1300, t0),
	}
	pairs := cfg.selectPairs(batch, t0)
	require.Len(t, pairs, 1)
	// a-b 跨区代价更低，但同地区优先
	assert.Equal(t, "a", pairs[0].a.UserID)
	assert.Equal(t, "c", pairs[0].b.UserID)
}

func TestSelectPairsTieBreaksByJoinOrder(t *testing.T) {
	cfg := DefaultConfig()
	batch := []QueueEntry{
		entry("a", "eu", 1000, t0),
		entry("b", "eu", 1000, t0),
		entry("c", "eu", 1000, t0),
		entry("d", "eu", 1000, t0),
	}
	pairs := cfg.selectPairs(batch, t0)
	require.Len(t, pairs, 2)
	assert.Equal(t, []string{"a", "b"}, []string{pairs[0].a.UserID, pairs[0].b.UserID})
	assert.Equal(t, []string{"c", "d"}, []string{pairs[1].a.UserID, pairs[1].b.UserID})
}

func TestSelectPairsRespectsThreshold(t *testing.T) {
	cfg := DefaultConfig()
	batch := []QueueEntry{entry("a", "eu", 1000, t0), entry("b", "eu", 1900, t0)}
	b := batch[1]
	b.Tier = 5
	batch[1] = b
	assert.Empty(t, cfg.selectPairs(batch, t0))
}

func TestBatches(t *testing.T) {
	var entries []QueueEntry
	for i := 0; i < 7; i++ {
		entries = append(entries, QueueEntry{UserID: string(rune('a' + i))})
	}
	out := batches(entries, 3, 2)
	require.Len(t, out, 2)
	assert.Len(t, out[0], 3)
	assert.Equal(t, "d", out[1][0].UserID)

	assert.Len(t, batches(entries, 3, 10), 3)
	assert.Empty(t, batches(nil, 3, 10))
}

func TestCycleCreatesMatch(t *testing.T) {
	f := newFixture(t, NewMemoryRepo(), DefaultConfig())
	f.player(t, "bob", 1050)
	f.join(t, "alice", "eu")
	f.join(t, "bob", "eu")

	var hooked []string
	f.svc.OnPaired = func(m *match.Match) { hooked = append(hooked, m.ID) }

	created, err := f.svc.Cycle(f.ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)
	m := created[0]
	assert.Equal(t, match.StatusPregame, m.Status)
	assert.Equal(t, []string{"alice", "bob"}, m.UserIDs())
	assert.Equal(t, 1050, m.Participants[1].Rating)
	assert.Equal(t, []string{m.ID}, hooked)

	n, _ := f.svc.repo.Count(f.ctx)
	assert.Zero(t, n)
	for _, uid := range m.UserIDs() {
		assert.Equal(t, store.SlotMatch(m.ID), f.slot(t, uid))
		id, ok := f.reg.ActiveFor(uid)
		assert.True(t, ok)
		assert.Equal(t, m.ID, id)
		assert.True(t, f.rec.Has(uid, notifier.MsgMatched))
	}
	saved, err := f.st.LoadMatch(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, saved.ID)

	created, err = f.svc.Cycle(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestJoinRejectsDuplicatesAndActivePlayers(t *testing.T) {
	f := newFixture(t, NewMemoryRepo(), DefaultConfig())
	f.join(t, "alice", "eu")

	_, err := f.svc.Join(f.ctx, "alice", "eu")
	assert.ErrorIs(t, err, apperr.ErrAlreadyQueued)

	f.join(t, "bob", "eu")
	created, err := f.svc.Cycle(f.ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)

	_, err = f.svc.Join(f.ctx, "alice", "eu")
	assert.ErrorIs(t, err, apperr.ErrAlreadyInMatch)

	_, err = f.svc.Join(f.ctx, "", "eu")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
	_, err = f.svc.Join(f.ctx, "carol", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestJoinHealsStaleQueueSlot(t *testing.T) {
	f := newFixture(t, NewMemoryRepo(), DefaultConfig())
	_, ok, err := f.st.SwapSlot(f.ctx, "alice", "", store.SlotQueue)
	require.NoError(t, err)
	require.True(t, ok)

	f.join(t, "alice", "eu")
	assert.Equal(t, store.SlotQueue, f.slot(t, "alice"))
}

func TestJoinClearsSlotOfFinishedOrMissingMatch(t *testing.T) {
	f := newFixture(t, NewMemoryRepo(), DefaultConfig())

	_, _, err := f.st.SwapSlot(f.ctx, "alice", "", store.SlotMatch("gone"))
	require.NoError(t, err)
	f.join(t, "alice", "eu")
	assert.Equal(t, store.SlotQueue, f.slot(t, "alice"))

	done := match.New("old", match.Participant{UserID: "bob"}, match.Participant{UserID: "carol"}, t0)
	require.NoError(t, done.SetStatus(match.StatusCancelled, t0))
	require.NoError(t, f.st.SaveMatch(f.ctx, done))
	_, _, err = f.st.SwapSlot(f.ctx, "bob", "", store.SlotMatch("old"))
	require.NoError(t, err)
	f.join(t, "bob", "eu")
	assert.Equal(t, store.SlotQueue, f.slot(t, "bob"))
}

func TestJoinKeepsSlotOfUnfinishedStoredMatch(t *testing.T) {
	f := newFixture(t, NewMemoryRepo(), DefaultConfig())
	// 存储里未结束、注册表里还没有：等待启动恢复
	live := match.New("live", match.Participant{UserID: "alice"}, match.Participant{UserID: "bob"}, t0)
	require.NoError(t, f.st.SaveMatch(f.ctx, live))
	_, _, err := f.st.SwapSlot(f.ctx, "alice", "", store.SlotMatch("live"))
	require.NoError(t, err)

	_, err = f.svc.Join(f.ctx, "alice", "eu")
	assert.ErrorIs(t, err, apperr.ErrAlreadyInMatch)
	assert.Equal(t, store.SlotMatch("live"), f.slot(t, "alice"))
}

func TestLeave(t *testing.T) {
	f := newFixture(t, NewMemoryRepo(), DefaultConfig())
	assert.ErrorIs(t, f.svc.Leave(f.ctx, "alice"), apperr.ErrNotQueued)

	f.join(t, "alice", "eu")
	require.NoError(t, f.svc.Leave(f.ctx, "alice"))
	assert.Empty(t, f.slot(t, "alice"))
	assert.ErrorIs(t, f.svc.Leave(f.ctx, "alice"), apperr.ErrNotQueued)

	// 退出后可以重新排队
	f.join(t, "alice", "eu")
}

func TestStatus(t *testing.T) {
	f := newFixture(t, NewMemoryRepo(), DefaultConfig())
	f.join(t, "alice", "eu")
	f.join(t, "bob", "oce")
	f.clock.Advance(30 * time.Second)

	st, err := f.svc.Status(f.ctx, "bob")
	require.NoError(t, err)
	assert.True(t, st.Queued)
	assert.Equal(t, 2, st.Position)
	assert.Equal(t, 2, st.Size)
	assert.InDelta(t, 30, st.WaitSeconds, 0.001)

	_, err = f.svc.Status(f.ctx, "carol")
	assert.ErrorIs(t, err, apperr.ErrNotQueued)

	f.join(t, "carol", "oce")
	created, err := f.svc.Cycle(f.ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)
	st, err = f.svc.Status(f.ctx, "bob")
	require.NoError(t, err)
	assert.False(t, st.Queued)
	assert.Equal(t, created[0].ID, st.MatchID)
	assert.Equal(t, 1, st.Size)
}

func TestAttemptsCeilingAbandons(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	f := newFixture(t, NewMemoryRepo(), cfg)
	f.join(t, "alice", "eu")
	f.join(t, "bob", "oce")

	for i := 0; i < 2; i++ {
		_, err := f.svc.Cycle(f.ctx)
		require.NoError(t, err)
	}
	st, err := f.svc.Status(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Attempts)
	assert.False(t, f.rec.Has("alice", notifier.MsgPairingAbandoned))

	_, err = f.svc.Cycle(f.ctx)
	require.NoError(t, err)
	for _, uid := range []string{"alice", "bob"} {
		assert.True(t, f.rec.Has(uid, notifier.MsgPairingAbandoned))
		assert.Empty(t, f.slot(t, uid))
		_, err := f.svc.Status(f.ctx, uid)
		assert.ErrorIs(t, err, apperr.ErrNotQueued)
	}
}

func TestPersistRetrySucceeds(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, NewMemoryRepo(), cfg)
	var slept []time.Duration
	f.svc.Sleep = func(d time.Duration) { slept = append(slept, d) }
	f.join(t, "alice", "eu")
	f.join(t, "bob", "eu")

	f.st.FailNextSaves(cfg.PersistRetries)
	created, err := f.svc.Cycle(f.ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, slept)
	assert.Equal(t, store.SlotMatch(created[0].ID), f.slot(t, "alice"))
}

func TestPersistFailureRestoresQueue(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, NewMemoryRepo(), cfg)
	a := f.join(t, "alice", "eu")
	b := f.join(t, "bob", "eu")

	f.st.FailNextSaves(cfg.PersistRetries + 1)
	created, err := f.svc.Cycle(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, created)

	entries, err := f.svc.repo.List(f.ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, a.Seq, entries[0].Seq)
	assert.Equal(t, b.Seq, entries[1].Seq)
	assert.Equal(t, store.SlotQueue, f.slot(t, "alice"))
	assert.Equal(t, store.SlotQueue, f.slot(t, "bob"))
	_, inMatch := f.reg.ActiveFor("alice")
	assert.False(t, inMatch)

	// 恢复后下一轮照常配对
	created, err = f.svc.Cycle(f.ctx)
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestRequeueAfterCancel(t *testing.T) {
	f := newFixture(t, NewMemoryRepo(), DefaultConfig())
	require.NoError(t, f.svc.Requeue(f.ctx, "alice", "eu"))
	st, err := f.svc.Status(f.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, st.Queued)
}

// ---------- redis 实现 ----------

func newRedisRepo(t *testing.T) (Repo, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisRepo(rdb), mr
}

func TestRedisRepo_QueueLifecycle(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	a, err := repo.Add(ctx, entry("alice", "eu", 1000, t0))
	require.NoError(t, err)
	b, err := repo.Add(ctx, entry("bob", "eu", 1000, t0))
	require.NoError(t, err)
	assert.Less(t, a.Seq, b.Seq)

	_, err = repo.Add(ctx, entry("alice", "eu", 1000, t0))
	assert.ErrorIs(t, err, apperr.ErrAlreadyQueued)
	assert.True(t, mr.Exists(queueKey))
	assert.True(t, mr.Exists(orderKey))

	a.Attempts = 4
	require.NoError(t, repo.Update(ctx, a))
	got, ok, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, got.Attempts)
	assert.Equal(t, a.Seq, got.Seq)

	// 不在队列里的更新被忽略
	require.NoError(t, repo.Update(ctx, entry("ghost", "eu", 1000, t0)))
	_, ok, _ = repo.Get(ctx, "ghost")
	assert.False(t, ok)

	ok, err = repo.TakePair(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	n, _ := repo.Count(ctx)
	assert.Zero(t, n)

	// 带原序号放回，仍排在新入队者前面
	_, err = repo.Add(ctx, entry("carol", "eu", 1000, t0))
	require.NoError(t, err)
	_, err = repo.Add(ctx, b)
	require.NoError(t, err)
	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bob", list[0].UserID)

	ok, err = repo.Remove(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = repo.Remove(ctx, "bob")
	assert.False(t, ok)
}

func TestRedisRepo_TakePairIsExclusive(t *testing.T) {
	repo, _ := newRedisRepo(t)
	ctx := context.Background()
	for _, uid := range []string{"a", "b", "c"} {
		_, err := repo.Add(ctx, entry(uid, "eu", 1000, t0))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	wins := 0
	var wg sync.WaitGroup
	for _, other := range []string{"b", "c", "b", "c", "b", "c"} {
		wg.Add(1)
		go func(other string) {
			defer wg.Done()
			ok, err := repo.TakePair(ctx, "a", other)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(other)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	ok, err := repo.TakePair(ctx, "c", "c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRepo_MatchFlow(t *testing.T) {
	repo, _ := newRedisRepo(t)
	f := newFixture(t, repo, DefaultConfig())
	f.join(t, "alice", "eu")
	f.join(t, "bob", "eu")
	f.join(t, "carol", "asia")

	created, err := f.svc.Cycle(f.ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, []string{"alice", "bob"}, created[0].UserIDs())

	st, err := f.svc.Status(f.ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Attempts)

	st, err = f.svc.Status(f.ctx, "alice")
	require.NoError(t, err)
	assert.False(t, st.Queued)
	assert.Equal(t, created[0].ID, st.MatchID)
}

// ---------- handler ----------

func newRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-User"); uid != "" {
			c.Set("userId", uid)
		}
	})
	h := NewHandler(svc)
	r.POST("/queue/join", h.Join)
	r.POST("/queue/leave", h.Leave)
	r.GET("/queue/status", h.Status)
	return r
}

func call(r *gin.Engine, method, path, user, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHandler(t *testing.T) {
	f := newFixture(t, NewMemoryRepo(), DefaultConfig())
	r := newRouter(f.svc)

	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodPost, "/queue/join", "", `{"region":"eu"}`).Code)
	assert.Equal(t, http.StatusBadRequest, call(r, http.MethodPost, "/queue/join", "alice", `{}`).Code)

	w := call(r, http.MethodPost, "/queue/join", "alice", `{"region":"eu"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp JoinResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
	assert.Equal(t, "alice", resp.Entry.UserID)
	assert.Equal(t, 1000, resp.Entry.Rating)

	w = call(r, http.MethodPost, "/queue/join", "alice", `{"region":"eu"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), apperr.Code(apperr.ErrAlreadyQueued))

	w = call(r, http.MethodGet, "/queue/status", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Position)

	assert.Equal(t, http.StatusOK, call(r, http.MethodPost, "/queue/leave", "alice", "").Code)
	assert.Equal(t, http.StatusConflict, call(r, http.MethodPost, "/queue/leave", "alice", "").Code)
}
