package matchmaker

import (
	"context"
	"sort"
	"sync"

	"RankedLobby/internal/apperr"
)

type memRepo struct {
	mu      sync.Mutex
	entries map[string]QueueEntry
	seq     int64
}

func NewMemoryRepo() Repo {
	return &memRepo{entries: make(map[string]QueueEntry)}
}

func (m *memRepo) Add(ctx context.Context, e QueueEntry) (QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.UserID]; ok {
		return QueueEntry{}, apperr.Wrap(apperr.ErrAlreadyQueued, "user %s", e.UserID)
	}
	if e.Seq == 0 {
		m.seq++
		e.Seq = m.seq
	}
	m.entries[e.UserID] = e
	return e, nil
}

func (m *memRepo) Remove(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[userID]
	delete(m.entries, userID)
	return ok, nil
}

func (m *memRepo) Get(ctx context.Context, userID string) (QueueEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	return e, ok, nil
}

func (m *memRepo) List(ctx context.Context) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueueEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *memRepo) TakePair(ctx context.Context, a, b string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, okA := m.entries[a]
	_, okB := m.entries[b]
	if !okA || !okB || a == b {
		return false, nil
	}
	delete(m.entries, a)
	delete(m.entries, b)
	return true, nil
}

func (m *memRepo) Update(ctx context.Context, e QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[e.UserID]
	if !ok {
		return nil
	}
	e.Seq = cur.Seq
	m.entries[e.UserID] = e
	return nil
}

func (m *memRepo) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}
