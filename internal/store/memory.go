package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/match"
)

type MemoryStore struct {
	mu          sync.Mutex
	startRating int
	matches     map[string]*match.Match
	players     map[string]*Player
	stats       map[string]map[Stat]int64
	slots       map[string]string

	failSaves int
}

var errInjected = errors.New("store: injected save failure")

// NewMemoryStore 内存实现，仅供测试和单机调试
func NewMemoryStore(startRating int) *MemoryStore {
	return &MemoryStore{
		startRating: startRating,
		matches:     make(map[string]*match.Match),
		players:     make(map[string]*Player),
		stats:       make(map[string]map[Stat]int64),
		slots:       make(map[string]string),
	}
}

func (s *MemoryStore) SaveMatch(ctx context.Context, m *match.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errInjected
	}
	s.matches[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) LoadMatch(ctx context.Context, id string) (*match.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrUnknownMatch, "match %s", id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ActiveMatches(ctx context.Context) ([]*match.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*match.Match
	for _, m := range s.matches {
		if !m.Status.Terminal() {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) LoadPlayer(ctx context.Context, userID string) (*Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[userID]
	var out Player
	if ok {
		out = *p
	} else {
		out = Player{UserID: userID, Rating: s.startRating}
	}
	out.Stats = make(map[Stat]int64, len(s.stats[userID]))
	for k, v := range s.stats[userID] {
		out.Stats[k] = v
	}
	return &out, nil
}

func (s *MemoryStore) SavePlayer(ctx context.Context, p *Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Stats = nil
	s.players[p.UserID] = &cp
	return nil
}

func (s *MemoryStore) IncrStat(ctx context.Context, userID string, stat Stat, by int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats[userID] == nil {
		s.stats[userID] = make(map[Stat]int64)
	}
	s.stats[userID][stat] += by
	return s.stats[userID][stat], nil
}

func (s *MemoryStore) SwapSlot(ctx context.Context, userID, expect, next string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.slots[userID]
	if cur != expect {
		return cur, false, nil
	}
	if next == "" {
		delete(s.slots, userID)
	} else {
		s.slots[userID] = next
	}
	return cur, true, nil
}

func (s *MemoryStore) Slot(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[userID], nil
}

// FailNextSaves 让接下来 n 次 SaveMatch 失败，测试持久化重试
func (s *MemoryStore) FailNextSaves(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = n
}
