package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"RankedLobby/internal/dealer"
	"RankedLobby/internal/dispute"
	"RankedLobby/internal/match"
	"RankedLobby/internal/matchmaker"
	"RankedLobby/internal/negotiator"
	"RankedLobby/internal/notifier"
	"RankedLobby/internal/outcome"
	"RankedLobby/internal/rating"
	"RankedLobby/internal/scheduler"
	"RankedLobby/internal/settle"
	"RankedLobby/internal/store"
	"RankedLobby/internal/websocket"
)

// mockHub 实现 HubInterface，记录每个玩家收到的消息
type mockHub struct {
	mu   sync.Mutex
	sent map[string][]websocket.OutgoingMessage
}

func newMockHub() *mockHub {
	return &mockHub{sent: make(map[string][]websocket.OutgoingMessage)}
}

func (h *mockHub) BroadcastToPlayers(userIDs []string, msg websocket.OutgoingMessage) {
	for _, uid := range userIDs {
		h.SendToPlayer(uid, msg)
	}
}

func (h *mockHub) SendToPlayer(userID string, msg websocket.OutgoingMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent[userID] = append(h.sent[userID], msg)
}

func (h *mockHub) Online(userID string) bool { return true }

func (h *mockHub) Close() {}

func (h *mockHub) last(userID, event string) (websocket.OutgoingMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.sent[userID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Event == event {
			return msgs[i], true
		}
	}
	return websocket.OutgoingMessage{}, false
}

type world struct {
	hub   *mockHub
	clock *scheduler.Manual
	st    *store.MemoryStore
	reg   *match.Registry
	queue *matchmaker.Service
	neg   *negotiator.Negotiator
	res   *outcome.Resolver
	disp  *dispute.Coordinator
	mgr   *GameManager
}

func newWorld(t *testing.T) *world {
	t.Helper()
	return newWorldOn(t, store.NewMemoryStore(1000), scheduler.NewManual(time.Unix(100, 0)))
}

// newWorldOn 在已有存储上搭一套新组件，模拟进程重启
func newWorldOn(t *testing.T, st *store.MemoryStore, clock *scheduler.Manual) *world {
	t.Helper()
	hub := newMockHub()
	n := notifier.NewHubNotifier(hub)
	reg := match.NewRegistry(clock, st, nil)
	engine := rating.NewEngine(rating.DefaultConfig())
	d := dealer.NewDealer(3)

	s := settle.New(engine, st, nil, n, settle.Config{}, nil)
	disp := dispute.New(reg, s, st, n, dispute.DefaultConfig(), nil)
	res := outcome.New(reg, s, disp, n, outcome.DefaultConfig(), nil)
	neg, err := negotiator.New(reg, s, d, n, negotiator.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("negotiator: %v", err)
	}
	neg.OnReady = res.RequestReport

	q := matchmaker.NewService(matchmaker.NewMemoryRepo(), st, reg, engine, d, n, matchmaker.DefaultConfig(), nil)
	mgr := NewGameManager(reg, neg, res, hub, nil)
	q.OnPaired = mgr.StartMatch
	s.SetRequeuer(q)
	return &world{hub: hub, clock: clock, st: st, reg: reg, queue: q, neg: neg, res: res, disp: disp, mgr: mgr}
}

func (w *world) send(t *testing.T, from, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	w.mgr.HandlePlayerMessage(websocket.IncomingMessage{From: from, Event: event, Data: raw})
}

func (w *world) promptFor(t *testing.T, uid string) notifier.Prompt {
	t.Helper()
	msg, ok := w.hub.last(uid, notifier.EventPrompt)
	if !ok {
		t.Fatalf("no prompt for %s", uid)
	}
	return msg.Data.(notifier.Prompt)
}

func (w *world) respond(t *testing.T, uid, value string) {
	t.Helper()
	p := w.promptFor(t, uid)
	w.send(t, uid, EventRespond, map[string]string{"matchId": p.MatchID, "promptId": p.ID, "value": value})
	if msg, ok := w.hub.last(uid, EventError); ok {
		t.Fatalf("unexpected error for %s: %+v", uid, msg.Data)
	}
}

func (w *world) match(t *testing.T, id string) *match.Match {
	t.Helper()
	m, err := w.reg.Get(id)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	return m
}

// 从排队到结算走完整流程
func TestFullMatchFlow(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	for _, uid := range []string{"alice", "bob"} {
		if _, err := w.queue.Join(ctx, uid, "eu"); err != nil {
			t.Fatalf("join %s: %v", uid, err)
		}
	}
	created, err := w.queue.Cycle(ctx)
	if err != nil || len(created) != 1 {
		t.Fatalf("expected one match, got %d (%v)", len(created), err)
	}
	id := created[0].ID

	for w.match(t, id).Negotiation.Phase == match.PhaseStageBan {
		m := w.match(t, id)
		w.respond(t, m.Participants[m.Negotiation.Turn].UserID, m.Negotiation.Remaining[0])
	}
	for w.match(t, id).Negotiation.Phase == match.PhaseCaptainSelect {
		m := w.match(t, id)
		uid := m.Participants[m.Negotiation.Turn].UserID
		w.respond(t, uid, w.promptFor(t, uid).Options[0].ID)
	}
	w.respond(t, "alice", negotiator.VoteSelf)
	w.respond(t, "bob", negotiator.VoteSelf)

	m := w.match(t, id)
	if m.Negotiation.Phase != match.PhaseRoomCode {
		t.Fatalf("expected ROOM_CODE, got %s", m.Negotiation.Phase)
	}
	host := m.Participants[m.Host()].UserID
	guest := m.Participants[match.Opponent(m.Host())].UserID
	w.respond(t, host, "LOBBY7")
	w.respond(t, guest, negotiator.CodeConfirm)

	m = w.match(t, id)
	if m.Status != match.StatusInProgress || m.RoomCode != "LOBBY7" {
		t.Fatalf("expected in progress with code, got %s %q", m.Status, m.RoomCode)
	}

	score := map[string]any{"matchId": id, "first": 3, "second": 1}
	w.send(t, "alice", EventScore, score)
	w.send(t, "bob", EventScore, score)

	m = w.match(t, id)
	if m.Status != match.StatusCompleted || m.Outcome.WinnerID != "alice" {
		t.Fatalf("expected alice to win, got %s %+v", m.Status, m.Outcome)
	}
	if _, ok := w.hub.last("bob", notifier.EventNotify); !ok {
		t.Fatalf("bob should have been notified")
	}
}

func TestRejectedMessagesReportErrors(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	for _, uid := range []string{"alice", "bob"} {
		if _, err := w.queue.Join(ctx, uid, "eu"); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	created, _ := w.queue.Cycle(ctx)
	if len(created) != 1 {
		t.Fatalf("expected a match")
	}
	id := created[0].ID

	w.send(t, "alice", EventRespond, map[string]string{"matchId": id, "promptId": "bogus", "value": "x"})
	msg, ok := w.hub.last("alice", EventError)
	if !ok {
		t.Fatalf("expected error event")
	}
	if code := msg.Data.(map[string]any)["code"]; code != "stale_prompt" {
		t.Fatalf("expected stale_prompt, got %v", code)
	}

	w.mgr.HandlePlayerMessage(websocket.IncomingMessage{From: "bob", Event: EventScore})
	msg, _ = w.hub.last("bob", EventError)
	if code := msg.Data.(map[string]any)["code"]; code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %v", code)
	}

	w.send(t, "bob", "dance", map[string]string{})
	msg, _ = w.hub.last("bob", EventError)
	if ev := msg.Data.(map[string]any)["event"]; ev != "dance" {
		t.Fatalf("expected error for dance, got %v", ev)
	}

	// 比赛还在协商阶段，不能上报比分
	w.send(t, "bob", EventScore, map[string]any{"matchId": id, "first": 1, "second": 0})
	msg, _ = w.hub.last("bob", EventError)
	if code := msg.Data.(map[string]any)["code"]; code != "invalid_phase" {
		t.Fatalf("expected invalid_phase, got %v", code)
	}
}

func TestSyncReturnsActiveMatch(t *testing.T) {
	w := newWorld(t)
	w.send(t, "alice", EventSync, nil)
	msg, ok := w.hub.last("alice", EventMatch)
	if !ok || msg.Data != nil {
		t.Fatalf("expected empty match event, got %+v", msg)
	}

	ctx := context.Background()
	w.queue.Join(ctx, "alice", "eu")
	w.queue.Join(ctx, "bob", "eu")
	created, _ := w.queue.Cycle(ctx)
	if len(created) != 1 {
		t.Fatalf("expected a match")
	}

	w.send(t, "alice", EventSync, nil)
	msg, _ = w.hub.last("alice", EventMatch)
	m, ok := msg.Data.(*match.Match)
	if !ok || m.ID != created[0].ID {
		t.Fatalf("expected match %s, got %+v", created[0].ID, msg.Data)
	}
}
