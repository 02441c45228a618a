package manager

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/match"
	"RankedLobby/internal/negotiator"
	"RankedLobby/internal/outcome"
	"RankedLobby/internal/utils"
	"RankedLobby/internal/websocket"
)

// 客户端上行事件
const (
	EventRespond = "respond"
	EventScore   = "score"
	EventDispute = "dispute"
	EventSync    = "sync"
)

// 下行事件
const (
	EventError = "error"
	EventMatch = "match"
)

type respondPayload struct {
	MatchID  string `json:"matchId"`
	PromptID string `json:"promptId"`
	Value    string `json:"value"`
}

type scorePayload struct {
	MatchID string `json:"matchId"`
	First   int    `json:"first"`
	Second  int    `json:"second"`
}

type matchPayload struct {
	MatchID string `json:"matchId"`
}

// GameManager 把配对结果交给协商状态机，并把 websocket 上行消息分发到对应组件
type GameManager struct {
	reg *match.Registry
	neg *negotiator.Negotiator
	res *outcome.Resolver
	hub websocket.HubInterface
	log *log.Logger
}

func NewGameManager(reg *match.Registry, neg *negotiator.Negotiator, res *outcome.Resolver, hub websocket.HubInterface, logger *log.Logger) *GameManager {
	return &GameManager{reg: reg, neg: neg, res: res, hub: hub, log: utils.OrDiscard(logger)}
}

// StartMatch 配对成功回调（matchmaker.Service.OnPaired）
func (m *GameManager) StartMatch(mt *match.Match) {
	if err := m.neg.Start(context.Background(), mt.ID); err != nil {
		m.log.Error("start negotiation", "match", mt.ID, "err", err)
	}
}

// HandlePlayerMessage 统一入口（来自 Hub.OnIncoming）
func (m *GameManager) HandlePlayerMessage(msg websocket.IncomingMessage) {
	ctx := context.Background()
	var err error

	switch msg.Event {
	case EventRespond:
		var p respondPayload
		if err = decode(msg.Data, &p); err == nil {
			err = m.neg.Respond(ctx, p.MatchID, p.PromptID, msg.From, p.Value)
		}

	case EventScore:
		var p scorePayload
		if err = decode(msg.Data, &p); err == nil {
			err = m.res.SubmitScore(ctx, p.MatchID, msg.From, match.Score{First: p.First, Second: p.Second})
		}

	case EventDispute:
		var p matchPayload
		if err = decode(msg.Data, &p); err == nil {
			err = m.res.RequestDispute(ctx, p.MatchID, msg.From)
		}

	case EventSync:
		// 断线重连后拉取当前比赛
		id, ok := m.reg.ActiveFor(msg.From)
		if !ok {
			m.hub.SendToPlayer(msg.From, websocket.OutgoingMessage{Event: EventMatch, Data: nil})
			return
		}
		var mt *match.Match
		if mt, err = m.reg.Get(id); err == nil {
			m.hub.SendToPlayer(msg.From, websocket.OutgoingMessage{Event: EventMatch, Data: mt})
			return
		}

	default:
		err = apperr.Wrap(apperr.ErrInvalidRequest, "unknown event %q", msg.Event)
	}

	if err != nil {
		m.log.Debug("player message rejected", "user", msg.From, "event", msg.Event, "err", err)
		m.hub.SendToPlayer(msg.From, websocket.OutgoingMessage{
			Event: EventError,
			Data: map[string]any{
				"event": msg.Event,
				"code":  apperr.Code(err),
				"error": err.Error(),
			},
		})
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.Wrap(apperr.ErrInvalidRequest, "missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.ErrInvalidRequest, "bad payload: %v", err)
	}
	return nil
}
