package notifier

import (
	"RankedLobby/internal/websocket"
)

// 推送给客户端的事件
const (
	EventPrompt    = "prompt"
	EventWithdrawn = "prompt_withdrawn"
	EventNotify    = "notify"
)

// Sender websocket.Hub 的发送能力
type Sender interface {
	SendToPlayer(userID string, msg websocket.OutgoingMessage)
}

// HubNotifier 通过 websocket hub 推送提示和通知
type HubNotifier struct {
	hub Sender
}

func NewHubNotifier(hub Sender) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) PresentChoice(recipientID string, p Prompt) error {
	p.Kind = KindChoice
	n.hub.SendToPlayer(recipientID, websocket.OutgoingMessage{Event: EventPrompt, Data: p})
	return nil
}

func (n *HubNotifier) PresentFreeform(recipientID string, p Prompt) error {
	p.Kind = KindFreeform
	n.hub.SendToPlayer(recipientID, websocket.OutgoingMessage{Event: EventPrompt, Data: p})
	return nil
}

func (n *HubNotifier) Withdraw(recipientID, matchID, promptID string) error {
	n.hub.SendToPlayer(recipientID, websocket.OutgoingMessage{
		Event: EventWithdrawn,
		Data:  map[string]any{"matchId": matchID, "promptId": promptID},
	})
	return nil
}

func (n *HubNotifier) Notify(recipientID string, msg Message) error {
	n.hub.SendToPlayer(recipientID, websocket.OutgoingMessage{Event: EventNotify, Data: msg})
	return nil
}
