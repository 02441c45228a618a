package websocket

import (
	"sync"

	"github.com/charmbracelet/log"

	"RankedLobby/internal/utils"
)

type HubInterface interface {
	BroadcastToPlayers(userIDs []string, msg OutgoingMessage)
	SendToPlayer(userID string, msg OutgoingMessage)
	Online(userID string) bool
	Close()
}

type Hub struct {
	clients    map[string]*Client // userId -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastReq
	sendOne    chan sendReq
	incoming   chan IncomingMessage
	inbox      chan IncomingMessage
	OnIncoming func(IncomingMessage)
	quit       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	log        *log.Logger
}

type broadcastReq struct {
	UserIDs []string
	Message OutgoingMessage
}

type sendReq struct {
	UserID  string
	Message OutgoingMessage
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastReq),
		sendOne:    make(chan sendReq),
		incoming:   make(chan IncomingMessage),
		inbox:      make(chan IncomingMessage, 256),
		quit:       make(chan struct{}),
		log:        utils.OrDiscard(logger),
	}
}

func (h *Hub) Run() {
	h.log.Info("hub started")

	// 上行消息单独一个协程处理：业务回调里还会调用 SendToPlayer，不能占住 Run 循环
	go h.dispatch()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[c.UserID]; ok && old != c {
				close(old.Send)
			}
			h.clients[c.UserID] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("register", "user", c.UserID, "online", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[c.UserID]; ok && cur == c {
				delete(h.clients, c.UserID)
				close(c.Send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("unregister", "user", c.UserID, "online", n)

		case req := <-h.broadcast:
			h.mu.RLock()
			for _, uid := range req.UserIDs {
				if client, ok := h.clients[uid]; ok {
					h.push(client, req.Message)
				}
			}
			h.mu.RUnlock()

		case req := <-h.sendOne:
			h.mu.RLock()
			if client, ok := h.clients[req.UserID]; ok {
				h.push(client, req.Message)
			}
			h.mu.RUnlock()

		case req := <-h.incoming:
			select {
			case h.inbox <- req:
			default:
				h.log.Warn("inbox full, dropping message", "from", req.From, "event", req.Event)
			}

		case <-h.quit:
			h.mu.Lock()
			for uid, c := range h.clients {
				close(c.Send)
				delete(h.clients, uid)
			}
			h.mu.Unlock()
			close(h.inbox)
			return
		}
	}
}

// push 客户端写缓冲满时丢弃，避免慢连接拖住 Hub
func (h *Hub) push(c *Client, msg OutgoingMessage) {
	select {
	case c.Send <- msg:
	default:
		h.log.Warn("send buffer full, dropping message", "user", c.UserID, "event", msg.Event)
	}
}

func (h *Hub) dispatch() {
	for msg := range h.inbox {
		if h.OnIncoming != nil {
			h.OnIncoming(msg)
		}
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Deliver 把上行消息交给 Hub（readPump 调用）
func (h *Hub) Deliver(msg IncomingMessage) {
	select {
	case h.incoming <- msg:
	case <-h.quit:
	}
}

// BroadcastToPlayers 发给多个玩家
func (h *Hub) BroadcastToPlayers(userIDs []string, msg OutgoingMessage) {
	select {
	case h.broadcast <- broadcastReq{UserIDs: userIDs, Message: msg}:
	case <-h.quit:
	}
}

// SendToPlayer 发给单个玩家（并发安全）
func (h *Hub) SendToPlayer(userID string, msg OutgoingMessage) {
	select {
	case h.sendOne <- sendReq{UserID: userID, Message: msg}:
	case <-h.quit:
	}
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}
