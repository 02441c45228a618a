package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/match"
	"RankedLobby/internal/middleware"
)

type Handler struct {
	c *Coordinator
}

func NewHandler(c *Coordinator) *Handler {
	return &Handler{c: c}
}

type ResolveRequest struct {
	Winner    string `json:"winner"`
	Cancelled bool   `json:"cancelled"`
	Note      string `json:"note"`
}

type QueueResponse struct {
	Pending  []Entry `json:"pending"`
	Assigned []Entry `json:"assigned"`
}

// reviewer 取出当前用户并校验白名单
func (h *Handler) reviewer(c *gin.Context) (string, bool) {
	uid, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	if !h.c.Authorized(uid) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a reviewer"})
		return "", false
	}
	return uid, true
}

// POST /reviewers/online
func (h *Handler) Online(c *gin.Context) {
	uid, ok := h.reviewer(c)
	if !ok {
		return
	}
	h.c.Online(c.Request.Context(), uid)
	c.JSON(http.StatusOK, QueueResponse{Pending: h.c.Queue(), Assigned: h.c.Assigned(uid)})
}

// POST /reviewers/offline
func (h *Handler) Offline(c *gin.Context) {
	uid, ok := h.reviewer(c)
	if !ok {
		return
	}
	h.c.Offline(c.Request.Context(), uid)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /disputes  待分配队列 + 自己手里的
func (h *Handler) Queue(c *gin.Context) {
	uid, ok := h.reviewer(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, QueueResponse{Pending: h.c.Queue(), Assigned: h.c.Assigned(uid)})
}

// POST /disputes/:id/resolve  body: {winner} 或 {cancelled: true}
func (h *Handler) Resolve(c *gin.Context) {
	uid, ok := h.reviewer(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := match.Resolution{WinnerID: req.Winner, Cancelled: req.Cancelled, Note: req.Note}
	if err := h.c.Resolve(c.Request.Context(), c.Param("id"), uid, res); err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
