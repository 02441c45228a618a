package matchmaker

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// POST /queue/join  body: {region}
func (h *Handler) Join(c *gin.Context) {
	uid, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := h.svc.Join(c.Request.Context(), uid, req.Region)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, JoinResponse{Queued: true, Entry: e})
}

// POST /queue/leave
func (h *Handler) Leave(c *gin.Context) {
	uid, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.svc.Leave(c.Request.Context(), uid); err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GET /queue/status
func (h *Handler) Status(c *gin.Context) {
	uid, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	st, err := h.svc.Status(c.Request.Context(), uid)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
