package outcome

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"RankedLobby/internal/apperr"
	"RankedLobby/internal/match"
	"RankedLobby/internal/middleware"
)

type Handler struct {
	r   *Resolver
	reg *match.Registry
}

func NewHandler(r *Resolver, reg *match.Registry) *Handler {
	return &Handler{r: r, reg: reg}
}

// ScoreRequest 按参赛者顺序的胜局数
type ScoreRequest struct {
	First  *int `json:"first" binding:"required"`
	Second *int `json:"second" binding:"required"`
}

// POST /matches/:id/score  body: {first, second}
func (h *Handler) Score(c *gin.Context) {
	uid, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.r.SubmitScore(c.Request.Context(), id, uid, match.Score{First: *req.First, Second: *req.Second}); err != nil {
		apperr.JSON(c, err)
		return
	}
	h.respondMatch(c, id)
}

// POST /matches/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	uid, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id := c.Param("id")
	if err := h.r.RequestDispute(c.Request.Context(), id, uid); err != nil {
		apperr.JSON(c, err)
		return
	}
	h.respondMatch(c, id)
}

// GET /matches/:id  仅参赛者可见
func (h *Handler) Get(c *gin.Context) {
	uid, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	m, err := h.reg.Get(c.Param("id"))
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	if m.Index(uid) < 0 {
		apperr.JSON(c, apperr.Wrap(apperr.ErrNotParticipant, "user %s", uid))
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) respondMatch(c *gin.Context, id string) {
	m, err := h.reg.Get(id)
	if err != nil {
		apperr.JSON(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
