package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/promptduel/promptduel/internal/battle"
	"github.com/promptduel/promptduel/internal/store"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// BattleHandler exposes the control-plane REST surface: battle creation,
// invitations, and the snapshot fallback used when the realtime channel is
// unavailable.
type BattleHandler struct {
	matchmaker *battle.Matchmaker
	sup        *battle.Supervisor
	store      store.Store
}

func NewBattleHandler(mm *battle.Matchmaker, sup *battle.Supervisor, st store.Store) *BattleHandler {
	return &BattleHandler{matchmaker: mm, sup: sup, store: st}
}

func (h *BattleHandler) Register(r *gin.Engine) {
	r.POST("/battles/ai", h.CreateAIBattle)
	r.POST("/battles/invite", h.CreateInvitation)
	r.POST("/battles/invite/:id/accept", h.AcceptInvitation)
	r.GET("/battles/:id", h.GetBattle)
}

type createAIBattleRequest struct {
	UserID string `json:"userId" binding:"required"`
}

func (h *BattleHandler) CreateAIBattle(c *gin.Context) {
	var req createAIBattleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	b, err := h.matchmaker.CreateAIBattle(req.UserID)
	if err != nil {
		if errors.Is(err, battle.ErrAlreadyInBattle) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "already_in_battle"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"battleId": b.ID, "slots": b.Slots})
}

type createInvitationRequest struct {
	Inviter string `json:"inviter" binding:"required"`
	Invitee string `json:"invitee" binding:"required"`
}

func (h *BattleHandler) CreateInvitation(c *gin.Context) {
	var req createInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	inv, err := h.matchmaker.CreateInvitation(req.Inviter, req.Invitee)
	if err != nil {
		switch {
		case errors.Is(err, battle.ErrSelfInvite):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "self_invite"})
		case errors.Is(err, battle.ErrAlreadyInBattle):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "already_in_battle"})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, inv)
}

type acceptInvitationRequest struct {
	Invitee string `json:"invitee" binding:"required"`
}

func (h *BattleHandler) AcceptInvitation(c *gin.Context) {
	var req acceptInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	b, err := h.matchmaker.AcceptInvitation(req.Invitee, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, battle.ErrInviteExpired):
			c.JSON(http.StatusGone, ErrorResponse{Error: "expired"})
		case errors.Is(err, battle.ErrInviteResolved):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "already_resolved"})
		case errors.Is(err, battle.ErrNotInvitee):
			c.JSON(http.StatusForbidden, ErrorResponse{Error: "not_invitee"})
		case errors.Is(err, battle.ErrAlreadyInBattle):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "already_in_battle"})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"battleId": b.ID, "slots": b.Slots})
}

// GetBattle serves the reconnect-fallback snapshot. Live battles answer from
// the machine; evicted ones from the durable archive.
func (h *BattleHandler) GetBattle(c *gin.Context) {
	id := c.Param("id")
	userID := c.Query("userId")

	snap, err := h.sup.Snapshot(id, userID)
	if err == nil {
		c.JSON(http.StatusOK, snap)
		return
	}
	if errors.Is(err, battle.ErrNotParticipant) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not_a_participant"})
		return
	}

	rec, serr := h.store.GetBattle(c.Request.Context(), id)
	if serr != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "battle_not_found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
