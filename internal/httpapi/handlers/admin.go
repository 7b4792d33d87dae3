package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chatgate/internal/auth"
	"github.com/suPer8Hu/chatgate/internal/common"
	"github.com/suPer8Hu/chatgate/internal/entitlement"
)

type issueTokenReq struct {
	ChatID int64 `json:"chat_id" binding:"required"`
}

// IssueToken signs a chat token for a front-end (e.g. a messenger bridge)
// acting on behalf of chat_id.
func (h *Handler) IssueToken(c *gin.Context) {
	var req issueTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	token, err := auth.SignChatToken(req.ChatID, h.JWTSecret, h.TokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{"chat_id": req.ChatID, "token": token})
}

type creditReq struct {
	Hours int `json:"hours" binding:"required"`
}

func (h *Handler) CreditEntitlement(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil || chatID == 0 {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid chat id")
		return
	}

	var req creditReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	rec, err := h.Ledger.Credit(c.Request.Context(), chatID, req.Hours)
	if err != nil {
		if errors.Is(err, entitlement.ErrInvalidHours) {
			common.Fail(c, http.StatusBadRequest, 10005, "hours must be positive")
			return
		}
		log.Error().Err(err).Int64("chat_id", chatID).Msg("manual credit failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	log.Info().Int64("chat_id", chatID).Int("hours", req.Hours).Msg("manual credit applied")
	common.OK(c, gin.H{"entitlement": rec})
}
