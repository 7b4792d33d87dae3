package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chatgate/internal/chat"
	"github.com/suPer8Hu/chatgate/internal/common"
	"github.com/suPer8Hu/chatgate/internal/httpapi/middleware"
)

func chatIDFromContext(c *gin.Context) (int64, bool) {
	v, ok := c.Get(middleware.ChatIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

type sendMessageReq struct {
	Message string `json:"message" binding:"required"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	chatID, okk := chatIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	reply, err := h.ChatSvc.SendMessage(c.Request.Context(), chatID, req.Message)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyQuery) {
			common.Fail(c, http.StatusBadRequest, 10002, "message required")
			return
		}
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("chat turn aborted")
		common.Fail(c, http.StatusServiceUnavailable, 50301, "request cancelled")
		return
	}

	if !reply.Allowed {
		// still a normal outcome; the client shows the upsell with the plan list
		c.JSON(http.StatusPaymentRequired, gin.H{
			"code":    40200,
			"message": reply.Text,
			"data":    gin.H{"reply": reply, "plans": h.BillingSvc.Plans()},
		})
		return
	}
	common.OK(c, gin.H{"chat_id": chatID, "reply": reply})
}

func (h *Handler) ResetChat(c *gin.Context) {
	chatID, okk := chatIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	text, err := h.ChatSvc.Reset(c.Request.Context(), chatID)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("reset failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"text": text})
}
