package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chatgate/internal/billing"
	"github.com/suPer8Hu/chatgate/internal/chat"
	"github.com/suPer8Hu/chatgate/internal/common"
	"github.com/suPer8Hu/chatgate/internal/entitlement"
)

func (h *Handler) ListPlans(c *gin.Context) {
	common.OK(c, gin.H{"plans": h.BillingSvc.Plans()})
}

func (h *Handler) GetEntitlement(c *gin.Context) {
	chatID, okk := chatIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	rec, err := h.Ledger.Get(c.Request.Context(), chatID)
	if errors.Is(err, entitlement.ErrNotFound) {
		// not provisioned yet: report what the first message would get
		d := h.Ledger.Defaults()
		rec = &entitlement.Record{ChatID: chatID, FreeRemaining: d.FreeMessages, SubscriptionHoursRemaining: d.SubscriptionHours}
	} else if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("get entitlement failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"entitlement": rec, "allowed": rec.Allowed()})
}

type createPaymentReq struct {
	Plan string `json:"plan" binding:"required"`
}

func (h *Handler) CreatePayment(c *gin.Context) {
	chatID, okk := chatIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createPaymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	p, err := h.BillingSvc.CreatePurchase(c.Request.Context(), chatID, req.Plan)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownPlan) {
			common.Fail(c, http.StatusBadRequest, 10010, "unknown plan")
			return
		}
		log.Error().Err(err).Int64("chat_id", chatID).Str("plan", req.Plan).Msg("create payment failed")
		common.Fail(c, http.StatusBadGateway, 50201, "payment provider unavailable")
		return
	}

	common.OK(c, gin.H{
		"purchase_id":  p.ID,
		"payment_id":   p.PaymentID,
		"checkout_url": p.CheckoutURL,
		"amount":       p.Amount,
		"currency":     p.Currency,
		"hours":        p.Hours,
	})
}

func (h *Handler) ConfirmPayment(c *gin.Context) {
	chatID, okk := chatIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	paymentID := c.Param("payment_id")

	ctx := c.Request.Context()
	p, err := h.BillingSvc.PurchaseByPaymentID(ctx, paymentID)
	if err == nil && p.ChatID != chatID {
		// hide existence
		err = billing.ErrPurchaseNotFound
	}
	if err != nil {
		h.failBilling(c, paymentID, err)
		return
	}

	res, err := h.BillingSvc.ConfirmPurchase(ctx, paymentID)
	if err != nil {
		h.failBilling(c, paymentID, err)
		return
	}

	out := gin.H{"result": res}
	switch res.Outcome {
	case billing.OutcomeCredited, billing.OutcomeAlreadyCredited:
		out["text"] = chat.PaidText(res.Days())
	}
	common.OK(c, out)
}

type paymentNotification struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"object"`
}

// PaymentWebhook receives provider notifications. The body is only a hint:
// confirmation always re-reads the payment status from the provider.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	var n paymentNotification
	if err := c.ShouldBindJSON(&n); err != nil || n.Object.ID == "" {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if n.Event != "payment.succeeded" {
		common.OK(c, gin.H{"ignored": n.Event})
		return
	}

	ctx := c.Request.Context()
	if h.Queue != nil {
		if err := h.Queue.PublishPaymentCheck(ctx, n.Object.ID); err != nil {
			log.Error().Err(err).Str("payment_id", n.Object.ID).Msg("enqueue payment check failed")
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
		common.OK(c, gin.H{"queued": true})
		return
	}

	res, err := h.BillingSvc.ConfirmPurchase(ctx, n.Object.ID)
	if err != nil {
		h.failBilling(c, n.Object.ID, err)
		return
	}
	common.OK(c, gin.H{"result": res})
}

func (h *Handler) failBilling(c *gin.Context, paymentID string, err error) {
	switch {
	case errors.Is(err, billing.ErrPurchaseNotFound):
		common.Fail(c, http.StatusNotFound, 40410, "payment not found")
	case errors.Is(err, billing.ErrChatMismatch):
		common.Fail(c, http.StatusConflict, 40910, "payment belongs to another chat")
	default:
		log.Error().Err(err).Str("payment_id", paymentID).Msg("confirm payment failed")
		common.Fail(c, http.StatusBadGateway, 50202, "payment confirmation failed, try again later")
	}
}
