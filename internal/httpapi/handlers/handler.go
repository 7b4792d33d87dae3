package handlers

import (
	"context"
	"time"

	"github.com/suPer8Hu/chatgate/internal/billing"
	"github.com/suPer8Hu/chatgate/internal/chat"
	"github.com/suPer8Hu/chatgate/internal/entitlement"
)

// PaymentQueue defers payment confirmation to the worker.
type PaymentQueue interface {
	PublishPaymentCheck(ctx context.Context, paymentID string) error
}

type Handler struct {
	ChatSvc    *chat.Service
	Ledger     *entitlement.Ledger
	BillingSvc *billing.Service
	// Queue is nil when RabbitMQ is not configured; webhooks then confirm inline.
	Queue     PaymentQueue
	JWTSecret string
	TokenTTL  time.Duration
}

func NewHandler(chatSvc *chat.Service, ledger *entitlement.Ledger, billingSvc *billing.Service, queue PaymentQueue, jwtSecret string) *Handler {
	return &Handler{
		ChatSvc:    chatSvc,
		Ledger:     ledger,
		BillingSvc: billingSvc,
		Queue:      queue,
		JWTSecret:  jwtSecret,
		TokenTTL:   30 * 24 * time.Hour,
	}
}
