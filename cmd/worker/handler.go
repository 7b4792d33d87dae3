package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chatgate/internal/billing"
	"github.com/suPer8Hu/chatgate/internal/store/rabbitmq"
)

const (
	maxAttempts    = 12
	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 30 * time.Minute
)

type verdict int

const (
	verdictAck verdict = iota
	verdictRetry
	verdictDeadLetter
)

func (v verdict) String() string {
	switch v {
	case verdictAck:
		return "ack"
	case verdictRetry:
		return "retry"
	default:
		return "dead_letter"
	}
}

type confirmer interface {
	ConfirmPurchase(ctx context.Context, paymentID string) (*billing.CreditResult, error)
}

// handlePayment reconciles one queued payment. Pending payments and transient
// failures are retried with backoff until maxAttempts; payments that can never
// be credited go to the DLQ.
func handlePayment(ctx context.Context, svc confirmer, m rabbitmq.PaymentMessage) verdict {
	start := time.Now()
	res, err := svc.ConfirmPurchase(ctx, m.PaymentID)

	var v verdict
	switch {
	case errors.Is(err, billing.ErrPurchaseNotFound), errors.Is(err, billing.ErrChatMismatch):
		v = verdictDeadLetter
	case err != nil:
		v = verdictRetry
	case res.Outcome == billing.OutcomePending:
		v = verdictRetry
	default:
		v = verdictAck
	}
	if v == verdictRetry && m.Attempt+1 >= maxAttempts {
		v = verdictDeadLetter
	}

	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	if res != nil {
		ev = ev.Str("outcome", string(res.Outcome)).Int64("chat_id", res.ChatID)
	}
	ev.Str("payment_id", m.PaymentID).
		Int("attempt", m.Attempt).
		Str("verdict", v.String()).
		Dur("took", time.Since(start)).
		Msg("payment check handled")
	return v
}

// retryDelay doubles per attempt, capped at maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	d := baseRetryDelay
	for i := 0; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}
