package billing

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/chatgate/internal/common"
	"github.com/suPer8Hu/chatgate/internal/entitlement"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPurchaseNotFound = errors.New("billing: purchase not found")
	ErrChatMismatch     = errors.New("billing: payment belongs to another chat")
	ErrInvalidHours     = errors.New("billing: hours must be positive")
	ErrInvalidPayment   = errors.New("billing: payment id is required")
)

// reconcileTimeout bounds one shared provider lookup plus credit.
const reconcileTimeout = 30 * time.Second

type Outcome string

const (
	OutcomeCredited        Outcome = "credited"
	OutcomeAlreadyCredited Outcome = "already_credited"
	OutcomePending         Outcome = "pending"
	OutcomeFailed          Outcome = "failed"
)

type CreditResult struct {
	PaymentID      string  `json:"payment_id"`
	ChatID         int64   `json:"chat_id"`
	Hours          int     `json:"hours"`
	Amount         int     `json:"amount"`
	Outcome        Outcome `json:"outcome"`
	HoursRemaining int     `json:"hours_remaining"`
}

// Days is the credited time in whole days, for the confirmation message.
func (r CreditResult) Days() int { return r.Hours / 24 }

type Service struct {
	db       *gorm.DB
	ledger   *entitlement.Ledger
	provider PaymentProvider
	catalog  *Catalog
	currency string

	inflight singleflight.Group
}

func NewService(db *gorm.DB, ledger *entitlement.Ledger, provider PaymentProvider, catalog *Catalog, currency string) *Service {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if currency == "" {
		currency = "RUB"
	}
	return &Service{db: db, ledger: ledger, provider: provider, catalog: catalog, currency: currency}
}

func (s *Service) Plans() []Plan { return s.catalog.Plans() }

// CreatePurchase records the offer and opens a payment for it with the
// provider. On success the purchase is pending payment and carries the
// checkout url.
func (s *Service) CreatePurchase(ctx context.Context, chatID int64, planCode string) (*Purchase, error) {
	plan, err := s.catalog.Lookup(planCode)
	if err != nil {
		return nil, err
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, errors.Wrap(err, "purchase id")
	}
	p := &Purchase{
		ID:       id,
		ChatID:   chatID,
		Plan:     plan.Code,
		Hours:    plan.Hours,
		Amount:   plan.Price,
		Currency: s.currency,
		Status:   StatusOffered,
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, errors.Wrap(err, "create purchase")
	}

	created, err := s.provider.CreatePayment(ctx, plan.Price, plan.Title)
	if err != nil {
		if uerr := s.db.WithContext(ctx).Model(&Purchase{}).
			Where("id = ? AND status = ?", p.ID, StatusOffered).
			Update("status", StatusFailed).Error; uerr != nil {
			log.Error().Err(uerr).Str("purchase_id", p.ID).Msg("mark purchase failed")
		}
		return nil, errors.Wrap(err, "create payment")
	}

	res := s.db.WithContext(ctx).Model(&Purchase{}).
		Where("id = ? AND status = ?", p.ID, StatusOffered).
		Updates(map[string]any{
			"payment_id":   created.ID,
			"checkout_url": created.CheckoutURL,
			"status":       StatusPendingPayment,
		})
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "attach payment")
	}
	p.PaymentID = &created.ID
	p.CheckoutURL = created.CheckoutURL
	p.Status = StatusPendingPayment

	log.Info().
		Int64("chat_id", chatID).
		Str("purchase_id", p.ID).
		Str("payment_id", created.ID).
		Str("plan", plan.Code).
		Msg("payment created")
	return p, nil
}

func (s *Service) PurchaseByPaymentID(ctx context.Context, paymentID string) (*Purchase, error) {
	return findPurchase(s.db.WithContext(ctx), paymentID)
}

// ConfirmPurchase reconciles the payment of a purchase made through
// CreatePurchase, using the purchase's own chat, hours and amount.
func (s *Service) ConfirmPurchase(ctx context.Context, paymentID string) (*CreditResult, error) {
	p, err := s.PurchaseByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.ConfirmAndCredit(ctx, paymentID, p.ChatID, p.Hours, p.Amount)
}

// ConfirmAndCredit asks the provider whether paymentID succeeded and, if so,
// credits hours to chatID and writes the audit record in one transaction.
// Repeated or concurrent calls for the same payment credit it once; later
// calls report OutcomeAlreadyCredited.
//
// Concurrent callers share one reconciliation. It runs detached from any
// single caller's cancellation, bounded by reconcileTimeout, so a caller that
// goes away neither aborts nor fails the others.
func (s *Service) ConfirmAndCredit(ctx context.Context, paymentID string, chatID int64, hours, amount int) (*CreditResult, error) {
	if paymentID == "" {
		return nil, ErrInvalidPayment
	}
	if hours <= 0 {
		return nil, ErrInvalidHours
	}

	ch := s.inflight.DoChan(paymentID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
		defer cancel()
		return s.confirmAndCredit(runCtx, paymentID, chatID, hours, amount)
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		return nil, r.Err
	}
	res := *r.Val.(*CreditResult)
	if res.ChatID != chatID {
		return nil, ErrChatMismatch
	}
	return &res, nil
}

func (s *Service) confirmAndCredit(ctx context.Context, paymentID string, chatID int64, hours, amount int) (*CreditResult, error) {
	result := &CreditResult{PaymentID: paymentID, ChatID: chatID, Hours: hours, Amount: amount}

	if done, err := s.existingCredit(ctx, paymentID); err != nil {
		return nil, err
	} else if done != nil {
		return done, nil
	}

	status, err := s.provider.GetPaymentStatus(ctx, paymentID)
	if err != nil {
		return nil, errors.Wrap(err, "get payment status")
	}
	switch status {
	case PaymentPending:
		result.Outcome = OutcomePending
		return result, nil
	case PaymentFailed:
		s.markFailed(ctx, paymentID)
		result.Outcome = OutcomeFailed
		return result, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := findPurchase(tx, paymentID)
		switch {
		case errors.Is(err, ErrPurchaseNotFound):
		case err != nil:
			return err
		default:
			if p.ChatID != chatID {
				return ErrChatMismatch
			}
			result.Hours, result.Amount = p.Hours, p.Amount
		}

		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&PaymentRecord{
			PaymentID: paymentID,
			ChatID:    chatID,
			Hours:     result.Hours,
			Amount:    result.Amount,
			CreatedAt: time.Now(),
		})
		if ins.Error != nil {
			return errors.Wrap(ins.Error, "write payment record")
		}
		if ins.RowsAffected == 0 {
			result.Outcome = OutcomeAlreadyCredited
			rec, err := s.ledger.WithTx(tx).Get(ctx, chatID)
			if err == nil {
				result.HoursRemaining = rec.SubscriptionHoursRemaining
			}
			return nil
		}

		rec, err := s.ledger.WithTx(tx).Credit(ctx, chatID, result.Hours)
		if err != nil {
			return err
		}
		result.HoursRemaining = rec.SubscriptionHoursRemaining
		result.Outcome = OutcomeCredited

		if p != nil {
			for _, next := range []PurchaseStatus{StatusConfirmed, StatusCredited} {
				if err := advance(tx, paymentID, next); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == OutcomeCredited {
		log.Info().
			Int64("chat_id", chatID).
			Str("payment_id", paymentID).
			Int("hours", result.Hours).
			Int("amount", result.Amount).
			Msg("subscription credited")
	}
	return result, nil
}

// existingCredit returns the result of an earlier successful credit, or nil.
func (s *Service) existingCredit(ctx context.Context, paymentID string) (*CreditResult, error) {
	var rec PaymentRecord
	err := s.db.WithContext(ctx).First(&rec, "payment_id = ?", paymentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get payment record")
	}

	out := &CreditResult{
		PaymentID: rec.PaymentID,
		ChatID:    rec.ChatID,
		Hours:     rec.Hours,
		Amount:    rec.Amount,
		Outcome:   OutcomeAlreadyCredited,
	}
	if ent, err := s.ledger.Get(ctx, rec.ChatID); err == nil {
		out.HoursRemaining = ent.SubscriptionHoursRemaining
	}
	return out, nil
}

func (s *Service) markFailed(ctx context.Context, paymentID string) {
	if err := advance(s.db.WithContext(ctx), paymentID, StatusFailed); err != nil {
		log.Warn().Err(err).Str("payment_id", paymentID).Msg("mark purchase failed")
	}
}

func findPurchase(db *gorm.DB, paymentID string) (*Purchase, error) {
	var p Purchase
	err := db.First(&p, "payment_id = ?", paymentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get purchase")
	}
	return &p, nil
}

// advance moves the purchase to next if its current status allows it. A
// purchase already past next is left alone.
func advance(db *gorm.DB, paymentID string, next PurchaseStatus) error {
	return errors.Wrapf(db.Model(&Purchase{}).
		Where("payment_id = ? AND status IN ?", paymentID, fromStates(next)).
		Update("status", next).Error, "advance purchase to %s", next)
}
