package entitlement

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound     = errors.New("entitlement: record not found")
	ErrInvalidHours = errors.New("entitlement: hours must be positive")
)

// consumeAttempts bounds retries when a concurrent decay or credit changes the
// record between the conditional update and the read back.
const consumeAttempts = 3

// Ledger is the only writer of entitlement records. Every mutation is a single
// conditional UPDATE so concurrent callers never lose or oversell a unit.
type Ledger struct {
	db       *gorm.DB
	defaults Defaults
}

func NewLedger(db *gorm.DB, defaults Defaults) *Ledger {
	return &Ledger{db: db, defaults: defaults}
}

// WithTx returns a ledger bound to tx, so its writes commit or roll back with
// the caller's transaction.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, defaults: l.defaults}
}

func (l *Ledger) Defaults() Defaults { return l.defaults }

// Provision creates the chat's record with d if it does not exist yet. An
// existing record is left untouched.
func (l *Ledger) Provision(ctx context.Context, chatID int64, d Defaults) (*Record, error) {
	rec := Record{
		ChatID:                     chatID,
		FreeRemaining:              max(d.FreeMessages, 0),
		SubscriptionHoursRemaining: max(d.SubscriptionHours, 0),
	}
	if err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error; err != nil {
		return nil, errors.Wrapf(err, "provision chat %d", chatID)
	}
	return l.Get(ctx, chatID)
}

func (l *Ledger) Get(ctx context.Context, chatID int64) (*Record, error) {
	var rec Record
	err := l.db.WithContext(ctx).First(&rec, "chat_id = ?", chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get chat %d", chatID)
	}
	return &rec, nil
}

// Consume spends one unit of entitlement. Active subscription hours allow the
// turn without touching the free allowance; otherwise one free message is
// taken if any remain.
func (l *Ledger) Consume(ctx context.Context, chatID int64) (Decision, error) {
	if _, err := l.Provision(ctx, chatID, l.defaults); err != nil {
		return Decision{Tier: TierNone}, err
	}

	for attempt := 0; attempt < consumeAttempts; attempt++ {
		d, settled, err := l.consumeOnce(ctx, chatID)
		if err != nil {
			return Decision{Tier: TierNone}, err
		}
		if settled {
			return d, nil
		}
		// hours dropped to zero between the update and the read; try again
	}
	return Decision{Tier: TierNone}, errors.Errorf("consume chat %d: record kept changing", chatID)
}

// consumeOnce runs the conditional decrement and the read-back in one
// transaction. The row lock taken by the update holds until commit, so the
// value read is the one this call produced and LastFree goes to exactly one
// caller.
func (l *Ledger) consumeOnce(ctx context.Context, chatID int64) (d Decision, settled bool, err error) {
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Record{}).
			Where("chat_id = ? AND subscription_hours_remaining = 0 AND free_remaining > 0", chatID).
			Update("free_remaining", gorm.Expr("free_remaining - 1"))
		if res.Error != nil {
			return errors.Wrapf(res.Error, "consume chat %d", chatID)
		}

		rec, err := l.WithTx(tx).Get(ctx, chatID)
		if err != nil {
			return err
		}

		d = Decision{FreeRemaining: rec.FreeRemaining, HoursRemaining: rec.SubscriptionHoursRemaining}
		switch {
		case res.RowsAffected == 1:
			d.Allowed, d.Tier = true, TierFree
			d.LastFree = rec.FreeRemaining == 0
			settled = true
		case rec.SubscriptionHoursRemaining > 0:
			d.Allowed, d.Tier = true, TierSubscription
			settled = true
		case rec.FreeRemaining == 0:
			d.Tier = TierNone
			settled = true
		}
		return nil
	})
	return d, settled, err
}

// IsAllowed reports whether chatID may take a turn, consuming a free message
// when that is what allows it. Storage errors deny the turn.
func (l *Ledger) IsAllowed(ctx context.Context, chatID int64) bool {
	d, err := l.Consume(ctx, chatID)
	if err != nil {
		log.Error().Err(err).Int64("chat_id", chatID).Msg("entitlement check failed, denying")
		return false
	}
	return d.Allowed
}

// Credit adds subscription hours, provisioning the chat first if needed.
func (l *Ledger) Credit(ctx context.Context, chatID int64, hours int) (*Record, error) {
	if hours <= 0 {
		return nil, ErrInvalidHours
	}
	if _, err := l.Provision(ctx, chatID, l.defaults); err != nil {
		return nil, err
	}
	if err := l.db.WithContext(ctx).Model(&Record{}).
		Where("chat_id = ?", chatID).
		Update("subscription_hours_remaining", gorm.Expr("subscription_hours_remaining + ?", hours)).Error; err != nil {
		return nil, errors.Wrapf(err, "credit chat %d", chatID)
	}
	return l.Get(ctx, chatID)
}

// DecayOneHour takes one subscription hour from every chat that has any and
// returns how many chats were charged.
func (l *Ledger) DecayOneHour(ctx context.Context) (int64, error) {
	res := l.db.WithContext(ctx).Model(&Record{}).
		Where("subscription_hours_remaining > 0").
		Update("subscription_hours_remaining", gorm.Expr("subscription_hours_remaining - 1"))
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "decay subscription hours")
	}
	return res.RowsAffected, nil
}
