// Package billing sells subscription hours and reconciles provider payments
// into the entitlement ledger exactly once per payment.
package billing

import "time"

type PurchaseStatus string

const (
	StatusOffered        PurchaseStatus = "offered"
	StatusPendingPayment PurchaseStatus = "pending_payment"
	StatusConfirmed      PurchaseStatus = "confirmed"
	StatusCredited       PurchaseStatus = "credited"
	StatusFailed         PurchaseStatus = "failed"
)

var transitions = map[PurchaseStatus][]PurchaseStatus{
	StatusOffered:        {StatusPendingPayment, StatusFailed},
	StatusPendingPayment: {StatusConfirmed, StatusFailed},
	StatusConfirmed:      {StatusCredited},
}

// CanTransition reports whether a purchase may move from s to next.
// Credited and failed are terminal.
func (s PurchaseStatus) CanTransition(next PurchaseStatus) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

var allStatuses = []PurchaseStatus{
	StatusOffered, StatusPendingPayment, StatusConfirmed, StatusCredited, StatusFailed,
}

// fromStates lists every status that may move to next.
func fromStates(next PurchaseStatus) []PurchaseStatus {
	var out []PurchaseStatus
	for _, from := range allStatuses {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

// Purchase is one attempt to buy a plan.
type Purchase struct {
	ID          string         `gorm:"primaryKey;type:char(26)" json:"id"`
	ChatID      int64          `gorm:"not null;index" json:"chat_id"`
	Plan        string         `gorm:"size:32;not null" json:"plan"`
	Hours       int            `gorm:"not null" json:"hours"`
	Amount      int            `gorm:"not null" json:"amount"`
	Currency    string         `gorm:"size:3;not null" json:"currency"`
	PaymentID   *string        `gorm:"size:64;uniqueIndex" json:"payment_id,omitempty"`
	CheckoutURL string         `gorm:"size:512" json:"checkout_url,omitempty"`
	Status      PurchaseStatus `gorm:"size:20;not null;index" json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (Purchase) TableName() string { return "purchases" }

// PaymentRecord is the audit row written when a payment's hours are credited.
// Its primary key is what makes crediting happen at most once.
type PaymentRecord struct {
	PaymentID string    `gorm:"primaryKey;size:64" json:"payment_id"`
	ChatID    int64     `gorm:"not null;index" json:"chat_id"`
	Hours     int       `gorm:"not null" json:"hours"`
	Amount    int       `gorm:"not null" json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func (PaymentRecord) TableName() string { return "payment_records" }
