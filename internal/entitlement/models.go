// Package entitlement tracks per-chat usage rights: a free message allowance
// and paid subscription hours.
package entitlement

import "time"

// Record is one chat's ledger row. Both counters are clamped at zero.
type Record struct {
	ChatID                     int64     `gorm:"primaryKey;autoIncrement:false" json:"chat_id"`
	FreeRemaining              int       `gorm:"not null;default:0" json:"free_remaining"`
	SubscriptionHoursRemaining int       `gorm:"not null;default:0;index" json:"subscription_hours_remaining"`
	CreatedAt                  time.Time `json:"created_at"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

func (Record) TableName() string { return "entitlements" }

func (r Record) Allowed() bool {
	return r.SubscriptionHoursRemaining > 0 || r.FreeRemaining > 0
}

// Defaults is the allowance a chat starts with.
type Defaults struct {
	FreeMessages      int
	SubscriptionHours int
}

type Tier string

const (
	TierSubscription Tier = "subscription"
	TierFree         Tier = "free"
	TierNone         Tier = "none"
)

// Decision is the outcome of one consumption attempt.
type Decision struct {
	Allowed        bool `json:"allowed"`
	Tier           Tier `json:"tier"`
	FreeRemaining  int  `json:"free_remaining"`
	HoursRemaining int  `json:"hours_remaining"`
	// LastFree is set when this consumption used up the free allowance.
	LastFree bool `json:"last_free"`
}
