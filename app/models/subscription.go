package models

import "time"

const (
	SubscriptionStatusPending   = "pending"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPastDue   = "past_due"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusRevoked   = "revoked"
)

// Subscription mirrors provider subscription state. The ID is the provider's
// durable identifier (PayPal subscription id or Apple originalTransactionId)
// so every renewal of one subscription lands on the same row. A subscription
// id belongs to exactly one aidant at a time; ownership moves only after the
// current owner's paid window has lapsed.
type Subscription struct {
	ID              string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	AidantID        uint       `gorm:"not null;index" json:"aidant_id"`
	PlanID          string     `gorm:"type:varchar(64);not null" json:"plan_id"`
	Status          string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	StartTime       time.Time  `gorm:"type:timestamp;not null" json:"start_time"`
	NextBillingTime *time.Time `gorm:"type:timestamp;default:null" json:"next_billing_time,omitempty"`
	PayerEmail      string     `gorm:"type:varchar(200);default:''" json:"payer_email"`
	PaymentMethod   string     `gorm:"type:varchar(16);not null;default:'paypal'" json:"payment_method"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// InPaidWindow reports whether the already-paid renewal period still covers
// the given instant. A cancelled subscription stays usable until this window
// elapses (grace period).
func (s *Subscription) InPaidWindow(now time.Time) bool {
	return s.NextBillingTime != nil && s.NextBillingTime.After(now)
}
