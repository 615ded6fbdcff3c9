package models

import "time"

// Payment kinds. "forfait" is a one-time credit pack, "abonnement" a
// recurring subscription charge.
const (
	PaymentKindCredits      = "forfait"
	PaymentKindSubscription = "abonnement"
)

const (
	PaymentStatusPending  = "pending"
	PaymentStatusSuccess  = "success"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
	PaymentStatusRevoked  = "revoked"
)

const (
	PaymentMethodCard   = "card"
	PaymentMethodPayPal = "paypal"
	PaymentMethodApple  = "apple"
)

// PaymentRecord is one charge event. The ID doubles as the invoice number.
// TransactionID is the payment processor's identifier for the charge and is
// the idempotency key: the unique index guarantees at most one successful
// record per provider transaction even under concurrent webhook delivery.
type PaymentRecord struct {
	ID            string    `gorm:"type:varchar(32);primaryKey" json:"id"`
	AidantID      uint      `gorm:"not null;index" json:"aidant_id"`
	Kind          string    `gorm:"type:varchar(16);not null;index" json:"kind"`
	Credits       *int      `gorm:"default:null" json:"credits,omitempty"`
	Price         float64   `gorm:"not null" json:"price"`
	Status        string    `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	TransactionID string    `gorm:"type:varchar(191);default:null;uniqueIndex:ux_payment_records_transaction" json:"transaction_id"`
	PaymentMethod string    `gorm:"type:varchar(16);not null;default:'card'" json:"payment_method"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime;index" json:"updated_at"`
}
