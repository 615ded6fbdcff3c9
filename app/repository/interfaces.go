package repository

import (
	"time"

	"github.com/wingerapp/winger-backend/app/models"
)

// UserRepository defines user-related database operations used by the
// payment subsystem.
type UserRepository interface {
	GetByID(id uint) (*models.User, error)
	Update(user *models.User) error
	// AddCredits atomically adjusts the credit balance by delta, flooring
	// at zero, and returns the new balance.
	AddCredits(id uint, delta int) (int, error)
}

// PaymentRepository defines operations on payment records. The provider
// transaction id carries a unique index; CreateIfAbsent is the atomic
// insert-if-absent primitive that makes duplicate deliveries converge on a
// single row.
type PaymentRepository interface {
	Create(record *models.PaymentRecord) error
	CreateIfAbsent(record *models.PaymentRecord) (bool, *models.PaymentRecord, error)
	GetByID(id string) (*models.PaymentRecord, error)
	GetByTransactionID(transactionID string) (*models.PaymentRecord, error)
	UpdateFields(id string, fields map[string]interface{}) error
	MarkSuccessByTransactionID(transactionID string) error
	ListByAidantAndKind(aidantID uint, kind string) ([]models.PaymentRecord, error)
	SumSuccessfulCredits(aidantID uint) (int, error)
	LastSuccessfulPurchase(aidantID uint) (*models.PaymentRecord, error)
}

// SubscriptionRepository defines operations on subscription records.
type SubscriptionRepository interface {
	GetByID(id string) (*models.Subscription, error)
	// GetOwnedByOther returns the subscription row for id when it is bound
	// to an aidant other than aidantID.
	GetOwnedByOther(id string, aidantID uint) (*models.Subscription, error)
	Create(sub *models.Subscription) error
	Upsert(sub *models.Subscription) error
	UpdateFields(id string, fields map[string]interface{}) error
	// LatestForAidant returns the most recent subscription in any of the
	// given statuses, newest paid window first.
	LatestForAidant(aidantID uint, statuses []string) (*models.Subscription, error)
	// LiveCandidate returns the row that may still entitle the aidant:
	// active, past_due, expired, revoked, or cancelled inside its paid
	// window at the given instant.
	LiveCandidate(aidantID uint, now time.Time) (*models.Subscription, error)
	HasActiveOrPending(aidantID uint) (bool, error)
	// ExpireLapsed marks every subscription whose paid window has lapsed as
	// expired and returns how many rows changed.
	ExpireLapsed(now time.Time) (int64, error)
}

// WebhookEventRepository persists webhook payloads idempotently.
type WebhookEventRepository interface {
	CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkProcessed(id uint, processingError string) error
}

// CreditUsageRepository exposes the spent-credit ledger.
type CreditUsageRepository interface {
	SumActiveBySender(senderID uint) (int, error)
	ListBySender(senderID uint) ([]CreditUsageEntry, error)
}

// CreditUsageEntry is a usage row joined with the sender/destination names.
type CreditUsageEntry struct {
	models.CreditUsage
	SenderName      string `json:"sender_name"`
	DestinationName string `json:"destination_name"`
}
