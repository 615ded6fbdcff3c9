package payment

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Sentinel errors surfaced by adapters and the engine. Handlers map them to
// HTTP status codes; everything else is a server error.
var (
	// ErrOwnershipConflict means the subscription id is bound to another
	// aidant whose paid window has not lapsed. Non-retriable.
	ErrOwnershipConflict = errors.New("subscription is linked to another account")

	// ErrPayPalUnreachable distinguishes provider outage from a missing
	// resource; status queries fall back to cached state on it.
	ErrPayPalUnreachable = errors.New("paypal api unreachable")

	// ErrSubscriptionNotFound means the provider has no such subscription.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrProductMismatch means the client-announced product id does not
	// match the one inside the verified transaction.
	ErrProductMismatch = errors.New("product id mismatch")
)

// OutcomeCode classifies what an engine transition did.
type OutcomeCode int

const (
	// OutcomeApplied means the event mutated state and side effects ran.
	OutcomeApplied OutcomeCode = iota
	// OutcomeAlreadyApplied means the event was a duplicate; state already
	// reflects it and no side effect was repeated.
	OutcomeAlreadyApplied
	// OutcomeRejected means the event was refused without state mutation.
	OutcomeRejected
)

func (c OutcomeCode) String() string {
	switch c {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyApplied:
		return "already_applied"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the typed result of one reconciliation transition.
type Outcome struct {
	Code           OutcomeCode
	InvoiceID      string
	CreditsGranted int
	NewBalance     int
	Reason         string
}

// Transaction is the provider-agnostic shape every adapter normalizes into.
type Transaction struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	Price                 float64
	PurchaseDate          time.Time
	ExpiresDate           *time.Time
	// Reason is PURCHASE for first-time buys and RENEWAL for recurring
	// charges (Apple's transactionReason vocabulary).
	Reason string
}

// IsRenewal reports whether the transaction is a recurring charge rather
// than a first purchase.
func (t *Transaction) IsRenewal() bool {
	return t.Reason == "RENEWAL"
}

// InvoiceRequest describes one invoice to generate for a newly accepted
// transaction. The engine emits at most one per provider transaction id.
type InvoiceRequest struct {
	InvoiceID     string  `json:"invoice_id"`
	AidantID      uint    `json:"aidant_id"`
	Price         float64 `json:"price"`
	Label         string  `json:"label"`
	PaymentMethod string  `json:"payment_method"`
}

// InvoiceDispatcher hands invoice generation off to a background worker.
type InvoiceDispatcher interface {
	DispatchInvoice(req InvoiceRequest) error
}

// Invoice labels as they appear on the rendered document.
const (
	InvoiceLabelCredits      = "Crédits"
	InvoiceLabelSubscription = "Abonnement"
	InvoiceLabelRenewal      = "Renouvellement Abonnement"
)

// GenerateOrderID builds a short invoice/order id in the INV<ts><rand>
// format the billing partners expect.
func GenerateOrderID() string {
	ts := fmt.Sprintf("%d", time.Now().UnixMilli())
	if len(ts) > 5 {
		ts = ts[len(ts)-5:]
	}
	n, err := rand.Int(rand.Reader, big.NewInt(90))
	if err != nil {
		n = big.NewInt(0)
	}
	return fmt.Sprintf("INV%s%02d", ts, n.Int64()+10)
}
