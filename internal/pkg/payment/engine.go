package payment

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/wingerapp/winger-backend/app/models"
	"github.com/wingerapp/winger-backend/app/repository"
)

// Engine applies normalized provider events to local state. Every
// transition is idempotent: the provider transaction id is the idempotency
// key, backed by a uniqueness constraint, so concurrent deliveries of the
// same event converge on a single successful record and at most one
// credit grant or invoice per transaction.
type Engine struct {
	users         repository.UserRepository
	payments      repository.PaymentRepository
	subscriptions repository.SubscriptionRepository
	catalog       *Catalog
	invoices      InvoiceDispatcher

	now func() time.Time
}

// NewEngine creates a reconciliation engine. The dispatcher may be nil when
// invoice generation is handled elsewhere (tests, backfills).
func NewEngine(repos *repository.Repositories, catalog *Catalog, invoices InvoiceDispatcher) *Engine {
	return &Engine{
		users:         repos.User,
		payments:      repos.Payment,
		subscriptions: repos.Subscription,
		catalog:       catalog,
		invoices:      invoices,
		now:           time.Now,
	}
}

// CreditPurchaseEvent is a settled one-time credit pack purchase.
type CreditPurchaseEvent struct {
	AidantID      uint
	TransactionID string
	ProductID     string
	Price         float64
	Credits       int
	Method        string
}

// SubscriptionEvent is a settled subscription activation or renewal.
// TransactionID identifies this charge and is distinct from SubscriptionID,
// the durable id tying all renewals together. An empty TransactionID (the
// restore flow) links the subscription without recording a charge.
type SubscriptionEvent struct {
	AidantID       uint
	SubscriptionID string
	TransactionID  string
	PlanID         string
	Price          float64
	Method         string
	StartTime      time.Time
	ExpiresDate    *time.Time
	Renewal        bool
	PayerEmail     string
}

// ApplyCreditPurchase grants credits for a one-time purchase exactly once
// per provider transaction id.
func (e *Engine) ApplyCreditPurchase(ev CreditPurchaseEvent) (*Outcome, error) {
	existing, err := e.payments.GetByTransactionID(ev.TransactionID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == models.PaymentStatusSuccess {
		log.Infof("credit purchase already processed transaction_id=%s", ev.TransactionID)
		return &Outcome{Code: OutcomeAlreadyApplied, InvoiceID: existing.ID}, nil
	}

	credits := ev.Credits
	record := &models.PaymentRecord{
		ID:            GenerateOrderID(),
		AidantID:      ev.AidantID,
		Kind:          models.PaymentKindCredits,
		Credits:       &credits,
		Price:         ev.Price,
		Status:        models.PaymentStatusSuccess,
		TransactionID: ev.TransactionID,
		PaymentMethod: ev.Method,
	}

	created, stored, err := e.payments.CreateIfAbsent(record)
	if err != nil {
		return nil, err
	}
	if !created {
		if stored.Status != models.PaymentStatusPending && stored.Status != models.PaymentStatusFailed {
			// Success means a concurrent delivery already ran the side
			// effects; refunded and revoked records stay reversed.
			log.Infof("credit purchase already recorded transaction_id=%s invoice=%s status=%s",
				ev.TransactionID, stored.ID, stored.Status)
			return &Outcome{Code: OutcomeAlreadyApplied, InvoiceID: stored.ID}, nil
		}
		// A prior attempt left a pending or failed record on this
		// transaction id. Promote it and run the side effects it never got.
		if err := e.payments.UpdateFields(stored.ID, map[string]interface{}{
			"status":  models.PaymentStatusSuccess,
			"credits": &credits,
			"price":   ev.Price,
		}); err != nil {
			return nil, err
		}
		log.Infof("credit purchase recovered non-success record transaction_id=%s invoice=%s",
			ev.TransactionID, stored.ID)
		record = stored
	}

	balance, err := e.users.AddCredits(ev.AidantID, credits)
	if err != nil {
		return nil, err
	}
	log.Infof("credits granted aidant=%d credits=%d balance=%d transaction_id=%s",
		ev.AidantID, credits, balance, ev.TransactionID)

	e.dispatchInvoice(InvoiceRequest{
		InvoiceID:     record.ID,
		AidantID:      ev.AidantID,
		Price:         ev.Price,
		Label:         InvoiceLabelCredits,
		PaymentMethod: ev.Method,
	})

	return &Outcome{
		Code:           OutcomeApplied,
		InvoiceID:      record.ID,
		CreditsGranted: credits,
		NewBalance:     balance,
	}, nil
}

// ApplySubscription activates or renews a subscription. Ownership: a
// subscription id bound to another aidant is claimable only once that
// owner's paid window has lapsed; until then the event is rejected with
// ErrOwnershipConflict.
func (e *Engine) ApplySubscription(ev SubscriptionEvent) (*Outcome, error) {
	now := e.now()

	if ev.TransactionID != "" {
		existing, err := e.payments.GetByTransactionID(ev.TransactionID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if existing != nil && existing.Status == models.PaymentStatusSuccess {
			log.Infof("subscription transaction already processed transaction_id=%s", ev.TransactionID)
			return &Outcome{Code: OutcomeAlreadyApplied, InvoiceID: existing.ID}, nil
		}
	}

	current, err := e.subscriptions.GetByID(ev.SubscriptionID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if current != nil && current.AidantID != ev.AidantID {
		if SubscriptionBlocksTransfer(current, now) {
			log.Warnf("subscription %s owned by aidant=%d, refused for aidant=%d",
				ev.SubscriptionID, current.AidantID, ev.AidantID)
			return &Outcome{Code: OutcomeRejected, Reason: "subscription linked to another account"},
				ErrOwnershipConflict
		}
		log.Infof("subscription %s owner lapsed, transferring aidant=%d -> aidant=%d",
			ev.SubscriptionID, current.AidantID, ev.AidantID)
	}

	if current != nil && current.AidantID == ev.AidantID && !ev.Renewal &&
		current.Status == models.SubscriptionStatusActive && current.InPaidWindow(now) {
		log.Infof("subscription %s already active for aidant=%d", ev.SubscriptionID, ev.AidantID)
		return &Outcome{Code: OutcomeAlreadyApplied}, nil
	}

	nextBilling := ev.ExpiresDate
	if nextBilling == nil {
		period, perr := e.catalog.PeriodFor(ev.PlanID)
		if perr != nil {
			period = 30 * 24 * time.Hour
		}
		t := ev.StartTime.Add(period)
		nextBilling = &t
	}

	sub := &models.Subscription{
		ID:              ev.SubscriptionID,
		AidantID:        ev.AidantID,
		PlanID:          ev.PlanID,
		Status:          models.SubscriptionStatusActive,
		StartTime:       ev.StartTime,
		NextBillingTime: nextBilling,
		PayerEmail:      ev.PayerEmail,
		PaymentMethod:   ev.Method,
	}
	if err := e.subscriptions.Upsert(sub); err != nil {
		return nil, err
	}

	if ev.TransactionID == "" {
		return &Outcome{Code: OutcomeApplied}, nil
	}

	record := &models.PaymentRecord{
		ID:            GenerateOrderID(),
		AidantID:      ev.AidantID,
		Kind:          models.PaymentKindSubscription,
		Price:         ev.Price,
		Status:        models.PaymentStatusSuccess,
		TransactionID: ev.TransactionID,
		PaymentMethod: ev.Method,
	}
	created, stored, err := e.payments.CreateIfAbsent(record)
	if err != nil {
		return nil, err
	}
	if !created {
		log.Infof("renewal already invoiced transaction_id=%s invoice=%s", ev.TransactionID, stored.ID)
		return &Outcome{Code: OutcomeAlreadyApplied, InvoiceID: stored.ID}, nil
	}

	label := InvoiceLabelSubscription
	if ev.Renewal {
		label = InvoiceLabelRenewal
	}
	e.dispatchInvoice(InvoiceRequest{
		InvoiceID:     record.ID,
		AidantID:      ev.AidantID,
		Price:         ev.Price,
		Label:         label,
		PaymentMethod: ev.Method,
	})

	return &Outcome{Code: OutcomeApplied, InvoiceID: record.ID}, nil
}

// ApplyPayPalActivation marks a pending PayPal subscription active,
// settles the pending payment keyed on the subscription id and invoices
// the first charge. Activating an already-active subscription only
// refreshes the billing fields; the invoice is not re-sent.
func (e *Engine) ApplyPayPalActivation(subscriptionID string, startTime *time.Time, nextBilling *time.Time, payerEmail string) error {
	fields := map[string]interface{}{
		"status": models.SubscriptionStatusActive,
	}
	if startTime != nil {
		fields["start_time"] = *startTime
	}
	if nextBilling != nil {
		fields["next_billing_time"] = nextBilling
	}
	if payerEmail != "" {
		fields["payer_email"] = payerEmail
	}
	if err := e.subscriptions.UpdateFields(subscriptionID, fields); err != nil {
		return err
	}

	record, err := e.payments.GetByTransactionID(subscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if record.Status != models.PaymentStatusPending {
		return nil
	}
	if err := e.payments.MarkSuccessByTransactionID(subscriptionID); err != nil {
		return err
	}
	e.dispatchInvoice(InvoiceRequest{
		InvoiceID:     record.ID,
		AidantID:      record.AidantID,
		Price:         record.Price,
		Label:         InvoiceLabelSubscription,
		PaymentMethod: models.PaymentMethodPayPal,
	})
	return nil
}

// SettleCardPayment applies the card processor's settlement callback to the
// pending order created by the checkout endpoint. Credits and the invoice
// are granted once; redeliveries converge on the stored state.
func (e *Engine) SettleCardPayment(orderID, transactionID string, succeeded bool) (*Outcome, error) {
	record, err := e.payments.GetByID(orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("card settlement for unknown order %s", orderID)
			return &Outcome{Code: OutcomeRejected, Reason: "order not found"}, nil
		}
		return nil, err
	}

	if record.Status == models.PaymentStatusSuccess {
		log.Infof("card order %s already settled", orderID)
		return &Outcome{Code: OutcomeAlreadyApplied, InvoiceID: record.ID}, nil
	}

	if !succeeded {
		fields := map[string]interface{}{"status": models.PaymentStatusFailed}
		if transactionID != "" {
			// The unique index only exempts NULL, not the empty string.
			fields["transaction_id"] = transactionID
		}
		if err := e.payments.UpdateFields(orderID, fields); err != nil {
			return nil, err
		}
		return &Outcome{Code: OutcomeRejected, InvoiceID: record.ID, Reason: "payment failed"}, nil
	}

	if transactionID != "" {
		existing, lerr := e.payments.GetByTransactionID(transactionID)
		if lerr != nil && !errors.Is(lerr, gorm.ErrRecordNotFound) {
			return nil, lerr
		}
		if existing != nil && existing.Status == models.PaymentStatusSuccess {
			log.Infof("card transaction %s already settled under order %s", transactionID, existing.ID)
			return &Outcome{Code: OutcomeAlreadyApplied, InvoiceID: existing.ID}, nil
		}
	}

	if err := e.payments.UpdateFields(orderID, map[string]interface{}{
		"status":         models.PaymentStatusSuccess,
		"transaction_id": transactionID,
	}); err != nil {
		return nil, err
	}

	outcome := &Outcome{Code: OutcomeApplied, InvoiceID: record.ID}
	label := InvoiceLabelSubscription

	if record.Kind == models.PaymentKindCredits && record.Credits != nil {
		balance, berr := e.users.AddCredits(record.AidantID, *record.Credits)
		if berr != nil {
			return nil, berr
		}
		outcome.CreditsGranted = *record.Credits
		outcome.NewBalance = balance
		label = InvoiceLabelCredits
		log.Infof("credits granted aidant=%d credits=%d balance=%d order=%s",
			record.AidantID, *record.Credits, balance, orderID)
	} else if record.Kind == models.PaymentKindSubscription {
		now := e.now()
		planID, period := e.cardPlanFor(record.Price)
		next := now.Add(period)
		sub := &models.Subscription{
			ID:              orderID,
			AidantID:        record.AidantID,
			PlanID:          planID,
			Status:          models.SubscriptionStatusActive,
			StartTime:       now,
			NextBillingTime: &next,
			PaymentMethod:   models.PaymentMethodCard,
		}
		if serr := e.subscriptions.Upsert(sub); serr != nil {
			return nil, serr
		}
	}

	e.dispatchInvoice(InvoiceRequest{
		InvoiceID:     record.ID,
		AidantID:      record.AidantID,
		Price:         record.Price,
		Label:         label,
		PaymentMethod: models.PaymentMethodCard,
	})
	return outcome, nil
}

// cardPlanFor finds the subscription plan matching a charged amount. Card
// orders do not carry the product id through the processor, only the price.
func (e *Engine) cardPlanFor(price float64) (string, time.Duration) {
	for _, p := range e.catalog.Products() {
		if p.Subscription && p.Price == price {
			return p.ID, p.Period
		}
	}
	return ProductUnlimitedMonthly, 30 * 24 * time.Hour
}

// ApplySaleCompleted records a recurring PayPal charge. The sale's own
// transaction id keys the record; a second delivery updates the existing
// row instead of duplicating it and never re-invoices.
func (e *Engine) ApplySaleCompleted(subscriptionID, saleTransactionID string, amount float64) (*Outcome, error) {
	sub, err := e.subscriptions.GetByID(subscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("sale completed for unknown subscription %s", subscriptionID)
			return &Outcome{Code: OutcomeRejected, Reason: "subscription not found"}, nil
		}
		return nil, err
	}

	record := &models.PaymentRecord{
		ID:            GenerateOrderID(),
		AidantID:      sub.AidantID,
		Kind:          models.PaymentKindSubscription,
		Price:         amount,
		Status:        models.PaymentStatusSuccess,
		TransactionID: saleTransactionID,
		PaymentMethod: models.PaymentMethodPayPal,
	}
	created, stored, err := e.payments.CreateIfAbsent(record)
	if err != nil {
		return nil, err
	}
	if !created {
		if err := e.payments.UpdateFields(stored.ID, map[string]interface{}{
			"status": models.PaymentStatusSuccess,
			"price":  amount,
		}); err != nil {
			return nil, err
		}
		log.Infof("sale already recorded transaction_id=%s invoice=%s", saleTransactionID, stored.ID)
		return &Outcome{Code: OutcomeAlreadyApplied, InvoiceID: stored.ID}, nil
	}

	e.dispatchInvoice(InvoiceRequest{
		InvoiceID:     record.ID,
		AidantID:      sub.AidantID,
		Price:         amount,
		Label:         InvoiceLabelSubscription,
		PaymentMethod: models.PaymentMethodPayPal,
	})
	return &Outcome{Code: OutcomeApplied, InvoiceID: record.ID}, nil
}

// ApplySubscriptionStatus transitions a subscription's status directly
// (cancellation, suspension, expiry, revocation).
func (e *Engine) ApplySubscriptionStatus(subscriptionID, status string, nextBilling *time.Time) error {
	fields := map[string]interface{}{"status": status}
	if nextBilling != nil {
		fields["next_billing_time"] = nextBilling
	}
	return e.subscriptions.UpdateFields(subscriptionID, fields)
}

// ApplyReversal marks a previously successful transaction revoked or
// refunded and claws back any credits it granted, flooring the balance at
// zero. Reversing twice is a no-op.
func (e *Engine) ApplyReversal(transactionID, finalStatus string) (*Outcome, error) {
	record, err := e.payments.GetByTransactionID(transactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Outcome{Code: OutcomeRejected, Reason: "transaction not found"}, nil
		}
		return nil, err
	}

	if record.Status == models.PaymentStatusRevoked || record.Status == models.PaymentStatusRefunded {
		log.Infof("transaction %s already reversed (status=%s)", transactionID, record.Status)
		return &Outcome{Code: OutcomeAlreadyApplied, InvoiceID: record.ID}, nil
	}

	if err := e.payments.UpdateFields(record.ID, map[string]interface{}{"status": finalStatus}); err != nil {
		return nil, err
	}

	outcome := &Outcome{Code: OutcomeApplied, InvoiceID: record.ID}
	if record.Credits != nil && *record.Credits > 0 {
		balance, err := e.users.AddCredits(record.AidantID, -*record.Credits)
		if err != nil {
			return nil, err
		}
		outcome.CreditsGranted = -*record.Credits
		outcome.NewBalance = balance
		log.Infof("credits reversed aidant=%d credits=%d balance=%d transaction_id=%s",
			record.AidantID, *record.Credits, balance, transactionID)
	}
	return outcome, nil
}

// ReversedKind returns the kind of the transaction behind a reversal so the
// webhook handler can also expire the linked subscription when needed.
func (e *Engine) ReversedKind(transactionID string) (string, error) {
	record, err := e.payments.GetByTransactionID(transactionID)
	if err != nil {
		return "", err
	}
	return record.Kind, nil
}

func (e *Engine) dispatchInvoice(req InvoiceRequest) {
	if e.invoices == nil {
		return
	}
	if err := e.invoices.DispatchInvoice(req); err != nil {
		// Invoicing must not fail the payment; the record is already settled.
		log.Errorf("invoice dispatch failed invoice=%s aidant=%d: %v", req.InvoiceID, req.AidantID, err)
	}
}

// SubscriptionBlocksTransfer reports whether the current owner still holds
// a claim on the subscription id. A cancelled subscription inside its paid
// window still blocks (grace period); expired and revoked ones never do.
func SubscriptionBlocksTransfer(sub *models.Subscription, now time.Time) bool {
	if !sub.InPaidWindow(now) {
		return false
	}
	switch sub.Status {
	case models.SubscriptionStatusActive,
		models.SubscriptionStatusCancelled,
		models.SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}
