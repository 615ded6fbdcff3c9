package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/wingerapp/winger-backend/app/models"
	"github.com/wingerapp/winger-backend/app/repository"
	"github.com/wingerapp/winger-backend/internal/pkg/payment"
)

type fakeUserRepo struct {
	users map[uint]*models.User
}

func (r *fakeUserRepo) GetByID(id uint) (*models.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) Update(user *models.User) error {
	r.users[user.ID] = user
	return nil
}

func (r *fakeUserRepo) AddCredits(id uint, delta int) (int, error) {
	u, ok := r.users[id]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	u.Credits += delta
	if u.Credits < 0 {
		u.Credits = 0
	}
	return u.Credits, nil
}

type fakePaymentRepo struct {
	byID map[string]*models.PaymentRecord
	byTx map[string]*models.PaymentRecord

	// updateErr fails the next UpdateFields call once.
	updateErr error
}

func (r *fakePaymentRepo) Create(record *models.PaymentRecord) error {
	r.byID[record.ID] = record
	if record.TransactionID != "" {
		r.byTx[record.TransactionID] = record
	}
	return nil
}

func (r *fakePaymentRepo) CreateIfAbsent(record *models.PaymentRecord) (bool, *models.PaymentRecord, error) {
	if record.TransactionID != "" {
		if existing, ok := r.byTx[record.TransactionID]; ok {
			return false, existing, nil
		}
	}
	return true, record, r.Create(record)
}

func (r *fakePaymentRepo) GetByID(id string) (*models.PaymentRecord, error) {
	rec, ok := r.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakePaymentRepo) GetByTransactionID(transactionID string) (*models.PaymentRecord, error) {
	rec, ok := r.byTx[transactionID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakePaymentRepo) UpdateFields(id string, fields map[string]interface{}) error {
	if r.updateErr != nil {
		err := r.updateErr
		r.updateErr = nil
		return err
	}
	rec, ok := r.byID[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for key, value := range fields {
		switch key {
		case "status":
			rec.Status = value.(string)
		case "price":
			rec.Price = value.(float64)
		case "credits":
			rec.Credits = value.(*int)
		case "transaction_id":
			rec.TransactionID = value.(string)
			r.byTx[rec.TransactionID] = rec
		}
	}
	return nil
}

func (r *fakePaymentRepo) MarkSuccessByTransactionID(transactionID string) error {
	rec, ok := r.byTx[transactionID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	rec.Status = models.PaymentStatusSuccess
	return nil
}

func (r *fakePaymentRepo) ListByAidantAndKind(aidantID uint, kind string) ([]models.PaymentRecord, error) {
	var out []models.PaymentRecord
	for _, rec := range r.byID {
		if rec.AidantID == aidantID && rec.Kind == kind {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *fakePaymentRepo) SumSuccessfulCredits(aidantID uint) (int, error) {
	total := 0
	for _, rec := range r.byID {
		if rec.AidantID == aidantID && rec.Status == models.PaymentStatusSuccess && rec.Credits != nil {
			total += *rec.Credits
		}
	}
	return total, nil
}

func (r *fakePaymentRepo) LastSuccessfulPurchase(aidantID uint) (*models.PaymentRecord, error) {
	var last *models.PaymentRecord
	for _, rec := range r.byID {
		if rec.AidantID != aidantID || rec.Status != models.PaymentStatusSuccess {
			continue
		}
		if last == nil || rec.CreatedAt.After(last.CreatedAt) {
			last = rec
		}
	}
	if last == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *last
	return &cp, nil
}

type fakeSubscriptionRepo struct {
	subs map[string]*models.Subscription

	// updateErr fails the next UpdateFields call once.
	updateErr error
}

func (r *fakeSubscriptionRepo) GetByID(id string) (*models.Subscription, error) {
	sub, ok := r.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeSubscriptionRepo) GetOwnedByOther(id string, aidantID uint) (*models.Subscription, error) {
	sub, ok := r.subs[id]
	if !ok || sub.AidantID == aidantID {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeSubscriptionRepo) Create(sub *models.Subscription) error {
	r.subs[sub.ID] = sub
	return nil
}

func (r *fakeSubscriptionRepo) Upsert(sub *models.Subscription) error {
	r.subs[sub.ID] = sub
	return nil
}

func (r *fakeSubscriptionRepo) UpdateFields(id string, fields map[string]interface{}) error {
	if r.updateErr != nil {
		err := r.updateErr
		r.updateErr = nil
		return err
	}
	sub, ok := r.subs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for key, value := range fields {
		switch key {
		case "status":
			sub.Status = value.(string)
		case "next_billing_time":
			switch v := value.(type) {
			case *time.Time:
				sub.NextBillingTime = v
			case time.Time:
				sub.NextBillingTime = &v
			}
		case "start_time":
			sub.StartTime = value.(time.Time)
		case "payer_email":
			sub.PayerEmail = value.(string)
		}
	}
	return nil
}

func (r *fakeSubscriptionRepo) LatestForAidant(aidantID uint, statuses []string) (*models.Subscription, error) {
	var best *models.Subscription
	for _, sub := range r.subs {
		if sub.AidantID != aidantID {
			continue
		}
		match := false
		for _, s := range statuses {
			if sub.Status == s {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if best == nil || laterWindow(sub, best) {
			best = sub
		}
	}
	if best == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *best
	return &cp, nil
}

func laterWindow(a, b *models.Subscription) bool {
	at, bt := a.StartTime, b.StartTime
	if a.NextBillingTime != nil {
		at = *a.NextBillingTime
	}
	if b.NextBillingTime != nil {
		bt = *b.NextBillingTime
	}
	return at.After(bt)
}

func (r *fakeSubscriptionRepo) LiveCandidate(aidantID uint, now time.Time) (*models.Subscription, error) {
	statuses := []string{
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusExpired,
		models.SubscriptionStatusRevoked,
	}
	if sub, err := r.LatestForAidant(aidantID, statuses); err == nil {
		return sub, nil
	}
	if sub, err := r.LatestForAidant(aidantID, []string{models.SubscriptionStatusCancelled}); err == nil && sub.InPaidWindow(now) {
		return sub, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeSubscriptionRepo) HasActiveOrPending(aidantID uint) (bool, error) {
	for _, sub := range r.subs {
		if sub.AidantID == aidantID &&
			(sub.Status == models.SubscriptionStatusActive || sub.Status == models.SubscriptionStatusPending) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeSubscriptionRepo) ExpireLapsed(now time.Time) (int64, error) {
	var n int64
	for _, sub := range r.subs {
		switch sub.Status {
		case models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, models.SubscriptionStatusCancelled:
			if sub.NextBillingTime != nil && !sub.NextBillingTime.After(now) {
				sub.Status = models.SubscriptionStatusExpired
				n++
			}
		}
	}
	return n, nil
}

type fakeWebhookEventRepo struct {
	events map[string]*models.WebhookEvent
	nextID uint
}

func (r *fakeWebhookEventRepo) CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + "|" + event.ProviderEventID
	if existing, ok := r.events[key]; ok {
		return false, existing, nil
	}
	r.nextID++
	event.ID = r.nextID
	r.events[key] = event
	return true, event, nil
}

func (r *fakeWebhookEventRepo) MarkProcessed(id uint, processingError string) error {
	for _, event := range r.events {
		if event.ID == id {
			now := time.Now()
			event.ProcessedAt = &now
			event.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

type fakeCreditUsageRepo struct {
	entries []repository.CreditUsageEntry
}

func (r *fakeCreditUsageRepo) SumActiveBySender(senderID uint) (int, error) {
	total := 0
	for _, e := range r.entries {
		if e.SenderID == senderID && e.Active {
			total += e.Credits
		}
	}
	return total, nil
}

func (r *fakeCreditUsageRepo) ListBySender(senderID uint) ([]repository.CreditUsageEntry, error) {
	var out []repository.CreditUsageEntry
	for _, e := range r.entries {
		if e.SenderID == senderID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeAppleGateway struct {
	transactions map[string]*payment.Transaction
	notification *payment.AppleNotification
}

func (g *fakeAppleGateway) VerifySignedTransaction(token string) (*payment.Transaction, error) {
	tx, ok := g.transactions[token]
	if !ok {
		return nil, errors.New("signature verification failed")
	}
	return tx, nil
}

func (g *fakeAppleGateway) DecodeNotification(signedPayload string) (*payment.AppleNotification, error) {
	if g.notification == nil {
		return nil, errors.New("malformed payload")
	}
	return g.notification, nil
}

func (g *fakeAppleGateway) SubscriptionStatus(ctx context.Context, originalTransactionID string) (*payment.AppleStatus, error) {
	return nil, errors.New("apple unreachable")
}

type fakePayPalGateway struct {
	sub       *payment.PayPalSubscription
	err       error
	cancelled []string
}

func (g *fakePayPalGateway) Subscription(ctx context.Context, subscriptionID string) (*payment.PayPalSubscription, error) {
	if g.err != nil {
		return nil, g.err
	}
	if g.sub == nil || g.sub.ID != subscriptionID {
		return nil, payment.ErrSubscriptionNotFound
	}
	return g.sub, nil
}

func (g *fakePayPalGateway) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	if g.err != nil {
		return g.err
	}
	g.cancelled = append(g.cancelled, subscriptionID)
	return nil
}

type fakeMIPSGateway struct {
	callback *payment.MIPSCallback
}

func (g *fakeMIPSGateway) CreatePayment(ctx context.Context, req payment.MIPSPaymentRequest) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"answer":{"operator":"iframe","order":%q}}`, req.OrderID)), nil
}

func (g *fakeMIPSGateway) DecryptCallback(ctx context.Context, cryptedData string) (*payment.MIPSCallback, error) {
	if g.callback == nil {
		return nil, errors.New("decrypt failed")
	}
	return g.callback, nil
}

type fakeReportCache struct {
	entries map[string]string
}

func (c *fakeReportCache) Get(key string) (string, error) {
	v, ok := c.entries[key]
	if !ok {
		return "", errors.New("cache miss")
	}
	return v, nil
}

func (c *fakeReportCache) Set(key string, value interface{}, ttl time.Duration) error {
	c.entries[key] = fmt.Sprint(value)
	return nil
}

func (c *fakeReportCache) Delete(key string) error {
	delete(c.entries, key)
	return nil
}

type fakeInvoiceDispatcher struct {
	requests []payment.InvoiceRequest
}

func (d *fakeInvoiceDispatcher) DispatchInvoice(req payment.InvoiceRequest) error {
	d.requests = append(d.requests, req)
	return nil
}
