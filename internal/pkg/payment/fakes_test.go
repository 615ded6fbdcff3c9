package payment

import (
	"context"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/wingerapp/winger-backend/app/models"
	"github.com/wingerapp/winger-backend/app/repository"
)

type fakeUserRepo struct {
	users map[uint]*models.User
}

func newFakeUserRepo(users ...*models.User) *fakeUserRepo {
	f := &fakeUserRepo{users: make(map[uint]*models.User)}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUserRepo) GetByID(id uint) (*models.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return u, nil
}

func (f *fakeUserRepo) Update(user *models.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeUserRepo) AddCredits(id uint, delta int) (int, error) {
	u, ok := f.users[id]
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
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{
		byID: make(map[string]*models.PaymentRecord),
		byTx: make(map[string]*models.PaymentRecord),
	}
}

func (f *fakePaymentRepo) Create(record *models.PaymentRecord) error {
	f.byID[record.ID] = record
	if record.TransactionID != "" {
		f.byTx[record.TransactionID] = record
	}
	return nil
}

func (f *fakePaymentRepo) CreateIfAbsent(record *models.PaymentRecord) (bool, *models.PaymentRecord, error) {
	if existing, ok := f.byTx[record.TransactionID]; ok {
		return false, existing, nil
	}
	if err := f.Create(record); err != nil {
		return false, nil, err
	}
	return true, record, nil
}

func (f *fakePaymentRepo) GetByID(id string) (*models.PaymentRecord, error) {
	r, ok := f.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r, nil
}

func (f *fakePaymentRepo) GetByTransactionID(transactionID string) (*models.PaymentRecord, error) {
	r, ok := f.byTx[transactionID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r, nil
}

func (f *fakePaymentRepo) UpdateFields(id string, fields map[string]interface{}) error {
	r, ok := f.byID[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if v, ok := fields["status"]; ok {
		r.Status = v.(string)
	}
	if v, ok := fields["price"]; ok {
		r.Price = v.(float64)
	}
	if v, ok := fields["credits"]; ok {
		r.Credits = v.(*int)
	}
	if v, ok := fields["transaction_id"]; ok {
		r.TransactionID = v.(string)
		if r.TransactionID != "" {
			f.byTx[r.TransactionID] = r
		}
	}
	return nil
}

func (f *fakePaymentRepo) MarkSuccessByTransactionID(transactionID string) error {
	if r, ok := f.byTx[transactionID]; ok && r.Status == models.PaymentStatusPending {
		r.Status = models.PaymentStatusSuccess
	}
	return nil
}

func (f *fakePaymentRepo) ListByAidantAndKind(aidantID uint, kind string) ([]models.PaymentRecord, error) {
	var out []models.PaymentRecord
	for _, r := range f.byID {
		if r.AidantID == aidantID && (kind == "" || r.Kind == kind) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakePaymentRepo) SumSuccessfulCredits(aidantID uint) (int, error) {
	total := 0
	for _, r := range f.byID {
		if r.AidantID == aidantID && r.Status == models.PaymentStatusSuccess && r.Credits != nil {
			total += *r.Credits
		}
	}
	return total, nil
}

func (f *fakePaymentRepo) LastSuccessfulPurchase(aidantID uint) (*models.PaymentRecord, error) {
	var last *models.PaymentRecord
	for _, r := range f.byID {
		if r.AidantID != aidantID || r.Status != models.PaymentStatusSuccess {
			continue
		}
		if last == nil || r.CreatedAt.After(last.CreatedAt) {
			last = r
		}
	}
	if last == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return last, nil
}

type fakeSubscriptionRepo struct {
	subs map[string]*models.Subscription
}

func newFakeSubscriptionRepo(subs ...*models.Subscription) *fakeSubscriptionRepo {
	f := &fakeSubscriptionRepo{subs: make(map[string]*models.Subscription)}
	for _, s := range subs {
		f.subs[s.ID] = s
	}
	return f
}

func (f *fakeSubscriptionRepo) GetByID(id string) (*models.Subscription, error) {
	s, ok := f.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return s, nil
}

func (f *fakeSubscriptionRepo) GetOwnedByOther(id string, aidantID uint) (*models.Subscription, error) {
	s, ok := f.subs[id]
	if !ok || s.AidantID == aidantID {
		return nil, gorm.ErrRecordNotFound
	}
	return s, nil
}

func (f *fakeSubscriptionRepo) Create(sub *models.Subscription) error {
	f.subs[sub.ID] = sub
	return nil
}

func (f *fakeSubscriptionRepo) Upsert(sub *models.Subscription) error {
	f.subs[sub.ID] = sub
	return nil
}

func (f *fakeSubscriptionRepo) UpdateFields(id string, fields map[string]interface{}) error {
	s, ok := f.subs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if v, ok := fields["status"]; ok {
		s.Status = v.(string)
	}
	if v, ok := fields["next_billing_time"]; ok {
		switch t := v.(type) {
		case *time.Time:
			s.NextBillingTime = t
		case time.Time:
			s.NextBillingTime = &t
		}
	}
	if v, ok := fields["start_time"]; ok {
		s.StartTime = v.(time.Time)
	}
	if v, ok := fields["payer_email"]; ok {
		s.PayerEmail = v.(string)
	}
	return nil
}

func (f *fakeSubscriptionRepo) LatestForAidant(aidantID uint, statuses []string) (*models.Subscription, error) {
	allowed := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		allowed[s] = true
	}
	var latest *models.Subscription
	for _, s := range f.subs {
		if s.AidantID != aidantID || !allowed[s.Status] {
			continue
		}
		if latest == nil || s.StartTime.After(latest.StartTime) {
			latest = s
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return latest, nil
}

func (f *fakeSubscriptionRepo) LiveCandidate(aidantID uint, now time.Time) (*models.Subscription, error) {
	var latest *models.Subscription
	for _, s := range f.subs {
		if s.AidantID != aidantID {
			continue
		}
		if s.Status == models.SubscriptionStatusCancelled && !s.InPaidWindow(now) {
			continue
		}
		if s.Status == models.SubscriptionStatusPending {
			continue
		}
		if latest == nil || s.StartTime.After(latest.StartTime) {
			latest = s
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return latest, nil
}

func (f *fakeSubscriptionRepo) ExpireLapsed(now time.Time) (int64, error) {
	var count int64
	for _, s := range f.subs {
		switch s.Status {
		case models.SubscriptionStatusActive,
			models.SubscriptionStatusPastDue,
			models.SubscriptionStatusCancelled:
			if s.NextBillingTime != nil && !s.NextBillingTime.After(now) {
				s.Status = models.SubscriptionStatusExpired
				count++
			}
		}
	}
	return count, nil
}

func (f *fakeSubscriptionRepo) HasActiveOrPending(aidantID uint) (bool, error) {
	for _, s := range f.subs {
		if s.AidantID == aidantID &&
			(s.Status == models.SubscriptionStatusActive || s.Status == models.SubscriptionStatusPending) {
			return true, nil
		}
	}
	return false, nil
}

type fakeDispatcher struct {
	requests []InvoiceRequest
	err      error
}

func (f *fakeDispatcher) DispatchInvoice(req InvoiceRequest) error {
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

type fakeAppleAPI struct {
	status *AppleStatus
	err    error
}

func (f *fakeAppleAPI) SubscriptionStatus(_ context.Context, _ string) (*AppleStatus, error) {
	return f.status, f.err
}

type fakePayPalAPI struct {
	sub *PayPalSubscription
	err error
}

func (f *fakePayPalAPI) Subscription(_ context.Context, _ string) (*PayPalSubscription, error) {
	return f.sub, f.err
}

type fakeReportCache struct {
	entries map[string]string
}

func newFakeReportCache() *fakeReportCache {
	return &fakeReportCache{entries: make(map[string]string)}
}

func (f *fakeReportCache) Get(key string) (string, error) {
	v, ok := f.entries[key]
	if !ok {
		return "", gorm.ErrRecordNotFound
	}
	return v, nil
}

func (f *fakeReportCache) Set(key string, value interface{}, _ time.Duration) error {
	f.entries[key] = value.(string)
	return nil
}

func (f *fakeReportCache) Delete(key string) error {
	delete(f.entries, key)
	return nil
}

func testRepositories(users *fakeUserRepo, payments *fakePaymentRepo, subs *fakeSubscriptionRepo) *repository.Repositories {
	return &repository.Repositories{
		User:         users,
		Payment:      payments,
		Subscription: subs,
	}
}
