package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/wingerapp/winger-backend/app/models"
	"github.com/wingerapp/winger-backend/app/repository"
	"github.com/wingerapp/winger-backend/internal/pkg/cache"
)

// AppleStatusAPI is the slice of the Apple client the resolver needs.
type AppleStatusAPI interface {
	SubscriptionStatus(ctx context.Context, originalTransactionID string) (*AppleStatus, error)
}

// PayPalSubscriptionAPI is the slice of the PayPal client the resolver needs.
type PayPalSubscriptionAPI interface {
	Subscription(ctx context.Context, subscriptionID string) (*PayPalSubscription, error)
}

// ReportCache caches resolved status reports. Implementations must return
// an error satisfying cache.IsNotFound on a miss.
type ReportCache interface {
	Get(key string) (string, error)
	Set(key string, value interface{}, ttl time.Duration) error
	Delete(key string) error
}

// StatusReport is the resolved subscription state for one aidant.
type StatusReport struct {
	HasActiveSubscription bool       `json:"hasActiveSubscription"`
	Status                string     `json:"status,omitempty"`
	PaymentMethod         string     `json:"payment_method,omitempty"`
	NextBillingTime       *time.Time `json:"next_billing_time,omitempty"`
	PayerEmail            string     `json:"payer_email,omitempty"`
}

// LiveSubscription is the provider-confirmed view of a subscription,
// served to clients that need billing details rather than a boolean.
type LiveSubscription struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	PlanID          string     `json:"plan_id"`
	Price           float64    `json:"price"`
	StartTime       time.Time  `json:"start_time"`
	NextBillingTime *time.Time `json:"next_billing_time,omitempty"`
	PaymentMethod   string     `json:"payment_method"`
	PayerEmail      string     `json:"payer_email,omitempty"`
}

const reportCacheTTL = 60 * time.Second

// StatusResolver answers "does this aidant have an active subscription" by
// reconciling the local record against the provider of truth. When the
// provider is unreachable the cached local state answers instead, so a
// provider outage never locks paying users out.
type StatusResolver struct {
	subscriptions repository.SubscriptionRepository
	catalog       *Catalog
	apple         AppleStatusAPI
	paypal        PayPalSubscriptionAPI
	reports       ReportCache

	now func() time.Time
}

// NewStatusResolver creates a resolver. apple, paypal and reports may each
// be nil; a nil provider client degrades that provider to cache-only
// resolution and a nil cache disables report caching.
func NewStatusResolver(subs repository.SubscriptionRepository, catalog *Catalog, apple AppleStatusAPI, paypal PayPalSubscriptionAPI, reports ReportCache) *StatusResolver {
	return &StatusResolver{
		subscriptions: subs,
		catalog:       catalog,
		apple:         apple,
		paypal:        paypal,
		reports:       reports,
		now:           time.Now,
	}
}

func reportCacheKey(aidantID uint) string {
	return "substatus:" + strconv.FormatUint(uint64(aidantID), 10)
}

// Check resolves the subscription status for an aidant.
func (r *StatusResolver) Check(ctx context.Context, aidantID uint) (*StatusReport, error) {
	if r.reports != nil {
		if raw, err := r.reports.Get(reportCacheKey(aidantID)); err == nil {
			var cached StatusReport
			if jerr := json.Unmarshal([]byte(raw), &cached); jerr == nil {
				return &cached, nil
			}
		}
	}

	report, err := r.resolve(ctx, aidantID)
	if err != nil {
		return nil, err
	}

	if r.reports != nil {
		if raw, jerr := json.Marshal(report); jerr == nil {
			if cerr := r.reports.Set(reportCacheKey(aidantID), string(raw), reportCacheTTL); cerr != nil {
				log.Warnf("status report cache write failed aidant=%d: %v", aidantID, cerr)
			}
		}
	}
	return report, nil
}

// Invalidate drops the cached report for an aidant. Webhook handlers call
// this after a state transition so the next Check sees fresh state.
func (r *StatusResolver) Invalidate(aidantID uint) {
	if r.reports == nil {
		return
	}
	if err := r.reports.Delete(reportCacheKey(aidantID)); err != nil && !cache.IsNotFound(err) {
		log.Warnf("status report cache delete failed aidant=%d: %v", aidantID, err)
	}
}

func (r *StatusResolver) resolve(ctx context.Context, aidantID uint) (*StatusReport, error) {
	sub, err := r.subscriptions.LatestForAidant(aidantID, []string{
		models.SubscriptionStatusActive,
		models.SubscriptionStatusCancelled,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusRevoked,
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &StatusReport{HasActiveSubscription: false}, nil
		}
		return nil, err
	}

	switch sub.PaymentMethod {
	case models.PaymentMethodApple:
		return r.resolveApple(ctx, sub), nil
	case models.PaymentMethodPayPal:
		return r.resolvePayPal(ctx, sub), nil
	default:
		return r.resolveFromRecord(sub), nil
	}
}

func (r *StatusResolver) resolveApple(ctx context.Context, sub *models.Subscription) *StatusReport {
	if r.apple == nil {
		return r.resolveFromRecord(sub)
	}

	live, err := r.apple.SubscriptionStatus(ctx, sub.ID)
	if err != nil {
		log.Warnf("apple status lookup failed for %s, using cached state: %v", sub.ID, err)
		return r.resolveFromRecord(sub)
	}

	switch live.Status {
	case AppleStatusActive, AppleStatusGracePeriod:
		r.syncRecord(sub, models.SubscriptionStatusActive, live.ExpiresDate)
		return &StatusReport{
			HasActiveSubscription: true,
			Status:                models.SubscriptionStatusActive,
			PaymentMethod:         sub.PaymentMethod,
			NextBillingTime:       live.ExpiresDate,
		}
	case AppleStatusBillingRetry:
		r.syncRecord(sub, models.SubscriptionStatusPastDue, live.ExpiresDate)
		return &StatusReport{
			HasActiveSubscription: false,
			Status:                models.SubscriptionStatusPastDue,
			PaymentMethod:         sub.PaymentMethod,
			NextBillingTime:       live.ExpiresDate,
		}
	case AppleStatusRevoked:
		r.syncRecord(sub, models.SubscriptionStatusRevoked, nil)
		return &StatusReport{
			HasActiveSubscription: false,
			Status:                models.SubscriptionStatusRevoked,
			PaymentMethod:         sub.PaymentMethod,
		}
	default:
		r.syncRecord(sub, models.SubscriptionStatusExpired, live.ExpiresDate)
		return &StatusReport{
			HasActiveSubscription: false,
			Status:                models.SubscriptionStatusExpired,
			PaymentMethod:         sub.PaymentMethod,
		}
	}
}

func (r *StatusResolver) resolvePayPal(ctx context.Context, sub *models.Subscription) *StatusReport {
	if r.paypal == nil {
		return r.resolveFromRecord(sub)
	}

	live, err := r.paypal.Subscription(ctx, sub.ID)
	if err != nil {
		log.Warnf("paypal status lookup failed for %s, using cached state: %v", sub.ID, err)
		return r.resolveFromRecord(sub)
	}

	status := strings.ToLower(live.Status)
	nextBilling := live.BillingInfo.NextBillingTime
	active := IsActivePayPalStatus(live.Status)
	// A cancelled subscription keeps access until the period it already
	// paid for runs out.
	if status == models.SubscriptionStatusCancelled && nextBilling != nil && nextBilling.After(r.now()) {
		active = true
	}

	if status != sub.Status || !sameTime(nextBilling, sub.NextBillingTime) {
		r.syncRecord(sub, status, nextBilling)
	}

	return &StatusReport{
		HasActiveSubscription: active,
		Status:                status,
		PaymentMethod:         sub.PaymentMethod,
		NextBillingTime:       nextBilling,
		PayerEmail:            live.Subscriber.EmailAddress,
	}
}

// resolveFromRecord answers from local state alone, used for card
// subscriptions and as the fallback when a provider is unreachable.
func (r *StatusResolver) resolveFromRecord(sub *models.Subscription) *StatusReport {
	now := r.now()
	if !sub.InPaidWindow(now) {
		if sub.Status != models.SubscriptionStatusExpired && sub.Status != models.SubscriptionStatusRevoked {
			r.syncRecord(sub, models.SubscriptionStatusExpired, sub.NextBillingTime)
		}
		status := sub.Status
		if status != models.SubscriptionStatusRevoked {
			status = models.SubscriptionStatusExpired
		}
		return &StatusReport{
			HasActiveSubscription: false,
			Status:                status,
			PaymentMethod:         sub.PaymentMethod,
		}
	}

	active := sub.Status == models.SubscriptionStatusActive ||
		sub.Status == models.SubscriptionStatusCancelled
	return &StatusReport{
		HasActiveSubscription: active,
		Status:                sub.Status,
		PaymentMethod:         sub.PaymentMethod,
		NextBillingTime:       sub.NextBillingTime,
		PayerEmail:            sub.PayerEmail,
	}
}

// Live returns the provider-confirmed subscription details for an aidant,
// or ErrSubscriptionNotFound when no live candidate exists.
func (r *StatusResolver) Live(ctx context.Context, aidantID uint) (*LiveSubscription, error) {
	sub, err := r.subscriptions.LiveCandidate(aidantID, r.now())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}

	out := &LiveSubscription{
		ID:              sub.ID,
		Status:          sub.Status,
		PlanID:          sub.PlanID,
		StartTime:       sub.StartTime,
		NextBillingTime: sub.NextBillingTime,
		PaymentMethod:   sub.PaymentMethod,
		PayerEmail:      sub.PayerEmail,
	}
	out.Price = r.catalog.PriceFor(sub.PlanID)

	switch sub.PaymentMethod {
	case models.PaymentMethodPayPal:
		if r.paypal == nil {
			break
		}
		live, lerr := r.paypal.Subscription(ctx, sub.ID)
		if lerr != nil {
			log.Warnf("paypal live lookup failed for %s, serving cached details: %v", sub.ID, lerr)
			break
		}
		out.Status = strings.ToLower(live.Status)
		out.NextBillingTime = live.BillingInfo.NextBillingTime
		if live.Subscriber.EmailAddress != "" {
			out.PayerEmail = live.Subscriber.EmailAddress
		}
		if amount, aerr := strconv.ParseFloat(live.BillingInfo.LastPayment.Amount.Value, 64); aerr == nil && amount > 0 {
			out.Price = amount
		}
		if !live.StartTime.IsZero() {
			out.StartTime = live.StartTime
		}
	case models.PaymentMethodApple:
		if r.apple == nil {
			break
		}
		live, lerr := r.apple.SubscriptionStatus(ctx, sub.ID)
		if lerr != nil {
			log.Warnf("apple live lookup failed for %s, serving cached details: %v", sub.ID, lerr)
			break
		}
		out.Status = appleStatusLabel(live.Status)
		out.NextBillingTime = live.ExpiresDate
	}

	return out, nil
}

func appleStatusLabel(code int) string {
	switch code {
	case AppleStatusActive, AppleStatusGracePeriod:
		return models.SubscriptionStatusActive
	case AppleStatusBillingRetry:
		return models.SubscriptionStatusPastDue
	case AppleStatusRevoked:
		return models.SubscriptionStatusRevoked
	default:
		return models.SubscriptionStatusExpired
	}
}

// syncRecord persists a provider-observed divergence back into the local
// record. Failures are logged, not surfaced: the caller already has the
// authoritative answer.
func (r *StatusResolver) syncRecord(sub *models.Subscription, status string, nextBilling *time.Time) {
	fields := map[string]interface{}{"status": status}
	if nextBilling != nil {
		fields["next_billing_time"] = nextBilling
	}
	if err := r.subscriptions.UpdateFields(sub.ID, fields); err != nil {
		log.Errorf("subscription sync failed id=%s status=%s: %v", sub.ID, status, err)
		return
	}
	sub.Status = status
	if nextBilling != nil {
		sub.NextBillingTime = nextBilling
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// RedisReportCache adapts the shared redis cache to the ReportCache
// interface.
type RedisReportCache struct{}

func (RedisReportCache) Get(key string) (string, error) { return cache.Get(key) }
func (RedisReportCache) Set(key string, value interface{}, ttl time.Duration) error {
	return cache.Set(key, value, ttl)
}
func (RedisReportCache) Delete(key string) error { return cache.Delete(key) }
