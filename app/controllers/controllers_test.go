package controllers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingerapp/winger-backend/app/models"
	"github.com/wingerapp/winger-backend/app/repository"
	"github.com/wingerapp/winger-backend/internal/pkg/middleware"
	"github.com/wingerapp/winger-backend/internal/pkg/payment"
)

const testAidantID uint = 42

type testEnv struct {
	app      *fiber.App
	users    *fakeUserRepo
	payments *fakePaymentRepo
	subs     *fakeSubscriptionRepo
	webhooks *fakeWebhookEventRepo
	usage    *fakeCreditUsageRepo
	apple    *fakeAppleGateway
	paypal   *fakePayPalGateway
	mips     *fakeMIPSGateway
	invoices *fakeInvoiceDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		users:    &fakeUserRepo{users: map[uint]*models.User{testAidantID: {ID: testAidantID, Email: "claire@example.com"}}},
		payments: &fakePaymentRepo{byID: map[string]*models.PaymentRecord{}, byTx: map[string]*models.PaymentRecord{}},
		subs:     &fakeSubscriptionRepo{subs: map[string]*models.Subscription{}},
		webhooks: &fakeWebhookEventRepo{events: map[string]*models.WebhookEvent{}},
		usage:    &fakeCreditUsageRepo{},
		apple:    &fakeAppleGateway{transactions: map[string]*payment.Transaction{}},
		paypal:   &fakePayPalGateway{},
		mips:     &fakeMIPSGateway{},
		invoices: &fakeInvoiceDispatcher{},
	}

	repos := &repository.Repositories{
		User:         env.users,
		Payment:      env.payments,
		Subscription: env.subs,
		WebhookEvent: env.webhooks,
		CreditUsage:  env.usage,
	}
	catalog := payment.DefaultCatalog()
	engine := payment.NewEngine(repos, catalog, env.invoices)
	resolver := payment.NewStatusResolver(env.subs, catalog, env.apple, env.paypal, &fakeReportCache{entries: map[string]string{}})

	Setup(Dependencies{
		Repos:    repos,
		Engine:   engine,
		Resolver: resolver,
		Catalog:  catalog,
		Apple:    env.apple,
		PayPal:   env.paypal,
		MIPS:     env.mips,
	})

	auth := func(c *fiber.Ctx) error {
		c.Locals(middleware.KeyAidantID, testAidantID)
		return c.Next()
	}

	app := fiber.New()
	app.Get("/pricing", HandlePricing)
	app.Post("/payments/card/callback", HandleCardCallback)
	app.Post("/webhooks/apple", HandleAppleWebhook)
	app.Post("/webhooks/paypal", HandlePayPalWebhook)
	app.Post("/payments/process", auth, HandleProcessPayment)
	app.Get("/payments/:orderID", auth, HandlePaymentStatus)
	app.Post("/apple/validate", auth, HandleAppleValidate)
	app.Post("/apple/restore", auth, HandleAppleRestore)
	app.Post("/paypal/process", auth, HandlePayPalProcess)
	app.Post("/paypal/confirm", auth, HandlePayPalConfirm)
	app.Get("/subscription/status", auth, HandleSubscriptionStatus)
	app.Get("/subscription/live", auth, HandleSubscriptionLive)
	app.Post("/subscription/cancel", auth, HandleSubscriptionCancel)
	app.Get("/subscription/history", auth, HandleSubscriptionHistory)
	app.Get("/credits/summary", auth, HandleCreditsSummary)
	app.Get("/credits/purchases", auth, HandlePurchaseHistory)
	app.Get("/credits/usage", auth, HandleUsageHistory)
	env.app = app

	return env
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}

	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)

	var decoded map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestHandlePricing(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, fiber.MethodGet, "/pricing", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, body["products"], 3)
}

func TestHandleAppleValidateCreditPurchase(t *testing.T) {
	env := newTestEnv(t)
	env.apple.transactions["tok-credit"] = &payment.Transaction{
		TransactionID: "2000000000000001",
		ProductID:     "credit_5",
		Price:         5,
		PurchaseDate:  time.Now(),
	}

	resp, body := env.request(t, fiber.MethodPost, "/apple/validate", fiber.Map{"signed_transaction": "tok-credit"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "applied", body["outcome"])
	assert.EqualValues(t, 5, body["balance"])
	assert.Len(t, env.invoices.requests, 1)

	resp, body = env.request(t, fiber.MethodPost, "/apple/validate", fiber.Map{"signed_transaction": "tok-credit"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "already_applied", body["outcome"])
	assert.Len(t, env.invoices.requests, 1)
	assert.Equal(t, 5, env.users.users[testAidantID].Credits)
}

func TestHandleAppleValidateRejectsUnverifiedToken(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, fiber.MethodPost, "/apple/validate", fiber.Map{"signed_transaction": "forged"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_transaction", body["error"])
}

func TestHandleAppleValidateProductMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.apple.transactions["tok-credit"] = &payment.Transaction{
		TransactionID: "2000000000000099",
		ProductID:     "credit_5",
		Price:         5,
		PurchaseDate:  time.Now(),
	}

	resp, body := env.request(t, fiber.MethodPost, "/apple/validate", fiber.Map{
		"signed_transaction": "tok-credit",
		"product_id":         "credit_15",
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "product_mismatch", body["error"])
	assert.Equal(t, 0, env.users.users[testAidantID].Credits)
}

func TestHandleAppleValidateOwnershipConflict(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(10 * 24 * time.Hour)
	env.subs.subs["apple-sub-1"] = &models.Subscription{
		ID:              "apple-sub-1",
		AidantID:        7,
		PlanID:          payment.ProductUnlimitedMonthly,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodApple,
	}
	expires := next
	env.apple.transactions["tok-sub"] = &payment.Transaction{
		TransactionID:         "2000000000000002",
		OriginalTransactionID: "apple-sub-1",
		ProductID:             payment.ProductUnlimitedMonthly,
		Price:                 12,
		PurchaseDate:          time.Now(),
		ExpiresDate:           &expires,
	}

	resp, body := env.request(t, fiber.MethodPost, "/apple/validate", fiber.Map{"signed_transaction": "tok-sub"})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "SUBSCRIPTION_LINKED_TO_OTHER_ACCOUNT", body["error"])
	assert.Equal(t, uint(7), env.subs.subs["apple-sub-1"].AidantID)
}

func TestHandleAppleRestoreLinksWithoutCharge(t *testing.T) {
	env := newTestEnv(t)
	expires := time.Now().Add(20 * 24 * time.Hour)
	env.apple.transactions["tok-restore"] = &payment.Transaction{
		TransactionID:         "2000000000000003",
		OriginalTransactionID: "apple-sub-2",
		ProductID:             payment.ProductUnlimitedMonthly,
		PurchaseDate:          time.Now().Add(-10 * 24 * time.Hour),
		ExpiresDate:           &expires,
	}

	resp, body := env.request(t, fiber.MethodPost, "/apple/restore", fiber.Map{"signed_transaction": "tok-restore"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "applied", body["outcome"])

	sub := env.subs.subs["apple-sub-2"]
	require.NotNil(t, sub)
	assert.Equal(t, testAidantID, sub.AidantID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Empty(t, env.payments.byID, "restore must not record a charge")
	assert.Empty(t, env.invoices.requests)
}

func TestHandleAppleWebhookRenewalAndDedup(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(-time.Hour)
	env.subs.subs["apple-sub-3"] = &models.Subscription{
		ID:              "apple-sub-3",
		AidantID:        testAidantID,
		PlanID:          payment.ProductUnlimitedMonthly,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodApple,
	}
	expires := time.Now().Add(30 * 24 * time.Hour)
	env.apple.transactions["tok-renewal"] = &payment.Transaction{
		TransactionID:         "2000000000000004",
		OriginalTransactionID: "apple-sub-3",
		ProductID:             payment.ProductUnlimitedMonthly,
		Price:                 12,
		PurchaseDate:          time.Now(),
		ExpiresDate:           &expires,
		Reason:                "RENEWAL",
	}
	env.apple.notification = &payment.AppleNotification{
		NotificationType:      "DID_RENEW",
		NotificationUUID:      "uuid-renew-1",
		SignedTransactionInfo: "tok-renewal",
	}

	resp, body := env.request(t, fiber.MethodPost, "/webhooks/apple", fiber.Map{"signedPayload": "envelope"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Nil(t, body["duplicate"])

	sub := env.subs.subs["apple-sub-3"]
	require.NotNil(t, sub.NextBillingTime)
	assert.True(t, sub.NextBillingTime.After(time.Now()))
	record, err := env.payments.GetByTransactionID("2000000000000004")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, record.Status)
	assert.Len(t, env.invoices.requests, 1)
	assert.Equal(t, payment.InvoiceLabelRenewal, env.invoices.requests[0].Label)

	resp, body = env.request(t, fiber.MethodPost, "/webhooks/apple", fiber.Map{"signedPayload": "envelope"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
	assert.Len(t, env.invoices.requests, 1)
}

func TestHandleAppleWebhookRetriesFailedDelivery(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(-time.Hour)
	env.subs.subs["apple-sub-9"] = &models.Subscription{
		ID:              "apple-sub-9",
		AidantID:        testAidantID,
		PlanID:          payment.ProductUnlimitedMonthly,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodApple,
	}
	env.apple.notification = &payment.AppleNotification{
		NotificationType:      "EXPIRED",
		NotificationUUID:      "uuid-expired-1",
		SignedTransactionInfo: "tok-expired",
	}

	// Verification fails on the first delivery. The event is journaled with
	// an error and the subscription keeps its current status.
	resp, body := env.request(t, fiber.MethodPost, "/webhooks/apple", fiber.Map{"signedPayload": "envelope"})
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "notification_failed", body["error"])
	assert.Equal(t, models.SubscriptionStatusActive, env.subs.subs["apple-sub-9"].Status)

	// The redelivery of the same notification must reprocess, not be acked
	// as a duplicate.
	env.apple.transactions["tok-expired"] = &payment.Transaction{
		TransactionID:         "2000000000000009",
		OriginalTransactionID: "apple-sub-9",
		ProductID:             payment.ProductUnlimitedMonthly,
	}
	resp, body = env.request(t, fiber.MethodPost, "/webhooks/apple", fiber.Map{"signedPayload": "envelope"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Nil(t, body["duplicate"])
	assert.Equal(t, models.SubscriptionStatusExpired, env.subs.subs["apple-sub-9"].Status)

	// Once processed, further redeliveries are duplicates.
	resp, body = env.request(t, fiber.MethodPost, "/webhooks/apple", fiber.Map{"signedPayload": "envelope"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
}

func TestHandleAppleWebhookRenewalStatusChange(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(15 * 24 * time.Hour)
	env.subs.subs["apple-sub-4"] = &models.Subscription{
		ID:              "apple-sub-4",
		AidantID:        testAidantID,
		PlanID:          payment.ProductUnlimitedMonthly,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodApple,
	}
	env.apple.transactions["tok-status"] = &payment.Transaction{
		TransactionID:         "2000000000000005",
		OriginalTransactionID: "apple-sub-4",
		ProductID:             payment.ProductUnlimitedMonthly,
		ExpiresDate:           &next,
	}
	off := false
	env.apple.notification = &payment.AppleNotification{
		NotificationType:      "DID_CHANGE_RENEWAL_STATUS",
		NotificationUUID:      "uuid-status-1",
		AutoRenewStatus:       &off,
		SignedTransactionInfo: "tok-status",
	}

	resp, _ := env.request(t, fiber.MethodPost, "/webhooks/apple", fiber.Map{"signedPayload": "envelope"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SubscriptionStatusCancelled, env.subs.subs["apple-sub-4"].Status)
}

func TestHandleAppleWebhookRefundRevokesSubscription(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(15 * 24 * time.Hour)
	env.subs.subs["apple-sub-5"] = &models.Subscription{
		ID:              "apple-sub-5",
		AidantID:        testAidantID,
		PlanID:          payment.ProductUnlimitedMonthly,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodApple,
	}
	env.payments.Create(&models.PaymentRecord{
		ID:            "INV1234501",
		AidantID:      testAidantID,
		Kind:          models.PaymentKindSubscription,
		Price:         12,
		Status:        models.PaymentStatusSuccess,
		TransactionID: "2000000000000006",
		PaymentMethod: models.PaymentMethodApple,
	})
	env.apple.transactions["tok-refund"] = &payment.Transaction{
		TransactionID:         "2000000000000006",
		OriginalTransactionID: "apple-sub-5",
		ProductID:             payment.ProductUnlimitedMonthly,
	}
	env.apple.notification = &payment.AppleNotification{
		NotificationType:      "REFUND",
		NotificationUUID:      "uuid-refund-1",
		SignedTransactionInfo: "tok-refund",
	}

	resp, _ := env.request(t, fiber.MethodPost, "/webhooks/apple", fiber.Map{"signedPayload": "envelope"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	record, err := env.payments.GetByTransactionID("2000000000000006")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, record.Status)
	assert.Equal(t, models.SubscriptionStatusRevoked, env.subs.subs["apple-sub-5"].Status)
}

func TestHandlePayPalProcessAndConfirm(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, fiber.MethodPost, "/paypal/process", fiber.Map{
		"subscription_id": "I-PAY123",
		"product_id":      payment.ProductUnlimitedMonthly,
	})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	orderID, _ := body["order_id"].(string)
	require.NotEmpty(t, orderID)
	assert.Equal(t, models.SubscriptionStatusPending, env.subs.subs["I-PAY123"].Status)
	assert.Equal(t, models.PaymentStatusPending, env.payments.byID[orderID].Status)

	next := time.Now().Add(30 * 24 * time.Hour)
	env.paypal.sub = &payment.PayPalSubscription{ID: "I-PAY123", Status: "ACTIVE", StartTime: time.Now()}
	env.paypal.sub.BillingInfo.NextBillingTime = &next
	env.paypal.sub.Subscriber.EmailAddress = "claire@example.com"

	resp, body = env.request(t, fiber.MethodPost, "/paypal/confirm", fiber.Map{"subscription_id": "I-PAY123"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SubscriptionStatusActive, body["status"])
	assert.Equal(t, models.SubscriptionStatusActive, env.subs.subs["I-PAY123"].Status)
	assert.Equal(t, models.PaymentStatusSuccess, env.payments.byID[orderID].Status)
	assert.Len(t, env.invoices.requests, 1)

	// Activation webhook after the client confirm must not invoice twice.
	resource, _ := json.Marshal(env.paypal.sub)
	resp, _ = env.request(t, fiber.MethodPost, "/webhooks/paypal", fiber.Map{
		"id":         "WH-1",
		"event_type": "BILLING.SUBSCRIPTION.ACTIVATED",
		"resource":   json.RawMessage(resource),
	})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, env.invoices.requests, 1)
}

func TestHandlePayPalProcessOwnershipConflict(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(10 * 24 * time.Hour)
	env.subs.subs["I-TAKEN"] = &models.Subscription{
		ID:              "I-TAKEN",
		AidantID:        7,
		Status:          models.SubscriptionStatusCancelled,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodPayPal,
	}

	resp, body := env.request(t, fiber.MethodPost, "/paypal/process", fiber.Map{
		"subscription_id": "I-TAKEN",
		"product_id":      payment.ProductUnlimitedMonthly,
	})
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "SUBSCRIPTION_LINKED_TO_OTHER_ACCOUNT", body["error"])
	assert.Equal(t, uint(7), env.subs.subs["I-TAKEN"].AidantID)
}

func TestHandlePayPalWebhookSaleCompleted(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(-time.Hour)
	env.subs.subs["I-PAY456"] = &models.Subscription{
		ID:              "I-PAY456",
		AidantID:        testAidantID,
		PlanID:          payment.ProductUnlimitedMonthly,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodPayPal,
	}

	event := fiber.Map{
		"id":         "WH-SALE-1",
		"event_type": "PAYMENT.SALE.COMPLETED",
		"resource": fiber.Map{
			"id":                   "SALE-1",
			"billing_agreement_id": "I-PAY456",
			"amount":               fiber.Map{"total": "12.00"},
		},
	}
	resp, _ := env.request(t, fiber.MethodPost, "/webhooks/paypal", event)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	record, err := env.payments.GetByTransactionID("SALE-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, record.Status)
	assert.Equal(t, 12.0, record.Price)
	assert.Len(t, env.invoices.requests, 1)

	resp, body := env.request(t, fiber.MethodPost, "/webhooks/paypal", event)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
	assert.Len(t, env.invoices.requests, 1)
}

func TestHandlePayPalWebhookCancelled(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(12 * 24 * time.Hour)
	env.subs.subs["I-PAY789"] = &models.Subscription{
		ID:              "I-PAY789",
		AidantID:        testAidantID,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodPayPal,
	}

	resp, _ := env.request(t, fiber.MethodPost, "/webhooks/paypal", fiber.Map{
		"id":         "WH-CANCEL-1",
		"event_type": "BILLING.SUBSCRIPTION.CANCELLED",
		"resource":   fiber.Map{"id": "I-PAY789"},
	})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.SubscriptionStatusCancelled, env.subs.subs["I-PAY789"].Status)
}

func TestHandlePayPalWebhookRetriesFailedDelivery(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(12 * 24 * time.Hour)
	env.subs.subs["I-PAY790"] = &models.Subscription{
		ID:              "I-PAY790",
		AidantID:        testAidantID,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodPayPal,
	}
	event := fiber.Map{
		"id":         "WH-CANCEL-9",
		"event_type": "BILLING.SUBSCRIPTION.CANCELLED",
		"resource":   fiber.Map{"id": "I-PAY790"},
	}

	// The status update hits a transient database error after the event is
	// journaled. The delivery fails and the subscription is untouched.
	env.subs.updateErr = errors.New("driver: bad connection")
	resp, body := env.request(t, fiber.MethodPost, "/webhooks/paypal", event)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "webhook_failed", body["error"])
	assert.Equal(t, models.SubscriptionStatusActive, env.subs.subs["I-PAY790"].Status)

	// The redelivery of the same event id must reprocess instead of being
	// acked as a duplicate.
	resp, body = env.request(t, fiber.MethodPost, "/webhooks/paypal", event)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Nil(t, body["duplicate"])
	assert.Equal(t, models.SubscriptionStatusCancelled, env.subs.subs["I-PAY790"].Status)

	resp, body = env.request(t, fiber.MethodPost, "/webhooks/paypal", event)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
}

func TestHandleCardCheckoutAndCallback(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, fiber.MethodPost, "/payments/process", fiber.Map{"product_id": "credit_15"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	orderID, _ := body["order_id"].(string)
	require.NotEmpty(t, orderID)

	env.mips.callback = &payment.MIPSCallback{
		IDOrder:       orderID,
		Status:        "SUCCESS",
		TransactionID: "MIPS-TX-1",
	}
	resp, body = env.request(t, fiber.MethodPost, "/payments/card/callback", fiber.Map{"crypted_callback": "blob"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "applied", body["outcome"])
	assert.Equal(t, 15, env.users.users[testAidantID].Credits)
	assert.Len(t, env.invoices.requests, 1)

	resp, body = env.request(t, fiber.MethodPost, "/payments/card/callback", fiber.Map{"crypted_callback": "blob"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, 15, env.users.users[testAidantID].Credits)

	resp, body = env.request(t, fiber.MethodGet, "/payments/"+orderID, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.PaymentStatusSuccess, body["status"])
}

func TestHandleCardCallbackRetriesFailedSettlement(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, fiber.MethodPost, "/payments/process", fiber.Map{"product_id": "credit_15"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	orderID, _ := body["order_id"].(string)
	require.NotEmpty(t, orderID)

	env.mips.callback = &payment.MIPSCallback{
		IDOrder:       orderID,
		Status:        "SUCCESS",
		TransactionID: "MIPS-TX-9",
	}

	// The settlement write hits a transient database error after the
	// callback is journaled. No credits may be granted.
	env.payments.updateErr = errors.New("driver: bad connection")
	resp, body = env.request(t, fiber.MethodPost, "/payments/card/callback", fiber.Map{"crypted_callback": "blob"})
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "settlement_failed", body["error"])
	assert.Equal(t, 0, env.users.users[testAidantID].Credits)

	// The processor redelivers the same callback; it must settle now
	// instead of being acked as a duplicate.
	resp, body = env.request(t, fiber.MethodPost, "/payments/card/callback", fiber.Map{"crypted_callback": "blob"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Nil(t, body["duplicate"])
	assert.Equal(t, "applied", body["outcome"])
	assert.Equal(t, 15, env.users.users[testAidantID].Credits)

	resp, body = env.request(t, fiber.MethodPost, "/payments/card/callback", fiber.Map{"crypted_callback": "blob"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, 15, env.users.users[testAidantID].Credits)
	assert.Len(t, env.invoices.requests, 1)
}

func TestHandlePaymentStatusForeignOrder(t *testing.T) {
	env := newTestEnv(t)
	env.payments.Create(&models.PaymentRecord{
		ID:       "INV9999901",
		AidantID: 7,
		Kind:     models.PaymentKindCredits,
		Status:   models.PaymentStatusPending,
	})

	resp, body := env.request(t, fiber.MethodGet, "/payments/INV9999901", nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["error"])
}

func TestHandleSubscriptionStatus(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(9 * 24 * time.Hour)
	env.subs.subs["card-sub-1"] = &models.Subscription{
		ID:              "card-sub-1",
		AidantID:        testAidantID,
		PlanID:          payment.ProductUnlimitedMonthly,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodCard,
	}

	resp, body := env.request(t, fiber.MethodGet, "/subscription/status", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["hasActiveSubscription"])
	assert.Equal(t, models.PaymentMethodCard, body["payment_method"])
}

func TestHandleSubscriptionLiveNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, fiber.MethodGet, "/subscription/live", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no_subscription", body["error"])
}

func TestHandleSubscriptionCancelPayPal(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(18 * 24 * time.Hour)
	env.subs.subs["I-CANCEL"] = &models.Subscription{
		ID:              "I-CANCEL",
		AidantID:        testAidantID,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodPayPal,
	}

	resp, body := env.request(t, fiber.MethodPost, "/subscription/cancel", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, []string{"I-CANCEL"}, env.paypal.cancelled)
	assert.Equal(t, models.SubscriptionStatusCancelled, env.subs.subs["I-CANCEL"].Status)
}

func TestHandleSubscriptionCancelAppleManagedInStore(t *testing.T) {
	env := newTestEnv(t)
	next := time.Now().Add(18 * 24 * time.Hour)
	env.subs.subs["apple-sub-9"] = &models.Subscription{
		ID:              "apple-sub-9",
		AidantID:        testAidantID,
		Status:          models.SubscriptionStatusActive,
		NextBillingTime: &next,
		PaymentMethod:   models.PaymentMethodApple,
	}

	resp, body := env.request(t, fiber.MethodPost, "/subscription/cancel", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["manage_in_store"])
	assert.Equal(t, models.SubscriptionStatusActive, env.subs.subs["apple-sub-9"].Status)
}

func TestHandleCreditsSummary(t *testing.T) {
	env := newTestEnv(t)
	env.users.users[testAidantID].Credits = 8
	credits := 15
	env.payments.Create(&models.PaymentRecord{
		ID:            "INV1111101",
		AidantID:      testAidantID,
		Kind:          models.PaymentKindCredits,
		Credits:       &credits,
		Price:         10,
		Status:        models.PaymentStatusSuccess,
		TransactionID: "TX-SUMMARY",
		PaymentMethod: models.PaymentMethodCard,
	})
	env.usage.entries = []repository.CreditUsageEntry{
		{CreditUsage: models.CreditUsage{SenderID: testAidantID, DestinationID: 9, Credits: 7, Active: true}, SenderName: "Claire", DestinationName: "Paul"},
		{CreditUsage: models.CreditUsage{SenderID: testAidantID, DestinationID: 10, Credits: 3, Active: false}},
	}

	resp, body := env.request(t, fiber.MethodGet, "/credits/summary", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 8, body["balance"])
	assert.EqualValues(t, 15, body["total_purchased"])
	assert.EqualValues(t, 7, body["total_spent"])
	assert.NotNil(t, body["last_purchase"])

	resp, body = env.request(t, fiber.MethodGet, "/credits/usage", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, body["usages"], 2)
}
