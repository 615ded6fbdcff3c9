package controllers

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/wingerapp/winger-backend/app/models"
	"github.com/wingerapp/winger-backend/internal/pkg/payment"
)

type paypalProcessRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	ProductID      string `json:"product_id" validate:"required"`
}

// HandlePayPalProcess registers a PayPal subscription the client just
// created, as pending. The activation webhook or the confirm endpoint
// settles it. The subscription id is checked against the ownership rule
// before any row is written so one aidant cannot hijack another's plan.
func HandlePayPalProcess(c *fiber.Ctx) error {
	var req paypalProcessRequest
	if err := parseAndValidate(c, &req); err != nil {
		return badRequest(c, "invalid_request")
	}

	product, ok := deps.Catalog.Lookup(req.ProductID)
	if !ok || !product.Subscription {
		return badRequest(c, "unknown_product")
	}

	if other, err := deps.Repos.Subscription.GetOwnedByOther(req.SubscriptionID, aidantID(c)); err == nil {
		if payment.SubscriptionBlocksTransfer(other, time.Now()) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "SUBSCRIPTION_LINKED_TO_OTHER_ACCOUNT",
			})
		}
	}

	now := time.Now()
	if err := deps.Repos.Subscription.Upsert(&models.Subscription{
		ID:            req.SubscriptionID,
		AidantID:      aidantID(c),
		PlanID:        product.ID,
		Status:        models.SubscriptionStatusPending,
		StartTime:     now,
		PaymentMethod: models.PaymentMethodPayPal,
	}); err != nil {
		log.Errorf("paypal pending subscription write failed sub=%s: %v", req.SubscriptionID, err)
		return internalError(c, "subscription_create_failed")
	}

	orderID := payment.GenerateOrderID()
	created, stored, err := deps.Repos.Payment.CreateIfAbsent(&models.PaymentRecord{
		ID:            orderID,
		AidantID:      aidantID(c),
		Kind:          models.PaymentKindSubscription,
		Price:         product.Price,
		Status:        models.PaymentStatusPending,
		TransactionID: req.SubscriptionID,
		PaymentMethod: models.PaymentMethodPayPal,
	})
	if err != nil {
		log.Errorf("paypal pending record write failed sub=%s: %v", req.SubscriptionID, err)
		return internalError(c, "order_create_failed")
	}
	if !created {
		orderID = stored.ID
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"order_id": orderID})
}

type paypalConfirmRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

// HandlePayPalConfirm lets the client settle a subscription right after the
// PayPal approval flow instead of waiting for the activation webhook. The
// live subscription is fetched from PayPal; client input is never trusted
// for billing state.
func HandlePayPalConfirm(c *fiber.Ctx) error {
	var req paypalConfirmRequest
	if err := parseAndValidate(c, &req); err != nil {
		return badRequest(c, "invalid_request")
	}

	sub, err := deps.Repos.Subscription.GetByID(req.SubscriptionID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription_not_found"})
	}
	if sub.AidantID != aidantID(c) {
		if payment.SubscriptionBlocksTransfer(sub, time.Now()) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "SUBSCRIPTION_LINKED_TO_OTHER_ACCOUNT",
			})
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	live, err := deps.PayPal.Subscription(ctx, req.SubscriptionID)
	if err != nil {
		log.Errorf("paypal live fetch failed sub=%s: %v", req.SubscriptionID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "paypal_unreachable"})
	}
	if !payment.IsActivePayPalStatus(live.Status) {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "subscription_not_active"})
	}

	start := live.StartTime
	if err := deps.Engine.ApplyPayPalActivation(req.SubscriptionID, &start, live.BillingInfo.NextBillingTime, live.Subscriber.EmailAddress); err != nil {
		log.Errorf("paypal activation failed sub=%s: %v", req.SubscriptionID, err)
		return internalError(c, "activation_failed")
	}
	deps.Resolver.Invalidate(aidantID(c))

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "status": models.SubscriptionStatusActive})
}

type paypalWebhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type paypalSaleResource struct {
	ID                 string `json:"id"`
	SaleID             string `json:"sale_id"`
	BillingAgreementID string `json:"billing_agreement_id"`
	Amount             struct {
		Total string `json:"total"`
	} `json:"amount"`
}

// HandlePayPalWebhook processes PayPal billing webhooks. Deliveries are
// at-least-once; the journal keyed on the PayPal event id acks redeliveries
// of processed events and replays the ones that failed.
func HandlePayPalWebhook(c *fiber.Ctx) error {
	var event paypalWebhookEvent
	if err := c.BodyParser(&event); err != nil || event.ID == "" || event.EventType == "" {
		return badRequest(c, "invalid_request")
	}

	created, stored, err := deps.Repos.WebhookEvent.CreateIfNotExists(&models.WebhookEvent{
		Provider:        models.ProviderPayPal,
		ProviderEventID: event.ID,
		EventType:       event.EventType,
		PayloadJSON:     string(c.BodyRaw()),
	})
	if err != nil {
		return internalError(c, "webhook_persist_failed")
	}
	if !created && webhookProcessed(stored) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	if err := processPayPalEvent(&event); err != nil {
		_ = deps.Repos.WebhookEvent.MarkProcessed(stored.ID, err.Error())
		log.Errorf("paypal webhook %s (%s) failed: %v", event.EventType, event.ID, err)
		return internalError(c, "webhook_failed")
	}
	_ = deps.Repos.WebhookEvent.MarkProcessed(stored.ID, "")

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

func processPayPalEvent(event *paypalWebhookEvent) error {
	switch event.EventType {
	case "BILLING.SUBSCRIPTION.ACTIVATED":
		var res payment.PayPalSubscription
		if err := json.Unmarshal(event.Resource, &res); err != nil {
			return err
		}
		start := res.StartTime
		if err := deps.Engine.ApplyPayPalActivation(res.ID, &start, res.BillingInfo.NextBillingTime, res.Subscriber.EmailAddress); err != nil {
			return err
		}
		invalidateSubscriptionOwner(res.ID)
		return nil

	case "BILLING.SUBSCRIPTION.CANCELLED":
		return paypalStatusChange(event.Resource, models.SubscriptionStatusCancelled)
	case "BILLING.SUBSCRIPTION.SUSPENDED":
		return paypalStatusChange(event.Resource, models.SubscriptionStatusPastDue)
	case "BILLING.SUBSCRIPTION.EXPIRED":
		return paypalStatusChange(event.Resource, models.SubscriptionStatusExpired)

	case "PAYMENT.SALE.COMPLETED":
		var res paypalSaleResource
		if err := json.Unmarshal(event.Resource, &res); err != nil {
			return err
		}
		amount, _ := strconv.ParseFloat(res.Amount.Total, 64)
		outcome, err := deps.Engine.ApplySaleCompleted(res.BillingAgreementID, res.ID, amount)
		if err != nil {
			return err
		}
		if outcome.Code == payment.OutcomeApplied {
			invalidateSubscriptionOwner(res.BillingAgreementID)
		}
		return nil

	case "PAYMENT.SALE.REFUNDED", "PAYMENT.SALE.REVERSED":
		var res paypalSaleResource
		if err := json.Unmarshal(event.Resource, &res); err != nil {
			return err
		}
		saleID := res.SaleID
		if saleID == "" {
			saleID = res.ID
		}
		_, err := deps.Engine.ApplyReversal(saleID, models.PaymentStatusRefunded)
		return err

	default:
		log.Infof("paypal webhook %s ignored", event.EventType)
		return nil
	}
}

func paypalStatusChange(resource json.RawMessage, status string) error {
	var res payment.PayPalSubscription
	if err := json.Unmarshal(resource, &res); err != nil {
		return err
	}
	if res.ID == "" {
		return nil
	}
	if err := deps.Engine.ApplySubscriptionStatus(res.ID, status, res.BillingInfo.NextBillingTime); err != nil {
		return err
	}
	invalidateSubscriptionOwner(res.ID)
	return nil
}

func invalidateSubscriptionOwner(subscriptionID string) {
	if sub, err := deps.Repos.Subscription.GetByID(subscriptionID); err == nil {
		deps.Resolver.Invalidate(sub.AidantID)
	}
}
