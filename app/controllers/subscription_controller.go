package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/wingerapp/winger-backend/app/models"
	"github.com/wingerapp/winger-backend/internal/pkg/payment"
)

// HandleSubscriptionStatus answers the entitlement question for the
// calling aidant. The resolver reconciles against the provider and falls
// back to the local record on outage, so this endpoint always answers.
func HandleSubscriptionStatus(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	report, err := deps.Resolver.Check(ctx, aidantID(c))
	if err != nil {
		log.Errorf("subscription status check failed aidant=%d: %v", aidantID(c), err)
		return internalError(c, "status_check_failed")
	}
	return c.Status(fiber.StatusOK).JSON(report)
}

// HandleSubscriptionLive returns the provider-confirmed billing detail of
// the aidant's current subscription.
func HandleSubscriptionLive(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	live, err := deps.Resolver.Live(ctx, aidantID(c))
	if err != nil {
		if errors.Is(err, payment.ErrSubscriptionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_subscription"})
		}
		log.Errorf("live subscription fetch failed aidant=%d: %v", aidantID(c), err)
		return internalError(c, "live_fetch_failed")
	}
	return c.Status(fiber.StatusOK).JSON(live)
}

// HandleSubscriptionCancel stops renewal of the aidant's subscription.
// PayPal subscriptions are cancelled at PayPal; Apple subscriptions can
// only be cancelled from the device, so the client is told to send the
// user to the system settings. Access continues until the paid window
// lapses.
func HandleSubscriptionCancel(c *fiber.Ctx) error {
	sub, err := deps.Repos.Subscription.LatestForAidant(aidantID(c), []string{
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
	})
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_active_subscription"})
	}

	switch sub.PaymentMethod {
	case models.PaymentMethodApple:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"ok":              false,
			"manage_in_store": true,
		})
	case models.PaymentMethodPayPal:
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := deps.PayPal.CancelSubscription(ctx, sub.ID, "Cancelled by the subscriber"); err != nil {
			log.Errorf("paypal cancel failed sub=%s: %v", sub.ID, err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "paypal_unreachable"})
		}
	}

	if err := deps.Engine.ApplySubscriptionStatus(sub.ID, models.SubscriptionStatusCancelled, sub.NextBillingTime); err != nil {
		log.Errorf("subscription cancel write failed sub=%s: %v", sub.ID, err)
		return internalError(c, "cancel_failed")
	}
	deps.Resolver.Invalidate(aidantID(c))

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":           true,
		"active_until": sub.NextBillingTime,
		"status":       models.SubscriptionStatusCancelled,
	})
}

// HandleSubscriptionHistory lists past subscription charges newest first.
func HandleSubscriptionHistory(c *fiber.Ctx) error {
	records, err := deps.Repos.Payment.ListByAidantAndKind(aidantID(c), models.PaymentKindSubscription)
	if err != nil {
		log.Errorf("subscription history failed aidant=%d: %v", aidantID(c), err)
		return internalError(c, "history_failed")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"payments": records})
}
