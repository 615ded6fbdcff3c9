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

// HandlePricing returns the purchasable product catalog.
func HandlePricing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"products": deps.Catalog.Products(),
	})
}

type processPaymentRequest struct {
	ProductID string `json:"product_id" validate:"required"`
}

// HandleProcessPayment opens a card checkout session with the processor
// and records the order as pending until the settlement callback arrives.
func HandleProcessPayment(c *fiber.Ctx) error {
	var req processPaymentRequest
	if err := parseAndValidate(c, &req); err != nil {
		return badRequest(c, "invalid_request")
	}

	product, ok := deps.Catalog.Lookup(req.ProductID)
	if !ok {
		return badRequest(c, "unknown_product")
	}

	orderID := payment.GenerateOrderID()
	record := &models.PaymentRecord{
		ID:            orderID,
		AidantID:      aidantID(c),
		Kind:          models.PaymentKindCredits,
		Price:         product.Price,
		Status:        models.PaymentStatusPending,
		PaymentMethod: models.PaymentMethodCard,
	}
	if product.Subscription {
		record.Kind = models.PaymentKindSubscription
	} else {
		credits := product.Credits
		record.Credits = &credits
	}
	if err := deps.Repos.Payment.Create(record); err != nil {
		log.Errorf("card order create failed aidant=%d product=%s: %v", aidantID(c), req.ProductID, err)
		return internalError(c, "order_create_failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	session, err := deps.MIPS.CreatePayment(ctx, payment.MIPSPaymentRequest{
		OrderID: orderID,
		Amount:  product.Price,
	})
	if err != nil {
		log.Errorf("card checkout session failed order=%s: %v", orderID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "processor_unreachable"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"order_id": orderID,
		"session":  session,
	})
}

type cardCallbackRequest struct {
	CryptedCallback string `json:"crypted_callback" validate:"required"`
}

// HandleCardCallback receives the processor's encrypted settlement
// callback. The payload is decrypted through the processor's API, recorded
// in the webhook journal and applied idempotently.
func HandleCardCallback(c *fiber.Ctx) error {
	var req cardCallbackRequest
	if err := parseAndValidate(c, &req); err != nil {
		return badRequest(c, "invalid_request")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	callback, err := deps.MIPS.DecryptCallback(ctx, req.CryptedCallback)
	if err != nil {
		log.Errorf("card callback decrypt failed: %v", err)
		return badRequest(c, "decrypt_failed")
	}

	eventID := callback.TransactionID
	if eventID == "" {
		eventID = callback.IDOrder
	}
	created, stored, err := deps.Repos.WebhookEvent.CreateIfNotExists(&models.WebhookEvent{
		Provider:        models.ProviderMIPS,
		ProviderEventID: eventID,
		EventType:       callback.Status,
		PayloadJSON:     string(c.BodyRaw()),
	})
	if err != nil {
		return internalError(c, "webhook_persist_failed")
	}
	if !created && webhookProcessed(stored) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	outcome, err := deps.Engine.SettleCardPayment(callback.IDOrder, callback.TransactionID, callback.Succeeded())
	if err != nil {
		_ = deps.Repos.WebhookEvent.MarkProcessed(stored.ID, err.Error())
		return internalError(c, "settlement_failed")
	}
	_ = deps.Repos.WebhookEvent.MarkProcessed(stored.ID, "")

	if outcome.Code == payment.OutcomeApplied {
		if record, lerr := deps.Repos.Payment.GetByID(callback.IDOrder); lerr == nil {
			deps.Resolver.Invalidate(record.AidantID)
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": outcome.Code.String()})
}

// HandlePaymentStatus reports the state of one card order so the client
// can poll after returning from the processor's iframe.
func HandlePaymentStatus(c *fiber.Ctx) error {
	orderID := c.Params("orderID")
	record, err := deps.Repos.Payment.GetByID(orderID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "order_not_found"})
	}
	if record.AidantID != aidantID(c) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"order_id": record.ID,
		"status":   record.Status,
		"kind":     record.Kind,
		"price":    record.Price,
	})
}

func isOwnershipConflict(err error) bool {
	return errors.Is(err, payment.ErrOwnershipConflict)
}
