package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/wingerapp/winger-backend/app/models"
	"github.com/wingerapp/winger-backend/internal/pkg/payment"
)

type appleValidateRequest struct {
	SignedTransaction string `json:"signed_transaction" validate:"required"`
	// ProductID is optional; when present it must match the verified
	// transaction so a client cannot claim a different product.
	ProductID string `json:"product_id"`
}

// HandleAppleValidate accepts a StoreKit signed transaction from the
// client, verifies it and applies the purchase. Duplicate deliveries of
// the same transaction id converge on the first outcome.
func HandleAppleValidate(c *fiber.Ctx) error {
	var req appleValidateRequest
	if err := parseAndValidate(c, &req); err != nil {
		return badRequest(c, "invalid_request")
	}

	tx, err := deps.Apple.VerifySignedTransaction(req.SignedTransaction)
	if err != nil {
		log.Warnf("apple transaction verification failed aidant=%d: %v", aidantID(c), err)
		return badRequest(c, "invalid_transaction")
	}
	if req.ProductID != "" && req.ProductID != tx.ProductID {
		return badRequest(c, "product_mismatch")
	}
	if _, ok := deps.Catalog.Lookup(tx.ProductID); !ok {
		return badRequest(c, "unknown_product")
	}

	outcome, err := applyAppleTransaction(aidantID(c), tx, false)
	if err != nil {
		if isOwnershipConflict(err) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "SUBSCRIPTION_LINKED_TO_OTHER_ACCOUNT",
			})
		}
		log.Errorf("apple transaction apply failed aidant=%d tx=%s: %v", aidantID(c), tx.TransactionID, err)
		return internalError(c, "transaction_apply_failed")
	}

	if outcome.Code == payment.OutcomeApplied {
		deps.Resolver.Invalidate(aidantID(c))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"outcome":         outcome.Code.String(),
		"credits_granted": outcome.CreditsGranted,
		"balance":         outcome.NewBalance,
	})
}

// HandleAppleRestore relinks a previously purchased subscription to the
// calling account without recording a new charge. The ownership rule still
// applies: a subscription paid for by another aidant cannot be claimed.
func HandleAppleRestore(c *fiber.Ctx) error {
	var req appleValidateRequest
	if err := parseAndValidate(c, &req); err != nil {
		return badRequest(c, "invalid_request")
	}

	tx, err := deps.Apple.VerifySignedTransaction(req.SignedTransaction)
	if err != nil {
		log.Warnf("apple restore verification failed aidant=%d: %v", aidantID(c), err)
		return badRequest(c, "invalid_transaction")
	}
	if !deps.Catalog.IsSubscription(tx.ProductID) {
		return badRequest(c, "not_a_subscription")
	}

	outcome, err := applyAppleTransaction(aidantID(c), tx, true)
	if err != nil {
		if isOwnershipConflict(err) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "SUBSCRIPTION_LINKED_TO_OTHER_ACCOUNT",
			})
		}
		log.Errorf("apple restore failed aidant=%d sub=%s: %v", aidantID(c), tx.OriginalTransactionID, err)
		return internalError(c, "restore_failed")
	}

	deps.Resolver.Invalidate(aidantID(c))
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"outcome": outcome.Code.String()})
}

// applyAppleTransaction routes a verified transaction to the engine. For a
// restore the transaction id is dropped so no charge is recorded.
func applyAppleTransaction(aidant uint, tx *payment.Transaction, restore bool) (*payment.Outcome, error) {
	if deps.Catalog.IsSubscription(tx.ProductID) {
		price := tx.Price
		if price == 0 {
			price = deps.Catalog.PriceFor(tx.ProductID)
		}
		ev := payment.SubscriptionEvent{
			AidantID:       aidant,
			SubscriptionID: tx.OriginalTransactionID,
			TransactionID:  tx.TransactionID,
			PlanID:         tx.ProductID,
			Price:          price,
			Method:         models.PaymentMethodApple,
			StartTime:      tx.PurchaseDate,
			ExpiresDate:    tx.ExpiresDate,
			Renewal:        tx.IsRenewal(),
		}
		if restore {
			ev.TransactionID = ""
		}
		return deps.Engine.ApplySubscription(ev)
	}

	price := tx.Price
	if price == 0 {
		price = deps.Catalog.PriceFor(tx.ProductID)
	}
	return deps.Engine.ApplyCreditPurchase(payment.CreditPurchaseEvent{
		AidantID:      aidant,
		TransactionID: tx.TransactionID,
		ProductID:     tx.ProductID,
		Price:         price,
		Credits:       deps.Catalog.CreditsFor(tx.ProductID),
		Method:        models.PaymentMethodApple,
	})
}

type appleWebhookRequest struct {
	SignedPayload string `json:"signedPayload" validate:"required"`
}

// HandleAppleWebhook processes App Store server notifications. The outer
// envelope is only used for routing; every state change goes through the
// verified nested transaction token. Redeliveries are absorbed by the
// webhook journal keyed on notificationUUID.
func HandleAppleWebhook(c *fiber.Ctx) error {
	var req appleWebhookRequest
	if err := c.BodyParser(&req); err != nil || req.SignedPayload == "" {
		return badRequest(c, "invalid_request")
	}

	notif, err := deps.Apple.DecodeNotification(req.SignedPayload)
	if err != nil {
		log.Warnf("apple notification decode failed: %v", err)
		return badRequest(c, "invalid_payload")
	}

	created, stored, err := deps.Repos.WebhookEvent.CreateIfNotExists(&models.WebhookEvent{
		Provider:        models.ProviderApple,
		ProviderEventID: notif.NotificationUUID,
		EventType:       notif.NotificationType,
		PayloadJSON:     string(c.BodyRaw()),
	})
	if err != nil {
		return internalError(c, "webhook_persist_failed")
	}
	if !created && webhookProcessed(stored) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	if err := processAppleNotification(notif); err != nil {
		_ = deps.Repos.WebhookEvent.MarkProcessed(stored.ID, err.Error())
		log.Errorf("apple notification %s (%s) failed: %v", notif.NotificationType, notif.NotificationUUID, err)
		return internalError(c, "notification_failed")
	}
	_ = deps.Repos.WebhookEvent.MarkProcessed(stored.ID, "")

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

func processAppleNotification(notif *payment.AppleNotification) error {
	switch notif.NotificationType {
	case "SUBSCRIBED", "DID_RENEW":
		return appleRenewal(notif)
	case "DID_FAIL_TO_RENEW":
		return appleStatusChange(notif, models.SubscriptionStatusPastDue)
	case "EXPIRED":
		return appleStatusChange(notif, models.SubscriptionStatusExpired)
	case "DID_CHANGE_RENEWAL_STATUS":
		status := models.SubscriptionStatusActive
		if notif.AutoRenewStatus != nil && !*notif.AutoRenewStatus {
			status = models.SubscriptionStatusCancelled
		}
		return appleStatusChange(notif, status)
	case "REVOKED", "REFUND":
		return appleReversal(notif)
	default:
		log.Infof("apple notification %s ignored", notif.NotificationType)
		return nil
	}
}

// appleRenewal applies a SUBSCRIBED or DID_RENEW charge. The owning aidant
// comes from the existing subscription row; a renewal for a subscription
// never seen through the validate endpoint cannot be attributed and is
// dropped after logging.
func appleRenewal(notif *payment.AppleNotification) error {
	tx, err := deps.Apple.VerifySignedTransaction(notif.SignedTransactionInfo)
	if err != nil {
		return err
	}
	sub, err := deps.Repos.Subscription.GetByID(tx.OriginalTransactionID)
	if err != nil {
		log.Warnf("apple renewal for unknown subscription %s dropped", tx.OriginalTransactionID)
		return nil
	}

	outcome, err := applyAppleTransaction(sub.AidantID, tx, false)
	if err != nil {
		return err
	}
	if outcome.Code == payment.OutcomeApplied {
		deps.Resolver.Invalidate(sub.AidantID)
	}
	return nil
}

func appleStatusChange(notif *payment.AppleNotification, status string) error {
	tx, err := deps.Apple.VerifySignedTransaction(notif.SignedTransactionInfo)
	if err != nil {
		return err
	}
	sub, err := deps.Repos.Subscription.GetByID(tx.OriginalTransactionID)
	if err != nil {
		log.Warnf("apple %s for unknown subscription %s dropped", notif.NotificationType, tx.OriginalTransactionID)
		return nil
	}

	if err := deps.Engine.ApplySubscriptionStatus(sub.ID, status, tx.ExpiresDate); err != nil {
		return err
	}
	deps.Resolver.Invalidate(sub.AidantID)
	return nil
}

// appleReversal handles REVOKED and REFUND. The charge record flips to its
// terminal status once; when the reversed charge was a subscription payment
// the subscription itself is revoked as well.
func appleReversal(notif *payment.AppleNotification) error {
	tx, err := deps.Apple.VerifySignedTransaction(notif.SignedTransactionInfo)
	if err != nil {
		return err
	}

	finalStatus := models.PaymentStatusRefunded
	if notif.NotificationType == "REVOKED" {
		finalStatus = models.PaymentStatusRevoked
	}
	outcome, err := deps.Engine.ApplyReversal(tx.TransactionID, finalStatus)
	if err != nil {
		return err
	}
	if outcome.Code != payment.OutcomeApplied {
		return nil
	}

	if kind, kerr := deps.Engine.ReversedKind(tx.TransactionID); kerr == nil && kind == models.PaymentKindSubscription {
		if sub, serr := deps.Repos.Subscription.GetByID(tx.OriginalTransactionID); serr == nil {
			if err := deps.Engine.ApplySubscriptionStatus(sub.ID, models.SubscriptionStatusRevoked, nil); err != nil {
				return err
			}
			deps.Resolver.Invalidate(sub.AidantID)
		}
	}
	return nil
}
