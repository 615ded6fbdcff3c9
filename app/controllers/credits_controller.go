package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/wingerapp/winger-backend/app/models"
)

// HandleCreditsSummary returns the aidant's credit position: current
// balance, lifetime purchased, lifetime spent and the last purchase.
func HandleCreditsSummary(c *fiber.Ctx) error {
	user, err := deps.Repos.User.GetByID(aidantID(c))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "user_not_found"})
	}

	purchased, err := deps.Repos.Payment.SumSuccessfulCredits(user.ID)
	if err != nil {
		log.Errorf("credit purchase sum failed aidant=%d: %v", user.ID, err)
		return internalError(c, "summary_failed")
	}
	spent, err := deps.Repos.CreditUsage.SumActiveBySender(user.ID)
	if err != nil {
		log.Errorf("credit usage sum failed aidant=%d: %v", user.ID, err)
		return internalError(c, "summary_failed")
	}

	summary := fiber.Map{
		"balance":         user.Credits,
		"total_purchased": purchased,
		"total_spent":     spent,
	}
	if last, lerr := deps.Repos.Payment.LastSuccessfulPurchase(user.ID); lerr == nil {
		summary["last_purchase"] = last
	}

	return c.Status(fiber.StatusOK).JSON(summary)
}

// HandlePurchaseHistory lists credit-pack purchases newest first.
func HandlePurchaseHistory(c *fiber.Ctx) error {
	records, err := deps.Repos.Payment.ListByAidantAndKind(aidantID(c), models.PaymentKindCredits)
	if err != nil {
		log.Errorf("purchase history failed aidant=%d: %v", aidantID(c), err)
		return internalError(c, "history_failed")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"payments": records})
}

// HandleUsageHistory lists where the aidant's credits went.
func HandleUsageHistory(c *fiber.Ctx) error {
	entries, err := deps.Repos.CreditUsage.ListBySender(aidantID(c))
	if err != nil {
		log.Errorf("usage history failed aidant=%d: %v", aidantID(c), err)
		return internalError(c, "history_failed")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"usages": entries})
}
