package controllers

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/wingerapp/winger-backend/app/models"
	"github.com/wingerapp/winger-backend/app/repository"
	"github.com/wingerapp/winger-backend/internal/pkg/middleware"
	"github.com/wingerapp/winger-backend/internal/pkg/payment"
)

// AppleGateway is the slice of the Apple client controllers depend on.
type AppleGateway interface {
	VerifySignedTransaction(token string) (*payment.Transaction, error)
	DecodeNotification(signedPayload string) (*payment.AppleNotification, error)
}

// PayPalGateway is the slice of the PayPal client controllers depend on.
type PayPalGateway interface {
	Subscription(ctx context.Context, subscriptionID string) (*payment.PayPalSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID, reason string) error
}

// MIPSGateway is the slice of the card processor client controllers depend on.
type MIPSGateway interface {
	CreatePayment(ctx context.Context, req payment.MIPSPaymentRequest) (json.RawMessage, error)
	DecryptCallback(ctx context.Context, cryptedData string) (*payment.MIPSCallback, error)
}

// Dependencies carries everything the payment controllers need. Installed
// once at startup via Setup.
type Dependencies struct {
	Repos    *repository.Repositories
	Engine   *payment.Engine
	Resolver *payment.StatusResolver
	Catalog  *payment.Catalog
	Apple    AppleGateway
	PayPal   PayPalGateway
	MIPS     MIPSGateway
}

var deps Dependencies

// Setup installs the controller dependencies.
func Setup(d Dependencies) {
	deps = d
}

var validate = validator.New()

// parseAndValidate binds the JSON body into out and validates it.
func parseAndValidate(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return err
	}
	return validate.Struct(out)
}

func aidantID(c *fiber.Ctx) uint {
	return middleware.AidantID(c)
}

// webhookProcessed reports whether a journal row completed processing.
// A redelivery of a row that failed mid-processing runs again; the engine
// transitions are idempotent, so replays are safe.
func webhookProcessed(event *models.WebhookEvent) bool {
	return event.ProcessedAt != nil && event.ProcessingError == ""
}

func badRequest(c *fiber.Ctx, code string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": code})
}

func internalError(c *fiber.Ctx, code string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": code})
}
