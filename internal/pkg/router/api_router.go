package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/wingerapp/winger-backend/app/controllers"
	"github.com/wingerapp/winger-backend/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	// Public: pricing and provider webhooks. Webhook authenticity is
	// enforced by signature verification inside the handlers, not here.
	v1.Get("/payments/pricing", controllers.HandlePricing)
	v1.Post("/webhooks/apple", controllers.HandleAppleWebhook)
	v1.Post("/webhooks/paypal", controllers.HandlePayPalWebhook)
	v1.Post("/webhooks/mips", controllers.HandleCardCallback)

	authed := v1.Group("/", middleware.RequireAuth)

	authed.Post("/payments/process", controllers.HandleProcessPayment)
	authed.Get("/payments/status/:orderID", controllers.HandlePaymentStatus)

	authed.Post("/apple/validate", controllers.HandleAppleValidate)
	authed.Post("/apple/restore", controllers.HandleAppleRestore)

	authed.Post("/paypal/process", controllers.HandlePayPalProcess)
	authed.Post("/paypal/confirm", controllers.HandlePayPalConfirm)

	authed.Get("/subscription/status", controllers.HandleSubscriptionStatus)
	authed.Get("/subscription/live", controllers.HandleSubscriptionLive)
	authed.Post("/subscription/cancel", controllers.HandleSubscriptionCancel)
	authed.Get("/subscription/history", controllers.HandleSubscriptionHistory)

	authed.Get("/credits/summary", controllers.HandleCreditsSummary)
	authed.Get("/credits/purchases", controllers.HandlePurchaseHistory)
	authed.Get("/credits/usage", controllers.HandleUsageHistory)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
