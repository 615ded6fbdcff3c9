package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/wingerapp/winger-backend/app/controllers"
	"github.com/wingerapp/winger-backend/app/repository"
	"github.com/wingerapp/winger-backend/internal/pkg/cache"
	"github.com/wingerapp/winger-backend/internal/pkg/database"
	"github.com/wingerapp/winger-backend/internal/pkg/env"
	"github.com/wingerapp/winger-backend/internal/pkg/invoice"
	"github.com/wingerapp/winger-backend/internal/pkg/jobqueue"
	"github.com/wingerapp/winger-backend/internal/pkg/payment"
	"github.com/wingerapp/winger-backend/internal/pkg/router"
	"github.com/wingerapp/winger-backend/internal/pkg/s3store"
)

func main() {
	app := NewApplication()

	// graceful shutdown: drain the queue workers before the listener dies
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		log.Info("Shutting down...")
		if mgr := jobqueue.GetManager(); mgr != nil {
			mgr.Stop()
		}
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	if err := app.Listen(addr); err != nil {
		log.Fatal(err)
	}
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	factory := repository.NewFactory(database.GetDB())
	repository.SetGlobalFactory(factory)
	repos := factory.GetRepositories()

	catalog := payment.LoadCatalog()

	// invoice archive is optional: without S3 config invoices are still
	// rendered and mailed, just not archived
	var archive *s3store.Client
	archiveCfg, err := s3store.LoadConfig()
	if err != nil {
		log.Warnf("invoice archive disabled: %v", err)
	} else if archiveCfg.Enabled {
		archive, err = s3store.NewClient(archiveCfg)
		if err != nil {
			log.Errorf("invoice archive unavailable: %v", err)
			archive = nil
		}
	}

	generator := invoice.NewGenerator(repos.User, archive, archiveCfg)
	manager := jobqueue.Setup(jobqueue.NewGeneratorProcessor(generator), repos.Subscription)
	manager.Start()

	appleClient := payment.NewAppleClientFromEnv()
	paypalClient := payment.NewPayPalClientFromEnv()
	mipsClient := payment.NewMIPSClientFromEnv()

	dispatcher := jobqueue.NewDispatcher(manager.GetQueue())
	engine := payment.NewEngine(repos, catalog, dispatcher)
	resolver := payment.NewStatusResolver(repos.Subscription, catalog, appleClient, paypalClient, payment.RedisReportCache{})

	controllers.Setup(controllers.Dependencies{
		Repos:    repos,
		Engine:   engine,
		Resolver: resolver,
		Catalog:  catalog,
		Apple:    appleClient,
		PayPal:   paypalClient,
		MIPS:     mipsClient,
	})

	app := fiber.New(fiber.Config{
		AppName: "winger-backend",
	})

	app.Use(recover.New(), logger.New())

	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	router.InstallRouter(app)

	return app
}
