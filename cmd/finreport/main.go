package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/finreport/finreport/app/controllers"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/artifacts"
	"github.com/finreport/finreport/internal/pkg/billing"
	"github.com/finreport/finreport/internal/pkg/cache"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/database"
	"github.com/finreport/finreport/internal/pkg/env"
	"github.com/finreport/finreport/internal/pkg/jobqueue"
	"github.com/finreport/finreport/internal/pkg/reports"
	"github.com/finreport/finreport/internal/pkg/router"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app, jobs := NewApplication()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Print("Shutting down")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	jobs.Stop()
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	rdb := cache.GetClient()
	repository.InitializeFactory(db)

	jobs := jobqueue.InitManager(rdb, db, jobqueue.ConfigFromEnv())
	jobs.Start()

	signer, err := artifacts.NewClientFromEnv(context.Background())
	if err != nil {
		log.Fatalf("Failed to configure report artifacts: %v", err)
	}

	ledger := credits.NewLedger(db)
	reportDeps := reports.Deps{
		DB:       db,
		Ledger:   ledger,
		Notifier: jobs.Publisher(),
		Redis:    rdb,
	}
	if signer != nil {
		reportDeps.Signer = signer
	}

	deps := controllers.Deps{
		DB:            db,
		Redis:         rdb,
		Ledger:        ledger,
		Reports:       reports.NewService(reportDeps),
		Projector:     reports.NewProjector(db, rdb),
		Billing:       billing.NewServiceFromDB(db),
		Jobs:          jobs,
		WebhookSecret: env.GetEnv("POLAR_WEBHOOK_SECRET", ""),
	}
	if deps.WebhookSecret == "" {
		log.Print("POLAR_WEBHOOK_SECRET is not set, billing webhooks will be rejected")
	}

	app := fiber.New(fiber.Config{
		AppName:   "finreport",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if basePath := findBasePath(); basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + "public/docs/v1/openapi.yml",
			Path:     "v1",
		}))
	} else {
		log.Print("OpenAPI document not found, /docs/api disabled")
	}

	// ROUTER
	router.InstallRouter(app, deps)

	return app, jobs
}

func findBasePath() string {
	for _, path := range []string{"./", "../../", "../../../"} {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path
		}
	}
	return ""
}
