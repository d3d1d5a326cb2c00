package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/finreport/finreport/app/controllers"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/env"
	"github.com/finreport/finreport/internal/pkg/middleware"
)

type ApiRouter struct {
	deps    controllers.Deps
	storage fiber.Storage
	max     int
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        h.max,
		Expiration: time.Minute,
		Storage:    h.storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1",
		middleware.APIKeyAuthMiddleware(repository.NewUserRepository(h.deps.DB)),
		middleware.RequireAuth,
	)

	user := controllers.NewUserController(h.deps)
	v1.Get("/account", user.HandleGetUserAccount)

	cc := controllers.NewCreditsController(h.deps)
	v1.Get("/credits", cc.HandleGetCredits)
	v1.Get("/credits/transactions", cc.HandleGetTransactions)
	v1.Get("/credits/packs", cc.HandleGetPacks)
	v1.Get("/credits/cost", cc.HandleGetCost)

	rc := controllers.NewReportsController(h.deps)
	v1.Post("/reports", rc.HandleSubmitReport)
	v1.Get("/reports", rc.HandleListReports)
	v1.Get("/reports/:uuid", rc.HandleGetReport)
	v1.Get("/reports/:uuid/download", rc.HandleDownloadReport)

	ac := controllers.NewAdminController(h.deps)
	admin := v1.Group("/admin", middleware.RequireAdmin)
	admin.Get("/stats", ac.HandleStats)
	admin.Post("/credits", ac.HandleGrantCredits)
	admin.Get("/credits/:userID/audit", ac.HandleAudit)
	admin.Post("/ledger/audit", ac.HandleEnqueueAudit)
	admin.Get("/jobs/:id", ac.HandleGetJob)
	admin.Get("/reports", ac.HandleListReports)
	admin.Post("/reports/:uuid/refund", ac.HandleRefundReport)
	admin.Post("/reports/:uuid/retry", ac.HandleRetryReport)
	admin.Get("/users", ac.HandleListUsers)
	admin.Post("/users/:userID/role", ac.HandleUpdateUserRole)
	admin.Post("/subscriptions/:userID/toggle", ac.HandleToggleSubscription)
	admin.Get("/queues", ac.HandleQueues)
	admin.Delete("/cache/dashboard", ac.HandleFlushDashboardCache)
}

// NewApiRouter keeps rate limit counters in Redis (database 1) when a Redis
// client is configured, otherwise in memory.
func NewApiRouter(deps controllers.Deps) *ApiRouter {
	r := &ApiRouter{
		deps: deps,
		max:  env.GetEnvInt("API_RATE_LIMIT_PER_MINUTE", 120),
	}
	if deps.Redis != nil && env.GetEnv("API_RATE_LIMIT_STORAGE", "redis") == "redis" {
		r.storage = newLimiterStorage(deps.Redis.Options().Addr, deps.Redis.Options().Password)
	}
	return r
}

func newLimiterStorage(addr, password string) fiber.Storage {
	host, port := "localhost", 6379
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}
	log.Infof("[Router] Rate limiter backed by Redis %s:%d/1", host, port)
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}
