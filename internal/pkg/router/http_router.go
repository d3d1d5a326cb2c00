package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finreport/finreport/app/controllers"
)

type HttpRouter struct {
	deps controllers.Deps
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", h.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	wc := controllers.NewWebhookController(h.deps)
	app.Post("/webhooks/billing", wc.HandleBillingWebhook)
}

func NewHttpRouter(deps controllers.Deps) *HttpRouter {
	return &HttpRouter{deps: deps}
}

// handleHealth pings the database and Redis.
func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	checks := fiber.Map{"database": "ok", "redis": "disabled"}
	healthy := true

	if sqlDB, err := h.deps.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "unavailable"
		healthy = false
	}
	if h.deps.Redis != nil {
		checks["redis"] = "ok"
		if err := h.deps.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unavailable"
			healthy = false
		}
	}

	status := fiber.StatusOK
	checks["status"] = "ok"
	if !healthy {
		status = fiber.StatusServiceUnavailable
		checks["status"] = "degraded"
	}
	return c.Status(status).JSON(checks)
}
