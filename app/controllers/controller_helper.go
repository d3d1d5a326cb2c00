package controllers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/finreport/finreport/internal/pkg/billing"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/env"
	"github.com/finreport/finreport/internal/pkg/jobqueue"
	"github.com/finreport/finreport/internal/pkg/reports"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Deps are the services shared by the API controllers. Jobs and Redis are optional.
type Deps struct {
	DB            *gorm.DB
	Redis         *redis.Client
	Ledger        *credits.Ledger
	Reports       *reports.Service
	Projector     *reports.Projector
	Billing       *billing.Service
	Jobs          *jobqueue.Manager
	WebhookSecret string
}

// PricingURL is where users upgrade their plan.
func PricingURL() string {
	return publicURL("/pricing")
}

// BuyCreditsURL is where users buy credit packs.
func BuyCreditsURL() string {
	return publicURL("/credits/packs")
}

func publicURL(path string) string {
	return strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", "http://localhost:4000"), "/") + path
}

// respondError maps service errors to the JSON error responses of the API.
func respondError(c *fiber.Ctx, err error) error {
	var validationErr *credits.ValidationError
	var insufficientErr *credits.InsufficientCreditsError

	switch {
	case errors.As(err, &validationErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "validation_failed",
			"message": "Invalid request",
			"fields":  validationErr.Fields,
		})
	case errors.Is(err, credits.ErrValidation), errors.Is(err, credits.ErrInvalidAmount):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, credits.ErrCapabilityDenied):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":       "capability_denied",
			"message":     err.Error(),
			"upgrade_url": PricingURL(),
		})
	case errors.As(err, &insufficientErr):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":           "insufficient_credits",
			"message":         "Not enough credits for this report",
			"required":        insufficientErr.Required,
			"available":       insufficientErr.Available,
			"shortfall":       insufficientErr.Shortfall(),
			"buy_credits_url": BuyCreditsURL(),
		})
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Resource not found"})
	case errors.Is(err, reports.ErrNoArtifact):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	case errors.Is(err, reports.ErrAlreadyRefunded),
		errors.Is(err, reports.ErrNotRefundable),
		errors.Is(err, reports.ErrNotRetryable),
		errors.Is(err, reports.ErrReportNotReady),
		errors.Is(err, credits.ErrAlreadyBooked):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": err.Error()})
	}

	log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Request failed"})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}

// pagination reads limit and offset query parameters.
func pagination(c *fiber.Ctx) (limit, offset int) {
	limit = c.QueryInt("limit", defaultPageLimit)
	if limit <= 0 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)
	offset = max(c.QueryInt("offset", 0), 0)
	return limit, offset
}

func paramUint(c *fiber.Ctx, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// GetClientIP returns the caller address, preferring proxy headers.
func GetClientIP(c *fiber.Ctx) string {
	if ip := strings.TrimSpace(c.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(c.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return c.IP()
}
