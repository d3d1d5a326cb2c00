package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/entitlements"
	"github.com/finreport/finreport/internal/pkg/usercontext"
)

// UserController serves the authenticated user's account.
type UserController struct {
	users  repository.UserRepository
	subs   repository.SubscriptionRepository
	ledger *credits.Ledger
}

func NewUserController(d Deps) *UserController {
	return &UserController{
		users:  repository.NewUserRepository(d.DB),
		subs:   repository.NewSubscriptionRepository(d.DB),
		ledger: d.Ledger,
	}
}

// HandleGetUserAccount returns account information for the API key owner.
func (uc *UserController) HandleGetUserAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	account, err := uc.users.GetByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	balance, err := uc.ledger.GetBalance(c.UserContext(), account.ID)
	if err != nil {
		return respondError(c, err)
	}
	sub, err := loadSubscription(uc.subs, account.ID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"id":                   account.ID,
		"name":                 account.Name,
		"email":                account.Email,
		"role":                 account.Role,
		"status":               account.Status,
		"api_key_prefix":       account.APIKeyPrefix,
		"api_key_created_at":   formatTimePtr(account.APIKeyCreatedAt),
		"api_key_last_used_at": formatTimePtr(account.APIKeyLastUsedAt),
		"created_at":           formatTimePtr(&account.CreatedAt),
		"credits": fiber.Map{
			"balance": balance,
		},
		"subscription": subscriptionView(sub),
	})
}

// loadSubscription returns nil for users that never subscribed.
func loadSubscription(subs repository.SubscriptionRepository, userID uint) (*models.Subscription, error) {
	sub, err := subs.GetByUserID(userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return sub, err
}

func subscriptionView(sub *models.Subscription) fiber.Map {
	if sub == nil {
		return fiber.Map{
			"plan":            entitlements.PlanFree,
			"is_active":       false,
			"api_access":      false,
			"monthly_credits": 0,
			"renews_at":       nil,
		}
	}
	plan := entitlements.ParsePlan(sub.Plan)
	monthly := int64(0)
	if sub.IsActive {
		monthly = entitlements.MonthlyCredits(plan)
	}
	return fiber.Map{
		"plan":            plan,
		"is_active":       sub.IsActive,
		"api_access":      sub.HasAPIAccess(),
		"monthly_credits": monthly,
		"renews_at":       formatTimePtr(sub.RenewsAt),
		"cancelled_at":    formatTimePtr(sub.CancelledAt),
	}
}
