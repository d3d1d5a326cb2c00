package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/entitlements"
	"github.com/finreport/finreport/internal/pkg/reports"
	"github.com/finreport/finreport/internal/pkg/usercontext"
)

// CreditsController serves balances, ledger history, the pack catalog and quotes.
type CreditsController struct {
	ledger  *credits.Ledger
	subs    repository.SubscriptionRepository
	reports *reports.Service
}

func NewCreditsController(d Deps) *CreditsController {
	return &CreditsController{
		ledger:  d.Ledger,
		subs:    repository.NewSubscriptionRepository(d.DB),
		reports: d.Reports,
	}
}

// HandleGetCredits returns the balance and subscription of the caller.
func (cc *CreditsController) HandleGetCredits(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	acc, err := cc.ledger.Account(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	sub, err := loadSubscription(cc.subs, userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"balance":         acc.Balance,
		"monthly_credits": acc.MonthlyCredits,
		"last_recharge":   formatTimePtr(acc.LastRecharge),
		"subscription":    subscriptionView(sub),
	})
}

// HandleGetTransactions returns a page of the caller's ledger, newest first.
func (cc *CreditsController) HandleGetTransactions(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	entries, total, err := cc.ledger.History(c.UserContext(), usercontext.GetUserID(c), limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"transactions": entries,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}

// HandleGetPacks lists the purchasable credit packs.
func (cc *CreditsController) HandleGetPacks(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"packs":           entitlements.CreditPacks(),
		"buy_credits_url": BuyCreditsURL(),
	})
}

// HandleGetCost quotes a report configuration given as query parameters.
func (cc *CreditsController) HandleGetCost(c *fiber.Ctx) error {
	reportType := strings.ToLower(strings.TrimSpace(c.Query("report_type")))
	if reportType == "" {
		return respondError(c, credits.NewValidationError("report_type", "is required"))
	}
	cfg := credits.ReportConfig{
		ReportType:       models.ReportType(reportType),
		IncludeBenchmark: c.QueryBool("include_benchmark", false),
		IncludeAPIExport: c.QueryBool("include_api_export", false),
	}

	userID := usercontext.GetUserID(c)
	quote, err := cc.reports.Quote(c.UserContext(), userID, cfg)
	if err != nil {
		return respondError(c, err)
	}
	balance, err := cc.ledger.GetBalance(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"report_type": cfg.ReportType,
		"cost":        quote,
		"balance":     balance,
		"affordable":  balance >= quote.Total,
	})
}
