package controllers

import (
	"slices"

	"github.com/gofiber/fiber/v2"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/reports"
	"github.com/finreport/finreport/internal/pkg/usercontext"
)

// ReportsController handles report orders and report history.
type ReportsController struct {
	reports   *reports.Service
	projector *reports.Projector
	ledger    *credits.Ledger
}

func NewReportsController(d Deps) *ReportsController {
	return &ReportsController{
		reports:   d.Reports,
		projector: d.Projector,
		ledger:    d.Ledger,
	}
}

// HandleSubmitReport orders a report and debits its cost.
func (rc *ReportsController) HandleSubmitReport(c *fiber.Ctx) error {
	var in reports.SubmitInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Invalid JSON body")
	}

	userID := usercontext.GetUserID(c)
	report, err := rc.reports.Submit(c.UserContext(), userID, in)
	if err != nil {
		return respondError(c, err)
	}

	resp := fiber.Map{"report": report}
	if balance, err := rc.ledger.GetBalance(c.UserContext(), userID); err == nil {
		resp["credits_remaining"] = balance
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// HandleListReports returns a page of the caller's reports with summary stats.
func (rc *ReportsController) HandleListReports(c *fiber.Ctx) error {
	status := models.ReportStatus(c.Query("status"))
	if status != "" && !slices.Contains(models.AllReportStatuses, status) {
		return respondError(c, credits.NewValidationError("status", "must be one of: pending processing completed failed"))
	}
	limit, offset := pagination(c)

	userID := usercontext.GetUserID(c)
	items, total, err := rc.reports.List(c.UserContext(), userID, repository.ReportFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return respondError(c, err)
	}
	stats, err := rc.projector.UserStats(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"reports": items,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"stats":   stats,
	})
}

// HandleGetReport returns one of the caller's reports.
func (rc *ReportsController) HandleGetReport(c *fiber.Ctx) error {
	report, err := rc.reports.Get(c.UserContext(), usercontext.GetUserID(c), c.Params("uuid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}

// HandleDownloadReport returns a short lived link to the report file.
func (rc *ReportsController) HandleDownloadReport(c *fiber.Ctx) error {
	url, err := rc.reports.DownloadURL(c.UserContext(), usercontext.GetUserID(c), c.Params("uuid"), c.Query("format", "pdf"))
	if err != nil {
		return respondError(c, err)
	}
	if c.QueryBool("redirect", false) {
		return c.Redirect(url, fiber.StatusFound)
	}
	return c.JSON(fiber.Map{
		"url":        url,
		"expires_in": int(reports.DefaultDownloadTTL.Seconds()),
	})
}
