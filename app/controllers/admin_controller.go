package controllers

import (
	"errors"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/billing"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/jobqueue"
	"github.com/finreport/finreport/internal/pkg/reports"
	"github.com/finreport/finreport/internal/pkg/usercontext"
)

const (
	defaultStatsWindow = 30 * 24 * time.Hour
	queuePeekSize      = 10
)

var dashboardCachePatterns = []string{"admin:dashboard:*"}

// AdminController serves the admin endpoints.
type AdminController struct {
	users     repository.UserRepository
	queueRepo repository.QueueRepository
	ledger    *credits.Ledger
	reports   *reports.Service
	projector *reports.Projector
	billing   *billing.Service
	jobs      *jobqueue.Manager
}

func NewAdminController(d Deps) *AdminController {
	return &AdminController{
		users:     repository.NewUserRepository(d.DB),
		queueRepo: repository.NewQueueRepository(d.Redis),
		ledger:    d.Ledger,
		reports:   d.Reports,
		projector: d.Projector,
		billing:   d.Billing,
		jobs:      d.Jobs,
	}
}

// GrantInput is a manual bonus credit booking.
type GrantInput struct {
	UserID      uint   `json:"user_id" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0,lte=100000"`
	Description string `json:"description" validate:"max=200"`
}

// RoleInput changes a user's role.
type RoleInput struct {
	Role string `json:"role" validate:"required,oneof=user admin"`
}

// AuditInput selects the accounts of a background ledger audit.
type AuditInput struct {
	UserIDs []uint `json:"user_ids" validate:"max=1000"`
}

var adminValidate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	})
	return v
}()

func validateInput(in interface{}) error {
	err := adminValidate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return credits.NewValidationError("body", err.Error())
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = "failed on " + fe.Tag()
	}
	return &credits.ValidationError{Fields: fields}
}

// HandleStats returns the admin dashboard. since is RFC3339, days a window size.
func (ac *AdminController) HandleStats(c *fiber.Ctx) error {
	since := time.Now().Add(-defaultStatsWindow)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return respondError(c, credits.NewValidationError("since", "must be an RFC3339 timestamp"))
		}
		since = t
	} else if days := c.QueryInt("days", 0); days > 0 {
		since = time.Now().AddDate(0, 0, -days)
	}

	d, err := ac.projector.Dashboard(c.UserContext(), since)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(d)
}

// HandleGrantCredits books a bonus credit for a user.
func (ac *AdminController) HandleGrantCredits(c *fiber.Ctx) error {
	var in GrantInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Invalid JSON body")
	}
	in.Description = strings.TrimSpace(in.Description)
	if err := validateInput(&in); err != nil {
		return respondError(c, err)
	}

	user, err := ac.users.GetByID(in.UserID)
	if err != nil {
		return respondError(c, err)
	}
	if in.Description == "" {
		in.Description = "Bonus credits"
	}

	entry, err := ac.ledger.Credit(c.UserContext(), user.ID, in.Amount, in.Description, models.TransactionBonus)
	if err != nil {
		return respondError(c, err)
	}
	log.Infof("[Admin] User %d granted %d bonus credits to user %d", usercontext.GetUserID(c), in.Amount, user.ID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"transaction": entry,
		"balance":     entry.BalanceAfter,
	})
}

// HandleAudit replays one account's ledger.
func (ac *AdminController) HandleAudit(c *fiber.Ctx) error {
	userID, ok := paramUint(c, "userID")
	if !ok {
		return badRequest(c, "Invalid user id")
	}
	report, err := ac.ledger.Audit(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"ok":     report.OK(),
		"report": report,
	})
}

// HandleEnqueueAudit schedules a background audit of some or all accounts.
func (ac *AdminController) HandleEnqueueAudit(c *fiber.Ctx) error {
	if ac.jobs == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Job queue not running"})
	}
	var in AuditInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&in); err != nil {
			return badRequest(c, "Invalid JSON body")
		}
	}
	if err := validateInput(&in); err != nil {
		return respondError(c, err)
	}

	job, err := ac.jobs.EnqueueLedgerAudit(c.UserContext(), usercontext.GetUserID(c), in.UserIDs...)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(job)
}

// HandleGetJob returns a background job by id.
func (ac *AdminController) HandleGetJob(c *fiber.Ctx) error {
	if ac.jobs == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Job queue not running"})
	}
	job, err := ac.jobs.GetQueue().GetJob(c.UserContext(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Job not found"})
	}
	return c.JSON(job)
}

// HandleRefundReport refunds a failed report.
func (ac *AdminController) HandleRefundReport(c *fiber.Ctx) error {
	entry, err := ac.reports.Refund(c.UserContext(), c.Params("uuid"), usercontext.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"transaction": entry,
		"balance":     entry.BalanceAfter,
	})
}

// HandleRetryReport puts a failed report back into the generator queue.
func (ac *AdminController) HandleRetryReport(c *fiber.Ctx) error {
	report, err := ac.reports.Retry(c.UserContext(), c.Params("uuid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}

// HandleToggleSubscription flips a user's subscription between active and inactive.
func (ac *AdminController) HandleToggleSubscription(c *fiber.Ctx) error {
	userID, ok := paramUint(c, "userID")
	if !ok {
		return badRequest(c, "Invalid user id")
	}
	sub, err := ac.billing.ToggleSubscription(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	log.Infof("[Admin] User %d set subscription of user %d active=%t", usercontext.GetUserID(c), userID, sub.IsActive)
	return c.JSON(sub)
}

// HandleQueues reports the generator queue and the background job queue.
func (ac *AdminController) HandleQueues(c *fiber.Ctx) error {
	if ac.jobs == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Job queue not running"})
	}
	ctx := c.UserContext()

	reportQueue, err := ac.jobs.Publisher().Stats(ctx, queuePeekSize)
	if err != nil {
		return respondError(c, err)
	}

	q := ac.jobs.GetQueue()
	jobStats, err := q.GetJobStats(ctx)
	if err != nil {
		return respondError(c, err)
	}
	waiting, err := q.GetQueueSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	processing, err := q.GetProcessingSize(ctx)
	if err != nil {
		return respondError(c, err)
	}

	cached, err := ac.queueRepo.FindKeysByPatterns(ctx, dashboardCachePatterns)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"report_queue": reportQueue,
		"jobs": fiber.Map{
			"running":    ac.jobs.IsRunning(),
			"waiting":    waiting,
			"processing": processing,
			"stats":      jobStats,
		},
		"dashboard_cache_keys": cached,
		"generated_at":         time.Now().UTC(),
	})
}

// HandleListReports lists reports of all users, optionally filtered by status.
func (ac *AdminController) HandleListReports(c *fiber.Ctx) error {
	status := models.ReportStatus(c.Query("status"))
	if status != "" && !slices.Contains(models.AllReportStatuses, status) {
		return respondError(c, credits.NewValidationError("status", "must be one of: pending processing completed failed"))
	}
	limit, offset := pagination(c)

	listing, err := ac.projector.Reports(c.UserContext(), repository.ReportFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"reports":   listing.Reports,
		"total":     listing.Total,
		"by_status": listing.ByStatus,
		"limit":     limit,
		"offset":    offset,
	})
}

// HandleListUsers lists users with balance, plan and report count.
func (ac *AdminController) HandleListUsers(c *fiber.Ctx) error {
	limit, offset := pagination(c)
	users, total, err := ac.projector.Users(c.UserContext(), limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"users":  users,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// HandleUpdateUserRole promotes or demotes a user. Admins cannot change their own role.
func (ac *AdminController) HandleUpdateUserRole(c *fiber.Ctx) error {
	userID, ok := paramUint(c, "userID")
	if !ok {
		return badRequest(c, "Invalid user id")
	}
	var in RoleInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Invalid JSON body")
	}
	in.Role = strings.ToLower(strings.TrimSpace(in.Role))
	if err := validateInput(&in); err != nil {
		return respondError(c, err)
	}

	actorID := usercontext.GetUserID(c)
	if userID == actorID {
		return respondError(c, credits.NewValidationError("user_id", "cannot change your own role"))
	}
	user, err := ac.users.GetByID(userID)
	if err != nil {
		return respondError(c, err)
	}
	if err := ac.users.UpdateRole(user.ID, in.Role); err != nil {
		return respondError(c, err)
	}

	log.Infof("[Admin] User %d changed role of user %d from %s to %s", actorID, user.ID, user.Role, in.Role)
	user.Role = in.Role
	return c.JSON(fiber.Map{"user": user})
}

// HandleFlushDashboardCache drops cached dashboard snapshots.
func (ac *AdminController) HandleFlushDashboardCache(c *fiber.Ctx) error {
	keys, err := ac.queueRepo.FindKeysByPatterns(c.UserContext(), dashboardCachePatterns)
	if err != nil {
		return respondError(c, err)
	}
	deleted, err := ac.queueRepo.DeleteKeys(c.UserContext(), keys)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}
