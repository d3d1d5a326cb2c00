package reports

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/metrics"
	"github.com/finreport/finreport/internal/pkg/metrics/counter"
)

const DefaultDownloadTTL = 15 * time.Minute

// Notifier announces pending reports to the report generator.
type Notifier interface {
	PublishPending(ctx context.Context, report *models.ReportRequest) error
	Republish(ctx context.Context, report *models.ReportRequest) error
}

// ArtifactSigner issues short lived download URLs for stored report files.
type ArtifactSigner interface {
	PresignGet(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
}

// Deps wires a Service. Notifier, Signer and Redis are optional.
type Deps struct {
	DB       *gorm.DB
	Ledger   *credits.Ledger
	Notifier Notifier
	Signer   ArtifactSigner
	Redis    *redis.Client
}

// Service accepts paid report orders and runs the admin report actions.
type Service struct {
	db       *gorm.DB
	ledger   *credits.Ledger
	reports  repository.ReportRepository
	subs     repository.SubscriptionRepository
	notifier Notifier
	signer   ArtifactSigner
	rdb      *redis.Client
}

func NewService(d Deps) *Service {
	ledger := d.Ledger
	if ledger == nil {
		ledger = credits.NewLedger(d.DB)
	}
	return &Service{
		db:       d.DB,
		ledger:   ledger,
		reports:  repository.NewReportRepository(d.DB),
		subs:     repository.NewSubscriptionRepository(d.DB),
		notifier: d.Notifier,
		signer:   d.Signer,
		rdb:      d.Redis,
	}
}

// Submit validates and prices the order, then creates the pending report and
// debits its cost in one transaction. Nothing is written when any step fails.
func (s *Service) Submit(ctx context.Context, userID uint, in SubmitInput) (*models.ReportRequest, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		metrics.ReportSubmitFailures.WithLabelValues("validation").Inc()
		return nil, err
	}

	hasAPIAccess, err := s.hasAPIAccess(ctx, userID)
	if err != nil {
		metrics.ReportSubmitFailures.WithLabelValues("persistence").Inc()
		return nil, err
	}

	cost, err := credits.CalculateCost(in.ReportConfig(hasAPIAccess))
	if err != nil {
		metrics.ReportSubmitFailures.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	report := &models.ReportRequest{
		UserID:           userID,
		Title:            in.Title,
		AssetType:        in.AssetType,
		AssetSymbol:      in.AssetSymbol,
		ReportType:       in.ReportType,
		IncludeBenchmark: in.IncludeBenchmark,
		IncludeAPIExport: in.IncludeAPIExport,
		CreditsCost:      cost,
		Status:           models.ReportStatusPending,
	}
	description := fmt.Sprintf("Report: %s (%s)", in.Title, in.AssetSymbol)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.reports.WithTx(tx).Create(report); err != nil {
			return fmt.Errorf("create report: %w: %w", credits.ErrPersistence, err)
		}
		_, err := s.ledger.DebitTx(tx, userID, cost, description, &report.ID)
		return err
	})
	if err != nil {
		metrics.ReportSubmitFailures.WithLabelValues(failureReason(err)).Inc()
		if !errors.Is(err, credits.ErrInsufficientCredits) && !errors.Is(err, credits.ErrPersistence) {
			err = fmt.Errorf("submit report: %w: %w", credits.ErrPersistence, err)
		}
		return nil, err
	}

	metrics.ReportsSubmitted.WithLabelValues(string(report.ReportType)).Inc()
	log.Infof("[Reports] User %d ordered %s report %s for %s (%d credits)",
		userID, report.ReportType, report.UUID, report.AssetSymbol, cost)

	s.notify(ctx, report, false)
	return report, nil
}

// Quote prices an order for the user without writing anything.
func (s *Service) Quote(ctx context.Context, userID uint, cfg credits.ReportConfig) (credits.CostBreakdown, error) {
	hasAPIAccess, err := s.hasAPIAccess(ctx, userID)
	if err != nil {
		return credits.CostBreakdown{}, err
	}
	cfg.HasAPIAccess = hasAPIAccess
	return credits.Quote(cfg)
}

// Get returns one of the user's reports.
func (s *Service) Get(ctx context.Context, userID uint, uuid string) (*models.ReportRequest, error) {
	return s.repo(ctx).GetByUUIDForUser(userID, uuid)
}

// List returns a page of the user's reports and the total count.
func (s *Service) List(ctx context.Context, userID uint, filter repository.ReportFilter) ([]models.ReportRequest, int64, error) {
	return s.repo(ctx).ListByUser(userID, filter)
}

// Refund books a refund for a failed report. Each report is refunded at most once.
func (s *Service) Refund(ctx context.Context, uuid string, actorID uint) (*models.CreditTransaction, error) {
	var entry *models.CreditTransaction
	var report *models.ReportRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.reports.WithTx(tx)
		var err error
		report, err = repo.GetByUUIDForUpdate(uuid)
		if err != nil {
			return err
		}
		if report.IsRefunded() {
			return ErrAlreadyRefunded
		}
		if report.Status != models.ReportStatusFailed {
			return ErrNotRefundable
		}

		ok, err := repo.MarkRefunded(report.ID, time.Now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyRefunded
		}

		entry, err = s.ledger.CreditTx(tx, report.UserID, report.CreditsCost,
			fmt.Sprintf("Refund: %s (%s)", report.Title, report.AssetSymbol),
			models.TransactionRefund,
			credits.WithReport(report.ID),
			credits.WithExternalRef("refund:"+report.UUID),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Infof("[Reports] Admin %d refunded %d credits for report %s to user %d",
		actorID, report.CreditsCost, report.UUID, report.UserID)
	return entry, nil
}

// Retry puts a failed report back into the queue. The captured cost stays booked.
func (s *Service) Retry(ctx context.Context, uuid string) (*models.ReportRequest, error) {
	repo := s.repo(ctx)
	report, err := repo.GetByUUID(uuid)
	if err != nil {
		return nil, err
	}
	if report.IsRefunded() {
		return nil, ErrAlreadyRefunded
	}
	if report.Status != models.ReportStatusFailed {
		return nil, ErrNotRetryable
	}

	ok, err := repo.ResetForRetry(report.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRetryable
	}

	report, err = repo.GetByUUID(uuid)
	if err != nil {
		return nil, err
	}
	log.Infof("[Reports] Report %s reset to pending for retry", report.UUID)
	s.notify(ctx, report, true)
	return report, nil
}

// DownloadURL returns a presigned link to a completed report's PDF or CSV
// and counts the download.
func (s *Service) DownloadURL(ctx context.Context, userID uint, uuid, format string) (string, error) {
	report, err := s.Get(ctx, userID, uuid)
	if err != nil {
		return "", err
	}
	if report.Status != models.ReportStatusCompleted {
		return "", ErrReportNotReady
	}

	var key string
	switch format {
	case "", "pdf":
		key, format = report.PDFPath, "pdf"
	case "csv":
		key = report.CSVPath
	default:
		return "", credits.NewValidationError("format", "must be one of: pdf csv")
	}
	if key == "" || s.signer == nil {
		return "", ErrNoArtifact
	}

	filename := fmt.Sprintf("%s-%s.%s", report.AssetSymbol, report.ReportType, format)
	url, err := s.signer.PresignGet(ctx, key, path.Base(filename), DefaultDownloadTTL)
	if err != nil {
		return "", err
	}

	if s.rdb != nil {
		if err := counter.AddReportDownload(ctx, s.rdb, report.ID); err != nil {
			log.Warnf("[Reports] Failed to count download of %s: %v", report.UUID, err)
		}
	}
	return url, nil
}

func (s *Service) repo(ctx context.Context) repository.ReportRepository {
	return s.reports.WithTx(s.db.WithContext(ctx))
}

func (s *Service) hasAPIAccess(ctx context.Context, userID uint) (bool, error) {
	sub, err := s.subs.GetByUserID(userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load subscription: %w: %w", credits.ErrPersistence, err)
	}
	return sub.HasAPIAccess(), nil
}

// notify pushes the report to the generator queue. The pending row is the
// source of truth, so a failed push is only logged and picked up later by
// the requeue sweep.
func (s *Service) notify(ctx context.Context, report *models.ReportRequest, retry bool) {
	if s.notifier == nil {
		return
	}
	var err error
	if retry {
		err = s.notifier.Republish(ctx, report)
	} else {
		err = s.notifier.PublishPending(ctx, report)
	}
	if err != nil {
		metrics.QueueNotifyFailures.Inc()
		log.Warnf("[Reports] Failed to queue report %s: %v", report.UUID, err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, credits.ErrValidation):
		return "validation"
	case errors.Is(err, credits.ErrCapabilityDenied):
		return "capability_denied"
	case errors.Is(err, credits.ErrInsufficientCredits):
		return "insufficient_credits"
	default:
		return "persistence"
	}
}
