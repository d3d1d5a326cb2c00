package reports

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/metrics/counter"
	"github.com/finreport/finreport/internal/pkg/testutil"
)

type fakeNotifier struct {
	mu          sync.Mutex
	published   []string
	republished []string
	err         error
}

func (f *fakeNotifier) PublishPending(_ context.Context, r *models.ReportRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, r.UUID)
	return f.err
}

func (f *fakeNotifier) Republish(_ context.Context, r *models.ReportRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.republished = append(f.republished, r.UUID)
	return f.err
}

type fakeSigner struct {
	key      string
	filename string
}

func (f *fakeSigner) PresignGet(_ context.Context, key, filename string, _ time.Duration) (string, error) {
	f.key, f.filename = key, filename
	return "https://files.example.com/" + key + "?sig=1", nil
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	ledger   *credits.Ledger
	notifier *fakeNotifier
	signer   *fakeSigner
	user     *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	f := &fixture{
		db:       db,
		ledger:   credits.NewLedger(db),
		notifier: &fakeNotifier{},
		signer:   &fakeSigner{},
		user:     testutil.CreateUser(t, db, "analyst@example.com", models.ROLE_USER),
	}
	f.svc = NewService(Deps{DB: db, Ledger: f.ledger, Notifier: f.notifier, Signer: f.signer, Redis: rdb})
	return f
}

func (f *fixture) counts(t *testing.T) (reports, entries int64) {
	t.Helper()
	require.NoError(t, f.db.Model(&models.ReportRequest{}).Count(&reports).Error)
	require.NoError(t, f.db.Model(&models.CreditTransaction{}).Count(&entries).Error)
	return reports, entries
}

func detailedOrder() SubmitInput {
	return SubmitInput{
		Title:       "Microsoft deep dive",
		AssetType:   models.AssetTypeStock,
		AssetSymbol: "msft",
		ReportType:  models.ReportTypeDetailed,
	}
}

func TestSubmit_DebitsAndCreatesPendingReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.SetBalance(t, f.db, f.user.ID, 30)

	report, err := f.svc.Submit(ctx, f.user.ID, detailedOrder())
	require.NoError(t, err)

	assert.Equal(t, models.ReportStatusPending, report.Status)
	assert.Equal(t, int64(25), report.CreditsCost)
	assert.Equal(t, "MSFT", report.AssetSymbol)
	assert.NotEmpty(t, report.UUID)

	balance, err := f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	var usage []models.CreditTransaction
	require.NoError(t, f.db.Where("type = ?", models.TransactionReportUsage).Find(&usage).Error)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(-25), usage[0].Amount)
	assert.Equal(t, int64(5), usage[0].BalanceAfter)
	require.NotNil(t, usage[0].ReportID)
	assert.Equal(t, report.ID, *usage[0].ReportID)
	assert.Contains(t, usage[0].Description, "MSFT")

	assert.Equal(t, []string{report.UUID}, f.notifier.published)
}

func TestSubmit_InsufficientCreditsLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.SetBalance(t, f.db, f.user.ID, 10)
	reportsBefore, entriesBefore := f.counts(t)

	in := detailedOrder()
	in.ReportType = models.ReportTypeBenchmark
	_, err := f.svc.Submit(ctx, f.user.ID, in)
	require.Error(t, err)
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)

	var ice *credits.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, int64(20), ice.Required)
	assert.Equal(t, int64(10), ice.Available)

	reportsAfter, entriesAfter := f.counts(t)
	assert.Equal(t, reportsBefore, reportsAfter)
	assert.Equal(t, entriesBefore, entriesAfter)

	balance, err := f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
	assert.Empty(t, f.notifier.published)
}

func TestSubmit_APIExportRequiresAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.SetBalance(t, f.db, f.user.ID, 100)
	testutil.SetSubscription(t, f.db, f.user.ID, models.PlanFree, true, false)

	in := detailedOrder()
	in.IncludeAPIExport = true
	_, err := f.svc.Submit(ctx, f.user.ID, in)
	assert.ErrorIs(t, err, credits.ErrCapabilityDenied)

	balance, err := f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	reports, _ := f.counts(t)
	assert.Zero(t, reports)
}

func TestSubmit_AllOptionsWithAPIAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.SetBalance(t, f.db, f.user.ID, 100)
	testutil.SetSubscription(t, f.db, f.user.ID, models.PlanProfessional, true, true)

	report, err := f.svc.Submit(ctx, f.user.ID, SubmitInput{
		Title:            "S&P tracker",
		AssetType:        models.AssetTypeETF,
		AssetSymbol:      "SPY",
		ReportType:       models.ReportTypeBaseline,
		IncludeBenchmark: true,
		IncludeAPIExport: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(32), report.CreditsCost)

	balance, err := f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(68), balance)
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.SetBalance(t, f.db, f.user.ID, 100)

	tests := []struct {
		name  string
		in    SubmitInput
		field string
	}{
		{"missing title", SubmitInput{AssetType: "stock", AssetSymbol: "AAPL", ReportType: "baseline"}, "title"},
		{"bad asset type", SubmitInput{Title: "x", AssetType: "house", AssetSymbol: "AAPL", ReportType: "baseline"}, "asset_type"},
		{"missing symbol", SubmitInput{Title: "x", AssetType: "stock", AssetSymbol: "  ", ReportType: "baseline"}, "asset_symbol"},
		{"unknown report type", SubmitInput{Title: "x", AssetType: "stock", AssetSymbol: "AAPL", ReportType: "astrology"}, "report_type"},
		{"custom report type", SubmitInput{Title: "x", AssetType: "stock", AssetSymbol: "AAPL", ReportType: "custom"}, "report_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, f.user.ID, tt.in)
			require.ErrorIs(t, err, credits.ErrValidation)

			var verr *credits.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}

	reports, _ := f.counts(t)
	assert.Zero(t, reports)
}

func TestSubmit_NotifyFailureKeepsReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.err = errors.New("redis down")
	testutil.SetBalance(t, f.db, f.user.ID, 30)

	report, err := f.svc.Submit(ctx, f.user.ID, detailedOrder())
	require.NoError(t, err)

	stored, err := f.svc.Get(ctx, f.user.ID, report.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusPending, stored.Status)
}

func TestSubmit_ConcurrentOrdersNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.SetBalance(t, f.db, f.user.ID, 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, insufficient := 0, 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(ctx, f.user.ID, detailedOrder())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, credits.ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	assert.Equal(t, 4, insufficient)

	balance, err := f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Zero(t, balance)

	audit, err := f.ledger.Audit(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, audit.OK())
}

func TestGetAndList_ScopedToUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := testutil.CreateUser(t, f.db, "other@example.com", models.ROLE_USER)
	testutil.SetBalance(t, f.db, f.user.ID, 100)

	first, err := f.svc.Submit(ctx, f.user.ID, detailedOrder())
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, f.user.ID, detailedOrder())
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, other.ID, first.UUID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	list, total, err := f.svc.List(ctx, f.user.ID, repository.ReportFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, list, 1)
	assert.Equal(t, second.UUID, list[0].UUID)

	list, total, err = f.svc.List(ctx, f.user.ID, repository.ReportFilter{Status: models.ReportStatusCompleted})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)
}

func markFailed(t *testing.T, db *gorm.DB, r *models.ReportRequest) {
	t.Helper()
	require.NoError(t, db.Model(&models.ReportRequest{}).Where("id = ?", r.ID).Updates(map[string]interface{}{
		"status":         models.ReportStatusFailed,
		"failure_reason": "data provider timeout",
	}).Error)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.SetBalance(t, f.db, f.user.ID, 30)

	report, err := f.svc.Submit(ctx, f.user.ID, detailedOrder())
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, report.UUID, 1)
	assert.ErrorIs(t, err, ErrNotRefundable)

	markFailed(t, f.db, report)

	entry, err := f.svc.Refund(ctx, report.UUID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionRefund, entry.Type)
	assert.Equal(t, int64(25), entry.Amount)
	assert.Equal(t, int64(30), entry.BalanceAfter)
	require.NotNil(t, entry.ReportID)
	assert.Equal(t, report.ID, *entry.ReportID)

	_, err = f.svc.Refund(ctx, report.UUID, 1)
	assert.ErrorIs(t, err, ErrAlreadyRefunded)

	balance, err := f.ledger.GetBalance(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	_, err = f.svc.Refund(ctx, "does-not-exist", 1)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.SetBalance(t, f.db, f.user.ID, 60)

	report, err := f.svc.Submit(ctx, f.user.ID, detailedOrder())
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, report.UUID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	markFailed(t, f.db, report)
	retried, err := f.svc.Retry(ctx, report.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusPending, retried.Status)
	assert.Empty(t, retried.FailureReason)
	assert.Equal(t, int64(25), retried.CreditsCost)
	assert.Equal(t, []string{report.UUID}, f.notifier.republished)

	// a refunded report cannot be retried
	markFailed(t, f.db, report)
	_, err = f.svc.Refund(ctx, report.UUID, 1)
	require.NoError(t, err)
	_, err = f.svc.Retry(ctx, report.UUID)
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
}

func TestDownloadURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	testutil.SetBalance(t, f.db, f.user.ID, 30)

	report, err := f.svc.Submit(ctx, f.user.ID, detailedOrder())
	require.NoError(t, err)

	_, err = f.svc.DownloadURL(ctx, f.user.ID, report.UUID, "pdf")
	assert.ErrorIs(t, err, ErrReportNotReady)

	require.NoError(t, f.db.Model(&models.ReportRequest{}).Where("id = ?", report.ID).Updates(map[string]interface{}{
		"status":   models.ReportStatusCompleted,
		"pdf_path": "reports/msft.pdf",
	}).Error)

	url, err := f.svc.DownloadURL(ctx, f.user.ID, report.UUID, "")
	require.NoError(t, err)
	assert.Contains(t, url, "reports/msft.pdf")
	assert.Equal(t, "MSFT-detailed.pdf", f.signer.filename)

	_, err = f.svc.DownloadURL(ctx, f.user.ID, report.UUID, "csv")
	assert.ErrorIs(t, err, ErrNoArtifact)

	_, err = f.svc.DownloadURL(ctx, f.user.ID, report.UUID, "xlsx")
	assert.ErrorIs(t, err, credits.ErrValidation)

	pending, err := counter.PendingReportDownloads(ctx, f.svc.rdb, report.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestQuote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	q, err := f.svc.Quote(ctx, f.user.ID, credits.ReportConfig{ReportType: models.ReportTypeBaseline, IncludeBenchmark: true})
	require.NoError(t, err)
	assert.Equal(t, int64(27), q.Total)

	_, err = f.svc.Quote(ctx, f.user.ID, credits.ReportConfig{ReportType: models.ReportTypeBaseline, IncludeAPIExport: true, HasAPIAccess: true})
	assert.ErrorIs(t, err, credits.ErrCapabilityDenied)
}
