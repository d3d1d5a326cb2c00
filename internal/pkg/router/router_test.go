package router

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finreport/finreport/app/controllers"
	"github.com/finreport/finreport/internal/pkg/billing"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/reports"
	"github.com/finreport/finreport/internal/pkg/testutil"
)

func newTestApp(t *testing.T, rateLimit string) *fiber.App {
	t.Helper()
	t.Setenv("API_RATE_LIMIT_STORAGE", "memory")
	t.Setenv("API_RATE_LIMIT_PER_MINUTE", rateLimit)

	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	ledger := credits.NewLedger(db)
	deps := controllers.Deps{
		DB:        db,
		Redis:     rdb,
		Ledger:    ledger,
		Reports:   reports.NewService(reports.Deps{DB: db, Ledger: ledger}),
		Projector: reports.NewProjector(db, rdb),
		Billing:   billing.NewServiceFromDB(db),
	}

	app := fiber.New()
	InstallRouter(app, deps)
	return app
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t, "100")

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAPIRequiresKey(t *testing.T) {
	app := newTestApp(t, "100")

	for _, path := range []string{"/api/v1/credits", "/api/v1/reports", "/api/v1/admin/stats", "/api/v1/admin/reports", "/api/v1/admin/users"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestAPIRateLimit(t *testing.T) {
	app := newTestApp(t, "2")

	var last int
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/", nil))
		require.NoError(t, err)
		last = resp.StatusCode
	}
	assert.Equal(t, fiber.StatusTooManyRequests, last)
}

func TestWebhookRejectsUnsigned(t *testing.T) {
	app := newTestApp(t, "100")
	resp, err := app.Test(httptest.NewRequest("POST", "/webhooks/billing", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
