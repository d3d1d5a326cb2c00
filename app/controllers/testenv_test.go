package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/billing"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/jobqueue"
	"github.com/finreport/finreport/internal/pkg/middleware"
	"github.com/finreport/finreport/internal/pkg/reports"
	"github.com/finreport/finreport/internal/pkg/testutil"
)

const testWebhookSecret = "test-webhook-secret"

type fakeSigner struct{}

func (fakeSigner) PresignGet(_ context.Context, key, filename string, ttl time.Duration) (string, error) {
	return "https://artifacts.test/" + key + "?filename=" + filename, nil
}

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	deps     Deps
	user     *models.User
	admin    *models.User
	userKey  string
	adminKey string
}

// newTestEnv wires the API the way the router does, on SQLite and miniredis.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.NewDB(t)
	mr, rdb := testutil.NewRedis(t)

	ledger := credits.NewLedger(db)
	jobs := jobqueue.NewManager(rdb, db, jobqueue.ManagerConfig{Workers: 1})
	deps := Deps{
		DB:     db,
		Redis:  rdb,
		Ledger: ledger,
		Reports: reports.NewService(reports.Deps{
			DB:       db,
			Ledger:   ledger,
			Notifier: jobs.Publisher(),
			Signer:   fakeSigner{},
			Redis:    rdb,
		}),
		Projector:     reports.NewProjector(db, rdb),
		Billing:       billing.NewServiceFromDB(db),
		Jobs:          jobs,
		WebhookSecret: testWebhookSecret,
	}

	env := &testEnv{db: db, mr: mr, rdb: rdb, deps: deps}
	users := repository.NewUserRepository(db)
	env.user, env.userKey = issueKey(t, db, users, "analyst@example.com", models.ROLE_USER)
	env.admin, env.adminKey = issueKey(t, db, users, "ops@example.com", models.ROLE_ADMIN)

	app := fiber.New()
	user := NewUserController(deps)
	cc := NewCreditsController(deps)
	rc := NewReportsController(deps)
	ac := NewAdminController(deps)
	wc := NewWebhookController(deps)

	app.Post("/webhooks/billing", wc.HandleBillingWebhook)
	v1 := app.Group("/api/v1", middleware.APIKeyAuthMiddleware(users), middleware.RequireAuth)
	v1.Get("/account", user.HandleGetUserAccount)
	v1.Get("/credits", cc.HandleGetCredits)
	v1.Get("/credits/transactions", cc.HandleGetTransactions)
	v1.Get("/credits/packs", cc.HandleGetPacks)
	v1.Get("/credits/cost", cc.HandleGetCost)
	v1.Post("/reports", rc.HandleSubmitReport)
	v1.Get("/reports", rc.HandleListReports)
	v1.Get("/reports/:uuid", rc.HandleGetReport)
	v1.Get("/reports/:uuid/download", rc.HandleDownloadReport)

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

	env.app = app
	return env
}

func issueKey(t *testing.T, db *gorm.DB, users repository.UserRepository, email, role string) (*models.User, string) {
	t.Helper()
	u := testutil.CreateUser(t, db, email, role)
	key, err := u.IssueAPIKey()
	require.NoError(t, err)
	require.NoError(t, users.Update(u))
	return u, key
}

// call performs a request and decodes the JSON object response.
func (e *testEnv) call(t *testing.T, method, path, apiKey string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := e.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func (e *testEnv) balance(t *testing.T, userID uint) int64 {
	t.Helper()
	b, err := e.deps.Ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func detailedReport() map[string]interface{} {
	return map[string]interface{}{
		"title":        "Apple deep dive",
		"asset_type":   "stock",
		"asset_symbol": "aapl",
		"report_type":  "detailed",
	}
}

func uintStr(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
