package controllers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/internal/pkg/testutil"
)

func TestHandleGetCredits(t *testing.T) {
	env := newTestEnv(t)
	testutil.SetBalance(t, env.db, env.user.ID, 42)

	status, body := env.call(t, "GET", "/api/v1/credits", env.userKey, nil)
	require.Equal(t, 200, status)
	assert.Equal(t, float64(42), body["balance"])
	sub := body["subscription"].(map[string]interface{})
	assert.Equal(t, "free", sub["plan"])
	assert.Equal(t, false, sub["api_access"])
}

func TestHandleGetCredits_Subscribed(t *testing.T) {
	env := newTestEnv(t)
	testutil.SetSubscription(t, env.db, env.user.ID, models.PlanProfessional, true, true)

	status, body := env.call(t, "GET", "/api/v1/credits", env.userKey, nil)
	require.Equal(t, 200, status)
	assert.Equal(t, float64(0), body["balance"])
	sub := body["subscription"].(map[string]interface{})
	assert.Equal(t, "professional", sub["plan"])
	assert.Equal(t, true, sub["api_access"])
	assert.Equal(t, float64(500), sub["monthly_credits"])
}

func TestHandleGetCredits_RequiresKey(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.call(t, "GET", "/api/v1/credits", "", nil)
	assert.Equal(t, 401, status)
	assert.Equal(t, "unauthorized", body["error"])
}

func TestHandleGetTransactions(t *testing.T) {
	env := newTestEnv(t)
	testutil.SetBalance(t, env.db, env.user.ID, 100)
	for i := 0; i < 3; i++ {
		_, err := env.deps.Ledger.Debit(context.Background(), env.user.ID, 10, "usage", nil)
		require.NoError(t, err)
	}

	status, body := env.call(t, "GET", "/api/v1/credits/transactions?limit=2", env.userKey, nil)
	require.Equal(t, 200, status)
	assert.Equal(t, float64(4), body["total"])
	assert.Equal(t, float64(2), body["limit"])
	txs := body["transactions"].([]interface{})
	require.Len(t, txs, 2)
	newest := txs[0].(map[string]interface{})
	assert.Equal(t, float64(-10), newest["amount"])
	assert.Equal(t, float64(70), newest["balance_after"])
}

func TestHandleGetPacks(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.call(t, "GET", "/api/v1/credits/packs", env.userKey, nil)
	require.Equal(t, 200, status)
	assert.Len(t, body["packs"], 3)
	assert.Contains(t, body["buy_credits_url"], "/credits/packs")
}

func TestHandleGetCost(t *testing.T) {
	env := newTestEnv(t)
	testutil.SetBalance(t, env.db, env.user.ID, 30)

	status, body := env.call(t, "GET", "/api/v1/credits/cost?report_type=baseline&include_benchmark=true", env.userKey, nil)
	require.Equal(t, 200, status)
	cost := body["cost"].(map[string]interface{})
	assert.Equal(t, float64(15), cost["base"])
	assert.Equal(t, float64(12), cost["benchmark"])
	assert.Equal(t, float64(27), cost["total"])
	assert.Equal(t, true, body["affordable"])

	status, body = env.call(t, "GET", "/api/v1/credits/cost?report_type=baseline&include_api_export=true", env.userKey, nil)
	assert.Equal(t, 403, status)
	assert.Equal(t, "capability_denied", body["error"])
	assert.Contains(t, body["upgrade_url"], "/pricing")

	status, body = env.call(t, "GET", "/api/v1/credits/cost?report_type=custom", env.userKey, nil)
	assert.Equal(t, 400, status)
	assert.Contains(t, body["fields"], "report_type")

	status, _ = env.call(t, "GET", "/api/v1/credits/cost", env.userKey, nil)
	assert.Equal(t, 400, status)
}

func TestHandleGetCost_WithAPIAccess(t *testing.T) {
	env := newTestEnv(t)
	testutil.SetSubscription(t, env.db, env.user.ID, models.PlanProfessional, true, true)

	status, body := env.call(t, "GET", "/api/v1/credits/cost?report_type=baseline&include_benchmark=1&include_api_export=1", env.userKey, nil)
	require.Equal(t, 200, status)
	cost := body["cost"].(map[string]interface{})
	assert.Equal(t, float64(32), cost["total"])
	assert.Equal(t, false, body["affordable"])
}

func TestHandleGetUserAccount(t *testing.T) {
	env := newTestEnv(t)
	testutil.SetBalance(t, env.db, env.user.ID, 7)

	status, body := env.call(t, "GET", "/api/v1/account", env.userKey, nil)
	require.Equal(t, 200, status)
	assert.Equal(t, "analyst@example.com", body["email"])
	assert.Equal(t, "user", body["role"])
	assert.NotEmpty(t, body["api_key_prefix"])
	assert.Equal(t, float64(7), body["credits"].(map[string]interface{})["balance"])
}

func TestFormatTimePtr(t *testing.T) {
	assert.Nil(t, formatTimePtr(nil))
}
