package billing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/testutil"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *credits.Ledger) {
	t.Helper()
	db := testutil.NewDB(t)
	ledger := credits.NewLedger(db)
	return NewService(NewRepository(db), ledger), db, ledger
}

func polarPayload(t *testing.T, typ string, data map[string]interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{"type": typ, "data": data})
	require.NoError(t, err)
	return b
}

func TestHandlePolarEvent_SubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, db, ledger := newTestService(t)
	u := testutil.CreateUser(t, db, "buyer@example.com", models.ROLE_USER)

	created := polarPayload(t, EventSubscriptionCreated, map[string]interface{}{
		"id":                 "sub_1",
		"user_id":            "cus_1",
		"status":             "active",
		"current_period_end": "2026-11-01T00:00:00Z",
		"product":            map[string]interface{}{"id": "prod_pro", "name": "Professional"},
		"customer":           map[string]interface{}{"email": "buyer@example.com"},
	})

	typ, err := svc.HandlePolarEvent(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionCreated, typ)

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", u.ID).First(&sub).Error)
	assert.Equal(t, models.PlanProfessional, sub.Plan)
	assert.True(t, sub.IsActive)
	assert.True(t, sub.APIAccess)
	assert.Equal(t, "cus_1", sub.ProviderCustomerID)
	assert.Equal(t, "prod_pro", sub.ProviderProductID)
	require.NotNil(t, sub.RenewsAt)

	acc, err := ledger.Account(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), acc.Balance)
	assert.Equal(t, int64(500), acc.MonthlyCredits)
	assert.NotNil(t, acc.LastRecharge)

	// the same period is only recharged once
	updated := polarPayload(t, EventSubscriptionUpdated, map[string]interface{}{
		"id":                 "sub_1",
		"user_id":            "cus_1",
		"status":             "active",
		"current_period_end": "2026-11-01T00:00:00Z",
		"product":            map[string]interface{}{"id": "prod_pro", "name": "Professional"},
	})
	_, err = svc.HandlePolarEvent(ctx, updated)
	require.NoError(t, err)
	balance, err := ledger.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	// a renewal adds the monthly credits on top of what is left
	renewed := polarPayload(t, EventSubscriptionUpdated, map[string]interface{}{
		"id":                 "sub_1",
		"user_id":            "cus_1",
		"status":             "active",
		"current_period_end": "2026-12-01T00:00:00Z",
		"product":            map[string]interface{}{"id": "prod_pro", "name": "Professional"},
	})
	_, err = svc.HandlePolarEvent(ctx, renewed)
	require.NoError(t, err)
	balance, err = ledger.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	canceled := polarPayload(t, EventSubscriptionCanceled, map[string]interface{}{
		"id":      "sub_1",
		"user_id": "cus_1",
	})
	_, err = svc.HandlePolarEvent(ctx, canceled)
	require.NoError(t, err)

	require.NoError(t, db.Where("user_id = ?", u.ID).First(&sub).Error)
	assert.False(t, sub.IsActive)
	assert.False(t, sub.APIAccess)
	assert.NotNil(t, sub.CancelledAt)

	acc, err = ledger.Account(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acc.Balance)
	assert.Zero(t, acc.MonthlyCredits)

	audit, err := ledger.Audit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, audit.Entries)
}

func TestHandlePolarEvent_OrderCreated(t *testing.T) {
	ctx := context.Background()
	svc, db, ledger := newTestService(t)
	u := testutil.CreateUser(t, db, "packs@example.com", models.ROLE_USER)

	order := polarPayload(t, EventOrderCreated, map[string]interface{}{
		"id":       "ord_42",
		"product":  map[string]interface{}{"name": "500-credits"},
		"customer": map[string]interface{}{"email": "packs@example.com"},
	})
	_, err := svc.HandlePolarEvent(ctx, order)
	require.NoError(t, err)
	_, err = svc.HandlePolarEvent(ctx, order)
	require.NoError(t, err)

	balance, err := ledger.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	var entry models.CreditTransaction
	require.NoError(t, db.Where("user_id = ?", u.ID).First(&entry).Error)
	assert.Equal(t, models.TransactionPackPurchase, entry.Type)
	assert.Equal(t, "order:ord_42", entry.ExternalRef)

	// orders for plans are not credit packs
	planOrder := polarPayload(t, EventOrderCreated, map[string]interface{}{
		"id":       "ord_43",
		"product":  map[string]interface{}{"name": "Starter"},
		"customer": map[string]interface{}{"email": "packs@example.com"},
	})
	_, err = svc.HandlePolarEvent(ctx, planOrder)
	require.NoError(t, err)
	balance, err = ledger.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestApplyPackPurchase_ConcurrentRedeliveriesCreditOnce(t *testing.T) {
	ctx := context.Background()
	svc, db, ledger := newTestService(t)
	u := testutil.CreateUser(t, db, "race@example.com", models.ROLE_USER)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyPackPurchase(ctx, u.ID, "100-credits", "ord_1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := ledger.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	var count int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND external_ref = ?", u.ID, "order:ord_1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	entry, err := svc.ApplyPackPurchase(ctx, u.ID, "100-credits", "ord_1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestHandlePolarEvent_UnknownCustomer(t *testing.T) {
	svc, _, _ := newTestService(t)

	order := polarPayload(t, EventOrderCreated, map[string]interface{}{
		"id":       "ord_1",
		"product":  map[string]interface{}{"name": "100-credits"},
		"customer": map[string]interface{}{"email": "nobody@example.com"},
	})
	_, err := svc.HandlePolarEvent(context.Background(), order)
	assert.ErrorIs(t, err, ErrUnknownCustomer)
}

func TestHandlePolarEvent_Unhandled(t *testing.T) {
	svc, _, _ := newTestService(t)

	typ, err := svc.HandlePolarEvent(context.Background(), []byte(`{"type":"checkout.created","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "checkout.created", typ)

	_, err = svc.HandlePolarEvent(context.Background(), []byte(`not json`))
	assert.Error(t, err)
}

func TestSyncSubscription_InactiveDoesNotRecharge(t *testing.T) {
	ctx := context.Background()
	svc, db, ledger := newTestService(t)
	u := testutil.CreateUser(t, db, "trial@example.com", models.ROLE_USER)

	sub, entry, err := svc.SyncSubscription(ctx, NormalizedSubscription{
		UserID:      u.ID,
		Provider:    "Polar",
		ProductName: "starter",
		Status:      "incomplete",
	})
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.False(t, sub.IsActive)
	assert.False(t, sub.APIAccess)
	assert.Equal(t, models.BillingProviderPolar, sub.Provider)

	balance, err := ledger.GetBalance(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestToggleSubscription(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t)
	u := testutil.CreateUser(t, db, "toggle@example.com", models.ROLE_USER)
	testutil.SetSubscription(t, db, u.ID, models.PlanStarter, true, true)

	sub, err := svc.ToggleSubscription(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, sub.IsActive)
	assert.False(t, sub.APIAccess)
	assert.NotNil(t, sub.CancelledAt)

	sub, err = svc.ToggleSubscription(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, sub.IsActive)
	assert.True(t, sub.APIAccess)
	assert.Nil(t, sub.CancelledAt)

	_, err = svc.ToggleSubscription(ctx, 9999)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRecordWebhookEvent_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	in := WebhookEventInput{
		Provider:        "polar",
		ProviderEventID: "msg_1",
		EventType:       EventOrderCreated,
		PayloadJSON:     `{"type":"order.created"}`,
		SignatureValid:  true,
	}
	created, event, err := svc.RecordWebhookEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, event.ProcessedAt)

	require.NoError(t, svc.MarkWebhookProcessed(ctx, event.ID, nil))

	created, again, err := svc.RecordWebhookEvent(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, event.ID, again.ID)
	assert.NotNil(t, again.ProcessedAt)
	assert.Empty(t, again.ProcessingError)

	// events without an id are keyed by payload hash
	in.ProviderEventID = ""
	created, hashed, err := svc.RecordWebhookEvent(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, hashed.ProviderEventID, "hash:")
}

func TestRechargeRef(t *testing.T) {
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "polar:sub:sub_1:2026-11-01", rechargeRef("polar", "sub_1", &end))
	assert.Equal(t, "polar:sub:sub_1:none", rechargeRef("polar", "sub_1", nil))
}
