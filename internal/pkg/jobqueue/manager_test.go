package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/internal/pkg/metrics/counter"
	"github.com/finreport/finreport/internal/pkg/testutil"
)

func TestInitManager_Singleton(t *testing.T) {
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)

	managerMu.Lock()
	globalManager = nil
	managerMu.Unlock()
	t.Cleanup(func() {
		managerMu.Lock()
		globalManager = nil
		managerMu.Unlock()
	})

	assert.Nil(t, GetManager())

	m1 := InitManager(rdb, db, ManagerConfig{Workers: 1})
	m2 := InitManager(rdb, db, ManagerConfig{Workers: 4})
	assert.Same(t, m1, m2)
	assert.Same(t, m1, GetManager())
	assert.Equal(t, 1, m1.GetQueue().workers)
	assert.NotNil(t, m1.Publisher())
	assert.False(t, m1.IsRunning())
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(nil, nil, ManagerConfig{})
	assert.Equal(t, 5*time.Second, m.cfg.CounterFlushInterval)
	assert.Equal(t, 5*time.Minute, m.cfg.RequeueInterval)
	assert.Equal(t, DefaultWorkers, m.queue.workers)
}

func TestManager_StartStop(t *testing.T) {
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	m := NewManager(rdb, db, ManagerConfig{Workers: 1, RequeueAfterMinutes: 10})

	m.Start()
	assert.True(t, m.IsRunning())
	m.Start()

	m.Stop()
	assert.False(t, m.IsRunning())
	m.Stop()
}

func TestManager_StopFlushesCounters(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	m := NewManager(rdb, db, ManagerConfig{Workers: 1, CounterFlushInterval: time.Hour})

	u := testutil.CreateUser(t, db, "flush@example.com", models.ROLE_USER)
	r := &models.ReportRequest{UserID: u.ID, Title: "T", AssetType: models.AssetTypeFund, AssetSymbol: "VTI", ReportType: models.ReportTypeBaseline, CreditsCost: 15}
	require.NoError(t, db.Create(r).Error)

	m.Start()
	require.NoError(t, counter.AddReportDownload(ctx, rdb, r.ID))
	m.Stop()

	var got models.ReportRequest
	require.NoError(t, db.First(&got, r.ID).Error)
	assert.Equal(t, int64(1), got.DownloadCount)
}

func TestManager_EnqueueJobs(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	m := NewManager(rdb, db, ManagerConfig{Workers: 1, RequeueAfterMinutes: 20})

	requeue, err := m.EnqueueRequeuePending(ctx)
	require.NoError(t, err)
	payload, err := RequeuePendingJobPayloadFromMap(requeue.Payload)
	require.NoError(t, err)
	assert.Equal(t, 20, payload.OlderThanMinutes)
	assert.Equal(t, DefaultRequeueLimit, payload.Limit)

	audit, err := m.EnqueueLedgerAudit(ctx, 1, 3, 4)
	require.NoError(t, err)
	auditPayload, err := LedgerAuditJobPayloadFromMap(audit.Payload)
	require.NoError(t, err)
	assert.Equal(t, []uint{3, 4}, auditPayload.UserIDs)
	assert.Equal(t, uint(1), auditPayload.RequestedBy)

	size, err := m.GetQueue().GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}
