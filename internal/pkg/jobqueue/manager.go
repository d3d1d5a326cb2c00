package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/credits"
	"github.com/finreport/finreport/internal/pkg/env"
	"github.com/finreport/finreport/internal/pkg/metrics/counter"
)

// ManagerConfig controls the worker count and the background tickers.
type ManagerConfig struct {
	Workers              int
	CounterFlushInterval time.Duration
	RequeueInterval      time.Duration
	RequeueAfterMinutes  int
}

// ConfigFromEnv reads the manager settings from the environment.
func ConfigFromEnv() ManagerConfig {
	return ManagerConfig{
		Workers:              env.GetEnvInt("JOBQUEUE_WORKERS", DefaultWorkers),
		CounterFlushInterval: time.Duration(env.GetEnvInt("COUNTER_FLUSH_SECONDS", 5)) * time.Second,
		RequeueInterval:      time.Duration(env.GetEnvInt("REQUEUE_INTERVAL_MINUTES", 5)) * time.Minute,
		RequeueAfterMinutes:  env.GetEnvInt("REQUEUE_PENDING_AFTER_MINUTES", DefaultRequeueAfterMinutes),
	}
}

// Manager manages the job queue and background tasks
type Manager struct {
	queue     *Queue
	publisher *ReportPublisher
	client    *redis.Client
	db        *gorm.DB
	cfg       ManagerConfig

	counterFlushTicker *time.Ticker
	requeueTicker      *time.Ticker
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
}

var (
	globalManager *Manager
	managerMu     sync.Mutex
)

// NewManager wires the queue, the report publisher and the built-in handlers.
func NewManager(client *redis.Client, db *gorm.DB, cfg ManagerConfig) *Manager {
	if cfg.CounterFlushInterval <= 0 {
		cfg.CounterFlushInterval = 5 * time.Second
	}
	if cfg.RequeueInterval <= 0 {
		cfg.RequeueInterval = 5 * time.Minute
	}

	queue := NewQueue(client, cfg.Workers)
	publisher := NewReportPublisher(client)
	procs := &Processors{
		Ledger:    credits.NewLedger(db),
		Reports:   repository.NewReportRepository(db),
		Publisher: publisher,
	}
	procs.Register(queue)

	return &Manager{
		queue:     queue,
		publisher: publisher,
		client:    client,
		db:        db,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// InitManager creates the global manager. Later calls return the first instance.
func InitManager(client *redis.Client, db *gorm.DB, cfg ManagerConfig) *Manager {
	managerMu.Lock()
	defer managerMu.Unlock()
	if globalManager == nil {
		globalManager = NewManager(client, db, cfg)
	}
	return globalManager
}

// GetManager returns the global manager, or nil before InitManager.
func GetManager() *Manager {
	managerMu.Lock()
	defer managerMu.Unlock()
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Publisher returns the report generator queue publisher
func (m *Manager) Publisher() *ReportPublisher {
	return m.publisher
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.counterFlushTicker = time.NewTicker(m.cfg.CounterFlushInterval)
	m.wg.Add(1)
	go m.counterFlushWorker(m.counterFlushTicker, m.stopCh)

	m.requeueTicker = time.NewTicker(m.cfg.RequeueInterval)
	m.wg.Add(1)
	go m.requeueWorker(m.requeueTicker, m.stopCh)

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	m.counterFlushTicker.Stop()
	m.requeueTicker.Stop()

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	// last flush so buffered download counts are not lost on shutdown
	if err := m.FlushCounters(context.Background()); err != nil {
		log.Errorf("[JobQueue Manager] Final counter flush error: %v", err)
	}
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// FlushCounters writes buffered Redis counters to the database once.
func (m *Manager) FlushCounters(ctx context.Context) error {
	return counter.FlushAll(ctx, m.client, m.db)
}

// EnqueueRequeuePending schedules a sweep for stale pending reports.
func (m *Manager) EnqueueRequeuePending(ctx context.Context) (*Job, error) {
	payload := RequeuePendingJobPayload{
		OlderThanMinutes: m.cfg.RequeueAfterMinutes,
		Limit:            DefaultRequeueLimit,
	}
	return m.queue.EnqueueJob(ctx, JobTypeRequeuePending, payload.ToMap())
}

// EnqueueLedgerAudit schedules a ledger replay. No user ids audits every account.
func (m *Manager) EnqueueLedgerAudit(ctx context.Context, requestedBy uint, userIDs ...uint) (*Job, error) {
	payload := LedgerAuditJobPayload{UserIDs: userIDs, RequestedBy: requestedBy}
	return m.queue.EnqueueJob(ctx, JobTypeLedgerAudit, payload.ToMap())
}

func (m *Manager) counterFlushWorker(ticker *time.Ticker, stopCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Counter flush worker stopping")
			return
		case <-ticker.C:
			if err := m.FlushCounters(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
		}
	}
}

func (m *Manager) requeueWorker(ticker *time.Ticker, stopCh <-chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started requeue worker (interval: %s)", m.cfg.RequeueInterval)
	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Requeue worker stopping")
			return
		case <-ticker.C:
			if _, err := m.EnqueueRequeuePending(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Failed to enqueue requeue sweep: %v", err)
			}
		}
	}
}
