package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis keys for in-process background jobs
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobStatsKey      = "job_stats"

	DefaultMaxRetries = 3
	DefaultWorkers    = 2
	JobTTL            = 24 * time.Hour
)

// Handler runs one job. It may store a summary in job.Result.
type Handler func(ctx context.Context, job *Job) error

// Queue runs background jobs stored in Redis with a fixed worker pool
type Queue struct {
	client     *redis.Client
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	handlers   map[JobType]Handler
	retryDelay time.Duration
}

// NewQueue creates a job queue on the given Redis client
func NewQueue(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Queue{
		client:     client,
		workers:    workers,
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
		handlers:   make(map[JobType]Handler),
		retryDelay: time.Minute,
	}
}

// Handle registers the handler for a job type. Registration must happen before Start.
func (q *Queue) Handle(jobType JobType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, time.Minute)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[JobQueue] All workers stopped")
}

// stuckSweeper requeues jobs that stayed in processing longer than maxAge, e.g. after a crash
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if n, err := q.RecoverStuck(context.Background(), maxAge); err != nil {
				log.Errorf("[JobQueue] Sweeper error: %v", err)
			} else if n > 0 {
				log.Warnf("[JobQueue] Recovered %d stuck jobs", n)
			}
		}
	}
}

// RecoverStuck moves processing jobs older than maxAge back to the queue and
// drops processing entries whose job data is gone.
func (q *Queue) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, job)
		_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
		if err := q.client.RPush(ctx, JobQueueKey, id).Err(); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.workerPool:
		}

		job, err := q.dequeueJob(ctx)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Worker %d: error dequeuing job: %v", id, err)
				time.Sleep(time.Second)
			}
			q.workerPool <- struct{}{}
			continue
		}

		log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.ID, job.Type)
		q.ProcessJob(ctx, job)
		q.workerPool <- struct{}{}
	}
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// dequeueJob moves the next job id to the processing list and loads its data
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.removeFromProcessing(ctx, jobID)
		return nil, fmt.Errorf("job data not found for ID %s: %w", jobID, err)
	}
	return job, nil
}

// ProcessJob runs the registered handler and records the outcome
func (q *Queue) ProcessJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	q.mu.Lock()
	h, ok := q.handlers[job.Type]
	q.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("unknown job type: %s", job.Type)
	} else {
		err = h(ctx, job)
	}

	if err != nil {
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())

		if ok && job.IsRetryable() {
			log.Infof("[JobQueue] Retrying job %s (Attempt %d/%d)", job.ID, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			jobID := job.ID
			time.AfterFunc(q.retryDelay*time.Duration(job.RetryCount), func() {
				_ = q.client.LPush(context.Background(), JobQueueKey, jobID).Err()
			})
		} else {
			q.updateJobStats(ctx, JobStatusFailed, 1)
		}
	} else {
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
	}

	q.updateJob(ctx, job)
	q.removeFromProcessing(ctx, job.ID)
}

func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns counters by job status
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	return hashCounts[JobStatus](ctx, q.client, JobStatsKey)
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

func hashCounts[K ~string](ctx context.Context, client *redis.Client, key string) (map[K]int64, error) {
	stats, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[K]int64, len(stats))
	for k, v := range stats {
		if n, err := json.Number(v).Int64(); err == nil {
			result[K(k)] = n
		}
	}
	return result, nil
}
