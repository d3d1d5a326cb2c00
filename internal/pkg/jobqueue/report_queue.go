package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finreport/finreport/app/models"
)

const (
	// ReportQueueKey is the list the external report generator pops from.
	ReportQueueKey      = "report_queue"
	ReportQueueStatsKey = "report_queue_stats"
)

// ReportJob is the message the report generator receives for a pending report.
// The database row stays authoritative; the generator claims it by moving
// status from pending to processing, so duplicate messages are harmless.
type ReportJob struct {
	ReportID    uint              `json:"report_id"`
	ReportUUID  string            `json:"report_uuid"`
	UserID      uint              `json:"user_id"`
	ReportType  models.ReportType `json:"report_type"`
	AssetType   models.AssetType  `json:"asset_type"`
	AssetSymbol string            `json:"asset_symbol"`
	CreditsCost int64             `json:"credits_cost"`
	Attempt     int               `json:"attempt"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// ReportPublisher pushes pending reports to the generator queue
type ReportPublisher struct {
	client *redis.Client
}

// NewReportPublisher creates a publisher on the given Redis client
func NewReportPublisher(client *redis.Client) *ReportPublisher {
	return &ReportPublisher{client: client}
}

// PublishPending announces a pending report to the generator.
func (p *ReportPublisher) PublishPending(ctx context.Context, report *models.ReportRequest) error {
	return p.publish(ctx, report, "published")
}

// Republish announces a report again after a retry or a stale-pending sweep.
func (p *ReportPublisher) Republish(ctx context.Context, report *models.ReportRequest) error {
	return p.publish(ctx, report, "republished")
}

func (p *ReportPublisher) publish(ctx context.Context, report *models.ReportRequest, stat string) error {
	msg := ReportJob{
		ReportID:    report.ID,
		ReportUUID:  report.UUID,
		UserID:      report.UserID,
		ReportType:  report.ReportType,
		AssetType:   report.AssetType,
		AssetSymbol: report.AssetSymbol,
		CreditsCost: report.CreditsCost,
		Attempt:     1,
		EnqueuedAt:  time.Now().UTC(),
	}
	if stat == "republished" {
		msg.Attempt = 2
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal report job: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, ReportQueueKey, data)
	pipe.HIncrBy(ctx, ReportQueueStatsKey, stat, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish report %s: %w", report.UUID, err)
	}
	return nil
}

// ReportQueueStats is a snapshot of the generator queue for the admin monitor.
type ReportQueueStats struct {
	Waiting  int64            `json:"waiting"`
	Counters map[string]int64 `json:"counters"`
	Next     []ReportJob      `json:"next"`
}

// Stats returns the queue depth, publish counters and the next messages in line.
func (p *ReportPublisher) Stats(ctx context.Context, peek int64) (*ReportQueueStats, error) {
	waiting, err := p.client.LLen(ctx, ReportQueueKey).Result()
	if err != nil {
		return nil, err
	}
	counters, err := hashCounts[string](ctx, p.client, ReportQueueStatsKey)
	if err != nil {
		return nil, err
	}

	stats := &ReportQueueStats{Waiting: waiting, Counters: counters, Next: []ReportJob{}}
	if peek <= 0 {
		return stats, nil
	}
	raw, err := p.client.LRange(ctx, ReportQueueKey, -peek, -1).Result()
	if err != nil {
		return nil, err
	}
	// the generator pops from the right, so the tail comes first
	for i := len(raw) - 1; i >= 0; i-- {
		var job ReportJob
		if err := json.Unmarshal([]byte(raw[i]), &job); err == nil {
			stats.Next = append(stats.Next, job)
		}
	}
	return stats, nil
}
