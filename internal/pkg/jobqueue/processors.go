package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/finreport/finreport/app/repository"
	"github.com/finreport/finreport/internal/pkg/credits"
)

const (
	DefaultRequeueAfterMinutes = 15
	DefaultRequeueLimit        = 100
)

// Processors holds the dependencies of the built-in job handlers.
type Processors struct {
	Ledger    *credits.Ledger
	Reports   repository.ReportRepository
	Publisher *ReportPublisher
}

// Register binds every built-in handler to the queue.
func (p *Processors) Register(q *Queue) {
	q.Handle(JobTypeLedgerAudit, p.processLedgerAudit)
	q.Handle(JobTypeRequeuePending, p.processRequeuePending)
}

// processLedgerAudit replays the ledger of the requested accounts. Mismatches
// are reported in the job result; only storage errors fail the job.
func (p *Processors) processLedgerAudit(ctx context.Context, job *Job) error {
	payload, err := LedgerAuditJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid ledger audit payload: %w", err)
	}

	userIDs := payload.UserIDs
	if len(userIDs) == 0 {
		userIDs, err = p.Ledger.AccountUserIDs(ctx)
		if err != nil {
			return err
		}
	}

	failed := make([]uint, 0)
	for _, id := range userIDs {
		_, err := p.Ledger.Audit(ctx, id)
		switch {
		case errors.Is(err, credits.ErrLedgerMismatch):
			failed = append(failed, id)
		case err != nil:
			return err
		}
	}

	job.Result = map[string]interface{}{
		"audited": len(userIDs),
		"failed":  failed,
	}
	if len(failed) > 0 {
		log.Warnf("[JobQueue] Ledger audit found %d inconsistent accounts: %v", len(failed), failed)
	} else {
		log.Infof("[JobQueue] Ledger audit passed for %d accounts", len(userIDs))
	}
	return nil
}

// processRequeuePending republishes reports that have been pending for too
// long, for example because the queue push after submit failed.
func (p *Processors) processRequeuePending(ctx context.Context, job *Job) error {
	payload, err := RequeuePendingJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid requeue payload: %w", err)
	}
	age := payload.OlderThanMinutes
	if age <= 0 {
		age = DefaultRequeueAfterMinutes
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = DefaultRequeueLimit
	}

	cutoff := time.Now().Add(-time.Duration(age) * time.Minute)
	stale, err := p.Reports.ListPendingOlderThan(cutoff, limit)
	if err != nil {
		return fmt.Errorf("list stale pending reports: %w", err)
	}

	published := 0
	for i := range stale {
		if err := p.Publisher.Republish(ctx, &stale[i]); err != nil {
			return err
		}
		published++
	}

	job.Result = map[string]interface{}{"republished": published}
	if published > 0 {
		log.Infof("[JobQueue] Republished %d stale pending reports", published)
	}
	return nil
}
