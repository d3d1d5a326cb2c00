package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeLedgerAudit    JobType = "ledger_audit"
	JobTypeRequeuePending JobType = "requeue_pending"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	Result      map[string]interface{} `json:"result,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// LedgerAuditJobPayload asks for a replay audit of the listed accounts. An
// empty list audits every account.
type LedgerAuditJobPayload struct {
	UserIDs     []uint `json:"user_ids,omitempty"`
	RequestedBy uint   `json:"requested_by"`
}

// ToMap converts the payload to a map for storage
func (p LedgerAuditJobPayload) ToMap() map[string]interface{} {
	return toMap(p)
}

// LedgerAuditJobPayloadFromMap creates a payload from a map
func LedgerAuditJobPayloadFromMap(data map[string]interface{}) (*LedgerAuditJobPayload, error) {
	var payload LedgerAuditJobPayload
	err := fromMap(data, &payload)
	return &payload, err
}

// RequeuePendingJobPayload republishes pending reports the worker has not picked up.
type RequeuePendingJobPayload struct {
	OlderThanMinutes int `json:"older_than_minutes"`
	Limit            int `json:"limit"`
}

// ToMap converts the payload to a map for storage
func (p RequeuePendingJobPayload) ToMap() map[string]interface{} {
	return toMap(p)
}

// RequeuePendingJobPayloadFromMap creates a payload from a map
func RequeuePendingJobPayloadFromMap(data map[string]interface{}) (*RequeuePendingJobPayload, error) {
	var payload RequeuePendingJobPayload
	err := fromMap(data, &payload)
	return &payload, err
}

func toMap(v interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	b, err := json.Marshal(v)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

func fromMap(data map[string]interface{}, v interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, v)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
