package repository

import (
	"time"

	"github.com/finreport/finreport/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultReportPageSize = 20
	maxReportPageSize     = 100
)

// reportRepository implements the ReportRepository interface
type reportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a new report repository instance
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &reportRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *reportRepository) WithTx(tx *gorm.DB) ReportRepository {
	return &reportRepository{db: tx}
}

func (r *reportRepository) Create(report *models.ReportRequest) error {
	return r.db.Create(report).Error
}

func (r *reportRepository) GetByUUID(uuid string) (*models.ReportRequest, error) {
	var report models.ReportRequest
	if err := r.db.Where("uuid = ?", uuid).First(&report).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// GetByUUIDForUser only returns the report if it belongs to userID.
func (r *reportRepository) GetByUUIDForUser(userID uint, uuid string) (*models.ReportRequest, error) {
	var report models.ReportRequest
	if err := r.db.Where("uuid = ? AND user_id = ?", uuid, userID).First(&report).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// GetByUUIDForUpdate locks the report row until the surrounding transaction ends.
func (r *reportRepository) GetByUUIDForUpdate(uuid string) (*models.ReportRequest, error) {
	var report models.ReportRequest
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("uuid = ?", uuid).
		First(&report).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// ListByUser returns a page of the user's reports, newest first, and the total match count.
func (r *reportRepository) ListByUser(userID uint, filter ReportFilter) ([]models.ReportRequest, int64, error) {
	return r.list(filter, func(q *gorm.DB) *gorm.DB {
		return q.Where("user_id = ?", userID)
	})
}

// ListAll returns a page of reports across all users, newest first.
func (r *reportRepository) ListAll(filter ReportFilter) ([]models.ReportRequest, int64, error) {
	return r.list(filter, func(q *gorm.DB) *gorm.DB { return q })
}

func (r *reportRepository) list(filter ReportFilter, scope func(*gorm.DB) *gorm.DB) ([]models.ReportRequest, int64, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultReportPageSize
	}
	limit = min(limit, maxReportPageSize)

	scoped := func() *gorm.DB {
		q := scope(r.db.Model(&models.ReportRequest{}))
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var reports []models.ReportRequest
	err := scoped().Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(max(filter.Offset, 0)).
		Find(&reports).Error
	if err != nil {
		return nil, 0, err
	}
	return reports, total, nil
}

// ListPendingOlderThan returns pending reports created before cutoff, oldest first.
func (r *reportRepository) ListPendingOlderThan(cutoff time.Time, limit int) ([]models.ReportRequest, error) {
	if limit <= 0 {
		limit = maxReportPageSize
	}
	var reports []models.ReportRequest
	err := r.db.Where("status = ? AND created_at < ?", models.ReportStatusPending, cutoff).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&reports).Error
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// CountByStatus returns report counts per status for a user. Every status is present.
func (r *reportRepository) CountByStatus(userID uint) (map[models.ReportStatus]int64, error) {
	return r.countByStatus(r.db.Model(&models.ReportRequest{}).Where("user_id = ?", userID))
}

// CountAllByStatus returns report counts per status across all users.
func (r *reportRepository) CountAllByStatus() (map[models.ReportStatus]int64, error) {
	return r.countByStatus(r.db.Model(&models.ReportRequest{}))
}

func (r *reportRepository) countByStatus(q *gorm.DB) (map[models.ReportStatus]int64, error) {
	type row struct {
		Status models.ReportStatus
		Count  int64
	}
	var rows []row
	if err := q.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[models.ReportStatus]int64, len(models.AllReportStatuses))
	for _, s := range models.AllReportStatuses {
		counts[s] = 0
	}
	for _, rw := range rows {
		counts[rw.Status] = rw.Count
	}
	return counts, nil
}

// CountByUsers returns the number of reports of each given user.
func (r *reportRepository) CountByUsers(userIDs []uint) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(userIDs))
	if len(userIDs) == 0 {
		return counts, nil
	}
	var rows []struct {
		UserID uint
		Count  int64
	}
	err := r.db.Model(&models.ReportRequest{}).
		Select("user_id, COUNT(*) AS count").
		Where("user_id IN ?", userIDs).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, rw := range rows {
		counts[rw.UserID] = rw.Count
	}
	return counts, nil
}

// MarkRefunded stamps refunded_at on a failed report that has not been refunded yet.
// It reports false when another refund won the race.
func (r *reportRepository) MarkRefunded(id uint, at time.Time) (bool, error) {
	res := r.db.Model(&models.ReportRequest{}).
		Where("id = ? AND status = ? AND refunded_at IS NULL", id, models.ReportStatusFailed).
		Update("refunded_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ResetForRetry moves a failed, unrefunded report back to pending.
func (r *reportRepository) ResetForRetry(id uint) (bool, error) {
	res := r.db.Model(&models.ReportRequest{}).
		Where("id = ? AND status = ? AND refunded_at IS NULL", id, models.ReportStatusFailed).
		Updates(map[string]interface{}{
			"status":                models.ReportStatusPending,
			"processing_started_at": nil,
			"completed_at":          nil,
			"failure_reason":        "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
