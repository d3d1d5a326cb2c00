package repository

import (
	"context"
	"time"

	"github.com/finreport/finreport/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, error)
	TouchAPIKey(id uint, usedAt time.Time) error
	Update(user *models.User) error
	UpdateRole(id uint, role string) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
}

// ReportFilter narrows report listings.
type ReportFilter struct {
	Status models.ReportStatus
	Limit  int
	Offset int
}

// ReportRepository defines the interface for report request operations
type ReportRepository interface {
	WithTx(tx *gorm.DB) ReportRepository
	Create(report *models.ReportRequest) error
	GetByUUID(uuid string) (*models.ReportRequest, error)
	GetByUUIDForUser(userID uint, uuid string) (*models.ReportRequest, error)
	GetByUUIDForUpdate(uuid string) (*models.ReportRequest, error)
	ListByUser(userID uint, filter ReportFilter) ([]models.ReportRequest, int64, error)
	ListAll(filter ReportFilter) ([]models.ReportRequest, int64, error)
	ListPendingOlderThan(cutoff time.Time, limit int) ([]models.ReportRequest, error)
	CountByStatus(userID uint) (map[models.ReportStatus]int64, error)
	CountAllByStatus() (map[models.ReportStatus]int64, error)
	CountByUsers(userIDs []uint) (map[uint]int64, error)
	MarkRefunded(id uint, at time.Time) (bool, error)
	ResetForRetry(id uint) (bool, error)
}

// SubscriptionRepository defines the interface for subscription lookups
type SubscriptionRepository interface {
	WithTx(tx *gorm.DB) SubscriptionRepository
	GetByUserID(userID uint) (*models.Subscription, error)
	GetByProviderCustomerID(customerID string) (*models.Subscription, error)
	Save(sub *models.Subscription) error
	CountByPlan() (map[string]int64, error)
}

// QueueRepository defines the interface for cache/queue operations
type QueueRepository interface {
	GetAllKeys(ctx context.Context) ([]string, error)
	GetValue(ctx context.Context, key string) (string, error)
	GetTTL(ctx context.Context, key string) (time.Duration, error)
	DeleteKey(ctx context.Context, key string) (int64, error)
	GetListLength(ctx context.Context, key string) (int64, error)
	PeekList(ctx context.Context, key string, limit int64) ([]string, error)
	FindKeysByPatterns(ctx context.Context, patterns []string) ([]string, error)
	DeleteKeys(ctx context.Context, keys []string) (int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User         UserRepository
	Report       ReportRepository
	Subscription SubscriptionRepository
	Queue        QueueRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db),
		Report:       NewReportRepository(db),
		Subscription: NewSubscriptionRepository(db),
		Queue:        NewQueueRepository(nil),
	}
}
