package billing

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/finreport/finreport/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindUserByEmail(email string) (*models.User, error)
	GetSubscriptionByUser(userID uint) (*models.Subscription, error)
	GetSubscriptionByCustomerID(provider, customerID string) (*models.Subscription, error)
	SaveSubscription(sub *models.Subscription) error
	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindUserByEmail(email string) (*models.User, error) {
	if email == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var u models.User
	if err := r.db.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetSubscriptionByUser(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByCustomerID(provider, customerID string) (*models.Subscription, error) {
	if customerID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_customer_id = ?", provider, customerID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	if sub.ID != 0 {
		return r.db.Save(sub).Error
	}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan",
			"is_active",
			"api_access",
			"provider",
			"provider_customer_id",
			"provider_subscription_id",
			"provider_product_id",
			"renews_at",
			"cancelled_at",
			"updated_at",
		}),
	}).Create(sub).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
