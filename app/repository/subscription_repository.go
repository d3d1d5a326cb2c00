package repository

import (
	"github.com/finreport/finreport/app/models"
	"gorm.io/gorm"
)

// subscriptionRepository implements the SubscriptionRepository interface
type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository instance
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *subscriptionRepository) WithTx(tx *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: tx}
}

func (r *subscriptionRepository) GetByUserID(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepository) GetByProviderCustomerID(customerID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider_customer_id = ? AND provider_customer_id <> ''", customerID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepository) Save(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

// CountByPlan counts subscriptions per plan. Users without a subscription row are not included.
func (r *subscriptionRepository) CountByPlan() (map[string]int64, error) {
	type row struct {
		Plan  string
		Count int64
	}
	var rows []row
	err := r.db.Model(&models.Subscription{}).
		Select("plan, COUNT(*) AS count").
		Group("plan").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, rw := range rows {
		out[rw.Plan] = rw.Count
	}
	return out, nil
}
