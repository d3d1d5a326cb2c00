package models

import "time"

const (
	PlanFree         = "free"
	PlanStarter      = "starter"
	PlanProfessional = "professional"
	PlanEnterprise   = "enterprise"
)

const (
	BillingProviderPolar = "polar"
)

// Provider subscription states as reported in webhooks.
const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusIncomplete = "incomplete"
	BillingStatusUnpaid     = "unpaid"
)

// Subscription mirrors the provider subscription state for a user. Plan and
// the active flag drive monthly credit entitlement; APIAccess gates the API
// export report option.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;uniqueIndex" json:"user_id"`
	Plan                   string     `gorm:"type:varchar(50);not null;default:'free';index" json:"plan"`
	IsActive               bool       `gorm:"default:false;index" json:"is_active"`
	APIAccess              bool       `gorm:"default:false" json:"api_access"`
	Provider               string     `gorm:"type:varchar(20);default:''" json:"provider,omitempty"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);default:'';index" json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);default:''" json:"provider_subscription_id,omitempty"`
	ProviderProductID      string     `gorm:"type:varchar(191);default:''" json:"provider_product_id,omitempty"`
	RenewsAt               *time.Time `gorm:"type:timestamp;default:null" json:"renews_at,omitempty"`
	CancelledAt            *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasAPIAccess reports whether the subscription currently grants API export.
func (s *Subscription) HasAPIAccess() bool {
	return s != nil && s.IsActive && s.APIAccess
}
