package models

import "time"

// CreditAccount holds a user's spendable credit balance. Rows are only
// mutated through the credit ledger and are never hard-deleted.
type CreditAccount struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UserID         uint       `gorm:"not null;uniqueIndex" json:"user_id"`
	Balance        int64      `gorm:"not null;default:0" json:"balance"`
	MonthlyCredits int64      `gorm:"not null;default:0" json:"monthly_credits"`
	LastRecharge   *time.Time `gorm:"type:timestamp;default:null" json:"last_recharge,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
