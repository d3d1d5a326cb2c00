package models

import "time"

type CreditTransactionType string

const (
	TransactionSubscriptionRecharge CreditTransactionType = "subscription_recharge"
	TransactionPackPurchase         CreditTransactionType = "pack_purchase"
	TransactionReportUsage          CreditTransactionType = "report_usage"
	TransactionBonus                CreditTransactionType = "bonus"
	TransactionRefund               CreditTransactionType = "refund"
)

// AllTransactionTypes lists every ledger entry type in display order.
var AllTransactionTypes = []CreditTransactionType{
	TransactionSubscriptionRecharge,
	TransactionPackPurchase,
	TransactionReportUsage,
	TransactionBonus,
	TransactionRefund,
}

// IsCredit reports whether entries of this type add to the balance.
func (t CreditTransactionType) IsCredit() bool {
	switch t {
	case TransactionSubscriptionRecharge, TransactionPackPurchase, TransactionBonus, TransactionRefund:
		return true
	default:
		return false
	}
}

// CreditTransaction is an append-only ledger entry. Amount is signed
// (negative for debits) and BalanceAfter snapshots the running sum.
type CreditTransaction struct {
	ID           uint                  `gorm:"primaryKey" json:"id"`
	UserID       uint                  `gorm:"not null;index:idx_credit_transactions_user_created,priority:1;index:idx_credit_transactions_ref,priority:1" json:"user_id"`
	Type         CreditTransactionType `gorm:"type:varchar(32);not null;index;index:idx_credit_transactions_ref,priority:2" json:"type"`
	Amount       int64                 `gorm:"not null" json:"amount"`
	Description  string                `gorm:"type:varchar(255);not null;default:''" json:"description"`
	BalanceAfter int64                 `gorm:"not null" json:"balance_after"`
	ReportID     *uint                 `gorm:"index" json:"report_id,omitempty"`
	ExternalRef  string                `gorm:"type:varchar(191);default:'';index:idx_credit_transactions_ref,priority:3" json:"external_ref,omitempty"`
	CreatedAt    time.Time             `gorm:"autoCreateTime;index:idx_credit_transactions_user_created,priority:2" json:"created_at"`
}
