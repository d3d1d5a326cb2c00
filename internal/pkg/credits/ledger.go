package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/finreport/finreport/app/models"
	"github.com/finreport/finreport/internal/pkg/metrics"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

var ErrLedgerMismatch = errors.New("ledger does not reconcile with balance")

// Ledger owns credit balances and their append-only transaction log. Every
// mutation locks the account row, updates the balance and appends one entry
// inside a single database transaction.
type Ledger struct {
	db *gorm.DB
}

// NewLedger creates a ledger backed by GORM.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// EntryOption decorates a ledger entry before it is written.
type EntryOption func(*models.CreditTransaction)

// WithReport links the entry to a report request.
func WithReport(reportID uint) EntryOption {
	return func(t *models.CreditTransaction) {
		id := reportID
		t.ReportID = &id
	}
}

// WithExternalRef stores a provider order or subscription reference.
func WithExternalRef(ref string) EntryOption {
	return func(t *models.CreditTransaction) {
		t.ExternalRef = ref
	}
}

// Account returns the user's credit account, creating an empty one on first access.
func (l *Ledger) Account(ctx context.Context, userID uint) (*models.CreditAccount, error) {
	acc, err := ensureAccount(l.db.WithContext(ctx), userID)
	if err != nil {
		return nil, persistenceErr("load credit account", err)
	}
	return acc, nil
}

// GetBalance returns the current balance of the user.
func (l *Ledger) GetBalance(ctx context.Context, userID uint) (int64, error) {
	acc, err := l.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// Debit removes amount from the user's balance and books a report_usage entry.
func (l *Ledger) Debit(ctx context.Context, userID uint, amount int64, description string, reportID *uint) (*models.CreditTransaction, error) {
	var entry *models.CreditTransaction
	err := l.inTx(ctx, func(tx *gorm.DB) error {
		var err error
		entry, err = l.DebitTx(tx, userID, amount, description, reportID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DebitTx is Debit inside a caller owned transaction. A missing account is
// treated as an empty balance and is not created.
func (l *Ledger) DebitTx(tx *gorm.DB, userID uint, amount int64, description string, reportID *uint) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	acc, err := lockAccount(tx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.LedgerOperations.WithLabelValues("debit", "insufficient").Inc()
		return nil, &InsufficientCreditsError{Required: amount, Available: 0}
	}
	if err != nil {
		return nil, persistenceErr("lock credit account", err)
	}
	if acc.Balance < amount {
		metrics.LedgerOperations.WithLabelValues("debit", "insufficient").Inc()
		return nil, &InsufficientCreditsError{Required: amount, Available: acc.Balance}
	}

	res := tx.Model(&models.CreditAccount{}).
		Where("id = ? AND balance >= ?", acc.ID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return nil, persistenceErr("debit credit account", res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.LedgerOperations.WithLabelValues("debit", "insufficient").Inc()
		return nil, &InsufficientCreditsError{Required: amount, Available: acc.Balance}
	}

	entry := &models.CreditTransaction{
		UserID:       userID,
		Type:         models.TransactionReportUsage,
		Amount:       -amount,
		Description:  description,
		BalanceAfter: acc.Balance - amount,
		ReportID:     reportID,
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, persistenceErr("append debit entry", err)
	}

	metrics.LedgerOperations.WithLabelValues("debit", "ok").Inc()
	metrics.CreditsMoved.WithLabelValues(string(entry.Type)).Add(float64(amount))
	return entry, nil
}

// Credit adds amount to the user's balance as an entry of the given type.
func (l *Ledger) Credit(ctx context.Context, userID uint, amount int64, description string, typ models.CreditTransactionType, opts ...EntryOption) (*models.CreditTransaction, error) {
	var entry *models.CreditTransaction
	err := l.inTx(ctx, func(tx *gorm.DB) error {
		var err error
		entry, err = l.CreditTx(tx, userID, amount, description, typ, opts...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CreditTx is Credit inside a caller owned transaction.
func (l *Ledger) CreditTx(tx *gorm.DB, userID uint, amount int64, description string, typ models.CreditTransactionType, opts ...EntryOption) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !typ.IsCredit() {
		return nil, NewValidationError("type", fmt.Sprintf("%q cannot add credits", typ))
	}

	entry := &models.CreditTransaction{
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		Description: description,
	}
	for _, opt := range opts {
		opt(entry)
	}

	if _, err := ensureAccount(tx, userID); err != nil {
		return nil, persistenceErr("create credit account", err)
	}
	acc, err := lockAccount(tx, userID)
	if err != nil {
		return nil, persistenceErr("lock credit account", err)
	}

	// the account lock serializes bookings per user, so the reference check
	// cannot race another credit carrying the same reference
	if entry.ExternalRef != "" {
		booked, err := hasExternalRef(tx, userID, typ, entry.ExternalRef)
		if err != nil {
			return nil, persistenceErr("check ledger reference", err)
		}
		if booked {
			metrics.LedgerOperations.WithLabelValues("credit", "duplicate").Inc()
			return nil, fmt.Errorf("%s: %w", entry.ExternalRef, ErrAlreadyBooked)
		}
	}

	if err := tx.Model(&models.CreditAccount{}).
		Where("id = ?", acc.ID).
		Updates(map[string]interface{}{"balance": gorm.Expr("balance + ?", amount)}).Error; err != nil {
		return nil, persistenceErr("credit credit account", err)
	}

	entry.BalanceAfter = acc.Balance + amount
	if err := tx.Create(entry).Error; err != nil {
		return nil, persistenceErr("append credit entry", err)
	}

	metrics.LedgerOperations.WithLabelValues("credit", "ok").Inc()
	metrics.CreditsMoved.WithLabelValues(string(typ)).Add(float64(amount))
	return entry, nil
}

// Recharge grants a subscription renewal. The monthly amount is added to the
// existing balance, and the entitlement and recharge time are stored on the
// account. A non-positive amount only updates the entitlement.
func (l *Ledger) Recharge(ctx context.Context, userID uint, monthlyCredits int64, description string, opts ...EntryOption) (*models.CreditTransaction, error) {
	var entry *models.CreditTransaction
	err := l.inTx(ctx, func(tx *gorm.DB) error {
		if monthlyCredits > 0 {
			var err error
			entry, err = l.CreditTx(tx, userID, monthlyCredits, description, models.TransactionSubscriptionRecharge, opts...)
			if err != nil {
				return err
			}
		} else if _, err := ensureAccount(tx, userID); err != nil {
			return persistenceErr("create credit account", err)
		}

		updates := map[string]interface{}{
			"monthly_credits": max(monthlyCredits, 0),
		}
		if monthlyCredits > 0 {
			updates["last_recharge"] = time.Now()
		}
		if err := tx.Model(&models.CreditAccount{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return persistenceErr("store recharge", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry != nil {
		log.Infof("[Ledger] Recharged user %d with %d credits (balance %d)", userID, monthlyCredits, entry.BalanceAfter)
	}
	return entry, nil
}

// History returns a page of the user's ledger, newest first, and the total entry count.
func (l *Ledger) History(ctx context.Context, userID uint, limit, offset int) ([]models.CreditTransaction, int64, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)
	offset = max(offset, 0)

	db := l.db.WithContext(ctx).Model(&models.CreditTransaction{}).Where("user_id = ?", userID)
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, persistenceErr("count ledger entries", err)
	}

	var entries []models.CreditTransaction
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error; err != nil {
		return nil, 0, persistenceErr("load ledger entries", err)
	}
	return entries, total, nil
}

// AuditMismatch describes a ledger entry whose snapshot disagrees with the replay.
type AuditMismatch struct {
	TransactionID uint  `json:"transaction_id"`
	Expected      int64 `json:"expected_balance_after"`
	Recorded      int64 `json:"recorded_balance_after"`
}

// AuditReport is the outcome of replaying one account's ledger.
type AuditReport struct {
	UserID     uint            `json:"user_id"`
	Balance    int64           `json:"balance"`
	Replayed   int64           `json:"replayed_balance"`
	Entries    int             `json:"entries"`
	Mismatches []AuditMismatch `json:"mismatches,omitempty"`
}

// OK reports whether the ledger reconciles.
func (r *AuditReport) OK() bool {
	return len(r.Mismatches) == 0 && r.Replayed == r.Balance
}

// Audit replays the ledger in creation order and checks every balance
// snapshot and the final balance against the running sum.
func (l *Ledger) Audit(ctx context.Context, userID uint) (*AuditReport, error) {
	db := l.db.WithContext(ctx)
	report := &AuditReport{UserID: userID}

	var acc models.CreditAccount
	err := db.Where("user_id = ?", userID).First(&acc).Error
	switch {
	case err == nil:
		report.Balance = acc.Balance
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, persistenceErr("load credit account", err)
	}

	var entries []models.CreditTransaction
	if err := db.Where("user_id = ?", userID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, persistenceErr("load ledger entries", err)
	}

	var running int64
	for _, e := range entries {
		running += e.Amount
		if e.BalanceAfter != running {
			report.Mismatches = append(report.Mismatches, AuditMismatch{
				TransactionID: e.ID,
				Expected:      running,
				Recorded:      e.BalanceAfter,
			})
		}
	}
	report.Replayed = running
	report.Entries = len(entries)

	if !report.OK() {
		log.Errorf("[Ledger] Audit failed for user %d: balance=%d replayed=%d mismatches=%d",
			userID, report.Balance, report.Replayed, len(report.Mismatches))
		return report, fmt.Errorf("user %d: %w", userID, ErrLedgerMismatch)
	}
	return report, nil
}

// AccountUserIDs lists every user that owns a credit account, in id order.
func (l *Ledger) AccountUserIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := l.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Order("user_id ASC").
		Pluck("user_id", &ids).Error; err != nil {
		return nil, persistenceErr("list credit accounts", err)
	}
	return ids, nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := l.db.WithContext(ctx).Transaction(fn)
	if err == nil || isDomainError(err) {
		return err
	}
	return persistenceErr("ledger transaction", err)
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrCapabilityDenied) ||
		errors.Is(err, ErrAlreadyBooked) ||
		errors.Is(err, ErrPersistence)
}

func ensureAccount(db *gorm.DB, userID uint) (*models.CreditAccount, error) {
	acc := &models.CreditAccount{UserID: userID}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(acc).Error; err != nil {
		return nil, err
	}

	var stored models.CreditAccount
	if err := db.Where("user_id = ?", userID).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

func lockAccount(tx *gorm.DB, userID uint) (*models.CreditAccount, error) {
	var acc models.CreditAccount
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

func hasExternalRef(tx *gorm.DB, userID uint, typ models.CreditTransactionType, ref string) (bool, error) {
	var n int64
	err := tx.Model(&models.CreditTransaction{}).
		Where("user_id = ? AND type = ? AND external_ref = ?", userID, typ, ref).
		Count(&n).Error
	return n > 0, err
}
