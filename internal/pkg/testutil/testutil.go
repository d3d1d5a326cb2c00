// Package testutil provides in-memory database and Redis instances for tests.
package testutil

import (
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/finreport/finreport/app/models"
)

// NewDB opens an isolated in-memory SQLite database with the full schema.
// A single connection serializes transactions the way the row lock does on
// MySQL; tests that must contend on the lock itself use NewMySQLDB.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewRedis starts a miniredis server and returns a client bound to it.
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// CreateUser inserts an active user with the given role.
func CreateUser(t *testing.T, db *gorm.DB, email, role string) *models.User {
	t.Helper()

	u := &models.User{
		Name:   email,
		Email:  email,
		Role:   role,
		Status: models.STATUS_ACTIVE,
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// SetBalance seeds an account with a bonus entry so the ledger reconciles.
func SetBalance(t *testing.T, db *gorm.DB, userID uint, balance int64) {
	t.Helper()

	err := db.Transaction(func(tx *gorm.DB) error {
		acc := models.CreditAccount{UserID: userID, Balance: balance}
		if err := tx.Create(&acc).Error; err != nil {
			return err
		}
		if balance == 0 {
			return nil
		}
		return tx.Create(&models.CreditTransaction{
			UserID:       userID,
			Type:         models.TransactionBonus,
			Amount:       balance,
			Description:  "test seed",
			BalanceAfter: balance,
		}).Error
	})
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

// SetSubscription stores a subscription for the user.
func SetSubscription(t *testing.T, db *gorm.DB, userID uint, plan string, active, apiAccess bool) {
	t.Helper()

	sub := &models.Subscription{
		UserID:    userID,
		Plan:      plan,
		IsActive:  active,
		APIAccess: apiAccess,
	}
	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}
}
