package testutil

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/finreport/finreport/app/models"
)

// MySQLDSNEnv names the variable holding the DSN of a disposable MySQL database.
const MySQLDSNEnv = "TEST_MYSQL_DSN"

// NewMySQLDB connects to the MySQL database in TEST_MYSQL_DSN and migrates the
// schema. Unlike NewDB it keeps a real connection pool, so concurrent
// transactions contend on row locks. The test is skipped when the DSN is unset.
func NewMySQLDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv(MySQLDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", MySQLDSNEnv)
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(32)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// CreateIsolatedUser creates a user with a unique email and removes it with
// all of its ledger, report and subscription rows when the test ends.
func CreateIsolatedUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	u := CreateUser(t, db, uuid.NewString()+"@example.com", models.ROLE_USER)
	t.Cleanup(func() {
		for _, m := range []interface{}{
			&models.CreditTransaction{},
			&models.CreditAccount{},
			&models.Subscription{},
		} {
			db.Where("user_id = ?", u.ID).Delete(m)
		}
		db.Unscoped().Where("user_id = ?", u.ID).Delete(&models.ReportRequest{})
		db.Unscoped().Delete(&models.User{}, u.ID)
	})
	return u
}
