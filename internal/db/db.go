package db

import (
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/suPer8Hu/chatgate/internal/billing"
	"github.com/suPer8Hu/chatgate/internal/entitlement"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the ledger database. driver is "mysql" or "sqlite".
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = gormsqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported db driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	if driver == "sqlite" {
		// one writer at a time; busy_timeout in the DSN covers the rest
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}
	return gdb, nil
}

// Migrate creates or updates the entitlement and billing tables.
func Migrate(gdb *gorm.DB) error {
	return errors.Wrap(gdb.AutoMigrate(
		&entitlement.Record{},
		&billing.Purchase{},
		&billing.PaymentRecord{},
	), "automigrate")
}
