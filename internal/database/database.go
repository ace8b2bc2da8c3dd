package database

import (
	"errors"
	"fmt"
	stdlog "log"
	"strings"
	"time"

	"github.com/ksred/klear-exchange/internal/config"
	"github.com/ksred/klear-exchange/internal/database/migrations"
	"github.com/ksred/klear-exchange/internal/types"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the configured database and runs migrations
func NewDatabase(cfg config.Config) (*gorm.DB, error) {
	db, err := Open(cfg.DBDriver, cfg.DBDSN, cfg.Debug)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := SeedSymbols(db, cfg.Symbols); err != nil {
		return nil, fmt.Errorf("failed to seed symbols: %w", err)
	}

	return db, nil
}

// Open returns a GORM DB for driver. sqlite is limited to one connection:
// it has no row locks and serialises writers anyway.
func Open(driver, dsn string, debug bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newLogger(debug),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, err
		}
	}

	return db, nil
}

// Migrate creates or updates every table
func Migrate(db *gorm.DB) error {
	if err := migrations.CreateExchangeTables(db); err != nil {
		return err
	}
	return migrations.AddOrderBookIndexes(db)
}

// SeedSymbols makes sure every listed symbol exists. Names are stored upper case.
func SeedSymbols(db *gorm.DB, names []string) error {
	for _, name := range names {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		var existing types.Symbol
		err := db.Where("UPPER(name) = ?", name).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Create(&types.Symbol{Name: name}).Error; err != nil {
			return err
		}
		zlog.Info().Str("symbol", name).Msg("seeded symbol")
	}
	return nil
}

// newLogger sends GORM output through zerolog
func newLogger(debug bool) logger.Interface {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	return logger.New(
		stdlog.New(zlog.Logger, "", 0),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
