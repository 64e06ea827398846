package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/footprint/internal/checkins"
	"github.com/MarcoPoloResearchLab/footprint/internal/couples"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// DriverSQLite selects the embedded SQLite driver.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the Postgres driver.
	DriverPostgres = "postgres"
)

// Open establishes a database connection for the named driver and performs schema migrations.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	normalizedDriver := strings.ToLower(strings.TrimSpace(driver))
	switch normalizedDriver {
	case DriverSQLite, "":
		normalizedDriver = DriverSQLite
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}

	if normalizedDriver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", normalizedDriver))
	}

	return db, nil
}

// Migrate creates the schema and applies named data migrations once.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&checkins.Record{}, &couples.Binding{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
