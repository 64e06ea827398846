package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/checkins"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeAuditStatus = "2026-10-01_normalize_audit_status"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeAuditStatus, apply: normalizeAuditStatus},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeAuditStatus folds legacy or mixed-case audit values into the known set.
// Unknown values become pending so they re-enter review rather than leak as approved.
func normalizeAuditStatus(db *gorm.DB) error {
	known := []string{
		string(checkins.AuditStatusPending),
		string(checkins.AuditStatusApproved),
		string(checkins.AuditStatusRejected),
	}
	for _, status := range known {
		if err := db.Model(&checkins.Record{}).
			Where("LOWER(TRIM(audit_status)) = ? AND audit_status <> ?", status, status).
			Update("audit_status", status).Error; err != nil {
			return err
		}
	}
	return db.Model(&checkins.Record{}).
		Where("audit_status NOT IN ?", known).
		Update("audit_status", string(checkins.AuditStatusPending)).Error
}
