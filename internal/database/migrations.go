package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/heritage/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/heritage/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizePrincipalRoles  = "2026-10-01_normalize_principal_roles"
	migrationBackfillNotificationType = "2026-10-08_backfill_notification_type"
)

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
		{name: migrationNormalizePrincipalRoles, apply: normalizePrincipalRoles},
		{name: migrationBackfillNotificationType, apply: backfillNotificationType},
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

// Role rooms are keyed by lower-case role names; rows written by older
// clients may carry mixed case or padding.
func normalizePrincipalRoles(db *gorm.DB) error {
	return db.Model(&users.PrincipalRecord{}).
		Where("role <> lower(trim(role))").
		Update("role", gorm.Expr("lower(trim(role))")).Error
}

func backfillNotificationType(db *gorm.DB) error {
	return db.Model(&notifications.NotificationRecord{}).
		Where("trim(type) = ''").
		Update("type", notifications.DefaultType).Error
}
