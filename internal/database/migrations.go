package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sharednotes/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationImportLegacyNotes = "2026-10-01_import_legacy_notes"
	legacyNotesTable           = "notes"
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
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationImportLegacyNotes, apply: importLegacyNotes},
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
		if err := migration.apply(db, logger); err != nil {
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

type legacyNote struct {
	Title     string `gorm:"column:title"`
	Content   string `gorm:"column:content"`
	UpdatedAt string `gorm:"column:updated_at"`
}

// importLegacyNotes copies rows from the older mobile schema, whose updated_at column holds
// zone-less date-time strings. Those are read as UTC. Rows that cannot be parsed are skipped.
func importLegacyNotes(db *gorm.DB, logger *zap.Logger) error {
	if !db.Migrator().HasTable(legacyNotesTable) {
		return nil
	}

	var legacy []legacyNote
	if err := db.Table(legacyNotesTable).Select("title", "content", "updated_at").Find(&legacy).Error; err != nil {
		return err
	}

	records := make([]notes.NoteRecord, 0, len(legacy))
	for _, row := range legacy {
		title, titleErr := notes.NormalizeTitle(row.Title)
		updatedAt, timeErr := notes.ParseTimestamp(row.UpdatedAt)
		if titleErr != nil || timeErr != nil {
			if logger != nil {
				logger.Warn("skipping legacy note", zap.String("title", row.Title), zap.Error(errors.Join(titleErr, timeErr)))
			}
			continue
		}
		records = append(records, notes.NoteRecord{
			Title:           title,
			Content:         row.Content,
			UpdatedAtMillis: updatedAt.UnixMilli(),
		})
	}
	if len(records) == 0 {
		return nil
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&records).Error
}
