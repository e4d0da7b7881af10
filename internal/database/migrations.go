package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDropOrphanTreeNotes   = "2026-09-14_drop_tree_notes_of_tombstones"
	migrationNormalizeDisplayModes = "2026-09-21_normalize_display_modes"
)

type migrationRecord struct {
	Name        string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtMs int64  `gorm:"column:applied_at_ms;not null"`
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
		{name: migrationDropOrphanTreeNotes, apply: dropTreeNotesOfTombstones},
		{name: migrationNormalizeDisplayModes, apply: normalizeDisplayModes},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtMs: time.Now().UTC().UnixMilli()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropTreeNotesOfTombstones removes tree notes whose parent is already a
// tombstone. Stores written before deletes cascaded to children can hold them.
func dropTreeNotesOfTombstones(db *gorm.DB) error {
	tombstones := db.Model(&notes.NoteRecord{}).Select("id").Where("deleted = ?", true)
	return db.Where("parent_id IN (?)", tombstones).Delete(&notes.NoteRecord{}).Error
}

func normalizeDisplayModes(db *gorm.DB) error {
	return db.Model(&notes.ThreadRecord{}).
		Where("display_mode NOT IN ?", []string{string(notes.DisplayModeMonologue), string(notes.DisplayModeScrap)}).
		Update("display_mode", string(notes.DisplayModeMonologue)).Error
}
