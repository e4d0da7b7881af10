package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Applier writes diffs to the local store. Each diff is one transaction and
// concurrent callers are serialized.
type Applier struct {
	db     *gorm.DB
	logger *zap.Logger
	mu     gosync.Mutex
}

// NewApplier builds an Applier over the given store handle.
func NewApplier(db *gorm.DB, logger *zap.Logger) (*Applier, error) {
	if db == nil {
		return nil, errors.Wrap(ErrMissingDependency, "database")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{db: db, logger: logger}, nil
}

// UpdateByDiff applies the diff atomically: creates in list order, then
// updates by id, then the batched deletes. Any failure rolls everything back.
func (a *Applier) UpdateByDiff(ctx context.Context, diff Diff) error {
	if diff.IsEmpty() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, thread := range diff.ThreadCreate {
			record := thread.Record()
			if err := tx.Create(&record).Error; err != nil {
				return errors.Wrapf(err, "create thread %s", thread.ID)
			}
		}
		for _, note := range diff.NoteCreate {
			record := note.Record()
			if err := tx.Create(&record).Error; err != nil {
				return errors.Wrapf(err, "create note %s", note.ID)
			}
		}
		for _, thread := range diff.ThreadUpdate {
			result := tx.Model(&notes.ThreadRecord{}).Where("id = ?", thread.ID).Updates(threadColumns(thread))
			if err := updateResult(result, "thread", thread.ID); err != nil {
				return err
			}
		}
		for _, note := range diff.NoteUpdate {
			result := tx.Model(&notes.NoteRecord{}).Where("id = ?", note.ID).Updates(noteColumns(note))
			if err := updateResult(result, "note", note.ID); err != nil {
				return err
			}
		}

		noteIDs := make([]string, 0, len(diff.NoteDelete))
		for _, note := range diff.NoteDelete {
			noteIDs = append(noteIDs, note.ID)
		}
		if len(noteIDs)+len(diff.NoteDeleteThreadIDs)+len(diff.NoteDeleteNoteIDs) > 0 {
			if err := tx.
				Where("id IN ?", noteIDs).
				Or("thread_id IN ?", diff.NoteDeleteThreadIDs).
				Or("parent_id IN ?", diff.NoteDeleteNoteIDs).
				Delete(&notes.NoteRecord{}).Error; err != nil {
				return errors.Wrap(err, "delete notes")
			}
		}

		if len(diff.ThreadDelete) > 0 {
			threadIDs := make([]string, 0, len(diff.ThreadDelete))
			for _, thread := range diff.ThreadDelete {
				threadIDs = append(threadIDs, thread.ID)
			}
			if err := tx.Where("id IN ?", threadIDs).Delete(&notes.ThreadRecord{}).Error; err != nil {
				return errors.Wrap(err, "delete threads")
			}
		}
		return nil
	})
	if err != nil {
		a.logger.Error("diff application rolled back", zap.Int("changes", diff.Len()), zap.Error(err))
		return errors.Wrap(err, "apply diff")
	}
	return nil
}

func updateResult(result *gorm.DB, kind, id string) error {
	if result.Error != nil {
		return errors.Wrapf(result.Error, "update %s %s", kind, id)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrUpdateTargetMissing, "%s %s", kind, id)
	}
	return nil
}

// threadColumns lists every column so zero values such as trash=false are written.
func threadColumns(thread notes.Thread) map[string]any {
	record := thread.Record()
	return map[string]any{
		"name":           record.Name,
		"display_mode":   record.DisplayMode,
		"trash":          record.Trash,
		"deleted":        record.Deleted,
		"created_at_ms":  record.CreatedAtMs,
		"updated_at_ms":  record.UpdatedAtMs,
		"modified_at_ms": record.ModifiedAtMs,
	}
}

func noteColumns(note notes.Note) map[string]any {
	record := note.Record()
	return map[string]any{
		"content":        record.Content,
		"thread_id":      record.ThreadID,
		"parent_id":      record.ParentID,
		"trash":          record.Trash,
		"deleted":        record.Deleted,
		"created_at_ms":  record.CreatedAtMs,
		"updated_at_ms":  record.UpdatedAtMs,
		"modified_at_ms": record.ModifiedAtMs,
	}
}

// PlanPurge builds a diff that physically removes tombstones whose updatedAt
// is before cutoff. Tree notes of purged notes and notes of purged threads are
// removed with them.
func (a *Applier) PlanPurge(ctx context.Context, cutoff time.Time) (Diff, error) {
	before := cutoff.UTC().UnixMilli()
	db := a.db.WithContext(ctx)

	var threadRecords []notes.ThreadRecord
	if err := db.Where("deleted = ? AND updated_at_ms < ?", true, before).
		Order("created_at_ms ASC, id ASC").
		Find(&threadRecords).Error; err != nil {
		return Diff{}, errors.Wrap(err, "list thread tombstones")
	}
	var noteRecords []notes.NoteRecord
	if err := db.Where("deleted = ? AND updated_at_ms < ?", true, before).
		Order("created_at_ms ASC, id ASC").
		Find(&noteRecords).Error; err != nil {
		return Diff{}, errors.Wrap(err, "list note tombstones")
	}

	var diff Diff
	for _, record := range threadRecords {
		diff.ThreadDelete = append(diff.ThreadDelete, notes.ThreadFromRecord(record))
		diff.NoteDeleteThreadIDs = append(diff.NoteDeleteThreadIDs, record.ID)
	}
	for _, record := range noteRecords {
		diff.NoteDelete = append(diff.NoteDelete, notes.NoteFromRecord(record))
		diff.NoteDeleteNoteIDs = append(diff.NoteDeleteNoteIDs, record.ID)
	}
	return diff, nil
}
