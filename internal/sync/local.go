package sync

import (
	"context"

	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
)

// LocalCompanion answers companion queries from the local store. It is what a
// peer talks to when it syncs with this device.
type LocalCompanion struct {
	db *gorm.DB
}

var _ Companion = (*LocalCompanion)(nil)

// NewLocalCompanion builds a LocalCompanion reporting full current state.
func NewLocalCompanion(db *gorm.DB) (*LocalCompanion, error) {
	if db == nil {
		return nil, errors.Wrap(ErrMissingDependency, "database")
	}
	return &LocalCompanion{db: db}, nil
}

func (c *LocalCompanion) GetThreadUpdates(ctx context.Context) ([]notes.Thread, error) {
	var records []notes.ThreadRecord
	if err := c.db.WithContext(ctx).Order("created_at_ms ASC, id ASC").Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "list threads")
	}
	threads := make([]notes.Thread, 0, len(records))
	for _, record := range records {
		threads = append(threads, notes.ThreadFromRecord(record))
	}
	return threads, nil
}

func (c *LocalCompanion) GetAllNotesInThread(ctx context.Context, threadID string) ([]notes.Note, error) {
	return c.listNotes(c.db.WithContext(ctx).
		Where("thread_id = ? AND deleted = ?", threadID, false).
		Order("parent_id IS NOT NULL, created_at_ms ASC, id ASC"))
}

func (c *LocalCompanion) GetAllNotesInTree(ctx context.Context, parentID string) ([]notes.Note, error) {
	return c.listNotes(c.db.WithContext(ctx).
		Where("parent_id = ? AND deleted = ?", parentID, false).
		Order("created_at_ms ASC, id ASC"))
}

func (c *LocalCompanion) GetNoteUpdatesInThread(ctx context.Context, threadID string) ([]notes.Note, error) {
	return c.listNotes(c.db.WithContext(ctx).
		Where("thread_id = ? AND parent_id IS NULL", threadID).
		Order("created_at_ms ASC, id ASC"))
}

func (c *LocalCompanion) GetNoteUpdatesInTree(ctx context.Context, parentID string) ([]notes.Note, error) {
	return c.listNotes(c.db.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("created_at_ms ASC, id ASC"))
}

func (c *LocalCompanion) listNotes(query *gorm.DB) ([]notes.Note, error) {
	var records []notes.NoteRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "list notes")
	}
	result := make([]notes.Note, 0, len(records))
	for _, record := range records {
		result = append(result, notes.NoteFromRecord(record))
	}
	return result, nil
}
