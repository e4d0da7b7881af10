package notes

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NoteService reads and mutates top-level and tree notes on the local store.
type NoteService struct {
	service
}

// NewNoteService validates the configuration and builds a NoteService.
func NewNoteService(cfg ServiceConfig) (*NoteService, error) {
	base, err := newService(cfg)
	if err != nil {
		return nil, err
	}
	return &NoteService{service: base}, nil
}

// Find returns the note with the given id, tombstones included, or nil when absent.
func (s *NoteService) Find(ctx context.Context, id string) (*Note, error) {
	record, err := takeNote(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, s.fail(opNoteFind, reasonQueryFailed, err, zap.String("note_id", id))
	}
	if record == nil {
		return nil, nil
	}
	note := NoteFromRecord(*record)
	return &note, nil
}

// Get returns the note with the given id or ErrNoteNotFound.
func (s *NoteService) Get(ctx context.Context, id string) (Note, error) {
	note, err := s.Find(ctx, id)
	if err != nil {
		return Note{}, err
	}
	if note == nil {
		return Note{}, reject(opNoteFind, reasonNotFound, ErrNoteNotFound)
	}
	return *note, nil
}

func (s *NoteService) listFailure(err error) error {
	if errors.Is(err, ErrInvalidPage) || errors.Is(err, ErrNoteNotFound) {
		return reject(opNoteList, reasonInvalidInput, err)
	}
	return s.fail(opNoteList, reasonQueryFailed, err)
}

// ListInThread pages through the live top-level notes of a live thread.
func (s *NoteService) ListInThread(ctx context.Context, threadID string, page Page) ([]NoteWithChildrenCount, error) {
	thread, err := takeThread(s.db.WithContext(ctx), threadID)
	if err != nil {
		return nil, s.fail(opNoteList, reasonQueryFailed, err, zap.String("thread_id", threadID))
	}
	if thread == nil {
		return nil, reject(opNoteList, reasonNotFound, ErrThreadNotFound)
	}
	if thread.Trash || thread.Deleted {
		return nil, reject(opNoteList, reasonRemoved, ErrThreadRemoved)
	}

	records, err := s.listNotes(ctx, noteFilter{threadID: threadID, topLevel: true}, page)
	if err != nil {
		return nil, s.listFailure(err)
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	counts, err := liveChildrenCounts(s.db.WithContext(ctx), ids)
	if err != nil {
		return nil, s.fail(opNoteList, reasonQueryFailed, err, zap.String("thread_id", threadID))
	}

	result := make([]NoteWithChildrenCount, 0, len(records))
	for _, record := range records {
		result = append(result, NoteWithChildrenCount{Note: NoteFromRecord(record), ChildrenCount: counts[record.ID]})
	}
	return result, nil
}

// ListInTree pages through the live tree notes under a live top-level note.
func (s *NoteService) ListInTree(ctx context.Context, parentID string, page Page) ([]Note, error) {
	parent, err := takeNote(s.db.WithContext(ctx), parentID)
	if err != nil {
		return nil, s.fail(opNoteList, reasonQueryFailed, err, zap.String("note_id", parentID))
	}
	if parent == nil {
		return nil, reject(opNoteList, reasonNotFound, ErrNoteNotFound)
	}
	if parent.Trash || parent.Deleted {
		return nil, reject(opNoteList, reasonRemoved, ErrNoteRemoved)
	}

	records, err := s.listNotes(ctx, noteFilter{threadID: parent.ThreadID, parentID: &parent.ID}, page)
	if err != nil {
		return nil, s.listFailure(err)
	}
	result := make([]Note, 0, len(records))
	for _, record := range records {
		result = append(result, NoteFromRecord(record))
	}
	return result, nil
}

// Search pages through every live note whose content contains the search text.
func (s *NoteService) Search(ctx context.Context, page Page) ([]NoteWithThreadName, error) {
	return s.listNamed(ctx, false, page)
}

// ListTrash pages through trashed notes that are not yet deleted.
func (s *NoteService) ListTrash(ctx context.Context, page Page) ([]NoteWithThreadName, error) {
	return s.listNamed(ctx, true, page)
}

func (s *NoteService) listNamed(ctx context.Context, trash bool, page Page) ([]NoteWithThreadName, error) {
	records, err := s.listNotes(ctx, noteFilter{trash: trash}, page)
	if err != nil {
		return nil, s.listFailure(err)
	}
	seen := make(map[string]struct{}, len(records))
	threadIDs := make([]string, 0, len(records))
	for _, record := range records {
		if _, ok := seen[record.ThreadID]; ok {
			continue
		}
		seen[record.ThreadID] = struct{}{}
		threadIDs = append(threadIDs, record.ThreadID)
	}
	names, err := threadNames(s.db.WithContext(ctx), threadIDs)
	if err != nil {
		return nil, s.fail(opNoteList, reasonQueryFailed, err)
	}

	result := make([]NoteWithThreadName, 0, len(records))
	for _, record := range records {
		result = append(result, NoteWithThreadName{Note: NoteFromRecord(record), ThreadName: names[record.ThreadID]})
	}
	return result, nil
}

// CreateInThread adds a top-level note to a live thread.
func (s *NoteService) CreateInThread(ctx context.Context, threadID, content string) (Note, error) {
	thread, err := takeThread(s.db.WithContext(ctx), threadID)
	if err != nil {
		return Note{}, s.fail(opNoteCreateThread, reasonQueryFailed, err, zap.String("thread_id", threadID))
	}
	if thread == nil {
		return Note{}, reject(opNoteCreateThread, reasonNotFound, ErrThreadNotFound)
	}
	if thread.Trash || thread.Deleted {
		return Note{}, reject(opNoteCreateThread, reasonRemoved, ErrThreadRemoved)
	}
	return s.insert(ctx, opNoteCreateThread, threadID, nil, content)
}

// CreateInTree adds a tree note under a live top-level note.
func (s *NoteService) CreateInTree(ctx context.Context, parentID, content string) (Note, error) {
	parent, err := takeNote(s.db.WithContext(ctx), parentID)
	if err != nil {
		return Note{}, s.fail(opNoteCreateTree, reasonQueryFailed, err, zap.String("note_id", parentID))
	}
	if parent == nil {
		return Note{}, reject(opNoteCreateTree, reasonNotFound, ErrNoteNotFound)
	}
	if parent.ParentID != nil {
		return Note{}, reject(opNoteCreateTree, reasonNestedTree, ErrNestedTree)
	}
	if parent.Trash || parent.Deleted {
		return Note{}, reject(opNoteCreateTree, reasonRemoved, ErrNoteRemoved)
	}
	return s.insert(ctx, opNoteCreateTree, parent.ThreadID, &parent.ID, content)
}

func (s *NoteService) insert(ctx context.Context, operation, threadID string, parentID *string, content string) (Note, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return Note{}, s.fail(operation, reasonIDFailed, err)
	}
	now := s.now()
	note := Note{
		ID:         id,
		Content:    content,
		ThreadID:   threadID,
		ParentID:   parentID,
		CreatedAt:  now,
		UpdatedAt:  now,
		ModifiedAt: now,
	}
	record := note.Record()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return touchAncestors(tx, record, now.UnixMilli())
	})
	if err != nil {
		return Note{}, s.fail(operation, reasonWriteFailed, err, zap.String("note_id", id), zap.String("thread_id", threadID))
	}
	return note, nil
}

// Edit replaces the content of a live note.
func (s *NoteService) Edit(ctx context.Context, id, content string) (Note, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Note{}, err
	}
	if current.Trash || current.Deleted {
		return Note{}, reject(opNoteEdit, reasonRemoved, ErrNoteRemoved)
	}

	at := s.now().UnixMilli()
	record := current.Record()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&NoteRecord{}).Where("id = ?", id).
			Updates(map[string]any{"content": content, "updated_at_ms": at, "modified_at_ms": at}).Error; err != nil {
			return err
		}
		return touchAncestors(tx, record, at)
	})
	if err != nil {
		return Note{}, s.fail(opNoteEdit, reasonWriteFailed, err, zap.String("note_id", id))
	}
	return s.Get(ctx, id)
}

// Remove moves a live note and its live tree notes to the trash.
func (s *NoteService) Remove(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Trash || current.Deleted {
		return reject(opNoteRemove, reasonRemoved, ErrNoteRemoved)
	}

	at := s.now().UnixMilli()
	record := current.Record()
	trashed := map[string]any{"trash": true, "updated_at_ms": at, "modified_at_ms": at}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&NoteRecord{}).Where("id = ?", id).Updates(trashed).Error; err != nil {
			return err
		}
		if err := tx.Model(&NoteRecord{}).
			Where("parent_id = ? AND trash = ? AND deleted = ?", id, false, false).
			Updates(trashed).Error; err != nil {
			return err
		}
		return touchAncestors(tx, record, at)
	})
	if err != nil {
		return s.fail(opNoteRemove, reasonWriteFailed, err, zap.String("note_id", id))
	}
	return nil
}

// Restore takes a note out of the trash. A trashed thread or parent note is
// restored along with it; a live one only has its updatedAt bumped.
func (s *NoteService) Restore(ctx context.Context, id string) (Note, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Note{}, err
	}
	if current.Deleted {
		return Note{}, reject(opNoteRestore, reasonAlreadyDeleted, ErrAlreadyDeleted)
	}
	if !current.Trash {
		return Note{}, reject(opNoteRestore, reasonNotInTrash, ErrNotInTrash)
	}

	at := s.now().UnixMilli()
	restored := map[string]any{"trash": false, "updated_at_ms": at, "modified_at_ms": at}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&NoteRecord{}).Where("id = ?", id).Updates(restored).Error; err != nil {
			return err
		}

		thread, err := takeThread(tx, current.ThreadID)
		if err != nil {
			return err
		}
		if thread == nil {
			return ErrThreadNotFound
		}
		if thread.Trash {
			err = tx.Model(&ThreadRecord{}).Where("id = ?", thread.ID).Updates(restored).Error
		} else {
			err = touchThread(tx, thread.ID, at)
		}
		if err != nil {
			return err
		}

		if current.ParentID == nil {
			return nil
		}
		parent, err := takeNote(tx, *current.ParentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return ErrNoteNotFound
		}
		if parent.Trash {
			return tx.Model(&NoteRecord{}).Where("id = ?", parent.ID).Updates(restored).Error
		}
		return touchNote(tx, parent.ID, at)
	})
	if err != nil {
		return Note{}, s.fail(opNoteRestore, reasonWriteFailed, err, zap.String("note_id", id))
	}
	return s.Get(ctx, id)
}

// Delete turns a trashed note into a tombstone and drops its tree notes.
func (s *NoteService) Delete(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Deleted {
		return reject(opNoteDelete, reasonAlreadyDeleted, ErrAlreadyDeleted)
	}
	if !current.Trash {
		return reject(opNoteDelete, reasonNotInTrash, ErrMustTrashFirst)
	}

	at := s.now().UnixMilli()
	record := current.Record()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&NoteRecord{}).Where("id = ?", id).
			Updates(map[string]any{"deleted": true, "updated_at_ms": at, "modified_at_ms": at}).Error; err != nil {
			return err
		}
		if err := tx.Where("parent_id = ?", id).Delete(&NoteRecord{}).Error; err != nil {
			return err
		}
		return touchAncestors(tx, record, at)
	})
	if err != nil {
		return s.fail(opNoteDelete, reasonWriteFailed, err, zap.String("note_id", id))
	}
	return nil
}
