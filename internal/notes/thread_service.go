package notes

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ThreadService reads and mutates threads on the local store.
type ThreadService struct {
	service
}

// NewThreadService validates the configuration and builds a ThreadService.
func NewThreadService(cfg ServiceConfig) (*ThreadService, error) {
	base, err := newService(cfg)
	if err != nil {
		return nil, err
	}
	return &ThreadService{service: base}, nil
}

// Find returns the thread with the given id, tombstones included, or nil when absent.
func (s *ThreadService) Find(ctx context.Context, id string) (*Thread, error) {
	record, err := takeThread(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, s.fail(opThreadFind, reasonQueryFailed, err, zap.String("thread_id", id))
	}
	if record == nil {
		return nil, nil
	}
	thread := ThreadFromRecord(*record)
	return &thread, nil
}

// Get returns the thread with the given id or ErrThreadNotFound.
func (s *ThreadService) Get(ctx context.Context, id string) (Thread, error) {
	thread, err := s.Find(ctx, id)
	if err != nil {
		return Thread{}, err
	}
	if thread == nil {
		return Thread{}, reject(opThreadFind, reasonNotFound, ErrThreadNotFound)
	}
	return *thread, nil
}

// ListActive returns threads that are neither trashed nor deleted, oldest first.
func (s *ThreadService) ListActive(ctx context.Context) ([]Thread, error) {
	var records []ThreadRecord
	if err := s.db.WithContext(ctx).
		Where("trash = ? AND deleted = ?", false, false).
		Order("created_at_ms ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, s.fail(opThreadList, reasonQueryFailed, err)
	}
	threads := make([]Thread, 0, len(records))
	for _, record := range records {
		threads = append(threads, ThreadFromRecord(record))
	}
	return threads, nil
}

// Create stores a new monologue thread.
func (s *ThreadService) Create(ctx context.Context, name string) (Thread, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return Thread{}, s.fail(opThreadCreate, reasonIDFailed, err)
	}
	now := s.now()
	thread := Thread{
		ID:          id,
		Name:        strings.TrimSpace(name),
		DisplayMode: DisplayModeMonologue,
		CreatedAt:   now,
		UpdatedAt:   now,
		ModifiedAt:  now,
	}
	record := thread.Record()
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Thread{}, s.fail(opThreadCreate, reasonWriteFailed, err, zap.String("thread_id", id))
	}
	return thread, nil
}

// Rename changes the thread name.
func (s *ThreadService) Rename(ctx context.Context, id, name string) (Thread, error) {
	return s.modifyLive(ctx, opThreadRename, id, map[string]any{"name": strings.TrimSpace(name)})
}

// ChangeDisplayMode switches between monologue and scrap presentation.
func (s *ThreadService) ChangeDisplayMode(ctx context.Context, id string, mode DisplayMode) (Thread, error) {
	if _, err := ParseDisplayMode(string(mode)); err != nil {
		return Thread{}, reject(opThreadDisplayMode, reasonInvalidInput, err)
	}
	return s.modifyLive(ctx, opThreadDisplayMode, id, map[string]any{"display_mode": string(mode)})
}

func (s *ThreadService) modifyLive(ctx context.Context, operation, id string, columns map[string]any) (Thread, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Thread{}, err
	}
	if current.Trash || current.Deleted {
		return Thread{}, reject(operation, reasonRemoved, ErrThreadRemoved)
	}

	now := s.now()
	columns["updated_at_ms"] = now.UnixMilli()
	columns["modified_at_ms"] = now.UnixMilli()
	if err := s.db.WithContext(ctx).Model(&ThreadRecord{}).Where("id = ?", id).Updates(columns).Error; err != nil {
		return Thread{}, s.fail(operation, reasonWriteFailed, err, zap.String("thread_id", id))
	}
	return s.Get(ctx, id)
}

// Remove moves the thread and its live notes to the trash.
func (s *ThreadService) Remove(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Trash || current.Deleted {
		return reject(opThreadRemove, reasonRemoved, ErrThreadRemoved)
	}

	at := s.now().UnixMilli()
	trashed := map[string]any{"trash": true, "updated_at_ms": at, "modified_at_ms": at}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ThreadRecord{}).Where("id = ?", id).Updates(trashed).Error; err != nil {
			return err
		}
		return tx.Model(&NoteRecord{}).
			Where("thread_id = ? AND trash = ? AND deleted = ?", id, false, false).
			Updates(trashed).Error
	})
	if err != nil {
		return s.fail(opThreadRemove, reasonWriteFailed, err, zap.String("thread_id", id))
	}
	return nil
}

// Delete turns a trashed thread into a tombstone and drops its notes.
func (s *ThreadService) Delete(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Deleted {
		return reject(opThreadDelete, reasonAlreadyDeleted, ErrAlreadyDeleted)
	}
	if !current.Trash {
		return reject(opThreadDelete, reasonNotInTrash, ErrMustTrashFirst)
	}

	at := s.now().UnixMilli()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ThreadRecord{}).Where("id = ?", id).
			Updates(map[string]any{"deleted": true, "updated_at_ms": at, "modified_at_ms": at}).Error; err != nil {
			return err
		}
		return tx.Where("thread_id = ?", id).Delete(&NoteRecord{}).Error
	})
	if err != nil {
		return s.fail(opThreadDelete, reasonWriteFailed, err, zap.String("thread_id", id))
	}
	return nil
}
