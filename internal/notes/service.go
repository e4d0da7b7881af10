package notes

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "notes.service.new"

	opThreadFind        = "notes.thread.find"
	opThreadList        = "notes.thread.list"
	opThreadCreate      = "notes.thread.create"
	opThreadRename      = "notes.thread.rename"
	opThreadDisplayMode = "notes.thread.change_display_mode"
	opThreadRemove      = "notes.thread.remove"
	opThreadDelete      = "notes.thread.delete"

	opNoteFind         = "notes.note.find"
	opNoteList         = "notes.note.list"
	opNoteCreateThread = "notes.note.create_in_thread"
	opNoteCreateTree   = "notes.note.create_in_tree"
	opNoteEdit         = "notes.note.edit"
	opNoteRemove       = "notes.note.remove"
	opNoteRestore      = "notes.note.restore"
	opNoteDelete       = "notes.note.delete"
)

const (
	reasonQueryFailed    = "query_failed"
	reasonWriteFailed    = "write_failed"
	reasonIDFailed       = "id_generation_failed"
	reasonNotFound       = "not_found"
	reasonRemoved        = "removed"
	reasonAlreadyDeleted = "already_deleted"
	reasonNotInTrash     = "not_in_trash"
	reasonNestedTree     = "nested_tree"
	reasonInvalidInput   = "invalid_input"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the dependencies shared by ThreadService and NoteService.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func newService(cfg ServiceConfig) (service, error) {
	if cfg.Database == nil {
		return service{}, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return service{}, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

func (s service) now() time.Time {
	return NormalizeTime(s.clock())
}

// fail logs an infrastructure failure and wraps it.
func (s service) fail(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes service error", attrs...)
	return newServiceError(operation, reason, err)
}

// reject wraps a precondition violation. These are caller errors and are not logged.
func reject(operation, reason string, cause error) error {
	return newServiceError(operation, reason, cause)
}

func takeThread(db *gorm.DB, id string) (*ThreadRecord, error) {
	var record ThreadRecord
	err := db.Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func takeNote(db *gorm.DB, id string) (*NoteRecord, error) {
	var record NoteRecord
	err := db.Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func touchThread(tx *gorm.DB, id string, at int64) error {
	return tx.Model(&ThreadRecord{}).Where("id = ?", id).Update("updated_at_ms", at).Error
}

func touchNote(tx *gorm.DB, id string, at int64) error {
	return tx.Model(&NoteRecord{}).Where("id = ?", id).Update("updated_at_ms", at).Error
}

// touchAncestors bumps updatedAt on the note's thread and, for a tree note, its parent.
func touchAncestors(tx *gorm.DB, note NoteRecord, at int64) error {
	if err := touchThread(tx, note.ThreadID, at); err != nil {
		return err
	}
	if note.ParentID != nil {
		return touchNote(tx, *note.ParentID, at)
	}
	return nil
}
