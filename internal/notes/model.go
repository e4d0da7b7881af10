package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DisplayMode is the presentation hint stored on a thread.
type DisplayMode string

const (
	// DisplayModeMonologue renders a thread as a single stream of notes.
	DisplayModeMonologue DisplayMode = "monologue"
	// DisplayModeScrap renders a thread as a board of independent notes.
	DisplayModeScrap DisplayMode = "scrap"
)

var (
	// ErrThreadNotFound indicates that a thread expected to exist is absent.
	ErrThreadNotFound = errors.New("notes: thread not found")
	// ErrNoteNotFound indicates that a note expected to exist is absent.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrThreadRemoved indicates that the thread is in the trash or deleted.
	ErrThreadRemoved = errors.New("notes: thread is in trash or deleted")
	// ErrNoteRemoved indicates that the note is in the trash or deleted.
	ErrNoteRemoved = errors.New("notes: note is in trash or deleted")
	// ErrNestedTree indicates an attempt to create a tree note under a tree note.
	ErrNestedTree = errors.New("notes: nested tree is prohibited")
	// ErrMustTrashFirst indicates a hard delete of an entity that is not in the trash.
	ErrMustTrashFirst = errors.New("notes: entity must be moved to trash before delete")
	// ErrAlreadyDeleted indicates that the entity is already a tombstone.
	ErrAlreadyDeleted = errors.New("notes: entity already deleted")
	// ErrNotInTrash indicates a restore of an entity that is not in the trash.
	ErrNotInTrash = errors.New("notes: entity not in trash")
	// ErrInvalidDisplayMode indicates an unknown display mode value.
	ErrInvalidDisplayMode = errors.New("notes: invalid display mode")
	// ErrInvalidPage indicates a page request with a non-positive count.
	ErrInvalidPage = errors.New("notes: invalid page")
)

// ParseDisplayMode validates raw input and returns a DisplayMode.
func ParseDisplayMode(rawInput string) (DisplayMode, error) {
	switch DisplayMode(strings.ToLower(strings.TrimSpace(rawInput))) {
	case DisplayModeMonologue:
		return DisplayModeMonologue, nil
	case DisplayModeScrap:
		return DisplayModeScrap, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDisplayMode, rawInput)
	}
}

// Thread is a top-level container of notes.
type Thread struct {
	ID          string
	Name        string
	DisplayMode DisplayMode
	Trash       bool
	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ModifiedAt  time.Time
}

// Note is either a top-level note of a thread (ParentID nil) or a tree note
// nested one level under a top-level note.
type Note struct {
	ID         string
	Content    string
	ThreadID   string
	ParentID   *string
	Trash      bool
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ModifiedAt time.Time
}

// IsTreeNote reports whether the note is nested under another note.
func (n Note) IsTreeNote() bool {
	return n.ParentID != nil
}

// NoteWithChildrenCount decorates a top-level note with its live tree note count.
type NoteWithChildrenCount struct {
	Note
	ChildrenCount int64
}

// NoteWithThreadName decorates a note with the name of its thread.
type NoteWithThreadName struct {
	Note
	ThreadName string
}

// NormalizeTime truncates a timestamp to the millisecond precision kept by the store.
func NormalizeTime(value time.Time) time.Time {
	return value.UTC().Truncate(time.Millisecond)
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// ThreadRecord is the persisted form of a Thread.
type ThreadRecord struct {
	ID           string `gorm:"column:id;primaryKey;size:64;not null"`
	Name         string `gorm:"column:name;type:text;not null"`
	DisplayMode  string `gorm:"column:display_mode;size:16;not null"`
	Trash        bool   `gorm:"column:trash;not null;index:idx_threads_state,priority:1"`
	Deleted      bool   `gorm:"column:deleted;not null;index:idx_threads_state,priority:2"`
	CreatedAtMs  int64  `gorm:"column:created_at_ms;not null;index:idx_threads_created"`
	UpdatedAtMs  int64  `gorm:"column:updated_at_ms;not null;index:idx_threads_updated"`
	ModifiedAtMs int64  `gorm:"column:modified_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ThreadRecord) TableName() string {
	return "threads"
}

// NoteRecord is the persisted form of a Note. Thread and Parent exist only to
// declare the foreign keys; they are never preloaded.
type NoteRecord struct {
	ID           string        `gorm:"column:id;primaryKey;size:64;not null"`
	Content      string        `gorm:"column:content;type:text;not null"`
	ThreadID     string        `gorm:"column:thread_id;size:64;not null;index:idx_notes_thread_parent,priority:1"`
	ParentID     *string       `gorm:"column:parent_id;size:64;index:idx_notes_thread_parent,priority:2;index:idx_notes_parent"`
	Trash        bool          `gorm:"column:trash;not null"`
	Deleted      bool          `gorm:"column:deleted;not null"`
	CreatedAtMs  int64         `gorm:"column:created_at_ms;not null;index:idx_notes_created"`
	UpdatedAtMs  int64         `gorm:"column:updated_at_ms;not null;index:idx_notes_updated"`
	ModifiedAtMs int64         `gorm:"column:modified_at_ms;not null"`
	Thread       *ThreadRecord `gorm:"foreignKey:ThreadID;references:ID"`
	Parent       *NoteRecord   `gorm:"foreignKey:ParentID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRecord) TableName() string {
	return "notes"
}

// ThreadFromRecord converts a persisted record into its domain form.
func ThreadFromRecord(record ThreadRecord) Thread {
	return Thread{
		ID:          record.ID,
		Name:        record.Name,
		DisplayMode: DisplayMode(record.DisplayMode),
		Trash:       record.Trash,
		Deleted:     record.Deleted,
		CreatedAt:   fromMillis(record.CreatedAtMs),
		UpdatedAt:   fromMillis(record.UpdatedAtMs),
		ModifiedAt:  fromMillis(record.ModifiedAtMs),
	}
}

// Record converts the thread into its persisted form.
func (t Thread) Record() ThreadRecord {
	return ThreadRecord{
		ID:           t.ID,
		Name:         t.Name,
		DisplayMode:  string(t.DisplayMode),
		Trash:        t.Trash,
		Deleted:      t.Deleted,
		CreatedAtMs:  t.CreatedAt.UnixMilli(),
		UpdatedAtMs:  t.UpdatedAt.UnixMilli(),
		ModifiedAtMs: t.ModifiedAt.UnixMilli(),
	}
}

// NoteFromRecord converts a persisted record into its domain form.
func NoteFromRecord(record NoteRecord) Note {
	var parentID *string
	if record.ParentID != nil {
		value := *record.ParentID
		parentID = &value
	}
	return Note{
		ID:         record.ID,
		Content:    record.Content,
		ThreadID:   record.ThreadID,
		ParentID:   parentID,
		Trash:      record.Trash,
		Deleted:    record.Deleted,
		CreatedAt:  fromMillis(record.CreatedAtMs),
		UpdatedAt:  fromMillis(record.UpdatedAtMs),
		ModifiedAt: fromMillis(record.ModifiedAtMs),
	}
}

// Record converts the note into its persisted form.
func (n Note) Record() NoteRecord {
	var parentID *string
	if n.ParentID != nil {
		value := *n.ParentID
		parentID = &value
	}
	return NoteRecord{
		ID:           n.ID,
		Content:      n.Content,
		ThreadID:     n.ThreadID,
		ParentID:     parentID,
		Trash:        n.Trash,
		Deleted:      n.Deleted,
		CreatedAtMs:  n.CreatedAt.UnixMilli(),
		UpdatedAtMs:  n.UpdatedAt.UnixMilli(),
		ModifiedAtMs: n.ModifiedAt.UnixMilli(),
	}
}
