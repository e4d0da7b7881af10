package sync

import (
	"context"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/database"
	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func at(minute int) time.Time {
	return time.Date(2026, 5, 1, 12, minute, 0, 0, time.UTC)
}

func thread(id string, modifiedAt time.Time) notes.Thread {
	return notes.Thread{
		ID:          id,
		Name:        "thread " + id,
		DisplayMode: notes.DisplayModeMonologue,
		CreatedAt:   at(0),
		UpdatedAt:   modifiedAt,
		ModifiedAt:  modifiedAt,
	}
}

func tombstone(t notes.Thread) notes.Thread {
	t.Trash = true
	t.Deleted = true
	return t
}

func note(id, threadID, parentID string, modifiedAt time.Time) notes.Note {
	n := notes.Note{
		ID:         id,
		Content:    "content " + id,
		ThreadID:   threadID,
		CreatedAt:  at(0),
		UpdatedAt:  modifiedAt,
		ModifiedAt: modifiedAt,
	}
	if parentID != "" {
		parent := parentID
		n.ParentID = &parent
	}
	return n
}

func deletedNote(n notes.Note) notes.Note {
	n.Trash = true
	n.Deleted = true
	return n
}

func stampedThreads(records []notes.Thread, timestamp time.Time) []notes.Thread {
	out := make([]notes.Thread, len(records))
	for index, record := range records {
		record.UpdatedAt = timestamp
		out[index] = record
	}
	return out
}

func stampedNotes(records []notes.Note, timestamp time.Time) []notes.Note {
	out := make([]notes.Note, len(records))
	for index, record := range records {
		record.UpdatedAt = timestamp
		out[index] = record
	}
	return out
}

// fakeCompanion serves a fixed peer state held in memory.
type fakeCompanion struct {
	threads []notes.Thread
	notes   []notes.Note
	failOn  string
}

func (c *fakeCompanion) fail(query string) error {
	if c.failOn == query {
		return fmt.Errorf("connection reset during %s", query)
	}
	return nil
}

func (c *fakeCompanion) GetThreadUpdates(context.Context) ([]notes.Thread, error) {
	if err := c.fail("threads"); err != nil {
		return nil, err
	}
	return c.threads, nil
}

func (c *fakeCompanion) GetAllNotesInThread(_ context.Context, threadID string) ([]notes.Note, error) {
	if err := c.fail("thread_dump"); err != nil {
		return nil, err
	}
	return c.filter(func(n notes.Note) bool { return n.ThreadID == threadID && !n.Deleted }), nil
}

func (c *fakeCompanion) GetAllNotesInTree(_ context.Context, parentID string) ([]notes.Note, error) {
	if err := c.fail("tree_dump"); err != nil {
		return nil, err
	}
	return c.filter(func(n notes.Note) bool { return n.ParentID != nil && *n.ParentID == parentID && !n.Deleted }), nil
}

func (c *fakeCompanion) GetNoteUpdatesInThread(_ context.Context, threadID string) ([]notes.Note, error) {
	if err := c.fail("thread_notes"); err != nil {
		return nil, err
	}
	return c.filter(func(n notes.Note) bool { return n.ThreadID == threadID && n.ParentID == nil }), nil
}

func (c *fakeCompanion) GetNoteUpdatesInTree(_ context.Context, parentID string) ([]notes.Note, error) {
	if err := c.fail("tree_notes"); err != nil {
		return nil, err
	}
	return c.filter(func(n notes.Note) bool { return n.ParentID != nil && *n.ParentID == parentID }), nil
}

func (c *fakeCompanion) filter(keep func(notes.Note) bool) []notes.Note {
	var result []notes.Note
	for _, n := range c.notes {
		if keep(n) {
			result = append(result, n)
		}
	}
	return result
}

// store is one device's local database with the sync collaborators over it.
type store struct {
	db      *gorm.DB
	threads *notes.ThreadService
	notes   *notes.NoteService
	engine  *Engine
	applier *Applier
	local   *LocalCompanion
}

type counterIDs struct {
	mu     gosync.Mutex
	prefix string
	next   int
}

func (c *counterIDs) NewID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return fmt.Sprintf("%s-%03d", c.prefix, c.next), nil
}

func newStore(t *testing.T, name string, clock func() time.Time) *store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), name+".db"), zap.NewNop())
	require.NoError(t, err)

	cfg := notes.ServiceConfig{Database: db, Clock: clock, IDProvider: &counterIDs{prefix: name}}
	threads, err := notes.NewThreadService(cfg)
	require.NoError(t, err)
	noteService, err := notes.NewNoteService(cfg)
	require.NoError(t, err)
	engine, err := NewEngine(EngineConfig{Threads: threads, Notes: noteService, Concurrency: 4})
	require.NoError(t, err)
	applier, err := NewApplier(db, zap.NewNop())
	require.NoError(t, err)
	local, err := NewLocalCompanion(db)
	require.NoError(t, err)

	return &store{db: db, threads: threads, notes: noteService, engine: engine, applier: applier, local: local}
}

func (s *store) seed(t *testing.T, threads []notes.Thread, noteRecords []notes.Note) {
	t.Helper()
	require.NoError(t, s.applier.UpdateByDiff(context.Background(), Diff{ThreadCreate: threads, NoteCreate: noteRecords}))
}

func fixedClock(value time.Time) func() time.Time {
	return func() time.Time { return value }
}

// newStepClock advances one second per read.
func newStepClock(start time.Time) func() time.Time {
	var mu gosync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}
