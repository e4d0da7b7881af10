package notes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%03d", p.next), nil
}

// tickingClock advances one second on every read so each mutation gets a distinct timestamp.
type tickingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{current: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notes.db") + "?_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ThreadRecord{}, &NoteRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestServices(t *testing.T) (*ThreadService, *NoteService) {
	t.Helper()
	cfg := ServiceConfig{
		Database:   openTestDatabase(t),
		Clock:      newTickingClock().Now,
		IDProvider: &sequentialIDs{},
	}
	threads, err := NewThreadService(cfg)
	if err != nil {
		t.Fatalf("failed to create thread service: %v", err)
	}
	notes, err := NewNoteService(cfg)
	if err != nil {
		t.Fatalf("failed to create note service: %v", err)
	}
	return threads, notes
}

func mustCreateThread(t *testing.T, service *ThreadService, name string) Thread {
	t.Helper()
	thread, err := service.Create(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}
	return thread
}

func mustCreateInThread(t *testing.T, service *NoteService, threadID, content string) Note {
	t.Helper()
	note, err := service.CreateInThread(context.Background(), threadID, content)
	if err != nil {
		t.Fatalf("failed to create note: %v", err)
	}
	return note
}

func mustCreateInTree(t *testing.T, service *NoteService, parentID, content string) Note {
	t.Helper()
	note, err := service.CreateInTree(context.Background(), parentID, content)
	if err != nil {
		t.Fatalf("failed to create tree note: %v", err)
	}
	return note
}

func mustGetThread(t *testing.T, service *ThreadService, id string) Thread {
	t.Helper()
	thread, err := service.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load thread %s: %v", id, err)
	}
	return thread
}

func mustGetNote(t *testing.T, service *NoteService, id string) Note {
	t.Helper()
	note, err := service.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load note %s: %v", id, err)
	}
	return note
}

func expectCode(t *testing.T, err error, sentinel error, code string) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected %v, got %v", sentinel, err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("expected code %q, got %q", code, serviceErr.Code())
	}
}
