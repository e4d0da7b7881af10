package sync

import (
	"context"

	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
)

// Companion is the read-only view of one peer's store. Any error it returns
// means the peer cannot be reached right now.
type Companion interface {
	// GetThreadUpdates returns every thread the peer knows, trashed and tombstoned included.
	GetThreadUpdates(ctx context.Context) ([]notes.Thread, error)
	// GetAllNotesInThread dumps every non-tombstoned note of the thread, top-level notes first.
	GetAllNotesInThread(ctx context.Context, threadID string) ([]notes.Note, error)
	// GetAllNotesInTree dumps every non-tombstoned tree note under the parent.
	GetAllNotesInTree(ctx context.Context, parentID string) ([]notes.Note, error)
	// GetNoteUpdatesInThread returns the current state of every top-level note of the thread.
	GetNoteUpdatesInThread(ctx context.Context, threadID string) ([]notes.Note, error)
	// GetNoteUpdatesInTree returns the current state of every tree note under the parent.
	GetNoteUpdatesInTree(ctx context.Context, parentID string) ([]notes.Note, error)
}

// ThreadFinder looks up local threads, tombstones included. Absence is (nil, nil).
type ThreadFinder interface {
	Find(ctx context.Context, id string) (*notes.Thread, error)
}

// NoteFinder looks up local notes, tombstones included. Absence is (nil, nil).
type NoteFinder interface {
	Find(ctx context.Context, id string) (*notes.Note, error)
}
