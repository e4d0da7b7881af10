package sync

import "github.com/MarcoPoloResearchLab/bluenote/internal/notes"

// Diff is the set of local mutations needed to reflect one peer's newer state.
// NoteDeleteThreadIDs removes every note of a thread and NoteDeleteNoteIDs
// every tree note of a parent, so a subtree is purged without enumerating it.
type Diff struct {
	ThreadCreate        []notes.Thread
	ThreadUpdate        []notes.Thread
	ThreadDelete        []notes.Thread
	NoteCreate          []notes.Note
	NoteUpdate          []notes.Note
	NoteDelete          []notes.Note
	NoteDeleteThreadIDs []string
	NoteDeleteNoteIDs   []string
}

// Merge returns a new Diff with other's lists appended after d's. Callers
// merge in traversal order so a parent's create precedes its children's.
func (d Diff) Merge(other Diff) Diff {
	return Diff{
		ThreadCreate:        concat(d.ThreadCreate, other.ThreadCreate),
		ThreadUpdate:        concat(d.ThreadUpdate, other.ThreadUpdate),
		ThreadDelete:        concat(d.ThreadDelete, other.ThreadDelete),
		NoteCreate:          concat(d.NoteCreate, other.NoteCreate),
		NoteUpdate:          concat(d.NoteUpdate, other.NoteUpdate),
		NoteDelete:          concat(d.NoteDelete, other.NoteDelete),
		NoteDeleteThreadIDs: concat(d.NoteDeleteThreadIDs, other.NoteDeleteThreadIDs),
		NoteDeleteNoteIDs:   concat(d.NoteDeleteNoteIDs, other.NoteDeleteNoteIDs),
	}
}

// Len counts the entries across all eight lists.
func (d Diff) Len() int {
	return len(d.ThreadCreate) + len(d.ThreadUpdate) + len(d.ThreadDelete) +
		len(d.NoteCreate) + len(d.NoteUpdate) + len(d.NoteDelete) +
		len(d.NoteDeleteThreadIDs) + len(d.NoteDeleteNoteIDs)
}

// IsEmpty reports whether applying the diff would change nothing.
func (d Diff) IsEmpty() bool {
	return d.Len() == 0
}

func concat[T any](left, right []T) []T {
	if len(left)+len(right) == 0 {
		return nil
	}
	merged := make([]T, 0, len(left)+len(right))
	merged = append(merged, left...)
	return append(merged, right...)
}
