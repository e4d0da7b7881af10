package sync

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/bluenote/internal/notes"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// EngineConfig wires the local lookups the diff engine reads from.
type EngineConfig struct {
	Threads ThreadFinder
	Notes   NoteFinder
	// Concurrency bounds the branches diffed at once on each level.
	Concurrency int
	Logger      *zap.Logger
}

// Engine computes the Diff that brings the local store up to a companion's state.
// It only reads; writes happen in Applier.
type Engine struct {
	threads     ThreadFinder
	notes       NoteFinder
	concurrency int
	logger      *zap.Logger
}

// NewEngine validates the configuration and builds an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Threads == nil {
		return nil, errors.Wrap(ErrMissingDependency, "thread finder")
	}
	if cfg.Notes == nil {
		return nil, errors.Wrap(ErrMissingDependency, "note finder")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		threads:     cfg.Threads,
		notes:       cfg.Notes,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Diff compares every thread the companion reports with the local store.
// timestamp becomes the updatedAt of every record in the result.
func (e *Engine) Diff(ctx context.Context, companion Companion, timestamp time.Time) (Diff, error) {
	timestamp = notes.NormalizeTime(timestamp)
	updates, err := companion.GetThreadUpdates(ctx)
	if err != nil {
		return Diff{}, companionFailure(err, "thread updates")
	}
	diff, err := fanOut(ctx, e.concurrency, updates, func(ctx context.Context, update notes.Thread) (Diff, error) {
		return e.diffThreadUpdate(ctx, companion, update, timestamp)
	})
	if err != nil {
		return Diff{}, err
	}
	e.logger.Debug("diff computed",
		zap.Int("threads_reported", len(updates)),
		zap.Int("changes", diff.Len()))
	return diff, nil
}

func (e *Engine) diffThreadUpdate(ctx context.Context, companion Companion, update notes.Thread, timestamp time.Time) (Diff, error) {
	local, err := e.threads.Find(ctx, update.ID)
	if err != nil {
		return Diff{}, errors.Wrapf(err, "find local thread %s", update.ID)
	}
	var current *version
	if local != nil {
		current = &version{deleted: local.Deleted, modifiedAt: local.ModifiedAt}
	}
	decision := decide(current, version{deleted: update.Deleted, modifiedAt: update.ModifiedAt})

	stamped := update
	stamped.UpdatedAt = timestamp

	var diff Diff
	if decision.create {
		diff.ThreadCreate = append(diff.ThreadCreate, stamped)
	}
	if decision.update {
		diff.ThreadUpdate = append(diff.ThreadUpdate, stamped)
	}
	if decision.cascade {
		diff.NoteDeleteThreadIDs = append(diff.NoteDeleteThreadIDs, update.ID)
	}
	if decision.dump {
		dump, err := companion.GetAllNotesInThread(ctx, update.ID)
		if err != nil {
			return Diff{}, companionFailure(err, "notes in thread")
		}
		diff.NoteCreate = append(diff.NoteCreate, stampAll(parentsFirst(dump), timestamp)...)
	}
	if decision.descend {
		nested, err := e.DiffThread(ctx, stamped, companion, timestamp)
		if err != nil {
			return Diff{}, err
		}
		diff = diff.Merge(nested)
	}
	return diff, nil
}

// DiffThread compares the top-level notes of a thread present on both sides.
func (e *Engine) DiffThread(ctx context.Context, thread notes.Thread, companion Companion, timestamp time.Time) (Diff, error) {
	timestamp = notes.NormalizeTime(timestamp)
	updates, err := companion.GetNoteUpdatesInThread(ctx, thread.ID)
	if err != nil {
		return Diff{}, companionFailure(err, "note updates in thread")
	}
	return fanOut(ctx, e.concurrency, updates, func(ctx context.Context, update notes.Note) (Diff, error) {
		return e.diffNoteUpdate(ctx, companion, update, timestamp)
	})
}

func (e *Engine) diffNoteUpdate(ctx context.Context, companion Companion, update notes.Note, timestamp time.Time) (Diff, error) {
	decision, err := e.decideNote(ctx, update)
	if err != nil {
		return Diff{}, err
	}

	stamped := update
	stamped.UpdatedAt = timestamp

	var diff Diff
	if decision.create {
		diff.NoteCreate = append(diff.NoteCreate, stamped)
	}
	if decision.update {
		diff.NoteUpdate = append(diff.NoteUpdate, stamped)
	}
	if decision.cascade {
		diff.NoteDeleteNoteIDs = append(diff.NoteDeleteNoteIDs, update.ID)
	}
	if decision.dump {
		dump, err := companion.GetAllNotesInTree(ctx, update.ID)
		if err != nil {
			return Diff{}, companionFailure(err, "notes in tree")
		}
		diff.NoteCreate = append(diff.NoteCreate, stampAll(dump, timestamp)...)
	}
	if decision.descend {
		nested, err := e.DiffTree(ctx, stamped, companion, timestamp)
		if err != nil {
			return Diff{}, err
		}
		diff = diff.Merge(nested)
	}
	return diff, nil
}

// DiffTree compares the tree notes under a parent present on both sides.
// Tree notes have no children, so only creates and updates come out of it.
func (e *Engine) DiffTree(ctx context.Context, parent notes.Note, companion Companion, timestamp time.Time) (Diff, error) {
	timestamp = notes.NormalizeTime(timestamp)
	updates, err := companion.GetNoteUpdatesInTree(ctx, parent.ID)
	if err != nil {
		return Diff{}, companionFailure(err, "note updates in tree")
	}
	return fanOut(ctx, e.concurrency, updates, func(ctx context.Context, update notes.Note) (Diff, error) {
		decision, err := e.decideNote(ctx, update)
		if err != nil {
			return Diff{}, err
		}
		stamped := update
		stamped.UpdatedAt = timestamp

		var diff Diff
		if decision.create {
			diff.NoteCreate = append(diff.NoteCreate, stamped)
		}
		if decision.update {
			diff.NoteUpdate = append(diff.NoteUpdate, stamped)
		}
		return diff, nil
	})
}

func (e *Engine) decideNote(ctx context.Context, update notes.Note) (plan, error) {
	local, err := e.notes.Find(ctx, update.ID)
	if err != nil {
		return plan{}, errors.Wrapf(err, "find local note %s", update.ID)
	}
	var current *version
	if local != nil {
		current = &version{deleted: local.Deleted, modifiedAt: local.ModifiedAt}
	}
	return decide(current, version{deleted: update.Deleted, modifiedAt: update.ModifiedAt}), nil
}

// fanOut diffs every item on its own goroutine and merges the results in
// input order, so the output does not depend on scheduling.
func fanOut[T any](ctx context.Context, limit int, items []T, branch func(context.Context, T) (Diff, error)) (Diff, error) {
	if len(items) == 0 {
		return Diff{}, nil
	}
	results := make([]Diff, len(items))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for index, item := range items {
		index, item := index, item
		group.Go(func() error {
			diff, err := branch(groupCtx, item)
			if err != nil {
				return err
			}
			results[index] = diff
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Diff{}, err
	}

	var merged Diff
	for _, result := range results {
		merged = merged.Merge(result)
	}
	return merged, nil
}

// parentsFirst orders a thread dump so every top-level note precedes the tree notes.
func parentsFirst(dump []notes.Note) []notes.Note {
	ordered := make([]notes.Note, 0, len(dump))
	for _, note := range dump {
		if note.ParentID == nil {
			ordered = append(ordered, note)
		}
	}
	for _, note := range dump {
		if note.ParentID != nil {
			ordered = append(ordered, note)
		}
	}
	return ordered
}

func stampAll(records []notes.Note, timestamp time.Time) []notes.Note {
	stamped := make([]notes.Note, len(records))
	for index, record := range records {
		record.UpdatedAt = timestamp
		stamped[index] = record
	}
	return stamped
}
