package sync

import "github.com/cockroachdb/errors"

var (
	// ErrCompanionUnavailable marks failures of a companion query.
	ErrCompanionUnavailable = errors.New("sync: companion unavailable")
	// ErrUpdateTargetMissing reports a diff update whose id has no local row.
	ErrUpdateTargetMissing = errors.New("sync: update target missing")
	// ErrMissingDependency reports a constructor called without a required collaborator.
	ErrMissingDependency = errors.New("sync: missing dependency")
)

func companionFailure(err error, query string) error {
	return errors.Mark(errors.Wrapf(err, "companion %s", query), ErrCompanionUnavailable)
}
