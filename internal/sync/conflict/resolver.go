// Package conflict decides which side of a pulled record wins.
// Revision is the sole authority; timestamps are informational only.
package conflict

import (
	"time"

	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
)

// Action is what the puller does with a remote record.
type Action int

const (
	// ActionSkip leaves the local row untouched.
	ActionSkip Action = iota
	// ActionInsert stores a remote record that has no local row.
	ActionInsert
	// ActionApply overwrites the local row with the remote record.
	ActionApply
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionApply:
		return "apply"
	default:
		return "skip"
	}
}

// Decision is the outcome of comparing a local and a remote record.
type Decision struct {
	Action Action
	// ConflictLog is set whenever the revisions disagreed.
	ConflictLog *models.ConflictLog
}

// Resolver compares revisions.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a Resolver stamping logs with now.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Resolve decides what to do with remote given the local copy, which may be nil.
//   - no local row: insert, unless the remote is a tombstone
//   - equal revisions: skip
//   - remote revision higher: apply, logged as remote_wins
//   - local revision higher: skip, logged as local_wins; the local edit is pushed later
func (r *Resolver) Resolve(local, remote models.Record) (*Decision, error) {
	if remote == nil {
		return nil, ErrInvalidConflict
	}
	rm := remote.Meta()

	if local == nil {
		if rm.IsDeleted {
			return &Decision{Action: ActionSkip}, nil
		}
		return &Decision{Action: ActionInsert}, nil
	}
	if local.Kind() != remote.Kind() {
		return nil, ErrKindMismatch
	}
	lm := local.Meta()
	if lm.CID != "" && rm.CID != "" && lm.CID != rm.CID &&
		(lm.ServerID == "" || lm.ServerID != rm.ServerID) {
		return nil, ErrItemIDMismatch
	}

	if lm.Revision == rm.Revision {
		return &Decision{Action: ActionSkip}, nil
	}

	d := &Decision{Action: ActionSkip}
	resolution := models.LocalWins
	if rm.Revision > lm.Revision {
		d.Action = ActionApply
		resolution = models.RemoteWins
	}

	cid := lm.CID
	if cid == "" {
		cid = rm.CID
	}
	d.ConflictLog = &models.ConflictLog{
		ItemCID:        cid,
		Kind:           local.Kind(),
		LocalRevision:  lm.Revision,
		RemoteRevision: rm.Revision,
		Resolution:     resolution,
		DetectedAt:     r.now().UnixMilli(),
	}

	logging.Info("revision conflict resolved", map[string]interface{}{
		"kind":            local.Kind(),
		"cid":             cid,
		"local_revision":  lm.Revision,
		"remote_revision": rm.Revision,
		"local_synced":    lm.Synced,
		"resolution":      resolution,
	})
	return d, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: remote record must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "item cid mismatch"}
	ErrKindMismatch    = &ConflictError{Message: "record kind mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
