package sync

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
)

// Remote is the server contract the orchestrator pushes to and pulls from.
type Remote interface {
	// Create posts a local-only record. A duplicate cid returns the server's
	// canonical record together with a *ConflictError.
	Create(ctx context.Context, rec models.Record) (models.Record, error)

	// Update replaces a record the server already knows.
	Update(ctx context.Context, rec models.Record) (models.Record, error)

	// UpdateEntryStatus is the narrow path for status-only edits.
	UpdateEntryStatus(ctx context.Context, serverID string, update models.StatusUpdate) (*models.Entry, error)

	// List returns one page of a collection changed since q.Since.
	List(ctx context.Context, kind models.Kind, q ListQuery) (*ListResult, error)

	// Health probes the server.
	Health(ctx context.Context) error
}

// ListQuery selects a page of a collection.
type ListQuery struct {
	OwnerID string
	Since   int64 // epoch ms, inclusive lower bound on updatedAt
	Page    int   // 1-based
	Limit   int
}

// ListResult is one decoded page. Skipped counts records that failed to
// decode and were dropped.
type ListResult struct {
	Records []models.Record
	Total   int
	Skipped int
}

// ErrConflict marks a create rejected because the cid already exists.
var ErrConflict = apperrors.New(apperrors.ErrSyncConflict, "record already exists remotely")

// ConflictError carries the server's canonical copy of a duplicate record.
type ConflictError struct {
	Kind     models.Kind
	CID      string
	Existing models.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s already exists remotely", e.Kind, e.CID)
}

// Unwrap exposes ErrConflict so both errors.Is and apperrors.Is match.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// HTTPError is a non-2xx answer that is neither a conflict nor retryable.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsValidation reports whether the server rejected the payload itself.
func (e *HTTPError) IsValidation() bool {
	return e.StatusCode == 400 || e.StatusCode == 422
}

// failureReason labels a per-record push failure for telemetry.
func failureReason(err error) string {
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr) && httpErr.IsValidation():
		return "validation"
	case errors.As(err, &httpErr):
		return "http"
	case apperrors.Is(err, apperrors.ErrNetwork):
		return "network"
	case apperrors.Is(err, apperrors.ErrValidation):
		return "validation"
	}
	return "other"
}
