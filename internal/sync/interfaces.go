// Package sync pushes local ledger changes to the server and pulls remote
// changes back, one pass at a time.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/ledgersync/internal/models"
)

// Syncer is the orchestrator surface used by the mode controller and the daemon.
// This interface allows for fakes in tests.
type Syncer interface {
	// TriggerSync runs one pass. It returns (nil, nil) when the pass was
	// skipped because one is already running or a precondition failed.
	TriggerSync(ctx context.Context) (*SyncResult, error)

	// State returns whether a pass is in flight.
	State() State

	// LastSync returns the end time of the last completed pass.
	LastSync() *time.Time

	// LastError returns the error of the last pass, if it failed.
	LastError() error
}

// IdentityResolver resolves the current user. A nil identity or an error
// makes the pass a no-op.
type IdentityResolver interface {
	Resolve(ctx context.Context) (*models.Identity, error)
}

// SecurityGate validates an identity before any network traffic.
type SecurityGate interface {
	Check(ctx context.Context, identity *models.Identity) error
}

// ModeGate reports whether the current network mode allows a pass.
type ModeGate interface {
	AllowsSync() bool
}

// PendingChecker reports records inside a deletion grace window.
type PendingChecker interface {
	IsPending(kind models.Kind, localID int64) bool
}

// Hook runs after every completed pass.
type Hook func(ctx context.Context) error
