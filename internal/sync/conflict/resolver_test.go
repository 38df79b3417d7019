// Package conflict provides unit tests for revision-based resolution.
package conflict

import (
	"testing"
	"time"

	"github.com/kimhsiao/ledgersync/internal/models"
)

func fixedNow() time.Time { return time.UnixMilli(1_700_000_000_000) }

func entry(cid, serverID string, rev int64, deleted bool) *models.Entry {
	return &models.Entry{SyncMeta: models.SyncMeta{CID: cid, ServerID: serverID, Revision: rev, IsDeleted: deleted}}
}

// TestResolve_table covers each branch of the revision rule.
func TestResolve_table(t *testing.T) {
	tests := []struct {
		name       string
		local      models.Record
		remote     models.Record
		wantAction Action
		wantLog    models.Resolution
	}{
		{"absent locally", nil, entry("c", "s", 1, false), ActionInsert, ""},
		{"absent remote tombstone", nil, entry("c", "s", 3, true), ActionSkip, ""},
		{"equal revisions", entry("c", "s", 2, false), entry("c", "s", 2, false), ActionSkip, ""},
		{"remote newer", entry("c", "s", 2, false), entry("c", "s", 3, false), ActionApply, models.RemoteWins},
		{"local newer", entry("c", "s", 5, false), entry("c", "s", 3, false), ActionSkip, models.LocalWins},
		{"matched by server id", entry("", "s", 1, false), entry("c", "s", 2, false), ActionApply, models.RemoteWins},
	}

	r := NewResolver(fixedNow)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Resolve(tt.local, tt.remote)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if d.Action != tt.wantAction {
				t.Errorf("Action = %s, want %s", d.Action, tt.wantAction)
			}
			if tt.wantLog == "" {
				if d.ConflictLog != nil {
					t.Errorf("unexpected conflict log %+v", d.ConflictLog)
				}
				return
			}
			if d.ConflictLog == nil {
				t.Fatal("expected a conflict log")
			}
			if d.ConflictLog.Resolution != tt.wantLog {
				t.Errorf("Resolution = %s, want %s", d.ConflictLog.Resolution, tt.wantLog)
			}
			if d.ConflictLog.ItemCID != "c" {
				t.Errorf("ItemCID = %q, want c", d.ConflictLog.ItemCID)
			}
			if d.ConflictLog.DetectedAt != fixedNow().UnixMilli() {
				t.Errorf("DetectedAt = %d", d.ConflictLog.DetectedAt)
			}
		})
	}
}

// TestResolve_orderIndependent verifies r2 survives either delivery order.
func TestResolve_orderIndependent(t *testing.T) {
	r := NewResolver(fixedNow)
	r1 := entry("c", "s", 1, false)
	r2 := entry("c", "s", 2, false)

	// r1 applied first, then r2 arrives
	d, _ := r.Resolve(r1, r2)
	if d.Action != ActionApply {
		t.Errorf("r2 over r1: Action = %s, want apply", d.Action)
	}
	// r2 applied first, then stale r1 arrives
	d, _ = r.Resolve(r2, r1)
	if d.Action != ActionSkip {
		t.Errorf("r1 over r2: Action = %s, want skip", d.Action)
	}
}

// TestResolve_errors verifies invalid inputs.
func TestResolve_errors(t *testing.T) {
	r := NewResolver(nil)

	if _, err := r.Resolve(nil, nil); err != ErrInvalidConflict {
		t.Errorf("nil remote: err = %v", err)
	}
	if _, err := r.Resolve(&models.Book{}, entry("c", "s", 1, false)); err != ErrKindMismatch {
		t.Errorf("kind mismatch: err = %v", err)
	}
	_, err := r.Resolve(entry("a", "", 1, false), entry("b", "s", 2, false))
	if !IsConflictError(err) || err != ErrItemIDMismatch {
		t.Errorf("cid mismatch: err = %v", err)
	}
}
