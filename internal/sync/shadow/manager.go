// Package shadow buffers soft deletions for a grace period so they can be
// undone before the sync core ever tells the server.
//
// A deletion flips isDeleted locally right away but leaves the revision
// alone; only when the grace timer fires is the deletion committed
// (revision bumped, synced cleared) and picked up by the next push.
package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/broadcast"
	"github.com/kimhsiao/ledgersync/internal/db"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
	"github.com/kimhsiao/ledgersync/internal/telemetry"
)

// PendingKeyPrefix prefixes the meta rows that mark in-grace deletions.
// Rows still present at startup belong to a process that died mid-grace.
const PendingKeyPrefix = "shadow.pending."

// Defaults.
const (
	DefaultGracePeriod = 10 * time.Second
	DefaultCacheTTL    = 15 * time.Second
)

// Store is the persistence the manager needs.
type Store interface {
	db.RecordStore
	db.MetaStore
}

// Snapshot is the pre-deletion state of a record.
type Snapshot struct {
	Kind        models.Kind     `json:"kind"`
	LocalID     int64           `json:"localId"`
	BookLocalID int64           `json:"bookLocalId,omitempty"`
	Dirty       string          `json:"dirty,omitempty"`
	CapturedAt  int64           `json:"capturedAt"` // epoch ms
	Record      json.RawMessage `json:"record"`
}

func newSnapshot(rec models.Record, now time.Time) (*Snapshot, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	m := rec.Meta()
	s := &Snapshot{
		Kind:       rec.Kind(),
		LocalID:    m.LocalID,
		Dirty:      m.Dirty.String(),
		CapturedAt: now.UnixMilli(),
		Record:     raw,
	}
	if e, ok := rec.(*models.Entry); ok {
		s.BookLocalID = e.BookLocalID
	}
	return s, nil
}

// record rebuilds the record the snapshot was taken from.
func (s *Snapshot) record() (models.Record, error) {
	rec, err := models.NewRecord(s.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(s.Record, rec); err != nil {
		return nil, err
	}
	m := rec.Meta()
	m.LocalID = s.LocalID
	m.Dirty = models.ParseFieldSet(s.Dirty)
	if e, ok := rec.(*models.Entry); ok {
		e.BookLocalID = s.BookLocalID
	}
	return rec, nil
}

type key struct {
	kind    models.Kind
	localID int64
}

func (k key) metaKey() string {
	return fmt.Sprintf("%s%s.%d", PendingKeyPrefix, k.kind, k.localID)
}

func parseMetaKey(s string) (key, error) {
	rest := strings.TrimPrefix(s, PendingKeyPrefix)
	i := strings.LastIndex(rest, ".")
	if i < 0 {
		return key{}, fmt.Errorf("malformed pending key %q", s)
	}
	kind, err := models.ParseKind(rest[:i])
	if err != nil {
		return key{}, err
	}
	id, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return key{}, fmt.Errorf("malformed pending key %q: %w", s, err)
	}
	return key{kind: kind, localID: id}, nil
}

type cached struct {
	snap       *Snapshot
	capturedAt time.Time
	// committed is the revision written when the grace timer fired.
	committed int64
}

// Manager owns grace timers and the snapshot cache.
type Manager struct {
	store Store
	bus   broadcast.Bus
	sched scheduler.Scheduler
	grace time.Duration
	ttl   time.Duration

	mu       sync.Mutex
	timers   map[key]scheduler.Timer
	cache    map[key]*cached
	sweep    scheduler.Timer
	disposed bool
	onCommit func(kind models.Kind, localID int64)
}

// NewManager creates a manager. Zero durations take the defaults; a TTL
// shorter than the grace period is raised to it.
func NewManager(store Store, bus broadcast.Bus, sched scheduler.Scheduler, grace, ttl time.Duration) *Manager {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if ttl < grace {
		ttl = grace
	}
	return &Manager{
		store:  store,
		bus:    bus,
		sched:  sched,
		grace:  grace,
		ttl:    ttl,
		timers: make(map[key]scheduler.Timer),
		cache:  make(map[key]*cached),
	}
}

// Start begins the periodic cache sweep.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweep == nil && !m.disposed {
		m.sweep = m.sched.ScheduleRepeating(m.ttl, m.sweepCache)
	}
}

// Dispose stops every timer. In-grace deletions stay marked in the store
// and are committed by RecoverOrphans on the next start.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	for k, t := range m.timers {
		t.Stop()
		delete(m.timers, k)
	}
	if m.sweep != nil {
		m.sweep.Stop()
		m.sweep = nil
	}
	telemetry.PendingDeletions.Set(0)
}

// OnCommit registers fn to run after a grace timer commits a deletion.
func (m *Manager) OnCommit(fn func(kind models.Kind, localID int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommit = fn
}

func (m *Manager) refresh() {
	if m.bus != nil {
		broadcast.PublishRefresh(m.bus)
	}
}

// ScheduleDeletion soft-deletes a record and starts (or restarts) its
// grace timer. The first snapshot of a burst is kept, but its restore
// window is measured from the latest call.
func (m *Manager) ScheduleDeletion(ctx context.Context, kind models.Kind, localID int64) error {
	k := key{kind: kind, localID: localID}
	now := m.sched.Now()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrInvalid, "shadow manager disposed")
	}
	_, inGrace := m.timers[k]
	m.mu.Unlock()

	if !inGrace {
		rec, err := m.store.GetRecord(ctx, kind, localID)
		if err != nil {
			return err
		}
		if rec.Meta().IsDeleted {
			return nil
		}
		snap, err := newSnapshot(rec, now)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to snapshot record", err)
		}
		raw, err := json.Marshal(snap)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode snapshot", err)
		}
		if err := m.store.SetMeta(ctx, k.metaKey(), string(raw)); err != nil {
			return err
		}
		if err := m.store.SetDeleted(ctx, kind, localID, true); err != nil {
			_ = m.store.DeleteMeta(ctx, k.metaKey())
			return err
		}

		m.mu.Lock()
		m.cache[k] = &cached{snap: snap, capturedAt: now}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if t, ok := m.timers[k]; ok {
		t.Stop()
	}
	if c, ok := m.cache[k]; ok {
		c.capturedAt = now
	}
	m.timers[k] = m.sched.ScheduleOnce(m.grace, func() { m.expire(k) })
	pending := len(m.timers)
	m.mu.Unlock()

	telemetry.PendingDeletions.Set(float64(pending))
	logging.Info("deletion scheduled", map[string]interface{}{
		"kind":     kind,
		"local_id": localID,
		"grace":    m.grace.String(),
	})
	m.refresh()
	return nil
}

func (m *Manager) expire(k key) {
	m.mu.Lock()
	if _, ok := m.timers[k]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.timers, k)
	pending := len(m.timers)
	m.mu.Unlock()
	telemetry.PendingDeletions.Set(float64(pending))

	if err := m.commit(context.Background(), k); err != nil {
		logging.Error("failed to commit deletion", err, map[string]interface{}{
			"kind":     k.kind,
			"local_id": k.localID,
		})
		return
	}
	m.refresh()

	m.mu.Lock()
	fn := m.onCommit
	m.mu.Unlock()
	if fn != nil {
		fn(k.kind, k.localID)
	}
}

// commit turns a soft deletion into a pushable change if the record is
// still deleted, then drops the persisted pending marker.
func (m *Manager) commit(ctx context.Context, k key) error {
	rec, err := m.store.GetRecord(ctx, k.kind, k.localID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if err == nil && rec.Meta().IsDeleted {
		if err := m.store.Touch(ctx, k.kind, k.localID, models.FieldIsDeleted); err != nil {
			return err
		}
		m.mu.Lock()
		if c, ok := m.cache[k]; ok {
			c.committed = rec.Meta().Revision + 1
		}
		m.mu.Unlock()
		logging.Info("deletion committed", map[string]interface{}{
			"kind":     k.kind,
			"local_id": k.localID,
		})
	}
	return m.store.DeleteMeta(ctx, k.metaKey())
}

// Restore undoes a deletion while its snapshot is younger than the cache
// TTL. Afterwards it fails closed with errors.RestoreExpired. The record
// is rewritten from the snapshot even if it was purged meanwhile.
func (m *Manager) Restore(ctx context.Context, kind models.Kind, localID int64) (models.Record, error) {
	k := key{kind: kind, localID: localID}
	now := m.sched.Now()

	m.mu.Lock()
	c, ok := m.cache[k]
	if ok && now.Sub(c.capturedAt) > m.ttl {
		delete(m.cache, k)
		ok = false
	}
	if !ok {
		// A running grace timer stays armed so the deletion still commits.
		m.mu.Unlock()
		logging.Warn("restore refused", map[string]interface{}{"kind": kind, "local_id": localID})
		return nil, apperrors.RestoreExpired
	}
	m.mu.Unlock()

	rec, err := c.snap.record()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to decode snapshot", err)
	}
	meta := rec.Meta()

	revision := meta.Revision
	if c.committed > revision {
		revision = c.committed
	}
	current, err := m.store.GetRecord(ctx, kind, localID)
	switch {
	case err == nil:
		if r := current.Meta().Revision; r > revision {
			revision = r
		}
		meta.Dirty.Add(models.FieldIsDeleted)
	case apperrors.Is(err, apperrors.ErrNotFound):
		meta.Dirty.Add(models.FieldAll)
	default:
		return nil, err
	}

	meta.Revision = revision + 1
	meta.IsDeleted = false
	meta.Synced = false
	meta.UpdatedAt = now.UnixMilli()
	if err := m.store.SaveRecord(ctx, rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if t, ok := m.timers[k]; ok {
		t.Stop()
		delete(m.timers, k)
	}
	pending := len(m.timers)
	delete(m.cache, k)
	m.mu.Unlock()
	telemetry.PendingDeletions.Set(float64(pending))
	if err := m.store.DeleteMeta(ctx, k.metaKey()); err != nil {
		logging.Warn("failed to clear pending marker", map[string]interface{}{"error": err.Error()})
	}

	logging.Info("deletion restored", map[string]interface{}{
		"kind":     kind,
		"local_id": localID,
		"revision": meta.Revision,
	})
	m.refresh()
	return rec, nil
}

// IsPending reports whether the record is inside its grace window.
func (m *Manager) IsPending(kind models.Kind, localID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[key{kind: kind, localID: localID}]
	return ok
}

// PendingCount is the number of deletions still in grace.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// FlushPending commits every in-grace deletion immediately and publishes
// FORCE_REFRESH. It is the exit path.
func (m *Manager) FlushPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	keys := make([]key, 0, len(m.timers))
	for k, t := range m.timers {
		t.Stop()
		keys = append(keys, k)
	}
	m.timers = make(map[key]scheduler.Timer)
	m.mu.Unlock()
	telemetry.PendingDeletions.Set(0)

	var firstErr error
	flushed := 0
	for _, k := range keys {
		if err := m.commit(ctx, k); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		flushed++
	}
	if m.bus != nil && len(keys) > 0 {
		broadcast.PublishForceRefresh(m.bus)
	}
	logging.Info("pending deletions flushed", map[string]interface{}{"count": flushed})
	return flushed, firstErr
}

// RecoverOrphans commits deletions left in grace by a process that exited
// without flushing.
func (m *Manager) RecoverOrphans(ctx context.Context) (int, error) {
	pending, err := m.store.ListMeta(ctx, PendingKeyPrefix)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for mk := range pending {
		k, err := parseMetaKey(mk)
		if err != nil {
			logging.Warn("dropping malformed pending marker", map[string]interface{}{"key": mk})
			_ = m.store.DeleteMeta(ctx, mk)
			continue
		}
		if err := m.commit(ctx, k); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		logging.Warn("recovered orphaned deletions", map[string]interface{}{"count": recovered})
		m.refresh()
	}
	return recovered, nil
}

func (m *Manager) sweepCache() {
	now := m.sched.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.cache {
		if _, inGrace := m.timers[k]; inGrace {
			continue
		}
		if now.Sub(c.capturedAt) > m.ttl {
			delete(m.cache, k)
		}
	}
}
