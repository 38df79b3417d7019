package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/broadcast"
	"github.com/kimhsiao/ledgersync/internal/db"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/conflict"
	"github.com/kimhsiao/ledgersync/internal/telemetry"
)

// State is the orchestrator's in-flight flag.
type State int

const (
	StateIdle State = iota
	StateSyncing
)

func (s State) String() string {
	if s == StateSyncing {
		return "syncing"
	}
	return "idle"
}

// cursorKeyPrefix prefixes the per-kind pull cursor in the meta table.
const cursorKeyPrefix = "cursor."

// Options tunes a pass.
type Options struct {
	// PageSize is the pull page limit.
	PageSize int
	// PurgeAfterConfirm removes deleted rows once the server acknowledged them.
	PurgeAfterConfirm bool
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// SyncResult summarises one pass.
type SyncResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Pushed    int
	Pulled    int
	Adopted   int
	Purged    int
	Deferred  int
	Conflicts int
	Failed    int
}

// Orchestrator runs sync passes: push books, push entries, pull books,
// pull entries, then notify.
type Orchestrator struct {
	repo     db.SyncRepository
	remote   Remote
	bus      broadcast.Bus
	identity IdentityResolver
	gate     SecurityGate
	resolver *conflict.Resolver
	opts     Options

	mu       gosync.Mutex
	state    State
	disposed bool
	modeGate ModeGate
	pending  PendingChecker
	hooks    []Hook
	lastSync *time.Time
	lastErr  error
}

// NewOrchestrator wires a pass over repo and remote. gate may be nil when
// no license enforcement applies.
func NewOrchestrator(repo db.SyncRepository, remote Remote, bus broadcast.Bus, identity IdentityResolver, gate SecurityGate, opts Options) *Orchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		repo:     repo,
		remote:   remote,
		bus:      bus,
		identity: identity,
		gate:     gate,
		resolver: conflict.NewResolver(opts.Now),
		opts:     opts,
		state:    StateIdle,
	}
}

// SetModeGate installs the network mode check.
func (o *Orchestrator) SetModeGate(g ModeGate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modeGate = g
}

// SetPendingChecker installs the deletion grace window check.
func (o *Orchestrator) SetPendingChecker(p PendingChecker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = p
}

// AddHook registers a post-sync hook.
func (o *Orchestrator) AddHook(h Hook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, h)
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastSync returns the end of the last completed pass.
func (o *Orchestrator) LastSync() *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSync
}

// LastError returns the error of the last pass.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Dispose turns every later trigger into a no-op.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disposed = true
}

// begin claims the pass or returns the reason it must be skipped.
func (o *Orchestrator) begin() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.disposed:
		return "disposed", false
	case o.state == StateSyncing:
		return "pass in flight", false
	case o.modeGate != nil && !o.modeGate.AllowsSync():
		return "mode forbids sync", false
	}
	o.state = StateSyncing
	return "", true
}

func (o *Orchestrator) end(result *SyncResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateIdle
	o.lastErr = err
	if err == nil && result != nil {
		end := result.EndTime
		o.lastSync = &end
	}
}

func skipped(reason string) {
	telemetry.SyncPasses.WithLabelValues("skipped").Inc()
	logging.Debug("sync pass skipped", map[string]interface{}{"reason": reason})
}

// TriggerSync runs one pass. Concurrent or disallowed triggers return
// (nil, nil). A security failure returns an error before any network call.
func (o *Orchestrator) TriggerSync(ctx context.Context) (result *SyncResult, err error) {
	reason, ok := o.begin()
	if !ok {
		skipped(reason)
		return nil, nil
	}
	defer func() { o.end(result, err) }()

	if o.repo == nil || !o.repo.Available(ctx) {
		skipped("storage unavailable")
		return nil, nil
	}
	ident, resolveErr := o.resolveIdentity(ctx)
	if resolveErr != nil || ident == nil {
		if resolveErr != nil {
			logging.Warn("identity unresolved", map[string]interface{}{"error": resolveErr.Error()})
		}
		skipped("no identity")
		return nil, nil
	}
	if o.gate != nil {
		if err := o.gate.Check(ctx, ident); err != nil {
			telemetry.SyncPasses.WithLabelValues("restricted").Inc()
			logging.ErrorWithCode("security check failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"user_id": ident.UserID,
			})
			if !apperrors.IsSecurity(err) {
				err = apperrors.Wrap(apperrors.ErrSecurity, "security check failed", err)
			}
			return nil, err
		}
	}

	result = &SyncResult{StartTime: o.opts.Now()}
	err = o.run(ctx, ident, result)
	result.EndTime = o.opts.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	if err != nil {
		telemetry.SyncPasses.WithLabelValues("failed").Inc()
		logging.Error("sync pass aborted", err, map[string]interface{}{
			"pushed": result.Pushed,
			"pulled": result.Pulled,
		})
		return result, err
	}
	telemetry.SyncPasses.WithLabelValues("ok").Inc()
	logging.Info("sync pass completed", map[string]interface{}{
		"pushed":    result.Pushed,
		"pulled":    result.Pulled,
		"adopted":   result.Adopted,
		"purged":    result.Purged,
		"deferred":  result.Deferred,
		"conflicts": result.Conflicts,
		"failed":    result.Failed,
		"duration":  result.Duration.String(),
	})

	if o.bus != nil {
		broadcast.PublishRefresh(o.bus)
	}
	o.runHooks(ctx)
	return result, nil
}

func (o *Orchestrator) resolveIdentity(ctx context.Context) (*models.Identity, error) {
	if o.identity == nil {
		return nil, errors.New("no identity resolver")
	}
	return o.identity.Resolve(ctx)
}

func (o *Orchestrator) run(ctx context.Context, ident *models.Identity, result *SyncResult) error {
	// Parents first so children see the adopted bookId.
	for _, kind := range []models.Kind{models.KindBook, models.KindEntry} {
		if err := o.push(ctx, kind, result); err != nil {
			return fmt.Errorf("push %s: %w", kind, err)
		}
	}
	for _, kind := range []models.Kind{models.KindBook, models.KindEntry} {
		if err := o.pull(ctx, kind, ident, result); err != nil {
			return fmt.Errorf("pull %s: %w", kind, err)
		}
	}
	return nil
}

func (o *Orchestrator) runHooks(ctx context.Context) {
	o.mu.Lock()
	hooks := append([]Hook(nil), o.hooks...)
	o.mu.Unlock()
	for _, h := range hooks {
		if err := h(ctx); err != nil {
			logging.Warn("post-sync hook failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// abortsPass reports errors that end the whole pass rather than one record.
func abortsPass(ctx context.Context, err error) bool {
	return ctx.Err() != nil || apperrors.Is(err, apperrors.ErrNetwork) ||
		apperrors.Is(err, apperrors.ErrStorageUnavailable)
}

// =====================================================
// Push
// =====================================================

func (o *Orchestrator) push(ctx context.Context, kind models.Kind, result *SyncResult) error {
	records, err := o.repo.UnsyncedRecords(ctx, kind)
	if err != nil {
		return err
	}
	for _, rec := range records {
		err := o.pushRecord(ctx, rec, result)
		if err == nil {
			continue
		}
		if abortsPass(ctx, err) {
			return err
		}
		result.Failed++
		reason := failureReason(err)
		telemetry.PushFailures.WithLabelValues(string(kind), reason).Inc()
		payload, _ := json.Marshal(rec)
		logging.Error("failed to push record", err, map[string]interface{}{
			"kind":     kind,
			"local_id": rec.Meta().LocalID,
			"cid":      rec.Meta().CID,
			"revision": rec.Meta().Revision,
			"reason":   reason,
			"payload":  string(payload),
		})
	}
	return nil
}

func (o *Orchestrator) isPending(kind models.Kind, localID int64) bool {
	o.mu.Lock()
	p := o.pending
	o.mu.Unlock()
	return p != nil && p.IsPending(kind, localID)
}

func (o *Orchestrator) pushRecord(ctx context.Context, rec models.Record, result *SyncResult) error {
	kind := rec.Kind()
	m := rec.Meta()

	if o.isPending(kind, m.LocalID) {
		result.Deferred++
		return nil
	}
	if m.IsDeleted && m.IsLocalOnly() {
		// Never reached the server; nothing to tell it.
		if err := o.repo.Purge(ctx, kind, m.LocalID); err != nil {
			return err
		}
		result.Purged++
		return nil
	}
	if e, ok := rec.(*models.Entry); ok && e.BookID == "" {
		result.Deferred++
		logging.Debug("entry waits for its book", map[string]interface{}{
			"local_id":      m.LocalID,
			"book_local_id": e.BookLocalID,
		})
		return nil
	}

	if m.IsLocalOnly() {
		return o.pushCreate(ctx, rec, result)
	}
	return o.pushUpdate(ctx, rec, result)
}

func (o *Orchestrator) pushCreate(ctx context.Context, rec models.Record, result *SyncResult) error {
	kind := rec.Kind()
	m := rec.Meta()

	created, err := o.remote.Create(ctx, rec)
	var dup *ConflictError
	adopted := errors.As(err, &dup)
	if err != nil && !adopted {
		return err
	}
	if created == nil || created.Meta().ServerID == "" {
		return apperrors.New(apperrors.ErrSyncFailed, "server returned no id")
	}
	serverID := created.Meta().ServerID

	if adopted {
		result.Adopted++
		logging.Info("adopting existing remote record", map[string]interface{}{
			"kind":            kind,
			"cid":             m.CID,
			"server_id":       serverID,
			"local_revision":  m.Revision,
			"remote_revision": created.Meta().Revision,
		})
		// A local edit made after the lost acknowledgement still needs a PUT.
		if created.Meta().Revision < m.Revision {
			if err := o.repo.AdoptServerID(ctx, kind, m.LocalID, serverID); err != nil {
				return err
			}
			return o.afterAdopt(ctx, kind, m.LocalID, serverID)
		}
	}

	if _, err := o.repo.MarkSynced(ctx, kind, m.LocalID, serverID, m.Revision); err != nil {
		return err
	}
	if !adopted {
		result.Pushed++
		telemetry.RecordsPushed.WithLabelValues(string(kind)).Inc()
	}
	return o.afterAdopt(ctx, kind, m.LocalID, serverID)
}

// afterAdopt propagates a book's new server id to its entries.
func (o *Orchestrator) afterAdopt(ctx context.Context, kind models.Kind, localID int64, serverID string) error {
	if kind != models.KindBook {
		return nil
	}
	n, err := o.repo.RewriteEntryParent(ctx, localID, serverID)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Debug("rewrote entry parent ids", map[string]interface{}{
			"book_local_id": localID,
			"book_id":       serverID,
			"entries":       n,
		})
	}
	return nil
}

func (o *Orchestrator) pushUpdate(ctx context.Context, rec models.Record, result *SyncResult) error {
	kind := rec.Kind()
	m := rec.Meta()

	var err error
	if e, ok := rec.(*models.Entry); ok && m.Dirty.Only(models.FieldStatus) {
		_, err = o.remote.UpdateEntryStatus(ctx, m.ServerID, models.StatusUpdate{Status: e.Status, Revision: m.Revision})
	} else {
		_, err = o.remote.Update(ctx, rec)
	}
	if err != nil {
		return err
	}

	synced, err := o.repo.MarkSynced(ctx, kind, m.LocalID, m.ServerID, m.Revision)
	if err != nil {
		return err
	}
	result.Pushed++
	telemetry.RecordsPushed.WithLabelValues(string(kind)).Inc()

	if synced && m.IsDeleted && o.opts.PurgeAfterConfirm {
		if err := o.repo.Purge(ctx, kind, m.LocalID); err != nil {
			return err
		}
		result.Purged++
	}
	return nil
}

// =====================================================
// Pull
// =====================================================

func (o *Orchestrator) cursor(ctx context.Context, kind models.Kind) (int64, error) {
	v, ok, err := o.repo.GetMeta(ctx, cursorKeyPrefix+string(kind))
	if err != nil || !ok {
		return 0, err
	}
	since, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logging.Warn("resetting unreadable pull cursor", map[string]interface{}{"kind": kind, "value": v})
		return 0, nil
	}
	return since, nil
}

func (o *Orchestrator) pull(ctx context.Context, kind models.Kind, ident *models.Identity, result *SyncResult) error {
	since, err := o.cursor(ctx, kind)
	if err != nil {
		return err
	}

	maxSeen := since
	var oldestFailed int64
	seen := 0
	for page := 1; ; page++ {
		lr, err := o.remote.List(ctx, kind, ListQuery{OwnerID: ident.UserID, Since: since, Page: page, Limit: o.opts.PageSize})
		if err != nil {
			if abortsPass(ctx, err) {
				return err
			}
			logging.Error("failed to list remote records", err, map[string]interface{}{"kind": kind, "page": page})
			return nil
		}
		for _, rec := range lr.Records {
			rm := rec.Meta()
			if err := o.applyRemote(ctx, rec, result); err != nil {
				if abortsPass(ctx, err) {
					return err
				}
				result.Failed++
				if oldestFailed == 0 || rm.UpdatedAt < oldestFailed {
					oldestFailed = rm.UpdatedAt
				}
				payload, _ := json.Marshal(rec)
				logging.Error("failed to apply remote record", err, map[string]interface{}{
					"kind":      kind,
					"server_id": rm.ServerID,
					"cid":       rm.CID,
					"revision":  rm.Revision,
					"payload":   string(payload),
				})
				continue
			}
			if rm.UpdatedAt > maxSeen {
				maxSeen = rm.UpdatedAt
			}
		}
		result.Failed += lr.Skipped

		n := len(lr.Records) + lr.Skipped
		seen += n
		if n == 0 || seen >= lr.Total {
			break
		}
	}

	// A failed record is fetched again next pass.
	if oldestFailed != 0 && maxSeen >= oldestFailed {
		maxSeen = oldestFailed - 1
	}
	if maxSeen > since {
		return o.repo.SetMeta(ctx, cursorKeyPrefix+string(kind), strconv.FormatInt(maxSeen, 10))
	}
	return nil
}

func (o *Orchestrator) findLocal(ctx context.Context, kind models.Kind, rm *models.SyncMeta) (models.Record, error) {
	if rm.CID != "" {
		rec, err := o.repo.GetRecordByCID(ctx, kind, rm.CID)
		if err == nil {
			return rec, nil
		}
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}
	if rm.ServerID != "" {
		rec, err := o.repo.GetRecordByServerID(ctx, kind, rm.ServerID)
		if err == nil {
			return rec, nil
		}
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (o *Orchestrator) applyRemote(ctx context.Context, rec models.Record, result *SyncResult) error {
	kind := rec.Kind()
	rm := rec.Meta()
	if rm.ServerID == "" {
		return apperrors.New(apperrors.ErrValidation, "remote record has no id")
	}

	local, err := o.findLocal(ctx, kind, rm)
	if err != nil {
		return err
	}
	decision, err := o.resolver.Resolve(local, rec)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncConflict, "cannot resolve remote record", err)
	}
	if decision.ConflictLog != nil {
		result.Conflicts++
		telemetry.Conflicts.WithLabelValues(string(decision.ConflictLog.Resolution)).Inc()
		if err := o.repo.CreateConflictLog(ctx, decision.ConflictLog); err != nil {
			logging.Warn("failed to record conflict", map[string]interface{}{"error": err.Error()})
		}
	}

	switch decision.Action {
	case conflict.ActionInsert:
		rm.LocalID = 0
	case conflict.ActionApply:
		rm.LocalID = local.Meta().LocalID
	default:
		return nil
	}

	if e, ok := rec.(*models.Entry); ok {
		if err := o.linkParent(ctx, e); err != nil {
			return err
		}
	}
	rm.Synced = true
	rm.Dirty = nil
	if err := o.repo.SaveRecord(ctx, rec); err != nil {
		return err
	}
	result.Pulled++
	telemetry.RecordsPulled.WithLabelValues(string(kind)).Inc()
	return nil
}

// linkParent maps a remote entry's bookId onto the local book row.
func (o *Orchestrator) linkParent(ctx context.Context, e *models.Entry) error {
	if e.BookID == "" {
		return apperrors.New(apperrors.ErrValidation, "remote entry has no bookId")
	}
	book, err := o.repo.GetRecordByServerID(ctx, models.KindBook, e.BookID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return apperrors.Wrap(apperrors.ErrValidation, "parent book "+e.BookID+" not present locally", err)
		}
		return err
	}
	e.BookLocalID = book.Meta().LocalID
	return nil
}
