// Package app wires the sync core together. Every component is an explicit
// instance owned by App; nothing is a package-level singleton.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	gosync "sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/broadcast"
	"github.com/kimhsiao/ledgersync/internal/config"
	"github.com/kimhsiao/ledgersync/internal/db"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/export"
	"github.com/kimhsiao/ledgersync/internal/license"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/media"
	"github.com/kimhsiao/ledgersync/internal/models"
	ledgersync "github.com/kimhsiao/ledgersync/internal/sync"
	"github.com/kimhsiao/ledgersync/internal/sync/mode"
	"github.com/kimhsiao/ledgersync/internal/sync/queue"
	"github.com/kimhsiao/ledgersync/internal/sync/s3"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
	"github.com/kimhsiao/ledgersync/internal/sync/shadow"
	"github.com/kimhsiao/ledgersync/internal/sync/storage"
)

// localSecretKey holds a generated license secret when none is configured.
const localSecretKey = "license.local_secret"

// watchDebounce collapses bursts of external database writes.
const watchDebounce = 250 * time.Millisecond

// syncDebounce collapses bursts of local changes into one pass.
const syncDebounce = 2 * time.Second

// App owns every component of the sync core.
type App struct {
	Config *config.Config

	DB           *db.DB
	Repo         *db.Repository
	Bus          *broadcast.LocalBus
	Sched        scheduler.Scheduler
	Remote       *ledgersync.HTTPClient
	Vault        *license.Vault
	Risk         *license.RiskManager
	Identity     *license.TokenIdentityResolver
	Shadow       *shadow.Manager
	Orchestrator *ledgersync.Orchestrator
	Mode         *mode.Controller
	Blobs        *storage.BlobStore
	Media        *queue.MediaUploadQueue
	Watcher      *broadcast.FileWatcher
	Exporter     *export.Service
	Backup       *export.Backup

	mu       gosync.Mutex
	started  bool
	disposed bool
	syncLoop scheduler.Timer
	syncKick scheduler.Timer
}

// Options overrides infrastructure for tests.
type Options struct {
	// Scheduler defaults to a real one.
	Scheduler scheduler.Scheduler
	// HTTPClient is used for the remote and the external probe.
	HTTPClient *http.Client
	// Uploader replaces the configured media backend.
	Uploader queue.Uploader
}

// Init opens the store and builds every component. Nothing runs until Start.
func Init(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid configuration", err)
	}

	database, err := db.Open(ctx, cfg.Store.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open local store", err)
	}
	a := &App{Config: cfg, DB: database, Repo: db.NewRepository(database.DB)}

	if err := a.build(ctx, opts); err != nil {
		a.Repo.Close()
		database.Close()
		return nil, err
	}
	logging.Info("sync core initialized", map[string]interface{}{
		"data_dir":      cfg.Store.DataDir,
		"remote":        cfg.Remote.BaseURL,
		"media_backend": cfg.Media.Backend,
	})
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	a.Sched = opts.Scheduler
	if a.Sched == nil {
		a.Sched = scheduler.NewReal()
	}
	a.Bus = broadcast.NewLocalBus("ledgerd")
	a.Watcher = broadcast.NewFileWatcher(a.Bus, a.Sched, a.DB.Path, watchDebounce)

	secret, err := a.licenseSecret(ctx)
	if err != nil {
		return err
	}
	if a.Vault, err = license.NewVault(a.Repo, secret); err != nil {
		return err
	}
	clock := license.NewClockGuard(a.Repo, cfg.License.ClockTolerance.Duration)
	if a.Risk, err = license.NewRiskManager(secret, clock, a.Sched.Now); err != nil {
		return err
	}

	token, err := a.Vault.Token(ctx)
	if err != nil {
		logging.Warn("stored token unreadable, using configured token", map[string]interface{}{"error": err.Error()})
		token = ""
	}
	if token == "" {
		token = cfg.Remote.Token
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Remote.Timeout.Duration}
	}
	a.Remote = ledgersync.NewHTTPClient(cfg.Remote.BaseURL, token, httpClient)
	a.Remote.SetRetry(cfg.Remote.MaxRetries, cfg.Remote.RetryDelay.Duration)
	a.Identity = license.NewTokenIdentityResolver(a.Vault, a.Remote.Token())

	a.Shadow = shadow.NewManager(a.Repo, a.Bus, a.Sched, cfg.Shadow.GracePeriod.Duration, cfg.Shadow.CacheTTL.Duration)

	a.Orchestrator = ledgersync.NewOrchestrator(a.Repo, a.Remote, a.Bus, a.Identity, a.Risk, ledgersync.Options{
		PageSize:          cfg.Sync.PageSize,
		PurgeAfterConfirm: cfg.Sync.PurgeAfterConfirm,
		Now:               a.Sched.Now,
	})
	a.Orchestrator.SetPendingChecker(a.Shadow)

	var external mode.Prober
	if cfg.Mode.ExternalProbeURL != "" {
		external = mode.URLProber{URL: cfg.Mode.ExternalProbeURL, Client: httpClient}
	}
	syncFn := func(ctx context.Context) error {
		_, err := a.Orchestrator.TriggerSync(ctx)
		return err
	}
	a.Mode = mode.NewController(a.Remote, external, syncFn, a.Identity, a.Risk, a.Bus, a.Sched, mode.Options{
		Interval:         cfg.Mode.Interval.Duration,
		ProbeTimeout:     cfg.Mode.ProbeTimeout.Duration,
		LatencyThreshold: cfg.Mode.LatencyThreshold.Duration,
	})
	a.Orchestrator.SetModeGate(a.Mode)

	uploader := opts.Uploader
	if uploader == nil {
		if uploader, err = a.mediaUploader(ctx); err != nil {
			return err
		}
	}
	a.Blobs = storage.NewBlobStore(cfg.BlobDir())
	transform := media.NewTransformer(cfg.Media.MaxDimension, cfg.Media.JPEGQuality)
	a.Media = queue.NewMediaUploadQueue(a.Repo, a.Blobs, uploader, transform, a.Bus, a.Sched)
	a.Media.SetGate(a.Mode)
	a.Media.OnProgress(func(assetID, sent, total int64) {
		logging.Debug("media upload progress", map[string]interface{}{
			"asset_id": assetID,
			"sent":     sent,
			"total":    total,
		})
	})
	a.Mode.Subscribe(func(m mode.Mode) {
		if a.Mode.AllowsMedia() {
			a.Media.Kick()
		}
	})
	a.Orchestrator.AddHook(a.Media.ReleaseSyncedBlobs)

	a.Shadow.OnCommit(func(models.Kind, int64) { a.RequestSync() })
	a.Media.OnLinked(func(int64) { a.RequestSync() })
	a.Bus.Subscribe(broadcast.TopicData, func(m broadcast.Message) {
		if m.Origin == broadcast.OriginExternal {
			a.RequestSync()
		}
	})

	a.Exporter = export.NewService(a.Repo, a.Sched.Now)
	a.Backup = export.NewBackup(a.Exporter, a.Sched, export.BackupConfig{
		Interval: cfg.Backup.Interval.Duration,
		Dir:      cfg.BackupDir(),
		Keep:     cfg.Backup.Keep,
		Password: cfg.Backup.Password,
	})
	return nil
}

func (a *App) mediaUploader(ctx context.Context) (queue.Uploader, error) {
	if a.Config.Media.Backend != "s3" {
		return a.Remote, nil
	}
	c := a.Config.Media.S3
	return s3.NewUploader(ctx, s3.Config{
		Provider:  c.Provider,
		Endpoint:  c.Endpoint,
		Region:    c.Region,
		Bucket:    c.Bucket,
		AccountID: c.AccountID,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		PublicURL: c.PublicURL,
	})
}

// licenseSecret returns the configured secret, or a per-install secret
// generated on first use. With a generated secret no server-issued pro
// license verifies, so pro identities fail closed.
func (a *App) licenseSecret(ctx context.Context) (string, error) {
	if a.Config.License.Secret != "" {
		return a.Config.License.Secret, nil
	}
	stored, ok, err := a.Repo.GetMeta(ctx, localSecretKey)
	if err != nil {
		return "", err
	}
	if ok && stored != "" {
		return stored, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to generate license secret", err)
	}
	secret := hex.EncodeToString(buf)
	if err := a.Repo.SetMeta(ctx, localSecretKey, secret); err != nil {
		return "", err
	}
	logging.Warn("license.secret not configured, generated a local one", nil)
	return secret, nil
}

// Start recovers interrupted deletions and starts the timers: the shadow
// cache sweep, mode evaluation, the media worker, the background sync loop
// and scheduled backups.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started || a.disposed {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	if n, err := a.Shadow.RecoverOrphans(ctx); err != nil {
		logging.Error("failed to recover interrupted deletions", err, nil)
	} else if n > 0 {
		logging.Info("recovered interrupted deletions", map[string]interface{}{"count": n})
	}
	a.Shadow.Start()
	if _, err := a.Media.Resume(ctx); err != nil {
		logging.Error("failed to resume media uploads", err, nil)
	}
	a.Mode.Start(ctx)
	if iv := a.Config.Sync.Interval.Duration; iv > 0 {
		a.mu.Lock()
		a.syncLoop = a.Sched.ScheduleRepeating(iv, a.backgroundSync)
		a.mu.Unlock()
	}
	a.Backup.Start()
	return nil
}

// TriggerSync runs one pass and feeds a failure back into the mode:
// security errors restrict, transport errors go offline.
func (a *App) TriggerSync(ctx context.Context) (*ledgersync.SyncResult, error) {
	res, err := a.Orchestrator.TriggerSync(ctx)
	if err != nil {
		a.Mode.ReportSyncError(ctx, err)
	}
	return res, err
}

// RequestSync schedules a background pass after a short debounce. It is a
// no-op before Start and after Dispose.
func (a *App) RequestSync() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.disposed {
		return
	}
	if a.syncKick != nil {
		a.syncKick.Stop()
	}
	a.syncKick = a.Sched.ScheduleOnce(syncDebounce, a.backgroundSync)
}

func (a *App) backgroundSync() {
	if !a.Mode.AllowsSync() {
		return
	}
	if _, err := a.TriggerSync(context.Background()); err != nil {
		logging.Warn("background sync failed", map[string]interface{}{
			"error": err.Error(),
			"mode":  a.Mode.Mode(),
		})
	}
}

// SyncNow classifies the network and runs one pass. It is the entry point
// for one-shot commands that never Start the timers.
func (a *App) SyncNow(ctx context.Context) (*ledgersync.SyncResult, error) {
	m := a.Mode.Evaluate(ctx)
	if !a.Mode.AllowsSync() {
		if m == mode.Restricted {
			return nil, apperrors.New(apperrors.ErrSecurity, "sync blocked: license check failed")
		}
		return nil, apperrors.New(apperrors.ErrNetwork, "sync unavailable in mode "+string(m))
	}
	return a.TriggerSync(ctx)
}

// Delete schedules a deletion with the undo window.
func (a *App) Delete(ctx context.Context, kind models.Kind, localID int64) error {
	return a.Shadow.ScheduleDeletion(ctx, kind, localID)
}

// Restore undoes a deletion inside the cache window and queues a pass so
// the revived record reaches the server.
func (a *App) Restore(ctx context.Context, kind models.Kind, localID int64) (models.Record, error) {
	rec, err := a.Shadow.Restore(ctx, kind, localID)
	if err != nil {
		return nil, err
	}
	a.RequestSync()
	return rec, nil
}

// Status is the daemon's status report.
type Status struct {
	Mode             mode.Mode   `json:"mode"`
	SyncState        string      `json:"syncState"`
	LastSync         *time.Time  `json:"lastSync,omitempty"`
	LastError        string      `json:"lastError,omitempty"`
	PendingDeletions int         `json:"pendingDeletions"`
	Media            queue.Stats `json:"media"`
	RiskScore        int         `json:"riskScore"`
	Plan             models.Plan `json:"plan,omitempty"`
	UserID           string      `json:"userId,omitempty"`
}

// Status reports the current state of every component.
func (a *App) Status(ctx context.Context) Status {
	s := Status{
		Mode:             a.Mode.Mode(),
		SyncState:        a.Orchestrator.State().String(),
		LastSync:         a.Orchestrator.LastSync(),
		PendingDeletions: a.Shadow.PendingCount(),
		Media:            a.Media.Stats(),
	}
	if err := a.Orchestrator.LastError(); err != nil {
		s.LastError = err.Error()
	}
	if ident, err := a.Identity.Resolve(ctx); err == nil && ident != nil {
		s.UserID = ident.UserID
		s.Plan = ident.Plan
		s.RiskScore = a.Risk.Evaluate(ctx, ident).Score
	}
	return s
}

// Shutdown commits in-grace deletions so they survive the exit, then
// disposes everything.
func (a *App) Shutdown(ctx context.Context) {
	if n := a.Shadow.PendingCount(); n > 0 {
		logging.Warn("committing pending deletions before exit", map[string]interface{}{"count": n})
		if _, err := a.Shadow.FlushPending(ctx); err != nil {
			logging.Error("failed to commit pending deletions", err, nil)
		}
	}
	a.Dispose()
}

// Dispose stops every component and closes the store. It is safe to call
// more than once.
func (a *App) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	for _, t := range []scheduler.Timer{a.syncLoop, a.syncKick} {
		if t != nil {
			t.Stop()
		}
	}
	a.syncLoop, a.syncKick = nil, nil
	a.mu.Unlock()

	a.Backup.Stop()
	a.Mode.Dispose()
	a.Media.Dispose()
	a.Orchestrator.Dispose()
	a.Shadow.Dispose()
	if r, ok := a.Sched.(*scheduler.Real); ok {
		r.Stop()
	}
	if err := a.Repo.Close(); err != nil {
		logging.Warn("failed to close statements", map[string]interface{}{"error": err.Error()})
	}
	if err := a.DB.Close(); err != nil {
		logging.Warn("failed to close database", map[string]interface{}{"error": err.Error()})
	}
	logging.Info("sync core disposed", nil)
}
