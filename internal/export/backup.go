package export

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"time"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
	"github.com/kimhsiao/ledgersync/internal/telemetry"
)

// BackupConfig configures periodic backups.
type BackupConfig struct {
	// Interval between runs; zero disables the schedule.
	Interval time.Duration
	Dir      string
	// Keep is the number of newest backups retained; zero keeps all.
	Keep     int
	Password string
}

// Backup runs the service on a schedule and prunes old archives.
type Backup struct {
	svc   *Service
	sched scheduler.Scheduler
	cfg   BackupConfig

	mu      gosync.Mutex
	timer   scheduler.Timer
	running bool
}

// NewBackup creates a backup runner. Nothing is scheduled until Start.
func NewBackup(svc *Service, sched scheduler.Scheduler, cfg BackupConfig) *Backup {
	return &Backup{svc: svc, sched: sched, cfg: cfg}
}

// Start schedules periodic runs. It is a no-op when the interval is zero
// or the runner is already started.
func (b *Backup) Start() {
	if b.cfg.Interval <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		return
	}
	b.timer = b.sched.ScheduleRepeating(b.cfg.Interval, func() {
		if _, err := b.RunOnce(context.Background()); err != nil {
			logging.Error("scheduled backup failed", err, nil)
		}
	})
	logging.Info("backup schedule started", map[string]interface{}{
		"interval": b.cfg.Interval.String(),
		"dir":      b.cfg.Dir,
		"keep":     b.cfg.Keep,
	})
}

// Stop cancels the schedule.
func (b *Backup) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// RunOnce writes one backup and applies retention. Overlapping runs are
// rejected.
func (b *Backup) RunOnce(ctx context.Context) (string, error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return "", apperrors.New(apperrors.ErrDuplicate, "backup already running")
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	path, _, err := b.svc.WriteFile(ctx, b.cfg.Dir, b.cfg.Password)
	if err != nil {
		telemetry.Backups.WithLabelValues("failed").Inc()
		return "", err
	}
	telemetry.Backups.WithLabelValues("ok").Inc()

	if n, err := Prune(b.cfg.Dir, b.cfg.Keep); err != nil {
		// Retention failure does not fail the run.
		logging.Warn("backup retention failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		logging.Debug("pruned old backups", map[string]interface{}{"count": n})
	}
	return path, nil
}

// List returns the backup files in dir, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Prune removes all but the newest keep backups in dir and returns how
// many were removed. keep <= 0 keeps everything.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	paths, err := List(dir)
	if err != nil || len(paths) <= keep {
		return 0, err
	}
	removed := 0
	for _, p := range paths[:len(paths)-keep] {
		if err := os.Remove(p); err != nil {
			logging.Warn("failed to delete old backup", map[string]interface{}{"path": p, "error": err.Error()})
			continue
		}
		removed++
	}
	return removed, nil
}
