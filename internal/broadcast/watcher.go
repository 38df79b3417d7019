package broadcast

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
)

// OriginExternal tags refreshes triggered by another process.
const OriginExternal = "external"

// FileWatcher turns writes to the shared database file (and its WAL) into
// REFRESH messages, so views in other processes converge on the same data.
type FileWatcher struct {
	bus      Bus
	sched    scheduler.Scheduler
	dbPath   string
	debounce time.Duration

	mu      sync.Mutex
	pending scheduler.Timer
}

// NewFileWatcher watches dbPath. Bursts of writes within debounce collapse
// into one REFRESH.
func NewFileWatcher(bus Bus, sched scheduler.Scheduler, dbPath string, debounce time.Duration) *FileWatcher {
	return &FileWatcher{bus: bus, sched: sched, dbPath: dbPath, debounce: debounce}
}

// Run watches until ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched since SQLite recreates the WAL file.
	if err := watcher.Add(filepath.Dir(w.dbPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.dbPath), err)
	}
	logging.Info("watching database for external changes", map[string]interface{}{"path": w.dbPath})

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.pending != nil {
				w.pending.Stop()
			}
			w.mu.Unlock()
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("file watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *FileWatcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == w.dbPath || name == w.dbPath+"-wal"
}

func (w *FileWatcher) handle(ev fsnotify.Event) {
	if !w.relevant(ev) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = w.sched.ScheduleOnce(w.debounce, func() {
		w.bus.Publish(TopicData, Message{Type: Refresh, Origin: OriginExternal})
	})
}
