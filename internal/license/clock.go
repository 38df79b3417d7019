package license

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/db"
	"github.com/kimhsiao/ledgersync/internal/logging"
)

// ClockMetaKey holds the last observed wall clock in epoch ms.
const ClockMetaKey = "license.clock.last"

// ClockGuard persists the furthest wall-clock reading seen and flags reads
// that fall behind it by more than the tolerance.
type ClockGuard struct {
	store     db.MetaStore
	tolerance time.Duration
	mu        sync.Mutex
}

// NewClockGuard creates a guard. tolerance defaults to five minutes.
func NewClockGuard(store db.MetaStore, tolerance time.Duration) *ClockGuard {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &ClockGuard{store: store, tolerance: tolerance}
}

// Observe records now and reports whether it is earlier than the stored
// reading minus tolerance. The stored value only moves forward.
func (g *ClockGuard) Observe(ctx context.Context, now time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	raw, ok, err := g.store.GetMeta(ctx, ClockMetaKey)
	if err != nil {
		return false, err
	}
	var last int64
	if ok {
		if last, err = strconv.ParseInt(raw, 10, 64); err != nil {
			logging.Warn("resetting unreadable clock reading", map[string]interface{}{"value": raw})
			last = 0
		}
	}

	nowMs := now.UnixMilli()
	if last > 0 && nowMs < last-g.tolerance.Milliseconds() {
		logging.Warn("clock moved backwards", map[string]interface{}{
			"last_seen": time.UnixMilli(last).UTC().Format(time.RFC3339),
			"now":       now.UTC().Format(time.RFC3339),
		})
		return true, nil
	}
	if nowMs > last {
		if err := g.store.SetMeta(ctx, ClockMetaKey, strconv.FormatInt(nowMs, 10)); err != nil {
			return false, err
		}
	}
	return false, nil
}
