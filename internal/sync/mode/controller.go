// Package mode classifies network health into the five modes the rest of
// the client reacts to.
package mode

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/broadcast"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
	"github.com/kimhsiao/ledgersync/internal/telemetry"
)

// Mode is the current network classification.
type Mode string

const (
	Offline    Mode = "OFFLINE"
	Syncing    Mode = "SYNCING"
	Online     Mode = "ONLINE"
	Degraded   Mode = "DEGRADED"
	Restricted Mode = "RESTRICTED"
)

// All lists every mode.
var All = []Mode{Offline, Syncing, Online, Degraded, Restricted}

func allNames() []string {
	names := make([]string, len(All))
	for i, m := range All {
		names[i] = string(m)
	}
	return names
}

// Prober checks reachability. The local probe is the ledger server's health
// endpoint; the external probe is any well-known URL.
type Prober interface {
	Health(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Health implements Prober.
func (f ProberFunc) Health(ctx context.Context) error { return f(ctx) }

// URLProber probes a URL with a GET; any 2xx or 3xx counts as reachable.
type URLProber struct {
	URL    string
	Client *http.Client
}

// Health implements Prober.
func (p URLProber) Health(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "bad probe url", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "external probe failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apperrors.New(apperrors.ErrNetwork, "external probe returned "+resp.Status)
	}
	return nil
}

// SyncFunc runs a sync pass. A security error moves the controller to
// RESTRICTED.
type SyncFunc func(ctx context.Context) error

// IdentityResolver resolves the current identity for security re-checks.
type IdentityResolver interface {
	Resolve(ctx context.Context) (*models.Identity, error)
}

// SecurityGate validates an identity.
type SecurityGate interface {
	Check(ctx context.Context, identity *models.Identity) error
}

// Options tunes the controller.
type Options struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	LatencyThreshold time.Duration
}

// Controller owns the single shared mode value.
type Controller struct {
	local    Prober
	external Prober
	sync     SyncFunc
	identity IdentityResolver
	gate     SecurityGate
	bus      broadcast.Bus
	sched    scheduler.Scheduler
	opts     Options

	evalMu    sync.Mutex // serialises evaluations
	mu        sync.RWMutex
	mode      Mode
	evaluated bool
	subs      []func(Mode)
	ticker    scheduler.Timer
}

// NewController creates a controller starting in OFFLINE. external, gate and
// identity may be nil.
func NewController(local, external Prober, syncFn SyncFunc, identity IdentityResolver, gate SecurityGate,
	bus broadcast.Bus, sched scheduler.Scheduler, opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.LatencyThreshold <= 0 {
		opts.LatencyThreshold = 1500 * time.Millisecond
	}
	return &Controller{
		local:    local,
		external: external,
		sync:     syncFn,
		identity: identity,
		gate:     gate,
		bus:      bus,
		sched:    sched,
		opts:     opts,
		mode:     Offline,
	}
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// AllowsSync reports whether a sync pass may run.
func (c *Controller) AllowsSync() bool {
	m := c.Mode()
	return m != Offline && m != Restricted
}

// AllowsMedia reports whether media uploads may run.
func (c *Controller) AllowsMedia() bool {
	switch c.Mode() {
	case Online, Degraded, Syncing:
		return true
	}
	return false
}

// Subscribe registers fn for mode changes. Subscribers run synchronously in
// registration order.
func (c *Controller) Subscribe(fn func(Mode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Start evaluates once and then on every interval.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.ticker != nil {
		c.mu.Unlock()
		return
	}
	c.ticker = c.sched.ScheduleRepeating(c.opts.Interval, func() { c.Evaluate(ctx) })
	c.mu.Unlock()
	c.Evaluate(ctx)
}

// Dispose stops periodic evaluation.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

// NotifyNetworkChange reacts to an OS-level connectivity signal.
func (c *Controller) NotifyNetworkChange(ctx context.Context, online bool) {
	if !online {
		c.set(Offline)
		return
	}
	c.Evaluate(ctx)
}

// ReportSyncError feeds the outcome of a sync pass run outside Evaluate back
// into the mode. Security errors force RESTRICTED and network errors force
// OFFLINE; anything else is ignored.
func (c *Controller) ReportSyncError(ctx context.Context, err error) {
	switch {
	case err == nil:
	case apperrors.IsSecurity(err):
		c.set(Restricted)
	case apperrors.Is(err, apperrors.ErrNetwork):
		c.NotifyNetworkChange(ctx, false)
	}
}

func (c *Controller) set(m Mode) {
	c.mu.Lock()
	if c.mode == m {
		c.mu.Unlock()
		return
	}
	prev := c.mode
	c.mode = m
	subs := append([]func(Mode){}, c.subs...)
	c.mu.Unlock()

	telemetry.SetMode(string(m), allNames())
	logging.Info("network mode changed", map[string]interface{}{"from": prev, "to": m})
	if c.bus != nil {
		c.bus.Publish(broadcast.TopicMode, broadcast.Message{Type: string(m)})
	}
	for _, fn := range subs {
		fn(m)
	}
}

func (c *Controller) probe(ctx context.Context, p Prober) (time.Duration, error) {
	pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	start := c.sched.Now()
	err := p.Health(pctx)
	return c.sched.Now().Sub(start), err
}

func (c *Controller) securityHolds(ctx context.Context) bool {
	if c.gate == nil {
		return true
	}
	var ident *models.Identity
	if c.identity != nil {
		var err error
		if ident, err = c.identity.Resolve(ctx); err != nil {
			return false
		}
	}
	return c.gate.Check(ctx, ident) == nil
}

// Evaluate runs the transition rules once and returns the resulting mode.
func (c *Controller) Evaluate(ctx context.Context) Mode {
	c.evalMu.Lock()
	defer c.evalMu.Unlock()

	c.mu.Lock()
	prev := c.mode
	first := !c.evaluated
	c.evaluated = true
	c.mu.Unlock()

	// 1. Local probe failure supersedes everything.
	latency, err := c.probe(ctx, c.local)
	if err != nil {
		logging.Debug("local probe failed", map[string]interface{}{"error": err.Error()})
		c.set(Offline)
		return Offline
	}

	// 2. Security is re-checked on every pass; RESTRICTED holds until it clears.
	if !c.securityHolds(ctx) {
		c.set(Restricted)
		return Restricted
	}
	cleared := prev == Restricted

	// 3. Coming back: sync before declaring ONLINE.
	if prev == Offline || cleared || first {
		c.set(Syncing)
		if c.sync != nil {
			if err := c.sync(ctx); err != nil {
				if apperrors.IsSecurity(err) {
					c.set(Restricted)
					return Restricted
				}
				logging.Warn("reconnect sync failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	// 4. External reachability.
	if c.external != nil {
		if _, err := c.probe(ctx, c.external); err != nil {
			c.set(Degraded)
			return Degraded
		}
	}

	// 5. Latency.
	if latency <= c.opts.LatencyThreshold {
		c.set(Online)
		return Online
	}
	c.set(Degraded)
	return Degraded
}
