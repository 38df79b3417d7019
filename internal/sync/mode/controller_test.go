package mode

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/ledgersync/internal/broadcast"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
	"github.com/kimhsiao/ledgersync/internal/telemetry"
)

// probe is a scripted prober. Latency advances the manual clock.
type probe struct {
	clock   *scheduler.Manual
	err     error
	latency time.Duration
	calls   int
}

func (p *probe) Health(context.Context) error {
	p.calls++
	if p.latency > 0 {
		p.clock.Advance(p.latency)
	}
	return p.err
}

type gate struct{ err error }

func (g *gate) Check(context.Context, *models.Identity) error { return g.err }

type identity struct{}

func (identity) Resolve(context.Context) (*models.Identity, error) {
	return &models.Identity{UserID: "u1"}, nil
}

type fixture struct {
	clock    *scheduler.Manual
	local    *probe
	external *probe
	gate     *gate
	syncErr  error
	syncs    int
	bus      *broadcast.LocalBus
	modes    []string
	ctrl     *Controller
}

func newFixture() *fixture {
	clock := scheduler.NewManual(time.Unix(0, 0))
	f := &fixture{
		clock:    clock,
		local:    &probe{clock: clock},
		external: &probe{clock: clock},
		gate:     &gate{},
		bus:      broadcast.NewLocalBus("test"),
	}
	f.bus.Subscribe(broadcast.TopicMode, func(m broadcast.Message) { f.modes = append(f.modes, m.Type) })
	syncFn := func(context.Context) error {
		f.syncs++
		return f.syncErr
	}
	f.ctrl = NewController(f.local, f.external, syncFn, identity{}, f.gate, f.bus, clock, Options{})
	return f
}

func TestEvaluate_FirstRunSyncsThenOnline(t *testing.T) {
	f := newFixture()

	got := f.ctrl.Evaluate(context.Background())

	assert.Equal(t, Online, got)
	assert.Equal(t, 1, f.syncs)
	assert.Equal(t, []string{"SYNCING", "ONLINE"}, f.modes)
	assert.True(t, f.ctrl.AllowsSync())
	assert.True(t, f.ctrl.AllowsMedia())
	assert.Equal(t, float64(1), testutil.ToFloat64(telemetry.NetworkMode.WithLabelValues("ONLINE")))
	assert.Equal(t, float64(0), testutil.ToFloat64(telemetry.NetworkMode.WithLabelValues("SYNCING")))
}

func TestEvaluate_LocalProbeFailureIsOffline(t *testing.T) {
	f := newFixture()
	f.ctrl.Evaluate(context.Background())
	f.local.err = errors.New("connection refused")

	assert.Equal(t, Offline, f.ctrl.Evaluate(context.Background()))
	assert.False(t, f.ctrl.AllowsSync())
	assert.False(t, f.ctrl.AllowsMedia())

	// Recovery goes through SYNCING again.
	f.local.err = nil
	assert.Equal(t, Online, f.ctrl.Evaluate(context.Background()))
	assert.Equal(t, 2, f.syncs)
	assert.Equal(t, []string{"SYNCING", "ONLINE", "OFFLINE", "SYNCING", "ONLINE"}, f.modes)
}

func TestEvaluate_SteadyStateDoesNotResync(t *testing.T) {
	f := newFixture()
	f.ctrl.Evaluate(context.Background())
	f.ctrl.Evaluate(context.Background())
	assert.Equal(t, 1, f.syncs)
}

func TestEvaluate_ExternalFailureIsDegraded(t *testing.T) {
	f := newFixture()
	f.external.err = errors.New("dns")

	assert.Equal(t, Degraded, f.ctrl.Evaluate(context.Background()))
	assert.True(t, f.ctrl.AllowsSync())
	assert.True(t, f.ctrl.AllowsMedia())
}

func TestEvaluate_SlowLocalIsDegraded(t *testing.T) {
	f := newFixture()
	f.local.latency = 2 * time.Second
	assert.Equal(t, Degraded, f.ctrl.Evaluate(context.Background()))

	f.local.latency = time.Second
	assert.Equal(t, Online, f.ctrl.Evaluate(context.Background()))
}

func TestEvaluate_SecurityFailureRestricts(t *testing.T) {
	f := newFixture()
	f.gate.err = apperrors.New(apperrors.ErrClockTampered, "clock moved backwards")

	// The gate is consulted before any sync is attempted.
	assert.Equal(t, Restricted, f.ctrl.Evaluate(context.Background()))
	assert.False(t, f.ctrl.AllowsSync())
	assert.False(t, f.ctrl.AllowsMedia())
	assert.Zero(t, f.syncs)

	// Still failing: stays restricted.
	assert.Equal(t, Restricted, f.ctrl.Evaluate(context.Background()))
	assert.Zero(t, f.syncs)

	// Offline supersedes restricted.
	f.local.err = errors.New("down")
	assert.Equal(t, Offline, f.ctrl.Evaluate(context.Background()))
	f.local.err = nil

	// Cleared: sync and go online.
	f.gate.err = nil
	assert.Equal(t, Online, f.ctrl.Evaluate(context.Background()))
	assert.Equal(t, 1, f.syncs)
}

func TestEvaluate_SyncSecurityErrorRestricts(t *testing.T) {
	f := newFixture()
	f.syncErr = apperrors.New(apperrors.ErrLicenseExpired, "expired")

	assert.Equal(t, Restricted, f.ctrl.Evaluate(context.Background()))
	assert.Equal(t, 1, f.syncs)

	f.syncErr = nil
	assert.Equal(t, Online, f.ctrl.Evaluate(context.Background()))
	assert.Equal(t, 2, f.syncs)
}

func TestEvaluate_RestrictedClearsWithoutOffline(t *testing.T) {
	f := newFixture()
	f.gate.err = apperrors.New(apperrors.ErrLicenseExpired, "expired")
	require.Equal(t, Restricted, f.ctrl.Evaluate(context.Background()))

	f.gate.err = nil
	assert.Equal(t, Online, f.ctrl.Evaluate(context.Background()))
	assert.Equal(t, 1, f.syncs)
	assert.Equal(t, []string{"RESTRICTED", "SYNCING", "ONLINE"}, f.modes)
}

func TestEvaluate_LicenseExpiresWhileOnline(t *testing.T) {
	f := newFixture()
	require.Equal(t, Online, f.ctrl.Evaluate(context.Background()))
	require.True(t, f.ctrl.AllowsMedia())

	f.gate.err = apperrors.New(apperrors.ErrLicenseExpired, "expired")
	assert.Equal(t, Restricted, f.ctrl.Evaluate(context.Background()))
	assert.Equal(t, Restricted, f.ctrl.Mode())
	assert.False(t, f.ctrl.AllowsSync())
	assert.False(t, f.ctrl.AllowsMedia())
	assert.Equal(t, 1, f.syncs)
}

func TestReportSyncError(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.Equal(t, Online, f.ctrl.Evaluate(ctx))

	// Per-record and unknown failures leave the mode alone.
	f.ctrl.ReportSyncError(ctx, nil)
	f.ctrl.ReportSyncError(ctx, apperrors.New(apperrors.ErrSyncFailed, "server returned no id"))
	assert.Equal(t, Online, f.ctrl.Mode())

	f.ctrl.ReportSyncError(ctx, fmt.Errorf("push books: %w", apperrors.New(apperrors.ErrNetwork, "refused")))
	assert.Equal(t, Offline, f.ctrl.Mode())

	require.Equal(t, Online, f.ctrl.Evaluate(ctx))
	f.ctrl.ReportSyncError(ctx, apperrors.New(apperrors.ErrSignatureMismatch, "bad signature"))
	assert.Equal(t, Restricted, f.ctrl.Mode())
	assert.False(t, f.ctrl.AllowsMedia())
}

func TestEvaluate_NonSecuritySyncErrorStillOnline(t *testing.T) {
	f := newFixture()
	f.syncErr = apperrors.New(apperrors.ErrNetwork, "reset")
	assert.Equal(t, Online, f.ctrl.Evaluate(context.Background()))
}

func TestStart_EvaluatesOnInterval(t *testing.T) {
	f := newFixture()
	f.ctrl.Start(context.Background())
	assert.Equal(t, 1, f.local.calls)

	f.clock.Advance(15 * time.Second)
	assert.Equal(t, 2, f.local.calls)
	f.clock.Advance(30 * time.Second)
	assert.Equal(t, 4, f.local.calls)

	f.ctrl.Dispose()
	f.clock.Advance(time.Minute)
	assert.Equal(t, 4, f.local.calls)
}

func TestNotifyNetworkChange(t *testing.T) {
	f := newFixture()
	f.ctrl.Evaluate(context.Background())

	f.ctrl.NotifyNetworkChange(context.Background(), false)
	assert.Equal(t, Offline, f.ctrl.Mode())

	f.ctrl.NotifyNetworkChange(context.Background(), true)
	assert.Equal(t, Online, f.ctrl.Mode())
	assert.Equal(t, 2, f.syncs)
}

func TestSubscribe_InOrder(t *testing.T) {
	f := newFixture()
	var got []string
	f.ctrl.Subscribe(func(m Mode) { got = append(got, "a:"+string(m)) })
	f.ctrl.Subscribe(func(m Mode) { got = append(got, "b:"+string(m)) })

	f.ctrl.Evaluate(context.Background())

	assert.Equal(t, []string{"a:SYNCING", "b:SYNCING", "a:ONLINE", "b:ONLINE"}, got)
}
