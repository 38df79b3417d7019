// Package telemetry exposes Prometheus metrics for the sync core.
// Nothing leaves the device unless the daemon's /metrics endpoint is scraped.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledgersync"

// =====================================================
// Sync Metrics
// =====================================================

// SyncPasses counts sync passes by result (ok, skipped, failed).
var SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "passes_total",
	Help:      "Sync passes by result.",
}, []string{"result"})

// RecordsPushed counts records acknowledged by the server.
var RecordsPushed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "records_pushed_total",
	Help:      "Records pushed and acknowledged, by kind.",
}, []string{"kind"})

// RecordsPulled counts remote records applied locally.
var RecordsPulled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "records_pulled_total",
	Help:      "Remote records inserted or applied locally, by kind.",
}, []string{"kind"})

// PushFailures counts per-record push failures by kind and reason.
var PushFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "push_failures_total",
	Help:      "Per-record push failures, by kind and reason (validation, http, network).",
}, []string{"kind", "reason"})

// Conflicts counts revision disagreements by resolution.
var Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "sync",
	Name:      "conflicts_total",
	Help:      "Pulled records whose revision disagreed with the local copy.",
}, []string{"resolution"})

// =====================================================
// Mode / Shadow / Media Metrics
// =====================================================

// NetworkMode is 1 for the current mode label and 0 for the rest.
var NetworkMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "mode",
	Name:      "current",
	Help:      "Current network mode (1 = active).",
}, []string{"mode"})

// PendingDeletions tracks deletions inside the undo grace window.
var PendingDeletions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "shadow",
	Name:      "pending_deletions",
	Help:      "Deletions waiting for their grace period to expire.",
})

// MediaUploads counts finished uploads by result (uploaded, failed).
var MediaUploads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "media",
	Name:      "uploads_total",
	Help:      "Media uploads by result.",
}, []string{"result"})

// MediaQueueDepth tracks assets waiting for upload.
var MediaQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "media",
	Name:      "queue_depth",
	Help:      "Assets waiting in the upload queue.",
})

// =====================================================
// License Metrics
// =====================================================

// RiskScore is the last computed license risk score.
var RiskScore = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "license",
	Name:      "risk_score",
	Help:      "Last computed license risk score (0-100).",
})

// SecurityDenials counts security checks that failed, by error code.
var SecurityDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "license",
	Name:      "denials_total",
	Help:      "Security checks that denied access, by code.",
}, []string{"code"})

// =====================================================
// Backup Metrics
// =====================================================

// Backups counts backup runs by result (ok, failed).
var Backups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "backup",
	Name:      "runs_total",
	Help:      "Scheduled and manual backup runs, by result.",
}, []string{"result"})

// SetMode marks mode as the active label on NetworkMode.
func SetMode(current string, all []string) {
	for _, m := range all {
		v := 0.0
		if m == current {
			v = 1
		}
		NetworkMode.WithLabelValues(m).Set(v)
	}
}
