// Package license decides whether the current identity may use paid
// features offline, and detects local tampering with the license record or
// the system clock.
package license

import (
	"context"
	"strconv"
	"time"

	"github.com/kimhsiao/ledgersync/internal/crypto"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/telemetry"
)

// Risk score weights.
const (
	ScoreProPlan       = 50
	ScoreExpiringWeek  = 15
	ScoreExpiringDay   = 30
	ScoreClockTampered = 50
	MaxScore           = 100

	// LockdownThreshold is exclusive: a score of exactly 80 is allowed.
	LockdownThreshold = 80
)

// ValidateAccess reports whether identity's plan is usable at now. Free
// always passes; pro needs an offline expiry in the future.
func ValidateAccess(identity *models.Identity, now time.Time) error {
	if identity == nil {
		return apperrors.New(apperrors.ErrSecurity, "no identity")
	}
	if !identity.IsPro() {
		return nil
	}
	if identity.OfflineExpiry <= now.UnixMilli() {
		return apperrors.New(apperrors.ErrLicenseExpired, "offline license expired at "+identity.ExpiryTime().UTC().Format(time.RFC3339))
	}
	return nil
}

// CalculateRiskScore accumulates the deterministic risk weights.
func CalculateRiskScore(identity *models.Identity, now time.Time, clockTampered bool) int {
	if identity == nil {
		return 0
	}
	score := 0
	if identity.IsPro() {
		score += ScoreProPlan
		left := identity.ExpiryTime().Sub(now)
		switch {
		case left <= 24*time.Hour:
			score += ScoreExpiringDay
		case left <= 7*24*time.Hour:
			score += ScoreExpiringWeek
		}
	}
	if clockTampered {
		score += ScoreClockTampered
	}
	if score > MaxScore {
		score = MaxScore
	}
	return score
}

// IsLockdown reports whether score is above the threshold.
func IsLockdown(score int) bool {
	return score > LockdownThreshold
}

// SignatureMessage is the canonical signed form: plan|offlineExpiry|userID.
func SignatureMessage(identity *models.Identity) string {
	return string(identity.Plan) + "|" + strconv.FormatInt(identity.OfflineExpiry, 10) + "|" + identity.UserID
}

// Assessment is the outcome of one evaluation.
type Assessment struct {
	Score         int   `json:"score"`
	Lockdown      bool  `json:"lockdown"`
	ClockTampered bool  `json:"clockTampered"`
	Err           error `json:"-"`
}

// RiskManager runs the full security check. It is the orchestrator's and
// the mode controller's security gate.
type RiskManager struct {
	sigKey []byte
	clock  *ClockGuard
	now    func() time.Time
}

// NewRiskManager derives the signature key from secret. clock may be nil to
// skip tamper detection.
func NewRiskManager(secret string, clock *ClockGuard, now func() time.Time) (*RiskManager, error) {
	key, err := crypto.DeriveKey([]byte(secret), crypto.PurposeSignature)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "license secret is required", err)
	}
	if now == nil {
		now = time.Now
	}
	return &RiskManager{sigKey: key, clock: clock, now: now}, nil
}

// Sign returns the signature a server holding the same secret would issue.
func (r *RiskManager) Sign(identity *models.Identity) string {
	return crypto.Sign(r.sigKey, SignatureMessage(identity))
}

// VerifySignature fails closed on any mismatch.
func (r *RiskManager) VerifySignature(identity *models.Identity) error {
	if identity == nil || identity.LicenseSignature == "" {
		return apperrors.New(apperrors.ErrSignatureMismatch, "license is unsigned")
	}
	if !crypto.Verify(r.sigKey, SignatureMessage(identity), identity.LicenseSignature) {
		return apperrors.New(apperrors.ErrSignatureMismatch, "license signature does not match")
	}
	return nil
}

// Evaluate scores identity without failing on the first problem.
func (r *RiskManager) Evaluate(ctx context.Context, identity *models.Identity) Assessment {
	now := r.now()
	var a Assessment
	if r.clock != nil {
		tampered, err := r.clock.Observe(ctx, now)
		if err != nil {
			a.Err = err
			return a
		}
		a.ClockTampered = tampered
	}
	a.Score = CalculateRiskScore(identity, now, a.ClockTampered)
	a.Lockdown = IsLockdown(a.Score)

	switch {
	case identity == nil:
		a.Err = apperrors.New(apperrors.ErrSecurity, "no identity")
	case identity.IsPro():
		if err := r.VerifySignature(identity); err != nil {
			a.Err = err
		} else if err := ValidateAccess(identity, now); err != nil {
			a.Err = err
		}
	}
	if a.Err == nil && a.Lockdown {
		if a.ClockTampered {
			a.Err = apperrors.New(apperrors.ErrClockTampered, "system clock moved backwards")
		} else {
			a.Err = apperrors.New(apperrors.ErrSecurity, "risk score "+strconv.Itoa(a.Score)+" is above lockdown threshold")
		}
	}
	if identity != nil {
		identity.RiskScore = a.Score
	}
	return a
}

// Check implements the security gate.
func (r *RiskManager) Check(ctx context.Context, identity *models.Identity) error {
	a := r.Evaluate(ctx, identity)
	telemetry.RiskScore.Set(float64(a.Score))
	if a.Err != nil && apperrors.IsSecurity(a.Err) {
		telemetry.SecurityDenials.WithLabelValues(string(apperrors.CodeOf(a.Err))).Inc()
		logging.Warn("security check denied", map[string]interface{}{
			"code":           apperrors.CodeOf(a.Err),
			"score":          a.Score,
			"clock_tampered": a.ClockTampered,
		})
	}
	return a.Err
}
