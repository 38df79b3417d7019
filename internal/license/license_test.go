package license

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/ledgersync/internal/db"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
)

const secret = "shared-license-secret"

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *db.Repository {
	t.Helper()
	database, err := db.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return db.NewRepository(database.DB)
}

func pro(expiry time.Time) *models.Identity {
	return &models.Identity{UserID: "u1", Plan: models.PlanPro, OfflineExpiry: expiry.UnixMilli()}
}

// =====================================================
// Pure rules
// =====================================================

func TestValidateAccess(t *testing.T) {
	assert.NoError(t, ValidateAccess(&models.Identity{UserID: "u1", Plan: models.PlanFree}, now))
	assert.NoError(t, ValidateAccess(pro(now.Add(time.Hour)), now))

	err := ValidateAccess(pro(now.Add(-time.Second)), now)
	assert.True(t, apperrors.Is(err, apperrors.ErrLicenseExpired))

	err = ValidateAccess(pro(now), now)
	assert.True(t, apperrors.Is(err, apperrors.ErrLicenseExpired))

	assert.True(t, apperrors.Is(ValidateAccess(nil, now), apperrors.ErrSecurity))
}

func TestCalculateRiskScore(t *testing.T) {
	free := &models.Identity{UserID: "u1", Plan: models.PlanFree}
	tests := []struct {
		name     string
		identity *models.Identity
		tampered bool
		want     int
	}{
		{"free", free, false, 0},
		{"free tampered", free, true, 50},
		{"pro far from expiry", pro(now.Add(30 * 24 * time.Hour)), false, 50},
		{"pro within a week", pro(now.Add(5 * 24 * time.Hour)), false, 65},
		{"pro exactly seven days", pro(now.Add(7 * 24 * time.Hour)), false, 65},
		{"pro within a day", pro(now.Add(12 * time.Hour)), false, 80},
		{"pro expired", pro(now.Add(-time.Hour)), false, 80},
		{"pro tampered", pro(now.Add(30 * 24 * time.Hour)), true, 100},
		{"capped", pro(now.Add(time.Hour)), true, 100},
		{"nil", nil, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateRiskScore(tt.identity, now, tt.tampered))
		})
	}
}

func TestIsLockdown(t *testing.T) {
	assert.False(t, IsLockdown(80))
	assert.True(t, IsLockdown(81))
	assert.True(t, IsLockdown(100))
}

// =====================================================
// Signature and Check
// =====================================================

func TestVerifySignature(t *testing.T) {
	rm, err := NewRiskManager(secret, nil, func() time.Time { return now })
	require.NoError(t, err)

	id := pro(now.Add(48 * time.Hour))
	id.LicenseSignature = rm.Sign(id)
	assert.NoError(t, rm.VerifySignature(id))

	// Extending the expiry locally breaks the signature.
	id.OfflineExpiry += int64(30 * 24 * time.Hour / time.Millisecond)
	assert.True(t, apperrors.Is(rm.VerifySignature(id), apperrors.ErrSignatureMismatch))

	id.LicenseSignature = ""
	assert.True(t, apperrors.Is(rm.VerifySignature(id), apperrors.ErrSignatureMismatch))

	other, err := NewRiskManager("another-secret", nil, nil)
	require.NoError(t, err)
	fresh := pro(now.Add(48 * time.Hour))
	fresh.LicenseSignature = other.Sign(fresh)
	assert.Error(t, rm.VerifySignature(fresh))
}

func TestNewRiskManager_RequiresSecret(t *testing.T) {
	_, err := NewRiskManager("", nil, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrCryptoFailed))
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	clockNow := now
	store := newStore(t)
	rm, err := NewRiskManager(secret, NewClockGuard(store, 5*time.Minute), func() time.Time { return clockNow })
	require.NoError(t, err)

	signed := func(id *models.Identity) *models.Identity {
		id.LicenseSignature = rm.Sign(id)
		return id
	}

	// Valid pro license.
	valid := signed(pro(now.Add(30 * 24 * time.Hour)))
	assert.NoError(t, rm.Check(ctx, valid))
	assert.Equal(t, 50, valid.RiskScore)

	// Free plan needs no signature.
	assert.NoError(t, rm.Check(ctx, &models.Identity{UserID: "u1", Plan: models.PlanFree}))

	// Forged expiry fails closed even though it looks valid.
	forged := signed(pro(now.Add(time.Hour)))
	forged.OfflineExpiry = now.Add(365 * 24 * time.Hour).UnixMilli()
	assert.True(t, apperrors.Is(rm.Check(ctx, forged), apperrors.ErrSignatureMismatch))

	// Expired.
	expired := signed(pro(now.Add(-time.Minute)))
	assert.True(t, apperrors.Is(rm.Check(ctx, expired), apperrors.ErrLicenseExpired))

	// No identity.
	assert.True(t, apperrors.Is(rm.Check(ctx, nil), apperrors.ErrSecurity))

	// Clock moved back beyond tolerance: pro is locked down.
	clockNow = now.Add(-10 * time.Minute)
	err = rm.Check(ctx, signed(pro(now.Add(30*24*time.Hour))))
	assert.True(t, apperrors.Is(err, apperrors.ErrClockTampered))
	assert.True(t, apperrors.IsSecurity(err))

	// A tampered clock alone does not lock out the free plan.
	assert.NoError(t, rm.Check(ctx, &models.Identity{UserID: "u1", Plan: models.PlanFree}))

	// Back within tolerance.
	clockNow = now.Add(-2 * time.Minute)
	assert.NoError(t, rm.Check(ctx, signed(pro(now.Add(30*24*time.Hour)))))
}

// =====================================================
// ClockGuard
// =====================================================

func TestClockGuard_OnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	g := NewClockGuard(store, time.Minute)

	tampered, err := g.Observe(ctx, now)
	require.NoError(t, err)
	assert.False(t, tampered)

	tampered, err = g.Observe(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.False(t, tampered)

	raw, ok, err := store.GetMeta(ctx, ClockMetaKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1772366400000", raw)

	tampered, err = g.Observe(ctx, now.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.True(t, tampered)

	tampered, err = g.Observe(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, tampered)
	tampered, err = g.Observe(ctx, now)
	require.NoError(t, err)
	assert.True(t, tampered)
}

// =====================================================
// Vault
// =====================================================

func TestVault_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	v, err := NewVault(store, secret)
	require.NoError(t, err)

	lic, err := v.License(ctx)
	require.NoError(t, err)
	assert.Nil(t, lic)

	want := &models.Identity{UserID: "u1", Plan: models.PlanPro, OfflineExpiry: 123, LicenseSignature: "abc"}
	require.NoError(t, v.SaveLicense(ctx, want))
	require.NoError(t, v.SaveToken(ctx, "tok"))

	raw, _, err := store.GetMeta(ctx, RecordMetaKey)
	require.NoError(t, err)
	assert.NotContains(t, raw, "u1")

	got, err := v.License(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	tok, err := v.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	require.NoError(t, v.Clear(ctx))
	got, err = v.License(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	tok, err = v.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestVault_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	v, err := NewVault(store, secret)
	require.NoError(t, err)
	require.NoError(t, v.SaveLicense(ctx, pro(now)))

	require.NoError(t, store.SetMeta(ctx, RecordMetaKey, "bm90IHNlYWxlZA=="))
	_, err = v.License(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrSignatureMismatch))

	require.NoError(t, v.SaveLicense(ctx, pro(now)))
	other, err := NewVault(store, "different")
	require.NoError(t, err)
	_, err = other.License(ctx)
	assert.True(t, apperrors.IsSecurity(err))
}

// =====================================================
// TokenIdentityResolver
// =====================================================

func token(t *testing.T, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-only-key"))
	require.NoError(t, err)
	return s
}

func TestUserIDFromToken(t *testing.T) {
	id, err := UserIDFromToken(token(t, Claims{UserID: "u1"}))
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	id, err = UserIDFromToken(token(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u2"}}))
	require.NoError(t, err)
	assert.Equal(t, "u2", id)

	// Expired tokens still parse; the server decides validity.
	expired := Claims{UserID: "u3", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour))}}
	id, err = UserIDFromToken(token(t, expired))
	require.NoError(t, err)
	assert.Equal(t, "u3", id)

	_, err = UserIDFromToken("opaque-token")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = UserIDFromToken(token(t, Claims{}))
	assert.Error(t, err)
}

func TestTokenIdentityResolver(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	v, err := NewVault(store, secret)
	require.NoError(t, err)

	// Nobody signed in.
	r := NewTokenIdentityResolver(v, "")
	id, err := r.Resolve(ctx)
	require.NoError(t, err)
	assert.Nil(t, id)

	// Fallback token, no license: free plan.
	r = NewTokenIdentityResolver(v, token(t, Claims{UserID: "u1"}))
	id, err = r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, models.PlanFree, id.Plan)
	assert.NotEmpty(t, id.Token)

	// Vault token and matching license.
	require.NoError(t, v.SaveToken(ctx, token(t, Claims{UserID: "u2"})))
	lic := &models.Identity{UserID: "u2", Plan: models.PlanPro, OfflineExpiry: 42, LicenseSignature: "sig"}
	require.NoError(t, v.SaveLicense(ctx, lic))
	id, err = r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u2", id.UserID)
	assert.Equal(t, models.PlanPro, id.Plan)
	assert.Equal(t, int64(42), id.OfflineExpiry)
	assert.Equal(t, "sig", id.LicenseSignature)

	// License for someone else is ignored.
	require.NoError(t, v.SaveLicense(ctx, &models.Identity{UserID: "u9", Plan: models.PlanPro}))
	id, err = r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, id.Plan)
}
