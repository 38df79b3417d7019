package license

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
)

// Claims are the bearer token claims the client reads. The server verifies
// the token; the client only needs the user id.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId,omitempty"`
}

// UserIDFromToken extracts the user id without verifying the signature.
func UserIDFromToken(token string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "bearer token is not a JWT", err)
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", apperrors.New(apperrors.ErrInvalid, "bearer token has no user id")
}

// TokenIdentityResolver builds the identity from the vault's token and
// license record. fallbackToken is used when the vault holds no token.
type TokenIdentityResolver struct {
	vault         *Vault
	fallbackToken string
}

// NewTokenIdentityResolver creates a resolver.
func NewTokenIdentityResolver(vault *Vault, fallbackToken string) *TokenIdentityResolver {
	return &TokenIdentityResolver{vault: vault, fallbackToken: fallbackToken}
}

// Resolve returns nil when no one is signed in. A license record for a
// different user is ignored and the identity falls back to the free plan.
func (r *TokenIdentityResolver) Resolve(ctx context.Context) (*models.Identity, error) {
	token, err := r.vault.Token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		token = r.fallbackToken
	}
	if token == "" {
		return nil, nil
	}
	userID, err := UserIDFromToken(token)
	if err != nil {
		return nil, err
	}

	identity := &models.Identity{UserID: userID, Plan: models.PlanFree, Token: token}
	lic, err := r.vault.License(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case lic == nil:
	case lic.UserID != userID:
		logging.Warn("ignoring license issued to another user", map[string]interface{}{
			"token_user":   userID,
			"license_user": lic.UserID,
		})
	default:
		identity.Plan = lic.Plan
		identity.OfflineExpiry = lic.OfflineExpiry
		identity.LicenseSignature = lic.LicenseSignature
	}
	return identity, nil
}
