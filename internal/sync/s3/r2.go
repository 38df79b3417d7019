package s3

import (
	"encoding/hex"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
)

// R2Endpoint returns the account endpoint for Cloudflare R2. Account IDs are
// 32 hex characters.
func R2Endpoint(accountID string) (Endpoint, error) {
	if !IsValidR2AccountID(accountID) {
		return Endpoint{}, apperrors.New(apperrors.ErrInvalid, "r2 account id must be 32 hex characters")
	}
	return Endpoint{
		BaseURL: "https://" + accountID + ".r2.cloudflarestorage.com",
		Region:  "auto",
	}, nil
}

// IsValidR2AccountID performs a format check on an account ID.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	_, err := hex.DecodeString(accountID)
	return err == nil
}
