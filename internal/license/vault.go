package license

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/ledgersync/internal/crypto"
	"github.com/kimhsiao/ledgersync/internal/db"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
)

// Meta keys for sealed vault entries.
const (
	RecordMetaKey = "license.record"
	TokenMetaKey  = "license.token"
)

// Vault keeps the license record and bearer token sealed in the meta table.
type Vault struct {
	store db.MetaStore
	key   []byte
}

// NewVault derives the sealing key from secret.
func NewVault(store db.MetaStore, secret string) (*Vault, error) {
	key, err := crypto.DeriveKey([]byte(secret), crypto.PurposeVault)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "vault secret is required", err)
	}
	return &Vault{store: store, key: key}, nil
}

func (v *Vault) put(ctx context.Context, key string, plaintext []byte) error {
	sealed, err := crypto.Seal(plaintext, v.key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCryptoFailed, "failed to seal "+key, err)
	}
	return v.store.SetMeta(ctx, key, sealed)
}

func (v *Vault) get(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, ok, err := v.store.GetMeta(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	plain, err := crypto.Open(sealed, v.key)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrSignatureMismatch, key+" was modified outside the vault", err)
	}
	return plain, true, nil
}

// SaveLicense stores the license record issued by the server.
func (v *Vault) SaveLicense(ctx context.Context, identity *models.Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode license", err)
	}
	return v.put(ctx, RecordMetaKey, data)
}

// License returns the stored license record, or nil when none is stored.
func (v *Vault) License(ctx context.Context) (*models.Identity, error) {
	data, ok, err := v.get(ctx, RecordMetaKey)
	if err != nil || !ok {
		return nil, err
	}
	var identity models.Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSignatureMismatch, "license record is unreadable", err)
	}
	return &identity, nil
}

// SaveToken stores the bearer token.
func (v *Vault) SaveToken(ctx context.Context, token string) error {
	return v.put(ctx, TokenMetaKey, []byte(token))
}

// Token returns the stored bearer token, or "".
func (v *Vault) Token(ctx context.Context) (string, error) {
	data, _, err := v.get(ctx, TokenMetaKey)
	return string(data), err
}

// Clear removes the license record and token.
func (v *Vault) Clear(ctx context.Context) error {
	if err := v.store.DeleteMeta(ctx, RecordMetaKey); err != nil {
		return err
	}
	return v.store.DeleteMeta(ctx, TokenMetaKey)
}
