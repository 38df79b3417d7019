package db

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kimhsiao/ledgersync/internal/models"
)

// RecordStore is the kind-agnostic record access shared by the sync core.
type RecordStore interface {
	GetRecord(ctx context.Context, kind models.Kind, localID int64) (models.Record, error)
	GetRecordByCID(ctx context.Context, kind models.Kind, cid string) (models.Record, error)
	GetRecordByServerID(ctx context.Context, kind models.Kind, serverID string) (models.Record, error)
	SaveRecord(ctx context.Context, rec models.Record) error
	Touch(ctx context.Context, kind models.Kind, localID int64, fields ...string) error
	SetDeleted(ctx context.Context, kind models.Kind, localID int64, deleted bool) error
	Purge(ctx context.Context, kind models.Kind, localID int64) error
	IsSynced(ctx context.Context, kind models.Kind, localID int64) (bool, error)
}

// MetaStore persists small key/value state (cursors, vault, shadow snapshots).
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error
	ListMeta(ctx context.Context, prefix string) (map[string]string, error)
}

// SyncRepository is everything the orchestrator reads and writes.
type SyncRepository interface {
	RecordStore
	MetaStore
	UnsyncedRecords(ctx context.Context, kind models.Kind) ([]models.Record, error)
	MarkSynced(ctx context.Context, kind models.Kind, localID int64, serverID string, revision int64) (bool, error)
	AdoptServerID(ctx context.Context, kind models.Kind, localID int64, serverID string) error
	RewriteEntryParent(ctx context.Context, bookLocalID int64, bookServerID string) (int64, error)
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error
	Available(ctx context.Context) bool
}

// MediaRepository persists media assets and the entries they attach to.
type MediaRepository interface {
	RecordStore
	CreateMediaAsset(ctx context.Context, asset *models.MediaAsset) error
	GetMediaAsset(ctx context.Context, localID int64) (*models.MediaAsset, error)
	UpdateMediaAsset(ctx context.Context, asset *models.MediaAsset) error
	ListMediaAssets(ctx context.Context, statuses ...models.MediaStatus) ([]*models.MediaAsset, error)
	UpdateFields(ctx context.Context, kind models.Kind, localID int64, changes map[string]interface{}) error
}

// LedgerRepository is the user-facing CRUD surface.
type LedgerRepository interface {
	CreateBook(ctx context.Context, b *models.Book) error
	ListBooks(ctx context.Context, ownerID string) ([]*models.Book, error)
	CreateEntry(ctx context.Context, e *models.Entry) error
	ListEntries(ctx context.Context, bookLocalID int64) ([]*models.Entry, error)
	UpdateFields(ctx context.Context, kind models.Kind, localID int64, changes map[string]interface{}) error
	BookBalance(ctx context.Context, bookLocalID int64) (decimal.Decimal, error)
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordStore      = (*Repository)(nil)
	_ MetaStore        = (*Repository)(nil)
	_ SyncRepository   = (*Repository)(nil)
	_ MediaRepository  = (*Repository)(nil)
	_ LedgerRepository = (*Repository)(nil)
)
