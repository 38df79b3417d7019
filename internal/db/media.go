package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/uuid"
)

const mediaColumns = `local_id, cid, blob_hash, content_type, size, remote_url, remote_id, status,
	parent_kind, parent_local_id, last_error, created_at, updated_at`

func scanMedia(row rowScanner) (*models.MediaAsset, error) {
	var m models.MediaAsset
	if err := row.Scan(&m.LocalID, &m.CID, &m.BlobHash, &m.ContentType, &m.Size, &m.RemoteURL,
		&m.RemoteID, &m.Status, &m.ParentKind, &m.ParentLocalID, &m.LastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMediaAsset stores a new pending asset.
func (r *Repository) CreateMediaAsset(ctx context.Context, m *models.MediaAsset) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	if !m.ParentKind.Valid() {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("media parent kind %q is invalid", m.ParentKind))
	}
	now := r.now().UnixMilli()
	if m.CID == "" {
		m.CID = uuid.New()
	}
	if m.Status == "" {
		m.Status = models.MediaPending
	}
	m.CreatedAt = now
	m.UpdatedAt = now

	res, err := db.ExecContext(ctx, `
	INSERT INTO media_assets (cid, blob_hash, content_type, size, remote_url, remote_id, status,
		parent_kind, parent_local_id, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.CID, m.BlobHash, m.ContentType, m.Size, m.RemoteURL, m.RemoteID, string(m.Status),
		string(m.ParentKind), m.ParentLocalID, m.LastError, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to create media asset", err)
	}
	m.LocalID, err = res.LastInsertId()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read media asset id", err)
	}
	return nil
}

// GetMediaAsset returns an asset by localId.
func (r *Repository) GetMediaAsset(ctx context.Context, localID int64) (*models.MediaAsset, error) {
	stmt, err := r.prepare(ctx, "SELECT "+mediaColumns+" FROM media_assets WHERE local_id = ?")
	if err != nil {
		return nil, err
	}
	m, err := scanMedia(stmt.QueryRowContext(ctx, localID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("media asset %d not found", localID))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read media asset", err)
	}
	return m, nil
}

// UpdateMediaAsset overwrites the mutable columns of an asset.
func (r *Repository) UpdateMediaAsset(ctx context.Context, m *models.MediaAsset) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	m.UpdatedAt = r.now().UnixMilli()
	res, err := db.ExecContext(ctx, `
	UPDATE media_assets SET blob_hash = ?, content_type = ?, size = ?, remote_url = ?, remote_id = ?,
		status = ?, last_error = ?, updated_at = ?
	WHERE local_id = ?`,
		m.BlobHash, m.ContentType, m.Size, m.RemoteURL, m.RemoteID, string(m.Status), m.LastError,
		m.UpdatedAt, m.LocalID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update media asset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("media asset %d not found", m.LocalID))
	}
	return nil
}

// ListMediaAssets returns assets in any of statuses, oldest first. No
// statuses lists everything.
func (r *Repository) ListMediaAssets(ctx context.Context, statuses ...models.MediaStatus) ([]*models.MediaAsset, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	query := "SELECT " + mediaColumns + " FROM media_assets"
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += " WHERE status IN (" + strings.Join(marks, ", ") + ")"
	}
	rows, err := db.QueryContext(ctx, query+" ORDER BY local_id", args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list media assets", err)
	}
	defer rows.Close()

	var assets []*models.MediaAsset
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan media asset", err)
		}
		assets = append(assets, m)
	}
	return assets, rows.Err()
}
