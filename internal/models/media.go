package models

import (
	"io"
	"time"
)

// MediaStatus tracks an asset through the upload queue.
type MediaStatus string

const (
	MediaPending   MediaStatus = "pending"
	MediaUploading MediaStatus = "uploading"
	MediaUploaded  MediaStatus = "uploaded"
	MediaFailed    MediaStatus = "failed"
)

// MediaAsset is a locally captured attachment awaiting or past upload.
type MediaAsset struct {
	LocalID       int64       `db:"local_id" json:"localId"`
	CID           string      `db:"cid" json:"cid"`
	BlobHash      string      `db:"blob_hash" json:"blobHash,omitempty"` // empty once released
	ContentType   string      `db:"content_type" json:"contentType"`
	Size          int64       `db:"size" json:"size"`
	RemoteURL     string      `db:"remote_url" json:"remoteUrl,omitempty"`
	RemoteID      string      `db:"remote_id" json:"remoteId,omitempty"`
	Status        MediaStatus `db:"status" json:"status"`
	ParentKind    Kind        `db:"parent_kind" json:"parentKind"`
	ParentLocalID int64       `db:"parent_local_id" json:"parentLocalId"`
	LastError     string      `db:"last_error" json:"lastError,omitempty"`
	CreatedAt     int64       `db:"created_at" json:"createdAt"`
	UpdatedAt     int64       `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for MediaAsset.
func (MediaAsset) TableName() string {
	return "media_assets"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (m *MediaAsset) CreatedAtTime() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// UploadRequest describes one blob handed to an uploader.
type UploadRequest struct {
	OwnerID     string
	CID         string
	ContentType string
	Size        int64
	Body        io.Reader
	// Progress, when set, receives cumulative bytes sent.
	Progress func(sent, total int64)
}

// UploadResult is what the remote returns for a stored blob.
type UploadResult struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
