// Package queue uploads captured media in the background, one asset at a
// time, and links the result to the owning record.
package queue

import (
	"context"
	"io"
	"sync"

	"github.com/kimhsiao/ledgersync/internal/broadcast"
	"github.com/kimhsiao/ledgersync/internal/db"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/media"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
	"github.com/kimhsiao/ledgersync/internal/telemetry"
)

// Uploader stores one blob remotely.
type Uploader interface {
	Upload(ctx context.Context, req models.UploadRequest) (*models.UploadResult, error)
}

// Transformer turns captured bytes into the upload form.
type Transformer interface {
	Transform(data []byte) (*media.Result, error)
}

// BlobStore keeps local blobs until they are safe to release.
type BlobStore interface {
	Put(data []byte) (string, error)
	Open(hash string) (io.ReadCloser, int64, error)
	Delete(hash string) error
}

// Gate reports whether uploads may run in the current network mode.
type Gate interface {
	AllowsMedia() bool
}

// ProgressFunc receives cumulative bytes sent for an asset.
type ProgressFunc func(assetID int64, sent, total int64)

// Stats is a snapshot of the queue.
type Stats struct {
	Queued    int   `json:"queued"`
	Uploading bool  `json:"uploading"`
	Current   int64 `json:"current,omitempty"`
}

// MediaUploadQueue is a FIFO of asset ids with a single worker.
type MediaUploadQueue struct {
	repo      db.MediaRepository
	blobs     BlobStore
	uploader  Uploader
	transform Transformer
	bus       broadcast.Bus
	sched     scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	items     []int64
	queued    map[int64]struct{}
	uploading bool
	current   int64
	gate      Gate
	progress  ProgressFunc
	onLinked  func(entryLocalID int64)
	disposed  bool
}

// NewMediaUploadQueue creates a queue. transform may be nil to store bytes
// as captured.
func NewMediaUploadQueue(repo db.MediaRepository, blobs BlobStore, uploader Uploader, transform Transformer,
	bus broadcast.Bus, sched scheduler.Scheduler) *MediaUploadQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &MediaUploadQueue{
		repo:      repo,
		blobs:     blobs,
		uploader:  uploader,
		transform: transform,
		bus:       bus,
		sched:     sched,
		ctx:       ctx,
		cancel:    cancel,
		queued:    make(map[int64]struct{}),
	}
}

// SetGate installs the mode gate. Without one uploads always run.
func (q *MediaUploadQueue) SetGate(g Gate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gate = g
}

// OnProgress registers a progress callback.
func (q *MediaUploadQueue) OnProgress(fn ProgressFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress = fn
}

// OnLinked registers fn to run after an uploaded asset's URL is written
// onto its entry.
func (q *MediaUploadQueue) OnLinked(fn func(entryLocalID int64)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onLinked = fn
}

// Attach stores data as a new asset of the given parent and queues it.
// Empty data is accepted; the worker marks it failed.
func (q *MediaUploadQueue) Attach(ctx context.Context, parentKind models.Kind, parentLocalID int64, data []byte) (*models.MediaAsset, error) {
	if _, err := q.repo.GetRecord(ctx, parentKind, parentLocalID); err != nil {
		return nil, err
	}

	contentType := "application/octet-stream"
	if len(data) > 0 && q.transform != nil {
		res, err := q.transform.Transform(data)
		if err != nil {
			return nil, err
		}
		data, contentType = res.Data, res.ContentType
	}

	hash, err := q.blobs.Put(data)
	if err != nil {
		return nil, err
	}
	asset := &models.MediaAsset{
		BlobHash:      hash,
		ContentType:   contentType,
		Size:          int64(len(data)),
		ParentKind:    parentKind,
		ParentLocalID: parentLocalID,
	}
	if err := q.repo.CreateMediaAsset(ctx, asset); err != nil {
		return nil, err
	}

	logging.Info("media attached", map[string]interface{}{
		"asset_id":     asset.LocalID,
		"parent_kind":  parentKind,
		"parent_id":    parentLocalID,
		"size":         asset.Size,
		"content_type": contentType,
	})
	q.Enqueue(asset.LocalID)
	return asset, nil
}

// Enqueue appends an asset id. Ids already queued are ignored.
func (q *MediaUploadQueue) Enqueue(assetID int64) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	if _, ok := q.queued[assetID]; !ok {
		q.queued[assetID] = struct{}{}
		q.items = append(q.items, assetID)
		telemetry.MediaQueueDepth.Set(float64(len(q.items)))
	}
	q.mu.Unlock()
	q.Kick()
}

// Kick schedules processing. It is a no-op while the worker is running.
func (q *MediaUploadQueue) Kick() {
	q.mu.Lock()
	idle := !q.uploading && !q.disposed && len(q.items) > 0
	q.mu.Unlock()
	if idle {
		q.sched.ScheduleOnce(0, q.process)
	}
}

func (q *MediaUploadQueue) allows() bool {
	q.mu.Lock()
	g := q.gate
	q.mu.Unlock()
	return g == nil || g.AllowsMedia()
}

// pop removes the head. The caller holds the worker slot.
func (q *MediaUploadQueue) pop() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	id := q.items[0]
	q.items = q.items[1:]
	delete(q.queued, id)
	q.current = id
	telemetry.MediaQueueDepth.Set(float64(len(q.items)))
	return id, true
}

func (q *MediaUploadQueue) process() {
	q.mu.Lock()
	if q.uploading || q.disposed {
		q.mu.Unlock()
		return
	}
	q.uploading = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.uploading = false
		q.current = 0
		q.mu.Unlock()
	}()

	for q.ctx.Err() == nil && q.allows() {
		id, ok := q.pop()
		if !ok {
			return
		}
		q.uploadOne(q.ctx, id)
	}
}

func (q *MediaUploadQueue) fail(ctx context.Context, asset *models.MediaAsset, err error) {
	asset.Status = models.MediaFailed
	asset.LastError = err.Error()
	if uerr := q.repo.UpdateMediaAsset(ctx, asset); uerr != nil {
		logging.Error("failed to record media failure", uerr, map[string]interface{}{"asset_id": asset.LocalID})
	}
	telemetry.MediaUploads.WithLabelValues("failed").Inc()
	logging.Warn("media upload failed", map[string]interface{}{
		"asset_id": asset.LocalID,
		"error":    err.Error(),
	})
}

func ownerOf(rec models.Record) string {
	switch r := rec.(type) {
	case *models.Entry:
		return r.OwnerID
	case *models.Book:
		return r.OwnerID
	}
	return ""
}

func (q *MediaUploadQueue) uploadOne(ctx context.Context, assetID int64) {
	asset, err := q.repo.GetMediaAsset(ctx, assetID)
	if err != nil {
		logging.Error("failed to load media asset", err, map[string]interface{}{"asset_id": assetID})
		return
	}
	if asset.Status == models.MediaUploaded {
		return
	}
	if asset.Size == 0 || asset.BlobHash == "" {
		q.fail(ctx, asset, apperrors.New(apperrors.ErrMediaEmpty, "blob is empty"))
		return
	}

	parent, err := q.repo.GetRecord(ctx, asset.ParentKind, asset.ParentLocalID)
	if err != nil {
		q.fail(ctx, asset, err)
		return
	}
	body, size, err := q.blobs.Open(asset.BlobHash)
	if err != nil {
		q.fail(ctx, asset, err)
		return
	}
	defer body.Close()
	if size == 0 {
		q.fail(ctx, asset, apperrors.New(apperrors.ErrMediaEmpty, "blob is empty"))
		return
	}

	asset.Status = models.MediaUploading
	asset.LastError = ""
	if err := q.repo.UpdateMediaAsset(ctx, asset); err != nil {
		logging.Error("failed to mark media uploading", err, map[string]interface{}{"asset_id": asset.LocalID})
		return
	}

	q.mu.Lock()
	progress := q.progress
	onLinked := q.onLinked
	q.mu.Unlock()

	res, err := q.uploader.Upload(ctx, models.UploadRequest{
		OwnerID:     ownerOf(parent),
		CID:         asset.CID,
		ContentType: asset.ContentType,
		Size:        size,
		Body:        body,
		Progress: func(sent, total int64) {
			if progress != nil {
				progress(asset.LocalID, sent, total)
			}
		},
	})
	if err != nil {
		q.fail(ctx, asset, err)
		return
	}

	asset.Status = models.MediaUploaded
	asset.RemoteURL = res.URL
	asset.RemoteID = res.ID
	if err := q.repo.UpdateMediaAsset(ctx, asset); err != nil {
		logging.Error("failed to record media upload", err, map[string]interface{}{"asset_id": asset.LocalID})
		return
	}
	if asset.ParentKind == models.KindEntry {
		if err := q.repo.UpdateFields(ctx, models.KindEntry, asset.ParentLocalID,
			map[string]interface{}{models.FieldAttachmentURL: res.URL}); err != nil {
			logging.Error("failed to link attachment", err, map[string]interface{}{
				"asset_id": asset.LocalID,
				"entry_id": asset.ParentLocalID,
			})
		} else if onLinked != nil {
			defer onLinked(asset.ParentLocalID)
		}
	}

	telemetry.MediaUploads.WithLabelValues("uploaded").Inc()
	logging.Info("media uploaded", map[string]interface{}{
		"asset_id": asset.LocalID,
		"url":      res.URL,
	})
	if q.bus != nil {
		broadcast.PublishRefresh(q.bus)
	}
}

// requeue moves assets in from to pending and enqueues them.
func (q *MediaUploadQueue) requeue(ctx context.Context, from ...models.MediaStatus) (int, error) {
	assets, err := q.repo.ListMediaAssets(ctx, from...)
	if err != nil {
		return 0, err
	}
	for _, a := range assets {
		if a.Status != models.MediaPending {
			a.Status = models.MediaPending
			a.LastError = ""
			if err := q.repo.UpdateMediaAsset(ctx, a); err != nil {
				return 0, err
			}
		}
		q.Enqueue(a.LocalID)
	}
	return len(assets), nil
}

// RetryAll re-queues every failed asset. Failures are never retried
// automatically.
func (q *MediaUploadQueue) RetryAll(ctx context.Context) (int, error) {
	n, err := q.requeue(ctx, models.MediaFailed)
	if err == nil && n > 0 {
		logging.Info("retrying failed media", map[string]interface{}{"count": n})
	}
	return n, err
}

// Resume re-queues assets left pending or uploading by a previous process.
func (q *MediaUploadQueue) Resume(ctx context.Context) (int, error) {
	n, err := q.requeue(ctx, models.MediaPending, models.MediaUploading)
	if err == nil && n > 0 {
		logging.Info("resumed media queue", map[string]interface{}{"count": n})
	}
	return n, err
}

// ReleaseSyncedBlobs deletes local blobs of uploaded assets whose owning
// record the server has acknowledged. Blobs still referenced by an asset
// awaiting upload are kept.
func (q *MediaUploadQueue) ReleaseSyncedBlobs(ctx context.Context) error {
	waiting, err := q.repo.ListMediaAssets(ctx, models.MediaPending, models.MediaUploading, models.MediaFailed)
	if err != nil {
		return err
	}
	inUse := make(map[string]bool, len(waiting))
	for _, a := range waiting {
		inUse[a.BlobHash] = true
	}

	uploaded, err := q.repo.ListMediaAssets(ctx, models.MediaUploaded)
	if err != nil {
		return err
	}
	released := 0
	for _, a := range uploaded {
		if a.BlobHash == "" {
			continue
		}
		synced, err := q.repo.IsSynced(ctx, a.ParentKind, a.ParentLocalID)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if err == nil && !synced {
			continue
		}
		if !inUse[a.BlobHash] {
			if err := q.blobs.Delete(a.BlobHash); err != nil {
				return err
			}
		}
		a.BlobHash = ""
		if err := q.repo.UpdateMediaAsset(ctx, a); err != nil {
			return err
		}
		released++
	}
	if released > 0 {
		logging.Debug("released media blobs", map[string]interface{}{"count": released})
	}
	return nil
}

// Stats returns a snapshot.
func (q *MediaUploadQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: len(q.items), Uploading: q.uploading, Current: q.current}
}

// Dispose stops the worker after the current upload and drops the queue.
// Assets stay pending in the store for the next Resume.
func (q *MediaUploadQueue) Dispose() {
	q.mu.Lock()
	q.disposed = true
	q.items = nil
	q.queued = make(map[int64]struct{})
	q.mu.Unlock()
	q.cancel()
	telemetry.MediaQueueDepth.Set(0)
}
