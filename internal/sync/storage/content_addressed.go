// Package storage keeps captured media blobs on disk, addressed by their
// SHA-256 so identical attachments are stored once.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
)

// BlobStore stores blobs at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a store rooted at baseDir.
func NewBlobStore(baseDir string) *BlobStore {
	return &BlobStore{baseDir: baseDir}
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func (s *BlobStore) path(hash string) string {
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}

// Put stores data and returns its hash. Existing content is not rewritten.
func (s *BlobStore) Put(data []byte) (string, error) {
	hash := Hash(data)
	p := s.path(hash)
	if _, err := os.Stat(p); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to create blob directory", err)
	}

	// Write to a temp file and rename so a crash never leaves a partial blob
	// under its final name.
	tmp, err := os.CreateTemp(filepath.Dir(p), hash+".tmp*")
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to create blob", err)
	}
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to write blob", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to write blob", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return "", apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to commit blob", err)
	}
	return hash, nil
}

// Open returns a reader for the blob and its size. The content is verified
// against hash before it is returned.
func (s *BlobStore) Open(hash string) (io.ReadCloser, int64, error) {
	data, err := s.Get(hash)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Get reads a blob and verifies it.
func (s *BlobStore) Get(hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, apperrors.New(apperrors.ErrInvalid, "invalid blob hash")
	}
	data, err := os.ReadFile(s.path(hash))
	if os.IsNotExist(err) {
		return nil, apperrors.New(apperrors.ErrNotFound, "blob not found: "+hash)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to read blob", err)
	}
	if got := Hash(data); got != hash {
		return nil, apperrors.New(apperrors.ErrStorageUnavailable, "blob corrupted: expected "+hash+", got "+got)
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (s *BlobStore) Exists(hash string) bool {
	if !validHash(hash) {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Size returns the stored size of a blob.
func (s *BlobStore) Size(hash string) (int64, error) {
	if !validHash(hash) {
		return 0, apperrors.New(apperrors.ErrInvalid, "invalid blob hash")
	}
	info, err := os.Stat(s.path(hash))
	if os.IsNotExist(err) {
		return 0, apperrors.New(apperrors.ErrNotFound, "blob not found: "+hash)
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to stat blob", err)
	}
	return info.Size(), nil
}

// Delete removes a blob. Missing blobs are not an error. Empty fan-out
// directories are pruned.
func (s *BlobStore) Delete(hash string) error {
	if !validHash(hash) {
		return apperrors.New(apperrors.ErrInvalid, "invalid blob hash")
	}
	p := s.path(hash)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to delete blob", err)
	}
	dir := filepath.Dir(p)
	_ = os.Remove(dir)
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

// List returns every stored hash.
func (s *BlobStore) List() ([]string, error) {
	var hashes []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.baseDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if name := d.Name(); validHash(name) {
			hashes = append(hashes, name)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "failed to walk blob store", err)
	}
	return hashes, nil
}

// Sweep deletes every blob not in keep and returns how many were removed.
func (s *BlobStore) Sweep(keep map[string]bool) (int, error) {
	hashes, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, h := range hashes {
		if keep[h] {
			continue
		}
		if err := s.Delete(h); err != nil {
			logging.Warn("failed to sweep blob", map[string]interface{}{"hash": h, "error": err.Error()})
			continue
		}
		removed++
	}
	return removed, nil
}
