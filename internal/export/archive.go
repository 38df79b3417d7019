// Package export writes and reads local ledger backups.
//
// A backup is a gzip-compressed tar holding two files:
//
//	manifest.json  counts, creation time and the SHA-256 of data.json
//	data.json      books with their entries, plus media metadata
//
// With a password the whole archive is sealed with AES-256-GCM under an
// argon2id key (see encrypt.go). Deleted records and media blobs are not
// exported; blobs are recoverable from the remote once uploaded.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
)

// FormatVersion is written into every manifest.
const FormatVersion = 1

// Extension is the file suffix of backups written by WriteFile.
const Extension = ".ledgerbak"

const (
	manifestName = "manifest.json"
	dataName     = "data.json"
)

// maxMemberSize bounds a single tar member on read.
const maxMemberSize = 256 << 20

// Source is the slice of the repository a backup reads.
type Source interface {
	ListBooks(ctx context.Context, ownerID string) ([]*models.Book, error)
	ListEntries(ctx context.Context, bookLocalID int64) ([]*models.Entry, error)
	ListMediaAssets(ctx context.Context, statuses ...models.MediaStatus) ([]*models.MediaAsset, error)
}

// Manifest describes one backup.
type Manifest struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	Books     int       `json:"books"`
	Entries   int       `json:"entries"`
	Media     int       `json:"media"`
	Checksum  string    `json:"checksum"`
	Encrypted bool      `json:"encrypted"`
}

// BookSnapshot is a live book and its live entries.
type BookSnapshot struct {
	Book    *models.Book    `json:"book"`
	Entries []*models.Entry `json:"entries"`
}

// Data is the payload of a backup.
type Data struct {
	Books []BookSnapshot       `json:"books"`
	Media []*models.MediaAsset `json:"media"`
}

// Service produces backups from a Source.
type Service struct {
	src Source
	now func() time.Time
}

// NewService creates a backup service. now defaults to time.Now.
func NewService(src Source, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{src: src, now: now}
}

// Snapshot collects every live book, its entries and all media metadata.
func (s *Service) Snapshot(ctx context.Context) (*Data, error) {
	books, err := s.src.ListBooks(ctx, "")
	if err != nil {
		return nil, err
	}
	data := &Data{Books: make([]BookSnapshot, 0, len(books))}
	for _, b := range books {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := s.src.ListEntries(ctx, b.LocalID)
		if err != nil {
			return nil, err
		}
		data.Books = append(data.Books, BookSnapshot{Book: b, Entries: entries})
	}
	if data.Media, err = s.src.ListMediaAssets(ctx); err != nil {
		return nil, err
	}
	return data, nil
}

// Export writes a backup to w. An empty password writes a plain archive.
func (s *Service) Export(ctx context.Context, w io.Writer, password string) (*Manifest, error) {
	data, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode backup data", err)
	}
	sum := sha256.Sum256(payload)

	m := &Manifest{
		Version:   FormatVersion,
		CreatedAt: s.now().UTC(),
		Books:     len(data.Books),
		Media:     len(data.Media),
		Checksum:  hex.EncodeToString(sum[:]),
		Encrypted: password != "",
	}
	for _, b := range data.Books {
		m.Entries += len(b.Entries)
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode manifest", err)
	}

	archive, err := pack(m.CreatedAt, map[string][]byte{manifestName: manifest, dataName: payload})
	if err != nil {
		return nil, err
	}
	if password != "" {
		if archive, err = encrypt(archive, password); err != nil {
			return nil, err
		}
	}
	if _, err := w.Write(archive); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to write backup", err)
	}
	return m, nil
}

// WriteFile exports into dir under a timestamped name and returns the path.
// The file appears atomically.
func (s *Service) WriteFile(ctx context.Context, dir, password string) (string, *Manifest, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrInternal, "failed to create backup directory", err)
	}
	path := filepath.Join(dir, FileName(s.now()))
	tmp, err := os.CreateTemp(dir, ".backup-*")
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrInternal, "failed to create backup file", err)
	}
	defer os.Remove(tmp.Name())

	m, err := s.Export(ctx, tmp, password)
	if err != nil {
		tmp.Close()
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrInternal, "failed to flush backup file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrInternal, "failed to finalize backup file", err)
	}
	logging.Info("backup written", map[string]interface{}{
		"path":      path,
		"books":     m.Books,
		"entries":   m.Entries,
		"encrypted": m.Encrypted,
	})
	return path, m, nil
}

// FileName is the backup file name for t. Names sort chronologically.
func FileName(t time.Time) string {
	return "ledger-" + t.UTC().Format("20060102T150405.000Z") + Extension
}

// Read opens a backup, verifies its checksum and decodes it.
func Read(r io.Reader, password string) (*Manifest, *Data, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInternal, "failed to read backup", err)
	}
	if IsEncrypted(raw) {
		if raw, err = decrypt(raw, password); err != nil {
			return nil, nil, err
		}
	}
	files, err := unpack(raw)
	if err != nil {
		return nil, nil, err
	}

	manifestRaw, ok := files[manifestName]
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrValidation, "backup has no manifest")
	}
	payload, ok := files[dataName]
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrValidation, "backup has no data")
	}

	var m Manifest
	if err := json.Unmarshal(manifestRaw, &m); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrValidation, "invalid manifest", err)
	}
	if m.Version > FormatVersion {
		return nil, nil, apperrors.New(apperrors.ErrValidation, "backup format is newer than this build")
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != m.Checksum {
		return nil, nil, apperrors.New(apperrors.ErrValidation, "backup checksum mismatch")
	}

	var data Data
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrValidation, "invalid backup data", err)
	}
	return &m, &data, nil
}

// ReadFile is Read over a file.
func ReadFile(path, password string) (*Manifest, *Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrNotFound, "failed to open backup", err)
	}
	defer f.Close()
	return Read(f, password)
}

func pack(modTime time.Time, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	// Manifest first so a streaming reader sees it before the payload.
	for _, name := range []string{manifestName, dataName} {
		body := files[name]
		hdr := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(body)), ModTime: modTime}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to write archive header", err)
		}
		if _, err := tw.Write(body); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to write archive member", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to close archive", err)
	}
	if err := gz.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to compress archive", err)
	}
	return buf.Bytes(), nil
}

func unpack(raw []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "backup is not a gzip archive", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "corrupt archive", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxMemberSize {
			return nil, apperrors.New(apperrors.ErrValidation, "archive member too large: "+hdr.Name)
		}
		body, err := io.ReadAll(io.LimitReader(tr, maxMemberSize))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "corrupt archive member", err)
		}
		files[hdr.Name] = body
	}
	return files, nil
}
