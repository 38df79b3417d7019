// Package models provides data model definitions for the ledger sync core.
package models

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind names a synchronized record type. The value doubles as the table
// name and the remote collection path.
type Kind string

const (
	KindBook  Kind = "books"
	KindEntry Kind = "entries"
)

// Valid reports whether k names a synchronized collection.
func (k Kind) Valid() bool {
	return k == KindBook || k == KindEntry
}

// ParseKind accepts a collection name, singular or plural.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "books", "book":
		return KindBook, nil
	case "entries", "entry":
		return KindEntry, nil
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// Field names tracked in SyncMeta.Dirty.
const (
	FieldStatus        = "status"
	FieldIsDeleted     = "isDeleted"
	FieldAttachmentURL = "attachmentUrl"
	FieldAll           = "*"
)

// SyncMeta is the envelope shared by every synchronized record.
type SyncMeta struct {
	LocalID   int64    `db:"local_id" json:"-"`
	ServerID  string   `db:"server_id" json:"id,omitempty"`
	CID       string   `db:"cid" json:"cid"`
	Revision  int64    `db:"revision" json:"revision"`
	UpdatedAt int64    `db:"updated_at" json:"updatedAt"` // epoch ms
	Synced    bool     `db:"synced" json:"-"`
	IsDeleted bool     `db:"is_deleted" json:"isDeleted"`
	Dirty     FieldSet `db:"dirty_fields" json:"-"`
}

// Meta returns the envelope itself so embedding types satisfy Record.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// Touch records a local mutation of fields.
func (m *SyncMeta) Touch(now time.Time, fields ...string) {
	m.Revision++
	m.Synced = false
	m.UpdatedAt = now.UnixMilli()
	if len(fields) == 0 {
		fields = []string{FieldAll}
	}
	m.Dirty.Add(fields...)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (m *SyncMeta) UpdatedAtTime() time.Time {
	return time.UnixMilli(m.UpdatedAt)
}

// IsLocalOnly reports whether the record was never acknowledged by the server.
func (m *SyncMeta) IsLocalOnly() bool {
	return m.ServerID == ""
}

// Record is implemented by every synchronized type.
type Record interface {
	Meta() *SyncMeta
	Kind() Kind
}

// NewRecord returns an empty record of kind, ready to be decoded into.
func NewRecord(kind Kind) (Record, error) {
	switch kind {
	case KindBook:
		return &Book{}, nil
	case KindEntry:
		return &Entry{}, nil
	}
	return nil, fmt.Errorf("unknown record kind %q", kind)
}

// FieldSet is the set of field names mutated since the last acknowledged push.
type FieldSet map[string]struct{}

// NewFieldSet builds a set from field names.
func NewFieldSet(fields ...string) FieldSet {
	var s FieldSet
	s.Add(fields...)
	return s
}

// Add inserts fields, allocating the set when needed.
func (s *FieldSet) Add(fields ...string) {
	if len(fields) == 0 {
		return
	}
	if *s == nil {
		*s = make(FieldSet, len(fields))
	}
	for _, f := range fields {
		if f != "" {
			(*s)[f] = struct{}{}
		}
	}
}

// Has reports membership.
func (s FieldSet) Has(field string) bool {
	_, ok := s[field]
	return ok
}

// Only reports whether s is non-empty and every member is in allowed.
func (s FieldSet) Only(allowed ...string) bool {
	if len(s) == 0 {
		return false
	}
	for f := range s {
		found := false
		for _, a := range allowed {
			if f == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// String returns the sorted, comma-separated members.
func (s FieldSet) String() string {
	fields := make([]string, 0, len(s))
	for f := range s {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return strings.Join(fields, ",")
}

// ParseFieldSet parses the String form.
func ParseFieldSet(v string) FieldSet {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return NewFieldSet(strings.Split(v, ",")...)
}

// Value implements driver.Valuer for FieldSet.
func (s FieldSet) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner for FieldSet.
func (s *FieldSet) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = nil
	case string:
		*s = ParseFieldSet(v)
	case []byte:
		*s = ParseFieldSet(string(v))
	default:
		return fmt.Errorf("cannot scan %T into FieldSet", value)
	}
	return nil
}
