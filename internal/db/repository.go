package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/uuid"
)

// Repository is the LocalStore: typed access to every synchronized table.
// Writes are visible to the next read; there is no write-behind.
type Repository struct {
	db  *sql.DB
	now func() time.Time

	mu     sync.RWMutex
	closed bool

	// prepared statements for hot lookups, keyed by query text
	stmtCache sync.Map
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// SetClock replaces the wall clock used for updatedAt stamps.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// conn returns the live handle or the storage-unavailable sentinel.
func (r *Repository) conn() (*sql.DB, error) {
	if r == nil || r.db == nil {
		return nil, apperrors.StorageUnavailable
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, apperrors.StorageUnavailable
	}
	return r.db, nil
}

// Available reports whether the store can serve reads and writes.
func (r *Repository) Available(ctx context.Context) bool {
	db, err := r.conn()
	if err != nil {
		return false
	}
	return db.PingContext(ctx) == nil
}

// prepare gets or creates a cached prepared statement.
func (r *Repository) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close releases cached statements. The underlying *sql.DB is owned by the caller.
func (r *Repository) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(kind models.Kind, key string, value interface{}) error {
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s with %s %v not found", kind, key, value))
}

func tableFor(kind models.Kind) (string, error) {
	if !kind.Valid() {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown record kind %q", kind))
	}
	return string(kind), nil
}

// =====================================================
// Row scanning
// =====================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const bookColumns = `local_id, server_id, cid, revision, updated_at, synced, is_deleted, dirty_fields,
	owner_id, name, currency, description`

const entryColumns = `local_id, server_id, cid, revision, updated_at, synced, is_deleted, dirty_fields,
	book_local_id, book_id, owner_id, type, amount, category, date, status, note, attachment_url`

func scanBook(row rowScanner) (*models.Book, error) {
	var b models.Book
	var serverID sql.NullString
	if err := row.Scan(&b.LocalID, &serverID, &b.CID, &b.Revision, &b.UpdatedAt, &b.Synced,
		&b.IsDeleted, &b.Dirty, &b.OwnerID, &b.Name, &b.Currency, &b.Description); err != nil {
		return nil, err
	}
	b.ServerID = serverID.String
	return &b, nil
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var e models.Entry
	var serverID, bookID sql.NullString
	if err := row.Scan(&e.LocalID, &serverID, &e.CID, &e.Revision, &e.UpdatedAt, &e.Synced,
		&e.IsDeleted, &e.Dirty, &e.BookLocalID, &bookID, &e.OwnerID, &e.Type, &e.Amount,
		&e.Category, &e.Date, &e.Status, &e.Note, &e.AttachmentURL); err != nil {
		return nil, err
	}
	e.ServerID = serverID.String
	e.BookID = bookID.String
	return &e, nil
}

// =====================================================
// Book Operations
// =====================================================

// CreateBook persists a new local book: fresh cid, revision 1, unsynced.
func (r *Repository) CreateBook(ctx context.Context, b *models.Book) error {
	if err := b.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid book", err)
	}
	r.stampNew(&b.SyncMeta)
	return r.saveBook(ctx, b)
}

// GetBook returns a book by localId, deleted or not.
func (r *Repository) GetBook(ctx context.Context, localID int64) (*models.Book, error) {
	return r.queryBook(ctx, "local_id", localID)
}

// GetBookByCID returns a book by correlation id.
func (r *Repository) GetBookByCID(ctx context.Context, cid string) (*models.Book, error) {
	return r.queryBook(ctx, "cid", cid)
}

// GetBookByServerID returns a book by server id.
func (r *Repository) GetBookByServerID(ctx context.Context, serverID string) (*models.Book, error) {
	return r.queryBook(ctx, "server_id", serverID)
}

func (r *Repository) queryBook(ctx context.Context, column string, value interface{}) (*models.Book, error) {
	stmt, err := r.prepare(ctx, "SELECT "+bookColumns+" FROM books WHERE "+column+" = ?")
	if err != nil {
		return nil, err
	}
	b, err := scanBook(stmt.QueryRowContext(ctx, value))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(models.KindBook, column, value)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read book", err)
	}
	return b, nil
}

// ListBooks returns the owner's live books. An empty ownerID lists every owner.
func (r *Repository) ListBooks(ctx context.Context, ownerID string) ([]*models.Book, error) {
	query := "SELECT " + bookColumns + " FROM books WHERE is_deleted = 0"
	var args []interface{}
	if ownerID != "" {
		query += " AND owner_id = ?"
		args = append(args, ownerID)
	}
	return r.listBooks(ctx, query+" ORDER BY local_id", args...)
}

// UnsyncedBooks returns every book with synced = 0, including deleted ones.
func (r *Repository) UnsyncedBooks(ctx context.Context) ([]*models.Book, error) {
	return r.listBooks(ctx, "SELECT "+bookColumns+" FROM books WHERE synced = 0 ORDER BY local_id")
}

func (r *Repository) listBooks(ctx context.Context, query string, args ...interface{}) ([]*models.Book, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list books", err)
	}
	defer rows.Close()

	var books []*models.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan book", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func (r *Repository) saveBook(ctx context.Context, b *models.Book) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	var localID interface{}
	if b.LocalID != 0 {
		localID = b.LocalID
	}
	res, err := db.ExecContext(ctx, `
	INSERT INTO books (`+bookColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = COALESCE(books.server_id, excluded.server_id),
		cid = excluded.cid, revision = excluded.revision, updated_at = excluded.updated_at,
		synced = excluded.synced, is_deleted = excluded.is_deleted, dirty_fields = excluded.dirty_fields,
		owner_id = excluded.owner_id, name = excluded.name, currency = excluded.currency,
		description = excluded.description`,
		localID, nullString(b.ServerID), b.CID, b.Revision, b.UpdatedAt, boolInt(b.Synced),
		boolInt(b.IsDeleted), b.Dirty, b.OwnerID, b.Name, b.Currency, b.Description)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save book", err)
	}
	if b.LocalID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to read book id", err)
		}
		b.LocalID = id
	}
	return nil
}

// =====================================================
// Entry Operations
// =====================================================

// CreateEntry persists a new local entry under an existing book. When the
// book already has a server id the entry inherits it as bookId.
func (r *Repository) CreateEntry(ctx context.Context, e *models.Entry) error {
	if e.Status == "" {
		e.Status = models.StatusPending
	}
	if err := e.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid entry", err)
	}
	book, err := r.GetBook(ctx, e.BookLocalID)
	if err != nil {
		return err
	}
	if book.IsDeleted {
		return apperrors.New(apperrors.ErrValidation, "cannot add entries to a deleted book")
	}
	e.BookID = book.ServerID
	if e.OwnerID == "" {
		e.OwnerID = book.OwnerID
	}
	r.stampNew(&e.SyncMeta)
	return r.saveEntry(ctx, e)
}

// GetEntry returns an entry by localId, deleted or not.
func (r *Repository) GetEntry(ctx context.Context, localID int64) (*models.Entry, error) {
	return r.queryEntry(ctx, "local_id", localID)
}

// GetEntryByCID returns an entry by correlation id.
func (r *Repository) GetEntryByCID(ctx context.Context, cid string) (*models.Entry, error) {
	return r.queryEntry(ctx, "cid", cid)
}

// GetEntryByServerID returns an entry by server id.
func (r *Repository) GetEntryByServerID(ctx context.Context, serverID string) (*models.Entry, error) {
	return r.queryEntry(ctx, "server_id", serverID)
}

func (r *Repository) queryEntry(ctx context.Context, column string, value interface{}) (*models.Entry, error) {
	stmt, err := r.prepare(ctx, "SELECT "+entryColumns+" FROM entries WHERE "+column+" = ?")
	if err != nil {
		return nil, err
	}
	e, err := scanEntry(stmt.QueryRowContext(ctx, value))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(models.KindEntry, column, value)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read entry", err)
	}
	return e, nil
}

// ListEntries returns a book's live entries ordered by date.
func (r *Repository) ListEntries(ctx context.Context, bookLocalID int64) ([]*models.Entry, error) {
	return r.listEntries(ctx, "SELECT "+entryColumns+
		" FROM entries WHERE is_deleted = 0 AND book_local_id = ? ORDER BY date, local_id", bookLocalID)
}

// UnsyncedEntries returns every entry with synced = 0, including deleted ones.
func (r *Repository) UnsyncedEntries(ctx context.Context) ([]*models.Entry, error) {
	return r.listEntries(ctx, "SELECT "+entryColumns+" FROM entries WHERE synced = 0 ORDER BY local_id")
}

func (r *Repository) listEntries(ctx context.Context, query string, args ...interface{}) ([]*models.Entry, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list entries", err)
	}
	defer rows.Close()

	var entries []*models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan entry", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Repository) saveEntry(ctx context.Context, e *models.Entry) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	var localID interface{}
	if e.LocalID != 0 {
		localID = e.LocalID
	}
	res, err := db.ExecContext(ctx, `
	INSERT INTO entries (`+entryColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		server_id = COALESCE(entries.server_id, excluded.server_id),
		cid = excluded.cid, revision = excluded.revision, updated_at = excluded.updated_at,
		synced = excluded.synced, is_deleted = excluded.is_deleted, dirty_fields = excluded.dirty_fields,
		book_local_id = excluded.book_local_id, book_id = excluded.book_id, owner_id = excluded.owner_id,
		type = excluded.type, amount = excluded.amount, category = excluded.category, date = excluded.date,
		status = excluded.status, note = excluded.note, attachment_url = excluded.attachment_url`,
		localID, nullString(e.ServerID), e.CID, e.Revision, e.UpdatedAt, boolInt(e.Synced),
		boolInt(e.IsDeleted), e.Dirty, e.BookLocalID, nullString(e.BookID), e.OwnerID, string(e.Type),
		e.Amount.String(), e.Category, e.Date, string(e.Status), e.Note, e.AttachmentURL)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to save entry", err)
	}
	if e.LocalID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to read entry id", err)
		}
		e.LocalID = id
	}
	return nil
}

// BookBalance sums a book's live entries, expenses negated.
func (r *Repository) BookBalance(ctx context.Context, bookLocalID int64) (decimal.Decimal, error) {
	db, err := r.conn()
	if err != nil {
		return decimal.Zero, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT type, amount FROM entries WHERE is_deleted = 0 AND book_local_id = ?", bookLocalID)
	if err != nil {
		return decimal.Zero, apperrors.Wrap(apperrors.ErrDatabase, "failed to read balance", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var e models.Entry
		if err := rows.Scan(&e.Type, &e.Amount); err != nil {
			return decimal.Zero, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan amount", err)
		}
		total = total.Add(e.Signed())
	}
	return total, rows.Err()
}

// =====================================================
// Generic Record Operations
// =====================================================

// stampNew fills the envelope of a record that has never been stored.
func (r *Repository) stampNew(m *models.SyncMeta) {
	if m.CID == "" {
		m.CID = uuid.New()
	}
	m.LocalID = 0
	m.ServerID = ""
	m.Revision = 1
	m.Synced = false
	m.IsDeleted = false
	m.UpdatedAt = r.now().UnixMilli()
	m.Dirty = models.NewFieldSet(models.FieldAll)
}

// GetRecord loads a book or entry by localId.
func (r *Repository) GetRecord(ctx context.Context, kind models.Kind, localID int64) (models.Record, error) {
	switch kind {
	case models.KindBook:
		return r.GetBook(ctx, localID)
	case models.KindEntry:
		return r.GetEntry(ctx, localID)
	}
	_, err := tableFor(kind)
	return nil, err
}

// GetRecordByCID loads a book or entry by correlation id.
func (r *Repository) GetRecordByCID(ctx context.Context, kind models.Kind, cid string) (models.Record, error) {
	switch kind {
	case models.KindBook:
		return r.GetBookByCID(ctx, cid)
	case models.KindEntry:
		return r.GetEntryByCID(ctx, cid)
	}
	_, err := tableFor(kind)
	return nil, err
}

// GetRecordByServerID loads a book or entry by server id.
func (r *Repository) GetRecordByServerID(ctx context.Context, kind models.Kind, serverID string) (models.Record, error) {
	switch kind {
	case models.KindBook:
		return r.GetBookByServerID(ctx, serverID)
	case models.KindEntry:
		return r.GetEntryByServerID(ctx, serverID)
	}
	_, err := tableFor(kind)
	return nil, err
}

// SaveRecord writes rec as-is, inserting when its localId is 0 or absent
// and overwriting otherwise. A stored serverId is never replaced.
func (r *Repository) SaveRecord(ctx context.Context, rec models.Record) error {
	switch v := rec.(type) {
	case *models.Book:
		return r.saveBook(ctx, v)
	case *models.Entry:
		return r.saveEntry(ctx, v)
	}
	return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unsupported record %T", rec))
}

// UnsyncedRecords returns every record of kind with synced = 0.
func (r *Repository) UnsyncedRecords(ctx context.Context, kind models.Kind) ([]models.Record, error) {
	var out []models.Record
	switch kind {
	case models.KindBook:
		books, err := r.UnsyncedBooks(ctx)
		for _, b := range books {
			out = append(out, b)
		}
		return out, err
	case models.KindEntry:
		entries, err := r.UnsyncedEntries(ctx)
		for _, e := range entries {
			out = append(out, e)
		}
		return out, err
	}
	_, err := tableFor(kind)
	return nil, err
}

// editable maps wire field names to columns a local edit may change.
var editable = map[models.Kind]map[string]string{
	models.KindBook: {
		"name":                "name",
		"currency":            "currency",
		"description":         "description",
		"ownerId":             "owner_id",
		models.FieldIsDeleted: "is_deleted",
	},
	models.KindEntry: {
		"type":                    "type",
		"amount":                  "amount",
		"category":                "category",
		"date":                    "date",
		"note":                    "note",
		models.FieldStatus:        "status",
		models.FieldAttachmentURL: "attachment_url",
		models.FieldIsDeleted:     "is_deleted",
	},
}

func normalizeField(field string, value interface{}) (interface{}, error) {
	switch field {
	case models.FieldStatus:
		st, err := models.ParseEntryStatus(fmt.Sprint(value))
		if err != nil {
			return nil, err
		}
		return string(st), nil
	case "amount":
		var d decimal.Decimal
		switch v := value.(type) {
		case decimal.Decimal:
			d = v
		default:
			parsed, err := decimal.NewFromString(fmt.Sprint(v))
			if err != nil {
				return nil, fmt.Errorf("amount: %w", err)
			}
			d = parsed
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("amount must not be negative")
		}
		return d.String(), nil
	case "type":
		t := models.EntryType(fmt.Sprint(value))
		if t != models.EntryIncome && t != models.EntryExpense {
			return nil, fmt.Errorf("entry type %q must be income or expense", t)
		}
		return string(t), nil
	case "date":
		if _, err := time.Parse("2006-01-02", fmt.Sprint(value)); err != nil {
			return nil, fmt.Errorf("date: %w", err)
		}
		return fmt.Sprint(value), nil
	case models.FieldIsDeleted:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("isDeleted must be a bool")
		}
		return boolInt(b), nil
	case "name":
		if strings.TrimSpace(fmt.Sprint(value)) == "" {
			return nil, fmt.Errorf("book name is required")
		}
	}
	return value, nil
}

// UpdateFields applies a local edit of several fields in one statement:
// the listed columns change, revision is bumped, synced is cleared and the
// wire names join the dirty set.
func (r *Repository) UpdateFields(ctx context.Context, kind models.Kind, localID int64, changes map[string]interface{}) error {
	if _, err := tableFor(kind); err != nil {
		return err
	}
	cols := editable[kind]

	fields := make([]string, 0, len(changes))
	for f := range changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var sets []string
	var args []interface{}
	for _, f := range fields {
		col, ok := cols[f]
		if !ok {
			return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("field %q is not editable on %s", f, kind))
		}
		v, err := normalizeField(f, changes[f])
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "invalid "+f, err)
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	return r.mutate(ctx, kind, localID, sets, args, fields)
}

// Touch records a local mutation without changing columns.
func (r *Repository) Touch(ctx context.Context, kind models.Kind, localID int64, fields ...string) error {
	if _, err := tableFor(kind); err != nil {
		return err
	}
	if len(fields) == 0 {
		fields = []string{models.FieldAll}
	}
	return r.mutate(ctx, kind, localID, nil, nil, fields)
}

func (r *Repository) mutate(ctx context.Context, kind models.Kind, localID int64, sets []string, args []interface{}, fields []string) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var dirty models.FieldSet
	err = tx.QueryRowContext(ctx, "SELECT dirty_fields FROM "+string(kind)+" WHERE local_id = ?", localID).Scan(&dirty)
	if stderrors.Is(err, sql.ErrNoRows) {
		return notFound(kind, "local_id", localID)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read dirty fields", err)
	}
	dirty.Add(fields...)

	sets = append(sets, "revision = revision + 1", "synced = 0", "updated_at = ?", "dirty_fields = ?")
	args = append(args, r.now().UnixMilli(), dirty, localID)
	query := "UPDATE " + string(kind) + " SET " + strings.Join(sets, ", ") + " WHERE local_id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update "+string(kind), err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit update", err)
	}
	return nil
}

// SetDeleted flips is_deleted without touching revision or synced. It is the
// first half of a buffered deletion; the commit goes through Touch.
func (r *Repository) SetDeleted(ctx context.Context, kind models.Kind, localID int64, deleted bool) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	db, err := r.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, "UPDATE "+table+" SET is_deleted = ? WHERE local_id = ?", boolInt(deleted), localID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark deletion", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(kind, "local_id", localID)
	}
	return nil
}

// MarkSynced records a push acknowledgement. The row is marked synced only if
// its revision still equals revision; otherwise only the server id is
// adopted and false is returned so the newer edit is pushed next pass.
func (r *Repository) MarkSynced(ctx context.Context, kind models.Kind, localID int64, serverID string, revision int64) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	if serverID == "" {
		return false, apperrors.New(apperrors.ErrInvalid, "cannot mark synced without a server id")
	}
	if err := r.AdoptServerID(ctx, kind, localID, serverID); err != nil {
		return false, err
	}
	db, err := r.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx,
		"UPDATE "+table+" SET synced = 1, dirty_fields = '' WHERE local_id = ? AND revision = ?", localID, revision)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark synced", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to mark synced", err)
	}
	return n == 1, nil
}

// AdoptServerID sets the server id if none is stored. Re-adopting the same
// id is a no-op; a different id is rejected since server ids are immutable.
func (r *Repository) AdoptServerID(ctx context.Context, kind models.Kind, localID int64, serverID string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	db, err := r.conn()
	if err != nil {
		return err
	}
	var current sql.NullString
	err = db.QueryRowContext(ctx, "SELECT server_id FROM "+table+" WHERE local_id = ?", localID).Scan(&current)
	if stderrors.Is(err, sql.ErrNoRows) {
		return notFound(kind, "local_id", localID)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read server id", err)
	}
	if current.Valid {
		if current.String == serverID {
			return nil
		}
		return apperrors.New(apperrors.ErrSyncConflict,
			fmt.Sprintf("%s %d already bound to server id %s", kind, localID, current.String))
	}
	if _, err := db.ExecContext(ctx, "UPDATE "+table+" SET server_id = ? WHERE local_id = ?", serverID, localID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to adopt server id", err)
	}
	return nil
}

// RewriteEntryParent points every entry of a local book at the book's new
// server id and returns the number of entries changed.
func (r *Repository) RewriteEntryParent(ctx context.Context, bookLocalID int64, bookServerID string) (int64, error) {
	db, err := r.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		"UPDATE entries SET book_id = ? WHERE book_local_id = ? AND (book_id IS NULL OR book_id <> ?)",
		bookServerID, bookLocalID, bookServerID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to rewrite entry parent", err)
	}
	return res.RowsAffected()
}

// Purge removes a row permanently.
func (r *Repository) Purge(ctx context.Context, kind models.Kind, localID int64) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	db, err := r.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE local_id = ?", localID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to purge "+table, err)
	}
	return nil
}

// IsSynced reports a record's synced flag. A missing row counts as synced
// since nothing is left to push.
func (r *Repository) IsSynced(ctx context.Context, kind models.Kind, localID int64) (bool, error) {
	rec, err := r.GetRecord(ctx, kind, localID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Meta().Synced, nil
}

// =====================================================
// Meta Operations
// =====================================================

// GetMeta returns a meta value and whether it exists.
func (r *Repository) GetMeta(ctx context.Context, key string) (string, bool, error) {
	stmt, err := r.prepare(ctx, "SELECT value FROM meta WHERE key = ?")
	if err != nil {
		return "", false, err
	}
	var value string
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read meta", err)
	}
	return value, true, nil
}

// SetMeta upserts a meta value.
func (r *Repository) SetMeta(ctx context.Context, key, value string) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write meta", err)
	}
	return nil
}

// DeleteMeta removes a meta key.
func (r *Repository) DeleteMeta(ctx context.Context, key string) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM meta WHERE key = ?", key); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete meta", err)
	}
	return nil
}

// ListMeta returns every meta pair whose key starts with prefix.
func (r *Repository) ListMeta(ctx context.Context, prefix string) (map[string]string, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM meta WHERE substr(key, 1, ?) = ?", len(prefix), prefix)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list meta", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan meta", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog records a revision disagreement.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	db, err := r.conn()
	if err != nil {
		return err
	}
	if log.DetectedAt == 0 {
		log.DetectedAt = r.now().UnixMilli()
	}
	res, err := db.ExecContext(ctx, `
	INSERT INTO conflict_log (item_cid, kind, local_revision, remote_revision, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		log.ItemCID, string(log.Kind), log.LocalRevision, log.RemoteRevision, string(log.Resolution), log.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write conflict log", err)
	}
	log.ID, _ = res.LastInsertId()
	return nil
}

// ListConflictLogs returns the newest conflict records first.
func (r *Repository) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	db, err := r.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
	SELECT id, item_cid, kind, local_revision, remote_revision, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflict log", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.ItemCID, &l.Kind, &l.LocalRevision, &l.RemoteRevision,
			&l.Resolution, &l.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict log", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
