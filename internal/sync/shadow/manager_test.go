package shadow

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/ledgersync/internal/broadcast"
	"github.com/kimhsiao/ledgersync/internal/db"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
)

type fixture struct {
	repo  *db.Repository
	clock *scheduler.Manual
	bus   *broadcast.LocalBus
	mgr   *Manager
	msgs  []string
	entry *models.Entry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	database, err := db.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{
		repo:  db.NewRepository(database.DB),
		clock: scheduler.NewManual(time.UnixMilli(1_700_000_000_000)),
		bus:   broadcast.NewLocalBus("test"),
	}
	f.repo.SetClock(f.clock.Now)
	f.bus.Subscribe(broadcast.TopicData, func(m broadcast.Message) { f.msgs = append(f.msgs, m.Type) })
	f.mgr = NewManager(f.repo, f.bus, f.clock, 0, 0)
	f.mgr.Start()
	t.Cleanup(f.mgr.Dispose)

	book := &models.Book{OwnerID: "u1", Name: "B1", Currency: "USD"}
	require.NoError(t, f.repo.CreateBook(ctx, book))
	f.entry = &models.Entry{
		BookLocalID: book.LocalID,
		Type:        models.EntryExpense,
		Amount:      decimal.RequireFromString("42.10"),
		Category:    "food",
		Date:        "2024-02-02",
		Note:        "dinner",
	}
	require.NoError(t, f.repo.CreateEntry(ctx, f.entry))
	return f
}

func (f *fixture) load(t *testing.T) *models.Entry {
	t.Helper()
	e, err := f.repo.GetEntry(context.Background(), f.entry.LocalID)
	require.NoError(t, err)
	return e
}

func assertSameContent(t *testing.T, want, got *models.Entry) {
	t.Helper()
	assert.Equal(t, want.LocalID, got.LocalID)
	assert.Equal(t, want.CID, got.CID)
	assert.Equal(t, want.ServerID, got.ServerID)
	assert.Equal(t, want.BookLocalID, got.BookLocalID)
	assert.Equal(t, want.BookID, got.BookID)
	assert.Equal(t, want.OwnerID, got.OwnerID)
	assert.Equal(t, want.Type, got.Type)
	assert.True(t, want.Amount.Equal(got.Amount))
	assert.Equal(t, want.Category, got.Category)
	assert.Equal(t, want.Date, got.Date)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.Note, got.Note)
	assert.Equal(t, want.AttachmentURL, got.AttachmentURL)
}

func TestScheduleDeletion_SoftDeletesWithoutCommit(t *testing.T) {
	f := newFixture(t)
	before := f.load(t)

	require.NoError(t, f.mgr.ScheduleDeletion(context.Background(), models.KindEntry, f.entry.LocalID))

	got := f.load(t)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, before.Revision, got.Revision)
	assert.True(t, f.mgr.IsPending(models.KindEntry, f.entry.LocalID))
	assert.Equal(t, 1, f.mgr.PendingCount())
	assert.Equal(t, []string{broadcast.Refresh}, f.msgs)
}

func TestExpiry_CommitsDeletion(t *testing.T) {
	f := newFixture(t)
	before := f.load(t)
	require.NoError(t, f.mgr.ScheduleDeletion(context.Background(), models.KindEntry, f.entry.LocalID))

	f.clock.Advance(9 * time.Second)
	assert.True(t, f.mgr.IsPending(models.KindEntry, f.entry.LocalID))

	f.clock.Advance(time.Second)
	assert.False(t, f.mgr.IsPending(models.KindEntry, f.entry.LocalID))
	got := f.load(t)
	assert.True(t, got.IsDeleted)
	assert.False(t, got.Synced)
	assert.Equal(t, before.Revision+1, got.Revision)
	assert.True(t, got.Dirty.Has(models.FieldIsDeleted))

	_, ok, err := f.repo.GetMeta(context.Background(), "shadow.pending.entries."+strconv.FormatInt(f.entry.LocalID, 10))
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestRestore_Timings walks the delete/restore timeline at 5s, 12s and 16s.
func TestRestore_Timings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	original := f.load(t)

	// Restore within grace.
	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	f.clock.Advance(5 * time.Second)
	_, err := f.mgr.Restore(ctx, models.KindEntry, f.entry.LocalID)
	require.NoError(t, err)

	restored := f.load(t)
	assertSameContent(t, original, restored)
	assert.False(t, restored.IsDeleted)
	assert.Equal(t, original.Revision+1, restored.Revision)
	assert.False(t, f.mgr.IsPending(models.KindEntry, f.entry.LocalID))

	// Past grace but inside the cache TTL: the deletion was committed, the
	// restore still works and outranks the committed revision.
	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	f.clock.Advance(12 * time.Second)
	committed := f.load(t)
	assert.Equal(t, restored.Revision+1, committed.Revision)

	_, err = f.mgr.Restore(ctx, models.KindEntry, f.entry.LocalID)
	require.NoError(t, err)
	again := f.load(t)
	assertSameContent(t, original, again)
	assert.False(t, again.IsDeleted)
	assert.Equal(t, committed.Revision+1, again.Revision)

	// Past the TTL: fails closed and the record stays deleted.
	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	f.clock.Advance(16 * time.Second)
	_, err = f.mgr.Restore(ctx, models.KindEntry, f.entry.LocalID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRestoreExpired))
	assert.Contains(t, err.Error(), "cannot restore")
	assert.True(t, f.load(t).IsDeleted)
}

func TestRestore_AfterPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	original := f.load(t)

	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	f.clock.Advance(11 * time.Second)
	require.NoError(t, f.repo.Purge(ctx, models.KindEntry, f.entry.LocalID))

	_, err := f.mgr.Restore(ctx, models.KindEntry, f.entry.LocalID)
	require.NoError(t, err)

	got := f.load(t)
	assertSameContent(t, original, got)
	assert.False(t, got.IsDeleted)
	assert.True(t, got.Dirty.Has(models.FieldAll))
	assert.Greater(t, got.Revision, original.Revision+1)
}

func TestRestore_UnknownRecordFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Restore(context.Background(), models.KindBook, 999)
	assert.Equal(t, apperrors.RestoreExpired, err)
}

func TestScheduleDeletion_Debounces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	before := f.load(t)

	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	f.clock.Advance(8 * time.Second)
	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	f.clock.Advance(7 * time.Second)

	// Restarted at 8s, so still in grace at 15s.
	assert.True(t, f.mgr.IsPending(models.KindEntry, f.entry.LocalID))
	assert.Equal(t, before.Revision, f.load(t).Revision)

	f.clock.Advance(2 * time.Second)
	assert.False(t, f.mgr.IsPending(models.KindEntry, f.entry.LocalID))
	assert.Equal(t, before.Revision+1, f.load(t).Revision)
}

// A re-delete inside grace extends the restore window, and a refused
// restore never strands the deletion uncommitted.
func TestRestore_AfterDebouncedDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	original := f.load(t)

	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	f.clock.Advance(9 * time.Second)
	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	f.clock.Advance(7 * time.Second)

	_, err := f.mgr.Restore(ctx, models.KindEntry, f.entry.LocalID)
	require.NoError(t, err)
	got := f.load(t)
	assertSameContent(t, original, got)
	assert.False(t, got.IsDeleted)
	assert.Zero(t, f.mgr.PendingCount())

	f.clock.Advance(time.Minute)
	assert.False(t, f.load(t).IsDeleted)
}

func TestRestore_RefusedKeepsTimer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	before := f.load(t)

	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	// The cache entry is gone (e.g. dropped by a sweep) while the timer runs.
	f.mgr.mu.Lock()
	delete(f.mgr.cache, key{kind: models.KindEntry, localID: f.entry.LocalID})
	f.mgr.mu.Unlock()

	_, err := f.mgr.Restore(ctx, models.KindEntry, f.entry.LocalID)
	assert.Equal(t, apperrors.RestoreExpired, err)
	assert.True(t, f.mgr.IsPending(models.KindEntry, f.entry.LocalID))

	f.clock.Advance(10 * time.Second)
	got := f.load(t)
	assert.True(t, got.IsDeleted)
	assert.False(t, got.Synced)
	assert.Equal(t, before.Revision+1, got.Revision)
	_, ok, err := f.repo.GetMeta(ctx, key{kind: models.KindEntry, localID: f.entry.LocalID}.metaKey())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var committed []int64
	f.mgr.OnCommit(func(kind models.Kind, localID int64) {
		assert.Equal(t, models.KindEntry, kind)
		committed = append(committed, localID)
	})

	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	f.clock.Advance(5 * time.Second)
	assert.Empty(t, committed)
	f.clock.Advance(5 * time.Second)
	assert.Equal(t, []int64{f.entry.LocalID}, committed)
}

func TestFlushPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	before := f.load(t)
	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))
	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindBook, f.entry.BookLocalID))
	f.msgs = nil

	n, err := f.mgr.FlushPending(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, f.mgr.PendingCount())
	assert.Equal(t, before.Revision+1, f.load(t).Revision)
	assert.Equal(t, []string{broadcast.ForceRefresh}, f.msgs)

	// Timers were cancelled: advancing commits nothing twice.
	f.clock.Advance(time.Minute)
	assert.Equal(t, before.Revision+1, f.load(t).Revision)
}

func TestRecoverOrphans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	before := f.load(t)
	require.NoError(t, f.mgr.ScheduleDeletion(ctx, models.KindEntry, f.entry.LocalID))

	// The process dies mid-grace.
	f.mgr.Dispose()

	next := NewManager(f.repo, f.bus, f.clock, 0, 0)
	n, err := next.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.load(t)
	assert.True(t, got.IsDeleted)
	assert.False(t, got.Synced)
	assert.Equal(t, before.Revision+1, got.Revision)

	n, err = next.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParseMetaKey(t *testing.T) {
	k, err := parseMetaKey(key{kind: models.KindBook, localID: 12}.metaKey())
	require.NoError(t, err)
	assert.Equal(t, key{kind: models.KindBook, localID: 12}, k)

	_, err = parseMetaKey(PendingKeyPrefix + "nope")
	assert.Error(t, err)
}
