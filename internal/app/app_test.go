package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/ledgersync/internal/broadcast"
	"github.com/kimhsiao/ledgersync/internal/config"
	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/export"
	"github.com/kimhsiao/ledgersync/internal/license"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/sync/mode"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
)

func emptyServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	list := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}, "total": 0})
	}
	r.Get("/books", list)
	r.Get("/entries", list)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// recordingServer is an online server that echoes pushed records back with
// a server id and counts writes by method.
type recordingServer struct {
	*httptest.Server
	mu     gosync.Mutex
	writes map[string]int
}

func newRecordingServer(t *testing.T) *recordingServer {
	t.Helper()
	rs := &recordingServer{writes: make(map[string]int)}
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	list := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}, "total": 0})
	}
	echo := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, ok := body["id"]; !ok {
			body["id"] = "srv-" + body["cid"].(string)
		}
		rs.mu.Lock()
		rs.writes[r.Method+" "+strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)[0]]++
		rs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
	r.Get("/books", list)
	r.Get("/entries", list)
	r.Post("/books", echo)
	r.Put("/books/{id}", echo)
	rs.Server = httptest.NewServer(r)
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) count(key string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.writes[key]
}

func testToken(t *testing.T, userID string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, license.Claims{UserID: userID}).SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Remote.BaseURL = baseURL
	cfg.Remote.MaxRetries = 0
	cfg.License.Secret = "test-secret"
	return cfg
}

func initApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Init(context.Background(), cfg, Options{Scheduler: scheduler.NewManual(time.Now())})
	require.NoError(t, err)
	t.Cleanup(a.Dispose)
	return a
}

func TestInit_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Media.Backend = "ftp"
	_, err := Init(context.Background(), cfg, Options{})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestInit_GeneratesLocalSecretOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.License.Secret = ""

	a, err := Init(ctx, cfg, Options{Scheduler: scheduler.NewManual(time.Now())})
	require.NoError(t, err)
	first, ok, err := a.Repo.GetMeta(ctx, localSecretKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, first, 64)
	a.Dispose()
	a.Dispose()

	b := initApp(t, cfg)
	second, _, err := b.Repo.GetMeta(ctx, localSecretKey)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSyncNow_Offline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := initApp(t, testConfig(t, url))
	res, err := a.SyncNow(context.Background())
	assert.Nil(t, res)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
	assert.Equal(t, mode.Offline, a.Mode.Mode())
}

func TestSyncNow_Online(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, emptyServer(t).URL)
	cfg.Remote.Token = testToken(t, "u1")
	a := initApp(t, cfg)

	res, err := a.SyncNow(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Zero(t, res.Pushed)
	assert.Zero(t, res.Pulled)
	assert.Equal(t, mode.Online, a.Mode.Mode())

	st := a.Status(ctx)
	assert.Equal(t, mode.Online, st.Mode)
	assert.Equal(t, "idle", st.SyncState)
	assert.NotNil(t, st.LastSync)
	assert.Equal(t, "u1", st.UserID)
	assert.Equal(t, models.PlanFree, st.Plan)
}

func TestSyncNow_VaultTokenWins(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, emptyServer(t).URL)
	cfg.Remote.Token = testToken(t, "u1")

	a, err := Init(ctx, cfg, Options{Scheduler: scheduler.NewManual(time.Now())})
	require.NoError(t, err)
	require.NoError(t, a.Vault.SaveToken(ctx, testToken(t, "u2")))
	a.Dispose()

	b := initApp(t, cfg)
	assert.Equal(t, "u2", b.Status(ctx).UserID)
}

func TestDeleteRestoreAndShutdown(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "http://127.0.0.1:1")
	a, err := Init(ctx, cfg, Options{Scheduler: scheduler.NewManual(time.Now())})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	book := &models.Book{OwnerID: "u1", Name: "Household", Currency: "EUR"}
	require.NoError(t, a.Repo.CreateBook(ctx, book))

	require.NoError(t, a.Delete(ctx, models.KindBook, book.LocalID))
	assert.Equal(t, 1, a.Status(ctx).PendingDeletions)

	rec, err := a.Restore(ctx, models.KindBook, book.LocalID)
	require.NoError(t, err)
	assert.False(t, rec.Meta().IsDeleted)
	assert.Equal(t, "Household", rec.(*models.Book).Name)
	assert.Zero(t, a.Status(ctx).PendingDeletions)

	require.NoError(t, a.Delete(ctx, models.KindBook, book.LocalID))
	a.Shutdown(ctx)

	b := initApp(t, cfg)
	require.NoError(t, b.Start(ctx))
	got, err := b.Repo.GetRecord(ctx, models.KindBook, book.LocalID)
	require.NoError(t, err)
	assert.True(t, got.Meta().IsDeleted)
	assert.False(t, got.Meta().Synced)
	assert.Zero(t, b.Shadow.PendingCount())
}

func TestBackup_RunOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Backup.Password = "backup-password"
	a := initApp(t, cfg)

	b := &models.Book{OwnerID: "u1", Name: "Household", Currency: "USD"}
	require.NoError(t, a.Repo.CreateBook(ctx, b))

	path, err := a.Backup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.BackupDir(), filepath.Dir(path))

	m, data, err := export.ReadFile(path, "backup-password")
	require.NoError(t, err)
	assert.True(t, m.Encrypted)
	require.Len(t, data.Books, 1)
	assert.Equal(t, "Household", data.Books[0].Book.Name)
}

func TestStart_BackgroundLoopPushesLocalWrites(t *testing.T) {
	ctx := context.Background()
	srv := newRecordingServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Remote.Token = testToken(t, "u1")
	clock := scheduler.NewManual(time.Now())
	a, err := Init(ctx, cfg, Options{Scheduler: clock})
	require.NoError(t, err)
	t.Cleanup(a.Dispose)
	require.NoError(t, a.Start(ctx))
	require.Equal(t, mode.Online, a.Mode.Mode())

	book := &models.Book{OwnerID: "u1", Name: "Household", Currency: "EUR"}
	require.NoError(t, a.Repo.CreateBook(ctx, book))

	clock.Advance(cfg.Sync.Interval.Duration)

	assert.Equal(t, mode.Online, a.Mode.Mode())
	assert.Equal(t, 1, srv.count("POST books"))
	got, err := a.Repo.GetRecord(ctx, models.KindBook, book.LocalID)
	require.NoError(t, err)
	assert.True(t, got.Meta().Synced)
	assert.Equal(t, "srv-"+book.CID, got.Meta().ServerID)

	// Steady state: nothing new to push.
	clock.Advance(cfg.Sync.Interval.Duration)
	assert.Equal(t, 1, srv.count("POST books"))
	assert.Zero(t, srv.count("PUT books"))
}

func TestDeletionCommitTriggersPush(t *testing.T) {
	ctx := context.Background()
	srv := newRecordingServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Remote.Token = testToken(t, "u1")
	cfg.Sync.Interval.Duration = 0
	clock := scheduler.NewManual(time.Now())
	a, err := Init(ctx, cfg, Options{Scheduler: clock})
	require.NoError(t, err)
	t.Cleanup(a.Dispose)
	require.NoError(t, a.Start(ctx))

	book := &models.Book{OwnerID: "u1", Name: "Household", Currency: "EUR"}
	require.NoError(t, a.Repo.CreateBook(ctx, book))
	_, err = a.TriggerSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, srv.count("POST books"))

	require.NoError(t, a.Delete(ctx, models.KindBook, book.LocalID))
	clock.Advance(cfg.Shadow.GracePeriod.Duration)
	assert.Zero(t, srv.count("PUT books"))

	clock.Advance(syncDebounce)
	assert.Equal(t, 1, srv.count("PUT books"))
	_, err = a.Repo.GetRecord(ctx, models.KindBook, book.LocalID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestExternalRefreshRequestsSync(t *testing.T) {
	ctx := context.Background()
	srv := newRecordingServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Remote.Token = testToken(t, "u1")
	cfg.Sync.Interval.Duration = 0
	clock := scheduler.NewManual(time.Now())
	a, err := Init(ctx, cfg, Options{Scheduler: clock})
	require.NoError(t, err)
	t.Cleanup(a.Dispose)
	require.NoError(t, a.Start(ctx))

	require.NoError(t, a.Repo.CreateBook(ctx, &models.Book{OwnerID: "u1", Name: "CLI", Currency: "EUR"}))

	// The pass's own REFRESH carries no origin and must not loop.
	broadcast.PublishRefresh(a.Bus)
	clock.Advance(syncDebounce)
	assert.Zero(t, srv.count("POST books"))

	a.Bus.Publish(broadcast.TopicData, broadcast.Message{Type: broadcast.Refresh, Origin: broadcast.OriginExternal})
	clock.Advance(syncDebounce)
	assert.Equal(t, 1, srv.count("POST books"))
}

func TestTriggerSync_TransportFailureGoesOffline(t *testing.T) {
	ctx := context.Background()
	srv := newRecordingServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Remote.Token = testToken(t, "u1")
	a := initApp(t, cfg)
	require.Equal(t, mode.Online, a.Mode.Evaluate(ctx))

	require.NoError(t, a.Repo.CreateBook(ctx, &models.Book{OwnerID: "u1", Name: "Household", Currency: "EUR"}))
	srv.CloseClientConnections()
	srv.Close()

	_, err := a.TriggerSync(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
	assert.Equal(t, mode.Offline, a.Mode.Mode())
	assert.False(t, a.Mode.AllowsMedia())
}

func TestLicenseFailureWhileOnlineRestricts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newRecordingServer(t).URL)
	cfg.Remote.Token = testToken(t, "u1")
	a := initApp(t, cfg)
	require.Equal(t, mode.Online, a.Mode.Evaluate(ctx))
	require.True(t, a.Mode.AllowsMedia())

	// An unsigned pro license never verifies.
	require.NoError(t, a.Vault.SaveLicense(ctx, &models.Identity{
		UserID:        "u1",
		Plan:          models.PlanPro,
		OfflineExpiry: time.Now().Add(30 * 24 * time.Hour).UnixMilli(),
	}))

	_, err := a.TriggerSync(ctx)
	assert.True(t, apperrors.IsSecurity(err))
	assert.Equal(t, mode.Restricted, a.Mode.Mode())
	assert.False(t, a.Mode.AllowsSync())
	assert.False(t, a.Mode.AllowsMedia())

	assert.Equal(t, mode.Restricted, a.Mode.Evaluate(ctx))
}
