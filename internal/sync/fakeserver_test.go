package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	gosync "sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/ledgersync/internal/db"
	"github.com/kimhsiao/ledgersync/internal/models"
)

// rejectNote makes the fake server answer 422 for an entry.
const rejectNote = "reject-me"

// fakeServer is an in-memory ledger server with the dedupe and revision
// behaviour the orchestrator relies on.
type fakeServer struct {
	mu      gosync.Mutex
	seq     int
	clock   int64
	books   map[string]*models.Book
	entries map[string]*models.Entry
	cids    map[string]string // kind/cid -> id
	calls   []string

	// dropAcks makes the next n creates store the record but answer 500.
	dropAcks int
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	s := &fakeServer{
		clock:   1_000,
		books:   make(map[string]*models.Book),
		entries: make(map[string]*models.Entry),
		cids:    make(map[string]string),
	}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			s.mu.Lock()
			s.calls = append(s.calls, req.Method+" "+req.URL.Path)
			s.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/{kind}", s.create)
	r.Put("/{kind}/{id}", s.update)
	r.Put("/entries/{id}/status", s.updateStatus)
	r.Get("/{kind}", s.list)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return s, ts
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *fakeServer) tick() int64 {
	s.clock++
	return s.clock
}

func (s *fakeServer) lookup(kind models.Kind, id string) models.Record {
	switch kind {
	case models.KindBook:
		if b, ok := s.books[id]; ok {
			return b
		}
	case models.KindEntry:
		if e, ok := s.entries[id]; ok {
			return e
		}
	}
	return nil
}

func (s *fakeServer) store(rec models.Record) {
	switch v := rec.(type) {
	case *models.Book:
		s.books[v.ServerID] = v
	case *models.Entry:
		s.entries[v.ServerID] = v
	}
}

func (s *fakeServer) create(w http.ResponseWriter, req *http.Request) {
	kind, err := models.ParseKind(chi.URLParam(req, "kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
		return
	}
	rec, _ := models.NewRecord(kind)
	if err := json.NewDecoder(req.Body).Decode(rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m := rec.Meta()
	key := string(kind) + "/" + m.CID
	if id, ok := s.cids[key]; ok {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"record": s.lookup(kind, id)})
		return
	}
	if e, ok := rec.(*models.Entry); ok {
		if e.Note == rejectNote {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"code": "INVALID", "message": "rejected note"})
			return
		}
		if _, ok := s.books[e.BookID]; !ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"code": "BAD_PARENT", "message": "unknown bookId"})
			return
		}
	}
	s.seq++
	m.ServerID = fmt.Sprintf("%s-%d", kind[:1], s.seq)
	m.UpdatedAt = s.tick()
	s.cids[key] = m.ServerID
	s.store(rec)

	if s.dropAcks > 0 {
		s.dropAcks--
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "ack lost"})
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *fakeServer) update(w http.ResponseWriter, req *http.Request) {
	kind, err := models.ParseKind(chi.URLParam(req, "kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
		return
	}
	id := chi.URLParam(req, "id")
	rec, _ := models.NewRecord(kind)
	if err := json.NewDecoder(req.Body).Decode(rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(kind, id) == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	m := rec.Meta()
	m.ServerID = id
	m.UpdatedAt = s.tick()
	s.store(rec)
	writeJSON(w, http.StatusOK, rec)
}

func (s *fakeServer) updateStatus(w http.ResponseWriter, req *http.Request) {
	var body models.StatusUpdate
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[chi.URLParam(req, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	e.Status = body.Status
	e.Revision = body.Revision
	e.UpdatedAt = s.tick()
	writeJSON(w, http.StatusOK, e)
}

func (s *fakeServer) list(w http.ResponseWriter, req *http.Request) {
	kind, err := models.ParseKind(chi.URLParam(req, "kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
		return
	}
	q := req.URL.Query()
	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	owner := q.Get("ownerId")

	s.mu.Lock()
	var all []models.Record
	switch kind {
	case models.KindBook:
		for _, b := range s.books {
			if (owner == "" || b.OwnerID == owner) && b.UpdatedAt >= since {
				cp := *b
				all = append(all, &cp)
			}
		}
	case models.KindEntry:
		for _, e := range s.entries {
			if (owner == "" || e.OwnerID == owner) && e.UpdatedAt >= since {
				cp := *e
				all = append(all, &cp)
			}
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Meta().UpdatedAt < all[j].Meta().UpdatedAt })
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": all[start:end], "total": len(all)})
}

// seed stores a record as if another device had pushed it.
func (s *fakeServer) seed(rec models.Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := rec.Meta()
	s.seq++
	m.ServerID = fmt.Sprintf("%s-%d", rec.Kind()[:1], s.seq)
	m.UpdatedAt = s.tick()
	s.cids[string(rec.Kind())+"/"+m.CID] = m.ServerID
	s.store(rec)
	return m.ServerID
}

func (s *fakeServer) bump(kind models.Kind, id string, mutate func(models.Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.lookup(kind, id)
	mutate(rec)
	rec.Meta().UpdatedAt = s.tick()
}

func (s *fakeServer) countBooks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.books)
}

func (s *fakeServer) countEntries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *fakeServer) entry(id string) models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entries[id]
}

func (s *fakeServer) callsMatching(method string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if len(c) > len(method) && c[:len(method)+1] == method+" " {
			out = append(out, c)
		}
	}
	return out
}

func (s *fakeServer) resetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// =====================================================
// Shared fixtures
// =====================================================

func newTestRepo(t *testing.T) *db.Repository {
	t.Helper()
	database, err := db.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return repo
}

type staticIdentity struct {
	ident *models.Identity
	err   error
}

func (s staticIdentity) Resolve(context.Context) (*models.Identity, error) {
	return s.ident, s.err
}

type gateFunc func(context.Context, *models.Identity) error

func (f gateFunc) Check(ctx context.Context, ident *models.Identity) error { return f(ctx, ident) }

type modeFunc func() bool

func (f modeFunc) AllowsSync() bool { return f() }

type pendingSet map[int64]bool

func (p pendingSet) IsPending(_ models.Kind, localID int64) bool { return p[localID] }

var testUser = &models.Identity{UserID: "user-1", Plan: models.PlanFree}
