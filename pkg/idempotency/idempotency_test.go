package idempotency_test

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foundryrelease/kernel/pkg/idempotency"
)

func fixedTenant(id string) func(*http.Request) string {
	return func(r *http.Request) string { return id }
}

func TestMemoryStore_ReplayReturnsCachedResponse(t *testing.T) {
	store := idempotency.NewMemoryStore(time.Minute, 0)
	calls := 0
	handler := idempotency.Middleware(store, fixedTenant("tenant-a"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/manifests/create", nil)
	req.Header.Set("Idempotency-Key", "key-1")

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)

	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if w1.Code != http.StatusCreated || w2.Code != http.StatusCreated {
		t.Fatalf("expected both responses 201, got %d and %d", w1.Code, w2.Code)
	}
	if w2.Body.String() != `{"id":"1"}` {
		t.Fatalf("expected replayed body, got %q", w2.Body.String())
	}
}

func TestMemoryStore_DifferentBodySameKeyConflicts(t *testing.T) {
	store := idempotency.NewMemoryStore(time.Minute, 0)
	handler := idempotency.Middleware(store, fixedTenant("tenant-a"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodPost, "/manifests/create", strings.NewReader(`{"a":1}`))
	req1.Header.Set("Idempotency-Key", "key-1")
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)

	req2 := httptest.NewRequest(http.MethodPost, "/manifests/create", strings.NewReader(`{"a":2}`))
	req2.Header.Set("Idempotency-Key", "key-1")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w2.Code != http.StatusConflict {
		t.Fatalf("expected 409 conflict, got %d", w2.Code)
	}
}

func TestMemoryStore_NoKeyPassesThrough(t *testing.T) {
	store := idempotency.NewMemoryStore(time.Minute, 0)
	calls := 0
	handler := idempotency.Middleware(store, fixedTenant("tenant-a"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/manifests/create", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
	if calls != 2 {
		t.Fatalf("expected handler called for every request without a key, got %d", calls)
	}
}

func TestSQLStore_PutGetRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	store := idempotency.NewSQLStore(db, idempotency.DialectSQLite, time.Minute)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	ctx := context.Background()
	if err := store.Put(ctx, "tenant-a", "key-1", "hash-1", 201, http.Header{"Content-Type": {"application/json"}}, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec, err := store.Get(ctx, "tenant-a", "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.StatusCode != 201 || string(rec.Body) != `{"ok":true}` {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if err := store.Put(ctx, "tenant-a", "key-1", "hash-2", 201, nil, []byte(`{}`)); err != idempotency.ErrConflict {
		t.Fatalf("expected ErrConflict on body-hash mismatch, got %v", err)
	}
}

func TestSQLStore_TenantIsolation(t *testing.T) {
	db, _ := sql.Open("sqlite", ":memory:")
	defer db.Close()
	store := idempotency.NewSQLStore(db, idempotency.DialectSQLite, time.Minute)
	ctx := context.Background()
	_ = store.Init(ctx)

	_ = store.Put(ctx, "tenant-a", "key-1", "hash-1", 200, nil, []byte("a"))
	_ = store.Put(ctx, "tenant-b", "key-1", "hash-2", 200, nil, []byte("b"))

	recA, _ := store.Get(ctx, "tenant-a", "key-1")
	recB, _ := store.Get(ctx, "tenant-b", "key-1")
	if string(recA.Body) != "a" || string(recB.Body) != "b" {
		t.Fatal("expected tenant-scoped records to remain distinct")
	}
}
