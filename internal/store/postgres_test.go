package store

import (
	"context"
	"os"
	"strings"
	"testing"
)

// Postgres tests share one database, so they truncate it first and do not
// run in parallel.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TRACEVIEW_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("TRACEVIEW_TEST_POSTGRES_DSN is not set")
	}

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, err := store.db.ExecContext(context.Background(), `TRUNCATE manifests, trace_events, cached_traces, cache_state`); err != nil {
		t.Fatalf("truncate cache tables: %v", err)
	}
	return store
}

func TestPostgresStoreRejectsEmptyDSN(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(""); err == nil {
		t.Fatal("NewPostgresStore() with empty dsn should fail")
	}
}

func TestPostgresStore(t *testing.T) {
	store := newTestPostgresStore(t)
	exerciseStore(t, store, DriverPostgres)
}

func TestPostgresRebindNumbersPlaceholders(t *testing.T) {
	t.Parallel()

	cache := &sqlCache{numbered: true}
	got := cache.rebind(`INSERT INTO t (a, b) VALUES (?, ?)`)
	if want := `INSERT INTO t (a, b) VALUES ($1, $2)`; got != want {
		t.Fatalf("rebind()=%q, want %q", got, want)
	}

	plain := &sqlCache{}
	if got := plain.rebind(`SELECT ?`); got != `SELECT ?` {
		t.Fatalf("rebind() without numbering=%q", got)
	}
}
