package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.tableName = postgresIntegrationTableName("relaysync_kv_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})

	ctx := context.Background()
	if err := store.Put(ctx, "operations", Record{
		Key:     "op-1",
		Value:   json.RawMessage(`{"id":"op-1"}`),
		Indexes: map[string]string{"storeName": "notes"},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "operations", Record{
		Key:   "op-1",
		Value: json.RawMessage(`{"id":"op-1","attempts":1}`),
		Indexes: map[string]string{
			"storeName": "notes",
		},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, err := store.Get(ctx, "operations", "op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(rec.Value, &decoded); err != nil || decoded["attempts"] != float64(1) {
		t.Fatalf("expected upserted value, got %s (%v)", rec.Value, err)
	}
	matched, err := store.ByIndex(ctx, "operations", "storeName", "notes")
	if err != nil || len(matched) != 1 {
		t.Fatalf("expected one index match, got %d (%v)", len(matched), err)
	}
	if err := store.Delete(ctx, "operations", "op-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "operations", "op-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestPostgresStoreOpenFailureIsSticky(t *testing.T) {
	store, err := NewPostgresStore("postgres://unused")
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	calls := 0
	store.openDB = func(driverName, dsn string) (*sql.DB, error) {
		calls++
		return nil, errors.New("boom")
	}
	if _, err := store.Count(context.Background(), "p"); err == nil {
		t.Fatalf("expected open failure")
	}
	if _, err := store.Count(context.Background(), "p"); err == nil {
		t.Fatalf("expected open failure on second call")
	}
	if calls != 1 {
		t.Fatalf("expected one open attempt, got %d", calls)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
