package chatserver

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("relaychat_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	if err := backend.Save(sampleState()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Conversations["c1"] == nil || loaded.Conversations["c1"].LastSequence != 1 {
		t.Fatalf("unexpected loaded snapshot: %+v", loaded)
	}

	loaded.Conversations["c1"].LastSequence = 12
	if err := backend.Save(loaded); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil || reloaded.Conversations["c1"].LastSequence != 12 {
		t.Fatalf("expected lastSequence 12 after update, got %+v", reloaded)
	}
}

func TestPostgresIntegrationStoreRestart(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	table := postgresIntegrationTableName("relaychat_store_it")

	open := func() *Store {
		backend, err := NewPostgresStateBackend(dsn)
		if err != nil {
			t.Fatalf("new postgres state backend: %v", err)
		}
		backend.(*PostgresStateBackend).tableName = table
		return NewStoreWithOptions(StoreOptions{StateBackend: backend, BackendProfile: "production"})
	}
	t.Cleanup(func() { postgresIntegrationDropTable(t, dsn, table) })

	first := open()
	if _, err := first.CreateConversation("alice", CreateConversationRequest{ID: "c1", Members: []string{"bob"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	post(t, first, "c1", "alice", "stored in postgres")
	first.Close()

	second := open()
	defer second.Close()
	messages, err := second.Messages("c1", "bob")
	if err != nil {
		t.Fatalf("messages after restart: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "stored in postgres" {
		t.Fatalf("unexpected messages after restart: %+v", messages)
	}
	if status := second.BackendStatus(); status.StateBackend != "postgres" {
		t.Fatalf("expected postgres backend status, got %+v", status)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYCHAT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYCHAT_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
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
