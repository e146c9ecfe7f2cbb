//go:build integration

package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_FreshDatabase(t *testing.T) {
	// Given: A fresh database with no tables
	db := openRawDB(t)

	// When: RunMigrations is called
	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	// Then: Every table exists with its required columns
	queries := map[string]string{
		"records":        `SELECT collection, id, fields, updated_at FROM records LIMIT 0`,
		"record_index":   `SELECT collection, index_name, value, record_id FROM record_index LIMIT 0`,
		"mutation_queue": `SELECT sequence, id, enqueued_at, collection, op_kind, remote_operation, args, retry_count, status, error, local_id, server_id, updated_at FROM mutation_queue LIMIT 0`,
		"sync_metadata":  `SELECT collection, last_sync_time, version FROM sync_metadata LIMIT 0`,
		"settings":       `SELECT key, value FROM settings LIMIT 0`,
	}
	for table, q := range queries {
		if _, err := db.Exec(q); err != nil {
			t.Errorf("%s missing required columns: %v", table, err)
		}
	}

	version, err := SchemaVersion(db)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 3 {
		t.Errorf("expected schema version 3, got %d", version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// Given: A database that has already been migrated
	db := openRawDB(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	// When: RunMigrations is called again
	err := RunMigrations(db)

	// Then: No error occurs (idempotent)
	if err != nil {
		t.Fatalf("second migration should be idempotent, got error: %v", err)
	}
}

func TestRunMigrations_PreservesData(t *testing.T) {
	// Given: A database with existing records and queued mutations
	db := openRawDB(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("initial migration failed: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO records (collection, id, fields, updated_at)
		VALUES ('characters', 'c1', '{"hp":10}', '2024-05-01T00:00:00.000000000Z')
	`); err != nil {
		t.Fatalf("failed to insert record: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO mutation_queue (id, enqueued_at, collection, op_kind, remote_operation, updated_at)
		VALUES ('01A', '2024-05-01T00:00:00.000000000Z', 'characters', 'create', 'createCharacter', '2024-05-01T00:00:00.000000000Z')
	`); err != nil {
		t.Fatalf("failed to insert mutation: %v", err)
	}

	// When: RunMigrations is called again
	if err := RunMigrations(db); err != nil {
		t.Fatalf("re-migration failed: %v", err)
	}

	// Then: Existing data is preserved with queue defaults applied
	var fields string
	if err := db.QueryRow(`SELECT fields FROM records WHERE id = 'c1'`).Scan(&fields); err != nil {
		t.Fatalf("record not preserved after migration: %v", err)
	}
	var status, args string
	var retries int
	if err := db.QueryRow(`SELECT status, args, retry_count FROM mutation_queue WHERE id = '01A'`).
		Scan(&status, &args, &retries); err != nil {
		t.Fatalf("mutation not preserved after migration: %v", err)
	}
	if status != "pending" || args != "{}" || retries != 0 {
		t.Errorf("unexpected defaults: status=%q args=%q retries=%d", status, args, retries)
	}
}

func TestSchema_Indexes(t *testing.T) {
	db := openRawDB(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	expectedIndexes := []string{
		"idx_record_index_lookup",
		"idx_mutation_queue_status",
		"idx_mutation_queue_local_id",
		"idx_mutation_queue_updated",
	}
	for _, idx := range expectedIndexes {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&name)
		if err != nil {
			t.Errorf("index %s not found: %v", idx, err)
		}
	}
}

func TestSchema_StatusConstraint(t *testing.T) {
	db := openRawDB(t)
	if err := RunMigrations(db); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO mutation_queue (id, enqueued_at, collection, op_kind, remote_operation, status, updated_at)
		VALUES ('bad', 'x', 'c', 'create', 'op', 'lost', 'x')
	`)
	if err == nil {
		t.Error("expected unknown status to violate the check constraint")
	}
}

func TestWALMode_Enabled(t *testing.T) {
	// Given: A new SQLiteStore
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	// Then: WAL mode is enabled
	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode 'wal', got %q", journalMode)
	}
}

func TestPragmas_Applied(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	var busyTimeout, foreignKeys, synchronous int
	if err := store.db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("expected busy_timeout 5000, got %d", busyTimeout)
	}
	if err := store.db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("expected foreign_keys 1, got %d", foreignKeys)
	}
	if err := store.db.QueryRow("PRAGMA synchronous").Scan(&synchronous); err != nil {
		t.Fatalf("failed to query synchronous: %v", err)
	}
	if synchronous != 1 {
		t.Errorf("expected synchronous 1 (NORMAL), got %d", synchronous)
	}
}

func TestNewSQLiteStore_CreatesParentDirectories(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store with nested path: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}
