package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/tether/internal/types"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the SQLite-backed local database holding records, their
// secondary indexes and the mutation queue.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.RWMutex
	specs map[string]types.CollectionSpec
}

// NewSQLiteStore opens the database at dbPath, applies pragmas and runs
// migrations. Registered collections are loaded so a reopened store serves
// reads without a new Initialize call.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, specs: make(map[string]types.CollectionSpec)}
	if err := s.loadCollections(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("load collections: %w", err)
	}
	return s, nil
}

// dsn attaches the pragmas to the connection string so that every pooled
// connection gets them, not only the first.
func dsn(dbPath string) string {
	pragmas := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"foreign_keys(ON)",
		"synchronous(NORMAL)",
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return dbPath + "?" + q.Encode()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations tooling and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Initialize registers collections and their secondary indexes. It is
// idempotent. An index added to an existing collection is back-filled from
// the records already stored; indexes missing from specs are kept.
func (s *SQLiteStore) Initialize(ctx context.Context, specs []types.CollectionSpec) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	for _, spec := range specs {
		if spec.Name == "" {
			return fmt.Errorf("initialize: collection name is required")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO collections (name, entity_type, created_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET entity_type = excluded.entity_type
			WHERE excluded.entity_type != ''
		`, spec.Name, spec.EntityType, now); err != nil {
			return fmt.Errorf("register collection %s: %w", spec.Name, err)
		}

		for _, idx := range spec.Indexes {
			if err := ensureIndex(ctx, tx, spec.Name, idx); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return s.loadCollections(ctx)
}

// ensureIndex declares idx on collection, rebuilding its entries when the
// index is new or now points at a different field.
func ensureIndex(ctx context.Context, tx *sql.Tx, collection string, idx types.IndexSpec) error {
	if idx.Name == "" || idx.Field == "" {
		return fmt.Errorf("index on %s: name and field are required", collection)
	}

	var field string
	err := tx.QueryRowContext(ctx,
		`SELECT field FROM collection_indexes WHERE collection = ? AND name = ?`,
		collection, idx.Name).Scan(&field)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("lookup index %s.%s: %w", collection, idx.Name, err)
	case field == idx.Field:
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO collection_indexes (collection, name, field) VALUES (?, ?, ?)
		ON CONFLICT(collection, name) DO UPDATE SET field = excluded.field
	`, collection, idx.Name, idx.Field); err != nil {
		return fmt.Errorf("declare index %s.%s: %w", collection, idx.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE collection = ? AND index_name = ?`,
		collection, idx.Name); err != nil {
		return fmt.Errorf("reset index %s.%s: %w", collection, idx.Name, err)
	}

	recs, err := queryRecords(ctx, tx, `
		SELECT collection, id, fields, updated_at FROM records WHERE collection = ?
	`, collection)
	if err != nil {
		return fmt.Errorf("backfill index %s.%s: %w", collection, idx.Name, err)
	}
	for _, rec := range recs {
		if err := insertIndexEntry(ctx, tx, rec, idx); err != nil {
			return err
		}
	}

	slog.Info("index built",
		"component", "store",
		"collection", collection,
		"index", idx.Name,
		"records", len(recs),
	)
	return nil
}

func (s *SQLiteStore) loadCollections(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.name, c.entity_type, i.name, i.field
		FROM collections c
		LEFT JOIN collection_indexes i ON i.collection = c.name
		ORDER BY c.name, i.name
	`)
	if err != nil {
		return fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	specs := make(map[string]types.CollectionSpec)
	for rows.Next() {
		var name, entityType string
		var idxName, idxField sql.NullString
		if err := rows.Scan(&name, &entityType, &idxName, &idxField); err != nil {
			return fmt.Errorf("scan collection: %w", err)
		}
		spec, ok := specs[name]
		if !ok {
			spec = types.CollectionSpec{Name: name, EntityType: entityType}
		}
		if idxName.Valid {
			spec.Indexes = append(spec.Indexes, types.IndexSpec{Name: idxName.String, Field: idxField.String})
		}
		specs[name] = spec
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.specs = specs
	s.mu.Unlock()
	return nil
}

// Collections returns the registered collections ordered by name.
func (s *SQLiteStore) Collections() []types.CollectionSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.CollectionSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *SQLiteStore) spec(collection string) (types.CollectionSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.specs[collection]
	if !ok {
		return types.CollectionSpec{}, fmt.Errorf("collection %q: %w", collection, ErrUnknownCollection)
	}
	return spec, nil
}

// Get returns one record, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*types.Record, error) {
	recs, err := queryRecords(ctx, s.db, `
		SELECT collection, id, fields, updated_at FROM records
		WHERE collection = ? AND id = ?
	`, collection, id)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return &recs[0], nil
}

// GetAll returns every record of a collection ordered by id.
func (s *SQLiteStore) GetAll(ctx context.Context, collection string) ([]types.Record, error) {
	recs, err := queryRecords(ctx, s.db, `
		SELECT collection, id, fields, updated_at FROM records
		WHERE collection = ? ORDER BY id
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("get all records: %w", err)
	}
	return recs, nil
}

// GetByIndex returns the records whose indexed field equals value, ordered by id.
func (s *SQLiteStore) GetByIndex(ctx context.Context, collection, indexName string, value any) ([]types.Record, error) {
	spec, err := s.spec(collection)
	if err != nil {
		return nil, err
	}
	if _, ok := spec.Index(indexName); !ok {
		return nil, fmt.Errorf("index %s.%s: %w", collection, indexName, ErrUnknownIndex)
	}

	key, err := types.IndexKey(value)
	if err != nil {
		return nil, err
	}

	recs, err := queryRecords(ctx, s.db, `
		SELECT r.collection, r.id, r.fields, r.updated_at
		FROM record_index i
		JOIN records r ON r.collection = i.collection AND r.id = i.record_id
		WHERE i.collection = ? AND i.index_name = ? AND i.value = ?
		ORDER BY r.id
	`, collection, indexName, key)
	if err != nil {
		return nil, fmt.Errorf("get by index: %w", err)
	}
	return recs, nil
}

// Put inserts or replaces a record and its index entries.
func (s *SQLiteStore) Put(ctx context.Context, rec types.Record) error {
	return s.BulkPut(ctx, []types.Record{rec})
}

// BulkPut writes all records in one transaction: either every record is
// stored or none is.
func (s *SQLiteStore) BulkPut(ctx context.Context, recs []types.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range recs {
		if err := s.putTx(ctx, tx, recs[i]); err != nil {
			return fmt.Errorf("put record %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) putTx(ctx context.Context, tx *sql.Tx, rec types.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	spec, err := s.spec(rec.Collection)
	if err != nil {
		return err
	}

	fields := rec.Fields
	if fields == nil {
		fields = types.Fields{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, fields, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at
	`, rec.Collection, rec.ID, string(data), rec.UpdatedAt.UTC().Format(timeFormat)); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}

	if err := deleteIndexEntries(ctx, tx, rec.Collection, rec.ID); err != nil {
		return err
	}
	for _, idx := range spec.Indexes {
		if err := insertIndexEntry(ctx, tx, rec, idx); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteTx(ctx, tx, collection, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func deleteTx(ctx context.Context, tx *sql.Tx, collection, id string) error {
	if err := deleteIndexEntries(ctx, tx, collection, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Clear removes every record of one collection.
func (s *SQLiteStore) Clear(ctx context.Context, collection string) error {
	return s.execTx(ctx, "clear collection",
		stmt{`DELETE FROM record_index WHERE collection = ?`, []any{collection}},
		stmt{`DELETE FROM records WHERE collection = ?`, []any{collection}},
	)
}

// ClearAll removes every record of every collection.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	return s.execTx(ctx, "clear all",
		stmt{`DELETE FROM record_index`, nil},
		stmt{`DELETE FROM records`, nil},
	)
}

type stmt struct {
	query string
	args  []any
}

func (s *SQLiteStore) execTx(ctx context.Context, op string, stmts ...stmt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func deleteIndexEntries(ctx context.Context, tx *sql.Tx, collection, id string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index WHERE collection = ? AND record_id = ?`, collection, id); err != nil {
		return fmt.Errorf("delete index entries: %w", err)
	}
	return nil
}

// insertIndexEntry indexes rec under idx. Records without the field, or with
// a null value, are left out of the index.
func insertIndexEntry(ctx context.Context, tx *sql.Tx, rec types.Record, idx types.IndexSpec) error {
	v, ok := rec.Fields[idx.Field]
	if !ok || v == nil {
		return nil
	}
	key, err := types.IndexKey(v)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO record_index (collection, index_name, value, record_id) VALUES (?, ?, ?, ?)
	`, rec.Collection, idx.Name, key, rec.ID); err != nil {
		return fmt.Errorf("insert index entry %s.%s: %w", rec.Collection, idx.Name, err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]types.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]types.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func scanRecord(scanner interface{ Scan(...any) error }) (*types.Record, error) {
	var rec types.Record
	var fields, updatedAt string
	if err := scanner.Scan(&rec.Collection, &rec.ID, &fields, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("parse fields of %s: %w", rec.Key(), err)
	}
	var parseErr error
	if rec.UpdatedAt, parseErr = time.Parse(timeFormat, updatedAt); parseErr != nil {
		slog.Warn("records: failed to parse updated_at", "value", updatedAt, "error", parseErr)
	}
	return &rec, nil
}
