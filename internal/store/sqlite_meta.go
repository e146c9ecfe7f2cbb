package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

// GetSyncMetadata returns the sync watermark of a collection. A collection
// that has never synced gets a zero watermark.
func (s *SQLiteStore) GetSyncMetadata(ctx context.Context, collection string) (*types.SyncMetadata, error) {
	meta := types.SyncMetadata{Collection: collection}
	var lastSync string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_time, version FROM sync_metadata WHERE collection = ?
	`, collection).Scan(&lastSync, &meta.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return &meta, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync metadata: %w", err)
	}
	meta.LastSyncTime = parseTime("sync_metadata", "last_sync_time", lastSync)
	return &meta, nil
}

// SetSyncMetadata upserts the sync watermark of a collection.
func (s *SQLiteStore) SetSyncMetadata(ctx context.Context, meta types.SyncMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (collection, last_sync_time, version) VALUES (?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET
			last_sync_time = excluded.last_sync_time,
			version = excluded.version
	`, meta.Collection, formatTime(meta.LastSyncTime), meta.Version)
	if err != nil {
		return fmt.Errorf("set sync metadata: %w", err)
	}
	return nil
}

// ListSyncMetadata returns the watermarks of all collections that have synced.
func (s *SQLiteStore) ListSyncMetadata(ctx context.Context) ([]types.SyncMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, last_sync_time, version FROM sync_metadata ORDER BY collection
	`)
	if err != nil {
		return nil, fmt.Errorf("list sync metadata: %w", err)
	}
	defer rows.Close()

	out := make([]types.SyncMetadata, 0)
	for rows.Next() {
		var meta types.SyncMetadata
		var lastSync string
		if err := rows.Scan(&meta.Collection, &lastSync, &meta.Version); err != nil {
			return nil, fmt.Errorf("scan sync metadata: %w", err)
		}
		meta.LastSyncTime = parseTime("sync_metadata", "last_sync_time", lastSync)
		out = append(out, meta)
	}
	return out, rows.Err()
}

// GetSetting retrieves a setting value by key.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting sets a setting value.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// Reset removes all records, queued mutations and sync watermarks.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	return s.execTx(ctx, "reset",
		stmt{`DELETE FROM record_index`, nil},
		stmt{`DELETE FROM records`, nil},
		stmt{`DELETE FROM mutation_queue`, nil},
		stmt{`DELETE FROM sync_metadata`, nil},
	)
}

// Backup writes a consistent copy of the database to dest using VACUUM INTO.
// dest must not exist.
func (s *SQLiteStore) Backup(ctx context.Context, dest string) error {
	if dir := filepath.Dir(dest); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create backup directory: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	return nil
}

// Stats returns aggregate store statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	stats := types.StoreStats{Collections: len(s.Collections())}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&stats.Records); err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM mutation_queue
	`).Scan(&stats.Pending, &stats.Failed); err != nil {
		return nil, fmt.Errorf("count mutations: %w", err)
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			stats.DatabaseSize = pageCount * pageSize
		}
	}
	return &stats, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(table, column, value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		slog.Warn(table+": failed to parse "+column, "value", value, "error", err)
	}
	return t
}
