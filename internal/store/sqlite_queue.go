package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

const insertMutationSQL = `
	INSERT INTO mutation_queue (id, enqueued_at, collection, op_kind, remote_operation, args,
		retry_count, status, error, local_id, server_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectMutationSQL = `
	SELECT sequence, id, enqueued_at, collection, op_kind, remote_operation, args,
		retry_count, status, error, local_id, server_id, updated_at
	FROM mutation_queue`

// mutationArgs returns the SQL arguments for inserting a QueuedMutation.
func mutationArgs(m types.QueuedMutation) ([]any, error) {
	args := m.Args
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode mutation args: %w", err)
	}
	return []any{
		m.ID, m.EnqueuedAt.UTC().Format(timeFormat), m.Collection, string(m.OpKind),
		m.RemoteOperation, string(data), m.RetryCount, string(m.Status),
		nullable(m.Error), nullable(m.LocalID), nullable(m.ServerID),
		m.UpdatedAt.UTC().Format(timeFormat),
	}, nil
}

func insertMutation(ctx context.Context, tx *sql.Tx, m types.QueuedMutation) (int64, error) {
	if !m.OpKind.Valid() {
		return 0, fmt.Errorf("invalid op kind %q", m.OpKind)
	}
	args, err := mutationArgs(m)
	if err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, insertMutationSQL, args...)
	if err != nil {
		return 0, fmt.Errorf("append mutation: %w", err)
	}
	return result.LastInsertId()
}

// AppendMutation appends m to the queue and returns its sequence.
func (s *SQLiteStore) AppendMutation(ctx context.Context, m types.QueuedMutation) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := insertMutation(ctx, tx, m)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return seq, nil
}

// CommitWrite applies a local record change and appends its mutation
// atomically.
func (s *SQLiteStore) CommitWrite(ctx context.Context, change RecordChange, m types.QueuedMutation) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if change.Delete {
		err = deleteTx(ctx, tx, change.Record.Collection, change.Record.ID)
	} else {
		err = s.putTx(ctx, tx, change.Record)
	}
	if err != nil {
		return 0, fmt.Errorf("local write %s: %w", change.Record.Key(), err)
	}

	seq, err := insertMutation(ctx, tx, m)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return seq, nil
}

// ListMutations returns mutations in enqueue order. An empty status lists
// every mutation.
func (s *SQLiteStore) ListMutations(ctx context.Context, status types.MutationStatus) ([]types.QueuedMutation, error) {
	query := selectMutationSQL + ` ORDER BY sequence ASC`
	var args []any
	if status != "" {
		query = selectMutationSQL + ` WHERE status = ? ORDER BY sequence ASC`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	defer rows.Close()

	out := make([]types.QueuedMutation, 0)
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpdateMutation persists the mutable state of m: status, retry count,
// error, server id and update time. A missing row yields ErrNotFound.
func (s *SQLiteStore) UpdateMutation(ctx context.Context, m types.QueuedMutation) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mutation_queue
		SET status = ?, retry_count = ?, error = ?, server_id = ?, updated_at = ?
		WHERE id = ?
	`, string(m.Status), m.RetryCount, nullable(m.Error), nullable(m.ServerID),
		m.UpdatedAt.UTC().Format(timeFormat), m.ID)
	if err != nil {
		return fmt.Errorf("update mutation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update mutation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mutation %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

// CountMutations counts mutations with the given status, or all when empty.
func (s *SQLiteStore) CountMutations(ctx context.Context, status types.MutationStatus) (int64, error) {
	var n int64
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_queue`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM mutation_queue WHERE status = ?`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return n, nil
}

// PurgeMutations deletes mutations with the given status last updated before
// the cutoff. A zero cutoff deletes all of them; an empty status matches
// every status.
func (s *SQLiteStore) PurgeMutations(ctx context.Context, status types.MutationStatus, before time.Time) (int64, error) {
	query := `DELETE FROM mutation_queue WHERE 1 = 1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if !before.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, before.UTC().Format(timeFormat))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge mutations: %w", err)
	}
	return result.RowsAffected()
}

// ResetSyncing returns mutations left in syncing by an interrupted drain to
// pending. Returns the number of mutations reset.
func (s *SQLiteStore) ResetSyncing(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mutation_queue SET status = ?, updated_at = ? WHERE status = ?
	`, string(types.StatusPending), time.Now().UTC().Format(timeFormat), string(types.StatusSyncing))
	if err != nil {
		return 0, fmt.Errorf("reset syncing mutations: %w", err)
	}
	return result.RowsAffected()
}

func scanMutation(scanner interface{ Scan(...any) error }) (*types.QueuedMutation, error) {
	var m types.QueuedMutation
	var enqueuedAt, updatedAt, opKind, status, args string
	var errMsg, localID, serverID sql.NullString

	if err := scanner.Scan(&m.Sequence, &m.ID, &enqueuedAt, &m.Collection, &opKind,
		&m.RemoteOperation, &args, &m.RetryCount, &status, &errMsg, &localID, &serverID,
		&updatedAt); err != nil {
		return nil, fmt.Errorf("scan mutation: %w", err)
	}

	m.OpKind = types.OpKind(opKind)
	m.Status = types.MutationStatus(status)
	m.Error = errMsg.String
	m.LocalID = localID.String
	m.ServerID = serverID.String

	if err := json.Unmarshal([]byte(args), &m.Args); err != nil {
		return nil, fmt.Errorf("parse args of mutation %s: %w", m.ID, err)
	}
	var parseErr error
	if m.EnqueuedAt, parseErr = time.Parse(timeFormat, enqueuedAt); parseErr != nil {
		slog.Warn("mutation_queue: failed to parse enqueued_at", "value", enqueuedAt, "error", parseErr)
	}
	if m.UpdatedAt, parseErr = time.Parse(timeFormat, updatedAt); parseErr != nil {
		slog.Warn("mutation_queue: failed to parse updated_at", "value", updatedAt, "error", parseErr)
	}
	return &m, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
