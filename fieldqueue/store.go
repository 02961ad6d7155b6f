// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so timestamps order correctly as text. Times are always UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the durable local queue of pending operations and offline id mappings.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenFile opens (or creates) the SQLite database at path and initializes the queue.
func OpenFile(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection keeps PRAGMAs in effect and serializes writers.
	db.SetMaxOpenConns(1)
	s, err := Open(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Open initializes the queue tables on db and repairs rows left in syncing by a crash.
func Open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initializeDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initializeDatabase(ctx context.Context) error {
	// Enable WAL mode and foreign keys
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS pending_operations (
			offline_id     TEXT PRIMARY KEY,
			kind           TEXT NOT NULL CHECK (kind IN ('visit','order','photo')),
			payload        TEXT NOT NULL,
			depends_on     TEXT,
			sync_status    TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('pending','syncing','synced','error')),
			sync_attempts  INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT,
			created_at     TEXT NOT NULL,
			synced_at      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS pending_kind_status_idx ON pending_operations(kind, sync_status, created_at)`,
		`CREATE INDEX IF NOT EXISTS pending_depends_on_idx ON pending_operations(depends_on)`,

		// Binary content of queued photos, raw bytes
		`CREATE TABLE IF NOT EXISTS pending_blobs (
			offline_id  TEXT PRIMARY KEY REFERENCES pending_operations(offline_id) ON DELETE CASCADE,
			content     BLOB NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS offline_mappings (
			offline_id         TEXT PRIMARY KEY,
			server_id          TEXT NOT NULL,
			entity_type        TEXT NOT NULL,
			parent_offline_id  TEXT,
			created_at         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS offline_mappings_parent_idx ON offline_mappings(parent_offline_id, entity_type)`,
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create queue table: %w", err)
		}
	}

	// A crash mid-send leaves rows in syncing; nobody owns them anymore.
	res, err := s.db.ExecContext(ctx, `UPDATE pending_operations SET sync_status = 'pending' WHERE sync_status = 'syncing'`)
	if err != nil {
		return fmt.Errorf("failed to reset syncing operations: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn("Reset operations interrupted mid-sync", "count", n)
	}
	return nil
}

// AddPending queues an operation and returns its new offline id. blob, when not nil, is stored
// as raw bytes alongside it.
func (s *Store) AddPending(ctx context.Context, kind Kind, payload any, dependsOn string, blob []byte) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", kind, err)
	}
	offlineID := uuid.NewString()
	if err := s.addPending(ctx, offlineID, kind, data, dependsOn, blob); err != nil {
		return "", err
	}
	return offlineID, nil
}

func (s *Store) addPending(ctx context.Context, offlineID string, kind Kind, payload []byte, dependsOn string, blob []byte) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_operations (offline_id, kind, payload, depends_on, sync_status, sync_attempts, created_at)
			VALUES (?, ?, ?, ?, 'pending', 0, ?)`,
			offlineID, string(kind), string(payload), nullString(dependsOn), s.now().Format(timeLayout)); err != nil {
			return fmt.Errorf("insert pending %s: %w", kind, err)
		}
		if blob != nil {
			if _, err := tx.ExecContext(ctx, `INSERT INTO pending_blobs (offline_id, content) VALUES (?, ?)`, offlineID, blob); err != nil {
				return fmt.Errorf("insert blob: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Queued operation", "kind", kind, "offline_id", offlineID, "depends_on", dependsOn)
	return nil
}

const operationColumns = `offline_id, kind, payload, depends_on, sync_status, sync_attempts, last_error, created_at, synced_at`

// Get returns one operation.
func (s *Store) Get(ctx context.Context, offlineID string) (*PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE offline_id = ?`, offlineID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

// ListPending returns the pending operations of kind, oldest first.
func (s *Store) ListPending(ctx context.Context, kind Kind) ([]PendingOperation, error) {
	return s.list(ctx, `WHERE kind = ? AND sync_status = 'pending'`, string(kind))
}

// ListFailed returns every operation in the error state, oldest first.
func (s *Store) ListFailed(ctx context.Context) ([]PendingOperation, error) {
	return s.list(ctx, `WHERE sync_status = 'error'`)
}

// ListAll returns every queued operation, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]PendingOperation, error) {
	return s.list(ctx, ``)
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM pending_operations `+where+` ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*PendingOperation, error) {
	var (
		op                 PendingOperation
		kind, status       string
		payload, created   string
		dependsOn, lastErr sql.NullString
		syncedAt           sql.NullString
	)
	if err := row.Scan(&op.OfflineID, &kind, &payload, &dependsOn, &status, &op.Attempts, &lastErr, &created, &syncedAt); err != nil {
		return nil, err
	}
	op.Kind = Kind(kind)
	op.Status = Status(status)
	op.Payload = json.RawMessage(payload)
	op.DependsOn = dependsOn.String
	op.LastError = lastErr.String

	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	op.CreatedAt = t
	if syncedAt.Valid {
		t, err := time.Parse(timeLayout, syncedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse synced_at %q: %w", syncedAt.String, err)
		}
		op.SyncedAt = &t
	}
	return &op, nil
}

// MarkSyncing claims a pending operation. It fails with ErrNotClaimable when another
// sender already holds it or it is not pending.
func (s *Store) MarkSyncing(ctx context.Context, kind Kind, offlineID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET sync_status = 'syncing'
		WHERE offline_id = ? AND kind = ? AND sync_status = 'pending'`, offlineID, string(kind))
	if err != nil {
		return fmt.Errorf("claim %s %s: %w", kind, offlineID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimable
	}
	return nil
}

// Release returns a syncing operation to pending without counting an attempt. Used when a
// send is interrupted by shutdown.
func (s *Store) Release(ctx context.Context, kind Kind, offlineID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET sync_status = 'pending'
		WHERE offline_id = ? AND kind = ? AND sync_status = 'syncing'`, offlineID, string(kind))
	if err != nil {
		return fmt.Errorf("release %s %s: %w", kind, offlineID, err)
	}
	return nil
}

// MarkSynced records the server id and marks the operation synced in one transaction.
func (s *Store) MarkSynced(ctx context.Context, kind Kind, offlineID, serverID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var dependsOn sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT depends_on FROM pending_operations WHERE offline_id = ? AND kind = ?`,
			offlineID, string(kind)).Scan(&dependsOn)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load %s %s: %w", kind, offlineID, err)
		}
		if err := s.saveMapping(ctx, tx, offlineID, serverID, kind, dependsOn.String); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_operations SET sync_status = 'synced', synced_at = ?, last_error = NULL
			WHERE offline_id = ?`, s.now().Format(timeLayout), offlineID); err != nil {
			return fmt.Errorf("mark %s %s synced: %w", kind, offlineID, err)
		}
		return nil
	})
}

// MarkError moves an operation to the error state regardless of its attempt count.
func (s *Store) MarkError(ctx context.Context, kind Kind, offlineID, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET sync_status = 'error', last_error = ?
		WHERE offline_id = ? AND kind = ?`, detail, offlineID, string(kind))
	if err != nil {
		return fmt.Errorf("mark %s %s error: %w", kind, offlineID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure counts a failed send. Below maxAttempts the operation goes back to pending;
// at maxAttempts it moves to error. It returns the resulting status and attempt count.
func (s *Store) RecordFailure(ctx context.Context, kind Kind, offlineID, detail string, maxAttempts int) (Status, int, error) {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	var (
		status   Status
		attempts int
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT sync_attempts FROM pending_operations WHERE offline_id = ? AND kind = ?`,
			offlineID, string(kind)).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load %s %s: %w", kind, offlineID, err)
		}
		attempts++
		status = StatusPending
		if attempts >= maxAttempts {
			status = StatusError
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE pending_operations SET sync_status = ?, sync_attempts = ?, last_error = ?
			WHERE offline_id = ?`, string(status), attempts, detail, offlineID)
		if err != nil {
			return fmt.Errorf("record failure for %s %s: %w", kind, offlineID, err)
		}
		return nil
	})
	return status, attempts, err
}

// Retry puts an operation in the error state back in the queue with its attempt count reset.
func (s *Store) Retry(ctx context.Context, offlineID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET sync_status = 'pending', sync_attempts = 0, last_error = NULL
		WHERE offline_id = ? AND sync_status = 'error'`, offlineID)
	if err != nil {
		return fmt.Errorf("retry %s: %w", offlineID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, offlineID); err != nil {
			return err
		}
		return ErrNotRetryable
	}
	s.logger.Info("Operation queued for retry", "offline_id", offlineID)
	return nil
}

// RetryAll re-queues every operation in the error state and returns how many were re-queued.
func (s *Store) RetryAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET sync_status = 'pending', sync_attempts = 0, last_error = NULL
		WHERE sync_status = 'error'`)
	if err != nil {
		return 0, fmt.Errorf("retry all: %w", err)
	}
	return res.RowsAffected()
}

// Remove deletes a synced operation and its blob.
func (s *Store) Remove(ctx context.Context, kind Kind, offlineID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_blobs WHERE offline_id = ?`, offlineID); err != nil {
			return fmt.Errorf("delete blob %s: %w", offlineID, err)
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM pending_operations WHERE offline_id = ? AND kind = ? AND sync_status = 'synced'`,
			offlineID, string(kind))
		if err != nil {
			return fmt.Errorf("remove %s %s: %w", kind, offlineID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("remove %s %s: %w", kind, offlineID, ErrNotFound)
		}
		return nil
	})
}

// SaveMapping records offlineID -> serverID. Saving the same offline id again keeps the first mapping.
func (s *Store) SaveMapping(ctx context.Context, offlineID, serverID string, kind Kind, parentOfflineID string) error {
	return s.saveMapping(ctx, s.db, offlineID, serverID, kind, parentOfflineID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) saveMapping(ctx context.Context, db execer, offlineID, serverID string, kind Kind, parent string) error {
	if serverID == "" {
		return fmt.Errorf("empty server id for %s %s", kind, offlineID)
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO offline_mappings (offline_id, server_id, entity_type, parent_offline_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		offlineID, serverID, string(kind), nullString(parent), s.now().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save mapping %s -> %s: %w", offlineID, serverID, err)
	}
	return nil
}

// ResolveServerID returns the server id recorded for offlineID.
func (s *Store) ResolveServerID(ctx context.Context, offlineID string) (string, bool, error) {
	var serverID string
	err := s.db.QueryRowContext(ctx, `SELECT server_id FROM offline_mappings WHERE offline_id = ?`, offlineID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", offlineID, err)
	}
	return serverID, true, nil
}

// Mapping returns the full mapping for offlineID.
func (s *Store) Mapping(ctx context.Context, offlineID string) (*OfflineMapping, error) {
	var (
		m             OfflineMapping
		kind, created string
		parent        sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT offline_id, server_id, entity_type, parent_offline_id, created_at
		FROM offline_mappings WHERE offline_id = ?`, offlineID).Scan(&m.OfflineID, &m.ServerID, &kind, &parent, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load mapping %s: %w", offlineID, err)
	}
	m.Kind = Kind(kind)
	m.ParentOfflineID = parent.String
	if m.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse mapping created_at: %w", err)
	}
	return &m, nil
}

// KnownVisit reports whether offlineID is a queued or synced visit on this device.
func (s *Store) KnownVisit(ctx context.Context, offlineID string) (bool, error) {
	var known bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pending_operations WHERE offline_id = ? AND kind = 'visit')
		    OR EXISTS (SELECT 1 FROM offline_mappings WHERE offline_id = ? AND entity_type = 'visit')`,
		offlineID, offlineID).Scan(&known)
	if err != nil {
		return false, fmt.Errorf("look up visit %s: %w", offlineID, err)
	}
	return known, nil
}

// Counts returns pending, syncing and error counts per kind.
func (s *Store) Counts(ctx context.Context) (map[Kind]KindCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, sync_status, count(*) FROM pending_operations
		WHERE sync_status != 'synced'
		GROUP BY kind, sync_status`)
	if err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	defer rows.Close()

	out := make(map[Kind]KindCounts, len(Kinds))
	for _, k := range Kinds {
		out[k] = KindCounts{}
	}
	for rows.Next() {
		var kind, status string
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, err
		}
		c := out[Kind(kind)]
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusSyncing:
			c.Syncing = n
		case StatusError:
			c.Error = n
		}
		out[Kind(kind)] = c
	}
	return out, rows.Err()
}

// PhotoCountForVisit counts photos of a visit known to this device: queued ones plus ones
// already confirmed by the server.
func (s *Store) PhotoCountForVisit(ctx context.Context, visitOfflineID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT count(*) FROM pending_operations
		    WHERE kind = 'photo' AND depends_on = ? AND sync_status != 'synced')
		+ (SELECT count(*) FROM offline_mappings
		    WHERE entity_type = 'photo' AND parent_offline_id = ?)`,
		visitOfflineID, visitOfflineID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count photos for visit %s: %w", visitOfflineID, err)
	}
	return n, nil
}

// Blob returns the raw bytes stored with an operation.
func (s *Store) Blob(ctx context.Context, offlineID string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM pending_blobs WHERE offline_id = ?`, offlineID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", offlineID, err)
	}
	return content, nil
}

// CleanupMappings deletes mappings older than olderThan that no unfinished operation still
// references, and returns how many were deleted.
func (s *Store) CleanupMappings(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM offline_mappings
		WHERE created_at < ?
		  AND offline_id NOT IN (
		    SELECT offline_id FROM pending_operations WHERE sync_status != 'synced'
		    UNION
		    SELECT depends_on FROM pending_operations WHERE depends_on IS NOT NULL AND sync_status != 'synced'
		  )`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup mappings: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("Cleaned up offline mappings", "count", n, "older_than", olderThan)
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
