package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS provider_configs (
	identifier TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	added_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS invocation_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier TEXT NOT NULL,
	capability TEXT NOT NULL,
	status TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocation_audit_created_at
	ON invocation_audit (created_at);`

// SQLiteConfig configures the SQLite-backed store.
type SQLiteConfig struct {
	Path string
}

// SQLiteStore persists provider configs and invocation audit rows in a
// single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the store database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveProvider inserts or refreshes the persisted config for identifier.
// Re-saving an identifier keeps its original added_at.
func (s *SQLiteStore) SaveProvider(ctx context.Context, identifier string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("store: sqlite store is nil")
	}
	if strings.TrimSpace(identifier) == "" {
		return errors.New("store: provider identifier is required")
	}
	if len(payload) == 0 {
		return errors.New("store: provider payload is required")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO provider_configs (identifier, payload, added_at)
VALUES (?, ?, ?)
ON CONFLICT(identifier) DO UPDATE SET payload = excluded.payload`,
		identifier, payload, now)
	if err != nil {
		return fmt.Errorf("store: sqlite save provider: %w", err)
	}
	return nil
}

// ListProviders returns all persisted configs in identifier order.
func (s *SQLiteStore) ListProviders(ctx context.Context) ([]ProviderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, errors.New("store: sqlite store is nil")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT identifier, payload, added_at
FROM provider_configs
ORDER BY identifier ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite list providers: %w", err)
	}
	defer rows.Close()

	var records []ProviderRecord
	for rows.Next() {
		var (
			record  ProviderRecord
			addedAt string
		)
		if err := rows.Scan(&record.Identifier, &record.Payload, &addedAt); err != nil {
			return nil, fmt.Errorf("store: sqlite scan provider: %w", err)
		}
		record.AddedAt = parseStoredTime(addedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sqlite provider rows: %w", err)
	}

	return records, nil
}

// DeleteProvider removes the persisted config for identifier. Deleting an
// unknown identifier is a no-op.
func (s *SQLiteStore) DeleteProvider(ctx context.Context, identifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("store: sqlite store is nil")
	}

	if _, err := s.db.ExecContext(ctx, `
DELETE FROM provider_configs
WHERE identifier = ?`, identifier); err != nil {
		return fmt.Errorf("store: sqlite delete provider: %w", err)
	}
	return nil
}

// AppendInvocation writes one audit row. A zero CreatedAt is stamped with
// the current time.
func (s *SQLiteStore) AppendInvocation(ctx context.Context, record InvocationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("store: sqlite store is nil")
	}
	if strings.TrimSpace(record.Identifier) == "" {
		return errors.New("store: invocation identifier is required")
	}
	if strings.TrimSpace(record.Capability) == "" {
		return errors.New("store: invocation capability is required")
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := record.Status
	if status == "" {
		status = StatusSuccess
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO invocation_audit (identifier, capability, status, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?)`,
		record.Identifier, record.Capability, status, record.DurationMS,
		createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: sqlite append invocation: %w", err)
	}
	return nil
}

// RecentInvocations returns up to limit audit rows, newest first.
func (s *SQLiteStore) RecentInvocations(ctx context.Context, limit int) ([]InvocationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, errors.New("store: sqlite store is nil")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, identifier, capability, status, duration_ms, created_at
FROM invocation_audit
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite list invocations: %w", err)
	}
	defer rows.Close()

	var records []InvocationRecord
	for rows.Next() {
		var (
			record    InvocationRecord
			createdAt string
		)
		if err := rows.Scan(&record.ID, &record.Identifier, &record.Capability,
			&record.Status, &record.DurationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("store: sqlite scan invocation: %w", err)
		}
		record.CreatedAt = parseStoredTime(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sqlite invocation rows: %w", err)
	}

	return records, nil
}

// PruneInvocations deletes audit rows created before the cutoff and reports
// how many were removed.
func (s *SQLiteStore) PruneInvocations(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.db == nil {
		return 0, errors.New("store: sqlite store is nil")
	}

	result, err := s.db.ExecContext(ctx, `
DELETE FROM invocation_audit
WHERE created_at < ?`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("store: sqlite prune invocations: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: sqlite prune count: %w", err)
	}
	return removed, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: sqlite close: %w", err)
	}
	return nil
}

func parseStoredTime(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
