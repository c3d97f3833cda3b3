package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manash/gentrack/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS image_entries (
    image_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL DEFAULT 0,
    updated_at_ms INTEGER NOT NULL DEFAULT 0,
    locked INTEGER NOT NULL DEFAULT 0,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    entry_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_image_entries_account_id ON image_entries(account_id);
CREATE INDEX IF NOT EXISTS idx_image_entries_updated_at ON image_entries(updated_at_ms);
`

// maxBatchParams keeps IN (...) lists well below sqlite's variable limit.
const maxBatchParams = 500

var (
	ErrNotFound  = errors.New("image entry not found")
	ErrNilEntry  = errors.New("image entry is nil")
	ErrEmptyPath = errors.New("database path is empty")
)

// Options configures retention for a Store.
type Options struct {
	Limits     models.Limits
	MaxEntries int
}

// Store persists ImageEntries in sqlite. Each row keeps a few indexed
// columns next to the full entry document.
type Store struct {
	db   *sql.DB
	opts Options
}

func NewStore(opts Options) (*Store, error) {
	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, err
	}
	return NewStoreWithPath(dbPath, opts)
}

func NewStoreWithPath(dbPath string, opts Options) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, ErrEmptyPath
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &Store{db: db, opts: opts}, nil
}

func DefaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".gentrack", "history.db"), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.ImageEntry, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_json FROM image_entries WHERE image_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(doc)
}

// GetBatch returns the entries that exist among ids, keyed by image id.
// Missing ids are simply absent from the map.
func (s *Store) GetBatch(ctx context.Context, ids []string) (map[string]*models.ImageEntry, error) {
	out := make(map[string]*models.ImageEntry, len(ids))
	ids = dedupe(ids)

	for start := 0; start < len(ids); start += maxBatchParams {
		end := min(start+maxBatchParams, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `SELECT entry_json FROM image_entries WHERE image_id IN (` + placeholders(len(chunk)) + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				rows.Close()
				return nil, err
			}
			entry, err := decodeEntry(doc)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[entry.ImageID] = entry
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) SaveOne(ctx context.Context, entry *models.ImageEntry) error {
	return s.SaveBatch(ctx, []*models.ImageEntry{entry})
}

// SaveBatch upserts every entry in one transaction, then enforces the
// entry cap.
func (s *Store) SaveBatch(ctx context.Context, entries []*models.ImageEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save batch: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if entry == nil {
			return ErrNilEntry
		}
		s.opts.Limits.ApplyEntry(entry)
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("save %s: %w", entry.ImageID, err)
		}
		doc, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry %s: %w", entry.ImageID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO image_entries
			(image_id, account_id, created_at_ms, updated_at_ms, locked, attempt_count, entry_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(image_id) DO UPDATE SET
				account_id = excluded.account_id,
				created_at_ms = excluded.created_at_ms,
				updated_at_ms = excluded.updated_at_ms,
				locked = excluded.locked,
				attempt_count = excluded.attempt_count,
				entry_json = excluded.entry_json
		`,
			entry.ImageID,
			entry.AccountID,
			entry.CreatedAt.UnixMilli(),
			entry.UpdatedAt.UnixMilli(),
			boolInt(entry.CompletenessLock),
			len(entry.Attempts),
			string(doc),
		)
		if err != nil {
			return fmt.Errorf("save %s: %w", entry.ImageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save batch: commit: %w", err)
	}

	if s.opts.MaxEntries > 0 {
		if _, err := s.Prune(ctx, s.opts.MaxEntries); err != nil {
			return fmt.Errorf("save batch: prune: %w", err)
		}
	}
	return nil
}

// ListOptions filters List.
type ListOptions struct {
	AccountID string
	Limit     int
}

// List returns entries ordered by most recently updated first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*models.ImageEntry, error) {
	query := `SELECT entry_json FROM image_entries`
	var args []any
	if opts.AccountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, opts.AccountID)
	}
	query += ` ORDER BY updated_at_ms DESC, image_id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ImageEntry
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		entry, err := decodeEntry(doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM image_entries`).Scan(&count)
	return count, err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM image_entries WHERE image_id = ?`, id)
	return err
}

// Prune evicts the least recently updated entries beyond maxEntries and
// returns how many rows were removed.
func (s *Store) Prune(ctx context.Context, maxEntries int) (int64, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM image_entries WHERE image_id IN (
			SELECT image_id FROM image_entries
			ORDER BY updated_at_ms DESC, image_id ASC
			LIMIT -1 OFFSET ?
		)`, maxEntries)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func decodeEntry(doc string) (*models.ImageEntry, error) {
	var entry models.ImageEntry
	if err := json.Unmarshal([]byte(doc), &entry); err != nil {
		return nil, fmt.Errorf("failed to parse entry: %w", err)
	}
	if entry.Attempts == nil {
		entry.Attempts = []*models.Attempt{}
	}
	return &entry, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
