// Package historycache keeps the most recent transcription history on disk so
// the desktop can show it before the engine has been hydrated.
package historycache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"keyvoxdesk/internal/domain"
)

const DefaultKeep = 200

const schema = `
CREATE TABLE IF NOT EXISTS history (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id    INTEGER UNIQUE,
	created_at  TEXT NOT NULL DEFAULT '',
	text        TEXT NOT NULL,
	duration_ms INTEGER,
	backend     TEXT NOT NULL DEFAULT '',
	model       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT ''
);`

// Cache is a small SQLite-backed ring of history entries.
type Cache struct {
	db   *sql.DB
	keep int
}

// Open creates or opens the cache at path. Use ":memory:" for tests.
func Open(path string, keep int) (*Cache, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history cache: %w", err)
	}
	// One connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Cache{db: db, keep: keep}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Replace discards the cache and stores entries, which are newest first.
func (c *Cache) Replace(ctx context.Context, entries []domain.HistoryEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if err := insert(ctx, tx, entries[i]); err != nil {
			return err
		}
	}
	if err := trim(ctx, tx, c.keep); err != nil {
		return err
	}
	return tx.Commit()
}

// Append stores entry as the newest. An entry with a known id replaces its
// previous copy.
func (c *Cache) Append(ctx context.Context, entry domain.HistoryEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if err := insert(ctx, tx, entry); err != nil {
		return err
	}
	if err := trim(ctx, tx, c.keep); err != nil {
		return err
	}
	return tx.Commit()
}

// Recent returns up to limit entries, newest first.
func (c *Cache) Recent(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = c.keep
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT entry_id, created_at, text, duration_ms, backend, model, status
		FROM history
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []domain.HistoryEntry{}
	for rows.Next() {
		var e domain.HistoryEntry
		var id, duration sql.NullInt64
		if err := rows.Scan(&id, &e.CreatedAt, &e.Text, &duration, &e.Backend, &e.Model, &e.Status); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if id.Valid {
			e.ID = id.Int64
		}
		if duration.Valid {
			d := duration.Int64
			e.DurationMS = &d
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insert(ctx context.Context, tx *sql.Tx, e domain.HistoryEntry) error {
	var id, duration sql.NullInt64
	if e.ID != 0 {
		id = sql.NullInt64{Int64: e.ID, Valid: true}
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE entry_id = ?`, e.ID); err != nil {
			return fmt.Errorf("drop previous entry %d: %w", e.ID, err)
		}
	}
	if e.DurationMS != nil {
		duration = sql.NullInt64{Int64: *e.DurationMS, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO history (entry_id, created_at, text, duration_ms, backend, model, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, e.CreatedAt, e.Text, duration, e.Backend, e.Model, e.Status)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func trim(ctx context.Context, tx *sql.Tx, keep int) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM history
		WHERE seq NOT IN (SELECT seq FROM history ORDER BY seq DESC LIMIT ?)
	`, keep)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}
