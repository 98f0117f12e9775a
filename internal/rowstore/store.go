// Package rowstore provides the authoritative runtime store for the
// configuration tree: a SQLite-backed path/value table plus the
// generation token used for cache invalidation.
//
// The database runs embedded (ncruces/go-sqlite3) with WAL mode so
// readers stay concurrent with the single writer. Each leaf of the
// flattened tree is one row; values are stored in their canonical
// encoding (see the tree package), so equality checks against stored
// state never need to reconstruct Go values.
//
// Layout:
//   - config_entries: path TEXT PRIMARY KEY, value TEXT
//   - config_meta:    generation counter, schema version, degraded flag
package rowstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/canopyhq/canopy/internal/tree"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Meta keys used in config_meta.
const (
	MetaGeneration       = "generation"
	MetaSchemaVersion    = "schema_version"
	MetaExternalDegraded = "external_degraded"
)

// Entry is one stored path/value pair. Value holds the canonical
// encoding produced by tree.Encode.
type Entry struct {
	Path  string
	Value string
}

// Store wraps the SQLite connection holding the internal config tree.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the row store at the given file path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS config_entries (
		path TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS config_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT INTO config_meta (key, value) VALUES ('generation', '0')
		ON CONFLICT(key) DO NOTHING;
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// LoadAll reads every stored entry in path order.
func (s *Store) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT path, value FROM config_entries ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.Value); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return entries, nil
}

// LoadTree reconstructs the full configuration tree from stored rows.
func (s *Store) LoadTree(ctx context.Context) (tree.Tree, error) {
	entries, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	flat := make(map[string]any, len(entries))
	for _, e := range entries {
		v, err := tree.Decode(e.Value)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.Path, err)
		}
		flat[e.Path] = v
	}
	return tree.Unflatten(flat), nil
}

// Upsert writes a batch of entries in one transaction.
func (s *Store) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO config_entries (path, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Path, e.Value, now); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", e.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Delete removes entries by exact path in one transaction.
func (s *Store) Delete(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM config_entries WHERE path = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, p := range paths {
		if _, err := stmt.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// DeleteSubtree removes the entry at path and every entry below it.
// Used both for subtree removal and to purge child rows before a path
// becomes a scalar leaf (a path cannot be branch and leaf at once).
func (s *Store) DeleteSubtree(ctx context.Context, path string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM config_entries WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		path, likePrefix(path)+".%")
	if err != nil {
		return fmt.Errorf("failed to delete subtree %s: %w", path, err)
	}
	return nil
}

// Clear removes every entry. Used by rebuild before re-deriving the
// whole tree.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM config_entries`); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM config_entries`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

// Generation reads the current generation token.
func (s *Store) Generation(ctx context.Context) (int64, error) {
	v, err := s.MetaGet(ctx, MetaGeneration)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	gen, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid generation token %q: %w", v, err)
	}
	return gen, nil
}

// BumpGeneration atomically increments the generation token and
// returns the new value. Every writer that changes entry data must
// bump; readers key their cache by the current value.
func (s *Store) BumpGeneration(ctx context.Context) (int64, error) {
	row := s.conn.QueryRowContext(ctx, `
	UPDATE config_meta SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)
	WHERE key = ?
	RETURNING CAST(value AS INTEGER)
	`, MetaGeneration)
	var gen int64
	if err := row.Scan(&gen); err != nil {
		return 0, fmt.Errorf("failed to bump generation: %w", err)
	}
	return gen, nil
}

// MetaGet reads a metadata value, empty string when unset.
func (s *Store) MetaGet(ctx context.Context, key string) (string, error) {
	var v string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM config_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return v, nil
}

// MetaSet writes a metadata value.
func (s *Store) MetaSet(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO config_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// likePrefix escapes LIKE metacharacters in a path prefix.
func likePrefix(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, path[i])
	}
	return string(out)
}
