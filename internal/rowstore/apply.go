package rowstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Op is one persistence operation derived from a change record: delete
// the exact rows in DeleteExact, purge the subtree at DeletePath, then
// upsert the new leaves. Deletes always run first, so a path switching
// from branch to leaf never keeps stale child rows and a path gaining
// children never keeps a stale ancestor leaf row.
type Op struct {
	DeletePath  string
	DeleteExact []string
	Upserts     []Entry
}

// Apply executes a full change set in one transaction and bumps the
// generation token with it, so readers either see the whole applied
// change set or none of it.
func (s *Store) Apply(ctx context.Context, ops []Op) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin apply: %w", err)
	}
	defer tx.Rollback()

	del, err := tx.PrepareContext(ctx,
		`DELETE FROM config_entries WHERE path = ? OR path LIKE ? ESCAPE '\'`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer del.Close()

	delExact, err := tx.PrepareContext(ctx,
		`DELETE FROM config_entries WHERE path = ?`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare exact delete: %w", err)
	}
	defer delExact.Close()

	ups, err := tx.PrepareContext(ctx, `
	INSERT INTO config_entries (path, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer ups.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, op := range ops {
		for _, p := range op.DeleteExact {
			if _, err := delExact.ExecContext(ctx, p); err != nil {
				return 0, fmt.Errorf("failed to delete %s: %w", p, err)
			}
		}
		if op.DeletePath != "" {
			if _, err := del.ExecContext(ctx, op.DeletePath, likePrefix(op.DeletePath)+".%"); err != nil {
				return 0, fmt.Errorf("failed to delete %s: %w", op.DeletePath, err)
			}
		}
		for _, e := range op.Upserts {
			if _, err := ups.ExecContext(ctx, e.Path, e.Value, now); err != nil {
				return 0, fmt.Errorf("failed to upsert %s: %w", e.Path, err)
			}
		}
	}

	gen, err := bumpGenerationTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit apply: %w", err)
	}
	return gen, nil
}

// Replace swaps the entire entry set for a new one in one transaction,
// bumping the generation. Used by rebuild.
func (s *Store) Replace(ctx context.Context, entries []Entry) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM config_entries`); err != nil {
		return 0, fmt.Errorf("failed to clear entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO config_entries (path, value, updated_at) VALUES (?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Path, e.Value, now); err != nil {
			return 0, fmt.Errorf("failed to insert %s: %w", e.Path, err)
		}
	}

	gen, err := bumpGenerationTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit replace: %w", err)
	}
	return gen, nil
}

func bumpGenerationTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	row := tx.QueryRowContext(ctx, `
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
