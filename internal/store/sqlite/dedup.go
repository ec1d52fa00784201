package sqlite

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

// ReplaceDedupNamespace swaps the persisted snapshot of one namespace in a
// single transaction, so a crash mid-flush never leaves a partial set.
func (s *Store) ReplaceDedupNamespace(ctx context.Context, namespace string, entries []store.DedupEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dedup_state WHERE namespace = ?`, namespace); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO dedup_state (namespace, key, expires_at) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, namespace, e.Key, e.ExpiresAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LoadDedupNamespace(ctx context.Context, namespace string, now time.Time) ([]store.DedupEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, expires_at FROM dedup_state
		 WHERE namespace = ? AND expires_at > ?`, namespace, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.DedupEntry
	for rows.Next() {
		var e store.DedupEntry
		if err := rows.Scan(&e.Key, &e.ExpiresAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
