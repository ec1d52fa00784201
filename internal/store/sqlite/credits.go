package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func (s *Store) GetCreditBalance(ctx context.Context, address string) (int64, error) {
	var credits int64
	err := s.db.QueryRowContext(ctx,
		`SELECT credits FROM credit_balances WHERE address = ?`, address).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return credits, err
}

// AddCredits applies the delta and writes the ledger row in one transaction.
func (s *Store) AddCredits(ctx context.Context, address string, delta int64, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_balances (address, credits, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET credits = credits + excluded.credits,
		 updated_at = excluded.updated_at`, address, delta, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (address, delta, reason, created_at)
		 VALUES (?, ?, ?, ?)`, address, delta, reason, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListCreditTransactions(ctx context.Context, address string, limit int) ([]*store.CreditTransaction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_id, address, delta, reason, created_at FROM credit_transactions
		 WHERE address = ? ORDER BY row_id DESC LIMIT ?`, address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.CreditTransaction
	for rows.Next() {
		var t store.CreditTransaction
		if err := rows.Scan(&t.RowID, &t.Address, &t.Delta, &t.Reason, &t.Created); err != nil {
			return nil, err
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}
