package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

const pskSelect = `SELECT id, nickname, network, initial_psk, mobile_address,
 active, created_at FROM psk_contacts`

func (s *Store) CreatePSKContact(ctx context.Context, c *store.PSKContact) error {
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO psk_contacts (id, nickname, network, initial_psk,
		 mobile_address, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Nickname, c.Network, c.InitialPSK,
		nilStr(c.MobileAddress), boolToInt(c.Active), c.Created)
	return err
}

func (s *Store) ListPSKContacts(ctx context.Context, activeOnly bool) ([]*store.PSKContact, error) {
	query := pskSelect + ` ORDER BY created_at`
	if activeOnly {
		query = pskSelect + ` WHERE active = 1 ORDER BY created_at`
	}
	return s.queryPSKContacts(ctx, query)
}

func (s *Store) ListUnmatchedPSKContacts(ctx context.Context) ([]*store.PSKContact, error) {
	return s.queryPSKContacts(ctx,
		pskSelect+` WHERE active = 1 AND (mobile_address IS NULL OR mobile_address = '')
		 ORDER BY created_at`)
}

func (s *Store) queryPSKContacts(ctx context.Context, query string, args ...any) ([]*store.PSKContact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.PSKContact
	for rows.Next() {
		var c store.PSKContact
		var addr *string
		var active int
		if err := rows.Scan(&c.ID, &c.Nickname, &c.Network, &c.InitialPSK,
			&addr, &active, &c.Created); err != nil {
			return nil, err
		}
		c.MobileAddress = derefStr(addr)
		c.Active = active == 1
		result = append(result, &c)
	}
	return result, rows.Err()
}

func (s *Store) SetPSKContactAddress(ctx context.Context, id, mobileAddress string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE psk_contacts SET mobile_address = ? WHERE id = ?`, mobileAddress, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeactivatePSKContactsByAddress dethrones any other contact claiming the
// address on the network and drops its ratchet state, keeping the
// one-active-claimant-per-address rule.
func (s *Store) DeactivatePSKContactsByAddress(ctx context.Context, network, address, exceptID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE psk_contacts SET active = 0
		 WHERE network = ? AND mobile_address = ? AND id != ?`,
		network, address, exceptID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM algochat_psk_state WHERE address_key = ?`,
		network+":"+address); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetPSKState(ctx context.Context, addressKey string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM algochat_psk_state WHERE address_key = ?`, addressKey).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return state, err
}

func (s *Store) SetPSKState(ctx context.Context, addressKey string, state []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO algochat_psk_state (address_key, state, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(address_key) DO UPDATE SET state = excluded.state,
		 updated_at = excluded.updated_at`, addressKey, state, time.Now().UTC())
	return err
}

func (s *Store) DeletePSKState(ctx context.Context, addressKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM algochat_psk_state WHERE address_key = ?`, addressKey)
	return err
}
