package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func (s *Store) AddAlgoSpend(ctx context.Context, day string, micro int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO algo_spend_ledger (day, micro_spent) VALUES (?, ?)
		 ON CONFLICT(day) DO UPDATE SET micro_spent = micro_spent + excluded.micro_spent`,
		day, micro)
	return err
}

func (s *Store) AlgoSpentOn(ctx context.Context, day string) (int64, error) {
	var micro int64
	err := s.db.QueryRowContext(ctx,
		`SELECT micro_spent FROM algo_spend_ledger WHERE day = ?`, day).Scan(&micro)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return micro, err
}

func (s *Store) CreateWorkTask(ctx context.Context, t *store.WorkTask) error {
	if t.Created.IsZero() {
		t.Created = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = "created"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO work_tasks (id, agent_id, description, branch, session_id,
		 status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.Description, t.Branch, nilStr(t.SessionID),
		t.Status, t.Created)
	return err
}

// CountWorkTasksToday counts tasks created since UTC midnight.
func (s *Store) CountWorkTasksToday(ctx context.Context) (int, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_tasks WHERE created_at >= ?`, midnight).Scan(&n)
	return n, err
}

func (s *Store) CreateWebhook(ctx context.Context, w *store.WebhookRegistration) error {
	if w.Created.IsZero() {
		w.Created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_registrations (id, agent_id, name, secret, prompt,
		 active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.AgentID, w.Name, w.Secret, w.Prompt, boolToInt(w.Active), w.Created)
	return err
}

const webhookSelect = `SELECT id, agent_id, name, secret, prompt, active,
 created_at FROM webhook_registrations`

func (s *Store) GetWebhook(ctx context.Context, id string) (*store.WebhookRegistration, error) {
	w, err := scanWebhookRow(s.db.QueryRowContext(ctx, webhookSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return w, err
}

func scanWebhookRow(row rowScanner) (*store.WebhookRegistration, error) {
	var w store.WebhookRegistration
	var active int
	if err := row.Scan(&w.ID, &w.AgentID, &w.Name, &w.Secret, &w.Prompt,
		&active, &w.Created); err != nil {
		return nil, err
	}
	w.Active = active == 1
	return &w, nil
}

func (s *Store) UpdateWebhook(ctx context.Context, w *store.WebhookRegistration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_registrations SET name = ?, secret = ?, prompt = ?,
		 active = ? WHERE id = ?`,
		w.Name, w.Secret, w.Prompt, boolToInt(w.Active), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_registrations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListWebhooks(ctx context.Context) ([]*store.WebhookRegistration, error) {
	rows, err := s.db.QueryContext(ctx, webhookSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.WebhookRegistration
	for rows.Next() {
		w, err := scanWebhookRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (s *Store) AddWebhookDelivery(ctx context.Context, d *store.WebhookDelivery) error {
	if d.Created.IsZero() {
		d.Created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, event_key, payload,
		 session_id, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.EventKey, d.Payload, nilStr(d.SessionID),
		d.Status, d.Created)
	return err
}

func (s *Store) ListWebhookDeliveries(ctx context.Context, webhookID string, limit int) ([]*store.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, webhook_id, event_key, payload, session_id, status, created_at
		 FROM webhook_deliveries WHERE (? = '' OR webhook_id = ?)
		 ORDER BY created_at DESC LIMIT ?`, webhookID, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.WebhookDelivery
	for rows.Next() {
		var d store.WebhookDelivery
		var sessionID *string
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventKey, &d.Payload,
			&sessionID, &d.Status, &d.Created); err != nil {
			return nil, err
		}
		d.SessionID = derefStr(sessionID)
		result = append(result, &d)
	}
	return result, rows.Err()
}
