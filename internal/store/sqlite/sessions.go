package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	now := time.Now().UTC()
	if sess.Created.IsZero() {
		sess.Created = now
	}
	sess.Updated = now
	if sess.Status == "" {
		sess.Status = store.SessionCreated
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, agent_id, name, status, source,
		 initial_prompt, pid, total_cost_usd, total_algo_spent, total_turns,
		 credits_consumed, council_launch_id, council_role, work_dir,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nilStr(sess.ProjectID), sess.AgentID, sess.Name, sess.Status,
		sess.Source, sess.InitialPrompt, sess.PID, sess.TotalCostUSD,
		sess.TotalAlgoSpent, sess.TotalTurns, sess.CreditsConsumed,
		nilStr(sess.CouncilLaunchID), nilStr(sess.CouncilRole), sess.WorkDir,
		sess.Created, sess.Updated)
	return err
}

const sessionSelect = `SELECT id, project_id, agent_id, name, status, source,
 initial_prompt, pid, total_cost_usd, total_algo_spent, total_turns,
 credits_consumed, council_launch_id, council_role, work_dir, created_at,
 updated_at FROM sessions`

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	sess, err := scanSessionRow(s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sess, err
}

func scanSessionRow(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var projectID, launchID, role *string
	if err := row.Scan(&sess.ID, &projectID, &sess.AgentID, &sess.Name,
		&sess.Status, &sess.Source, &sess.InitialPrompt, &sess.PID,
		&sess.TotalCostUSD, &sess.TotalAlgoSpent, &sess.TotalTurns,
		&sess.CreditsConsumed, &launchID, &role, &sess.WorkDir,
		&sess.Created, &sess.Updated); err != nil {
		return nil, err
	}
	sess.ProjectID = derefStr(projectID)
	sess.CouncilLaunchID = derefStr(launchID)
	sess.CouncilRole = derefStr(role)
	return &sess, nil
}

// UpdateSessionStatus sets status and pid together, preserving the
// invariant pid != null ⇔ status == running.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string, pid *int) error {
	if status != store.SessionRunning {
		pid = nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, pid = ?, updated_at = ? WHERE id = ?`,
		status, pid, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddSessionUsage(ctx context.Context, id string, costUSD float64, turns int, credits int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET total_cost_usd = total_cost_usd + ?,
		 total_turns = total_turns + ?, credits_consumed = credits_consumed + ?,
		 updated_at = ? WHERE id = ?`,
		costUSD, turns, credits, time.Now().UTC(), id)
	return err
}

func (s *Store) AddSessionAlgoSpend(ctx context.Context, id string, micro int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET total_algo_spent = total_algo_spent + ?, updated_at = ?
		 WHERE id = ?`, micro, time.Now().UTC(), id)
	return err
}

func (s *Store) ListSessionsByLaunch(ctx context.Context, launchID string) ([]*store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		sessionSelect+` WHERE council_launch_id = ? ORDER BY created_at`, launchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = ?`, store.SessionRunning).Scan(&n)
	return n, err
}

// DeleteSession removes the session, its messages (FK cascade), and clears
// conversation references in one transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE algochat_conversations SET session_id = NULL WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AddMessage(ctx context.Context, m *store.SessionMessage) error {
	if m.Created.IsZero() {
		m.Created = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, role, content, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Content, m.CostUSD, m.Created)
	if err != nil {
		return err
	}
	m.RowID, _ = res.LastInsertId()
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*store.SessionMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_id, session_id, role, content, cost_usd, created_at
		 FROM session_messages WHERE session_id = ? ORDER BY row_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.SessionMessage
	for rows.Next() {
		var m store.SessionMessage
		if err := rows.Scan(&m.RowID, &m.SessionID, &m.Role, &m.Content,
			&m.CostUSD, &m.Created); err != nil {
			return nil, err
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

func (s *Store) LastAssistantMessage(ctx context.Context, sessionID string) (*store.SessionMessage, error) {
	var m store.SessionMessage
	err := s.db.QueryRowContext(ctx,
		`SELECT row_id, session_id, role, content, cost_usd, created_at
		 FROM session_messages WHERE session_id = ? AND role = 'assistant'
		 ORDER BY row_id DESC LIMIT 1`, sessionID).
		Scan(&m.RowID, &m.SessionID, &m.Role, &m.Content, &m.CostUSD, &m.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
