package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func (s *Store) CreateCouncil(ctx context.Context, c *store.Council) error {
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}
	members, _ := json.Marshal(c.MemberAgentIDs)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO councils (id, name, description, member_agent_ids,
		 chairman_agent_id, discussion_rounds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, string(members),
		nilStr(c.ChairmanAgentID), c.DiscussionRounds, c.Created)
	return err
}

const councilSelect = `SELECT id, name, description, member_agent_ids,
 chairman_agent_id, discussion_rounds, created_at FROM councils`

func (s *Store) GetCouncil(ctx context.Context, id string) (*store.Council, error) {
	return scanCouncil(s.db.QueryRowContext(ctx, councilSelect+` WHERE id = ?`, id))
}

func (s *Store) GetCouncilByName(ctx context.Context, name string) (*store.Council, error) {
	return scanCouncil(s.db.QueryRowContext(ctx, councilSelect+` WHERE name = ? COLLATE NOCASE`, name))
}

func (s *Store) ListCouncils(ctx context.Context) ([]*store.Council, error) {
	rows, err := s.db.QueryContext(ctx, councilSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.Council
	for rows.Next() {
		c, err := scanCouncilRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanCouncil(row *sql.Row) (*store.Council, error) {
	c, err := scanCouncilRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

func scanCouncilRow(row rowScanner) (*store.Council, error) {
	var c store.Council
	var members string
	var chairman *string
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &members,
		&chairman, &c.DiscussionRounds, &c.Created); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(members), &c.MemberAgentIDs)
	c.ChairmanAgentID = derefStr(chairman)
	return &c, nil
}

func (s *Store) CreateLaunch(ctx context.Context, l *store.CouncilLaunch) error {
	now := time.Now().UTC()
	if l.Created.IsZero() {
		l.Created = now
	}
	l.Updated = now
	if l.Stage == "" {
		l.Stage = store.StageQueued
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO council_launches (id, council_id, project_id, prompt, stage,
		 synthesis, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CouncilID, nilStr(l.ProjectID), l.Prompt, l.Stage,
		nilStr(l.Synthesis), nilStr(l.Error), l.Created, l.Updated)
	return err
}

func (s *Store) GetLaunch(ctx context.Context, id string) (*store.CouncilLaunch, error) {
	var l store.CouncilLaunch
	var projectID, synthesis, errMsg *string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, council_id, project_id, prompt, stage, synthesis, error,
		 created_at, updated_at FROM council_launches WHERE id = ?`, id).
		Scan(&l.ID, &l.CouncilID, &projectID, &l.Prompt, &l.Stage,
			&synthesis, &errMsg, &l.Created, &l.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.ProjectID = derefStr(projectID)
	l.Synthesis = derefStr(synthesis)
	l.Error = derefStr(errMsg)
	return &l, nil
}

func (s *Store) UpdateLaunchStage(ctx context.Context, id, stage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE council_launches SET stage = ?, updated_at = ? WHERE id = ?`,
		stage, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetLaunchSynthesis(ctx context.Context, id, synthesis string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE council_launches SET synthesis = ?, updated_at = ? WHERE id = ?`,
		synthesis, time.Now().UTC(), id)
	return err
}

func (s *Store) SetLaunchError(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE council_launches SET error = ?, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id)
	return err
}

func (s *Store) AddDiscussionMessage(ctx context.Context, m *store.DiscussionMessage) error {
	if m.Created.IsZero() {
		m.Created = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO council_discussion_messages (launch_id, agent_id, agent_name,
		 round, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.LaunchID, m.AgentID, m.AgentName, m.Round, m.Content, m.Created)
	if err != nil {
		return err
	}
	m.RowID, _ = res.LastInsertId()
	return nil
}

func (s *Store) ListDiscussionMessages(ctx context.Context, launchID string) ([]*store.DiscussionMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_id, launch_id, agent_id, agent_name, round, content, created_at
		 FROM council_discussion_messages WHERE launch_id = ?
		 ORDER BY round, row_id`, launchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.DiscussionMessage
	for rows.Next() {
		var m store.DiscussionMessage
		if err := rows.Scan(&m.RowID, &m.LaunchID, &m.AgentID, &m.AgentName,
			&m.Round, &m.Content, &m.Created); err != nil {
			return nil, err
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}
