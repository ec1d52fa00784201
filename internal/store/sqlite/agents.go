package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func (s *Store) CreateAgent(ctx context.Context, a *store.Agent) error {
	if a.Created.IsZero() {
		a.Created = time.Now().UTC()
	}
	a.Updated = a.Created
	tools, _ := json.Marshal(a.AllowedTools)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, model, default_project_id, wallet_address,
		 algochat_enabled, algochat_auto, allowed_tools, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Model, nilStr(a.DefaultProjectID), nilStr(a.WalletAddress),
		boolToInt(a.AlgoChatEnabled), boolToInt(a.AlgoChatAuto), string(tools),
		a.Created, a.Updated)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, agentSelect+` WHERE id = ?`, id))
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*store.Agent, error) {
	return s.scanAgent(s.db.QueryRowContext(ctx, agentSelect+` WHERE name = ? COLLATE NOCASE`, name))
}

func (s *Store) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	return s.queryAgents(ctx, agentSelect+` ORDER BY created_at`)
}

func (s *Store) ListAlgoChatAgents(ctx context.Context) ([]*store.Agent, error) {
	return s.queryAgents(ctx,
		agentSelect+` WHERE algochat_enabled = 1 ORDER BY algochat_auto DESC, created_at`)
}

const agentSelect = `SELECT id, name, model, default_project_id, wallet_address,
 algochat_enabled, algochat_auto, allowed_tools, created_at, updated_at FROM agents`

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]*store.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAgent(row *sql.Row) (*store.Agent, error) {
	a, err := scanAgentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return a, err
}

func scanAgentRow(row rowScanner) (*store.Agent, error) {
	var a store.Agent
	var projectID, wallet, tools *string
	var enabled, auto int
	if err := row.Scan(&a.ID, &a.Name, &a.Model, &projectID, &wallet,
		&enabled, &auto, &tools, &a.Created, &a.Updated); err != nil {
		return nil, err
	}
	a.DefaultProjectID = derefStr(projectID)
	a.WalletAddress = derefStr(wallet)
	a.AlgoChatEnabled = enabled == 1
	a.AlgoChatAuto = auto == 1
	if tools != nil && *tools != "" {
		json.Unmarshal([]byte(*tools), &a.AllowedTools)
	}
	return &a, nil
}

func (s *Store) CreateProject(ctx context.Context, p *store.Project) error {
	if p.Created.IsZero() {
		p.Created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.Created)
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (*store.Project, error) {
	var p store.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Path, &p.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
