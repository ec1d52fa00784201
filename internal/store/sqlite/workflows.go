package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func (s *Store) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	now := time.Now().UTC()
	if w.Created.IsZero() {
		w.Created = now
	}
	w.Updated = now
	if w.MaxConcurrency < 1 {
		w.MaxConcurrency = 1
	}
	nodes, _ := json.Marshal(w.Nodes)
	edges, _ := json.Marshal(w.Edges)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, agent_id, name, status, default_project_id,
		 max_concurrency, nodes, edges, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.AgentID, w.Name, w.Status, nilStr(w.DefaultProjectID),
		w.MaxConcurrency, string(nodes), string(edges), w.Created, w.Updated)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	var w store.Workflow
	var projectID *string
	var nodes, edges string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, status, default_project_id, max_concurrency,
		 nodes, edges, created_at, updated_at FROM workflows WHERE id = ?`, id).
		Scan(&w.ID, &w.AgentID, &w.Name, &w.Status, &projectID,
			&w.MaxConcurrency, &nodes, &edges, &w.Created, &w.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.DefaultProjectID = derefStr(projectID)
	json.Unmarshal([]byte(nodes), &w.Nodes)
	json.Unmarshal([]byte(edges), &w.Edges)
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]*store.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*store.Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, nil
}

func (s *Store) CreateRun(ctx context.Context, r *store.WorkflowRun) error {
	if r.Started.IsZero() {
		r.Started = time.Now().UTC()
	}
	input, _ := json.Marshal(r.Input)
	output, _ := json.Marshal(r.Output)
	nodes, _ := json.Marshal(r.Nodes)
	edges, _ := json.Marshal(r.Edges)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, status, input, output, nodes,
		 edges, current_node_ids, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.Status, string(input), string(output),
		string(nodes), string(edges), strings.Join(r.CurrentNodeIDs, ","),
		nilStr(r.Error), r.Started, r.Completed)
	return err
}

func (s *Store) GetRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	var r store.WorkflowRun
	var input, output, nodes, edges, current string
	var errMsg *string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, input, output, nodes, edges,
		 COALESCE(current_node_ids, ''), error, started_at, completed_at
		 FROM workflow_runs WHERE id = ?`, id).
		Scan(&r.ID, &r.WorkflowID, &r.Status, &input, &output, &nodes, &edges,
			&current, &errMsg, &r.Started, &r.Completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(input), &r.Input)
	json.Unmarshal([]byte(output), &r.Output)
	json.Unmarshal([]byte(nodes), &r.Nodes)
	json.Unmarshal([]byte(edges), &r.Edges)
	if current != "" {
		r.CurrentNodeIDs = strings.Split(current, ",")
	}
	r.Error = derefStr(errMsg)
	return &r, nil
}

func (s *Store) UpdateRun(ctx context.Context, r *store.WorkflowRun) error {
	output, _ := json.Marshal(r.Output)
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, output = ?, current_node_ids = ?,
		 error = ?, completed_at = ? WHERE id = ?`,
		r.Status, string(output), strings.Join(r.CurrentNodeIDs, ","),
		nilStr(r.Error), r.Completed, r.ID)
	return err
}

// CreateNodeRun inserts a node run unless one already exists for
// (run_id, node_id); the UNIQUE constraint makes re-enqueueing idempotent.
func (s *Store) CreateNodeRun(ctx context.Context, nr *store.WorkflowNodeRun) (bool, error) {
	input, _ := json.Marshal(nr.Input)
	output, _ := json.Marshal(nr.Output)
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO workflow_node_runs (id, run_id, node_id, node_type,
		 status, input, output, session_id, work_task_id, error, started_at,
		 completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nr.ID, nr.RunID, nr.NodeID, nr.NodeType, nr.Status, string(input),
		string(output), nilStr(nr.SessionID), nilStr(nr.WorkTaskID),
		nilStr(nr.Error), nr.Started, nr.Completed)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) UpdateNodeRun(ctx context.Context, nr *store.WorkflowNodeRun) error {
	output, _ := json.Marshal(nr.Output)
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_node_runs SET status = ?, output = ?, session_id = ?,
		 work_task_id = ?, error = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		nr.Status, string(output), nilStr(nr.SessionID), nilStr(nr.WorkTaskID),
		nilStr(nr.Error), nr.Started, nr.Completed, nr.ID)
	return err
}

func (s *Store) ListNodeRuns(ctx context.Context, runID string) ([]*store.WorkflowNodeRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, node_type, status, input, output,
		 session_id, work_task_id, error, started_at, completed_at
		 FROM workflow_node_runs WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.WorkflowNodeRun
	for rows.Next() {
		var nr store.WorkflowNodeRun
		var input, output string
		var sessionID, taskID, errMsg *string
		if err := rows.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nr.NodeType,
			&nr.Status, &input, &output, &sessionID, &taskID, &errMsg,
			&nr.Started, &nr.Completed); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(input), &nr.Input)
		json.Unmarshal([]byte(output), &nr.Output)
		nr.SessionID = derefStr(sessionID)
		nr.WorkTaskID = derefStr(taskID)
		nr.Error = derefStr(errMsg)
		result = append(result, &nr)
	}
	return result, rows.Err()
}
