package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func (s *Store) CreateSchedule(ctx context.Context, sch *store.Schedule) error {
	now := time.Now().UTC()
	if sch.Created.IsZero() {
		sch.Created = now
	}
	sch.Updated = now
	if sch.Status == "" {
		sch.Status = store.ScheduleActive
	}
	if sch.ApprovalPolicy == "" {
		sch.ApprovalPolicy = store.ApprovalAuto
	}
	actions, _ := json.Marshal(sch.Actions)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, agent_id, name, description, status,
		 cron_expression, interval_ms, actions, approval_policy, next_run_at,
		 execution_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.AgentID, sch.Name, sch.Description, sch.Status,
		nilStr(sch.CronExpression), sch.IntervalMs, string(actions),
		sch.ApprovalPolicy, sch.NextRunAt, sch.ExecutionCount,
		sch.Created, sch.Updated)
	return err
}

const scheduleSelect = `SELECT id, agent_id, name, description, status,
 cron_expression, interval_ms, actions, approval_policy, next_run_at,
 execution_count, created_at, updated_at FROM schedules`

func (s *Store) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	sch, err := scanScheduleRow(s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sch, err
}

func scanScheduleRow(row rowScanner) (*store.Schedule, error) {
	var sch store.Schedule
	var cron *string
	var intervalMs *int64
	var actions string
	if err := row.Scan(&sch.ID, &sch.AgentID, &sch.Name, &sch.Description,
		&sch.Status, &cron, &intervalMs, &actions, &sch.ApprovalPolicy,
		&sch.NextRunAt, &sch.ExecutionCount, &sch.Created, &sch.Updated); err != nil {
		return nil, err
	}
	sch.CronExpression = derefStr(cron)
	if intervalMs != nil {
		sch.IntervalMs = *intervalMs
	}
	json.Unmarshal([]byte(actions), &sch.Actions)
	return &sch, nil
}

func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*store.Schedule, error) {
	return s.querySchedules(ctx,
		scheduleSelect+` WHERE status = ? AND next_run_at <= ? ORDER BY next_run_at`,
		store.ScheduleActive, now)
}

func (s *Store) ListSchedules(ctx context.Context) ([]*store.Schedule, error) {
	return s.querySchedules(ctx, scheduleSelect+` ORDER BY created_at`)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]*store.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.Schedule
	for rows.Next() {
		sch, err := scanScheduleRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sch)
	}
	return result, rows.Err()
}

// ClaimSchedule is a compare-and-set on next_run_at so a schedule fires at
// most once per due time even if two ticks observe it.
func (s *Store) ClaimSchedule(ctx context.Context, id string, prev, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = ?, execution_count = execution_count + 1,
		 updated_at = ? WHERE id = ? AND next_run_at = ?`,
		next, time.Now().UTC(), id, prev)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) UpdateScheduleNextRun(ctx context.Context, id string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		next, time.Now().UTC(), id)
	return err
}

func (s *Store) AddScheduleExecution(ctx context.Context, e *store.ScheduleExecution) error {
	if e.Created.IsZero() {
		e.Created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_executions (id, schedule_id, action_type, session_id,
		 outcome, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ScheduleID, e.ActionType, nilStr(e.SessionID), e.Outcome,
		nilStr(e.Error), e.Created)
	return err
}

func (s *Store) ListScheduleExecutions(ctx context.Context, scheduleID string, limit int) ([]*store.ScheduleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, action_type, session_id, outcome, error, created_at
		 FROM schedule_executions WHERE schedule_id = ?
		 ORDER BY created_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.ScheduleExecution
	for rows.Next() {
		var e store.ScheduleExecution
		var sessionID, errMsg *string
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.ActionType, &sessionID,
			&e.Outcome, &errMsg, &e.Created); err != nil {
			return nil, err
		}
		e.SessionID = derefStr(sessionID)
		e.Error = derefStr(errMsg)
		result = append(result, &e)
	}
	return result, rows.Err()
}
