package sqlite

import (
	"context"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func (s *Store) SaveHealthSnapshot(ctx context.Context, h *store.HealthSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_snapshots (id, agent_id, project_id, tsc_errors,
		 test_failures, todos, fixmes, hacks, large_files, outdated_deps,
		 tsc_passed, tests_passed, collected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.AgentID, h.ProjectID, h.TscErrors, h.TestFailures, h.Todos,
		h.Fixmes, h.Hacks, h.LargeFiles, h.OutdatedDeps,
		boolToInt(h.TscPassed), boolToInt(h.TestsPassed), h.CollectedAt)
	return err
}

// RecentHealthSnapshots returns the newest snapshots first (collected_at DESC).
func (s *Store) RecentHealthSnapshots(ctx context.Context, agentID, projectID string, limit int) ([]*store.HealthSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, project_id, tsc_errors, test_failures, todos,
		 fixmes, hacks, large_files, outdated_deps, tsc_passed, tests_passed,
		 collected_at FROM health_snapshots
		 WHERE agent_id = ? AND project_id = ?
		 ORDER BY collected_at DESC LIMIT ?`, agentID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*store.HealthSnapshot
	for rows.Next() {
		var h store.HealthSnapshot
		var tsc, tests int
		if err := rows.Scan(&h.ID, &h.AgentID, &h.ProjectID, &h.TscErrors,
			&h.TestFailures, &h.Todos, &h.Fixmes, &h.Hacks, &h.LargeFiles,
			&h.OutdatedDeps, &tsc, &tests, &h.CollectedAt); err != nil {
			return nil, err
		}
		h.TscPassed = tsc == 1
		h.TestsPassed = tests == 1
		result = append(result, &h)
	}
	return result, rows.Err()
}
