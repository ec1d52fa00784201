package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionStatusPIDInvariant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, &store.Agent{ID: "a1", Name: "coder"}))
	require.NoError(t, s.CreateSession(ctx, &store.Session{
		ID: "s1", AgentID: "a1", Source: store.SourceWeb,
	}))

	pid := 4242
	require.NoError(t, s.UpdateSessionStatus(ctx, "s1", store.SessionRunning, &pid))
	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sess.PID)
	require.Equal(t, 4242, *sess.PID)

	// Any non-running status must null the pid even if a pid is passed.
	require.NoError(t, s.UpdateSessionStatus(ctx, "s1", store.SessionStopped, &pid))
	sess, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, sess.PID)
	require.Equal(t, store.SessionStopped, sess.Status)
}

func TestDeleteSessionCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, &store.Agent{ID: "a1", Name: "coder"}))
	require.NoError(t, s.CreateSession(ctx, &store.Session{ID: "s1", AgentID: "a1", Source: store.SourceWeb}))
	require.NoError(t, s.AddMessage(ctx, &store.SessionMessage{SessionID: "s1", Role: "user", Content: "hi"}))
	require.NoError(t, s.UpsertConversation(ctx, &store.Conversation{
		ID: "c1", ParticipantAddr: "ADDR1", AgentID: "a1", SessionID: "s1",
	}))

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	_, err := s.GetSession(ctx, "s1")
	require.ErrorIs(t, err, store.ErrNotFound)
	msgs, err := s.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, msgs)

	conv, err := s.GetConversation(ctx, "ADDR1")
	require.NoError(t, err)
	require.Empty(t, conv.SessionID)
	require.Equal(t, "a1", conv.AgentID)
}

func TestConversationRoundMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertConversation(ctx, &store.Conversation{
		ID: "c1", ParticipantAddr: "ADDR1", LastRound: 100,
	}))
	require.NoError(t, s.SetConversationRound(ctx, "c1", 250))
	require.NoError(t, s.SetConversationRound(ctx, "c1", 200)) // stale, ignored

	conv, err := s.GetConversation(ctx, "ADDR1")
	require.NoError(t, err)
	require.Equal(t, uint64(250), conv.LastRound)
}

func TestCreateNodeRunIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &store.Workflow{ID: "w1", AgentID: "a1", Name: "wf", Status: store.WorkflowActive}
	require.NoError(t, s.CreateWorkflow(ctx, w))
	require.NoError(t, s.CreateRun(ctx, &store.WorkflowRun{
		ID: "r1", WorkflowID: "w1", Status: store.RunRunning,
	}))

	created, err := s.CreateNodeRun(ctx, &store.WorkflowNodeRun{
		ID: "nr1", RunID: "r1", NodeID: "n1", NodeType: "agent_session", Status: store.NodePending,
	})
	require.NoError(t, err)
	require.True(t, created)

	// Second insert for the same (run, node) is a no-op.
	created, err = s.CreateNodeRun(ctx, &store.WorkflowNodeRun{
		ID: "nr2", RunID: "r1", NodeID: "n1", NodeType: "agent_session", Status: store.NodePending,
	})
	require.NoError(t, err)
	require.False(t, created)

	runs, err := s.ListNodeRuns(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "nr1", runs[0].ID)
}

func TestClaimScheduleSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	due := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	next := due.Add(time.Hour)
	require.NoError(t, s.CreateSchedule(ctx, &store.Schedule{
		ID: "sch1", AgentID: "a1", Name: "hourly", IntervalMs: 3600000, NextRunAt: due,
	}))

	ok, err := s.ClaimSchedule(ctx, "sch1", due, next)
	require.NoError(t, err)
	require.True(t, ok)

	// A second tick that saw the same due time loses the claim.
	ok, err = s.ClaimSchedule(ctx, "sch1", due, next.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	sch, err := s.GetSchedule(ctx, "sch1")
	require.NoError(t, err)
	require.Equal(t, 1, sch.ExecutionCount)
	require.True(t, sch.NextRunAt.Equal(next))
}

func TestDedupNamespaceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []store.DedupEntry{
		{Key: "k1", ExpiresAt: now.Add(time.Hour)},
		{Key: "k2", ExpiresAt: now.Add(-time.Minute)}, // already expired
	}
	require.NoError(t, s.ReplaceDedupNamespace(ctx, "algochat", entries))

	got, err := s.LoadDedupNamespace(ctx, "algochat", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "k1", got[0].Key)

	// Replace is wholesale: the old keys are gone.
	require.NoError(t, s.ReplaceDedupNamespace(ctx, "algochat", []store.DedupEntry{
		{Key: "k3", ExpiresAt: now.Add(time.Hour)},
	}))
	got, err = s.LoadDedupNamespace(ctx, "algochat", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "k3", got[0].Key)
}

func TestCreditLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	bal, err := s.GetCreditBalance(ctx, "ADDR1")
	require.NoError(t, err)
	require.Zero(t, bal)

	require.NoError(t, s.AddCredits(ctx, "ADDR1", 50, "deposit"))
	require.NoError(t, s.AddCredits(ctx, "ADDR1", -3, "turn"))

	bal, err = s.GetCreditBalance(ctx, "ADDR1")
	require.NoError(t, err)
	require.Equal(t, int64(47), bal)

	txs, err := s.ListCreditTransactions(ctx, "ADDR1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, int64(-3), txs[0].Delta) // newest first
}
