package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func (s *Store) GetConversation(ctx context.Context, participantAddr string) (*store.Conversation, error) {
	var c store.Conversation
	var agentID, sessionID *string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, participant_addr, agent_id, session_id, last_round,
		 created_at, updated_at FROM algochat_conversations
		 WHERE participant_addr = ?`, participantAddr).
		Scan(&c.ID, &c.ParticipantAddr, &agentID, &sessionID, &c.LastRound,
			&c.Created, &c.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.AgentID = derefStr(agentID)
	c.SessionID = derefStr(sessionID)
	return &c, nil
}

func (s *Store) UpsertConversation(ctx context.Context, c *store.Conversation) error {
	now := time.Now().UTC()
	if c.Created.IsZero() {
		c.Created = now
	}
	c.Updated = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO algochat_conversations (id, participant_addr, agent_id,
		 session_id, last_round, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(participant_addr) DO UPDATE SET
		   agent_id = excluded.agent_id,
		   session_id = excluded.session_id,
		   last_round = MAX(last_round, excluded.last_round),
		   updated_at = excluded.updated_at`,
		c.ID, c.ParticipantAddr, nilStr(c.AgentID), nilStr(c.SessionID),
		c.LastRound, c.Created, c.Updated)
	return err
}

func (s *Store) SetConversationSession(ctx context.Context, id, agentID, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE algochat_conversations SET agent_id = ?, session_id = ?,
		 updated_at = ? WHERE id = ?`,
		nilStr(agentID), nilStr(sessionID), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetConversationRound only ever raises last_round; a stale poller cannot
// rewind the cursor.
func (s *Store) SetConversationRound(ctx context.Context, id string, round uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE algochat_conversations SET last_round = MAX(last_round, ?),
		 updated_at = ? WHERE id = ?`, round, time.Now().UTC(), id)
	return err
}

func (s *Store) CountConversations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM algochat_conversations`).Scan(&n)
	return n, err
}
