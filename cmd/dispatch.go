package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

// localDispatcher routes Slack and webhook text into agent sessions,
// reusing the sender's running session when one exists.
type localDispatcher struct {
	st      store.Store
	procs   *procman.Manager
	agentID string
	log     *slog.Logger
}

func (d *localDispatcher) DispatchText(ctx context.Context, source, senderID, text string) error {
	conv, err := d.st.GetConversation(ctx, senderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if conv != nil && conv.SessionID != "" && d.procs.IsRunning(conv.SessionID) {
		if d.procs.SendMessage(ctx, conv.SessionID, text) {
			return nil
		}
	}

	agentID := d.agentID
	if conv != nil && conv.AgentID != "" {
		agentID = conv.AgentID
	}
	agent, err := d.st.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("dispatch: agent %s: %w", agentID, err)
	}

	sess := &store.Session{
		ID:            uuid.NewString(),
		AgentID:       agent.ID,
		ProjectID:     agent.DefaultProjectID,
		Status:        "starting",
		Source:        source,
		InitialPrompt: text,
	}
	if agent.DefaultProjectID != "" {
		if p, err := d.st.GetProject(ctx, agent.DefaultProjectID); err == nil {
			sess.WorkDir = p.Path
		}
	}
	if err := d.st.CreateSession(ctx, sess); err != nil {
		return err
	}
	if err := d.procs.StartProcess(ctx, sess, text, procman.StartOptions{}); err != nil {
		return err
	}

	if conv == nil {
		conv = &store.Conversation{ID: uuid.NewString(), ParticipantAddr: senderID}
	}
	conv.AgentID = agent.ID
	conv.SessionID = sess.ID
	if err := d.st.UpsertConversation(ctx, conv); err != nil {
		d.log.Warn("dispatch: conversation upsert failed", "sender", senderID, "error", err)
	}
	d.log.Info("dispatch: session started", "source", source, "sender", senderID, "session", sess.ID)
	return nil
}
