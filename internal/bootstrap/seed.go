// Package bootstrap seeds a fresh database with a usable default agent
// and project so the server is functional before any API configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

// Store is the persistence surface seeding needs.
type Store interface {
	store.AgentStore
	store.ProjectStore
}

// EnsureDefaults creates a default agent and project when the database
// has none, and returns the id of the agent inbound chat should use.
// An existing database is left untouched; the first algochat-auto agent
// (or simply the first agent) wins.
func EnsureDefaults(ctx context.Context, st Store, log *slog.Logger) (string, error) {
	agents, err := st.ListAgents(ctx)
	if err != nil {
		return "", fmt.Errorf("bootstrap: list agents: %w", err)
	}
	if len(agents) > 0 {
		for _, a := range agents {
			if a.AlgoChatAuto {
				return a.ID, nil
			}
		}
		return agents[0].ID, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	project := &store.Project{
		ID:   uuid.NewString(),
		Name: "default",
		Path: wd,
	}
	if err := st.CreateProject(ctx, project); err != nil {
		return "", fmt.Errorf("bootstrap: create project: %w", err)
	}

	agent := &store.Agent{
		ID:               uuid.NewString(),
		Name:             "assistant",
		Model:            "sonnet",
		DefaultProjectID: project.ID,
		AlgoChatEnabled:  true,
		AlgoChatAuto:     true,
	}
	if err := st.CreateAgent(ctx, agent); err != nil {
		return "", fmt.Errorf("bootstrap: create agent: %w", err)
	}
	log.Info("bootstrap: seeded defaults", "agent", agent.ID, "project", project.ID)
	return agent.ID, nil
}
