// Package council drives the staged deliberation protocol: a launch
// fans a prompt out to member sessions, optionally runs discussion
// rounds, collects peer reviews, and ends with a chairman synthesis or
// an aggregated fallback.
package council

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

// Store is the persistence surface the engine needs.
type Store interface {
	store.CouncilStore
	store.SessionStore
	store.AgentStore
	store.ProjectStore
}

// ProcessRunner is the subset of the process manager the engine uses to
// run and observe council sessions.
type ProcessRunner interface {
	StartProcess(ctx context.Context, sess *store.Session, initialPrompt string, opts procman.StartOptions) error
	Subscribe(sessionID string, fn procman.SubscriberFn) string
	Unsubscribe(sessionID, token string)
}

// Result is the outcome of a trigger operation. Status carries an
// HTTP-shaped code (404 unknown launch, 400 stage violation) when OK is
// false.
type Result struct {
	OK         bool     `json:"ok"`
	Status     int      `json:"status,omitempty"`
	Error      string   `json:"error,omitempty"`
	SessionIDs []string `json:"sessionIds,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"`
}

func fail(status int, format string, args ...any) Result {
	return Result{Status: status, Error: fmt.Sprintf(format, args...)}
}

// Engine runs council launches over the process manager.
type Engine struct {
	store Store
	procs ProcessRunner
	bus   bus.Publisher
	log   *slog.Logger

	mu     sync.Mutex
	rounds map[string]int // launchID -> discussion rounds started
}

func New(st Store, procs ProcessRunner, pub bus.Publisher, log *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		procs:  procs,
		bus:    pub,
		log:    log,
		rounds: make(map[string]int),
	}
}

// Launch creates a launch for the council, spawns one member session
// per member with the identical prompt, and moves it to responding.
func (e *Engine) Launch(ctx context.Context, councilID, projectID, prompt string) (*store.CouncilLaunch, error) {
	ctx, span := startSpan(ctx, "council.launch", attribute.String("council.id", councilID))
	defer span.End()

	c, err := e.store.GetCouncil(ctx, councilID)
	if err != nil {
		return nil, err
	}
	if len(c.MemberAgentIDs) == 0 {
		return nil, fmt.Errorf("council %s has no members", c.Name)
	}
	if c.ChairmanAgentID != "" && !contains(c.MemberAgentIDs, c.ChairmanAgentID) {
		return nil, fmt.Errorf("chairman %s is not a council member", c.ChairmanAgentID)
	}

	launch := &store.CouncilLaunch{
		ID:        uuid.NewString(),
		CouncilID: c.ID,
		ProjectID: projectID,
		Prompt:    prompt,
		Stage:     store.StageQueued,
	}
	if err := e.store.CreateLaunch(ctx, launch); err != nil {
		return nil, err
	}
	e.broadcastStage(launch.ID, store.StageQueued, nil)

	var ids []string
	for _, agentID := range c.MemberAgentIDs {
		id, err := e.spawnSession(ctx, launch, agentID, store.RoleMember, prompt)
		if err != nil {
			e.logEvent(launch.ID, "", "error", "member session failed to start", err.Error())
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		_ = e.store.SetLaunchError(ctx, launch.ID, "no member sessions could be started")
		e.setStage(ctx, launch.ID, store.StageFailed, nil)
		return nil, fmt.Errorf("no member sessions could be started")
	}

	e.setStage(ctx, launch.ID, store.StageResponding, ids)
	e.watchAutoAdvance(ids, launch.ID, store.RoleMember)
	return launch, nil
}

// spawnSession creates and starts one council session.
func (e *Engine) spawnSession(ctx context.Context, launch *store.CouncilLaunch, agentID, role, prompt string) (string, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	var workDir string
	if launch.ProjectID != "" {
		if p, err := e.store.GetProject(ctx, launch.ProjectID); err == nil {
			workDir = p.Path
		}
	}
	sess := &store.Session{
		ID:              uuid.NewString(),
		ProjectID:       launch.ProjectID,
		AgentID:         agent.ID,
		Name:            fmt.Sprintf("%s (%s)", agent.Name, role),
		Status:          store.SessionCreated,
		Source:          store.SourceAgent,
		InitialPrompt:   prompt,
		CouncilLaunchID: launch.ID,
		CouncilRole:     role,
		WorkDir:         workDir,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	if err := e.procs.StartProcess(ctx, sess, prompt, procman.StartOptions{}); err != nil {
		return "", err
	}
	e.logEvent(launch.ID, sess.ID, "info", fmt.Sprintf("%s session started for %s", role, agent.Name), "")
	return sess.ID, nil
}

// setStage persists a transition and broadcasts it once.
func (e *Engine) setStage(ctx context.Context, launchID, stage string, sessionIDs []string) {
	if err := e.store.UpdateLaunchStage(ctx, launchID, stage); err != nil {
		e.log.Error("council: stage update failed", "launch", launchID, "stage", stage, "error", err)
		return
	}
	e.broadcastStage(launchID, stage, sessionIDs)
}

func (e *Engine) broadcastStage(launchID, stage string, sessionIDs []string) {
	e.log.Info("council: stage change", "launch", launchID, "stage", stage)
	payload := map[string]any{"launchId": launchID, "stage": stage}
	if len(sessionIDs) > 0 {
		payload["sessionIds"] = sessionIDs
	}
	e.bus.Broadcast(bus.Event{
		Topic:   protocol.TopicCouncil,
		Type:    protocol.EventCouncilStageChange,
		Payload: payload,
	})
}

func (e *Engine) logEvent(launchID, sessionID, level, message, detail string) {
	e.log.Log(context.Background(), slogLevel(level), "council: "+message,
		"launch", launchID, "session", sessionID, "detail", detail)
	payload := map[string]any{"launchId": launchID, "level": level, "message": message}
	if sessionID != "" {
		payload["sessionId"] = sessionID
	}
	if detail != "" {
		payload["detail"] = detail
	}
	e.bus.Broadcast(bus.Event{
		Topic:   protocol.TopicCouncil,
		Type:    protocol.EventCouncilLog,
		Payload: payload,
	})
}

func slogLevel(level string) slog.Level {
	switch level {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
