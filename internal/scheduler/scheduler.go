// Package scheduler fires cron and interval schedules on a one-second
// tick, claiming each due schedule atomically so overlapping ticks
// cannot double-fire, then runs the schedule's actions through the
// process manager subject to its approval policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

const (
	tickInterval = time.Second
	// minCadence is the fastest any schedule may fire.
	minCadence = time.Minute

	starRepoTimeout = 10 * time.Minute
	customTimeout   = 30 * time.Minute

	// approvalWait bounds the owner and council approval gates.
	approvalWait = 10 * time.Minute
)

const (
	outcomeStarted = "started"
	outcomeSkipped = "skipped"
	outcomeError   = "error"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	store.ScheduleStore
	store.SessionStore
	store.AgentStore
	store.ProjectStore
	store.CouncilStore
}

// Runner starts agent sub-processes for scheduled actions.
type Runner interface {
	StartProcess(ctx context.Context, sess *store.Session, prompt string, opts procman.StartOptions) error
}

// Approver asks the owner a question and returns the reply text, or the
// no-response sentinel on timeout.
type Approver interface {
	AskOwner(ctx context.Context, question string, timeout time.Duration) (string, error)
}

// CouncilLauncher starts a deliberation whose synthesis gates an action.
type CouncilLauncher interface {
	Launch(ctx context.Context, councilID, projectID, prompt string) (*store.CouncilLaunch, error)
}

// Options configures the scheduler.
type Options struct {
	// ApprovalCouncilID is the council consulted for council_approve
	// schedules. Empty means those schedules are skipped with an error
	// execution row.
	ApprovalCouncilID string
}

// Scheduler is the tick loop plus the per-schedule execution pipeline.
type Scheduler struct {
	store    Store
	procs    Runner
	approver Approver
	councils CouncilLauncher
	bus      bus.Publisher
	log      *slog.Logger
	opts     Options
}

// New creates a scheduler. approver and councils may be nil; the
// corresponding approval policies then reject every run.
func New(st Store, procs Runner, approver Approver, councils CouncilLauncher, pub bus.Publisher, log *slog.Logger, opts Options) *Scheduler {
	return &Scheduler{
		store:    st,
		procs:    procs,
		approver: approver,
		councils: councils,
		bus:      pub,
		log:      log,
		opts:     opts,
	}
}

// Validate rejects schedules that could not fire correctly: missing or
// ambiguous cadence, unparsable cron expressions, and cadences below
// the one-minute floor.
func (s *Scheduler) Validate(sch *store.Schedule) error {
	switch {
	case sch.CronExpression != "" && sch.IntervalMs != 0:
		return errors.New("schedule may set a cron expression or an interval, not both")
	case sch.CronExpression != "":
		first, err := gronx.NextTickAfter(sch.CronExpression, time.Now().UTC(), false)
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", sch.CronExpression, err)
		}
		second, err := gronx.NextTickAfter(sch.CronExpression, first, false)
		if err != nil {
			return err
		}
		if second.Sub(first) < minCadence {
			return fmt.Errorf("cron cadence %s is below the %s floor", second.Sub(first), minCadence)
		}
	case sch.IntervalMs > 0:
		if d := time.Duration(sch.IntervalMs) * time.Millisecond; d < minCadence {
			return fmt.Errorf("interval %s is below the %s floor", d, minCadence)
		}
	default:
		return errors.New("schedule needs a cron expression or an interval")
	}
	return nil
}

// Run recovers missed windows, then ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Recover(ctx, time.Now().UTC())
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, sch := range s.claimDue(ctx, now.UTC()) {
				go s.fire(ctx, sch)
			}
		}
	}
}

// Recover advances every active schedule whose nextRunAt already passed
// to its next future slot. Missed windows are not back-filled.
func (s *Scheduler) Recover(ctx context.Context, now time.Time) {
	all, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.log.Warn("scheduler: recovery list failed", "error", err)
		return
	}
	for _, sch := range all {
		if sch.Status != store.ScheduleActive || sch.NextRunAt.After(now) {
			continue
		}
		next, err := s.nextAfter(sch, now)
		if err != nil {
			s.log.Warn("scheduler: unrecoverable schedule", "schedule", sch.ID, "error", err)
			continue
		}
		if err := s.store.UpdateScheduleNextRun(ctx, sch.ID, next); err != nil {
			s.log.Warn("scheduler: recovery update failed", "schedule", sch.ID, "error", err)
			continue
		}
		s.log.Info("scheduler: missed window skipped", "schedule", sch.ID,
			"missed", sch.NextRunAt, "next", next)
	}
}

// claimDue lists due schedules and claims each one by advancing its
// nextRunAt with a compare-and-set; only claimed schedules are returned.
func (s *Scheduler) claimDue(ctx context.Context, now time.Time) []*store.Schedule {
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.log.Warn("scheduler: due query failed", "error", err)
		return nil
	}
	var claimed []*store.Schedule
	for _, sch := range due {
		next, err := s.nextAfter(sch, now)
		if err != nil {
			// Bad cadence in stored data; park it an hour out so the
			// tick loop does not spin on it.
			s.log.Warn("scheduler: schedule has bad cadence", "schedule", sch.ID, "error", err)
			s.store.UpdateScheduleNextRun(ctx, sch.ID, now.Add(time.Hour))
			continue
		}
		ok, err := s.store.ClaimSchedule(ctx, sch.ID, sch.NextRunAt, next)
		if err != nil {
			s.log.Warn("scheduler: claim failed", "schedule", sch.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.broadcast(protocol.EventScheduleUpdate, map[string]any{
			"scheduleId": sch.ID,
			"nextRunAt":  next.UTC().Format(time.RFC3339),
		})
		claimed = append(claimed, sch)
	}
	return claimed
}

// fire applies the approval policy, then runs the schedule's actions in
// order, recording one execution row per action.
func (s *Scheduler) fire(ctx context.Context, sch *store.Schedule) {
	if ok, reason := s.approved(ctx, sch); !ok {
		s.log.Info("scheduler: run not approved", "schedule", sch.ID, "reason", reason)
		for _, action := range sch.Actions {
			s.recordExecution(ctx, sch, &store.ScheduleExecution{
				ActionType: action.Type,
				Outcome:    outcomeSkipped,
				Error:      reason,
			})
		}
		return
	}
	for _, action := range sch.Actions {
		s.runAction(ctx, sch, action)
	}
}

// approved applies the schedule's approval policy and returns the
// rejection reason when the run may not proceed.
func (s *Scheduler) approved(ctx context.Context, sch *store.Schedule) (bool, string) {
	switch sch.ApprovalPolicy {
	case "", store.ApprovalAuto:
		return true, ""
	case store.ApprovalOwner:
		return s.ownerGate(ctx, sch)
	case store.ApprovalCouncil:
		return s.councilGate(ctx, sch)
	default:
		return false, fmt.Sprintf("unknown approval policy %q", sch.ApprovalPolicy)
	}
}

func (s *Scheduler) ownerGate(ctx context.Context, sch *store.Schedule) (bool, string) {
	if s.approver == nil {
		return false, "owner approval required but no approver is configured"
	}
	s.broadcast(protocol.EventScheduleApprovalRequest, map[string]any{
		"scheduleId": sch.ID,
		"name":       sch.Name,
	})
	question := fmt.Sprintf("Run scheduled job %q now? Reply yes or no.", sch.Name)
	answer, err := s.approver.AskOwner(ctx, question, approvalWait)
	if err != nil {
		return false, fmt.Sprintf("owner approval failed: %v", err)
	}
	if !affirmative(answer) {
		return false, fmt.Sprintf("owner declined: %s", answer)
	}
	return true, ""
}

// councilGate launches a deliberation about the run and approves it
// only when the synthesis affirms.
func (s *Scheduler) councilGate(ctx context.Context, sch *store.Schedule) (bool, string) {
	if s.councils == nil || s.opts.ApprovalCouncilID == "" {
		return false, "council approval required but no approval council is configured"
	}
	prompt := fmt.Sprintf("Scheduled job %q is due. Should it run now? "+
		"State clearly whether you approve or deny the run.", sch.Name)
	launch, err := s.councils.Launch(ctx, s.opts.ApprovalCouncilID, "", prompt)
	if err != nil {
		return false, fmt.Sprintf("approval council failed to launch: %v", err)
	}
	synthesis, err := s.awaitSynthesis(ctx, launch.ID)
	if err != nil {
		return false, fmt.Sprintf("approval council did not conclude: %v", err)
	}
	if !affirmative(synthesis) {
		return false, "approval council denied the run"
	}
	return true, ""
}

// awaitSynthesis blocks until the launch reaches a terminal stage and
// returns its synthesis. It checks the stored stage after subscribing,
// so a launch that completed before the subscription is not missed.
func (s *Scheduler) awaitSynthesis(ctx context.Context, launchID string) (string, error) {
	done := make(chan struct{}, 1)
	subID := "scheduler-approve-" + launchID
	s.bus.Subscribe(subID, func(ev bus.Event) {
		if ev.Type != protocol.EventCouncilStageChange {
			return
		}
		if id, _ := ev.Payload["launchId"].(string); id != launchID {
			return
		}
		switch stage, _ := ev.Payload["stage"].(string); stage {
		case store.StageComplete, store.StageFailed:
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer s.bus.Unsubscribe(subID)

	terminal := func() (string, bool, error) {
		launch, err := s.store.GetLaunch(ctx, launchID)
		if err != nil {
			return "", false, err
		}
		switch launch.Stage {
		case store.StageComplete:
			return launch.Synthesis, true, nil
		case store.StageFailed:
			return "", true, fmt.Errorf("launch failed: %s", launch.Error)
		}
		return "", false, nil
	}

	if synthesis, ok, err := terminal(); ok || err != nil {
		return synthesis, err
	}
	timer := time.NewTimer(approvalWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", errors.New("timed out waiting for the approval council")
		case <-done:
			if synthesis, ok, err := terminal(); ok || err != nil {
				return synthesis, err
			}
		}
	}
}

// runAction executes one configured action and records its execution row.
func (s *Scheduler) runAction(ctx context.Context, sch *store.Schedule, action store.ActionConfig) {
	exec := &store.ScheduleExecution{ActionType: action.Type}
	switch action.Type {
	case "star_repos":
		exec.SessionID, exec.Outcome, exec.Error = s.spawnActionSession(ctx, sch,
			buildStarRepoPrompt(action), starRepoTimeout)
	case "custom":
		prompt := strings.TrimSpace(action.Prompt)
		if prompt == "" {
			exec.Outcome, exec.Error = outcomeError, "custom action has no prompt"
			break
		}
		exec.SessionID, exec.Outcome, exec.Error = s.spawnActionSession(ctx, sch, prompt, customTimeout)
	default:
		// Declared but not executable yet: review_prs, work_task,
		// council_launch, send_message, github_suggest.
		exec.Outcome = outcomeSkipped
		exec.Error = fmt.Sprintf("action type %q is not executable", action.Type)
	}
	s.recordExecution(ctx, sch, exec)
}

// spawnActionSession creates a short-lived agent session for the action
// and starts it in scheduler mode.
func (s *Scheduler) spawnActionSession(ctx context.Context, sch *store.Schedule, prompt string, timeout time.Duration) (sessionID, outcome, errMsg string) {
	agent, err := s.store.GetAgent(ctx, sch.AgentID)
	if err != nil {
		return "", outcomeError, fmt.Sprintf("agent lookup: %v", err)
	}
	var projectID, workDir string
	if agent.DefaultProjectID != "" {
		if p, err := s.store.GetProject(ctx, agent.DefaultProjectID); err == nil {
			projectID, workDir = p.ID, p.Path
		}
	}
	sess := &store.Session{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		AgentID:       agent.ID,
		Name:          fmt.Sprintf("%s (scheduled)", sch.Name),
		Status:        store.SessionCreated,
		Source:        store.SourceAgent,
		InitialPrompt: prompt,
		WorkDir:       workDir,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return "", outcomeError, fmt.Sprintf("session create: %v", err)
	}
	opts := procman.StartOptions{Timeout: timeout, SchedulerMode: true}
	if err := s.procs.StartProcess(ctx, sess, prompt, opts); err != nil {
		return sess.ID, outcomeError, fmt.Sprintf("session start: %v", err)
	}
	s.log.Info("scheduler: action session started", "schedule", sch.ID,
		"session", sess.ID, "agent", agent.ID, "timeout", timeout)
	return sess.ID, outcomeStarted, ""
}

func (s *Scheduler) recordExecution(ctx context.Context, sch *store.Schedule, exec *store.ScheduleExecution) {
	exec.ID = uuid.NewString()
	exec.ScheduleID = sch.ID
	if err := s.store.AddScheduleExecution(ctx, exec); err != nil {
		s.log.Warn("scheduler: execution record failed", "schedule", sch.ID, "error", err)
	}
	payload := map[string]any{
		"scheduleId":  sch.ID,
		"executionId": exec.ID,
		"actionType":  exec.ActionType,
		"outcome":     exec.Outcome,
	}
	if exec.SessionID != "" {
		payload["sessionId"] = exec.SessionID
	}
	if exec.Error != "" {
		payload["error"] = exec.Error
	}
	s.broadcast(protocol.EventScheduleExecutionUpdate, payload)
}

// nextAfter computes the schedule's next fire time strictly after now.
func (s *Scheduler) nextAfter(sch *store.Schedule, now time.Time) (time.Time, error) {
	if sch.CronExpression != "" {
		return gronx.NextTickAfter(sch.CronExpression, now.UTC(), false)
	}
	if sch.IntervalMs > 0 {
		d := time.Duration(sch.IntervalMs) * time.Millisecond
		if d < minCadence {
			return time.Time{}, fmt.Errorf("interval %s is below the %s floor", d, minCadence)
		}
		return now.Add(d), nil
	}
	return time.Time{}, errors.New("schedule has neither cron expression nor interval")
}

func (s *Scheduler) broadcast(eventType string, payload map[string]any) {
	s.bus.Broadcast(bus.Event{
		Topic:   protocol.TopicOwner,
		Type:    eventType,
		Payload: payload,
	})
}

// affirmative reads a free-form reply as an approval. Denial words win
// over approval words so "do not approve" reads as a denial.
func affirmative(text string) bool {
	t := strings.ToLower(text)
	for _, w := range []string{"deny", "denied", "reject", "rejected", "do not", "don't", "no response"} {
		if strings.Contains(t, w) {
			return false
		}
	}
	for _, w := range []string{"approve", "approved", "yes", "go ahead", "proceed"} {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}

// buildStarRepoPrompt renders the discovery prompt for a star_repos
// action from its config (topics, language, maxRepos).
func buildStarRepoPrompt(action store.ActionConfig) string {
	maxRepos := 3
	if n, ok := action.Config["maxRepos"].(float64); ok && n > 0 {
		maxRepos = int(n)
	}
	var topics []string
	if raw, ok := action.Config["topics"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok && s != "" {
				topics = append(topics, s)
			}
		}
	}
	language, _ := action.Config["language"].(string)

	var b strings.Builder
	fmt.Fprintf(&b, "Find up to %d interesting open-source repositories on GitHub", maxRepos)
	if len(topics) > 0 {
		fmt.Fprintf(&b, " about %s", strings.Join(topics, ", "))
	}
	if language != "" {
		fmt.Fprintf(&b, " written in %s", language)
	}
	b.WriteString(" and star the ones worth following. ")
	b.WriteString("Summarise each starred repository in one line with its name and why it matters.")
	if prompt := strings.TrimSpace(action.Prompt); prompt != "" {
		b.WriteString("\n\nAdditional guidance: ")
		b.WriteString(prompt)
	}
	return b.String()
}
