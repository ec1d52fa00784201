package council

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

// noResponsesPlaceholder is the synthesis written when no session
// produced any assistant output.
const noResponsesPlaceholder = "(No responses were produced by council members)"

// noSynthesisPlaceholder is adopted when the chairman session exits
// without assistant output.
const noSynthesisPlaceholder = "(no synthesis produced)"

// response is one agent's latest assistant output.
type response struct {
	agentID   string
	agentName string
	content   string
}

// memberResponses returns each member agent's latest assistant message,
// taken from that agent's most recent member session with output.
// Ordered by first appearance.
func (e *Engine) memberResponses(ctx context.Context, launchID string) ([]response, error) {
	sessions, err := e.store.ListSessionsByLaunch(ctx, launchID)
	if err != nil {
		return nil, err
	}
	var order []string
	latest := make(map[string]response)
	for _, s := range sessions {
		if s.CouncilRole != store.RoleMember {
			continue
		}
		msg, err := e.store.LastAssistantMessage(ctx, s.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, seen := latest[s.AgentID]; !seen {
			order = append(order, s.AgentID)
		}
		latest[s.AgentID] = response{
			agentID:   s.AgentID,
			agentName: e.agentName(ctx, s.AgentID),
			content:   msg.Content,
		}
	}
	out := make([]response, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}

// contributions implements the aggregation preference: if any reviewer
// session produced assistant output, only reviewer sessions contribute;
// otherwise member sessions do. Empty sessions contribute nothing.
func (e *Engine) contributions(ctx context.Context, launchID string) ([]response, error) {
	sessions, err := e.store.ListSessionsByLaunch(ctx, launchID)
	if err != nil {
		return nil, err
	}
	var members, reviewers []response
	for _, s := range sessions {
		if s.CouncilRole == store.RoleChairman {
			continue
		}
		msg, err := e.store.LastAssistantMessage(ctx, s.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r := response{agentID: s.AgentID, agentName: e.agentName(ctx, s.AgentID), content: msg.Content}
		if s.CouncilRole == store.RoleReviewer {
			reviewers = append(reviewers, r)
		} else {
			members = append(members, r)
		}
	}
	if len(reviewers) > 0 {
		return reviewers, nil
	}
	return members, nil
}

func (e *Engine) agentName(ctx context.Context, agentID string) string {
	if a, err := e.store.GetAgent(ctx, agentID); err == nil {
		return a.Name
	}
	return agentID
}

func formatResponses(responses []response) string {
	parts := make([]string, 0, len(responses))
	for _, r := range responses {
		parts = append(parts, fmt.Sprintf("### %s\n\n%s", r.agentName, r.content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// TriggerDiscussion starts the next discussion round: it records each
// member's latest response as a discussion message, then re-prompts
// every member with the shared transcript.
func (e *Engine) TriggerDiscussion(ctx context.Context, launchID string) Result {
	ctx, span := startSpan(ctx, "council.discussion", attribute.String("council.launch_id", launchID))
	defer span.End()

	launch, err := e.store.GetLaunch(ctx, launchID)
	if err != nil {
		return fail(404, "launch %s not found", launchID)
	}
	if launch.Stage != store.StageResponding && launch.Stage != store.StageDiscussing {
		return fail(400, "Cannot start discussion from stage %s", launch.Stage)
	}
	c, err := e.store.GetCouncil(ctx, launch.CouncilID)
	if err != nil {
		return fail(404, "council %s not found", launch.CouncilID)
	}

	round := e.beginRound(launchID)
	if round > c.DiscussionRounds {
		return fail(400, "no discussion rounds remaining")
	}

	responses, err := e.memberResponses(ctx, launchID)
	if err != nil {
		return fail(500, "gather responses: %v", err)
	}
	for _, r := range responses {
		m := &store.DiscussionMessage{
			LaunchID:  launchID,
			AgentID:   r.agentID,
			AgentName: r.agentName,
			Round:     round,
			Content:   r.content,
		}
		if err := e.store.AddDiscussionMessage(ctx, m); err != nil {
			e.logEvent(launchID, "", "error", "discussion message not recorded", err.Error())
			continue
		}
		e.bus.Broadcast(bus.Event{
			Topic: protocol.TopicCouncil,
			Type:  protocol.EventCouncilDiscussionMessage,
			Payload: map[string]any{
				"launchId": launchID, "agentId": r.agentID,
				"agentName": r.agentName, "round": round, "content": r.content,
			},
		})
	}

	shared := fmt.Sprintf(
		"The council is discussing the following question:\n\n%s\n\n"+
			"## Responses so far (round %d)\n\n%s\n\n"+
			"Consider the other members' positions and refine or defend your answer.",
		launch.Prompt, round, formatResponses(responses))

	var ids []string
	for _, agentID := range c.MemberAgentIDs {
		id, err := e.spawnSession(ctx, launch, agentID, store.RoleMember, shared)
		if err != nil {
			e.logEvent(launchID, "", "error", "discussion session failed to start", err.Error())
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return fail(500, "no discussion sessions could be started")
	}
	e.setStage(ctx, launchID, store.StageDiscussing, ids)
	e.watchAutoAdvance(ids, launchID, store.RoleMember)
	return Result{OK: true, SessionIDs: ids}
}

// TriggerReview creates one reviewer session per member agent. Each
// reviewer sees every other member's latest response, never its own.
func (e *Engine) TriggerReview(ctx context.Context, launchID string) Result {
	ctx, span := startSpan(ctx, "council.review", attribute.String("council.launch_id", launchID))
	defer span.End()

	launch, err := e.store.GetLaunch(ctx, launchID)
	if err != nil {
		return fail(404, "launch %s not found", launchID)
	}
	if launch.Stage != store.StageResponding && launch.Stage != store.StageDiscussing {
		return fail(400, "Cannot start review from stage %s", launch.Stage)
	}
	c, err := e.store.GetCouncil(ctx, launch.CouncilID)
	if err != nil {
		return fail(404, "council %s not found", launch.CouncilID)
	}
	responses, err := e.memberResponses(ctx, launchID)
	if err != nil {
		return fail(500, "gather responses: %v", err)
	}

	var ids []string
	for _, agentID := range c.MemberAgentIDs {
		others := make([]response, 0, len(responses))
		for _, r := range responses {
			if r.agentID != agentID {
				others = append(others, r)
			}
		}
		prompt := fmt.Sprintf(
			"The council was asked:\n\n%s\n\n"+
				"## Other members' responses\n\n%s\n\n"+
				"Review these responses. Point out errors, gaps, and the strongest answer.",
			launch.Prompt, formatResponses(others))
		id, err := e.spawnSession(ctx, launch, agentID, store.RoleReviewer, prompt)
		if err != nil {
			e.logEvent(launchID, "", "error", "reviewer session failed to start", err.Error())
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return fail(500, "no reviewer sessions could be started")
	}
	e.setStage(ctx, launchID, store.StageReviewing, ids)
	e.watchAutoAdvance(ids, launchID, store.RoleReviewer)
	return Result{OK: true, SessionIDs: ids}
}

// TriggerSynthesis hands the collected responses to the chairman. The
// launch completes when the chairman session exits (see watchSynthesis).
func (e *Engine) TriggerSynthesis(ctx context.Context, launchID string, formatDiscussion bool, chairmanOverrideAgentID string) Result {
	ctx, span := startSpan(ctx, "council.synthesis", attribute.String("council.launch_id", launchID))
	defer span.End()

	launch, err := e.store.GetLaunch(ctx, launchID)
	if err != nil {
		return fail(404, "launch %s not found", launchID)
	}
	if launch.Stage != store.StageReviewing {
		return fail(400, "Cannot synthesize from stage %s", launch.Stage)
	}
	c, err := e.store.GetCouncil(ctx, launch.CouncilID)
	if err != nil {
		return fail(404, "council %s not found", launch.CouncilID)
	}
	chairmanID := chairmanOverrideAgentID
	if chairmanID == "" {
		chairmanID = c.ChairmanAgentID
	}
	if chairmanID == "" {
		return fail(400, "no chairman configured for council %s", c.Name)
	}

	contrib, err := e.contributions(ctx, launchID)
	if err != nil {
		return fail(500, "gather responses: %v", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "The council was asked:\n\n%s\n\n## Member responses\n\n%s\n",
		launch.Prompt, formatResponses(contrib))
	if formatDiscussion {
		if transcript := e.formatDiscussion(ctx, launchID); transcript != "" {
			sb.WriteString("\n## Discussion transcript\n\n")
			sb.WriteString(transcript)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nAs chairman, synthesize these into a single final answer.")

	id, err := e.spawnSession(ctx, launch, chairmanID, store.RoleChairman, sb.String())
	if err != nil {
		return fail(500, "chairman session failed to start: %v", err)
	}
	e.watchSynthesis(launchID, id)
	e.setStage(ctx, launchID, store.StageSynthesizing, []string{id})
	return Result{OK: true, SessionID: id}
}

func (e *Engine) formatDiscussion(ctx context.Context, launchID string) string {
	msgs, err := e.store.ListDiscussionMessages(ctx, launchID)
	if err != nil || len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	round := 0
	for _, m := range msgs {
		if m.Round != round {
			round = m.Round
			fmt.Fprintf(&sb, "### Round %d\n\n", round)
		}
		fmt.Fprintf(&sb, "**%s**: %s\n\n", m.AgentName, m.Content)
	}
	return strings.TrimSpace(sb.String())
}

// FinishWithAggregatedSynthesis completes the launch without a chairman
// by concatenating the latest responses.
func (e *Engine) FinishWithAggregatedSynthesis(ctx context.Context, launchID string) Result {
	ctx, span := startSpan(ctx, "council.aggregate", attribute.String("council.launch_id", launchID))
	defer span.End()

	launch, err := e.store.GetLaunch(ctx, launchID)
	if err != nil {
		return fail(404, "launch %s not found", launchID)
	}
	if launch.Stage == store.StageComplete || launch.Stage == store.StageFailed {
		return fail(400, "Cannot finish from stage %s", launch.Stage)
	}
	contrib, err := e.contributions(ctx, launchID)
	if err != nil {
		return fail(500, "gather responses: %v", err)
	}
	synthesis := formatResponses(contrib)
	if synthesis == "" {
		synthesis = noResponsesPlaceholder
	}
	if err := e.store.SetLaunchSynthesis(ctx, launchID, synthesis); err != nil {
		return fail(500, "write synthesis: %v", err)
	}
	e.setStage(ctx, launchID, store.StageComplete, nil)
	return Result{OK: true}
}
