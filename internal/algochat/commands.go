package algochat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

const historyDefault = 10
const historyMaxEntries = 20

// dispatchCommand handles slash commands. Returns false for unknown
// commands so the message falls through to the agent as plain text.
func (b *Bridge) dispatchCommand(ctx context.Context, participant, content string) bool {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return false
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	owner := b.isOwner(participant)

	requireOwner := func() bool {
		if owner {
			return true
		}
		b.reply(ctx, participant, "That command is owner-only.")
		return false
	}

	switch cmd {
	case "/status":
		active := len(b.procs.ActiveSessionIDs())
		convs, err := b.store.CountConversations(ctx)
		if err != nil {
			convs = 0
		}
		b.reply(ctx, participant, fmt.Sprintf("Active sessions: %d, conversations: %d", active, convs))
		return true

	case "/stop":
		if !requireOwner() {
			return true
		}
		if len(args) != 1 {
			b.reply(ctx, participant, "Usage: /stop <sessionId>")
			return true
		}
		if !b.procs.IsRunning(args[0]) {
			b.reply(ctx, participant, "Session "+args[0]+" is not running.")
			return true
		}
		b.procs.StopProcess(ctx, args[0])
		b.reply(ctx, participant, "Stopped session "+args[0]+".")
		return true

	case "/agent":
		if !requireOwner() {
			return true
		}
		agents, err := b.store.ListAlgoChatAgents(ctx)
		if err != nil || len(agents) == 0 {
			b.reply(ctx, participant, "No algochat-enabled agents.")
			return true
		}
		if len(args) == 0 {
			names := make([]string, 0, len(agents))
			def := b.getDefaultAgent()
			for _, a := range agents {
				name := a.Name
				if a.ID == def {
					name += " (default)"
				}
				names = append(names, name)
			}
			b.reply(ctx, participant, "Agents: "+strings.Join(names, ", "))
			return true
		}
		want := strings.ToLower(strings.Join(args, " "))
		for _, a := range agents {
			if strings.ToLower(a.Name) == want {
				b.setDefaultAgent(a.ID)
				b.reply(ctx, participant, "Default agent set to "+a.Name+".")
				return true
			}
		}
		b.reply(ctx, participant, "No agent named "+strings.Join(args, " ")+".")
		return true

	case "/queue":
		if !requireOwner() {
			return true
		}
		pending := b.approvals.Pending()
		if len(pending) == 0 {
			b.reply(ctx, participant, "No pending approvals.")
			return true
		}
		lines := make([]string, 0, len(pending))
		for _, p := range pending {
			lines = append(lines, fmt.Sprintf("#%d %s [%s] session %s", p.QueueID, p.ToolName, p.ShortID, p.SessionID))
		}
		b.reply(ctx, participant, "Pending approvals:\n"+strings.Join(lines, "\n"))
		return true

	case "/approve", "/deny":
		if !requireOwner() {
			return true
		}
		if len(args) != 1 {
			b.reply(ctx, participant, "Usage: "+cmd+" <id>")
			return true
		}
		decision := procman.DecisionAllow
		if cmd == "/deny" {
			decision = procman.DecisionDeny
		}
		var err error
		if n, convErr := strconv.Atoi(args[0]); convErr == nil {
			err = b.approvals.ResolveByQueueID(n, decision, participant)
		} else {
			err = b.approvals.ResolveByShortID(strings.ToLower(args[0]), decision, participant)
		}
		if err != nil {
			b.reply(ctx, participant, "Could not resolve "+args[0]+": "+err.Error())
			return true
		}
		b.OnApprovalChange(b.approvals.HasPending())
		b.reply(ctx, participant, "Approval "+args[0]+": "+decision)
		return true

	case "/mode":
		if !requireOwner() {
			return true
		}
		if len(args) != 1 {
			b.reply(ctx, participant, "Approval mode: "+b.approvals.Mode())
			return true
		}
		if err := b.approvals.SetMode(strings.ToLower(args[0])); err != nil {
			b.reply(ctx, participant, err.Error())
			return true
		}
		b.reply(ctx, participant, "Approval mode set to "+strings.ToLower(args[0])+".")
		return true

	case "/credits":
		bal, err := b.store.GetCreditBalance(ctx, participant)
		if err != nil {
			b.reply(ctx, participant, "Could not read balance.")
			return true
		}
		b.reply(ctx, participant, fmt.Sprintf("Credit balance: %d", bal))
		return true

	case "/history":
		limit := historyDefault
		if len(args) == 1 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				limit = n
			}
		}
		if limit > historyMaxEntries {
			limit = historyMaxEntries
		}
		txns, err := b.store.ListCreditTransactions(ctx, participant, limit)
		if err != nil || len(txns) == 0 {
			b.reply(ctx, participant, "No credit history.")
			return true
		}
		lines := make([]string, 0, len(txns))
		for _, tx := range txns {
			lines = append(lines, fmt.Sprintf("%+d %s (%s)", tx.Delta, tx.Reason, tx.Created.Format("Jan 2 15:04")))
		}
		b.reply(ctx, participant, strings.Join(lines, "\n"))
		return true

	case "/work":
		if !requireOwner() {
			return true
		}
		desc := strings.TrimSpace(strings.TrimPrefix(content, fields[0]))
		if desc == "" {
			b.reply(ctx, participant, "Usage: /work <description>")
			return true
		}
		b.createWorkTask(ctx, participant, desc)
		return true

	case "/council":
		if !requireOwner() {
			return true
		}
		rest := strings.TrimSpace(strings.TrimPrefix(content, fields[0]))
		if rest == "" {
			b.reply(ctx, participant, "Usage: /council [CouncilName -- ] <prompt>")
			return true
		}
		b.launchCouncil(ctx, participant, rest)
		return true
	}
	return false
}

func (b *Bridge) createWorkTask(ctx context.Context, participant, desc string) {
	n, err := b.store.CountWorkTasksToday(ctx)
	if err == nil && b.opts.WorkTaskMaxPerDay > 0 && n >= b.opts.WorkTaskMaxPerDay {
		b.reply(ctx, participant, "Daily work-task limit reached.")
		return
	}
	task := &store.WorkTask{
		ID:          uuid.NewString(),
		Description: desc,
		Branch:      "work/" + uuid.NewString()[:8],
		Status:      "pending",
	}
	if agents, err := b.store.ListAlgoChatAgents(ctx); err == nil && len(agents) > 0 {
		task.AgentID = agents[0].ID
	}
	if err := b.store.CreateWorkTask(ctx, task); err != nil {
		b.reply(ctx, participant, "Work task creation failed: "+err.Error())
		return
	}
	b.reply(ctx, participant, "Work task "+task.ID[:8]+" created on branch "+task.Branch+".")
}

// launchCouncil resolves "/council [Name -- ] prompt". With no named
// council it auto-creates one from every algochat-enabled agent, first
// agent as chairman. Stage changes stream back on-chain; the synthesis
// is delivered on completion, truncated to 3000 characters.
func (b *Bridge) launchCouncil(ctx context.Context, participant, rest string) {
	var name, prompt string
	if before, after, found := strings.Cut(rest, " -- "); found {
		name = strings.TrimSpace(before)
		prompt = strings.TrimSpace(after)
	} else {
		prompt = rest
	}
	if prompt == "" {
		b.reply(ctx, participant, "Usage: /council [CouncilName -- ] <prompt>")
		return
	}

	var council *store.Council
	var err error
	if name != "" {
		council, err = b.store.GetCouncilByName(ctx, name)
		if err != nil {
			b.reply(ctx, participant, "No council named "+name+".")
			return
		}
	} else {
		council, err = b.autoCouncil(ctx)
		if err != nil {
			b.reply(ctx, participant, "Cannot assemble a council: "+err.Error())
			return
		}
	}

	launch, err := b.council.Launch(ctx, council.ID, "", prompt)
	if err != nil {
		b.reply(ctx, participant, "Council launch failed: "+err.Error())
		return
	}
	b.reply(ctx, participant, "Council "+council.Name+" launched ("+launch.ID[:8]+").")
	b.streamCouncil(launch.ID, participant)
}

// autoCouncil builds (or reuses) the implicit all-agents council.
func (b *Bridge) autoCouncil(ctx context.Context) (*store.Council, error) {
	if c, err := b.store.GetCouncilByName(ctx, autoCouncilName); err == nil {
		return c, nil
	}
	agents, err := b.store.ListAlgoChatAgents(ctx)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no algochat-enabled agents")
	}
	c := &store.Council{
		ID:          uuid.NewString(),
		Name:        autoCouncilName,
		Description: "Auto-created from all algochat-enabled agents",
	}
	for _, a := range agents {
		c.MemberAgentIDs = append(c.MemberAgentIDs, a.ID)
	}
	c.ChairmanAgentID = agents[0].ID
	if err := b.store.CreateCouncil(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

const autoCouncilName = "algochat"

// streamCouncil relays stage changes for one launch back to the
// participant and delivers the synthesis on completion.
func (b *Bridge) streamCouncil(launchID, participant string) {
	subID := "algochat-council-" + launchID
	b.bus.Subscribe(subID, func(ev bus.Event) {
		if ev.Type != protocol.EventCouncilStageChange {
			return
		}
		if id, _ := ev.Payload["launchId"].(string); id != launchID {
			return
		}
		stage, _ := ev.Payload["stage"].(string)
		ctx := context.Background()
		switch stage {
		case store.StageComplete:
			b.bus.Unsubscribe(subID)
			launch, err := b.store.GetLaunch(ctx, launchID)
			if err != nil {
				return
			}
			text := launch.Synthesis
			if len(text) > councilSynthesisMax {
				text = TruncateBytes(text, councilSynthesisMax) + "\n\n[truncated]"
			}
			b.SendFinal(ctx, participant, text)
		case store.StageFailed:
			b.bus.Unsubscribe(subID)
			b.reply(ctx, participant, "Council launch "+launchID[:8]+" failed.")
		default:
			b.reply(ctx, participant, "Council stage: "+stage)
		}
	})
}
