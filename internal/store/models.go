package store

import "time"

// Session status values. Transitions are monotonic:
// created → running → (stopped | error).
const (
	SessionCreated = "created"
	SessionRunning = "running"
	SessionStopped = "stopped"
	SessionError   = "error"
)

// Session sources (which ingress created it).
const (
	SourceWeb      = "web"
	SourceAlgoChat = "algochat"
	SourceAgent    = "agent"
	SourceSlack    = "slack"
	SourcePoll     = "poll"
)

// Council roles within a launch.
const (
	RoleMember   = "member"
	RoleReviewer = "reviewer"
	RoleChairman = "chairman"
)

// Council launch stages.
const (
	StageQueued       = "queued"
	StageResponding   = "responding"
	StageDiscussing   = "discussing"
	StageReviewing    = "reviewing"
	StageSynthesizing = "synthesizing"
	StageComplete     = "complete"
	StageFailed       = "failed"
)

// Agent is the persistent identity a sub-process impersonates.
type Agent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Model            string    `json:"model,omitempty"`
	DefaultProjectID string    `json:"defaultProjectId,omitempty"`
	WalletAddress    string    `json:"walletAddress,omitempty"`
	AlgoChatEnabled  bool      `json:"algochatEnabled"`
	AlgoChatAuto     bool      `json:"algochatAuto"`
	AllowedTools     []string  `json:"allowedTools,omitempty"`
	Created          time.Time `json:"created"`
	Updated          time.Time `json:"updated"`
}

// Project is a working directory root.
type Project struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Created time.Time `json:"created"`
}

// Session is one sub-process lifetime.
type Session struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"projectId,omitempty"`
	AgentID         string    `json:"agentId"`
	Name            string    `json:"name,omitempty"`
	Status          string    `json:"status"`
	Source          string    `json:"source"`
	InitialPrompt   string    `json:"initialPrompt,omitempty"`
	PID             *int      `json:"pid,omitempty"`
	TotalCostUSD    float64   `json:"totalCostUsd"`
	TotalAlgoSpent  int64     `json:"totalAlgoSpent"` // microalgos
	TotalTurns      int       `json:"totalTurns"`
	CreditsConsumed int64     `json:"creditsConsumed"`
	CouncilLaunchID string    `json:"councilLaunchId,omitempty"`
	CouncilRole     string    `json:"councilRole,omitempty"`
	WorkDir         string    `json:"workDir,omitempty"`
	Created         time.Time `json:"created"`
	Updated         time.Time `json:"updated"`
}

// SessionMessage is one persisted role-tagged message.
type SessionMessage struct {
	RowID     int64     `json:"rowId"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"` // user | assistant | system | tool
	Content   string    `json:"content"`
	CostUSD   float64   `json:"costUsd,omitempty"`
	Created   time.Time `json:"created"`
}

// Council is a named group of agents that deliberate in stages.
type Council struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	MemberAgentIDs   []string  `json:"memberAgentIds"`
	ChairmanAgentID  string    `json:"chairmanAgentId,omitempty"`
	DiscussionRounds int       `json:"discussionRounds"`
	Created          time.Time `json:"created"`
}

// CouncilLaunch is one execution of a council.
type CouncilLaunch struct {
	ID        string    `json:"id"`
	CouncilID string    `json:"councilId"`
	ProjectID string    `json:"projectId,omitempty"`
	Prompt    string    `json:"prompt"`
	Stage     string    `json:"stage"`
	Synthesis string    `json:"synthesis,omitempty"`
	Error     string    `json:"error,omitempty"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// DiscussionMessage is content one member wrote during a discussion round.
type DiscussionMessage struct {
	RowID     int64     `json:"rowId"`
	LaunchID  string    `json:"launchId"`
	AgentID   string    `json:"agentId"`
	AgentName string    `json:"agentName"`
	Round     int       `json:"round"`
	Content   string    `json:"content"`
	Created   time.Time `json:"created"`
}

// Conversation maps an external participant address to the agent/session
// currently handling it. LastRound is the highest on-chain round committed
// as processed; it is monotonically non-decreasing.
type Conversation struct {
	ID              string    `json:"id"`
	ParticipantAddr string    `json:"participantAddr"`
	AgentID         string    `json:"agentId,omitempty"`
	SessionID       string    `json:"sessionId,omitempty"`
	LastRound       uint64    `json:"lastRound"`
	Created         time.Time `json:"created"`
	Updated         time.Time `json:"updated"`
}

// Workflow statuses.
const (
	WorkflowDraft  = "draft"
	WorkflowActive = "active"
	WorkflowPaused = "paused"
)

// Workflow run statuses.
const (
	RunRunning   = "running"
	RunPaused    = "paused"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Node run statuses.
const (
	NodePending   = "pending"
	NodeRunning   = "running"
	NodeWaiting   = "waiting"
	NodeCompleted = "completed"
	NodeFailed    = "failed"
	NodeSkipped   = "skipped"
)

// WorkflowNode is one typed node in a workflow graph.
type WorkflowNode struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"` // start | agent_session | work_task | wait | branch | join
	Label    string         `json:"label,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Position [2]float64     `json:"position,omitempty"`
}

// WorkflowEdge connects two nodes, optionally gated by a condition
// expression evaluated against the source node run's output.
type WorkflowEdge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	Label     string `json:"label,omitempty"`
}

// Workflow is a directed graph of typed nodes.
type Workflow struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agentId"`
	Name             string         `json:"name"`
	Status           string         `json:"status"`
	DefaultProjectID string         `json:"defaultProjectId,omitempty"`
	MaxConcurrency   int            `json:"maxConcurrency"`
	Nodes            []WorkflowNode `json:"nodes"`
	Edges            []WorkflowEdge `json:"edges"`
	Created          time.Time      `json:"created"`
	Updated          time.Time      `json:"updated"`
}

// WorkflowRun is one execution over a frozen snapshot of the graph.
type WorkflowRun struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflowId"`
	Status         string         `json:"status"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Nodes          []WorkflowNode `json:"nodes"` // snapshot at launch
	Edges          []WorkflowEdge `json:"edges"` // snapshot at launch
	CurrentNodeIDs []string       `json:"currentNodeIds,omitempty"`
	Error          string         `json:"error,omitempty"`
	Started        time.Time      `json:"started"`
	Completed      *time.Time     `json:"completed,omitempty"`
}

// WorkflowNodeRun is one node execution within a run. (RunID, NodeID) is
// unique; re-enqueueing an already-run node is a no-op.
type WorkflowNodeRun struct {
	ID         string         `json:"id"`
	RunID      string         `json:"runId"`
	NodeID     string         `json:"nodeId"`
	NodeType   string         `json:"nodeType"`
	Status     string         `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	WorkTaskID string         `json:"workTaskId,omitempty"`
	Error      string         `json:"error,omitempty"`
	Started    *time.Time     `json:"started,omitempty"`
	Completed  *time.Time     `json:"completed,omitempty"`
}

// Schedule statuses and approval policies.
const (
	ScheduleActive = "active"
	SchedulePaused = "paused"

	ApprovalAuto    = "auto"
	ApprovalOwner   = "owner_approve"
	ApprovalCouncil = "council_approve"
)

// ActionConfig is one configured action of a schedule.
type ActionConfig struct {
	Type   string         `json:"type"` // star_repos | custom | review_prs | work_task | council_launch | send_message | github_suggest
	Prompt string         `json:"prompt,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Schedule is a cron or interval definition plus an ordered action list.
// Exactly one of CronExpression / IntervalMs is set.
type Schedule struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agentId"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Status         string         `json:"status"`
	CronExpression string         `json:"cronExpression,omitempty"`
	IntervalMs     int64          `json:"intervalMs,omitempty"`
	Actions        []ActionConfig `json:"actions"`
	ApprovalPolicy string         `json:"approvalPolicy"`
	NextRunAt      time.Time      `json:"nextRunAt"`
	ExecutionCount int            `json:"executionCount"`
	Created        time.Time      `json:"created"`
	Updated        time.Time      `json:"updated"`
}

// ScheduleExecution records one fired schedule action.
type ScheduleExecution struct {
	ID         string    `json:"id"`
	ScheduleID string    `json:"scheduleId"`
	ActionType string    `json:"actionType"`
	SessionID  string    `json:"sessionId,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Created    time.Time `json:"created"`
}

// PSKContact is one encrypted-channel partner keyed by a pre-shared key.
// At most one active contact may claim a given mobile address per network.
type PSKContact struct {
	ID            string    `json:"id"`
	Nickname      string    `json:"nickname"`
	Network       string    `json:"network"`
	InitialPSK    []byte    `json:"-"`
	MobileAddress string    `json:"mobileAddress,omitempty"` // discovered lazily
	Active        bool      `json:"active"`
	Created       time.Time `json:"created"`
}

// HealthSnapshot is one code-health observation point.
type HealthSnapshot struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agentId"`
	ProjectID    string    `json:"projectId"`
	TscErrors    int       `json:"tscErrors"`
	TestFailures int       `json:"testFailures"`
	Todos        int       `json:"todos"`
	Fixmes       int       `json:"fixmes"`
	Hacks        int       `json:"hacks"`
	LargeFiles   int       `json:"largeFiles"`
	OutdatedDeps int       `json:"outdatedDeps"`
	TscPassed    bool      `json:"tscPassed"`
	TestsPassed  bool      `json:"testsPassed"`
	CollectedAt  time.Time `json:"collectedAt"`
}

// Notification is one persisted owner notification.
type Notification struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	SessionID string    `json:"sessionId,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	Level     string    `json:"level"` // info | warning | success | error
	Created   time.Time `json:"created"`
}

// NotificationChannel binds an agent to one delivery adapter.
type NotificationChannel struct {
	ID      string         `json:"id"`
	AgentID string         `json:"agentId"`
	Kind    string         `json:"kind"` // discord | telegram | github | algochat | slack
	Config  map[string]any `json:"config"`
	Active  bool           `json:"active"`
}

// CreditBalance tracks an external address's prepaid credits.
type CreditBalance struct {
	Address string    `json:"address"`
	Credits int64     `json:"credits"`
	Updated time.Time `json:"updated"`
}

// CreditTransaction is one ledger entry (positive = deposit/grant,
// negative = consumption).
type CreditTransaction struct {
	RowID   int64     `json:"rowId"`
	Address string    `json:"address"`
	Delta   int64     `json:"delta"`
	Reason  string    `json:"reason"`
	Created time.Time `json:"created"`
}

// WorkTask is an agent session bound to a fresh git branch.
type WorkTask struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agentId"`
	Description string    `json:"description"`
	Branch      string    `json:"branch"`
	SessionID   string    `json:"sessionId,omitempty"`
	Status      string    `json:"status"`
	Created     time.Time `json:"created"`
}

// WebhookRegistration configures one inbound webhook endpoint.
type WebhookRegistration struct {
	ID      string    `json:"id"`
	AgentID string    `json:"agentId"`
	Name    string    `json:"name"`
	Secret  string    `json:"-"`
	Prompt  string    `json:"prompt,omitempty"`
	Active  bool      `json:"active"`
	Created time.Time `json:"created"`
}

// WebhookDelivery records one received webhook payload.
type WebhookDelivery struct {
	ID        string    `json:"id"`
	WebhookID string    `json:"webhookId"`
	EventKey  string    `json:"eventKey"`
	Payload   string    `json:"payload"`
	SessionID string    `json:"sessionId,omitempty"`
	Status    string    `json:"status"` // delivered | duplicate | failed
	Created   time.Time `json:"created"`
}
