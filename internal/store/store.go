package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// AgentStore manages agent identities.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByName(ctx context.Context, name string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	// ListAlgoChatAgents returns algochat-enabled agents, auto-first.
	ListAlgoChatAgents(ctx context.Context) ([]*Agent, error)
}

// ProjectStore manages working-directory roots.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
}

// SessionStore manages sessions and their messages. Deleting a session
// cascades to its messages and clears conversation references.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string, pid *int) error
	AddSessionUsage(ctx context.Context, id string, costUSD float64, turns int, credits int64) error
	AddSessionAlgoSpend(ctx context.Context, id string, micro int64) error
	ListSessionsByLaunch(ctx context.Context, launchID string) ([]*Session, error)
	CountActiveSessions(ctx context.Context) (int, error)
	DeleteSession(ctx context.Context, id string) error

	AddMessage(ctx context.Context, m *SessionMessage) error
	ListMessages(ctx context.Context, sessionID string) ([]*SessionMessage, error)
	LastAssistantMessage(ctx context.Context, sessionID string) (*SessionMessage, error)
}

// CouncilStore manages councils, launches, and discussion transcripts.
type CouncilStore interface {
	CreateCouncil(ctx context.Context, c *Council) error
	GetCouncil(ctx context.Context, id string) (*Council, error)
	GetCouncilByName(ctx context.Context, name string) (*Council, error)
	ListCouncils(ctx context.Context) ([]*Council, error)

	CreateLaunch(ctx context.Context, l *CouncilLaunch) error
	GetLaunch(ctx context.Context, id string) (*CouncilLaunch, error)
	UpdateLaunchStage(ctx context.Context, id, stage string) error
	SetLaunchSynthesis(ctx context.Context, id, synthesis string) error
	SetLaunchError(ctx context.Context, id, errMsg string) error

	AddDiscussionMessage(ctx context.Context, m *DiscussionMessage) error
	ListDiscussionMessages(ctx context.Context, launchID string) ([]*DiscussionMessage, error)
}

// ConversationStore manages participant→agent/session bindings.
type ConversationStore interface {
	GetConversation(ctx context.Context, participantAddr string) (*Conversation, error)
	UpsertConversation(ctx context.Context, c *Conversation) error
	SetConversationSession(ctx context.Context, id, agentID, sessionID string) error
	// SetConversationRound raises lastRound; lower values are ignored.
	SetConversationRound(ctx context.Context, id string, round uint64) error
	CountConversations(ctx context.Context) (int, error)
}

// WorkflowStore manages workflows, runs, and node runs.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	CreateRun(ctx context.Context, r *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, r *WorkflowRun) error

	// CreateNodeRun inserts a node run; returns (false, nil) when a run for
	// (RunID, NodeID) already exists.
	CreateNodeRun(ctx context.Context, nr *WorkflowNodeRun) (bool, error)
	UpdateNodeRun(ctx context.Context, nr *WorkflowNodeRun) error
	ListNodeRuns(ctx context.Context, runID string) ([]*WorkflowNodeRun, error)
}

// ScheduleStore manages schedules and execution records.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)
	// ClaimSchedule advances nextRunAt from prev to next atomically; returns
	// false when another tick already claimed it.
	ClaimSchedule(ctx context.Context, id string, prev, next time.Time) (bool, error)
	UpdateScheduleNextRun(ctx context.Context, id string, next time.Time) error
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	AddScheduleExecution(ctx context.Context, e *ScheduleExecution) error
	ListScheduleExecutions(ctx context.Context, scheduleID string, limit int) ([]*ScheduleExecution, error)
}

// DedupEntry is one persisted dedup key.
type DedupEntry struct {
	Key       string
	ExpiresAt time.Time
}

// DedupStore persists dedup namespaces across restarts. A flush replaces the
// namespace wholesale (DELETE + bulk INSERT) inside one transaction.
type DedupStore interface {
	ReplaceDedupNamespace(ctx context.Context, namespace string, entries []DedupEntry) error
	LoadDedupNamespace(ctx context.Context, namespace string, now time.Time) ([]DedupEntry, error)
}

// HealthStore manages code-health snapshots.
type HealthStore interface {
	SaveHealthSnapshot(ctx context.Context, s *HealthSnapshot) error
	RecentHealthSnapshots(ctx context.Context, agentID, projectID string, limit int) ([]*HealthSnapshot, error)
}

// NotificationStore persists notifications and channel bindings.
type NotificationStore interface {
	AddNotification(ctx context.Context, n *Notification) error
	CreateNotificationChannel(ctx context.Context, c *NotificationChannel) error
	// ListNotificationChannels returns the agent's active channels.
	ListNotificationChannels(ctx context.Context, agentID string) ([]*NotificationChannel, error)
}

// CreditStore manages prepaid credit balances and the ledger.
type CreditStore interface {
	GetCreditBalance(ctx context.Context, address string) (int64, error)
	// AddCredits applies a signed delta and writes a ledger entry.
	AddCredits(ctx context.Context, address string, delta int64, reason string) error
	ListCreditTransactions(ctx context.Context, address string, limit int) ([]*CreditTransaction, error)
}

// PSKStore manages pre-shared-key contacts and ratchet state.
type PSKStore interface {
	CreatePSKContact(ctx context.Context, c *PSKContact) error
	ListPSKContacts(ctx context.Context, activeOnly bool) ([]*PSKContact, error)
	// ListUnmatchedPSKContacts returns active contacts with no discovered
	// mobile address yet.
	ListUnmatchedPSKContacts(ctx context.Context) ([]*PSKContact, error)
	SetPSKContactAddress(ctx context.Context, id, mobileAddress string) error
	// DeactivatePSKContactsByAddress stops any prior claimant of the address
	// on the network and deletes its ratchet state.
	DeactivatePSKContactsByAddress(ctx context.Context, network, address, exceptID string) error
	GetPSKState(ctx context.Context, addressKey string) ([]byte, error)
	SetPSKState(ctx context.Context, addressKey string, state []byte) error
	DeletePSKState(ctx context.Context, addressKey string) error
}

// SpendStore tracks the daily ALGO fee budget ledger.
type SpendStore interface {
	AddAlgoSpend(ctx context.Context, day string, micro int64) error
	AlgoSpentOn(ctx context.Context, day string) (int64, error)
}

// WorkTaskStore manages work tasks and their daily cap.
type WorkTaskStore interface {
	CreateWorkTask(ctx context.Context, t *WorkTask) error
	CountWorkTasksToday(ctx context.Context) (int, error)
}

// WebhookStore manages webhook registrations and deliveries.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *WebhookRegistration) error
	GetWebhook(ctx context.Context, id string) (*WebhookRegistration, error)
	UpdateWebhook(ctx context.Context, w *WebhookRegistration) error
	DeleteWebhook(ctx context.Context, id string) error
	ListWebhooks(ctx context.Context) ([]*WebhookRegistration, error)
	AddWebhookDelivery(ctx context.Context, d *WebhookDelivery) error
	// ListWebhookDeliveries filters by webhook id; empty id returns all.
	ListWebhookDeliveries(ctx context.Context, webhookID string, limit int) ([]*WebhookDelivery, error)
}

// Store is the full persistence surface backed by the embedded database.
type Store interface {
	AgentStore
	ProjectStore
	SessionStore
	CouncilStore
	ConversationStore
	WorkflowStore
	ScheduleStore
	DedupStore
	HealthStore
	NotificationStore
	CreditStore
	PSKStore
	SpendStore
	WorkTaskStore
	WebhookStore

	Close() error
}
