package protocol

// WebSocket topics a client may subscribe to. Per-session topics use
// TopicSession + ":" + sessionID.
const (
	TopicCouncil  = "council"
	TopicAlgoChat = "algochat"
	TopicOwner    = "owner"
	TopicOllama   = "ollama"
	TopicSession  = "session"
)

// Event types pushed from server to client inside an Envelope.
const (
	EventCouncilStageChange        = "council_stage_change"
	EventCouncilLog                = "council_log"
	EventCouncilDiscussionMessage  = "council_discussion_message"
	EventAgentMessageUpdate        = "agent_message_update"
	EventAlgoChatMessage           = "algochat_message"
	EventAgentNotification         = "agent_notification"
	EventAgentQuestion             = "agent_question"
	EventOllamaPullProgress        = "ollama_pull_progress"
	EventWorkflowUpdate            = "workflow_update"
	EventWorkflowRunUpdate         = "workflow_run_update"
	EventWorkflowNodeUpdate        = "workflow_node_update"
	EventScheduleUpdate            = "schedule_update"
	EventScheduleExecutionUpdate   = "schedule_execution_update"
	EventScheduleApprovalRequest   = "schedule_approval_request"
	EventWebhookDelivery           = "webhook_delivery"
)

// Session streaming event types (per-session topic).
const (
	EventThinking     = "thinking"
	EventStream       = "stream"
	EventToolUse      = "tool_use"
	EventAgentMessage = "agent_message"
	EventSessionExit  = "session_exited"
)
