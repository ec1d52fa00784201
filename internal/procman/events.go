package procman

import (
	"encoding/json"
	"fmt"
)

// Event types produced by agent sub-processes on stdout (newline-delimited
// JSON). The manager recognises these and forwards everything else verbatim
// through Raw.
const (
	EventAssistant         = "assistant"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventToolStatus        = "tool_status"
	EventToolUse           = "tool_use"
	EventResult            = "result"
	EventApprovalRequest   = "approval_request"
	EventSessionExited     = "session_exited"
	EventError             = "error"
)

// Event is the tagged variant over the sub-process stream. Fields are
// populated according to Type; Raw always carries the original line.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// content_block_start / content_block_delta / tool_use
	BlockType string          `json:"block_type,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool_status
	Message string `json:"message,omitempty"`

	// result
	CostUSD float64 `json:"total_cost_usd,omitempty"`
	Result  string  `json:"result,omitempty"`
	IsError bool    `json:"is_error,omitempty"`

	// approval_request
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`

	// session_exited
	ExitCode int `json:"exit_code,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseEvent decodes one NDJSON line into the tagged variant.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("parse event: missing type")
	}
	ev.Raw = append(json.RawMessage(nil), line...)
	return ev, nil
}

// isActivity reports whether the event re-arms the inactivity timer.
func isActivity(t string) bool {
	switch t {
	case EventAssistant, EventContentBlockStart, EventContentBlockDelta,
		EventContentBlockStop, EventToolStatus, EventResult:
		return true
	}
	return false
}
