package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

const (
	minAskTimeout     = 1 * time.Minute
	maxAskTimeout     = 10 * time.Minute
	defaultAskTimeout = 5 * time.Minute
)

// NoResponse is the answer returned when nobody replied in time.
const NoResponse = "(no response)"

// Question is one blocking ask-owner request. Timeout is clamped to
// [1,10] minutes; zero means the 5-minute default.
type Question struct {
	AgentID   string
	SessionID string
	Question  string
	Options   []string
	Context   string
	Timeout   time.Duration
}

type pendingQuestion struct {
	answer chan string
}

// Ask dispatches the question to the agent's channels and the owner
// topic, then blocks until an answer correlated by short id arrives or
// the timeout elapses. Timeouts resolve to NoResponse, not an error.
// Many questions may be pending at once; each resolves exactly once.
func (s *Service) Ask(ctx context.Context, q Question) (string, error) {
	if strings.TrimSpace(q.Question) == "" {
		return "", fmt.Errorf("question is empty")
	}
	timeout := q.Timeout
	if timeout == 0 {
		timeout = defaultAskTimeout
	}
	if timeout < s.timeoutFloor {
		timeout = s.timeoutFloor
	}
	if timeout > maxAskTimeout {
		timeout = maxAskTimeout
	}

	shortID := newShortID()
	pending := &pendingQuestion{answer: make(chan string, 1)}
	s.mu.Lock()
	s.pending[shortID] = pending
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, shortID)
		s.mu.Unlock()
	}()

	text := formatQuestion(shortID, q)
	s.dispatch(ctx, q.AgentID, text)
	payload := map[string]any{
		"shortId":  shortID,
		"agentId":  q.AgentID,
		"question": q.Question,
	}
	if len(q.Options) > 0 {
		payload["options"] = q.Options
	}
	if q.SessionID != "" {
		payload["sessionId"] = q.SessionID
	}
	s.bus.Broadcast(bus.Event{
		Topic:   protocol.TopicOwner,
		Type:    protocol.EventAgentQuestion,
		Payload: payload,
	})
	s.log.Info("notify: question pending", "shortId", shortID, "agent", q.AgentID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		s.log.Info("notify: question timed out", "shortId", shortID)
		return NoResponse, nil
	case answer := <-pending.answer:
		return answer, nil
	}
}

// AskOwner is the plain-text form used by the scheduler's approval gate.
func (s *Service) AskOwner(ctx context.Context, question string, timeout time.Duration) (string, error) {
	return s.Ask(ctx, Question{Question: question, Timeout: timeout})
}

// Resolve answers the pending question with the given short id. The
// first resolution wins; later calls and unknown ids return false.
func (s *Service) Resolve(shortID, answer string) bool {
	s.mu.Lock()
	pending, ok := s.pending[strings.ToLower(shortID)]
	if ok {
		delete(s.pending, strings.ToLower(shortID))
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	pending.answer <- answer
	s.log.Info("notify: question answered", "shortId", shortID)
	return true
}

// PendingShortIDs lists currently unanswered question ids.
func (s *Service) PendingShortIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

func newShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func formatQuestion(shortID string, q Question) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question [%s]: %s", shortID, q.Question)
	if len(q.Options) > 0 {
		b.WriteString("\nOptions: ")
		b.WriteString(strings.Join(q.Options, " | "))
	}
	if q.Context != "" {
		b.WriteString("\nContext: ")
		b.WriteString(q.Context)
	}
	fmt.Fprintf(&b, "\nReply with %s and your answer.", shortID)
	return b.String()
}
