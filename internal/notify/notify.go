// Package notify persists owner notifications and fans them out to the
// agent's configured delivery channels, hosts the blocking ask-owner
// question flow, and computes code-health trends.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

// Notification levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelSuccess = "success"
	LevelError   = "error"
)

// Sender delivers one text message to an endpoint described by a
// channel's opaque config.
type Sender interface {
	Kind() string
	Send(ctx context.Context, config map[string]any, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc struct {
	Name string
	Fn   func(ctx context.Context, config map[string]any, text string) error
}

func (s SenderFunc) Kind() string { return s.Name }

func (s SenderFunc) Send(ctx context.Context, config map[string]any, text string) error {
	return s.Fn(ctx, config, text)
}

// Service is the notification fan-out and ask-owner hub.
type Service struct {
	store store.NotificationStore
	bus   bus.Publisher
	log   *slog.Logger

	mu      sync.Mutex
	senders map[string]Sender
	pending map[string]*pendingQuestion

	// timeoutFloor is the minimum ask timeout; tests lower it.
	timeoutFloor time.Duration
}

// New creates a notification service with no senders registered.
func New(st store.NotificationStore, pub bus.Publisher, log *slog.Logger) *Service {
	return &Service{
		store:        st,
		bus:          pub,
		log:          log,
		senders:      make(map[string]Sender),
		pending:      make(map[string]*pendingQuestion),
		timeoutFloor: minAskTimeout,
	}
}

// RegisterSender binds a delivery adapter for one channel kind,
// replacing any previous adapter of that kind.
func (s *Service) RegisterSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.senders[sender.Kind()] = sender
}

// Request is one notification to deliver.
type Request struct {
	AgentID   string
	SessionID string
	Title     string
	Message   string
	Level     string
}

// Notify persists the notification, attempts delivery on every active
// channel the agent has configured, and broadcasts it on the owner
// topic. It returns the notification id and the channel kinds actually
// attempted.
func (s *Service) Notify(ctx context.Context, req Request) (string, []string, error) {
	if req.Message == "" {
		return "", nil, fmt.Errorf("notification message is empty")
	}
	switch req.Level {
	case LevelInfo, LevelWarning, LevelSuccess, LevelError:
	case "":
		req.Level = LevelInfo
	default:
		return "", nil, fmt.Errorf("unknown notification level %q", req.Level)
	}

	n := &store.Notification{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		Title:     req.Title,
		Message:   req.Message,
		Level:     req.Level,
	}
	if err := s.store.AddNotification(ctx, n); err != nil {
		return "", nil, fmt.Errorf("persist notification: %w", err)
	}

	text := req.Message
	if req.Title != "" {
		text = req.Title + "\n" + req.Message
	}
	attempted := s.dispatch(ctx, req.AgentID, text)

	payload := map[string]any{
		"notificationId": n.ID,
		"agentId":        req.AgentID,
		"message":        req.Message,
		"level":          req.Level,
	}
	if req.Title != "" {
		payload["title"] = req.Title
	}
	if req.SessionID != "" {
		payload["sessionId"] = req.SessionID
	}
	s.bus.Broadcast(bus.Event{
		Topic:   protocol.TopicOwner,
		Type:    protocol.EventAgentNotification,
		Payload: payload,
	})
	return n.ID, attempted, nil
}

// dispatch sends text over every active channel that has a registered
// sender, returning the kinds attempted.
func (s *Service) dispatch(ctx context.Context, agentID, text string) []string {
	channels, err := s.store.ListNotificationChannels(ctx, agentID)
	if err != nil {
		s.log.Warn("notify: channel list failed", "agent", agentID, "error", err)
		return nil
	}
	var attempted []string
	for _, ch := range channels {
		if !ch.Active {
			continue
		}
		s.mu.Lock()
		sender, ok := s.senders[ch.Kind]
		s.mu.Unlock()
		if !ok {
			continue
		}
		attempted = append(attempted, ch.Kind)
		if err := sender.Send(ctx, ch.Config, text); err != nil {
			s.log.Warn("notify: delivery failed", "agent", agentID, "kind", ch.Kind, "error", err)
		}
	}
	return attempted
}
