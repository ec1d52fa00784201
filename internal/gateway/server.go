// Package gateway is the HTTP/WebSocket front door: topic-filtered event
// fan-out on /ws, the REST control plane under /api, inbound webhook and
// Slack ingress, Prometheus-style metrics, and the public agent card.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/config"
	"github.com/nextlevelbuilder/clawfleet/internal/dedup"
	"github.com/nextlevelbuilder/clawfleet/internal/notify"
	"github.com/nextlevelbuilder/clawfleet/internal/scheduler"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/internal/workflow"
)

// Dedup namespaces owned by the gateway.
const (
	nsSlackEvents     = "slack-events"
	nsWebhookDelivery = "webhook-delivery"
)

// Dispatcher routes an inbound text message to an agent session. senderID is
// a stable external identity ("slack:U123", "webhook:<id>") used for
// conversation continuity.
type Dispatcher interface {
	DispatchText(ctx context.Context, source, senderID, text string) error
}

// Server is the gateway server handling WebSocket and HTTP connections.
type Server struct {
	cfg   *config.Config
	bus   bus.Publisher
	store store.Store
	dedup *dedup.Service
	log   *slog.Logger

	// Optional collaborators, wired by the serve command.
	workflows      *workflow.Engine
	scheduler      *scheduler.Scheduler
	questions      *notify.Service
	dispatcher     Dispatcher
	activeSessions func() int

	upgrader websocket.Upgrader
	metrics  *Metrics
	limiter  *rate.Limiter // global API limiter, nil when disabled

	mu      sync.RWMutex
	clients map[string]*client

	cardMu      sync.Mutex
	cardPayload []byte
	cardExpires time.Time

	slackMu       sync.Mutex
	slackLimiters map[string]*rate.Limiter

	middleware func(http.Handler) http.Handler

	started    time.Time
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. Optional collaborators are attached
// with the Set* methods before Start.
func NewServer(cfg *config.Config, pub bus.Publisher, st store.Store, ded *dedup.Service, log *slog.Logger) *Server {
	s := &Server{
		cfg:           cfg,
		bus:           pub,
		store:         st,
		dedup:         ded,
		log:           log,
		clients:       make(map[string]*client),
		slackLimiters: make(map[string]*rate.Limiter),
		metrics:       NewMetrics(),
		started:       time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	if rps := cfg.Gateway.RateLimitRPS; rps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rps), rps*2)
	}

	ded.Register(nsSlackEvents, dedup.Options{})
	ded.Register(nsWebhookDelivery, dedup.Options{})

	s.metrics.RegisterGauge("clawfleet_ws_clients", func() int64 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return int64(len(s.clients))
	})
	s.metrics.RegisterGauge("clawfleet_sessions_active", func() int64 {
		if s.activeSessions == nil {
			return 0
		}
		return int64(s.activeSessions())
	})
	return s
}

// SetWorkflowEngine enables the workflow trigger/cancel API.
func (s *Server) SetWorkflowEngine(e *workflow.Engine) { s.workflows = e }

// SetScheduler enables the schedule API.
func (s *Server) SetScheduler(sch *scheduler.Scheduler) { s.scheduler = sch }

// SetQuestionService enables answering pending owner questions over HTTP.
func (s *Server) SetQuestionService(n *notify.Service) { s.questions = n }

// SetDispatcher routes Slack and webhook text into agent sessions.
func (s *Server) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// SetActiveSessionsFn feeds the sessions-active metrics gauge.
func (s *Server) SetActiveSessionsFn(fn func() int) { s.activeSessions = fn }

// SetHTTPMiddleware wraps the whole mux, e.g. with request tracing.
func (s *Server) SetHTTPMiddleware(mw func(http.Handler) http.Handler) { s.middleware = mw }

// Metrics exposes the counter registry to other components.
func (s *Server) Metrics() *Metrics { return s.metrics }

// handler applies the optional middleware around the mux.
func (s *Server) handler() http.Handler {
	var h http.Handler = s.BuildMux()
	if s.middleware != nil {
		h = s.middleware(h)
	}
	return h
}

// checkOrigin validates the browser Origin against the configured allowlist.
// Missing Origin (CLI, SDK, curl) always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	s.log.Warn("gateway: origin rejected", "origin", origin)
	return false
}

// authorized checks the client token as a bearer header or ?token= query.
// An empty configured token disables auth.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}
	if r.Header.Get("Authorization") == "Bearer "+token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
}

// requireAuth wraps an API handler with token auth, the global rate limiter,
// and the request counter.
func (s *Server) requireAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Inc("clawfleet_http_requests_total")
		if !s.authorized(r) {
			unauthorized(w)
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		h(w, r)
	}
}

// public wraps an unauthenticated handler with the request counter only.
func (s *Server) public(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Inc("clawfleet_http_requests_total")
		h(w, r)
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/health", s.public(s.handleHealth))
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /.well-known/agent-card.json", s.public(s.handleAgentCard))

	mux.HandleFunc("GET /api/agents", s.requireAuth(s.handleListAgents))
	mux.HandleFunc("GET /api/providers", s.requireAuth(s.handleListProviders))
	mux.HandleFunc("GET /api/providers/{type}/models", s.requireAuth(s.handleProviderModels))

	mux.HandleFunc("POST /api/workflows/{id}/trigger", s.requireAuth(s.handleTriggerWorkflow))
	mux.HandleFunc("POST /api/workflows/runs/{id}/cancel", s.requireAuth(s.handleCancelRun))
	mux.HandleFunc("POST /api/schedules", s.requireAuth(s.handleCreateSchedule))
	mux.HandleFunc("GET /api/schedules", s.requireAuth(s.handleListSchedules))
	mux.HandleFunc("GET /api/schedules/{id}/executions", s.requireAuth(s.handleListExecutions))
	mux.HandleFunc("POST /api/questions/{shortId}/answer", s.requireAuth(s.handleAnswerQuestion))

	mux.HandleFunc("POST /api/psk/invites", s.requireAuth(s.handleCreatePSKInvite))
	mux.HandleFunc("GET /api/psk/contacts", s.requireAuth(s.handleListPSKContacts))

	mux.HandleFunc("POST /api/webhooks", s.requireAuth(s.handleCreateWebhook))
	mux.HandleFunc("GET /api/webhooks", s.requireAuth(s.handleListWebhooks))
	mux.HandleFunc("GET /api/webhooks/deliveries", s.requireAuth(s.handleAllDeliveries))
	mux.HandleFunc("GET /api/webhooks/{id}", s.requireAuth(s.handleGetWebhook))
	mux.HandleFunc("PUT /api/webhooks/{id}", s.requireAuth(s.handleUpdateWebhook))
	mux.HandleFunc("DELETE /api/webhooks/{id}", s.requireAuth(s.handleDeleteWebhook))
	mux.HandleFunc("GET /api/webhooks/{id}/deliveries", s.requireAuth(s.handleWebhookDeliveries))

	mux.HandleFunc("POST /webhooks/github", s.public(s.handleGithubWebhook))
	mux.HandleFunc("POST /api/slack/events", s.public(s.handleSlackEvents))

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.handler()}

	s.log.Info("gateway: starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// StartTest listens on an ephemeral localhost port and serves in the
// background until ctx is cancelled. Returns the bound address.
func (s *Server) StartTest(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.httpServer = &http.Server{Handler: s.handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	go s.httpServer.Serve(ln)
	return ln.Addr().String(), nil
}

// handleWebSocket authenticates, upgrades, and runs one client connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		unauthorized(w)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, s.log, s.metrics)
	s.registerClient(c)
	defer func() {
		s.unregisterClient(c)
		c.close()
	}()
	c.run()
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.id, func(ev bus.Event) {
		c.deliver(ev)
	})
	s.log.Info("gateway: client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *client) {
	s.bus.Unsubscribe(c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.log.Info("gateway: client disconnected", "id", c.id)
}
