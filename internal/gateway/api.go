package gateway

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/algochat"
	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

const agentCardTTL = 5 * time.Minute

func busEvent(topic, eventType string, payload map[string]any) bus.Event {
	return bus.Event{Topic: topic, Type: eventType, Payload: payload}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
		"uptimeS":  int(time.Since(s.started).Seconds()),
	})
}

// handleMetrics renders the registry. Admin bearer auth applies only when
// ADMIN_API_KEY is configured.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if key := s.cfg.Gateway.AdminAPIKey; key != "" {
		if r.Header.Get("Authorization") != "Bearer "+key {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprint(w, s.metrics.Render())
}

// handleAgentCard serves the public A2A advertisement, rebuilt at most every
// five minutes.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	s.cardMu.Lock()
	if s.cardPayload == nil || time.Now().After(s.cardExpires) {
		payload, err := s.buildAgentCard(r)
		if err != nil {
			s.cardMu.Unlock()
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "agent card unavailable"})
			return
		}
		s.cardPayload = payload
		s.cardExpires = time.Now().Add(agentCardTTL)
	}
	payload := s.cardPayload
	s.cardMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Write(payload)
}

func (s *Server) buildAgentCard(r *http.Request) ([]byte, error) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		return nil, err
	}
	skills := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		skill := map[string]any{"id": a.ID, "name": a.Name}
		if a.Model != "" {
			skill["model"] = a.Model
		}
		skills = append(skills, skill)
	}
	card := map[string]any{
		"name":            "clawfleet",
		"description":     "Multi-agent orchestration server with councils, workflows, and on-chain chat.",
		"protocolVersion": protocol.ProtocolVersion,
		"capabilities": map[string]any{
			"streaming": true,
			"councils":  true,
			"workflows": true,
			"schedules": s.cfg.Scheduler.Enabled,
			"algochat":  s.cfg.AlgoChat.Enabled,
		},
		"skills": skills,
	}
	return json.Marshal(card)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// providerModels is the static advertisement of sub-process runtimes the
// server knows how to drive.
var providerModels = map[string][]string{
	"claude": {"sonnet", "opus", "haiku"},
	"ollama": {"llama3.1", "qwen2.5-coder", "mistral"},
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := make([]map[string]any, 0, len(providerModels))
	for _, t := range []string{"claude", "ollama"} {
		providers = append(providers, map[string]any{"type": t, "models": providerModels[t]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	models, ok := providerModels[r.PathValue("type")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown provider type"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleTriggerWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "workflow engine disabled"})
		return
	}
	var body struct {
		Input map[string]any `json:"input"`
	}
	// An empty body means no run input.
	if err := readJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body"})
		return
	}
	run, err := s.workflows.Trigger(r.Context(), r.PathValue("id"), body.Input)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "workflow engine disabled"})
		return
	}
	cancelled := s.workflows.Cancel(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "scheduler disabled"})
		return
	}
	var sch store.Schedule
	if err := readJSON(r, &sch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body"})
		return
	}
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	if sch.Status == "" {
		sch.Status = "active"
	}
	if err := s.scheduler.Validate(&sch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if sch.NextRunAt.IsZero() {
		sch.NextRunAt = time.Now().UTC()
	}
	if err := s.store.CreateSchedule(r.Context(), &sch); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.bus.Broadcast(busEvent(protocol.TopicOwner, protocol.EventScheduleUpdate, map[string]any{
		"scheduleId": sch.ID,
		"name":       sch.Name,
		"status":     sch.Status,
	}))
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.ListScheduleExecutions(r.Context(), r.PathValue("id"), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	if s.questions == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "questions disabled"})
		return
	}
	var body struct {
		Answer string `json:"answer"`
	}
	if err := readJSON(r, &body); err != nil || body.Answer == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "answer required"})
		return
	}
	if !s.questions.Resolve(r.PathValue("shortId"), body.Answer) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no pending question with that id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleCreatePSKInvite mints a contact with a fresh pre-shared key and
// returns the out-of-band exchange URI.
func (s *Server) handleCreatePSKInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Nickname string `json:"nickname"`
		Network  string `json:"network"`
	}
	if err := readJSON(r, &body); err != nil || body.Nickname == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "nickname required"})
		return
	}
	if body.Network == "" {
		body.Network = s.cfg.AlgoChat.Network
	}

	psk := make([]byte, 32)
	if _, err := rand.Read(psk); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "entropy unavailable"})
		return
	}
	contact := &store.PSKContact{
		ID:         uuid.NewString(),
		Nickname:   body.Nickname,
		Network:    body.Network,
		InitialPSK: psk,
		Active:     true,
	}
	if err := s.store.CreatePSKContact(r.Context(), contact); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	invite := algochat.PSKInvite{
		Address: s.cfg.AlgoChat.OwnerAddress,
		PSK:     psk,
		Label:   body.Nickname,
		Network: body.Network,
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       contact.ID,
		"nickname": contact.Nickname,
		"network":  contact.Network,
		"uri":      invite.URI(),
	})
}

func (s *Server) handleListPSKContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.store.ListPSKContacts(r.Context(), false)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}
