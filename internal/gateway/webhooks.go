package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

const maxWebhookPayload = 256 * 1024

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agentId"`
		Name    string `json:"name"`
		Secret  string `json:"secret"`
		Prompt  string `json:"prompt"`
	}
	if err := readJSON(r, &body); err != nil || body.AgentID == "" || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "agentId and name required"})
		return
	}
	if _, err := s.store.GetAgent(r.Context(), body.AgentID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown agent"})
		return
	}
	reg := &store.WebhookRegistration{
		ID:      uuid.NewString(),
		AgentID: body.AgentID,
		Name:    body.Name,
		Secret:  body.Secret,
		Prompt:  body.Prompt,
		Active:  true,
	}
	if err := s.store.CreateWebhook(r.Context(), reg); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	regs, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": regs})
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	reg, err := s.store.GetWebhook(r.Context(), r.PathValue("id"))
	if err != nil {
		writeWebhookErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	reg, err := s.store.GetWebhook(r.Context(), r.PathValue("id"))
	if err != nil {
		writeWebhookErr(w, err)
		return
	}
	var body struct {
		Name   *string `json:"name"`
		Secret *string `json:"secret"`
		Prompt *string `json:"prompt"`
		Active *bool   `json:"active"`
	}
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body"})
		return
	}
	if body.Name != nil {
		reg.Name = *body.Name
	}
	if body.Secret != nil {
		reg.Secret = *body.Secret
	}
	if body.Prompt != nil {
		reg.Prompt = *body.Prompt
	}
	if body.Active != nil {
		reg.Active = *body.Active
	}
	if err := s.store.UpdateWebhook(r.Context(), reg); err != nil {
		writeWebhookErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWebhook(r.Context(), r.PathValue("id")); err != nil {
		writeWebhookErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.store.ListWebhookDeliveries(r.Context(), r.PathValue("id"), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleAllDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.store.ListWebhookDeliveries(r.Context(), "", 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func writeWebhookErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "webhook not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

// handleGithubWebhook fans one GitHub delivery out to every active
// registration. Replays of the same delivery id are recorded as duplicates
// and not re-dispatched.
func (s *Server) handleGithubWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Webhooks.GithubEnabled {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "github webhooks disabled"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookPayload))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "payload too large"})
		return
	}
	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	regs, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	delivered := 0
	for _, reg := range regs {
		if !reg.Active {
			continue
		}
		if reg.Secret != "" && !validGithubSignature(reg.Secret, r.Header.Get("X-Hub-Signature-256"), body) {
			s.log.Warn("gateway: webhook signature mismatch", "webhook", reg.ID)
			continue
		}

		status := "delivered"
		if s.dedup.IsDuplicate(nsWebhookDelivery, reg.ID+":"+deliveryID) {
			status = "duplicate"
		}
		d := &store.WebhookDelivery{
			ID:        uuid.NewString(),
			WebhookID: reg.ID,
			EventKey:  event,
			Payload:   string(body),
			Status:    status,
		}
		if err := s.store.AddWebhookDelivery(r.Context(), d); err != nil {
			s.log.Warn("gateway: webhook delivery record failed", "webhook", reg.ID, "error", err)
			continue
		}
		if status != "delivered" {
			continue
		}
		delivered++
		s.metrics.Inc("clawfleet_webhook_deliveries_total")
		s.bus.Broadcast(busEvent(protocol.TopicOwner, protocol.EventWebhookDelivery, map[string]any{
			"webhookId":  reg.ID,
			"deliveryId": d.ID,
			"event":      event,
		}))
		if reg.Prompt != "" && s.dispatcher != nil {
			text := fmt.Sprintf("%s\n\nGitHub event: %s", reg.Prompt, event)
			go s.dispatchAsync("webhook", "webhook:"+reg.ID, text)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "delivered": delivered})
}

func validGithubSignature(secret, header string, body []byte) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}
