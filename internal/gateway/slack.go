package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// slackSignatureWindow bounds replayed-request timestamps.
const slackSignatureWindow = 5 * time.Minute

type slackEventBody struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	EventID   string `json:"event_id"`
	Event     struct {
		Type    string `json:"type"`
		User    string `json:"user"`
		Text    string `json:"text"`
		Channel string `json:"channel"`
		BotID   string `json:"bot_id"`
	} `json:"event"`
}

// handleSlackEvents is the Slack Events API receiver: URL-verification
// challenge echo, signature check, event-id dedup against retries, and a
// per-user rate limit before the text is routed to an agent.
func (s *Server) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "payload too large"})
		return
	}
	if secret := s.cfg.Slack.SigningSecret; secret != "" && !validSlackSignature(secret, r, raw) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "bad signature"})
		return
	}

	var body slackEventBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed body"})
		return
	}

	switch body.Type {
	case "url_verification":
		writeJSON(w, http.StatusOK, map[string]any{"challenge": body.Challenge})
		return
	case "event_callback":
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	s.metrics.Inc("clawfleet_slack_events_total")

	// Slack retries deliveries; the event id makes replays exactly-once.
	if body.EventID != "" && s.dedup.IsDuplicate(nsSlackEvents, body.EventID) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		return
	}

	ev := body.Event
	if ev.BotID != "" || ev.User == "" || ev.Text == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if ev.Type != "message" && ev.Type != "app_mention" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if !s.slackLimiter(ev.User).Allow() {
		s.log.Warn("gateway: slack user rate limited", "user", ev.User)
		s.metrics.Inc("clawfleet_slack_rate_limited_total")
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "rate limited"})
		return
	}

	if s.dispatcher != nil {
		go s.dispatchAsync("slack", "slack:"+ev.User, ev.Text)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// slackLimiter returns the per-user limiter, creating it on first sight.
func (s *Server) slackLimiter(user string) *rate.Limiter {
	s.slackMu.Lock()
	defer s.slackMu.Unlock()
	l, ok := s.slackLimiters[user]
	if !ok {
		rps := s.cfg.Slack.RateLimitRPS
		if rps <= 0 {
			return rate.NewLimiter(rate.Inf, 1)
		}
		l = rate.NewLimiter(rate.Limit(rps), rps)
		s.slackLimiters[user] = l
	}
	return l
}

// dispatchAsync routes ingress text outside the HTTP request lifetime.
func (s *Server) dispatchAsync(source, senderID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.dispatcher.DispatchText(ctx, source, senderID, text); err != nil {
		s.log.Warn("gateway: ingress dispatch failed", "source", source, "sender", senderID, "error", err)
	}
}

// validSlackSignature checks v0 HMAC signing with a bounded timestamp skew.
func validSlackSignature(secret string, r *http.Request, body []byte) bool {
	ts := r.Header.Get("X-Slack-Request-Timestamp")
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(time.Since(time.Unix(unix, 0)).Seconds()) > slackSignatureWindow.Seconds() {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	want := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(r.Header.Get("X-Slack-Signature")))
}
