package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawfleet/internal/config"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func githubEnabled(c *config.Config) { c.Webhooks.GithubEnabled = true }

func createWebhook(t *testing.T, g *gwSetup, body string) store.WebhookRegistration {
	t.Helper()
	status, resp := g.post(t, "/api/webhooks", body, nil)
	if status != http.StatusCreated {
		t.Fatalf("create webhook: %d %s", status, resp)
	}
	var reg store.WebhookRegistration
	if err := json.Unmarshal([]byte(resp), &reg); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestWebhookCRUD(t *testing.T) {
	g := newGatewaySetup(t, githubEnabled)

	reg := createWebhook(t, g, `{"agentId":"a1","name":"ci","prompt":"Check the build."}`)
	if reg.ID == "" || !reg.Active {
		t.Fatalf("reg = %+v", reg)
	}

	status, body := g.get(t, "/api/webhooks/"+reg.ID, nil)
	if status != http.StatusOK || !strings.Contains(body, `"name":"ci"`) {
		t.Fatalf("get: %d %s", status, body)
	}

	req, _ := http.NewRequest(http.MethodPut, g.url("/api/webhooks/"+reg.ID),
		strings.NewReader(`{"name":"ci-main","active":false}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	updated, err := g.store.GetWebhook(context.Background(), reg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "ci-main" || updated.Active {
		t.Fatalf("updated = %+v", updated)
	}

	req, _ = http.NewRequest(http.MethodDelete, g.url("/api/webhooks/"+reg.ID), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if _, err := g.store.GetWebhook(context.Background(), reg.ID); err != store.ErrNotFound {
		t.Fatalf("after delete: %v", err)
	}

	if status, _ := g.get(t, "/api/webhooks/"+reg.ID, nil); status != http.StatusNotFound {
		t.Fatalf("get deleted status = %d", status)
	}
}

func TestWebhookCreateRejectsUnknownAgent(t *testing.T) {
	g := newGatewaySetup(t, nil)
	status, _ := g.post(t, "/api/webhooks", `{"agentId":"ghost","name":"x"}`, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
}

func TestGithubWebhookDisabled(t *testing.T) {
	g := newGatewaySetup(t, nil) // default: disabled
	status, body := g.post(t, "/webhooks/github", `{}`, nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body = %s", status, body)
	}
}

func TestGithubWebhookDeliveryAndReplay(t *testing.T) {
	g := newGatewaySetup(t, githubEnabled)
	reg := createWebhook(t, g, `{"agentId":"a1","name":"ci","prompt":"Look at the push."}`)

	headers := map[string]string{
		"X-GitHub-Event":    "push",
		"X-GitHub-Delivery": "d-123",
	}
	status, body := g.post(t, "/webhooks/github", `{"ref":"refs/heads/main"}`, headers)
	if status != http.StatusOK || !strings.Contains(body, `"delivered":1`) {
		t.Fatalf("first delivery: %d %s", status, body)
	}

	calls := g.dispatcher.waitForCalls(t, 1)
	if calls[0].source != "webhook" || calls[0].senderID != "webhook:"+reg.ID ||
		!strings.Contains(calls[0].text, "Look at the push.") {
		t.Fatalf("dispatch = %+v", calls[0])
	}

	// Replay of the same delivery id is recorded but not re-dispatched.
	status, body = g.post(t, "/webhooks/github", `{"ref":"refs/heads/main"}`, headers)
	if status != http.StatusOK || !strings.Contains(body, `"delivered":0`) {
		t.Fatalf("replay: %d %s", status, body)
	}
	if g.dispatcher.callCount() != 1 {
		t.Fatalf("replay dispatched again")
	}

	deliveries, err := g.store.ListWebhookDeliveries(context.Background(), reg.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("deliveries = %d", len(deliveries))
	}
	statuses := map[string]bool{}
	for _, d := range deliveries {
		statuses[d.Status] = true
		if d.EventKey != "push" {
			t.Fatalf("event key = %q", d.EventKey)
		}
	}
	if !statuses["delivered"] || !statuses["duplicate"] {
		t.Fatalf("statuses = %v", statuses)
	}

	// The all-deliveries listing sees them too.
	statusCode, body := g.get(t, "/api/webhooks/deliveries", nil)
	if statusCode != http.StatusOK || !strings.Contains(body, "d-") {
		t.Fatalf("all deliveries: %d %s", statusCode, body)
	}
}

func TestGithubWebhookSignatureEnforced(t *testing.T) {
	g := newGatewaySetup(t, githubEnabled)
	createWebhook(t, g, `{"agentId":"a1","name":"signed","secret":"topsecret","prompt":"go"}`)

	payload := `{"action":"opened"}`
	headers := map[string]string{
		"X-GitHub-Event":      "pull_request",
		"X-GitHub-Delivery":   "d-sig-1",
		"X-Hub-Signature-256": "sha256=deadbeef",
	}
	status, body := g.post(t, "/webhooks/github", payload, headers)
	if status != http.StatusOK || !strings.Contains(body, `"delivered":0`) {
		t.Fatalf("bad signature delivered: %d %s", status, body)
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write([]byte(payload))
	headers["X-Hub-Signature-256"] = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	headers["X-GitHub-Delivery"] = "d-sig-2"
	status, body = g.post(t, "/webhooks/github", payload, headers)
	if status != http.StatusOK || !strings.Contains(body, `"delivered":1`) {
		t.Fatalf("good signature rejected: %d %s", status, body)
	}
}
