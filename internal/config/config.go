// Package config holds the server configuration: a JSON5 file overlaid
// with environment variables. Secrets are env-only and never persisted.
package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the clawfleet server.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Agent     AgentConfig     `json:"agent,omitempty"`
	AlgoChat  AlgoChatConfig  `json:"algochat,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	WorkTasks WorkTasksConfig `json:"work_tasks,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Slack     SlackConfig     `json:"slack,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Webhooks  WebhooksConfig  `json:"webhooks,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the HTTP/WebSocket listener.
type GatewayConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	AdminAPIKey string `json:"-"` // from env ADMIN_API_KEY only
	// Token authenticates WebSocket clients (bearer header or ?token= query).
	// Empty disables auth for local development.
	Token        string `json:"-"` // from env GATEWAY_TOKEN only
	RateLimitRPS int    `json:"rate_limit_rps"`
	// AllowedOrigins restricts browser WebSocket connections. Empty allows
	// all origins; non-browser clients (no Origin header) always pass.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// DatabaseConfig locates the embedded database file.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// AgentConfig configures the agent sub-process launcher.
type AgentConfig struct {
	// Command is the argv prefix for agent sessions.
	Command []string `json:"command,omitempty"`
	// SessionTimeoutMin is the per-session inactivity timeout in minutes.
	SessionTimeoutMin int           `json:"session_timeout_min,omitempty"`
	Credits           CreditsConfig `json:"credits,omitempty"`
}

// CreditsConfig prices agent turns for non-owner callers.
type CreditsConfig struct {
	Enabled        bool    `json:"enabled"`
	PerTurn        float64 `json:"per_turn,omitempty"`
	PerAlgo        float64 `json:"per_algo,omitempty"`
	WelcomeCredits int64   `json:"welcome,omitempty"`
}

// AlgoChatConfig configures the on-chain bridge. The mnemonic is env-only.
type AlgoChatConfig struct {
	Enabled       bool   `json:"enabled"`
	Network       string `json:"network"` // mainnet | testnet | localnet
	Mnemonic      string `json:"-"`       // from env ALGOCHAT_MNEMONIC only
	IndexerURL    string `json:"indexer_url,omitempty"`
	AlgodURL      string `json:"algod_url,omitempty"`
	OwnerAddress  string `json:"owner_address,omitempty"`
	// MainAddress is the fleet's chat account on the chain.
	MainAddress   string `json:"main_address,omitempty"`
	AllowlistPath string `json:"allowlist_path,omitempty"`
	// WalletURL is the companion wallet daemon that holds the chain keys.
	// Empty falls back to AlgodURL.
	WalletURL   string `json:"wallet_url,omitempty"`
	WalletToken string `json:"-"` // from env ALGOCHAT_WALLET_TOKEN only
	// DefaultAgentID handles inbound chat when the sender has no agent bound.
	DefaultAgentID string `json:"default_agent_id,omitempty"`
	SyncInterval  time.Duration `json:"-"` // from ALGOCHAT_SYNC_INTERVAL_MS
	// DailyBudgetMicro caps outbound fee spend per UTC day, in microalgos.
	DailyBudgetMicro int64 `json:"daily_budget_micro"`
}

// SchedulerConfig tunes the schedule tick loop.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// ApprovalCouncilID is consulted for council-gated schedules.
	ApprovalCouncilID string `json:"approval_council_id,omitempty"`
}

// WorkTasksConfig caps work-task creation.
type WorkTasksConfig struct {
	MaxPerDay int `json:"max_per_day"`
}

// NotifyConfig configures notification adapters.
type NotifyConfig struct {
	DiscordToken string `json:"-"` // from env DISCORD_BOT_TOKEN only
}

// SlackConfig configures the Slack events endpoint.
type SlackConfig struct {
	SigningSecret string `json:"-"` // from env SLACK_SIGNING_SECRET only
	RateLimitRPS  int    `json:"rate_limit_rps"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint,omitempty"` // also OTEL_EXPORTER_OTLP_ENDPOINT
	ServiceName string `json:"service_name,omitempty"`
}

// WebhooksConfig gates the inbound GitHub webhook route.
type WebhooksConfig struct {
	GithubEnabled bool `json:"github_enabled"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         3000,
			RateLimitRPS: 20,
		},
		Database: DatabaseConfig{
			Path: "~/.clawfleet/clawfleet.db",
		},
		Agent: AgentConfig{
			Command:           []string{"claude", "--output-format", "stream-json", "--input-format", "stream-json"},
			SessionTimeoutMin: 30,
			Credits: CreditsConfig{
				PerTurn:        1,
				PerAlgo:        10,
				WelcomeCredits: 100,
			},
		},
		AlgoChat: AlgoChatConfig{
			Network:          "testnet",
			SyncInterval:     30 * time.Second,
			DailyBudgetMicro: 1_000_000,
		},
		Scheduler: SchedulerConfig{Enabled: true},
		WorkTasks: WorkTasksConfig{MaxPerDay: 100},
		Slack:     SlackConfig{RateLimitRPS: 5},
		Telemetry: TelemetryConfig{ServiceName: "clawfleet"},
	}
}
