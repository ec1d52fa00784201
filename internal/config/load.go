package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("BIND_HOST", &c.Gateway.Host)
	envInt("PORT", &c.Gateway.Port)
	envStr("ADMIN_API_KEY", &c.Gateway.AdminAPIKey)
	envStr("GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("CLAWFLEET_DB", &c.Database.Path)

	if v := os.Getenv("AGENT_COMMAND"); v != "" {
		c.Agent.Command = strings.Fields(v)
	}
	envInt("AGENT_SESSION_TIMEOUT_MIN", &c.Agent.SessionTimeoutMin)

	if v := os.Getenv("ALGOCHAT_ENABLED"); v != "" {
		c.AlgoChat.Enabled = v == "true" || v == "1"
	}
	envStr("ALGOCHAT_NETWORK", &c.AlgoChat.Network)
	envStr("ALGOCHAT_MNEMONIC", &c.AlgoChat.Mnemonic)
	envStr("ALGOCHAT_INDEXER_URL", &c.AlgoChat.IndexerURL)
	envStr("ALGOCHAT_ALGOD_URL", &c.AlgoChat.AlgodURL)
	envStr("ALGOCHAT_OWNER_ADDRESS", &c.AlgoChat.OwnerAddress)
	envStr("ALGOCHAT_MAIN_ADDRESS", &c.AlgoChat.MainAddress)
	envStr("ALGOCHAT_OWNER_ALLOWLIST", &c.AlgoChat.AllowlistPath)
	envStr("ALGOCHAT_WALLET_URL", &c.AlgoChat.WalletURL)
	envStr("ALGOCHAT_WALLET_TOKEN", &c.AlgoChat.WalletToken)
	envStr("ALGOCHAT_DEFAULT_AGENT", &c.AlgoChat.DefaultAgentID)
	if v := os.Getenv("ALGOCHAT_SYNC_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.AlgoChat.SyncInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ALGOCHAT_DAILY_BUDGET_MICRO"); v != "" {
		if micro, err := strconv.ParseInt(v, 10, 64); err == nil && micro > 0 {
			c.AlgoChat.DailyBudgetMicro = micro
		}
	}

	envInt("WORK_TASK_MAX_PER_DAY", &c.WorkTasks.MaxPerDay)

	envStr("DISCORD_BOT_TOKEN", &c.Notify.DiscordToken)
	envStr("SLACK_SIGNING_SECRET", &c.Slack.SigningSecret)

	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)

	if v := os.Getenv("GITHUB_WEBHOOKS_ENABLED"); v != "" {
		c.Webhooks.GithubEnabled = v == "true" || v == "1"
	}
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// DatabasePath returns the expanded database file path.
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.Path)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
