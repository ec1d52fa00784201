package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 3000 {
		t.Fatalf("port = %d, want 3000", cfg.Gateway.Port)
	}
	if cfg.AlgoChat.SyncInterval != 30*time.Second {
		t.Fatalf("sync interval = %s, want 30s", cfg.AlgoChat.SyncInterval)
	}
	if !cfg.Scheduler.Enabled {
		t.Fatal("scheduler should default to enabled")
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// JSON5: comments and trailing commas are fine.
	body := `{
		// local overrides
		gateway: { port: 4100 },
		algochat: { network: "mainnet", },
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "5200")
	t.Setenv("AGENT_COMMAND", "echo --flag value")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 5200 {
		t.Fatalf("port = %d, env should beat the file", cfg.Gateway.Port)
	}
	if cfg.AlgoChat.Network != "mainnet" {
		t.Fatalf("network = %q, file should beat the default", cfg.AlgoChat.Network)
	}
	cmd := cfg.Agent.Command
	if len(cmd) != 3 || cmd[0] != "echo" || cmd[2] != "value" {
		t.Fatalf("agent command = %v, want fields of AGENT_COMMAND", cmd)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{gateway:"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config should fail to load")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x.db"); got != home+"/x.db" {
		t.Fatalf("ExpandHome(~/x.db) = %q", got)
	}
	if got := ExpandHome("~"); got != home {
		t.Fatalf("ExpandHome(~) = %q", got)
	}
	if got := ExpandHome("/abs/x.db"); got != "/abs/x.db" {
		t.Fatalf("absolute path changed: %q", got)
	}
}
