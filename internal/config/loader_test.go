package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_Defaults(t *testing.T) {
	// Run from an empty dir so no project config is picked up.
	t.Chdir(t.TempDir())

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("log.level = %q, want info", cfg.Log.Level)
	}
	if cfg.Batch.GlobalMaxOutstanding != 8 {
		t.Errorf("global_max_outstanding = %d, want 8", cfg.Batch.GlobalMaxOutstanding)
	}
	if cfg.Batch.DefaultTimeout != 15*time.Minute {
		t.Errorf("default_timeout = %v, want 15m", cfg.Batch.DefaultTimeout)
	}
	if cfg.Batch.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %v, want 30s", cfg.Batch.HeartbeatInterval)
	}
	if cfg.Batch.AbandonAfter != 4*time.Hour {
		t.Errorf("abandon_after = %v, want 4h", cfg.Batch.AbandonAfter)
	}
	if cfg.Batch.AllowlistCeiling != 5000 {
		t.Errorf("allowlist_ceiling = %d, want 5000", cfg.Batch.AllowlistCeiling)
	}
	if cfg.State.Dir != ".agentbatch/state" {
		t.Errorf("state.dir = %q", cfg.State.Dir)
	}
	if cfg.Repo.WorktreeDir != ".worktrees" {
		t.Errorf("repo.worktree_dir = %q", cfg.Repo.WorktreeDir)
	}
}

func TestLoader_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log:
  level: debug
batch:
  global_max_outstanding: 2
  allowlist_ceiling: 100
agent:
  bin: fakeagent
  default_model: test-model
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Batch.GlobalMaxOutstanding != 2 {
		t.Errorf("global_max_outstanding = %d, want 2", cfg.Batch.GlobalMaxOutstanding)
	}
	if cfg.Batch.AllowlistCeiling != 100 {
		t.Errorf("allowlist_ceiling = %d, want 100", cfg.Batch.AllowlistCeiling)
	}
	if cfg.Agent.Bin != "fakeagent" || cfg.Agent.DefaultModel != "test-model" {
		t.Errorf("agent config = %+v", cfg.Agent)
	}
	// Defaults still apply for keys the file omits.
	if cfg.Batch.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %v, want 30s", cfg.Batch.HeartbeatInterval)
	}
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGENTBATCH_LOG_LEVEL", "error")
	t.Setenv("AGENTBATCH_AGENT_BIN", "envagent")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("log.level = %q, want error (env override)", cfg.Log.Level)
	}
	if cfg.Agent.Bin != "envagent" {
		t.Errorf("agent.bin = %q, want envagent (env override)", cfg.Agent.Bin)
	}
}

func TestLoader_DefaultsValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := NewValidator().Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
