package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/adapters/agent"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/batch"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/changes"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/config"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/logging"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/reconcile"
)

// loadConfig loads and validates configuration with CLI flag bindings
// applied on top.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := cfg.Log.Level
	if quiet {
		level = "error"
	}
	return logging.New(logging.Config{Level: level, Format: cfg.Log.Format})
}

// buildCoordinator wires the full pipeline from configuration.
func buildCoordinator(cfg *config.Config, log *logging.Logger) (*batch.Coordinator, error) {
	repoRoot := cfg.Repo.Root
	if repoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		repoRoot = wd
	}

	client, err := git.NewClient(repoRoot)
	if err != nil {
		return nil, err
	}

	worktreeDir := cfg.Repo.WorktreeDir
	if !filepath.IsAbs(worktreeDir) {
		worktreeDir = filepath.Join(repoRoot, worktreeDir)
	}
	stateDir := cfg.State.Dir
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(repoRoot, stateDir)
	}

	preflight := diagnostics.NewPreflight(cfg.Agent.MinFreeDiskMB, cfg.Agent.MinFreeMemMB)
	runner := agent.NewRunner(agent.Config{
		Bin:       cfg.Agent.Bin,
		ExtraArgs: cfg.Agent.ExtraArgs,
	}, agent.NewProcessRegistry(), preflight, log)

	deps := batch.Deps{
		Runner:    runner,
		Worktrees: git.NewWorktreeManager(client, worktreeDir, cfg.Batch.AllowlistCeiling, log),
		Collector: changes.NewCollector(repoRoot, cfg.Batch.AllowlistCeiling, log),
		Applier:   reconcile.NewReconciler(repoRoot, cfg.Batch.SafeOverwriteRoots, log),
		Registry:  state.NewActiveRunRegistry(stateDir, cfg.Batch.AbandonAfter),
		Cancels:   state.NewCancelStore(stateDir, log),
		Manifests: batch.NewManifestStore(stateDir),
	}
	return batch.NewCoordinator(cfg, deps, log), nil
}

// output renders v as indented JSON or YAML on stdout.
func output(v any, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(v)
	default:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}
