package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log   LogConfig   `mapstructure:"log"`
	Repo  RepoConfig  `mapstructure:"repo"`
	State StateConfig `mapstructure:"state"`
	Batch BatchConfig `mapstructure:"batch"`
	Agent AgentConfig `mapstructure:"agent"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RepoConfig configures the shared repository and worktree placement.
type RepoConfig struct {
	// Root is the shared repository all tasks reconcile into.
	// Empty means the current working directory.
	Root string `mapstructure:"root"`

	// WorktreeDir is where per-task worktrees are created,
	// relative to Root unless absolute.
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// StateConfig configures durable run state. The state dir holds
// runs/<runID>/ manifests and evidence, active/ registry entries and
// cancel/ markers.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// BatchConfig configures run execution limits.
type BatchConfig struct {
	// GlobalMaxOutstanding caps concurrent agent processes regardless
	// of the per-run request.
	GlobalMaxOutstanding int `mapstructure:"global_max_outstanding"`

	// DefaultTimeout is the per-task wall clock when a run does not
	// specify one.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// HeartbeatInterval is how often running tasks touch the manifest
	// and the registry entry.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// AbandonAfter is how old a registry heartbeat may be before the
	// run counts as abandoned by a dead process.
	AbandonAfter time.Duration `mapstructure:"abandon_after"`

	// AllowlistCeiling bounds how many files an allowlist may expand
	// to during seeding and collection.
	AllowlistCeiling int `mapstructure:"allowlist_ceiling"`

	// SafeOverwriteRoots are directory prefixes under which colliding
	// untracked files in the shared repo may be replaced during apply.
	SafeOverwriteRoots []string `mapstructure:"safe_overwrite_roots"`
}

// AgentConfig configures the external agent CLI.
type AgentConfig struct {
	// Bin is the agent executable.
	Bin string `mapstructure:"bin"`

	// DefaultModel is used when a run does not specify a model.
	DefaultModel string `mapstructure:"default_model"`

	// ExtraArgs are appended to every agent invocation.
	ExtraArgs []string `mapstructure:"extra_args"`

	// MinFreeDiskMB and MinFreeMemMB are the preflight floors checked
	// before each spawn. Zero disables the check.
	MinFreeDiskMB uint64 `mapstructure:"min_free_disk_mb"`
	MinFreeMemMB  uint64 `mapstructure:"min_free_mem_mb"`
}
