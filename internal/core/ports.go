package core

import (
	"context"
	"time"
)

// AgentSpec describes one agent invocation.
type AgentSpec struct {
	RunID   RunID
	TaskID  TaskID
	Prompt  string
	Model   string
	WorkDir string
	Timeout time.Duration

	// BypassSandbox passes the agent's sandbox-escape flag. Callers must
	// have verified the allowlist requirement before setting it.
	BypassSandbox bool
}

// AgentResult is the outcome of one agent process.
type AgentResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	TokensUsed int
	TimedOut   bool
	Started    time.Time
	Ended      time.Time
}

// AgentRunner spawns and supervises external agent processes.
type AgentRunner interface {
	// Run blocks until the process exits, times out, or ctx is cancelled.
	// Timeouts and cancellations still return a result describing the
	// partial output; err is reserved for spawn and supervision failures.
	Run(ctx context.Context, spec AgentSpec) (*AgentResult, error)

	// Kill force-terminates the process for (runID, taskID) if running.
	Kill(runID RunID, taskID TaskID) error

	// KillRun force-terminates every live process of a run.
	KillRun(runID RunID) int
}

// WorktreeProvider prepares and disposes isolated working copies.
type WorktreeProvider interface {
	// Prepare creates (or recreates) the worktree for a task and seeds
	// it with allowlist-matched files. Idempotent: stale leftovers from
	// a previous attempt are force-removed first.
	Prepare(ctx context.Context, runID RunID, task ParentTask) (*WorktreeHandle, error)

	// Remove tears down the worktree and its branch. Best effort; safe
	// to call for handles that no longer exist.
	Remove(ctx context.Context, h *WorktreeHandle) error
}

// Collector derives a ChangeSet for a finished attempt.
type Collector interface {
	// CollectWorktree diffs the worktree against the shared repository.
	CollectWorktree(ctx context.Context, h *WorktreeHandle, task ParentTask) (*ChangeSet, error)

	// CollectOutput extracts and repairs a unified diff from agent
	// output. Returns an empty change set when no diff is present.
	CollectOutput(output string, task ParentTask) (*ChangeSet, error)
}

// Applier reconciles an accepted change set into the shared repository.
// Implementations serialize all applies across concurrent tasks.
type Applier interface {
	Apply(ctx context.Context, cs *ChangeSet, decision *ScopeDecision) error
}

// RegistryEntry is the durable record of a live run.
type RegistryEntry struct {
	RunID       RunID     `json:"run_id"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	Tasks       int       `json:"tasks"`
	Running     int       `json:"running"`
}

// RunRegistry tracks in-flight runs durably so a restarted process can
// observe and reap work abandoned by a crashed predecessor.
type RunRegistry interface {
	Register(entry RegistryEntry) error
	Touch(runID RunID, running int) error
	Deregister(runID RunID) error
	List() ([]RegistryEntry, error)

	// Stale returns entries whose heartbeat is older than the abandon
	// threshold. The caller decides whether to reap them.
	Stale() ([]RegistryEntry, error)
}

// CancelRequester records and observes durable cancellation markers.
type CancelRequester interface {
	// Request persists a marker. Markers are never deleted.
	Request(marker CancelMarker) error

	// Cancelled reports whether a marker exists for the run, or for the
	// specific task when taskID is non-empty.
	Cancelled(runID RunID, taskID TaskID) (bool, error)

	// Watch delivers every marker created while watching, carrying the
	// run and, for task-scoped markers, the task it targets. Closes the
	// channel when ctx ends.
	Watch(ctx context.Context) (<-chan CancelMarker, error)
}
