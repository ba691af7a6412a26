package core

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// RunID identifies one batch submission.
type RunID string

// TaskID identifies one parent task within a run.
type TaskID string

// ParentTask is one unit of agent work submitted as part of a batch.
// The task contract is validated at submit time; malformed batches are
// rejected before any process is spawned.
type ParentTask struct {
	ID             TaskID   `json:"id" yaml:"id"`
	Description    string   `json:"description" yaml:"description"`
	AllowedGlobs   []string `json:"allowed_globs,omitempty" yaml:"allowed_globs,omitempty"`
	Isolate        bool     `json:"isolate" yaml:"isolate"`
	RequireChanges bool     `json:"require_changes" yaml:"require_changes"`
}

// Validate checks the task contract.
func (t ParentTask) Validate() error {
	if strings.TrimSpace(string(t.ID)) == "" {
		return ErrValidation(CodeTaskNotFound, "task id is empty")
	}
	if strings.ContainsAny(string(t.ID), "/\\ ") {
		return ErrValidation(CodeTaskNotFound,
			fmt.Sprintf("task id %q contains path separators or spaces", t.ID))
	}
	if strings.TrimSpace(t.Description) == "" {
		return ErrValidation(CodeEmptyDescription,
			fmt.Sprintf("task %s has no description", t.ID))
	}
	for _, g := range t.AllowedGlobs {
		if strings.TrimSpace(g) == "" {
			return ErrValidation(CodeInvalidGlob,
				fmt.Sprintf("task %s has an empty allowlist pattern", t.ID))
		}
		if strings.HasPrefix(g, "/") || strings.Contains(g, "..") {
			return ErrValidation(CodeInvalidGlob,
				fmt.Sprintf("task %s allowlist pattern %q must be repository-relative", t.ID, g))
		}
	}
	return nil
}

// ConcreteAllowedPath returns the single non-glob allowlist entry, if the
// allowlist contains exactly one pattern without metacharacters. Patch
// repair uses this to synthesize file headers.
func (t ParentTask) ConcreteAllowedPath() (string, bool) {
	var concrete []string
	for _, g := range t.AllowedGlobs {
		if !strings.ContainsAny(g, "*?[") && !strings.HasSuffix(g, "/") {
			concrete = append(concrete, path.Clean(g))
		}
	}
	if len(concrete) == 1 {
		return concrete[0], true
	}
	return "", false
}

// TaskState is the manifest entry for one parent task.
// It is mutated only by the worker handling the task, via the
// coordinator's manifest lock.
type TaskState struct {
	Task         ParentTask    `json:"task"`
	Phase        TaskPhase     `json:"phase"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	Error        FailureReason `json:"error,omitempty"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	ArtifactsDir string        `json:"artifacts_dir,omitempty"`
	TokensUsed   int           `json:"tokens_used,omitempty"`
	Applied      bool          `json:"applied"`
	HeartbeatAt  *time.Time    `json:"heartbeat_at,omitempty"`
}

// Terminal reports whether the task reached a terminal phase.
func (s *TaskState) Terminal() bool {
	return s.Phase.Terminal()
}

// Succeeded reports a completed task with a zero exit code.
func (s *TaskState) Succeeded() bool {
	return s.Phase == PhaseDone && s.ExitCode != nil && *s.ExitCode == 0
}

// Run is one batch submission. Immutable once EndedAt is set.
type Run struct {
	RunID          RunID       `json:"run_id"`
	Model          string      `json:"model"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	MaxOutstanding int         `json:"max_outstanding"`
	BypassSandbox  bool        `json:"bypass_sandbox"`
	StartedAt      time.Time   `json:"started_at"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
	Parents        []TaskState `json:"parents"`
}

// Task returns the manifest entry for a task id.
func (r *Run) Task(id TaskID) (*TaskState, bool) {
	for i := range r.Parents {
		if r.Parents[i].Task.ID == id {
			return &r.Parents[i], true
		}
	}
	return nil, false
}

// Finished reports whether every parent task reached a terminal phase.
func (r *Run) Finished() bool {
	for i := range r.Parents {
		if !r.Parents[i].Terminal() {
			return false
		}
	}
	return true
}

// Succeeded reports whether every parent task reached done with exit code 0.
func (r *Run) Succeeded() bool {
	for i := range r.Parents {
		if !r.Parents[i].Succeeded() {
			return false
		}
	}
	return true
}

// ValidateBatch checks a submitted batch before any process is spawned.
func ValidateBatch(tasks []ParentTask) error {
	if len(tasks) == 0 {
		return ErrValidation(CodeEmptyBatch, "batch contains no tasks")
	}
	seen := make(map[TaskID]struct{}, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := seen[t.ID]; dup {
			return ErrValidation(CodeDuplicateTask,
				fmt.Sprintf("duplicate task id %q", t.ID))
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}
