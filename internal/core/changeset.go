package core

// ChangeSet is the output of change collection for one task attempt.
// Paths are repository-relative with forward slashes.
type ChangeSet struct {
	// ChangedFiles are tracked files whose content differs between the
	// worktree and the shared repository.
	ChangedFiles []string `json:"changed_files,omitempty"`

	// UntrackedFiles are files created in the worktree that match the
	// task allowlist and do not exist (or differ) in the shared repo.
	UntrackedFiles []string `json:"untracked_files,omitempty"`

	// DeletedFiles are tracked files removed in the worktree.
	DeletedFiles []string `json:"deleted_files,omitempty"`

	// PatchText is a repaired unified diff when the change came from the
	// agent's textual output instead of the worktree filesystem.
	PatchText string `json:"patch_text,omitempty"`

	// WorktreePath is the absolute path the files were collected from.
	// Empty for patch-only change sets.
	WorktreePath string `json:"worktree_path,omitempty"`
}

// Empty reports whether the change set carries no changes at all.
func (c *ChangeSet) Empty() bool {
	return len(c.ChangedFiles) == 0 &&
		len(c.UntrackedFiles) == 0 &&
		len(c.DeletedFiles) == 0 &&
		c.PatchText == ""
}

// Files returns every path the change set touches, additions first.
func (c *ChangeSet) Files() []string {
	out := make([]string, 0, len(c.ChangedFiles)+len(c.UntrackedFiles)+len(c.DeletedFiles))
	out = append(out, c.ChangedFiles...)
	out = append(out, c.UntrackedFiles...)
	out = append(out, c.DeletedFiles...)
	return out
}

// ScopeDecision records the scope verdict for a change set. It is
// persisted per task as evidence next to the collected changes.
type ScopeDecision struct {
	// Allowed are the paths accepted for reconciliation.
	Allowed []string `json:"allowed,omitempty"`

	// Violations are paths outside the task allowlist.
	Violations []string `json:"violations,omitempty"`

	// ForbiddenHits are paths matching the fixed denylist. A denylist
	// hit is always a violation regardless of the allowlist.
	ForbiddenHits []string `json:"forbidden_hits,omitempty"`

	// ApplyOK reports that the change set passed scope and may be
	// reconciled into the shared repository.
	ApplyOK bool `json:"apply_ok"`

	// Reason is set when ApplyOK is false.
	Reason FailureReason `json:"reason,omitempty"`

	// Detail is a human-readable explanation for the verdict.
	Detail string `json:"detail,omitempty"`
}

// CancelMarker is the durable record of a cancellation request.
// Markers are append-only: they are never deleted, so a cancellation
// survives process crashes and restarts.
type CancelMarker struct {
	RunID       RunID  `json:"run_id"`
	TaskID      TaskID `json:"task_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RequestedAt string `json:"requested_at"`
}

// WorktreeHandle describes an isolated working copy for one task.
type WorktreeHandle struct {
	RunID  RunID  `json:"run_id"`
	TaskID TaskID `json:"task_id"`

	// Path is the absolute worktree directory.
	Path string `json:"path"`

	// Branch is the throwaway branch the worktree is checked out on.
	Branch string `json:"branch"`

	// Seeded counts the files copied in during preparation.
	Seeded int `json:"seeded"`
}
