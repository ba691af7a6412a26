// Package changes derives a ChangeSet for a finished task attempt,
// either from the task's worktree or from a textual diff in the agent's
// output.
package changes

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/logging"
)

// Collector implements core.Collector.
type Collector struct {
	repoPath string
	ceiling  int
	log      *logging.Logger
}

// NewCollector creates a collector for the shared repository at
// repoPath. ceiling bounds the number of files one change set may
// carry; a breach is reported as allowlist_too_broad.
func NewCollector(repoPath string, ceiling int, log *logging.Logger) *Collector {
	if log == nil {
		log = logging.NewNop()
	}
	return &Collector{repoPath: repoPath, ceiling: ceiling, log: log}
}

// CollectWorktree diffs the worktree against its seeded baseline.
// Tracked modifications and deletions come from git; both modified and
// untracked files are then compared against the shared repository so
// seeded inputs the agent left alone, committed or not, are not
// reported as agent changes.
func (c *Collector) CollectWorktree(ctx context.Context, h *core.WorktreeHandle, task core.ParentTask) (*core.ChangeSet, error) {
	wt, err := git.NewClient(h.Path)
	if err != nil {
		return nil, core.ErrExecution(core.CodeWorktreeFailed, "opening worktree").WithCause(err)
	}

	changed, err := wt.ChangedFiles(ctx)
	if err != nil {
		return nil, err
	}
	deleted, err := wt.DeletedFiles(ctx)
	if err != nil {
		return nil, err
	}
	untracked, err := wt.UntrackedFiles(ctx)
	if err != nil {
		return nil, err
	}

	cs := &core.ChangeSet{WorktreePath: h.Path}
	cs.DeletedFiles = deleted

	for _, p := range changed {
		isNew, err := c.differsFromRepo(h.Path, p)
		if err != nil {
			return nil, err
		}
		if isNew {
			cs.ChangedFiles = append(cs.ChangedFiles, p)
		}
	}
	for _, p := range untracked {
		isNew, err := c.differsFromRepo(h.Path, p)
		if err != nil {
			return nil, err
		}
		if isNew {
			cs.UntrackedFiles = append(cs.UntrackedFiles, p)
		}
	}

	sort.Strings(cs.ChangedFiles)
	sort.Strings(cs.UntrackedFiles)
	sort.Strings(cs.DeletedFiles)

	if total := len(cs.Files()); c.ceiling > 0 && total > c.ceiling {
		return nil, core.ErrScope("ALLOWLIST_TOO_BROAD",
			fmt.Sprintf("change set carries %d files, ceiling is %d", total, c.ceiling))
	}

	c.log.WithRun(string(h.RunID)).WithTask(string(h.TaskID)).Debug("collected worktree changes",
		"changed", len(cs.ChangedFiles),
		"untracked", len(cs.UntrackedFiles),
		"deleted", len(cs.DeletedFiles),
	)
	return cs, nil
}

// differsFromRepo reports whether a worktree file is absent from, or
// different in, the shared repository's working tree.
func (c *Collector) differsFromRepo(worktreePath, rel string) (bool, error) {
	wtFile := filepath.Join(worktreePath, filepath.FromSlash(rel))
	repoFile := filepath.Join(c.repoPath, filepath.FromSlash(rel))

	same, err := fsutil.SameContent(repoFile, wtFile)
	if err != nil {
		// The repo side not existing means the file is genuinely new.
		return true, nil
	}
	return !same, nil
}

// CollectOutput extracts and repairs a unified diff from agent output.
// Returns an empty change set when no diff is present.
func (c *Collector) CollectOutput(output string, task core.ParentTask) (*core.ChangeSet, error) {
	raw, ok := ExtractPatch(output)
	if !ok {
		return &core.ChangeSet{}, nil
	}

	repaired, err := RepairPatch(raw, task)
	if err != nil {
		return nil, err
	}

	changed, deleted := PatchFiles(repaired)
	cs := &core.ChangeSet{
		PatchText:    repaired,
		ChangedFiles: changed,
		DeletedFiles: deleted,
	}

	if total := len(cs.Files()); c.ceiling > 0 && total > c.ceiling {
		return nil, core.ErrScope("ALLOWLIST_TOO_BROAD",
			fmt.Sprintf("patch touches %d files, ceiling is %d", total, c.ceiling))
	}
	return cs, nil
}
