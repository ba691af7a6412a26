// Package reconcile moves accepted changes from a task's isolated
// worktree (or repaired patch) into the shared repository.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/logging"
)

// Reconciler implements core.Applier. All applies into one shared
// repository go through the same mutex so two tasks finishing at the
// same moment cannot interleave their writes.
type Reconciler struct {
	mu        sync.Mutex
	repoPath  string
	safeRoots []string
	log       *logging.Logger
}

// NewReconciler creates a reconciler for the shared repository at
// repoPath. safeRoots are repo-relative directory prefixes under which
// a colliding pre-existing file may be overwritten by a new one;
// collisions anywhere else fail the apply.
func NewReconciler(repoPath string, safeRoots []string, log *logging.Logger) *Reconciler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Reconciler{repoPath: repoPath, safeRoots: safeRoots, log: log}
}

// Apply reconciles an accepted change set into the shared repository.
// Worktree-backed change sets are copied back file by file; patch-only
// change sets are validated with a dry run first and then applied.
func (r *Reconciler) Apply(ctx context.Context, cs *core.ChangeSet, decision *core.ScopeDecision) error {
	if decision == nil || !decision.ApplyOK {
		return core.ErrScope("APPLY_BLOCKED", "change set was not accepted for reconciliation")
	}
	if cs.Empty() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cs.WorktreePath != "" {
		return r.applyFiles(cs)
	}
	if cs.PatchText != "" {
		return r.applyPatch(ctx, cs.PatchText)
	}
	return nil
}

func (r *Reconciler) applyFiles(cs *core.ChangeSet) error {
	// Collisions are checked up front so a failed apply leaves the
	// repository untouched rather than half-written.
	for _, rel := range cs.UntrackedFiles {
		dst := filepath.Join(r.repoPath, filepath.FromSlash(rel))
		if _, err := os.Stat(dst); err == nil && !r.underSafeRoot(rel) {
			return core.ErrExecution(core.CodeApplyFailed,
				fmt.Sprintf("new file %s collides with an existing file outside safe roots", rel))
		}
	}

	for _, rel := range append(append([]string{}, cs.ChangedFiles...), cs.UntrackedFiles...) {
		src := filepath.Join(cs.WorktreePath, filepath.FromSlash(rel))
		dst := filepath.Join(r.repoPath, filepath.FromSlash(rel))
		if err := fsutil.CopyFile(src, dst); err != nil {
			return core.ErrExecution(core.CodeApplyFailed,
				fmt.Sprintf("copying %s back", rel)).WithCause(err)
		}
	}

	for _, rel := range cs.DeletedFiles {
		dst := filepath.Join(r.repoPath, filepath.FromSlash(rel))
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return core.ErrExecution(core.CodeApplyFailed,
				fmt.Sprintf("deleting %s", rel)).WithCause(err)
		}
	}

	r.log.Debug("reconciled worktree changes",
		"copied", len(cs.ChangedFiles)+len(cs.UntrackedFiles),
		"deleted", len(cs.DeletedFiles),
	)
	return nil
}

func (r *Reconciler) applyPatch(ctx context.Context, patch string) error {
	client, err := git.NewClient(r.repoPath)
	if err != nil {
		return core.ErrExecution(core.CodeApplyFailed, "opening shared repository").WithCause(err)
	}

	tmp, err := os.CreateTemp("", "agentbatch-patch-*.patch")
	if err != nil {
		return core.ErrExecution(core.CodeApplyFailed, "staging patch file").WithCause(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(patch); err != nil {
		tmp.Close()
		return core.ErrExecution(core.CodeApplyFailed, "staging patch file").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		return core.ErrExecution(core.CodeApplyFailed, "staging patch file").WithCause(err)
	}

	if err := client.ApplyPatch(ctx, tmp.Name(), true); err != nil {
		return core.ErrExecution(core.CodeApplyFailed, "patch failed validation").WithCause(err)
	}
	if err := client.ApplyPatch(ctx, tmp.Name(), false); err != nil {
		return core.ErrExecution(core.CodeApplyFailed, "patch failed to apply").WithCause(err)
	}

	r.log.Debug("reconciled patch", "bytes", len(patch))
	return nil
}

// underSafeRoot reports whether a repo-relative path lies beneath one
// of the configured generated-artifact roots.
func (r *Reconciler) underSafeRoot(rel string) bool {
	for _, root := range r.safeRoots {
		root = strings.TrimSuffix(root, "/")
		if root == "" {
			continue
		}
		if rel == root || strings.HasPrefix(rel, root+"/") {
			return true
		}
	}
	return false
}
