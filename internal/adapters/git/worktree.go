package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/logging"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/scope"
)

// resolvePath resolves symlinks and returns an absolute path.
// Needed for cross-platform path comparison (e.g., macOS /var -> /private/var).
func resolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
	return resolved
}

// WorktreeManager creates and disposes per-task worktrees. All git
// worktree mutations are serialized through one mutex: concurrent
// `git worktree add` calls against the same repository race on the
// shared .git/worktrees metadata.
type WorktreeManager struct {
	mu      sync.Mutex
	git     *Client
	baseDir string
	ceiling int
	log     *logging.Logger
}

// NewWorktreeManager creates a worktree manager rooted at baseDir.
// ceiling bounds how many untracked files a seed may copy.
func NewWorktreeManager(git *Client, baseDir string, ceiling int, log *logging.Logger) *WorktreeManager {
	if baseDir == "" {
		baseDir = filepath.Join(git.RepoPath(), ".worktrees")
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &WorktreeManager{
		git:     git,
		baseDir: baseDir,
		ceiling: ceiling,
		log:     log,
	}
}

func (m *WorktreeManager) worktreePath(runID core.RunID, taskID core.TaskID) string {
	return filepath.Join(m.baseDir, fmt.Sprintf("%s-%s", runID, taskID))
}

func (m *WorktreeManager) branchName(runID core.RunID, taskID core.TaskID) string {
	return fmt.Sprintf("agentbatch/%s/%s", runID, taskID)
}

// Prepare creates the worktree for a task. It is idempotent: leftovers
// from a crashed previous attempt are force-removed first, so a retry
// always starts from a clean copy of HEAD.
func (m *WorktreeManager) Prepare(ctx context.Context, runID core.RunID, task core.ParentTask) (*core.WorktreeHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.worktreePath(runID, task.ID)
	branch := m.branchName(runID, task.ID)
	log := m.log.WithRun(string(runID)).WithTask(string(task.ID))

	if err := os.MkdirAll(m.baseDir, 0o750); err != nil {
		return nil, core.ErrExecution(core.CodeWorktreeFailed, "creating worktree base dir").WithCause(err)
	}

	if err := m.removeStale(ctx, path, branch, log); err != nil {
		return nil, err
	}

	if _, err := m.git.run(ctx, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return nil, core.ErrExecution(core.CodeWorktreeFailed,
			fmt.Sprintf("creating worktree for task %s", task.ID)).WithCause(err)
	}

	seeded, err := m.seedLocalState(ctx, path, task)
	if err != nil {
		// Leave no half-seeded worktree behind.
		_ = m.forceRemove(ctx, path, branch)
		return nil, err
	}

	log.Debug("worktree prepared", "path", path, "branch", branch, "seeded", seeded)

	return &core.WorktreeHandle{
		RunID:  runID,
		TaskID: task.ID,
		Path:   path,
		Branch: branch,
		Seeded: seeded,
	}, nil
}

// removeStale clears any previous worktree and branch at the target.
func (m *WorktreeManager) removeStale(ctx context.Context, path, branch string, log *logging.Logger) error {
	if _, err := os.Stat(path); err == nil {
		log.Warn("removing stale worktree", "path", path)
	}
	if err := m.forceRemove(ctx, path, branch); err != nil {
		return err
	}
	return nil
}

func (m *WorktreeManager) forceRemove(ctx context.Context, path, branch string) error {
	// git refuses to remove worktrees with local changes without --force,
	// and refuses entirely when the directory is already gone. Try git
	// first, fall back to rm -rf, then prune the metadata.
	_, _ = m.git.run(ctx, "worktree", "remove", "--force", path)
	if err := os.RemoveAll(path); err != nil {
		return core.ErrExecution(core.CodeWorktreeFailed,
			fmt.Sprintf("removing stale worktree %s", path)).WithCause(err)
	}
	_, _ = m.git.run(ctx, "worktree", "prune")

	if exists, _ := m.git.BranchExists(ctx, branch); exists {
		_ = m.git.DeleteBranch(ctx, branch, true)
	}
	return nil
}

// seedLocalState copies allowlist-matched local state from the shared
// repository into the worktree: untracked files, and tracked files with
// uncommitted modifications. worktree add materializes tracked files at
// HEAD, so without seeding the agent would read stale content for
// anything edited but not committed, and nothing at all for untracked
// inputs.
func (m *WorktreeManager) seedLocalState(ctx context.Context, worktreePath string, task core.ParentTask) (int, error) {
	matcher := scope.NewMatcher(task.AllowedGlobs)
	if matcher.Empty() {
		return 0, nil
	}

	untracked, err := m.git.UntrackedFiles(ctx)
	if err != nil {
		return 0, core.ErrExecution(core.CodeWorktreeFailed, "listing untracked files").WithCause(err)
	}
	modified, err := m.git.ChangedFiles(ctx)
	if err != nil {
		return 0, core.ErrExecution(core.CodeWorktreeFailed, "listing modified files").WithCause(err)
	}

	var matched []string
	for _, p := range append(untracked, modified...) {
		if matcher.Match(p) && !scope.Forbidden(p) {
			matched = append(matched, p)
		}
	}
	if m.ceiling > 0 && len(matched) > m.ceiling {
		return 0, core.ErrScope("ALLOWLIST_TOO_BROAD",
			fmt.Sprintf("allowlist expands to %d seedable files, ceiling is %d", len(matched), m.ceiling))
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, p := range matched {
		g.Go(func() error {
			return fsutil.CopyFile(
				filepath.Join(m.git.RepoPath(), filepath.FromSlash(p)),
				filepath.Join(worktreePath, filepath.FromSlash(p)))
		})
	}
	if err := g.Wait(); err != nil {
		return 0, core.ErrExecution(core.CodeWorktreeFailed, "seeding worktree").WithCause(err)
	}
	return len(matched), nil
}

// Remove tears down a worktree and its branch. Safe to call for handles
// that no longer exist.
func (m *WorktreeManager) Remove(ctx context.Context, h *core.WorktreeHandle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved := resolvePath(h.Path)
	if !strings.HasPrefix(resolved, resolvePath(m.baseDir)) {
		return core.ErrValidation("INVALID_WORKTREE",
			"worktree is not managed by this manager")
	}
	return m.forceRemove(ctx, h.Path, h.Branch)
}

// List returns the paths of all managed worktrees, parsed from the
// porcelain listing.
func (m *WorktreeManager) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	output, err := m.git.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	base := resolvePath(m.baseDir)
	paths := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			if strings.HasPrefix(resolvePath(p), base) {
				paths = append(paths, p)
			}
		}
	}
	return paths, nil
}

// BaseDir returns the base directory for worktrees.
func (m *WorktreeManager) BaseDir() string {
	return m.baseDir
}
