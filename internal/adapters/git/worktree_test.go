package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/testutil"
)

func newTestManager(t *testing.T, ceiling int) (*testutil.GitRepo, *WorktreeManager) {
	t.Helper()
	repo := testutil.NewGitRepo(t)
	repo.WriteFile("src/main.go", "package main\n")
	repo.WriteFile("docs/readme.md", "docs\n")
	repo.Commit("initial")

	client, err := NewClient(repo.Path)
	testutil.AssertNoError(t, err)

	baseDir := filepath.Join(testutil.TempDir(t), "wt")
	return repo, NewWorktreeManager(client, baseDir, ceiling, nil)
}

func TestWorktreeManager_Prepare(t *testing.T) {
	_, m := newTestManager(t, 100)
	task := core.ParentTask{ID: "t1", Description: "d", AllowedGlobs: []string{"src/"}}

	h, err := m.Prepare(context.Background(), "run-x", task)
	testutil.AssertNoError(t, err)

	// Tracked files are materialized in the worktree.
	if _, err := os.Stat(filepath.Join(h.Path, "src", "main.go")); err != nil {
		t.Fatalf("worktree missing tracked file: %v", err)
	}
	testutil.AssertEqual(t, h.Branch, "agentbatch/run-x/t1")
	testutil.AssertEqual(t, h.Seeded, 0)
}

func TestWorktreeManager_Prepare_SeedsUntracked(t *testing.T) {
	repo, m := newTestManager(t, 100)
	// Untracked input the task is allowed to read.
	repo.WriteFile("src/input.dat", "payload")

	task := core.ParentTask{ID: "t1", Description: "d", AllowedGlobs: []string{"src/"}}
	h, err := m.Prepare(context.Background(), "run-x", task)
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, h.Seeded, 1)
	data, err := os.ReadFile(filepath.Join(h.Path, "src", "input.dat"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, string(data), "payload")
}

func TestWorktreeManager_Prepare_SeedsUncommittedEdits(t *testing.T) {
	repo, m := newTestManager(t, 100)
	// A tracked file edited but not committed. worktree add would
	// materialize it at HEAD, hiding the edit from the agent.
	repo.WriteFile("docs/readme.md", "uncommitted edit\n")

	task := core.ParentTask{ID: "t1", Description: "d", AllowedGlobs: []string{"docs/"}}
	h, err := m.Prepare(context.Background(), "run-x", task)
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, h.Seeded, 1)
	data, err := os.ReadFile(filepath.Join(h.Path, "docs", "readme.md"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, string(data), "uncommitted edit\n")

	// Edits outside the allowlist stay invisible.
	repo.WriteFile("src/main.go", "package main // changed\n")
	h2, err := m.Prepare(context.Background(), "run-x", core.ParentTask{
		ID: "t2", Description: "d", AllowedGlobs: []string{"docs/"},
	})
	testutil.AssertNoError(t, err)
	data, err = os.ReadFile(filepath.Join(h2.Path, "src", "main.go"))
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, string(data), "package main\n")
}

func TestWorktreeManager_Prepare_Idempotent(t *testing.T) {
	_, m := newTestManager(t, 100)
	task := core.ParentTask{ID: "t1", Description: "d"}
	ctx := context.Background()

	h1, err := m.Prepare(ctx, "run-x", task)
	testutil.AssertNoError(t, err)

	// Dirty the worktree as a crashed attempt would.
	testutil.AssertNoError(t,
		os.WriteFile(filepath.Join(h1.Path, "leftover.txt"), []byte("stale"), 0o644))

	h2, err := m.Prepare(ctx, "run-x", task)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, h2.Path, h1.Path)

	if _, err := os.Stat(filepath.Join(h2.Path, "leftover.txt")); !os.IsNotExist(err) {
		t.Fatal("stale file survived re-prepare")
	}
}

func TestWorktreeManager_Prepare_SeedCeiling(t *testing.T) {
	repo, m := newTestManager(t, 2)
	repo.WriteFile("src/u1.txt", "1")
	repo.WriteFile("src/u2.txt", "2")
	repo.WriteFile("src/u3.txt", "3")

	task := core.ParentTask{ID: "t1", Description: "d", AllowedGlobs: []string{"src/"}}
	_, err := m.Prepare(context.Background(), "run-x", task)
	testutil.AssertError(t, err)
	testutil.AssertTrue(t,
		core.GetCategory(err) == core.ErrCatScope, "ceiling breach is a scope error")
}

func TestWorktreeManager_Remove(t *testing.T) {
	_, m := newTestManager(t, 100)
	task := core.ParentTask{ID: "t1", Description: "d"}
	ctx := context.Background()

	h, err := m.Prepare(ctx, "run-x", task)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, m.Remove(ctx, h))

	if _, err := os.Stat(h.Path); !os.IsNotExist(err) {
		t.Fatal("worktree directory still exists")
	}

	// Removing again is a no-op.
	testutil.AssertNoError(t, m.Remove(ctx, h))
}

func TestWorktreeManager_Remove_OutsideBase(t *testing.T) {
	_, m := newTestManager(t, 100)
	h := &core.WorktreeHandle{Path: testutil.TempDir(t), Branch: "other"}
	testutil.AssertError(t, m.Remove(context.Background(), h))
}

func TestWorktreeManager_List(t *testing.T) {
	_, m := newTestManager(t, 100)
	ctx := context.Background()

	_, err := m.Prepare(ctx, "run-x", core.ParentTask{ID: "t1", Description: "d"})
	testutil.AssertNoError(t, err)
	_, err = m.Prepare(ctx, "run-x", core.ParentTask{ID: "t2", Description: "d"})
	testutil.AssertNoError(t, err)

	paths, err := m.List(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, paths, 2)
}
