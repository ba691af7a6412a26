package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
)

// Client wraps git CLI operations for one repository or worktree.
type Client struct {
	repoPath string
	timeout  time.Duration
}

// NewClient creates a new git client.
func NewClient(repoPath string) (*Client, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	client := &Client{
		repoPath: absPath,
		timeout:  30 * time.Second,
	}

	if err := client.verifyRepo(); err != nil {
		return nil, err
	}

	return client, nil
}

// verifyRepo checks if path is a git repository.
func (c *Client) verifyRepo() error {
	_, err := c.run(context.Background(), "rev-parse", "--git-dir")
	if err != nil {
		return core.ErrValidation("NOT_GIT_REPO", fmt.Sprintf("%s is not a git repository", c.repoPath))
	}
	return nil
}

// run executes a git command.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout("git command timed out")
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), stderr.String(), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CurrentBranch returns the current branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CurrentCommit returns the current commit hash.
func (c *Client) CurrentCommit(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "HEAD")
}

// DeleteBranch deletes a branch.
func (c *Client) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.run(ctx, "branch", flag, name)
	return err
}

// ListBranches returns all local branches.
func (c *Client) ListBranches(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "branch", "--list", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}

	branches := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// BranchExists checks if a branch exists.
func (c *Client) BranchExists(ctx context.Context, name string) (bool, error) {
	branches, err := c.ListBranches(ctx)
	if err != nil {
		return false, err
	}
	for _, b := range branches {
		if b == name {
			return true, nil
		}
	}
	return false, nil
}

// ChangedFiles returns paths modified relative to HEAD, excluding
// deletions.
func (c *Client) ChangedFiles(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "diff", "--name-only", "--diff-filter=d", "HEAD")
	if err != nil {
		return nil, err
	}
	return splitLines(output), nil
}

// DeletedFiles returns tracked paths deleted relative to HEAD.
func (c *Client) DeletedFiles(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "diff", "--name-only", "--diff-filter=D", "HEAD")
	if err != nil {
		return nil, err
	}
	return splitLines(output), nil
}

// UntrackedFiles returns untracked paths, honoring ignore rules.
func (c *Client) UntrackedFiles(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitLines(output), nil
}

// TrackedFiles returns every tracked path.
func (c *Client) TrackedFiles(ctx context.Context) ([]string, error) {
	output, err := c.run(ctx, "ls-files")
	if err != nil {
		return nil, err
	}
	return splitLines(output), nil
}

// ApplyPatch applies a unified diff from a file in the repo root.
// With check set, the patch is only validated.
func (c *Client) ApplyPatch(ctx context.Context, patchFile string, check bool) error {
	args := []string{"apply", "--whitespace=nowarn"}
	if check {
		args = append(args, "--check")
	}
	args = append(args, patchFile)
	_, err := c.run(ctx, args...)
	return err
}

// RepoPath returns the repository path.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// WithTimeout sets the command timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

func splitLines(output string) []string {
	lines := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
