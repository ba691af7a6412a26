package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/fsutil"
)

// runTask drives one task attempt through the phase state machine.
// Every outcome, success or failure, ends in a terminal phase with the
// failure reason recorded; nothing is silently swallowed.
func (c *Coordinator) runTask(ctx context.Context, run *core.Run, task core.ParentTask) {
	runID := run.RunID
	log := c.log.WithRun(string(runID)).WithTask(string(task.ID))

	artifacts, err := c.deps.Manifests.TaskDir(runID, task.ID)
	if err != nil {
		c.finishTask(runID, task.ID, "", core.FailExecutor, err.Error(), nil)
		return
	}
	now := time.Now().UTC()
	c.deps.Manifests.UpdateTask(runID, task.ID, func(ts *core.TaskState) error {
		ts.StartedAt = &now
		ts.ArtifactsDir = artifacts
		return nil
	})

	if c.taskCancelled(runID, task.ID) {
		c.finishTask(runID, task.ID, core.PhaseCanceled, core.FailCancelled, "cancelled before prepare", nil)
		return
	}

	// Bypassing the sandbox without a declared write scope is always
	// fatal; the agent process is never spawned.
	if run.BypassSandbox && len(task.AllowedGlobs) == 0 {
		c.finishTask(runID, task.ID, core.PhaseBlocked, core.FailMissingAllowlist,
			"bypass_sandbox requires a non-empty allowlist", nil)
		return
	}

	workDir := c.repoRoot()
	var handle *core.WorktreeHandle
	if task.Isolate {
		handle, err = c.deps.Worktrees.Prepare(ctx, runID, task)
		if err != nil {
			log.Error("worktree preparation failed", "error", err)
			c.finishTask(runID, task.ID, "", failureReason(err, core.FailWorktree), err.Error(), nil)
			return
		}
		workDir = handle.Path
		defer c.deps.Worktrees.Remove(context.WithoutCancel(ctx), handle)
	}

	if err := c.setPhase(runID, task.ID, core.PhaseRunningModel); err != nil {
		c.finishTask(runID, task.ID, "", core.FailExecutor, err.Error(), nil)
		return
	}

	prompt := task.Description
	fsutil.AtomicWriteFile(filepath.Join(artifacts, "prompt.txt"), []byte(prompt), 0o644)

	res, err := c.deps.Runner.Run(ctx, core.AgentSpec{
		RunID:         runID,
		TaskID:        task.ID,
		Prompt:        prompt,
		Model:         run.Model,
		WorkDir:       workDir,
		Timeout:       time.Duration(run.TimeoutSeconds) * time.Second,
		BypassSandbox: run.BypassSandbox,
	})
	if res != nil {
		fsutil.AtomicWriteFile(filepath.Join(artifacts, "output.txt"), []byte(res.Stdout), 0o644)
		fsutil.AtomicWriteFile(filepath.Join(artifacts, "stderr.txt"), []byte(res.Stderr), 0o644)
		c.deps.Manifests.UpdateTask(runID, task.ID, func(ts *core.TaskState) error {
			ts.ExitCode = &res.ExitCode
			ts.TokensUsed = res.TokensUsed
			return nil
		})
	}
	// The marker poll runs before the exit code is interpreted: a
	// force-killed agent exits nonzero, and that must read as a
	// cancellation, not an executor failure.
	switch {
	case err != nil && core.IsCancelled(err):
		c.finishTask(runID, task.ID, core.PhaseCanceled, core.FailCancelled, "agent process cancelled", nil)
		return
	case err != nil:
		log.Error("agent execution failed", "error", err)
		c.finishTask(runID, task.ID, "", core.FailExecutor, err.Error(), nil)
		return
	case c.taskCancelled(runID, task.ID):
		c.finishTask(runID, task.ID, core.PhaseCanceled, core.FailCancelled, "cancelled while the agent was running", nil)
		return
	case res.TimedOut:
		c.finishTask(runID, task.ID, core.PhaseTimeout, core.FailTimeout,
			fmt.Sprintf("agent exceeded %ds wall clock", run.TimeoutSeconds), nil)
		return
	case res.ExitCode != 0:
		c.finishTask(runID, task.ID, "", core.FailExecutor,
			fmt.Sprintf("agent exited with status %d", res.ExitCode), nil)
		return
	}

	if err := c.setPhase(runID, task.ID, core.PhaseModelDone); err != nil {
		c.finishTask(runID, task.ID, "", core.FailExecutor, err.Error(), nil)
		return
	}
	if err := c.setPhase(runID, task.ID, core.PhaseCollectChanges); err != nil {
		c.finishTask(runID, task.ID, "", core.FailExecutor, err.Error(), nil)
		return
	}

	cs, err := c.collect(ctx, handle, task, res)
	if err != nil {
		log.Error("change collection failed", "error", err)
		c.finishTask(runID, task.ID, "", failureReason(err, core.FailExecutor), err.Error(), nil)
		return
	}

	decision := c.enforcer.Evaluate(cs, task)
	fsutil.WriteJSONAtomic(filepath.Join(artifacts, "scope.json"), decision)
	if cs.PatchText != "" {
		fsutil.AtomicWriteFile(filepath.Join(artifacts, "changes.patch"), []byte(cs.PatchText), 0o644)
	}

	if !decision.ApplyOK {
		if decision.Reason == "" {
			// Nothing to apply and nothing required: a clean no-op.
			c.finishTask(runID, task.ID, core.PhaseDone, "", "", res)
			return
		}
		log.Warn("change set rejected", "reason", decision.Reason, "detail", decision.Detail)
		c.finishTask(runID, task.ID, "", decision.Reason, decision.Detail, nil)
		return
	}

	if c.taskCancelled(runID, task.ID) {
		c.finishTask(runID, task.ID, core.PhaseCanceled, core.FailCancelled, "cancelled before apply", nil)
		return
	}

	if err := c.setPhase(runID, task.ID, core.PhaseApplyChanges); err != nil {
		c.finishTask(runID, task.ID, "", core.FailExecutor, err.Error(), nil)
		return
	}
	if err := c.deps.Applier.Apply(ctx, cs, decision); err != nil {
		log.Error("apply failed", "error", err)
		c.finishTask(runID, task.ID, "", core.FailApply, err.Error(), nil)
		return
	}

	c.deps.Manifests.UpdateTask(runID, task.ID, func(ts *core.TaskState) error {
		ts.Applied = true
		return nil
	})
	log.Info("task done", "files", len(decision.Allowed))
	c.finishTask(runID, task.ID, core.PhaseDone, "", "", res)
}

// collect derives the change set. Isolated tasks are diffed against
// the shared repository, falling back to the agent's textual patch
// when the worktree shows nothing; non-isolated tasks can only report
// changes through a patch.
func (c *Coordinator) collect(ctx context.Context, handle *core.WorktreeHandle, task core.ParentTask, res *core.AgentResult) (*core.ChangeSet, error) {
	if handle == nil {
		return c.collectOutput(task, res)
	}
	cs, err := c.deps.Collector.CollectWorktree(ctx, handle, task)
	if err != nil {
		return nil, err
	}
	if cs.Empty() && len(task.AllowedGlobs) > 0 {
		return c.collectOutput(task, res)
	}
	return cs, nil
}

// collectOutput searches stdout first, then stderr. Some agents print
// the diff on stderr while stdout carries structured output.
func (c *Coordinator) collectOutput(task core.ParentTask, res *core.AgentResult) (*core.ChangeSet, error) {
	cs, err := c.deps.Collector.CollectOutput(res.Stdout, task)
	if err != nil || !cs.Empty() || res.Stderr == "" {
		return cs, err
	}
	return c.deps.Collector.CollectOutput(res.Stderr, task)
}

// setPhase advances a task's phase, refusing illegal transitions.
func (c *Coordinator) setPhase(runID core.RunID, taskID core.TaskID, to core.TaskPhase) error {
	return c.deps.Manifests.UpdateTask(runID, taskID, func(ts *core.TaskState) error {
		if !core.CanTransition(ts.Phase, to) {
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("task %s cannot move from %s to %s", taskID, ts.Phase, to))
		}
		ts.Phase = to
		return nil
	})
}

// finishTask records the terminal manifest entry for an attempt.
// via is the intermediate phase (timeout, canceled, blocked) passed
// through before the terminal one; empty means a direct move.
func (c *Coordinator) finishTask(runID core.RunID, taskID core.TaskID, via core.TaskPhase, reason core.FailureReason, detail string, res *core.AgentResult) {
	err := c.deps.Manifests.UpdateTask(runID, taskID, func(ts *core.TaskState) error {
		if via != "" && core.CanTransition(ts.Phase, via) {
			ts.Phase = via
		}
		terminal := core.PhaseFailed
		if reason == "" && via != core.PhaseCanceled && via != core.PhaseTimeout && via != core.PhaseBlocked {
			terminal = core.PhaseDone
		}
		if core.CanTransition(ts.Phase, terminal) || ts.Phase == terminal {
			ts.Phase = terminal
		} else {
			ts.Phase = core.PhaseFailed
		}
		ts.Error = reason
		ts.ErrorDetail = detail
		if res != nil {
			ts.TokensUsed = res.TokensUsed
		}
		now := time.Now().UTC()
		ts.EndedAt = &now
		return nil
	})
	if err != nil {
		c.log.WithRun(string(runID)).WithTask(string(taskID)).Error("recording task outcome", "error", err)
	}
}

// taskCancelled polls the durable cancel marker at a phase boundary.
func (c *Coordinator) taskCancelled(runID core.RunID, taskID core.TaskID) bool {
	cancelled, err := c.deps.Cancels.Cancelled(runID, taskID)
	if err != nil {
		c.log.WithRun(string(runID)).Warn("reading cancel marker", "error", err)
		return false
	}
	return cancelled
}

// failureReason maps a pipeline error to its manifest reason, keeping
// distinct reasons for scope-ceiling breaches.
func failureReason(err error, fallback core.FailureReason) core.FailureReason {
	var derr *core.DomainError
	if errors.As(err, &derr) && derr.Category == core.ErrCatScope && derr.Code == "ALLOWLIST_TOO_BROAD" {
		return core.FailAllowlistTooBroad
	}
	return fallback
}

func (c *Coordinator) repoRoot() string {
	if c.cfg.Repo.Root != "" {
		return c.cfg.Repo.Root
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
