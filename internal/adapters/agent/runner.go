// Package agent spawns and supervises external coding-agent processes.
// One Runner serves all tasks; each invocation gets its own process
// group, wall-clock deadline and working directory.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/logging"
)

// killGrace is how long a timed-out process gets between SIGTERM and
// SIGKILL.
const killGrace = 5 * time.Second

// Config holds runner configuration.
type Config struct {
	// Bin is the agent executable. Multi-word values ("gh copilot")
	// are split into command and leading args.
	Bin string

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
}

// Runner implements core.AgentRunner on top of the agent CLI.
type Runner struct {
	config    Config
	logger    *logging.Logger
	preflight *diagnostics.Preflight
	registry  *ProcessRegistry
}

// NewRunner creates a runner. preflight may be nil to skip resource
// checks; registry must not be nil.
func NewRunner(cfg Config, registry *ProcessRegistry, preflight *diagnostics.Preflight, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		config:    cfg,
		logger:    logger,
		preflight: preflight,
		registry:  registry,
	}
}

// Registry exposes the process registry for the force-kill layer.
func (r *Runner) Registry() *ProcessRegistry {
	return r.registry
}

// Kill force-terminates the process for (runID, taskID) if running.
func (r *Runner) Kill(runID core.RunID, taskID core.TaskID) error {
	return r.registry.Kill(runID, taskID)
}

// KillRun force-terminates every live process of a run.
func (r *Runner) KillRun(runID core.RunID) int {
	return r.registry.KillRun(runID)
}

// Run blocks until the agent process exits, times out, or ctx is
// cancelled. Timeouts and cancellations still return a result with the
// partial output; err is reserved for spawn and supervision failures.
func (r *Runner) Run(ctx context.Context, spec core.AgentSpec) (*core.AgentResult, error) {
	if r.config.Bin == "" {
		return nil, core.ErrValidation("NO_AGENT_BIN", "agent executable not configured")
	}
	if r.preflight != nil {
		if err := r.preflight.Check(spec.WorkDir); err != nil {
			return nil, err
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmdPath, args := r.buildCommand(spec)

	// #nosec G204 -- executable and args come from validated config
	cmd := exec.Command(cmdPath, args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdin = strings.NewReader(spec.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Env = append(os.Environ(),
		"AGENTBATCH_MANAGED=true",
		fmt.Sprintf("AGENTBATCH_RUN=%s", spec.RunID),
		fmt.Sprintf("AGENTBATCH_TASK=%s", spec.TaskID),
	)

	configureProcAttr(cmd)

	log := r.logger.WithRun(string(spec.RunID)).WithTask(string(spec.TaskID))
	log.Info("agent: spawning",
		"bin", cmdPath,
		"model", spec.Model,
		"work_dir", spec.WorkDir,
		"timeout", spec.Timeout,
		"prompt_length", len(spec.Prompt),
	)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, core.ErrExecution(core.CodeAgentFailed, "starting agent process").WithCause(err)
	}

	h := &handle{cmd: cmd}
	r.registry.add(spec.RunID, spec.TaskID, h)
	defer r.registry.remove(spec.RunID, spec.TaskID)

	log.Debug("agent: process started", "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		exited := doneClosed(done, &waitErr)
		h.gracefulKill(killGrace, exited)
		// SIGKILL guarantees the wait completes; reap before returning.
		<-exited
	}

	ended := time.Now()
	result := &core.AgentResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		TokensUsed: parseTokensUsed(stdout.String()),
		TimedOut:   timedOut,
		Started:    started,
		Ended:      ended,
	}

	switch {
	case timedOut:
		result.ExitCode = -1
		log.Warn("agent: timed out", "after", spec.Timeout, "stderr_length", len(result.Stderr))
		return result, nil
	case ctx.Err() != nil:
		result.ExitCode = -1
		log.Info("agent: cancelled", "duration", ended.Sub(started))
		return result, core.ErrCancelled("agent process cancelled")
	case waitErr != nil:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			log.Warn("agent: nonzero exit",
				"exit_code", result.ExitCode,
				"stderr_preview", truncate(r.logger.Sanitize(result.Stderr), 1000),
			)
			return result, nil
		}
		return result, core.ErrExecution(core.CodeAgentFailed, "waiting for agent process").WithCause(waitErr)
	}

	log.Info("agent: completed",
		"exit_code", 0,
		"duration", ended.Sub(started),
		"tokens_used", result.TokensUsed,
	)
	return result, nil
}

// buildCommand assembles the executable and argument list.
func (r *Runner) buildCommand(spec core.AgentSpec) (string, []string) {
	cmdPath := r.config.Bin
	var args []string

	// Handle multi-word commands (e.g., "gh copilot")
	parts := strings.Fields(cmdPath)
	if len(parts) > 1 {
		cmdPath = parts[0]
		args = append(args, parts[1:]...)
	}

	args = append(args, r.config.ExtraArgs...)
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.BypassSandbox {
		args = append(args, "--bypass-sandbox")
	}
	return cmdPath, args
}

// doneClosed adapts the wait channel for gracefulKill, recording the
// wait error when the process exits inside the grace period.
func doneClosed(done <-chan error, waitErr *error) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		*waitErr = <-done
		close(out)
	}()
	return out
}

var tokensLinePattern = regexp.MustCompile(`(?i)tokens?\s+used[:=]?\s*([0-9]+)`)

// parseTokensUsed extracts the token count the agent reports, best
// effort. Agents emit either a JSON usage object or a plain text line;
// unknown formats yield zero.
func parseTokensUsed(stdout string) int {
	// Scan trailing lines for a JSON usage record.
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-20; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rec struct {
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
			TotalTokens int `json:"total_tokens"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.TotalTokens > 0 {
			return rec.TotalTokens
		}
		if sum := rec.Usage.InputTokens + rec.Usage.OutputTokens; sum > 0 {
			return sum
		}
	}

	if m := tokensLinePattern.FindStringSubmatch(stdout); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "... [truncated]"
	}
	return s
}
