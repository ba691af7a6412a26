// Package batch drives submitted task batches through the
// prepare/run/collect/apply pipeline under a bounded concurrency
// semaphore, persisting progress to a crash-readable manifest.
package batch

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/config"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/logging"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/scope"
)

// Deps are the collaborators a coordinator drives. All of them are
// injected so tests can substitute fakes.
type Deps struct {
	Runner    core.AgentRunner
	Worktrees core.WorktreeProvider
	Collector core.Collector
	Applier   core.Applier
	Registry  core.RunRegistry
	Cancels   core.CancelRequester
	Manifests *ManifestStore
}

// Coordinator implements the batch operations: Submit, Cancel, Status
// and ListActive.
type Coordinator struct {
	cfg      *config.Config
	deps     Deps
	enforcer *scope.Enforcer
	log      *logging.Logger
}

// NewCoordinator wires a coordinator from configuration and its
// collaborators.
func NewCoordinator(cfg *config.Config, deps Deps, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		deps:     deps,
		enforcer: scope.NewEnforcer(),
		log:      log,
	}
}

// SubmitRequest is one batch submission.
type SubmitRequest struct {
	Tasks          []core.ParentTask
	Model          string
	Timeout        time.Duration
	MaxOutstanding int
	BypassSandbox  bool
}

// NewRunID allocates a run identifier that sorts by submission time
// and cannot collide across concurrent submitters.
func NewRunID() core.RunID {
	return core.RunID(fmt.Sprintf("run-%s-%s",
		time.Now().UTC().Format("20060102-150405"),
		uuid.NewString()[:8]))
}

// Submit validates the batch, persists the initial manifest and drives
// every task to a terminal phase before returning the final manifest.
// Individual task failures do not abort siblings; the returned error
// covers submission itself, not task outcomes.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*core.Run, error) {
	if err := core.ValidateBatch(req.Tasks); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Agent.DefaultModel
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Batch.DefaultTimeout
	}
	bound := req.MaxOutstanding
	if bound <= 0 || bound > c.cfg.Batch.GlobalMaxOutstanding {
		bound = c.cfg.Batch.GlobalMaxOutstanding
	}

	runID := NewRunID()
	run := &core.Run{
		RunID:          runID,
		Model:          model,
		TimeoutSeconds: int(timeout / time.Second),
		MaxOutstanding: bound,
		BypassSandbox:  req.BypassSandbox,
		StartedAt:      time.Now().UTC(),
		Parents:        make([]core.TaskState, len(req.Tasks)),
	}
	for i, t := range req.Tasks {
		run.Parents[i] = core.TaskState{Task: t, Phase: core.PhasePrepare}
	}

	if err := c.deps.Manifests.Create(run); err != nil {
		return nil, err
	}
	if err := c.deps.Registry.Register(core.RegistryEntry{
		RunID:     runID,
		PID:       os.Getpid(),
		StartedAt: run.StartedAt,
		Tasks:     len(req.Tasks),
	}); err != nil {
		return nil, err
	}

	log := c.log.WithRun(string(runID))
	log.Info("run submitted", "tasks", len(req.Tasks), "model", model, "max_outstanding", bound)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var running int64
	// The watch is established before any task starts so no marker
	// written during the run can slip past it.
	if ch, err := c.deps.Cancels.Watch(runCtx); err != nil {
		log.Warn("cancel watcher unavailable, relying on phase-boundary polls", "error", err)
	} else {
		go c.watchCancellation(runID, ch, stop)
	}
	go c.heartbeat(runCtx, runID, &running)

	sem := semaphore.NewWeighted(int64(bound))
	g, gctx := errgroup.WithContext(runCtx)
	for _, task := range req.Tasks {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				c.finishTask(runID, task.ID, core.PhaseCanceled, core.FailCancelled,
					"run cancelled before the task started", nil)
				return nil
			}
			defer sem.Release(1)

			atomic.AddInt64(&running, 1)
			defer atomic.AddInt64(&running, -1)

			c.runTask(gctx, run, task)
			return nil
		})
	}
	g.Wait()

	if err := c.deps.Manifests.Update(runID, func(r *core.Run) error {
		now := time.Now().UTC()
		r.EndedAt = &now
		return nil
	}); err != nil {
		log.Error("finalizing manifest", "error", err)
	}
	if err := c.deps.Registry.Deregister(runID); err != nil {
		log.Warn("deregistering run", "error", err)
	}

	final, err := c.deps.Manifests.Load(runID)
	if err != nil {
		return nil, err
	}
	log.Info("run finished", "succeeded", final.Succeeded())
	return final, nil
}

// Cancel requests cancellation of a whole run or one task. The marker
// is durable; killing the live process is best effort on top of it.
func (c *Coordinator) Cancel(runID core.RunID, taskID core.TaskID, reason string) error {
	if err := c.deps.Cancels.Request(core.CancelMarker{
		RunID:  runID,
		TaskID: taskID,
		Reason: reason,
	}); err != nil {
		return err
	}

	if taskID != "" {
		if err := c.deps.Runner.Kill(runID, taskID); err != nil && !core.IsNotFound(err) {
			return err
		}
		return nil
	}
	killed := c.deps.Runner.KillRun(runID)
	c.log.WithRun(string(runID)).Info("cancellation requested", "killed", killed, "reason", reason)
	return nil
}

// Status returns the current manifest snapshot for a run.
func (c *Coordinator) Status(runID core.RunID) (*core.Run, error) {
	return c.deps.Manifests.Load(runID)
}

// ActiveRun is one registry entry plus its staleness verdict.
type ActiveRun struct {
	core.RegistryEntry
	Stale bool `json:"stale"`
}

// ListActive lists in-flight runs, marking those whose heartbeat is
// older than the abandon threshold.
func (c *Coordinator) ListActive() ([]ActiveRun, error) {
	entries, err := c.deps.Registry.List()
	if err != nil {
		return nil, err
	}
	stale, err := c.deps.Registry.Stale()
	if err != nil {
		return nil, err
	}
	staleSet := make(map[core.RunID]struct{}, len(stale))
	for _, e := range stale {
		staleSet[e.RunID] = struct{}{}
	}

	out := make([]ActiveRun, 0, len(entries))
	for _, e := range entries {
		_, isStale := staleSet[e.RunID]
		out = append(out, ActiveRun{RegistryEntry: e, Stale: isStale})
	}
	return out, nil
}

// ReapStale deregisters runs whose heartbeat is older than the abandon
// threshold, returning the reaped run IDs. Manifests and evidence stay
// on disk; only the active-run entry is cleared.
func (c *Coordinator) ReapStale() ([]core.RunID, error) {
	stale, err := c.deps.Registry.Stale()
	if err != nil {
		return nil, err
	}
	reaped := make([]core.RunID, 0, len(stale))
	for _, e := range stale {
		if err := c.deps.Registry.Deregister(e.RunID); err != nil {
			return reaped, err
		}
		c.log.WithRun(string(e.RunID)).Info("reaped abandoned run", "pid", e.PID)
		reaped = append(reaped, e.RunID)
	}
	return reaped, nil
}

// watchCancellation reacts to durable markers for this run without
// polling delay. A run-level marker kills every live agent and cancels
// the run context; a task-level marker kills just that task's agent,
// leaving siblings running. Markers written by another process arrive
// here too, so force-kill works for out-of-process cancels.
func (c *Coordinator) watchCancellation(runID core.RunID, ch <-chan core.CancelMarker, stop context.CancelFunc) {
	for m := range ch {
		if m.RunID != runID {
			continue
		}
		if m.TaskID != "" {
			c.log.WithRun(string(runID)).WithTask(string(m.TaskID)).Info("task cancel marker observed")
			if err := c.deps.Runner.Kill(runID, m.TaskID); err != nil && !core.IsNotFound(err) {
				c.log.WithRun(string(runID)).Warn("killing cancelled task", "error", err)
			}
			continue
		}
		cancelled, err := c.deps.Cancels.Cancelled(runID, "")
		if err == nil && cancelled {
			c.log.WithRun(string(runID)).Info("cancel marker observed")
			c.deps.Runner.KillRun(runID)
			stop()
			return
		}
	}
}

// heartbeat periodically touches the registry entry and the manifest
// heartbeat of every task still running the model.
func (c *Coordinator) heartbeat(ctx context.Context, runID core.RunID, running *int64) {
	interval := c.cfg.Batch.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := int(atomic.LoadInt64(running))
			if err := c.deps.Registry.Touch(runID, n); err != nil {
				c.log.WithRun(string(runID)).Warn("registry heartbeat failed", "error", err)
			}
			now := time.Now().UTC()
			c.deps.Manifests.Update(runID, func(r *core.Run) error {
				for i := range r.Parents {
					if r.Parents[i].Phase == core.PhaseRunningModel {
						r.Parents[i].HeartbeatAt = &now
					}
				}
				return nil
			})
		}
	}
}
