package agent

import (
	"sync"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
)

// ProcessRegistry tracks live agent processes keyed by (runID, taskID).
// It is the force-kill layer of cancellation: when cooperative paths
// are stuck inside a blocked agent, the registry still knows the
// process group to signal.
type ProcessRegistry struct {
	mu    sync.Mutex
	procs map[procKey]*handle
}

type procKey struct {
	runID  core.RunID
	taskID core.TaskID
}

// NewProcessRegistry creates an empty registry.
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{procs: make(map[procKey]*handle)}
}

func (r *ProcessRegistry) add(runID core.RunID, taskID core.TaskID, h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[procKey{runID, taskID}] = h
}

func (r *ProcessRegistry) remove(runID core.RunID, taskID core.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, procKey{runID, taskID})
}

// Kill force-terminates the process for (runID, taskID) if running.
func (r *ProcessRegistry) Kill(runID core.RunID, taskID core.TaskID) error {
	r.mu.Lock()
	h, ok := r.procs[procKey{runID, taskID}]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return h.kill()
}

// KillRun force-terminates every live process of a run and returns how
// many were signaled.
func (r *ProcessRegistry) KillRun(runID core.RunID) int {
	r.mu.Lock()
	var targets []*handle
	for k, h := range r.procs {
		if k.runID == runID {
			targets = append(targets, h)
		}
	}
	r.mu.Unlock()

	for _, h := range targets {
		_ = h.kill()
	}
	return len(targets)
}

// Live returns the number of tracked processes.
func (r *ProcessRegistry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}
