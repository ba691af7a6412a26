package core

import "fmt"

// TaskPhase represents a stage in the per-task attempt state machine.
type TaskPhase string

const (
	// PhasePrepare is the first phase: worktree creation and seeding.
	PhasePrepare TaskPhase = "prepare"

	// PhaseRunningModel covers the lifetime of the external agent process.
	PhaseRunningModel TaskPhase = "running_model"

	// PhaseModelDone is entered when the agent process exits normally.
	PhaseModelDone TaskPhase = "model_done"

	// PhaseTimeout is entered when the agent process exceeded its wall clock
	// and was killed.
	PhaseTimeout TaskPhase = "timeout"

	// PhaseCanceled is entered on cooperative or forced cancellation.
	// It is reachable from any state.
	PhaseCanceled TaskPhase = "canceled"

	// PhaseBlocked is entered directly from prepare when a required
	// allowlist is missing. The agent process is never spawned.
	PhaseBlocked TaskPhase = "blocked"

	// PhaseCollectChanges computes the filesystem delta or extracts a patch.
	PhaseCollectChanges TaskPhase = "collect_changes"

	// PhaseApplyChanges reconciles accepted changes into the shared repository.
	PhaseApplyChanges TaskPhase = "apply_changes"

	// PhaseDone is the successful terminal state.
	PhaseDone TaskPhase = "done"

	// PhaseFailed is the unsuccessful terminal state.
	PhaseFailed TaskPhase = "failed"
)

// Terminal reports whether the phase is a terminal state for an attempt.
func (p TaskPhase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseFailed:
		return true
	default:
		return false
	}
}

// ValidPhase checks if a phase string is valid.
func ValidPhase(p TaskPhase) bool {
	switch p {
	case PhasePrepare, PhaseRunningModel, PhaseModelDone, PhaseTimeout,
		PhaseCanceled, PhaseBlocked, PhaseCollectChanges, PhaseApplyChanges,
		PhaseDone, PhaseFailed:
		return true
	default:
		return false
	}
}

// ParseTaskPhase converts a string to a TaskPhase with validation.
func ParseTaskPhase(s string) (TaskPhase, error) {
	p := TaskPhase(s)
	if !ValidPhase(p) {
		return "", fmt.Errorf("invalid task phase: %s", s)
	}
	return p, nil
}

// String returns the string representation of the phase.
func (p TaskPhase) String() string {
	return string(p)
}

// phaseSuccessors encodes the legal transitions of an attempt.
// canceled is additionally reachable from every non-terminal state.
var phaseSuccessors = map[TaskPhase][]TaskPhase{
	PhasePrepare:        {PhaseRunningModel, PhaseBlocked},
	PhaseRunningModel:   {PhaseModelDone, PhaseTimeout},
	PhaseModelDone:      {PhaseCollectChanges},
	PhaseTimeout:        {PhaseFailed},
	PhaseBlocked:        {PhaseFailed},
	PhaseCanceled:       {PhaseFailed},
	PhaseCollectChanges: {PhaseApplyChanges, PhaseDone, PhaseFailed},
	PhaseApplyChanges:   {PhaseDone, PhaseFailed},
}

// CanTransition reports whether moving from one phase to another is legal.
func CanTransition(from, to TaskPhase) bool {
	if to == PhaseCanceled {
		return !from.Terminal()
	}
	for _, next := range phaseSuccessors[from] {
		if next == to {
			return true
		}
	}
	return false
}
