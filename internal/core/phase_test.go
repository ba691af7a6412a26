package core

import "testing"

func TestTaskPhase_Terminal(t *testing.T) {
	terminal := []TaskPhase{PhaseDone, PhaseFailed}
	for _, p := range terminal {
		if !p.Terminal() {
			t.Errorf("%s should be terminal", p)
		}
	}

	nonTerminal := []TaskPhase{
		PhasePrepare, PhaseRunningModel, PhaseModelDone, PhaseTimeout,
		PhaseCanceled, PhaseBlocked, PhaseCollectChanges, PhaseApplyChanges,
	}
	for _, p := range nonTerminal {
		if p.Terminal() {
			t.Errorf("%s should not be terminal", p)
		}
	}
}

func TestParseTaskPhase(t *testing.T) {
	p, err := ParseTaskPhase("running_model")
	if err != nil {
		t.Fatalf("ParseTaskPhase: %v", err)
	}
	if p != PhaseRunningModel {
		t.Errorf("got %q, want %q", p, PhaseRunningModel)
	}

	if _, err := ParseTaskPhase("bogus"); err == nil {
		t.Error("expected error for invalid phase")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskPhase
		want     bool
	}{
		{PhasePrepare, PhaseRunningModel, true},
		{PhasePrepare, PhaseBlocked, true},
		{PhasePrepare, PhaseDone, false},
		{PhaseRunningModel, PhaseModelDone, true},
		{PhaseRunningModel, PhaseTimeout, true},
		{PhaseRunningModel, PhaseApplyChanges, false},
		{PhaseModelDone, PhaseCollectChanges, true},
		{PhaseCollectChanges, PhaseDone, true},
		{PhaseCollectChanges, PhaseApplyChanges, true},
		{PhaseCollectChanges, PhaseFailed, true},
		{PhaseApplyChanges, PhaseDone, true},
		{PhaseApplyChanges, PhaseFailed, true},
		{PhaseTimeout, PhaseFailed, true},
		{PhaseBlocked, PhaseFailed, true},
		{PhaseCanceled, PhaseFailed, true},
		{PhaseDone, PhaseFailed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanTransition_CancelFromAnywhere(t *testing.T) {
	for _, from := range []TaskPhase{
		PhasePrepare, PhaseRunningModel, PhaseModelDone,
		PhaseCollectChanges, PhaseApplyChanges,
	} {
		if !CanTransition(from, PhaseCanceled) {
			t.Errorf("cancel should be reachable from %s", from)
		}
	}
	for _, from := range []TaskPhase{PhaseDone, PhaseFailed} {
		if CanTransition(from, PhaseCanceled) {
			t.Errorf("cancel should not be reachable from terminal %s", from)
		}
	}
}
