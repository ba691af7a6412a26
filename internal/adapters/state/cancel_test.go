package state

import (
	"context"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/testutil"
)

func TestCancelStore_RequestAndCancelled(t *testing.T) {
	s := NewCancelStore(testutil.TempDir(t), nil)

	cancelled, err := s.Cancelled("run-a", "")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, cancelled, "no marker yet")

	testutil.AssertNoError(t, s.Request(core.CancelMarker{RunID: "run-a", Reason: "operator"}))

	cancelled, err = s.Cancelled("run-a", "")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, cancelled, "marker written")

	// Run-level marker covers every task.
	cancelled, err = s.Cancelled("run-a", "t9")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, cancelled, "run marker covers tasks")

	m, err := s.Marker("run-a", "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, m.Reason, "operator")
	testutil.AssertTrue(t, m.RequestedAt != "", "timestamp recorded")
}

func TestCancelStore_TaskMarker(t *testing.T) {
	s := NewCancelStore(testutil.TempDir(t), nil)

	testutil.AssertNoError(t, s.Request(core.CancelMarker{RunID: "run-a", TaskID: "t1"}))

	cancelled, err := s.Cancelled("run-a", "t1")
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, cancelled, "task marker")

	cancelled, err = s.Cancelled("run-a", "t2")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, cancelled, "other tasks unaffected")

	cancelled, err = s.Cancelled("run-a", "")
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, cancelled, "task marker does not cancel the run")
}

func TestCancelStore_FirstRequestWins(t *testing.T) {
	s := NewCancelStore(testutil.TempDir(t), nil)

	testutil.AssertNoError(t, s.Request(core.CancelMarker{RunID: "run-a", Reason: "first"}))
	testutil.AssertNoError(t, s.Request(core.CancelMarker{RunID: "run-a", Reason: "second"}))

	m, err := s.Marker("run-a", "")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, m.Reason, "first")
}

func TestCancelStore_RequestValidation(t *testing.T) {
	s := NewCancelStore(testutil.TempDir(t), nil)
	testutil.AssertError(t, s.Request(core.CancelMarker{}))
}

func TestCancelStore_Watch(t *testing.T) {
	s := NewCancelStore(testutil.TempDir(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, s.Request(core.CancelMarker{RunID: "run-w", TaskID: "t1"}))

	select {
	case m := <-ch:
		testutil.AssertEqual(t, m.RunID, core.RunID("run-w"))
		testutil.AssertEqual(t, m.TaskID, core.TaskID("t1"))
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not deliver the marker")
	}

	cancel()
	select {
	case _, open := <-ch:
		testutil.AssertFalse(t, open, "channel should close on ctx end")
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close")
	}
}

func TestParseMarkerName(t *testing.T) {
	tests := []struct {
		name     string
		wantRun  core.RunID
		wantTask core.TaskID
		valid    bool
	}{
		{"run-x.json", "run-x", "", true},
		{"run-x.t1.json", "run-x", "t1", true},
		{".run-x.json.tmp123", "", "", false},
		{"README", "", "", false},
		{".json", "", "", false},
	}
	for _, tt := range tests {
		got, valid := parseMarkerName(tt.name)
		testutil.AssertEqual(t, valid, tt.valid)
		if valid {
			testutil.AssertEqual(t, got.RunID, tt.wantRun)
			testutil.AssertEqual(t, got.TaskID, tt.wantTask)
		}
	}
}
