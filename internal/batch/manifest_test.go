package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/testutil"
)

func testRun(id string, taskIDs ...string) *core.Run {
	run := &core.Run{
		RunID:     core.RunID(id),
		Model:     "test-model",
		StartedAt: time.Now().UTC(),
	}
	for _, tid := range taskIDs {
		run.Parents = append(run.Parents, core.TaskState{
			Task:  core.ParentTask{ID: core.TaskID(tid), Description: "d"},
			Phase: core.PhasePrepare,
		})
	}
	return run
}

func TestManifestStore_CreateLoadUpdate(t *testing.T) {
	s := NewManifestStore(testutil.TempDir(t))
	run := testRun("run-1", "t1", "t2")

	testutil.AssertNoError(t, s.Create(run))

	loaded, err := s.Load("run-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, loaded.Model, "test-model")
	testutil.AssertLen(t, loaded.Parents, 2)

	testutil.AssertNoError(t, s.UpdateTask("run-1", "t1", func(ts *core.TaskState) error {
		ts.Phase = core.PhaseRunningModel
		return nil
	}))

	loaded, err = s.Load("run-1")
	testutil.AssertNoError(t, err)
	ts, ok := loaded.Task("t1")
	testutil.AssertTrue(t, ok, "task present")
	testutil.AssertEqual(t, ts.Phase, core.PhaseRunningModel)
}

func TestManifestStore_LoadMissing(t *testing.T) {
	s := NewManifestStore(testutil.TempDir(t))
	_, err := s.Load("run-missing")
	testutil.AssertError(t, err)
	testutil.AssertTrue(t, core.IsNotFound(err), "not found error")
}

func TestManifestStore_UpdateUnknownTask(t *testing.T) {
	s := NewManifestStore(testutil.TempDir(t))
	testutil.AssertNoError(t, s.Create(testRun("run-1", "t1")))

	err := s.UpdateTask("run-1", "ghost", func(*core.TaskState) error { return nil })
	testutil.AssertError(t, err)
}

func TestManifestStore_TaskDir(t *testing.T) {
	s := NewManifestStore(testutil.TempDir(t))
	dir, err := s.TaskDir("run-1", "t1")
	testutil.AssertNoError(t, err)
	testutil.AssertContains(t, dir, "run-1")
	testutil.AssertContains(t, dir, "t1")
}

// Readers racing a writer must never observe a manifest where EndedAt
// is set but the parents array is inconsistent with it.
func TestManifestStore_NoTornReads(t *testing.T) {
	s := NewManifestStore(testutil.TempDir(t))
	run := testRun("run-race", "t1", "t2", "t3")
	testutil.AssertNoError(t, s.Create(run))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			s.Update("run-race", func(r *core.Run) error {
				for j := range r.Parents {
					r.Parents[j].Phase = core.PhaseDone
				}
				now := time.Now().UTC()
				r.EndedAt = &now
				return nil
			})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				loaded, err := s.Load("run-race")
				if err != nil {
					t.Errorf("load: %v", err)
					return
				}
				if len(loaded.Parents) != 3 {
					t.Errorf("torn read: %d parents", len(loaded.Parents))
					return
				}
				if loaded.EndedAt != nil && !loaded.Finished() {
					t.Error("ended_at set with non-terminal parents")
					return
				}
			}
		}()
	}
	wg.Wait()
	<-done
}
