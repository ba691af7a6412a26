package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/fsutil"
)

// ManifestStore persists run manifests under <stateDir>/runs/<runID>/.
// Every write goes through one mutex and an atomic rename, so a
// concurrent reader sees either the previous or the next manifest,
// never a torn one.
type ManifestStore struct {
	mu  sync.Mutex
	dir string
}

// NewManifestStore creates the store rooted at the state directory.
func NewManifestStore(stateDir string) *ManifestStore {
	return &ManifestStore{dir: filepath.Join(stateDir, "runs")}
}

// RunDir returns the directory holding one run's manifest and evidence.
func (s *ManifestStore) RunDir(runID core.RunID) string {
	return filepath.Join(s.dir, string(runID))
}

// TaskDir returns (and creates) the evidence directory for one task.
func (s *ManifestStore) TaskDir(runID core.RunID, taskID core.TaskID) (string, error) {
	dir := filepath.Join(s.RunDir(runID), string(taskID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", core.ErrExecution(core.CodeStateCorrupted, "creating task evidence dir").WithCause(err)
	}
	return dir, nil
}

func (s *ManifestStore) manifestPath(runID core.RunID) string {
	return filepath.Join(s.RunDir(runID), "manifest.json")
}

// Create writes the initial manifest for a new run.
func (s *ManifestStore) Create(run *core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fsutil.WriteJSONAtomic(s.manifestPath(run.RunID), run)
}

// Load reads the current manifest snapshot.
func (s *ManifestStore) Load(runID core.RunID) (*core.Run, error) {
	var run core.Run
	if err := fsutil.ReadJSON(s.manifestPath(runID), &run); err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("run", string(runID))
		}
		return nil, core.ErrState(core.CodeStateCorrupted,
			fmt.Sprintf("reading manifest for run %s", runID)).WithCause(err)
	}
	return &run, nil
}

// Update applies fn to the manifest under the store lock and persists
// the result atomically.
func (s *ManifestStore) Update(runID core.RunID, fn func(*core.Run) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var run core.Run
	if err := fsutil.ReadJSON(s.manifestPath(runID), &run); err != nil {
		return core.ErrState(core.CodeStateCorrupted,
			fmt.Sprintf("reading manifest for run %s", runID)).WithCause(err)
	}
	if err := fn(&run); err != nil {
		return err
	}
	return fsutil.WriteJSONAtomic(s.manifestPath(runID), &run)
}

// UpdateTask applies fn to one task's manifest entry.
func (s *ManifestStore) UpdateTask(runID core.RunID, taskID core.TaskID, fn func(*core.TaskState) error) error {
	return s.Update(runID, func(run *core.Run) error {
		ts, ok := run.Task(taskID)
		if !ok {
			return core.ErrNotFound("task", string(taskID))
		}
		return fn(ts)
	})
}
