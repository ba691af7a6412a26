package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/logging"
)

// CancelStore records cancellation requests as marker files under
// <dir>/cancel/. Markers are never deleted: a cancellation must survive
// crashes, restarts and races with the run it targets.
//
// Marker names: <runID>.json for a whole run, <runID>.<taskID>.json for
// one task.
type CancelStore struct {
	dir string
	log *logging.Logger
}

// NewCancelStore creates a store rooted at stateDir.
func NewCancelStore(stateDir string, log *logging.Logger) *CancelStore {
	if log == nil {
		log = logging.NewNop()
	}
	return &CancelStore{
		dir: filepath.Join(stateDir, "cancel"),
		log: log,
	}
}

func (s *CancelStore) markerPath(runID core.RunID, taskID core.TaskID) string {
	name := string(runID)
	if taskID != "" {
		name += "." + string(taskID)
	}
	return filepath.Join(s.dir, name+".json")
}

// Request persists a marker. Writing an existing marker again is a
// no-op; the first request wins.
func (s *CancelStore) Request(marker core.CancelMarker) error {
	if marker.RunID == "" {
		return core.ErrValidation("EMPTY_RUN_ID", "cancel marker needs a run id")
	}
	if marker.RequestedAt == "" {
		marker.RequestedAt = time.Now().UTC().Format(time.RFC3339)
	}

	path := s.markerPath(marker.RunID, marker.TaskID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	s.log.Info("cancellation requested",
		"run_id", marker.RunID, "task_id", marker.TaskID, "reason", marker.Reason)
	return fsutil.WriteJSONAtomic(path, marker)
}

// Cancelled reports whether a marker exists for the run, or for the
// specific task when taskID is non-empty. A run-level marker covers
// every task of the run.
func (s *CancelStore) Cancelled(runID core.RunID, taskID core.TaskID) (bool, error) {
	if _, err := os.Stat(s.markerPath(runID, "")); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if taskID == "" {
		return false, nil
	}
	if _, err := os.Stat(s.markerPath(runID, taskID)); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	return false, nil
}

// Marker loads a marker if present.
func (s *CancelStore) Marker(runID core.RunID, taskID core.TaskID) (*core.CancelMarker, error) {
	var m core.CancelMarker
	err := fsutil.ReadJSON(s.markerPath(runID, taskID), &m)
	if os.IsNotExist(err) {
		return nil, core.ErrNotFound("cancel marker", string(runID))
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Watch delivers every marker created while watching, with the run and
// task parsed from the file name. The channel closes when ctx ends.
// Cooperative cancellation paths use this to observe markers without
// polling delay; phase-boundary polls remain the fallback on
// filesystems without notify support.
func (s *CancelStore) Watch(ctx context.Context) (<-chan core.CancelMarker, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating cancel watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", s.dir, err)
	}

	out := make(chan core.CancelMarker, 16)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				marker, valid := parseMarkerName(filepath.Base(ev.Name))
				if !valid {
					continue
				}
				select {
				case out <- marker:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("cancel watcher error", "error", err)
			}
		}
	}()
	return out, nil
}

// parseMarkerName extracts the run and task IDs from a marker file
// name, ignoring temp files from in-flight atomic writes.
func parseMarkerName(name string) (core.CancelMarker, bool) {
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return core.CancelMarker{}, false
	}
	name = strings.TrimSuffix(name, ".json")
	// <runID> or <runID>.<taskID>
	var taskID core.TaskID
	if i := strings.IndexByte(name, '.'); i > 0 {
		taskID = core.TaskID(name[i+1:])
		name = name[:i]
	}
	if name == "" {
		return core.CancelMarker{}, false
	}
	return core.CancelMarker{RunID: core.RunID(name), TaskID: taskID}, true
}
