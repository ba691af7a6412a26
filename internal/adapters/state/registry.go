// Package state persists run bookkeeping outside any single process:
// the active-run registry and durable cancellation markers. Everything
// is plain JSON written with rename-on-write so a crashed process never
// leaves a half-written file behind.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
	"github.com/hugo-lorenzo-mato/agentbatch/internal/fsutil"
)

// ActiveRunRegistry implements core.RunRegistry with one JSON file per
// run under <dir>/active/.
type ActiveRunRegistry struct {
	dir          string
	abandonAfter time.Duration
	now          func() time.Time
}

// NewActiveRunRegistry creates a registry rooted at stateDir.
func NewActiveRunRegistry(stateDir string, abandonAfter time.Duration) *ActiveRunRegistry {
	return &ActiveRunRegistry{
		dir:          filepath.Join(stateDir, "active"),
		abandonAfter: abandonAfter,
		now:          time.Now,
	}
}

func (r *ActiveRunRegistry) entryPath(runID core.RunID) string {
	return filepath.Join(r.dir, string(runID)+".json")
}

// Register persists a new entry for a starting run.
func (r *ActiveRunRegistry) Register(entry core.RegistryEntry) error {
	if entry.HeartbeatAt.IsZero() {
		entry.HeartbeatAt = r.now()
	}
	return fsutil.WriteJSONAtomic(r.entryPath(entry.RunID), entry)
}

// Touch refreshes the heartbeat and running count of an entry.
func (r *ActiveRunRegistry) Touch(runID core.RunID, running int) error {
	var entry core.RegistryEntry
	if err := fsutil.ReadJSON(r.entryPath(runID), &entry); err != nil {
		if os.IsNotExist(err) {
			return core.ErrNotFound("registry entry", string(runID))
		}
		return err
	}
	entry.HeartbeatAt = r.now()
	entry.Running = running
	return fsutil.WriteJSONAtomic(r.entryPath(runID), entry)
}

// Deregister removes the entry for a finished run.
func (r *ActiveRunRegistry) Deregister(runID core.RunID) error {
	err := os.Remove(r.entryPath(runID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns all registry entries, oldest first. Corrupt entries are
// skipped rather than failing the listing.
func (r *ActiveRunRegistry) List() ([]core.RegistryEntry, error) {
	dirents, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]core.RegistryEntry, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		var entry core.RegistryEntry
		if err := fsutil.ReadJSON(filepath.Join(r.dir, d.Name()), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})
	return entries, nil
}

// Stale returns entries whose heartbeat is older than the abandon
// threshold.
func (r *ActiveRunRegistry) Stale() ([]core.RegistryEntry, error) {
	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-r.abandonAfter)
	stale := make([]core.RegistryEntry, 0)
	for _, e := range entries {
		if e.HeartbeatAt.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	return stale, nil
}

// Reap deregisters every stale entry and returns the reaped run IDs.
// The caller is responsible for any worktree cleanup.
func (r *ActiveRunRegistry) Reap() ([]core.RunID, error) {
	stale, err := r.Stale()
	if err != nil {
		return nil, err
	}
	reaped := make([]core.RunID, 0, len(stale))
	for _, e := range stale {
		if err := r.Deregister(e.RunID); err != nil {
			return reaped, fmt.Errorf("reaping %s: %w", e.RunID, err)
		}
		reaped = append(reaped, e.RunID)
	}
	return reaped, nil
}
