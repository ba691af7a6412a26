// Package diagnostics checks host resources before agent processes are
// spawned. Agent CLIs are heavyweight and fail in confusing ways when
// the host is out of disk or memory, so the floor is enforced up front
// and reported as a normal task failure instead.
package diagnostics

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
)

const mib = 1024 * 1024

// Preflight verifies resource floors before each spawn.
type Preflight struct {
	// MinFreeDiskMB and MinFreeMemMB are floors in mebibytes.
	// Zero disables the corresponding check.
	MinFreeDiskMB uint64
	MinFreeMemMB  uint64

	// probes are swappable for tests.
	diskUsage func(path string) (free uint64, err error)
	memFree   func() (free uint64, err error)
}

// NewPreflight creates a preflight checker with the given floors.
func NewPreflight(minDiskMB, minMemMB uint64) *Preflight {
	return &Preflight{
		MinFreeDiskMB: minDiskMB,
		MinFreeMemMB:  minMemMB,
		diskUsage: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
		memFree: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
	}
}

// Check verifies the floors against the filesystem holding workDir.
// A probe error is not a failure; the spawn proceeds on hosts where
// gopsutil cannot read the stats.
func (p *Preflight) Check(workDir string) error {
	if p.MinFreeDiskMB > 0 {
		free, err := p.diskUsage(workDir)
		if err == nil && free < p.MinFreeDiskMB*mib {
			return core.ErrExecution(core.CodePreflightFailed,
				fmt.Sprintf("free disk %d MiB below floor %d MiB", free/mib, p.MinFreeDiskMB))
		}
	}
	if p.MinFreeMemMB > 0 {
		free, err := p.memFree()
		if err == nil && free < p.MinFreeMemMB*mib {
			return core.ErrExecution(core.CodePreflightFailed,
				fmt.Sprintf("free memory %d MiB below floor %d MiB", free/mib, p.MinFreeMemMB))
		}
	}
	return nil
}
