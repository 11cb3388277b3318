package state

import (
	"os"
	"syscall"

	"github.com/ShayCichocki/colony/pkg/models"
)

// IsProcessAlive reports whether an OS process with the given pid exists.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	return process.Signal(syscall.Signal(0)) == nil
}

// OrphanedProcesses returns persisted records still marked running that
// are not owned by the current supervisor. owned may be nil.
func OrphanedProcesses(store ProcessStore, owned func(id string) bool) ([]models.AgentProcess, error) {
	records, err := store.ListProcesses()
	if err != nil {
		return nil, err
	}
	var orphans []models.AgentProcess
	for _, rec := range records {
		if rec.Status != models.ProcessStatusRunning {
			continue
		}
		if owned != nil && owned(rec.ID) {
			continue
		}
		orphans = append(orphans, rec)
	}
	return orphans, nil
}
