package state

import (
	"os"
	"testing"

	"github.com/ShayCichocki/colony/pkg/models"
)

func TestIsProcessAlive(t *testing.T) {
	if IsProcessAlive(0) {
		t.Error("PID 0 should not be alive")
	}
	if IsProcessAlive(-1) {
		t.Error("PID -1 should not be alive")
	}
	if !IsProcessAlive(os.Getpid()) {
		t.Error("our own PID should be alive")
	}
	if IsProcessAlive(999999) {
		t.Error("non-existent PID should not be alive")
	}
}

func TestOrphanedProcesses(t *testing.T) {
	store := NewMemory()
	for _, rec := range []*models.AgentProcess{
		{ID: "running-owned", Status: models.ProcessStatusRunning},
		{ID: "running-orphan", Status: models.ProcessStatusRunning},
		{ID: "finished", Status: models.ProcessStatusDone},
	} {
		if err := store.SaveProcess(rec); err != nil {
			t.Fatalf("SaveProcess: %v", err)
		}
	}

	orphans, err := OrphanedProcesses(store, func(id string) bool { return id == "running-owned" })
	if err != nil {
		t.Fatalf("OrphanedProcesses: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "running-orphan" {
		t.Errorf("orphans = %+v", orphans)
	}
}
