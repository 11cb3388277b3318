package hierarchy

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskTimeout rejects a task the orchestrator did not complete in time.
	ErrTaskTimeout = errors.New("task timed out waiting for completion")
	// ErrUnknownRole is returned for roles outside the catalog.
	ErrUnknownRole = errors.New("unknown role")
	// ErrNoLeader is returned when a role has no leader node.
	ErrNoLeader = errors.New("no leader for role")
	// ErrNotActive is returned when the hierarchy is deactivated.
	ErrNotActive = errors.New("hierarchy is not active")
	// ErrOrchestratorExited rejects tasks pending on a dead orchestrator.
	ErrOrchestratorExited = errors.New("orchestrator process exited")
)

// LeaderError reports a leader or employee process that failed, with the
// tail of its output.
type LeaderError struct {
	Role     string
	ExitCode int
	Tail     string
}

func (e *LeaderError) Error() string {
	if e.Tail == "" {
		return fmt.Sprintf("%s failed with exit code %d", e.Role, e.ExitCode)
	}
	return fmt.Sprintf("%s failed with exit code %d: %s", e.Role, e.ExitCode, e.Tail)
}
