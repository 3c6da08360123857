package launch

import (
	"fmt"

	"github.com/pdbench/pdbench/internal/plan"
)

// StartupTimeoutError indicates a dependency rank never became ready within
// the configured wait bound. The dependent role is never started in a broken
// state; the node publishes Failed and exits.
type StartupTimeoutError struct {
	Role       plan.Role // role that was waiting
	Dependency string    // what it was waiting for
	Cause      error
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("%s startup timed out waiting for %s: %v", e.Role, e.Dependency, e.Cause)
}

func (e *StartupTimeoutError) Unwrap() error { return e.Cause }

// SpawnError indicates a managed process could not be started.
type SpawnError struct {
	Name  string
	Cause error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Name, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// ProcessExitedError indicates a managed process died while the job was
// still in flight.
type ProcessExitedError struct {
	Name  string
	Cause error
}

func (e *ProcessExitedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("process %s exited before the job finished", e.Name)
	}
	return fmt.Sprintf("process %s exited before the job finished: %v", e.Name, e.Cause)
}

func (e *ProcessExitedError) Unwrap() error { return e.Cause }
