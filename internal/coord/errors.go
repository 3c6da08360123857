package coord

import (
	"fmt"
	"time"

	"github.com/pdbench/pdbench/internal/plan"
)

// RankFailedError reports that a rank published a Failed terminal status.
// Once observed, a barrier can never complete; the job must be torn down.
type RankFailedError struct {
	Record ReadinessRecord
}

func (e *RankFailedError) Error() string {
	return fmt.Sprintf("rank failed: %s rank %d on %s: %s",
		e.Record.Role, e.Record.Rank, e.Record.NodeID, e.Record.Detail)
}

// WaitTimeoutError reports that a wait on the shared medium expired before
// the expected record appeared. LastKnown carries the most recent record
// observed for the key, if any, to aid diagnosis.
type WaitTimeoutError struct {
	Role      plan.Role
	Rank      int
	Waited    time.Duration
	LastKnown *ReadinessRecord
}

func (e *WaitTimeoutError) Error() string {
	if e.LastKnown != nil {
		return fmt.Sprintf("timed out after %s waiting for %s rank %d (last known: %s at %s)",
			e.Waited, e.Role, e.Rank, e.LastKnown.Status, e.LastKnown.Timestamp.Format(time.RFC3339))
	}
	return fmt.Sprintf("timed out after %s waiting for %s rank %d (no record published)",
		e.Waited, e.Role, e.Rank)
}
