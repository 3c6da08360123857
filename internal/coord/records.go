// Package coord implements the cross-node readiness coordinator: a durable
// shared medium through which late-starting roles discover the endpoints
// published by earlier roles, and through which the benchmark driver learns
// the whole cluster is serving.
//
// There is no central coordinator process. Every record has exactly one
// legitimate writer (the owning rank) and any number of polling readers, so
// no locking is needed on the medium. Readers tolerate writers that have not
// started yet and writers that crashed.
package coord

import (
	"fmt"
	"time"

	"github.com/pdbench/pdbench/internal/plan"
)

// Status is the lifecycle state of a (role, rank). Starting is transient;
// Ready and Failed are terminal and written exactly once.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// ReadinessRecord is the published lifecycle state of one rank.
type ReadinessRecord struct {
	NodeID    string    `json:"node_id"`
	Role      plan.Role `json:"role"`
	Rank      int       `json:"rank"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"` // failure reason, for diagnosis
	Timestamp time.Time `json:"timestamp"`
}

// ServiceEndpoint is the listening address a rank publishes once its socket
// is bound. Never mutated after publication; superseded only by a new job ID.
type ServiceEndpoint struct {
	Role plan.Role `json:"role"`
	Rank int       `json:"rank"`
	Host string    `json:"host"`
	Port int       `json:"port"`
}

// Addr returns the host:port form of the endpoint.
func (e ServiceEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// URL returns the http URL of the endpoint.
func (e ServiceEndpoint) URL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// JobStatus is the terminal outcome of a whole job.
type JobStatus string

const (
	JobSuccess        JobStatus = "success"
	JobPartialFailure JobStatus = "partial_failure"
	JobTimeout        JobStatus = "timeout"
	JobCancelled      JobStatus = "cancelled"
)

// JobResult is written once by the router node when the job ends.
type JobResult struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Job phases as derived from the published records.
const (
	PhaseStarting = "starting"
	PhaseReady    = "ready"
	PhaseFailed   = "failed"
	PhaseFinished = "finished"
)

// DerivePhase folds per-rank records and the optional job result into one
// job phase. The router role adds one record beyond the per-node
// assignments, so a fully ready job carries nodes+1 ready records.
func DerivePhase(ranks map[string]ReadinessRecord, result *JobResult, nodes int) string {
	if result != nil {
		return PhaseFinished
	}

	ready := 0
	for _, rec := range ranks {
		if rec.Status == StatusFailed {
			return PhaseFailed
		}
		if rec.Status == StatusReady {
			ready++
		}
	}
	if nodes > 0 && ready >= nodes+1 {
		return PhaseReady
	}
	return PhaseStarting
}

func statusKey(role plan.Role, rank int) string {
	return fmt.Sprintf("status/%s-%d", role, rank)
}

func endpointKey(role plan.Role, rank int) string {
	return fmt.Sprintf("endpoint/%s-%d", role, rank)
}

const resultKey = "result/job"
