// Package benchmark drives the concurrency sweep against a ready cluster and
// turns the load generator's textual logs into comparable tabulated results.
package benchmark

import (
	"fmt"
	"path/filepath"
)

// SummaryRow is one aggregated result for a single concurrency level.
// Pointer fields are nil when the corresponding label never appeared in the
// log; a partially failed run still yields whatever fields were emitted.
type SummaryRow struct {
	Model       string `json:"model"`
	Shape       string `json:"shape"` // e.g. "1p2d"
	InputLen    int    `json:"input_len"`
	OutputLen   int    `json:"output_len"`
	Concurrency int    `json:"concurrency"`

	TotalPrompts      *int `json:"total_prompts,omitempty"`
	TotalInputTokens  *int `json:"total_input_tokens,omitempty"`
	TotalOutputTokens *int `json:"total_output_tokens,omitempty"`

	SuccessfulRequests *float64 `json:"successful_requests,omitempty"`
	DurationSec        *float64 `json:"duration_sec,omitempty"`

	RequestThroughput   *float64 `json:"request_throughput_req_s,omitempty"`
	InputTokThroughput  *float64 `json:"input_token_throughput_tok_s,omitempty"`
	OutputTokThroughput *float64 `json:"output_token_throughput_tok_s,omitempty"`
	TotalTokThroughput  *float64 `json:"total_token_throughput_tok_s,omitempty"`

	MeanE2EMs *float64 `json:"mean_e2e_latency_ms,omitempty"`
	P50E2EMs  *float64 `json:"p50_e2e_latency_ms,omitempty"`
	P90E2EMs  *float64 `json:"p90_e2e_latency_ms,omitempty"`
	P99E2EMs  *float64 `json:"p99_e2e_latency_ms,omitempty"`

	MeanTTFTMs *float64 `json:"mean_ttft_ms,omitempty"`
	MeanITLMs  *float64 `json:"mean_itl_ms,omitempty"`
}

// RunResult records the outcome of one load-generation invocation.
type RunResult struct {
	Concurrency int    `json:"concurrency"`
	LogPath     string `json:"log_path"`
	Err         string `json:"error,omitempty"`
}

// Failed reports whether the generator exited non-zero.
func (r RunResult) Failed() bool { return r.Err != "" }

// RunError reports a single failed load-generation invocation. Recorded,
// never fatal: remaining concurrency levels still run.
type RunError struct {
	Concurrency int
	Cause       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("load generation at concurrency %d failed: %v", e.Concurrency, e.Cause)
}

func (e *RunError) Unwrap() error { return e.Cause }

// LogPath is the deterministic benchmark log location for one (job, node,
// concurrency). The aggregator locates logs by recomputing this, without a
// registry.
func LogPath(logDir, jobID, nodeID string, concurrency int) string {
	return filepath.Join(logDir, fmt.Sprintf("%s_%s_con%d.log", jobID, nodeID, concurrency))
}

// ServiceLogPath is the combined service log for one node.
func ServiceLogPath(logDir, jobID, nodeID string) string {
	return filepath.Join(logDir, fmt.Sprintf("%s_%s_services.log", jobID, nodeID))
}
