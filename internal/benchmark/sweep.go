package benchmark

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/pdbench/pdbench/internal/metrics"
)

// Sweep invokes the external load generator once per concurrency level,
// sequentially, against the router's public endpoint. Runs never overlap so
// a later level is not polluted by tail requests of an earlier one. A single
// failed run is recorded and the sweep continues; each level's result is
// independent.
type Sweep struct {
	generator     string
	routerURL     string
	model         string
	prefillNodes  int
	decodeNodes   int
	concurrencies []int
	inputLen      int
	outputLen     int
	requestRate   string
	logDir        string
	jobID         string
	nodeID        string
	logger        *slog.Logger
}

// SweepOption configures a Sweep.
type SweepOption func(*Sweep)

// WithSweepLogger sets a custom logger.
func WithSweepLogger(logger *slog.Logger) SweepOption {
	return func(s *Sweep) { s.logger = logger }
}

// WithRequestRate sets the request-rate target ("inf" or numeric).
func WithRequestRate(rate string) SweepOption {
	return func(s *Sweep) { s.requestRate = rate }
}

// SweepParams carries the required sweep inputs.
type SweepParams struct {
	Generator     string // load generator executable
	RouterURL     string
	Model         string
	PrefillNodes  int
	DecodeNodes   int
	Concurrencies []int // ascending
	InputLen      int
	OutputLen     int
	LogDir        string
	JobID         string
	NodeID        string
}

// NewSweep creates a Sweep.
func NewSweep(p SweepParams, opts ...SweepOption) *Sweep {
	s := &Sweep{
		generator:     p.Generator,
		routerURL:     p.RouterURL,
		model:         p.Model,
		prefillNodes:  p.PrefillNodes,
		decodeNodes:   p.DecodeNodes,
		concurrencies: p.Concurrencies,
		inputLen:      p.InputLen,
		outputLen:     p.OutputLen,
		requestRate:   "inf",
		logDir:        p.LogDir,
		jobID:         p.JobID,
		nodeID:        p.NodeID,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the sweep. The returned results hold one entry per
// concurrency level regardless of individual failures; the error is non-nil
// only for failures that prevent the sweep from proceeding at all (log dir
// unwritable, context cancelled).
func (s *Sweep) Run(ctx context.Context) ([]RunResult, error) {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create benchmark log dir: %w", err)
	}

	results := make([]RunResult, 0, len(s.concurrencies))
	for _, con := range s.concurrencies {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := s.runOne(ctx, con)
		results = append(results, res)

		if res.Failed() {
			s.logger.Warn("benchmark run failed, continuing sweep",
				slog.Int("concurrency", con),
				slog.String("error", res.Err))
		} else {
			s.logger.Info("benchmark run completed",
				slog.Int("concurrency", con),
				slog.String("log", res.LogPath))
		}
	}
	return results, nil
}

func (s *Sweep) runOne(ctx context.Context, concurrency int) RunResult {
	logPath := LogPath(s.logDir, s.jobID, s.nodeID, concurrency)
	res := RunResult{Concurrency: concurrency, LogPath: logPath}

	logFile, err := os.Create(logPath)
	if err != nil {
		res.Err = (&RunError{Concurrency: concurrency, Cause: err}).Error()
		return res
	}
	defer logFile.Close()

	// The header line keys the parser to this run's parameters.
	fmt.Fprintf(logFile, "[RUNNING] prompts isl %d osl %d con %d model %s xP=%d yD=%d\n",
		s.inputLen, s.outputLen, concurrency, s.model, s.prefillNodes, s.decodeNodes)

	cmd := exec.CommandContext(ctx, s.generator, s.args(concurrency)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	s.logger.Info("starting load generator",
		slog.Int("concurrency", concurrency),
		slog.String("target", s.routerURL))

	start := time.Now()
	err = cmd.Run()
	outcome := "success"
	if err != nil {
		res.Err = (&RunError{Concurrency: concurrency, Cause: err}).Error()
		outcome = "failure"
	}
	metrics.RecordBenchmarkRun(outcome, time.Since(start))
	return res
}

func (s *Sweep) args(concurrency int) []string {
	return []string{
		"--base-url", s.routerURL,
		"--model", s.model,
		"--dataset-name", "random",
		"--random-input-len", strconv.Itoa(s.inputLen),
		"--random-output-len", strconv.Itoa(s.outputLen),
		"--max-concurrency", strconv.Itoa(concurrency),
		"--num-prompts", strconv.Itoa(concurrency * 4),
		"--request-rate", s.requestRate,
	}
}
