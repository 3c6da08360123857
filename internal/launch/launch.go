// Package launch runs one node's share of a disaggregated serving job. Every
// node executes the same program; the role planner tells each instance what
// to start and the readiness coordinator sequences startup across nodes
// without any central controller.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pdbench/pdbench/internal/benchmark"
	"github.com/pdbench/pdbench/internal/config"
	"github.com/pdbench/pdbench/internal/coord"
	"github.com/pdbench/pdbench/internal/logging"
	"github.com/pdbench/pdbench/internal/metrics"
	"github.com/pdbench/pdbench/internal/netprobe"
	"github.com/pdbench/pdbench/internal/plan"
)

// DefaultProbeInterval is how often a freshly spawned process's port is
// probed while waiting for it to bind.
const DefaultProbeInterval = 1 * time.Second

// BenchRunner drives the concurrency sweep once the cluster barrier is
// passed. Implemented by the benchmark sweep; injected so the launcher does
// not care what happens to the logs afterwards.
type BenchRunner interface {
	Run(ctx context.Context, router coord.ServiceEndpoint) ([]benchmark.RunResult, error)
}

type probeFunc func(ctx context.Context, addr string) error

// Launcher starts, sequences, and tears down the serving processes on one
// node.
type Launcher struct {
	cfg      *config.Config
	board    *coord.Board
	waiter   *coord.Waiter
	sup      *Supervisor
	bench    BenchRunner
	probe    probeFunc
	portFree probeFunc
	logger   *slog.Logger
	host     string // address advertised in published endpoints
}

// Option configures the launcher.
type Option func(*Launcher)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) { l.logger = logger }
}

// WithBenchRunner sets the sweep implementation run by the router node.
func WithBenchRunner(b BenchRunner) Option {
	return func(l *Launcher) { l.bench = b }
}

// WithProbe overrides the port bind check (for testing).
func WithProbe(p probeFunc) Option {
	return func(l *Launcher) { l.probe = p }
}

// WithPortFreeProbe overrides the check that the router port has been
// released before a new router is spawned (for testing).
func WithPortFreeProbe(p probeFunc) Option {
	return func(l *Launcher) { l.portFree = p }
}

// WithAdvertisedHost overrides the host written into published endpoints.
// Defaults to the node ID, which on scheduler-managed clusters is the
// resolvable hostname.
func WithAdvertisedHost(host string) Option {
	return func(l *Launcher) { l.host = host }
}

// New creates a Launcher for this node.
func New(cfg *config.Config, board *coord.Board, opts ...Option) *Launcher {
	l := &Launcher{
		cfg:   cfg,
		board: board,
		waiter: coord.NewWaiter(board,
			coord.WithPollInterval(cfg.Coord.PollInterval),
			coord.WithWaitTimeout(cfg.Coord.WaitTimeout)),
		logger: slog.Default(),
		host:   cfg.Cluster.NodeID,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.sup = NewSupervisor(cfg.Job.GracePeriod, l.logger)
	if l.probe == nil {
		l.probe = func(ctx context.Context, addr string) error {
			probeCtx, cancel := context.WithTimeout(ctx, cfg.Coord.WaitTimeout)
			defer cancel()
			return netprobe.WaitOpen(probeCtx, addr, DefaultProbeInterval)
		}
	}
	if l.portFree == nil {
		l.portFree = func(ctx context.Context, addr string) error {
			probeCtx, cancel := context.WithTimeout(ctx, cfg.Coord.WaitTimeout)
			defer cancel()
			return netprobe.WaitClosed(probeCtx, addr, DefaultProbeInterval)
		}
	}
	return l
}

// Run executes this node's role until the job ends, then tears down every
// process it spawned. Nodes past the planned prefix+suffix idle and return
// immediately.
func (l *Launcher) Run(ctx context.Context) error {
	assignments, err := plan.Plan(l.cfg.Request(), l.cfg.Nodes())
	if err != nil {
		return err
	}

	self, ok := plan.Find(assignments, l.cfg.Cluster.NodeID)
	if !ok {
		l.logger.Info("node not part of the assignment, idling",
			slog.String("node_id", l.cfg.Cluster.NodeID))
		return nil
	}

	ctx = logging.WithJobID(ctx, l.cfg.Job.ID)
	ctx = logging.WithNodeID(ctx, self.NodeID)
	ctx = logging.WithRole(ctx, string(self.Role))

	if err := os.MkdirAll(l.cfg.Job.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	defer l.sup.StopAll()

	if err := l.publishStatus(ctx, self.Role, self.RankInRole, coord.StatusStarting, ""); err != nil {
		return err
	}

	l.logger.Info("node launcher starting",
		slog.String("role", string(self.Role)),
		slog.Int("rank", self.RankInRole),
		slog.Bool("router", self.Router),
		slog.Int("workers", self.Workers))

	var runErr error
	switch {
	case self.Router:
		runErr = l.runRouterNode(ctx, self, assignments)
	case self.Role == plan.RolePrefill:
		runErr = l.runPrefillNode(ctx, self)
	default:
		runErr = l.runDecodeNode(ctx, self)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		l.failRank(ctx, self, runErr)
		return runErr
	}
	return runErr
}

// runRouterNode is the prefill rank 0 path: it hosts the router, its own
// prefill workers, the cluster barrier, and the benchmark sweep.
func (l *Launcher) runRouterNode(ctx context.Context, self plan.NodeAssignment, assignments []plan.NodeAssignment) error {
	routerEp := coord.ServiceEndpoint{
		Role: plan.RoleRouter,
		Rank: 0,
		Host: l.host,
		Port: l.cfg.Engine.RouterPort,
	}

	if err := l.publishStatus(ctx, plan.RoleRouter, 0, coord.StatusStarting, ""); err != nil {
		return err
	}

	// Back-to-back jobs on the same allocation: the previous job's router
	// may still hold the port while its teardown drains.
	if err := l.portFree(ctx, localAddr(l.cfg.Engine.RouterPort)); err != nil {
		return fmt.Errorf("router port %d still in use: %w", l.cfg.Engine.RouterPort, err)
	}

	logPath := benchmark.ServiceLogPath(l.cfg.Job.LogDir, l.cfg.Job.ID, self.NodeID)
	if _, err := l.sup.Start("router", logPath, routerCommand(l.cfg.Engine)); err != nil {
		return err
	}
	metrics.RecordWorkerSpawned(string(plan.RoleRouter))

	if err := l.probe(ctx, localAddr(l.cfg.Engine.RouterPort)); err != nil {
		return fmt.Errorf("router never bound port %d: %w", l.cfg.Engine.RouterPort, err)
	}

	if err := l.board.PublishEndpoint(ctx, routerEp); err != nil {
		return err
	}
	if err := l.publishStatus(ctx, plan.RoleRouter, 0, coord.StatusReady, ""); err != nil {
		return err
	}
	logging.Info(ctx, "router serving", slog.String("addr", routerEp.Addr()))

	if err := l.startWorkers(ctx, self, routerEp.URL(), nil); err != nil {
		return err
	}
	if err := l.publishReady(ctx, self); err != nil {
		return err
	}

	waitStart := time.Now()
	if err := l.waiter.WaitCluster(ctx, assignments); err != nil {
		return l.finishJob(ctx, jobStatusForError(err), err.Error(), err)
	}
	metrics.RecordStartupWait(string(plan.RoleRouter), time.Since(waitStart))
	logging.Info(ctx, "cluster barrier passed, starting benchmark sweep")

	if l.bench == nil {
		return l.finishJob(ctx, coord.JobSuccess, "no benchmark configured", nil)
	}

	results, err := l.bench.Run(ctx, routerEp)
	if err != nil {
		return l.finishJob(ctx, jobStatusForError(err), err.Error(), err)
	}

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	if failed > 0 {
		detail := fmt.Sprintf("%d of %d benchmark runs failed", failed, len(results))
		return l.finishJob(ctx, coord.JobPartialFailure, detail, nil)
	}
	return l.finishJob(ctx, coord.JobSuccess, "", nil)
}

// runPrefillNode starts prefill workers once the router is serving, then
// holds them up until the job result is published.
func (l *Launcher) runPrefillNode(ctx context.Context, self plan.NodeAssignment) error {
	waitStart := time.Now()
	if err := l.waiter.WaitReady(ctx, plan.RoleRouter, 0); err != nil {
		return l.dependencyError(self.Role, "router", err)
	}
	routerEp, err := l.waiter.WaitEndpoint(ctx, plan.RoleRouter, 0)
	if err != nil {
		return l.dependencyError(self.Role, "router endpoint", err)
	}
	metrics.RecordStartupWait(string(self.Role), time.Since(waitStart))

	if err := l.startWorkers(ctx, self, routerEp.URL(), nil); err != nil {
		return err
	}
	if err := l.publishReady(ctx, self); err != nil {
		return err
	}
	return l.waitForJobEnd(ctx)
}

// runDecodeNode starts decode workers once every prefill rank is serving.
func (l *Launcher) runDecodeNode(ctx context.Context, self plan.NodeAssignment) error {
	prefillCount := l.cfg.Cluster.PrefillNodes

	waitStart := time.Now()
	if err := l.waiter.WaitAllReady(ctx, plan.RolePrefill, prefillCount); err != nil {
		return l.dependencyError(self.Role, "prefill ranks", err)
	}
	prefillEps, err := l.waiter.WaitEndpoints(ctx, plan.RolePrefill, prefillCount)
	if err != nil {
		return l.dependencyError(self.Role, "prefill endpoints", err)
	}
	routerEp, err := l.waiter.WaitEndpoint(ctx, plan.RoleRouter, 0)
	if err != nil {
		return l.dependencyError(self.Role, "router endpoint", err)
	}
	metrics.RecordStartupWait(string(self.Role), time.Since(waitStart))

	if err := l.startWorkers(ctx, self, routerEp.URL(), prefillEps); err != nil {
		return err
	}
	if err := l.publishReady(ctx, self); err != nil {
		return err
	}
	return l.waitForJobEnd(ctx)
}

// startWorkers spawns this node's worker slots and blocks until every slot
// has bound its port.
func (l *Launcher) startWorkers(ctx context.Context, self plan.NodeAssignment, routerURL string, prefillEps []coord.ServiceEndpoint) error {
	logPath := benchmark.ServiceLogPath(l.cfg.Job.LogDir, l.cfg.Job.ID, self.NodeID)

	for slot := 0; slot < self.Workers; slot++ {
		name := fmt.Sprintf("%s-worker-%d", self.Role, slot)
		argv := workerCommand(l.cfg, self, slot, routerURL, prefillEps)
		if _, err := l.sup.Start(name, logPath, argv); err != nil {
			return err
		}
		metrics.RecordWorkerSpawned(string(self.Role))
	}

	for slot := 0; slot < self.Workers; slot++ {
		addr := localAddr(workerPort(l.cfg.Engine, slot))
		if err := l.probe(ctx, addr); err != nil {
			return fmt.Errorf("worker slot %d never bound %s: %w", slot, addr, err)
		}
	}
	return nil
}

// publishReady publishes this rank's endpoint and flips its status to Ready.
// The advertised port is the first worker slot's.
func (l *Launcher) publishReady(ctx context.Context, self plan.NodeAssignment) error {
	ep := coord.ServiceEndpoint{
		Role: self.Role,
		Rank: self.RankInRole,
		Host: l.host,
		Port: workerPort(l.cfg.Engine, 0),
	}
	if err := l.board.PublishEndpoint(ctx, ep); err != nil {
		return err
	}
	if err := l.publishStatus(ctx, self.Role, self.RankInRole, coord.StatusReady, ""); err != nil {
		return err
	}
	logging.Info(ctx, "rank ready",
		slog.Int("rank", self.RankInRole),
		slog.String("endpoint", ep.Addr()))
	return nil
}

// waitForJobEnd blocks until the router publishes the job result, the
// context is cancelled, or a local process dies.
func (l *Launcher) waitForJobEnd(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Coord.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-l.sup.Exits():
			return &ProcessExitedError{Name: p.Name, Cause: p.Err()}
		case <-ticker.C:
			res, found, err := l.board.Result(ctx)
			if err != nil {
				logging.Warn(ctx, "failed to read job result", slog.String("error", err.Error()))
				continue
			}
			if found {
				logging.Info(ctx, "job finished, shutting down",
					slog.String("status", string(res.Status)),
					slog.String("detail", res.Detail))
				return nil
			}
		}
	}
}

// finishJob records the terminal job outcome on the shared medium and
// returns cause unchanged.
func (l *Launcher) finishJob(ctx context.Context, status coord.JobStatus, detail string, cause error) error {
	res := coord.JobResult{
		JobID:      l.cfg.Job.ID,
		Status:     status,
		Detail:     detail,
		FinishedAt: time.Now().UTC(),
	}
	if err := l.board.PublishResult(ctx, res); err != nil {
		logging.Error(ctx, "failed to publish job result", slog.String("error", err.Error()))
		if cause == nil {
			return err
		}
	}
	metrics.RecordJobFinished(string(status))
	logging.Info(ctx, "job result published",
		slog.String("status", string(status)),
		slog.String("detail", detail))
	return cause
}

func (l *Launcher) publishStatus(ctx context.Context, role plan.Role, rank int, status coord.Status, detail string) error {
	rec := coord.ReadinessRecord{
		NodeID:    l.cfg.Cluster.NodeID,
		Role:      role,
		Rank:      rank,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := l.board.PublishStatus(ctx, rec); err != nil {
		return fmt.Errorf("publish %s status for %s-%d: %w", status, role, rank, err)
	}
	switch status {
	case coord.StatusStarting:
		metrics.RecordRankStatus(string(role), "", string(coord.StatusStarting))
	default:
		metrics.RecordRankStatus(string(role), string(coord.StatusStarting), string(status))
	}
	return nil
}

// failRank records a startup failure. A rank already terminal keeps its
// first status; the rejected write is expected then.
func (l *Launcher) failRank(ctx context.Context, self plan.NodeAssignment, cause error) {
	logging.Error(ctx, "node failed",
		slog.Int("rank", self.RankInRole),
		slog.String("error", cause.Error()))
	if err := l.publishStatus(ctx, self.Role, self.RankInRole, coord.StatusFailed, cause.Error()); err != nil {
		logging.Warn(ctx, "could not publish failed status", slog.String("error", err.Error()))
	}
	if self.Router {
		if err := l.publishStatus(ctx, plan.RoleRouter, 0, coord.StatusFailed, cause.Error()); err != nil {
			logging.Warn(ctx, "could not publish router failed status", slog.String("error", err.Error()))
		}
	}
}

// dependencyError maps a wait failure into the launcher's error taxonomy.
func (l *Launcher) dependencyError(role plan.Role, dep string, err error) error {
	var timeout *coord.WaitTimeoutError
	if errors.As(err, &timeout) {
		metrics.RecordStartupTimeout(string(role))
		return &StartupTimeoutError{Role: role, Dependency: dep, Cause: err}
	}
	return err
}

// jobStatusForError maps a barrier or sweep failure onto the terminal job
// status written by the router node.
func jobStatusForError(err error) coord.JobStatus {
	var timeout *coord.WaitTimeoutError
	switch {
	case errors.Is(err, context.Canceled):
		return coord.JobCancelled
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return coord.JobTimeout
	default:
		return coord.JobPartialFailure
	}
}

func localAddr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
