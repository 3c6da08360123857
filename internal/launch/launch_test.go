package launch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdbench/pdbench/internal/benchmark"
	"github.com/pdbench/pdbench/internal/config"
	"github.com/pdbench/pdbench/internal/coord"
	"github.com/pdbench/pdbench/internal/plan"
)

// fakeEngine is a stand-in for the serving framework launcher: it accepts
// any flags and stays up until killed.
func fakeEngine(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine.sh")
	script := "#!/bin/sh\nsleep 60\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func nodeConfig(t *testing.T, coordDir, logDir, engine, nodeID string) *config.Config {
	t.Helper()
	return &config.Config{
		Job: config.JobConfig{
			ID:          "job1",
			LogDir:      logDir,
			GracePeriod: 200 * time.Millisecond,
		},
		Cluster: config.ClusterConfig{
			PrefillNodes:      1,
			DecodeNodes:       1,
			WorkersPerPrefill: 1,
			WorkersPerDecode:  1,
			TensorParallel:    1,
			ModelName:         "test-model",
			ModelPath:         "/models/test",
			NodeList:          "n1,n2",
			NodeID:            nodeID,
		},
		Engine: config.EngineConfig{
			LaunchCommand: engine,
			RouterCommand: engine,
			RouterPort:    8000,
			WorkerBase:    30000,
		},
		Coord: config.CoordConfig{
			Dir:          coordDir,
			PollInterval: 20 * time.Millisecond,
			WaitTimeout:  10 * time.Second,
		},
	}
}

func testBoard(t *testing.T, coordDir string) *coord.Board {
	t.Helper()
	kv, err := coord.NewFileKV(coordDir)
	require.NoError(t, err)
	return coord.NewBoard(kv, "job1")
}

func okProbe(context.Context, string) error { return nil }

type benchStub struct {
	mu      sync.Mutex
	results []benchmark.RunResult
	err     error
	router  coord.ServiceEndpoint
	called  bool
}

func (b *benchStub) Run(_ context.Context, router coord.ServiceEndpoint) ([]benchmark.RunResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.called = true
	b.router = router
	return b.results, b.err
}

// runCluster runs the router-carrying prefill node and the decode node to
// completion and returns the published job result.
func runCluster(t *testing.T, bench BenchRunner) coord.JobResult {
	t.Helper()
	coordDir := t.TempDir()
	logDir := t.TempDir()
	engine := fakeEngine(t)

	routerNode := New(nodeConfig(t, coordDir, logDir, engine, "n1"), testBoard(t, coordDir),
		WithProbe(okProbe), WithPortFreeProbe(okProbe), WithBenchRunner(bench))
	decodeNode := New(nodeConfig(t, coordDir, logDir, engine, "n2"), testBoard(t, coordDir),
		WithProbe(okProbe))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- routerNode.Run(ctx) }()
	go func() { errCh <- decodeNode.Run(ctx) }()

	routerErr := <-errCh
	decodeErr := <-errCh

	board := testBoard(t, coordDir)
	res, found, err := board.Result(context.Background())
	require.NoError(t, err)
	require.True(t, found, "router node must publish a job result (router err: %v, decode err: %v)", routerErr, decodeErr)
	return res
}

func TestRunClusterSuccess(t *testing.T) {
	bench := &benchStub{results: []benchmark.RunResult{
		{Concurrency: 64},
		{Concurrency: 256},
	}}
	res := runCluster(t, bench)

	assert.Equal(t, coord.JobSuccess, res.Status)
	assert.Equal(t, "job1", res.JobID)
	assert.True(t, bench.called)
	assert.Equal(t, "n1", bench.router.Host, "sweep targets the router endpoint")
	assert.Equal(t, 8000, bench.router.Port)
}

func TestRunClusterPublishesEndpoints(t *testing.T) {
	coordDir := t.TempDir()
	logDir := t.TempDir()
	engine := fakeEngine(t)
	bench := &benchStub{}

	routerNode := New(nodeConfig(t, coordDir, logDir, engine, "n1"), testBoard(t, coordDir),
		WithProbe(okProbe), WithPortFreeProbe(okProbe), WithBenchRunner(bench))
	decodeNode := New(nodeConfig(t, coordDir, logDir, engine, "n2"), testBoard(t, coordDir),
		WithProbe(okProbe))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- routerNode.Run(ctx) }()
	go func() { errCh <- decodeNode.Run(ctx) }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	board := testBoard(t, coordDir)
	for _, probe := range []struct {
		role plan.Role
		port int
	}{
		{plan.RoleRouter, 8000},
		{plan.RolePrefill, 30000},
		{plan.RoleDecode, 30000},
	} {
		ep, found, err := board.Endpoint(context.Background(), probe.role, 0)
		require.NoError(t, err)
		require.True(t, found, "endpoint for %s", probe.role)
		assert.Equal(t, probe.port, ep.Port)
	}
}

func TestRunClusterPartialBenchFailure(t *testing.T) {
	bench := &benchStub{results: []benchmark.RunResult{
		{Concurrency: 64},
		{Concurrency: 256, Err: "exit status 1"},
	}}
	res := runCluster(t, bench)

	assert.Equal(t, coord.JobPartialFailure, res.Status)
	assert.Contains(t, res.Detail, "1 of 2")
}

func TestRunClusterBenchCancelled(t *testing.T) {
	bench := &benchStub{err: context.Canceled}
	res := runCluster(t, bench)
	assert.Equal(t, coord.JobCancelled, res.Status)
}

func TestDecodeNodeDependencyTimeout(t *testing.T) {
	coordDir := t.TempDir()
	cfg := nodeConfig(t, coordDir, t.TempDir(), fakeEngine(t), "n2")
	cfg.Coord.WaitTimeout = 300 * time.Millisecond

	l := New(cfg, testBoard(t, coordDir), WithProbe(okProbe))
	err := l.Run(context.Background())

	var timeoutErr *StartupTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, plan.RoleDecode, timeoutErr.Role)

	rec, found, err := testBoard(t, coordDir).Status(context.Background(), plan.RoleDecode, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, coord.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Detail)
}

func TestSpareNodeIdles(t *testing.T) {
	coordDir := t.TempDir()
	cfg := nodeConfig(t, coordDir, t.TempDir(), fakeEngine(t), "n3")
	cfg.Cluster.NodeList = "n1,n2,n3"

	l := New(cfg, testBoard(t, coordDir), WithProbe(okProbe))
	require.NoError(t, l.Run(context.Background()))

	// A spare node publishes nothing.
	_, found, err := testBoard(t, coordDir).Status(context.Background(), plan.RoleDecode, 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRouterNodeSpawnFailure(t *testing.T) {
	coordDir := t.TempDir()
	cfg := nodeConfig(t, coordDir, t.TempDir(), fakeEngine(t), "n1")
	cfg.Engine.LaunchCommand = filepath.Join(t.TempDir(), "does-not-exist")

	l := New(cfg, testBoard(t, coordDir), WithProbe(okProbe), WithPortFreeProbe(okProbe))
	err := l.Run(context.Background())

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)

	rec, found, err := testBoard(t, coordDir).Status(context.Background(), plan.RolePrefill, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, coord.StatusFailed, rec.Status)
}

func TestRouterWaitsForPortRelease(t *testing.T) {
	coordDir := t.TempDir()
	cfg := nodeConfig(t, coordDir, t.TempDir(), fakeEngine(t), "n1")

	blocked := errors.New("port still accepting connections")
	l := New(cfg, testBoard(t, coordDir), WithProbe(okProbe),
		WithPortFreeProbe(func(context.Context, string) error { return blocked }))

	err := l.Run(context.Background())
	require.ErrorIs(t, err, blocked)
	assert.Contains(t, err.Error(), "still in use")

	rec, found, err := testBoard(t, coordDir).Status(context.Background(), plan.RolePrefill, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, coord.StatusFailed, rec.Status)
}

func TestFailedPrefillShortCircuitsDecode(t *testing.T) {
	coordDir := t.TempDir()
	engine := fakeEngine(t)

	// Prefill (router) fails to spawn workers; the decode node must observe
	// the Failed record immediately instead of waiting out its timeout.
	badCfg := nodeConfig(t, coordDir, t.TempDir(), engine, "n1")
	badCfg.Engine.LaunchCommand = filepath.Join(t.TempDir(), "does-not-exist")
	routerNode := New(badCfg, testBoard(t, coordDir), WithProbe(okProbe), WithPortFreeProbe(okProbe))

	decodeCfg := nodeConfig(t, coordDir, t.TempDir(), engine, "n2")
	decodeNode := New(decodeCfg, testBoard(t, coordDir), WithProbe(okProbe))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- routerNode.Run(ctx) }()
	go func() { errCh <- decodeNode.Run(ctx) }()

	err1 := <-errCh
	err2 := <-errCh
	assert.Error(t, err1)
	assert.Error(t, err2)

	var rankErr *coord.RankFailedError
	if !errors.As(err1, &rankErr) && !errors.As(err2, &rankErr) {
		t.Fatalf("neither node reported a failed dependency rank: %v / %v", err1, err2)
	}
}
