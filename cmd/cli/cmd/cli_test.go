package cmd

// CLI Test Suite - Global State Management
//
// The CLI package uses package-level variables for cobra flags, which creates
// shared mutable state between tests. Tests that modify that state hold testMu
// and restore a saved snapshot via t.Cleanup, so they cannot run in parallel.
// Pure function tests (TestDerivePhase) can.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pdbench/pdbench/internal/benchmark"
	"github.com/pdbench/pdbench/internal/coord"
	"github.com/pdbench/pdbench/internal/plan"
	"github.com/pdbench/pdbench/internal/storage"
)

// testMu protects global state during tests that cannot run in parallel.
var testMu sync.Mutex

type globalStateSnapshot struct {
	cfgPath      string
	serverURL    string
	outputFormat string

	parseCSVPath string
	parseDBPath  string
	parseJobID   string

	resultsDBPath string
	resultsJobID  string
	resultsModel  string
	resultsLimit  int

	fetchHosts     string
	fetchUser      string
	fetchKeyFile   string
	fetchPort      int
	fetchRemoteDir string
	fetchLocalDir  string
}

func saveGlobalState() globalStateSnapshot {
	return globalStateSnapshot{
		cfgPath:        cfgPath,
		serverURL:      serverURL,
		outputFormat:   outputFormat,
		parseCSVPath:   parseCSVPath,
		parseDBPath:    parseDBPath,
		parseJobID:     parseJobID,
		resultsDBPath:  resultsDBPath,
		resultsJobID:   resultsJobID,
		resultsModel:   resultsModel,
		resultsLimit:   resultsLimit,
		fetchHosts:     fetchHosts,
		fetchUser:      fetchUser,
		fetchKeyFile:   fetchKeyFile,
		fetchPort:      fetchPort,
		fetchRemoteDir: fetchRemoteDir,
		fetchLocalDir:  fetchLocalDir,
	}
}

func restoreGlobalState(saved globalStateSnapshot) {
	cfgPath = saved.cfgPath
	serverURL = saved.serverURL
	outputFormat = saved.outputFormat
	parseCSVPath = saved.parseCSVPath
	parseDBPath = saved.parseDBPath
	parseJobID = saved.parseJobID
	resultsDBPath = saved.resultsDBPath
	resultsJobID = saved.resultsJobID
	resultsModel = saved.resultsModel
	resultsLimit = saved.resultsLimit
	fetchHosts = saved.fetchHosts
	fetchUser = saved.fetchUser
	fetchKeyFile = saved.fetchKeyFile
	fetchPort = saved.fetchPort
	fetchRemoteDir = saved.fetchRemoteDir
	fetchLocalDir = saved.fetchLocalDir
}

func resetGlobalStateToDefaults() {
	cfgPath = ""
	serverURL = ""
	outputFormat = "table"
	parseCSVPath = ""
	parseDBPath = ""
	parseJobID = ""
	resultsDBPath = ""
	resultsJobID = ""
	resultsModel = ""
	resultsLimit = 20
	fetchHosts = ""
	fetchUser = "root"
	fetchKeyFile = ""
	fetchPort = 22
	fetchRemoteDir = ""
	fetchLocalDir = "."
}

func setupTestWithCleanup(t *testing.T) {
	t.Helper()

	testMu.Lock()
	saved := saveGlobalState()
	resetGlobalStateToDefaults()

	t.Cleanup(func() {
		restoreGlobalState(saved)
		testMu.Unlock()
	})
}

// writeTestConfig writes a complete config file for a 1P2D cluster rooted
// in temp directories and points the cfgPath global at it.
func writeTestConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	content := fmt.Sprintf(`job:
  id: job1
  log_dir: %s
cluster:
  prefill_nodes: 1
  decode_nodes: 2
  node_list: "n1,n2,n3"
  node_id: n1
  tensor_parallel: 8
  model_name: deepseek-v3
  model_path: /models/deepseek-v3
coord:
  dir: %s
database:
  path: %s
`, filepath.Join(dir, "logs"), filepath.Join(dir, "coord"), filepath.Join(dir, "pdbench.db"))

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfgPath = path
	return path
}

// captureOutput captures stdout during function execution
func captureOutput(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

const sampleLog = `[RUNNING] prompts isl 1024 osl 1024 con 64 model deepseek-v3 xP=1 yD=2
============ Serving Benchmark Result ============
Successful requests:                     256
Benchmark duration (s):                  45.63
Total input tokens:                      262,144
Total generated tokens:                  262,144
Request throughput (req/s):              5.61
Input token throughput (tok/s):          5745.13
Output token throughput (tok/s):         5745.13
Total token throughput (tok/s):          11,490.26
Mean E2E Latency (ms):                   11392.41
Median E2E Latency (ms):                 11201.88
P90 E2E Latency (ms):                    13050.02
P99 E2E Latency (ms):                    14830.47
Mean TTFT (ms):                          801.22
Mean ITL (ms):                           10.35
==================================================
`

func writeSampleLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job1_n1_con64.log")
	if err := os.WriteFile(path, []byte(sampleLog), 0o644); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}
	return path
}

// TestPlanCommand tests the plan command table output
func TestPlanCommand(t *testing.T) {
	setupTestWithCleanup(t)
	writeTestConfig(t)

	output := captureOutput(func() {
		if err := runPlan(nil, nil); err != nil {
			t.Errorf("runPlan returned error: %v", err)
		}
	})

	for _, want := range []string{"n1", "n2", "n3", "prefill", "decode", "yes", "Total: 3 nodes (1P / 2D)"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

// TestPlanCommand_JSON tests the plan command with JSON output
func TestPlanCommand_JSON(t *testing.T) {
	setupTestWithCleanup(t)
	writeTestConfig(t)
	outputFormat = "json"

	output := captureOutput(func() {
		if err := runPlan(nil, nil); err != nil {
			t.Errorf("runPlan returned error: %v", err)
		}
	})

	var assignments []plan.NodeAssignment
	if err := json.Unmarshal([]byte(output), &assignments); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v", err)
	}
	if len(assignments) != 3 {
		t.Errorf("expected 3 assignments, got %d", len(assignments))
	}
}

// TestNewJobIDCommand tests job ID generation
func TestNewJobIDCommand(t *testing.T) {
	setupTestWithCleanup(t)

	output := captureOutput(func() {
		newJobCmd.Run(nil, nil)
	})

	id := strings.TrimSpace(output)
	if !strings.HasPrefix(id, "pd-") {
		t.Errorf("expected job ID with pd- prefix, got: %q", id)
	}
	if err := coord.SanitizeJobID(id); err != nil {
		t.Errorf("generated job ID is not usable: %v", err)
	}
}

// TestParseCommand tests parsing a log file into a table
func TestParseCommand(t *testing.T) {
	setupTestWithCleanup(t)
	logPath := writeSampleLog(t)

	output := captureOutput(func() {
		if err := runParse(nil, []string{logPath}); err != nil {
			t.Errorf("runParse returned error: %v", err)
		}
	})

	for _, want := range []string{"deepseek-v3", "1p2d", "64", "5.61"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

// TestParseCommand_CSV tests the --csv flag
func TestParseCommand_CSV(t *testing.T) {
	setupTestWithCleanup(t)
	logPath := writeSampleLog(t)
	parseCSVPath = filepath.Join(t.TempDir(), "out.csv")

	captureOutput(func() {
		if err := runParse(nil, []string{logPath}); err != nil {
			t.Errorf("runParse returned error: %v", err)
		}
	})

	data, err := os.ReadFile(parseCSVPath)
	if err != nil {
		t.Fatalf("expected CSV file to exist: %v", err)
	}
	if !strings.Contains(string(data), "deepseek-v3") {
		t.Errorf("expected CSV to contain model name, got: %s", data)
	}
}

// TestParseCommand_DBRequiresJob tests that --db without --job is rejected
func TestParseCommand_DBRequiresJob(t *testing.T) {
	setupTestWithCleanup(t)
	parseDBPath = filepath.Join(t.TempDir(), "x.db")

	err := runParse(nil, []string{"whatever.log"})
	if err == nil {
		t.Fatal("expected error when --db set without --job")
	}
	if !strings.Contains(err.Error(), "--job") {
		t.Errorf("expected '--job' in error, got: %v", err)
	}
}

// TestParseCommand_NoResults tests parsing a log with no benchmark output
func TestParseCommand_NoResults(t *testing.T) {
	setupTestWithCleanup(t)
	path := filepath.Join(t.TempDir(), "empty.log")
	if err := os.WriteFile(path, []byte("engine starting\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	output := captureOutput(func() {
		if err := runParse(nil, []string{path}); err != nil {
			t.Errorf("runParse returned error: %v", err)
		}
	})

	if !strings.Contains(output, "No benchmark results found") {
		t.Errorf("expected 'No benchmark results found', got: %s", output)
	}
}

// TestStatusCommand_Local tests reading readiness straight off the board
func TestStatusCommand_Local(t *testing.T) {
	setupTestWithCleanup(t)
	writeTestConfig(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	kv, err := coord.NewFileKV(cfg.Coord.Dir)
	if err != nil {
		t.Fatalf("failed to open coord dir: %v", err)
	}
	board := coord.NewBoard(kv, "job1")
	ctx := context.Background()

	rec := coord.ReadinessRecord{
		NodeID: "n1", Role: plan.RolePrefill, Rank: 0,
		Status: coord.StatusReady, Timestamp: time.Now().UTC(),
	}
	if err := board.PublishStatus(ctx, rec); err != nil {
		t.Fatalf("failed to publish status: %v", err)
	}

	output := captureOutput(func() {
		if err := runStatus(nil, nil); err != nil {
			t.Errorf("runStatus returned error: %v", err)
		}
	})

	if !strings.Contains(output, "Job:   job1") {
		t.Errorf("expected job ID in output, got: %s", output)
	}
	if !strings.Contains(output, "Phase: starting") {
		t.Errorf("expected starting phase, got: %s", output)
	}
	if !strings.Contains(output, "prefill/0") {
		t.Errorf("expected prefill rank in output, got: %s", output)
	}
	if !strings.Contains(output, "ready") {
		t.Errorf("expected ready status in output, got: %s", output)
	}
}

// TestStatusCommand_LocalFinished tests phase derivation with a result
func TestStatusCommand_LocalFinished(t *testing.T) {
	setupTestWithCleanup(t)
	writeTestConfig(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	kv, err := coord.NewFileKV(cfg.Coord.Dir)
	if err != nil {
		t.Fatalf("failed to open coord dir: %v", err)
	}
	board := coord.NewBoard(kv, "job1")
	if err := board.PublishResult(context.Background(), coord.JobResult{
		Status: coord.JobSuccess,
		Detail: "4 of 4 benchmark runs succeeded",
	}); err != nil {
		t.Fatalf("failed to publish result: %v", err)
	}

	output := captureOutput(func() {
		if err := runStatus(nil, nil); err != nil {
			t.Errorf("runStatus returned error: %v", err)
		}
	})

	if !strings.Contains(output, "Phase: finished") {
		t.Errorf("expected finished phase, got: %s", output)
	}
	if !strings.Contains(output, "Result: success") {
		t.Errorf("expected success result, got: %s", output)
	}
}

// TestStatusCommand_HTTP tests fetching status from a running server
func TestStatusCommand_HTTP(t *testing.T) {
	setupTestWithCleanup(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/job9/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		resp := jobStatus{
			JobID: "job9",
			Phase: "ready",
			Ranks: map[string]coord.ReadinessRecord{
				"router/0": {NodeID: "n1", Role: plan.RoleRouter, Status: coord.StatusReady},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	serverURL = server.URL

	output := captureOutput(func() {
		if err := runStatus(nil, []string{"job9"}); err != nil {
			t.Errorf("runStatus returned error: %v", err)
		}
	})

	if !strings.Contains(output, "Phase: ready") {
		t.Errorf("expected ready phase, got: %s", output)
	}
	if !strings.Contains(output, "router/0") {
		t.Errorf("expected router rank in output, got: %s", output)
	}
}

// TestStatusCommand_HTTPError tests handling of server error responses
func TestStatusCommand_HTTPError(t *testing.T) {
	setupTestWithCleanup(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid job id"}`))
	}))
	t.Cleanup(server.Close)
	serverURL = server.URL

	err := runStatus(nil, []string{"job9"})
	if err == nil {
		t.Fatal("expected error for server error response")
	}
	if !strings.Contains(err.Error(), "server error") {
		t.Errorf("expected 'server error' in error, got: %v", err)
	}
}

// TestTeardownCommand tests publishing a cancelled result
func TestTeardownCommand(t *testing.T) {
	setupTestWithCleanup(t)
	writeTestConfig(t)

	output := captureOutput(func() {
		if err := runTeardown(nil, nil); err != nil {
			t.Errorf("runTeardown returned error: %v", err)
		}
	})
	if !strings.Contains(output, "job1 marked cancelled") {
		t.Errorf("expected cancellation message, got: %s", output)
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	kv, err := coord.NewFileKV(cfg.Coord.Dir)
	if err != nil {
		t.Fatalf("failed to open coord dir: %v", err)
	}
	board := coord.NewBoard(kv, "job1")
	res, found, err := board.Result(context.Background())
	if err != nil || !found {
		t.Fatalf("expected published result, found=%v err=%v", found, err)
	}
	if res.Status != coord.JobCancelled {
		t.Errorf("expected cancelled status, got: %s", res.Status)
	}
	if res.Detail != "operator teardown" {
		t.Errorf("expected teardown detail, got: %q", res.Detail)
	}

	// Second teardown must refuse to overwrite the result.
	err = runTeardown(nil, nil)
	if err == nil {
		t.Fatal("expected error for repeated teardown")
	}
	if !strings.Contains(err.Error(), "already has a result") {
		t.Errorf("expected 'already has a result' error, got: %v", err)
	}
}

// TestResultsCommand tests listing and querying archived rows
func TestResultsCommand(t *testing.T) {
	setupTestWithCleanup(t)
	resultsDBPath = filepath.Join(t.TempDir(), "results.db")

	db, err := storage.New(resultsDBPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	store, err := benchmark.NewStore(db.DB)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	rows := benchmark.Parse(sampleLog)
	if len(rows) != 1 {
		t.Fatalf("expected 1 parsed row, got %d", len(rows))
	}
	if err := store.Save(context.Background(), "job1", rows); err != nil {
		t.Fatalf("failed to save rows: %v", err)
	}
	db.Close()

	output := captureOutput(func() {
		if err := runResults(nil, nil); err != nil {
			t.Errorf("runResults returned error: %v", err)
		}
	})
	if !strings.Contains(output, "job1") {
		t.Errorf("expected job listing, got: %s", output)
	}
	if !strings.Contains(output, "Total: 1 jobs") {
		t.Errorf("expected job count, got: %s", output)
	}

	resultsJobID = "job1"
	output = captureOutput(func() {
		if err := runResults(nil, nil); err != nil {
			t.Errorf("runResults returned error: %v", err)
		}
	})
	if !strings.Contains(output, "deepseek-v3") {
		t.Errorf("expected model in rows output, got: %s", output)
	}
}

// TestResultsCommand_NoDB tests the error when no database is reachable
func TestResultsCommand_NoDB(t *testing.T) {
	setupTestWithCleanup(t)
	cfgPath = filepath.Join(t.TempDir(), "missing.yaml")

	err := runResults(nil, nil)
	if err == nil {
		t.Fatal("expected error without a database")
	}
}

// TestFetchCommand_Validation tests flag validation before any dialing
func TestFetchCommand_Validation(t *testing.T) {
	setupTestWithCleanup(t)

	err := runFetch(nil, []string{"job1"})
	if err == nil || !strings.Contains(err.Error(), "--hosts") {
		t.Errorf("expected '--hosts' error, got: %v", err)
	}

	fetchHosts = "n1,n2"
	err = runFetch(nil, []string{"job1"})
	if err == nil || !strings.Contains(err.Error(), "--key") {
		t.Errorf("expected '--key' error, got: %v", err)
	}
}
