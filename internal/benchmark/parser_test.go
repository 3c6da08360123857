package benchmark

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRun = `[RUNNING] prompts isl 1024 osl 1024 con 256 model deepseek-v3 xP=1 yD=2
Prompts per group:       256
Total prompts:           1024
Total input tokens:      1,048,576
Total output tokens:     1,048,576
============ Serving Benchmark Result ============
Successful requests:                     1,024
Benchmark duration (s):                  182.44
Total input tokens:                      1,048,576
Total generated tokens:                  1,048,576
Request throughput (req/s):              5.61
Input token throughput (tok/s):          5,747.95
Output token throughput (tok/s):         5,747.95
Total token throughput (tok/s):          11,495.90
---------------Time to First Token----------------
Mean TTFT (ms):                          2150.51
Median TTFT (ms):                        1416.72
P99 TTFT (ms):                           6533.54
---------------Inter-token Latency----------------
Mean ITL (ms):                           78.62
----------------End-to-end Latency----------------
Mean E2E Latency (ms):                   42517.33
Median E2E Latency (ms):                 41958.10
P90 E2E Latency (ms):                    48233.91
P99 E2E Latency (ms):                    51042.77
==================================================
`

func TestParseFullRun(t *testing.T) {
	rows := Parse(sampleRun)
	require.Len(t, rows, 1)
	r := rows[0]

	assert.Equal(t, "deepseek-v3", r.Model)
	assert.Equal(t, "1p2d", r.Shape)
	assert.Equal(t, 1024, r.InputLen)
	assert.Equal(t, 1024, r.OutputLen)
	assert.Equal(t, 256, r.Concurrency)

	require.NotNil(t, r.TotalPrompts)
	assert.Equal(t, 1024, *r.TotalPrompts)
	require.NotNil(t, r.TotalInputTokens)
	assert.Equal(t, 1048576, *r.TotalInputTokens, "comma-grouped numbers are accepted")

	require.NotNil(t, r.RequestThroughput)
	assert.InDelta(t, 5.61, *r.RequestThroughput, 0.001)
	require.NotNil(t, r.TotalTokThroughput)
	assert.InDelta(t, 11495.90, *r.TotalTokThroughput, 0.001)

	require.NotNil(t, r.MeanE2EMs)
	assert.InDelta(t, 42517.33, *r.MeanE2EMs, 0.001)
	require.NotNil(t, r.P50E2EMs)
	assert.InDelta(t, 41958.10, *r.P50E2EMs, 0.001, "Median maps to p50")
	require.NotNil(t, r.P90E2EMs)
	assert.InDelta(t, 48233.91, *r.P90E2EMs, 0.001)
	require.NotNil(t, r.P99E2EMs)
	assert.InDelta(t, 51042.77, *r.P99E2EMs, 0.001)

	require.NotNil(t, r.MeanTTFTMs)
	assert.InDelta(t, 2150.51, *r.MeanTTFTMs, 0.001)
	require.NotNil(t, r.MeanITLMs)
	assert.InDelta(t, 78.62, *r.MeanITLMs, 0.001)
}

func TestParsePartialRun(t *testing.T) {
	// A run that died before the latency sections were printed still yields
	// its throughput fields; the missing ones stay nil.
	partial := `[RUNNING] prompts isl 512 osl 512 con 64 model qwen3 xP=2 yD=2
Total prompts:           256
============ Serving Benchmark Result ============
Successful requests:                     198
Request throughput (req/s):              3.10
Total token throughput (tok/s):          3,174.40
`
	rows := Parse(partial)
	require.Len(t, rows, 1)
	r := rows[0]

	require.NotNil(t, r.RequestThroughput)
	assert.InDelta(t, 3.10, *r.RequestThroughput, 0.001)
	assert.Nil(t, r.MeanE2EMs)
	assert.Nil(t, r.P99E2EMs)
	assert.Nil(t, r.MeanTTFTMs)
}

func TestParseNoResultBlock(t *testing.T) {
	// Header emitted, generator crashed before any result: row exists with
	// only the request parameters.
	content := "[RUNNING] prompts isl 1024 osl 1024 con 2048 model m xP=1 yD=1\nTraceback (most recent call last):\n"
	rows := Parse(content)
	require.Len(t, rows, 1)
	assert.Equal(t, 2048, rows[0].Concurrency)
	assert.Nil(t, rows[0].RequestThroughput)
}

func TestParseEmptyAndGarbage(t *testing.T) {
	assert.Nil(t, Parse(""))
	assert.Nil(t, Parse("no runs in here at all\njust noise\n"))
	// A [RUNNING] marker without a parseable header is skipped.
	assert.Nil(t, Parse("[RUNNING] something unexpected\n"))
}

func TestParseIdempotent(t *testing.T) {
	first := Parse(sampleRun)
	second := Parse(sampleRun)
	assert.Equal(t, first, second)
}

func TestParseMultipleRuns(t *testing.T) {
	content := sampleRun + `[RUNNING] prompts isl 1024 osl 1024 con 1024 model deepseek-v3 xP=1 yD=2
============ Serving Benchmark Result ============
Request throughput (req/s):              8.92
`
	rows := Parse(content)
	require.Len(t, rows, 2)
	assert.Equal(t, 256, rows[0].Concurrency)
	assert.Equal(t, 1024, rows[1].Concurrency)
}

func writeLog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseFilesSortsByConcurrency(t *testing.T) {
	dir := t.TempDir()

	mkRun := func(con int) string {
		return fmt.Sprintf("[RUNNING] prompts isl 1024 osl 1024 con %d model m xP=1 yD=2\n", con) +
			"============ Serving Benchmark Result ============\n" +
			"Request throughput (req/s):              1.00\n"
	}

	// Unordered input paths.
	paths := []string{
		writeLog(t, dir, "con1024.log", mkRun(1024)),
		writeLog(t, dir, "con64.log", mkRun(64)),
		writeLog(t, dir, "con256.log", mkRun(256)),
	}

	rows, err := ParseFiles(paths)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 64, rows[0].Concurrency)
	assert.Equal(t, 256, rows[1].Concurrency)
	assert.Equal(t, 1024, rows[2].Concurrency)
}

func TestParseFilesIdempotent(t *testing.T) {
	dir := t.TempDir()
	paths := []string{writeLog(t, dir, "run.log", sampleRun)}

	first, err := ParseFiles(paths)
	require.NoError(t, err)
	second, err := ParseFiles(paths)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestParseFilesSkipsUnreadable(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "missing.log"),
		writeLog(t, dir, "good.log", sampleRun),
	}

	rows, err := ParseFiles(paths)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestParseFilesAllUnreadable(t *testing.T) {
	dir := t.TempDir()
	_, err := ParseFiles([]string{filepath.Join(dir, "missing.log")})
	assert.Error(t, err)
}
