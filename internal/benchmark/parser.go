package benchmark

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// The generator writes one [RUNNING] header per invocation followed by a
// "Serving Benchmark Result" block. Parsing is tolerant: a missing label
// yields a nil field, never a parse failure, so logs from a partially failed
// run still contribute whatever they emitted before dying.

var runHeaderRe = regexp.MustCompile(
	`prompts\s+isl\s+(\d+)\s+osl\s+(\d+)\s+con\s+(\d+)\s+model\s+(\S+)\s+xP=(\d+)\s+yD=(\d+)`)

var (
	totalPromptsRe      = regexp.MustCompile(`Total prompts:\s+([\d,]+)`)
	totalInputTokensRe  = regexp.MustCompile(`Total input tokens:\s+([\d,]+)`)
	totalOutputTokensRe = regexp.MustCompile(`Total (?:output|generated) tokens:\s+([\d,]+)`)

	successfulRequestsRe = regexp.MustCompile(`Successful requests:\s+([\d,]+)`)
	durationRe           = regexp.MustCompile(`Benchmark duration \(s\):\s+([\d,.]+)`)
	reqThroughputRe      = regexp.MustCompile(`Request throughput \(req/s\):\s+([\d,.]+)`)
	inputTokThroughputRe = regexp.MustCompile(`Input token throughput \(tok/s\):\s+([\d,.]+)`)
	outTokThroughputRe   = regexp.MustCompile(`Output token throughput \(tok/s\):\s+([\d,.]+)`)
	totalTokThroughputRe = regexp.MustCompile(`Total token throughput \(tok/s\):\s+([\d,.]+)`)

	meanE2ERe = regexp.MustCompile(`Mean E2E Latency \(ms\):\s+([\d,.]+)`)
	p50E2ERe  = regexp.MustCompile(`(?:Median|P50) E2E Latency \(ms\):\s+([\d,.]+)`)
	p90E2ERe  = regexp.MustCompile(`P90 E2E Latency \(ms\):\s+([\d,.]+)`)
	p99E2ERe  = regexp.MustCompile(`P99 E2E Latency \(ms\):\s+([\d,.]+)`)

	meanTTFTRe = regexp.MustCompile(`Mean TTFT \(ms\):\s+([\d,.]+)`)
	meanITLRe  = regexp.MustCompile(`Mean ITL \(ms\):\s+([\d,.]+)`)
)

const resultMarker = "============ Serving Benchmark Result ============"

// Parse extracts one SummaryRow per benchmark run found in the log content.
// Pure and stateless: identical content always yields identical rows.
func Parse(content string) []SummaryRow {
	runs := strings.Split(content, "[RUNNING]")
	if len(runs) < 2 {
		return nil
	}

	var rows []SummaryRow
	for _, run := range runs[1:] {
		header := runHeaderRe.FindStringSubmatch(run)
		if header == nil {
			continue
		}

		isl, _ := strconv.Atoi(header[1])
		osl, _ := strconv.Atoi(header[2])
		con, _ := strconv.Atoi(header[3])
		xp, _ := strconv.Atoi(header[5])
		yd, _ := strconv.Atoi(header[6])

		row := SummaryRow{
			Model:       header[4],
			Shape:       fmt.Sprintf("%dp%dd", xp, yd),
			InputLen:    isl,
			OutputLen:   osl,
			Concurrency: con,
		}

		row.TotalPrompts = extractInt(totalPromptsRe, run)
		row.TotalInputTokens = extractInt(totalInputTokensRe, run)
		row.TotalOutputTokens = extractInt(totalOutputTokensRe, run)

		if strings.Contains(run, resultMarker) {
			row.SuccessfulRequests = extractFloat(successfulRequestsRe, run)
			row.DurationSec = extractFloat(durationRe, run)
			row.RequestThroughput = extractFloat(reqThroughputRe, run)
			row.InputTokThroughput = extractFloat(inputTokThroughputRe, run)
			row.OutputTokThroughput = extractFloat(outTokThroughputRe, run)
			row.TotalTokThroughput = extractFloat(totalTokThroughputRe, run)
			row.MeanE2EMs = extractFloat(meanE2ERe, run)
			row.P50E2EMs = extractFloat(p50E2ERe, run)
			row.P90E2EMs = extractFloat(p90E2ERe, run)
			row.P99E2EMs = extractFloat(p99E2ERe, run)
			row.MeanTTFTMs = extractFloat(meanTTFTRe, run)
			row.MeanITLMs = extractFloat(meanITLRe, run)
		}

		rows = append(rows, row)
	}
	return rows
}

// ParseFiles parses every log and merges the results into one row per
// distinct concurrency, sorted ascending. Input path order does not matter:
// paths are sorted first so duplicate concurrencies resolve the same way on
// every invocation. Unreadable files are skipped; an error is returned only
// when no file could be read at all.
func ParseFiles(paths []string) ([]SummaryRow, error) {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	byConcurrency := make(map[int]SummaryRow)
	readable := 0
	var firstErr error

	for _, path := range sorted {
		content, err := os.ReadFile(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		readable++
		for _, row := range Parse(string(content)) {
			byConcurrency[row.Concurrency] = row
		}
	}

	if readable == 0 && len(sorted) > 0 {
		return nil, fmt.Errorf("no readable benchmark logs: %w", firstErr)
	}

	rows := make([]SummaryRow, 0, len(byConcurrency))
	for _, row := range byConcurrency {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Concurrency < rows[j].Concurrency })
	return rows, nil
}

func extractFloat(re *regexp.Regexp, s string) *float64 {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return nil
	}
	return &v
}

func extractInt(re *regexp.Regexp, s string) *int {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return nil
	}
	return &v
}
