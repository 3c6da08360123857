package benchmark

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// WriteTable renders rows as an aligned text table, one row per concurrency
// level. Absent fields render as "-".
func WriteTable(w io.Writer, rows []SummaryRow) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "MODEL\tSHAPE\tISL\tOSL\tCON\tREQ/S\tTOTAL TOK/S\tMEAN E2E MS\tP50 E2E MS\tP90 E2E MS\tP99 E2E MS\tMEAN TTFT MS\tMEAN ITL MS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Model, r.Shape, r.InputLen, r.OutputLen, r.Concurrency,
			fmtFloat(r.RequestThroughput),
			fmtFloat(r.TotalTokThroughput),
			fmtFloat(r.MeanE2EMs),
			fmtFloat(r.P50E2EMs),
			fmtFloat(r.P90E2EMs),
			fmtFloat(r.P99E2EMs),
			fmtFloat(r.MeanTTFTMs),
			fmtFloat(r.MeanITLMs),
		)
	}
	return tw.Flush()
}

var csvHeader = []string{
	"model", "shape", "isl", "osl", "concurrency",
	"total_prompts", "total_input_tokens", "total_output_tokens",
	"successful_requests", "duration_s",
	"request_throughput_req_s", "input_token_throughput_tok_s",
	"output_token_throughput_tok_s", "total_token_throughput_tok_s",
	"mean_e2e_latency_ms", "p50_e2e_latency_ms", "p90_e2e_latency_ms", "p99_e2e_latency_ms",
	"mean_ttft_ms", "mean_itl_ms",
}

// WriteCSV writes the unformatted rows for downstream processing.
func WriteCSV(path string, rows []SummaryRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.Model, r.Shape,
			strconv.Itoa(r.InputLen), strconv.Itoa(r.OutputLen), strconv.Itoa(r.Concurrency),
			csvInt(r.TotalPrompts), csvInt(r.TotalInputTokens), csvInt(r.TotalOutputTokens),
			csvFloat(r.SuccessfulRequests), csvFloat(r.DurationSec),
			csvFloat(r.RequestThroughput), csvFloat(r.InputTokThroughput),
			csvFloat(r.OutputTokThroughput), csvFloat(r.TotalTokThroughput),
			csvFloat(r.MeanE2EMs), csvFloat(r.P50E2EMs), csvFloat(r.P90E2EMs), csvFloat(r.P99E2EMs),
			csvFloat(r.MeanTTFTMs), csvFloat(r.MeanITLMs),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func fmtFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func csvInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
