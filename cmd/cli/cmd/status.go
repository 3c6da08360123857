package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdbench/pdbench/internal/coord"
	"github.com/pdbench/pdbench/internal/plan"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show per-rank readiness and the job result",
	Long: `Shows the readiness records published by every rank of a job plus
the terminal result, once the router node has written one.

With --server set the records are fetched from a running status server;
otherwise they are read directly from the shared coordination directory
named in the config file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// jobStatus mirrors the status server's response shape.
type jobStatus struct {
	JobID  string                           `json:"job_id"`
	Phase  string                           `json:"phase"`
	Ranks  map[string]coord.ReadinessRecord `json:"ranks"`
	Result *coord.JobResult                 `json:"result,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status jobStatus
	var err error

	if serverURL != "" {
		jobID := ""
		if len(args) > 0 {
			jobID = args[0]
		} else {
			cfg, cfgErr := loadConfig()
			if cfgErr != nil {
				return fmt.Errorf("job ID required when config is unavailable: %w", cfgErr)
			}
			jobID = cfg.Job.ID
		}
		status, err = fetchStatus(jobID)
	} else {
		status, err = readStatus(args)
	}
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(status)
	}

	fmt.Printf("Job:   %s\n", status.JobID)
	fmt.Printf("Phase: %s\n\n", status.Phase)

	keys := make([]string, 0, len(status.Ranks))
	for k := range status.Ranks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tNODE\tSTATUS\tSINCE\tDETAIL")
	for _, k := range keys {
		rec := status.Ranks[k]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			k, rec.NodeID, rec.Status, rec.Timestamp.Format(time.RFC3339), rec.Detail)
	}
	w.Flush()

	if status.Result != nil {
		fmt.Printf("\nResult: %s", status.Result.Status)
		if status.Result.Detail != "" {
			fmt.Printf(" (%s)", status.Result.Detail)
		}
		fmt.Printf(" at %s\n", status.Result.FinishedAt.Format(time.RFC3339))
	}
	return nil
}

// fetchStatus queries a running status server.
func fetchStatus(jobID string) (jobStatus, error) {
	var status jobStatus

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID))
	if err != nil {
		return status, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return status, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("failed to decode response: %w", err)
	}
	return status, nil
}

// readStatus reads the coordination directory directly.
func readStatus(args []string) (jobStatus, error) {
	var status jobStatus

	cfg, err := loadConfig()
	if err != nil {
		return status, err
	}
	jobID := cfg.Job.ID
	if len(args) > 0 {
		jobID = args[0]
	}
	if err := coord.SanitizeJobID(jobID); err != nil {
		return status, err
	}

	assignments, err := plan.Plan(cfg.Request(), cfg.Nodes())
	if err != nil {
		return status, fmt.Errorf("failed to plan cluster: %w", err)
	}

	kv, err := coord.NewFileKV(cfg.Coord.Dir)
	if err != nil {
		return status, fmt.Errorf("failed to open coordination dir: %w", err)
	}
	board := coord.NewBoard(kv, jobID)

	ctx := context.Background()
	ranks, err := board.Snapshot(ctx, assignments)
	if err != nil {
		return status, fmt.Errorf("failed to read readiness records: %w", err)
	}
	status = jobStatus{JobID: jobID, Ranks: ranks}

	if res, found, err := board.Result(ctx); err == nil && found {
		status.Result = &res
	}
	status.Phase = coord.DerivePhase(ranks, status.Result, len(assignments))
	return status, nil
}
