package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdbench/pdbench/internal/coord"
)

var teardownCmd = &cobra.Command{
	Use:   "teardown [job-id]",
	Short: "Mark a job cancelled so every node shuts down",
	Long: `Publishes a cancelled job result on the coordination board. Each node
launcher polls for the result and tears down its engine processes once
it appears.

Fails if the job already has a terminal result.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTeardown,
}

func init() {
	rootCmd.AddCommand(teardownCmd)
}

func runTeardown(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	jobID := cfg.Job.ID
	if len(args) > 0 {
		jobID = args[0]
	}
	if err := coord.SanitizeJobID(jobID); err != nil {
		return err
	}

	kv, err := coord.NewFileKV(cfg.Coord.Dir)
	if err != nil {
		return fmt.Errorf("failed to open coordination dir: %w", err)
	}
	board := coord.NewBoard(kv, jobID)

	res := coord.JobResult{
		Status:     coord.JobCancelled,
		Detail:     "operator teardown",
		FinishedAt: time.Now().UTC(),
	}
	if err := board.PublishResult(context.Background(), res); err != nil {
		if errors.Is(err, coord.ErrKeyExists) {
			return fmt.Errorf("job %s already has a result", jobID)
		}
		return fmt.Errorf("failed to publish result: %w", err)
	}

	fmt.Printf("Job %s marked cancelled; nodes shut down on their next poll\n", jobID)
	return nil
}
