package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdbench/pdbench/internal/benchmark"
	"github.com/pdbench/pdbench/internal/storage"
)

var (
	resultsDBPath string
	resultsJobID  string
	resultsModel  string
	resultsLimit  int
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Query archived benchmark results",
	Long: `Queries the results database. With --job or --model the matching
summary rows are printed; with neither, the most recent job IDs are
listed.

The database path comes from --db or, failing that, the config file.`,
	RunE: runResults,
}

func init() {
	resultsCmd.Flags().StringVar(&resultsDBPath, "db", "", "SQLite database path (defaults to the config's database path)")
	resultsCmd.Flags().StringVar(&resultsJobID, "job", "", "show rows for this job ID")
	resultsCmd.Flags().StringVar(&resultsModel, "model", "", "show rows for this model")
	resultsCmd.Flags().IntVar(&resultsLimit, "limit", 20, "max job IDs to list")
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	dbPath := resultsDBPath
	if dbPath == "" {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("--db required when config is unavailable: %w", err)
		}
		dbPath = cfg.Database.Path
	}
	if dbPath == "" {
		return fmt.Errorf("no results database configured")
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	store, err := benchmark.NewStore(db.DB)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	ctx := context.Background()
	switch {
	case resultsJobID != "":
		rows, err := store.ListByJob(ctx, resultsJobID)
		if err != nil {
			return fmt.Errorf("failed to query job %s: %w", resultsJobID, err)
		}
		return printRows(rows)
	case resultsModel != "":
		rows, err := store.ListByModel(ctx, resultsModel)
		if err != nil {
			return fmt.Errorf("failed to query model %s: %w", resultsModel, err)
		}
		return printRows(rows)
	default:
		jobs, err := store.RecentJobs(ctx, resultsLimit)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(jobs)
		}
		if len(jobs) == 0 {
			fmt.Println("No archived jobs found")
			return nil
		}
		for _, job := range jobs {
			fmt.Println(job)
		}
		fmt.Printf("\nTotal: %d jobs\n", len(jobs))
		return nil
	}
}

func printRows(rows []benchmark.SummaryRow) error {
	if len(rows) == 0 {
		fmt.Println("No results found")
		return nil
	}
	if outputFormat == "json" {
		return printJSON(rows)
	}
	return benchmark.WriteTable(os.Stdout, rows)
}
