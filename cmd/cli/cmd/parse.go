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
	parseCSVPath string
	parseDBPath  string
	parseJobID   string
)

var parseCmd = &cobra.Command{
	Use:   "parse <log-file>...",
	Short: "Parse load-generator logs into a summary table",
	Long: `Parses one or more load-generator log files and prints the merged
summary, one row per concurrency level. Unreadable files are skipped as
long as at least one file parses.

Use --csv to additionally write a CSV file, and --db with --job to
archive the rows for later 'results' queries.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().StringVar(&parseCSVPath, "csv", "", "also write a CSV summary to this path")
	parseCmd.Flags().StringVar(&parseDBPath, "db", "", "archive rows into this SQLite database (requires --job)")
	parseCmd.Flags().StringVar(&parseJobID, "job", "", "job ID to archive rows under")
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	if parseDBPath != "" && parseJobID == "" {
		return fmt.Errorf("--db requires --job")
	}

	rows, err := benchmark.ParseFiles(args)
	if err != nil {
		return fmt.Errorf("failed to parse logs: %w", err)
	}
	if len(rows) == 0 {
		fmt.Println("No benchmark results found")
		return nil
	}

	if outputFormat == "json" {
		if err := printJSON(rows); err != nil {
			return err
		}
	} else {
		if err := benchmark.WriteTable(os.Stdout, rows); err != nil {
			return err
		}
	}

	if parseCSVPath != "" {
		if err := benchmark.WriteCSV(parseCSVPath, rows); err != nil {
			return fmt.Errorf("failed to write CSV: %w", err)
		}
		fmt.Printf("\nWrote CSV to %s\n", parseCSVPath)
	}

	if parseDBPath != "" {
		if err := archiveRows(parseDBPath, parseJobID, rows); err != nil {
			return err
		}
		fmt.Printf("Archived %d rows under job %s\n", len(rows), parseJobID)
	}
	return nil
}

func archiveRows(dbPath, jobID string, rows []benchmark.SummaryRow) error {
	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	store, err := benchmark.NewStore(db.DB)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Save(context.Background(), jobID, rows); err != nil {
		return fmt.Errorf("failed to archive rows: %w", err)
	}
	return nil
}
