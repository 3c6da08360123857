package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pdbench/pdbench/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview the role assignment for the configured cluster",
	RunE:  runPlan,
}

var newJobCmd = &cobra.Command{
	Use:   "new-job-id",
	Short: "Generate a fresh job ID to export before launching nodes",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("pd-" + uuid.NewString())
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(newJobCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	assignments, err := plan.Plan(cfg.Request(), cfg.Nodes())
	if err != nil {
		return fmt.Errorf("failed to plan cluster: %w", err)
	}

	if outputFormat == "json" {
		return printJSON(assignments)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tROLE\tRANK\tGLOBAL\tWORKERS\tROUTER")
	for _, a := range assignments {
		router := ""
		if a.Router {
			router = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			a.NodeID, a.Role, a.RankInRole, a.GlobalRank, a.Workers, router)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d nodes (%dP / %dD)\n",
		len(assignments), cfg.Cluster.PrefillNodes, cfg.Cluster.DecodeNodes)
	return nil
}
