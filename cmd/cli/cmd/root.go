package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdbench/pdbench/internal/config"
)

var (
	cfgPath      string
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pdbench",
	Short: "pdbench CLI - orchestrate disaggregated prefill/decode benchmarks",
	Long: `pdbench drives multi-node benchmark runs against a disaggregated
prefill/decode serving deployment.

This CLI tool allows you to:
- Preview the role assignment a job would use
- Watch readiness of a running job
- Parse load-generator logs into summary tables
- Query archived results
- Fetch log files from cluster nodes`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", getEnvOrDefault("PDBENCH_CONFIG", ""), "path to config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("PDBENCH_URL", ""), "status server URL (empty reads the coordination dir directly)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgPath)
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
