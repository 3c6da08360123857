package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pdbench/pdbench/internal/transfer"
)

var (
	fetchHosts     string
	fetchUser      string
	fetchKeyFile   string
	fetchPort      int
	fetchRemoteDir string
	fetchLocalDir  string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <job-id>",
	Short: "Fetch a job's log files from cluster nodes over SFTP",
	Long: `Downloads every log file belonging to the given job from each host,
in parallel, into the local directory.

The remote directory defaults to the config's job log directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchHosts, "hosts", "", "comma-separated node hostnames (required)")
	fetchCmd.Flags().StringVar(&fetchUser, "user", "root", "SSH user")
	fetchCmd.Flags().StringVar(&fetchKeyFile, "key", "", "SSH private key file (required)")
	fetchCmd.Flags().IntVar(&fetchPort, "port", 22, "SSH port")
	fetchCmd.Flags().StringVar(&fetchRemoteDir, "remote-dir", "", "remote log directory")
	fetchCmd.Flags().StringVar(&fetchLocalDir, "local-dir", ".", "local destination directory")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	if fetchHosts == "" {
		return fmt.Errorf("--hosts is required")
	}
	if fetchKeyFile == "" {
		return fmt.Errorf("--key is required")
	}

	remoteDir := fetchRemoteDir
	if remoteDir == "" {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("--remote-dir required when config is unavailable: %w", err)
		}
		remoteDir = cfg.Job.LogDir
	}

	key, err := os.ReadFile(fetchKeyFile)
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	hosts := strings.Split(fetchHosts, ",")

	var mu sync.Mutex
	var fetched []string

	g, ctx := errgroup.WithContext(cmd.Context())
	for _, host := range hosts {
		host := strings.TrimSpace(host)
		if host == "" {
			continue
		}
		g.Go(func() error {
			fetcher := transfer.New(transfer.Credentials{
				Host:       host,
				Port:       fetchPort,
				User:       fetchUser,
				PrivateKey: key,
			})
			paths, err := fetcher.FetchJobLogs(ctx, jobID, remoteDir, fetchLocalDir)
			if err != nil {
				return fmt.Errorf("fetch from %s: %w", host, err)
			}
			mu.Lock()
			fetched = append(fetched, paths...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Strings(fetched)
	for _, p := range fetched {
		fmt.Println(p)
	}
	fmt.Printf("\nFetched %d files into %s\n", len(fetched), fetchLocalDir)
	return nil
}
