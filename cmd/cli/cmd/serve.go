package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdbench/pdbench/internal/api"
	"github.com/pdbench/pdbench/internal/benchmark"
	"github.com/pdbench/pdbench/internal/coord"
	"github.com/pdbench/pdbench/internal/logging"
	"github.com/pdbench/pdbench/internal/plan"
	"github.com/pdbench/pdbench/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP status server",
	Long: `Serves job status, summaries, and archived results over HTTP, backed
by the shared coordination directory and the results database from the
config file.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	kv, err := coord.NewFileKV(cfg.Coord.Dir)
	if err != nil {
		return fmt.Errorf("failed to open coordination dir: %w", err)
	}

	assignments, err := plan.Plan(cfg.Request(), cfg.Nodes())
	if err != nil {
		return fmt.Errorf("failed to plan cluster: %w", err)
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
	}
	if cfg.Database.Path != "" {
		db, err := storage.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		store, err := benchmark.NewStore(db.DB)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		opts = append(opts, api.WithStore(store))
	}

	server := api.New(kv, assignments, opts...)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err.Error())
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
