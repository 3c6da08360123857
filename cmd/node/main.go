package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pdbench/pdbench/internal/benchmark"
	"github.com/pdbench/pdbench/internal/config"
	"github.com/pdbench/pdbench/internal/coord"
	"github.com/pdbench/pdbench/internal/launch"
	"github.com/pdbench/pdbench/internal/logging"
	"github.com/pdbench/pdbench/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("PDBENCH_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting node launcher",
		slog.String("job_id", cfg.Job.ID),
		slog.String("node_id", cfg.Cluster.NodeID),
		slog.Int("prefill_nodes", cfg.Cluster.PrefillNodes),
		slog.Int("decode_nodes", cfg.Cluster.DecodeNodes))

	kv, err := coord.NewFileKV(cfg.Coord.Dir)
	if err != nil {
		logger.Error("failed to open coordination dir", slog.String("error", err.Error()))
		os.Exit(1)
	}
	board := coord.NewBoard(kv, cfg.Job.ID)

	launcher := launch.New(cfg, board,
		launch.WithLogger(logger),
		launch.WithBenchRunner(&benchRunner{cfg: cfg, logger: logger}))

	// SIGINT/SIGTERM cancel the run; the launcher tears down its process
	// groups and publishes a cancelled result path on its way out.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := launcher.Run(ctx); err != nil {
		logger.Error("run finished with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("run finished")
}

// benchRunner adapts the concurrency sweep into the launcher's benchmark
// hook: run the sweep against the router, parse the per-level logs, write
// the summary table and CSV, then archive rows for later queries.
type benchRunner struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (b *benchRunner) Run(ctx context.Context, router coord.ServiceEndpoint) ([]benchmark.RunResult, error) {
	cfg := b.cfg
	sweep := benchmark.NewSweep(benchmark.SweepParams{
		Generator:     cfg.Bench.GeneratorCommand,
		RouterURL:     router.URL(),
		Model:         cfg.Cluster.ModelName,
		PrefillNodes:  cfg.Cluster.PrefillNodes,
		DecodeNodes:   cfg.Cluster.DecodeNodes,
		Concurrencies: cfg.Bench.Concurrencies,
		InputLen:      cfg.Bench.InputLen,
		OutputLen:     cfg.Bench.OutputLen,
		LogDir:        cfg.Job.LogDir,
		JobID:         cfg.Job.ID,
		NodeID:        cfg.Cluster.NodeID,
	},
		benchmark.WithSweepLogger(b.logger),
		benchmark.WithRequestRate(cfg.Bench.RequestRate))

	results, err := sweep.Run(ctx)
	if err != nil {
		return results, err
	}

	// Failed runs keep their log file; the parser yields whatever fields
	// the generator emitted before dying and skips unreadable files.
	var paths []string
	for _, r := range results {
		if r.LogPath != "" {
			paths = append(paths, r.LogPath)
		}
	}
	if len(paths) == 0 {
		b.logger.Warn("no benchmark logs to parse")
		return results, nil
	}

	rows, err := benchmark.ParseFiles(paths)
	if err != nil {
		b.logger.Error("failed to parse benchmark logs", slog.String("error", err.Error()))
		return results, nil
	}
	b.report(ctx, rows)
	return results, nil
}

// report writes the summary artifacts. Failures here are logged, not
// propagated: the benchmark itself already ran.
func (b *benchRunner) report(ctx context.Context, rows []benchmark.SummaryRow) {
	cfg := b.cfg

	summaryPath := cfg.Bench.SummaryPath
	if summaryPath == "" {
		summaryPath = filepath.Join(cfg.Job.LogDir, cfg.Job.ID+"_summary.txt")
	}
	if err := writeTableFile(summaryPath, rows); err != nil {
		b.logger.Error("failed to write summary table", slog.String("error", err.Error()))
	} else {
		b.logger.Info("wrote summary table", slog.String("path", summaryPath))
	}

	csvPath := cfg.Bench.CSVPath
	if csvPath == "" {
		csvPath = filepath.Join(cfg.Job.LogDir, cfg.Job.ID+"_summary.csv")
	}
	if err := benchmark.WriteCSV(csvPath, rows); err != nil {
		b.logger.Error("failed to write summary CSV", slog.String("error", err.Error()))
	} else {
		b.logger.Info("wrote summary CSV", slog.String("path", csvPath))
	}

	if cfg.Database.Path == "" {
		return
	}
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		b.logger.Error("failed to open results database", slog.String("error", err.Error()))
		return
	}
	defer db.Close()

	store, err := benchmark.NewStore(db.DB)
	if err != nil {
		b.logger.Error("failed to initialize results store", slog.String("error", err.Error()))
		return
	}
	if err := store.Save(ctx, cfg.Job.ID, rows); err != nil {
		b.logger.Error("failed to archive results", slog.String("error", err.Error()))
		return
	}
	b.logger.Info("archived results",
		slog.String("db", cfg.Database.Path),
		slog.Int("rows", len(rows)))
}

func writeTableFile(path string, rows []benchmark.SummaryRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create summary file: %w", err)
	}
	defer f.Close()
	return benchmark.WriteTable(f, rows)
}
