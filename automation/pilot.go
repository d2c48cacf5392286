package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/velotest/velotest/pkg/analysis"
	"github.com/velotest/velotest/pkg/client"
	"github.com/velotest/velotest/pkg/config"
	"github.com/velotest/velotest/pkg/execute"
	"github.com/velotest/velotest/pkg/models"
	"github.com/velotest/velotest/pkg/pipeline"
	"github.com/velotest/velotest/pkg/report"
	"github.com/velotest/velotest/pkg/scoring"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <project-path>\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	projectPath := os.Args[1]

	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded configuration from .env file")
	}

	cfg, err := config.LoadPipeline()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator := execute.NewCoordinator(logger)
	coordinator.ReadyTimeout = cfg.ReadyTimeout

	runner := &pipeline.Runner{
		Executor: coordinator,
		Compiler: report.NewCompiler(cfg.ReportsDir, logger),
		Logger:   logger,
	}

	if cfg.AIProvider != "" {
		analyzer, err := analysis.NewAnalyzer(cfg.AIProvider, cfg.AIAPIKey, logger)
		if err != nil {
			logger.Error("AI analysis is misconfigured", slog.String("error", err.Error()))
			os.Exit(1)
		}
		runner.Analyzer = analyzer
		logger.Info("AI failure analysis enabled", slog.String("provider", cfg.AIProvider))
	} else {
		logger.Info("AI failure analysis disabled (AI_PROVIDER not set)")
	}

	if cfg.IngestURL != "" {
		runner.Submitter = client.New(cfg.IngestURL, cfg.IngestAPIKey)
		logger.Info("Report submission enabled", slog.String("url", cfg.IngestURL))
	} else {
		logger.Info("Report submission disabled (VELOTEST_URL not set)")
	}

	outcome, err := runner.Execute(ctx, projectPath)
	if err != nil {
		logger.Error("Pipeline run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	summary := outcome.Report.TestResults
	status, failed := runVerdict(summary)
	logger.Info("Pipeline run complete",
		slog.String("status", status),
		slog.Int("total", summary.Total),
		slog.Int("passed", summary.Passed),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.String("report", outcome.Report.Path),
	)
	if outcome.TestRunID != "" {
		logger.Info("Run recorded remotely", slog.String("test_run_id", outcome.TestRunID))
	}

	if failed {
		os.Exit(1)
	}
}

// runVerdict derives the run's status from its counts and reports whether the
// process should exit non-zero.
func runVerdict(results models.TestResultSet) (string, bool) {
	status := scoring.DeriveStatus(results.Total, results.Failed)
	return status, status == models.StatusFailed || status == models.StatusError
}
