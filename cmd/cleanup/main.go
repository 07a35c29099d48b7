// Command cleanup deletes clicks older than the retention window once and
// exits. It is meant for cron jobs when the API server's background
// retention job is disabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/comparisonguide/clicktrack/internal/config"
	"github.com/comparisonguide/clicktrack/internal/repository"
	"github.com/comparisonguide/clicktrack/internal/retention"
)

func main() {
	cfg, err := config.LoadDatabase()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	var (
		days    = flag.Int("days", cfg.RetentionDays, "Delete clicks older than this many days")
		timeout = flag.Duration("timeout", 5*time.Minute, "Overall timeout")
	)
	flag.Parse()

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.LogLevel == "debug" {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFormat != "json" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		// The error may carry the DSN; keep it out of the logs.
		logger.Error("failed to connect to database")
		os.Exit(1)
	}
	defer repo.Close()

	job := retention.NewJob(repository.NewClickRepository(repo), *days, 0, logger)
	if _, err := job.RunOnce(ctx); err != nil {
		logger.Error("cleanup failed", "error", err)
		repo.Close()
		os.Exit(1)
	}
}
