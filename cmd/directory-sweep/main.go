// Command directory-sweep deletes directory rows that have not been refreshed
// within a maximum age. It is meant to be run from cron; the service never
// sweeps unless DIRECTORY_SWEEP_INTERVAL is set.
//
// Usage:
//
//	directory-sweep [--max-age 168h]
//
// DB_DSN and DIRECTORY_SWEEP_MAX_AGE are read from the environment.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatnotes/config"
	"github.com/onnwee/chatnotes/db"
	"github.com/onnwee/chatnotes/directory"
)

func main() {
	maxAge := flag.Duration("max-age", 0, "Delete entries older than this (default DIRECTORY_SWEEP_MAX_AGE)")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *maxAge); err != nil {
		slog.Error("directory sweep failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, maxAge time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if maxAge <= 0 {
		maxAge = cfg.DirectorySweepMaxAge
	}
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer database.Close()

	n, err := sweep(ctx, &db.DirectoryStore{DB: database}, maxAge)
	if err != nil {
		return err
	}
	slog.Info("directory sweep finished", slog.Int64("deleted", n), slog.Duration("max_age", maxAge))
	return nil
}

// sweep only touches the store, so the cache is built without an upstream.
func sweep(ctx context.Context, store directory.Store, maxAge time.Duration) (int64, error) {
	cache := directory.NewCache(directory.Config{Store: store})
	return cache.SweepExpired(ctx, maxAge)
}
