// Command seal-credentials encrypts stored credentials that were written in
// plaintext (encryption_version=0) before ENCRYPTION_KEY was configured.
//
// Usage:
//
//	seal-credentials [--dry-run] [--status]
//
// Flags:
//
//	--dry-run: count what would be sealed without changing rows
//	--status:  print per-version counts and exit
//
// Environment Variables:
//
//	DB_DSN: database connection string
//	ENCRYPTION_KEY: base64-encoded 32-byte key (not needed with --status)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/chatnotes/config"
	"github.com/onnwee/chatnotes/crypto"
	"github.com/onnwee/chatnotes/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be sealed without making changes")
	status := flag.Bool("status", false, "Report credential encryption status and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(context.Background(), *dryRun, *status); err != nil {
		slog.Error("seal-credentials failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, dryRun, statusOnly bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer database.Close()

	if statusOnly {
		return reportStatus(ctx, &db.CredentialStore{DB: database})
	}

	if cfg.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required to seal credentials")
	}
	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init sealer: %w", err)
	}
	return seal(ctx, database, sealer, dryRun)
}

func seal(ctx context.Context, database *sql.DB, sealer *crypto.Sealer, dryRun bool) error {
	store := &db.CredentialStore{DB: database, Sealer: sealer}
	rep, err := store.SealPlaintext(ctx, dryRun)
	slog.Info("seal summary",
		slog.Int("found", rep.Found),
		slog.Int("sealed", rep.Sealed),
		slog.Int("errors", rep.Failed),
		slog.Bool("dry_run", dryRun))
	if err != nil {
		return err
	}
	return reportStatus(ctx, store)
}

func reportStatus(ctx context.Context, store *db.CredentialStore) error {
	counts, err := store.EncryptionStatus(ctx)
	if err != nil {
		return err
	}
	total := 0
	for version, n := range counts {
		slog.Info("credential encryption status",
			slog.Int("encryption_version", version),
			slog.String("description", describeVersion(version)),
			slog.Int("count", n))
		total += n
	}
	slog.Info("total credentials", slog.Int("count", total))
	return nil
}

func describeVersion(v int) string {
	switch v {
	case 0:
		return "plaintext"
	case 1:
		return "encrypted (AES-256-GCM)"
	default:
		return fmt.Sprintf("unknown version %d", v)
	}
}
