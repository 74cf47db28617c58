package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"economy-bot/internal/config"
	"economy-bot/internal/logging"
	"economy-bot/internal/repo"
	"economy-bot/migrations"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "economy-bot",
	Short: "Virtual currency ledger and reward engine for a chat bot",
	Long: `economy-bot keeps per-user coin balances, pays passive rewards for
voice presence and chat activity, publishes rankings and credits purchases
confirmed by the payment gateway.`,
	SilenceUsage: true,
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// bootstrap loads .env and the configuration and builds the root logger.
func bootstrap() (config.Config, *slog.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.NewLogger(cfg.LogLevel, cfg.LogFormat), nil
}

// openStore connects the configured backend and applies migrations.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repo.Store, error) {
	store, err := repo.Open(ctx, repo.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		Schema:      cfg.DatabaseSchema,
		SQLitePath:  cfg.SQLitePath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		store.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated", "driver", cfg.StoreDriver)
	return store, nil
}
