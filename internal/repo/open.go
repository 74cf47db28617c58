package repo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver      string
	DatabaseURL string
	Schema      string
	SQLitePath  string
}

// Open connects to the backend named by opts.Driver.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "sqlite":
		store, err := NewSQLite(ctx, opts.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres driver requires a database url")
		}
		store, err := New(ctx, opts.DatabaseURL, opts.Schema, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}
