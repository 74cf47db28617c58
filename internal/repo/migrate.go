package repo

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
)

// ApplyMigrations executes SQL files found in dir against the provided pool in lexicographical order.
func ApplyMigrations(ctx context.Context, pool pgxPool, filesystem fs.FS, dir string) error {
	return walkMigrations(filesystem, dir, func(name, sql string) error {
		return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, sql)
			return err
		})
	})
}

func applySQLiteMigrations(ctx context.Context, db *sql.DB, filesystem fs.FS, dir string) error {
	return walkMigrations(filesystem, dir, func(name, script string) error {
		_, err := db.ExecContext(ctx, script)
		return err
	})
}

func walkMigrations(filesystem fs.FS, dir string, apply func(name, sql string) error) error {
	entries, err := fs.ReadDir(filesystem, dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		sqlBytes, err := fs.ReadFile(filesystem, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if len(sqlBytes) == 0 {
			continue
		}

		if err := apply(entry.Name(), string(sqlBytes)); err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}
