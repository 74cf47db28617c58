package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgCheckViolation    = "23514"
	pgNumericOutOfRange = "22003"
)

// pgxPool is the part of *pgxpool.Pool the repository relies on.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresRepository provides ledger persistence on top of a pgx pool.
type PostgresRepository struct {
	pool   pgxPool
	logger *slog.Logger
	schema string
}

var _ Store = (*PostgresRepository)(nil)

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := newPostgresFromPool(pool, logger)
	r.schema = schema

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func newPostgresFromPool(pool pgxPool, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
	}
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// RunMigrations applies the postgres schema migrations.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem, "postgres")
}

// EnsureAccount creates a zero-balance account if none exists.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, `INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING;`, userID); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// GetBalance returns the balance for userID, or zero for an unknown user.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1;`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// SnapshotAll reads every account in a single statement.
func (r *PostgresRepository) SnapshotAll(ctx context.Context) ([]AccountBalance, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, balance FROM accounts ORDER BY user_id;`)
	if err != nil {
		return nil, fmt.Errorf("snapshot accounts: %w", err)
	}
	defer rows.Close()

	var res []AccountBalance
	for rows.Next() {
		var acc AccountBalance
		if err := rows.Scan(&acc.UserID, &acc.Balance); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		res = append(res, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return res, nil
}

func ensureAccountTx(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx, `INSERT INTO accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING;`, userID)
	return err
}

func lockBalanceTx(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	var balance int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE;`, userID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func isCheckViolation(err error) bool {
	return hasPgCode(err, pgCheckViolation)
}

// isOutOfRange reports a BIGINT overflow raised by balance arithmetic.
func isOutOfRange(err error) bool {
	return hasPgCode(err, pgNumericOutOfRange)
}

func hasPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
