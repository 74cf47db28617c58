package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AddException excludes userID from passive rewards. Adding twice is a no-op.
func (r *PostgresRepository) AddException(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, `INSERT INTO excepted_users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING;`, userID); err != nil {
		return fmt.Errorf("add exception: %w", err)
	}
	return nil
}

// RemoveException clears the exclusion for userID.
func (r *PostgresRepository) RemoveException(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM excepted_users WHERE user_id = $1;`, userID); err != nil {
		return fmt.Errorf("remove exception: %w", err)
	}
	return nil
}

// IsExcepted reports whether userID is excluded from passive rewards.
func (r *PostgresRepository) IsExcepted(ctx context.Context, userID string) (bool, error) {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM excepted_users WHERE user_id = $1;`, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is excepted: %w", err)
	}
	return true, nil
}

// ListExceptions returns all excepted user ids ordered by id.
func (r *PostgresRepository) ListExceptions(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id FROM excepted_users ORDER BY user_id;`)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan exception: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exceptions: %w", err)
	}
	return ids, nil
}

// AppendMessage stores a message and returns the author's total message count.
// The account row lock serialises appends per user, so every call observes a
// distinct count.
func (r *PostgresRepository) AppendMessage(ctx context.Context, msg MessageRecord) (int64, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	var count int64
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := ensureAccountTx(ctx, tx, msg.UserID); err != nil {
			return err
		}
		if _, err := lockBalanceTx(ctx, tx, msg.UserID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO messages (id, user_id, content, created_at)
VALUES ($1, $2, $3, COALESCE($4, NOW()));
`, msg.ID, msg.UserID, msg.Content, nullTime(msg.CreatedAt)); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE user_id = $1;`, msg.UserID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return count, nil
}
