package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -- Accounts --

// sqliteCreditQuery adds to a balance, creating the account if needed. SQLite
// turns an overflowing integer sum into a REAL, so the update only applies
// while the result fits and otherwise returns no row.
const sqliteCreditQuery = `
INSERT INTO accounts (user_id, balance)
VALUES (?, ?)
ON CONFLICT (user_id) DO UPDATE
SET balance = balance + excluded.balance,
    updated_at = CURRENT_TIMESTAMP
WHERE accounts.balance <= ? - excluded.balance
RETURNING balance;
`

func (r *SQLiteRepository) EnsureAccount(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO accounts (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING;`, userID); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?;`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (r *SQLiteRepository) ApplyDelta(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	if delta >= 0 {
		err := r.db.QueryRowContext(ctx, sqliteCreditQuery, userID, delta, MaxBalance).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrBalanceOverflow
		}
		if err != nil {
			return 0, fmt.Errorf("apply delta: %w", err)
		}
		return balance, nil
	}

	const q = `
UPDATE accounts
SET balance = balance + ?,
    updated_at = CURRENT_TIMESTAMP
WHERE user_id = ? AND balance + ? >= 0
RETURNING balance;
`
	err := r.db.QueryRowContext(ctx, q, delta, userID, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("apply delta: %w", err)
	}
	return balance, nil
}

func (r *SQLiteRepository) SetBalance(ctx context.Context, userID string, value int64) (int64, error) {
	if value < 0 {
		return 0, ErrNegativeBalance
	}
	var prior int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO accounts (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING;`, userID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?;`, userID).Scan(&prior); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?;`, value, userID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("set balance: %w", err)
	}
	return prior, nil
}

func (r *SQLiteRepository) DebitBasisPoints(ctx context.Context, userID string, basisPoints int64) (*PercentDebit, error) {
	var res PercentDebit
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE user_id = ?;`, userID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res.Previous = balance
		res.Removed = PortionOf(balance, basisPoints)
		res.Balance = balance - res.Removed
		if res.Removed == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?;`, res.Balance, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("debit percent: %w", err)
	}
	return &res, nil
}

func (r *SQLiteRepository) Transfer(ctx context.Context, fromID, toID string, amount int64) (*TransferResult, error) {
	var res TransferResult
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []string{fromID, toID} {
			if _, err := tx.ExecContext(ctx, `INSERT INTO accounts (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING;`, id); err != nil {
				return err
			}
		}
		err := tx.QueryRowContext(ctx, `
UPDATE accounts
SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
WHERE user_id = ? AND balance >= ?
RETURNING balance;
`, amount, fromID, amount).Scan(&res.FromBalance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInsufficientFunds
		}
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, `
UPDATE accounts
SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
WHERE user_id = ? AND balance <= ? - ?
RETURNING balance;
`, amount, toID, MaxBalance, amount).Scan(&res.ToBalance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBalanceOverflow
		}
		return err
	})
	if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrBalanceOverflow) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	return &res, nil
}

func (r *SQLiteRepository) ResetAll(ctx context.Context) (*ResetSummary, error) {
	var affected []AccountBalance
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT user_id, balance FROM accounts WHERE balance > 0 ORDER BY user_id;`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var acc AccountBalance
			if err := rows.Scan(&acc.UserID, &acc.Balance); err != nil {
				rows.Close()
				return err
			}
			affected = append(affected, acc)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE accounts SET balance = 0, updated_at = CURRENT_TIMESTAMP WHERE balance > 0;`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reset all: %w", err)
	}
	return newResetSummary(affected), nil
}

func (r *SQLiteRepository) SnapshotAll(ctx context.Context) ([]AccountBalance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, balance FROM accounts ORDER BY user_id;`)
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

// -- Exceptions --

func (r *SQLiteRepository) AddException(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO excepted_users (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING;`, userID); err != nil {
		return fmt.Errorf("add exception: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) RemoveException(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM excepted_users WHERE user_id = ?;`, userID); err != nil {
		return fmt.Errorf("remove exception: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) IsExcepted(ctx context.Context, userID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM excepted_users WHERE user_id = ?;`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is excepted: %w", err)
	}
	return true, nil
}

func (r *SQLiteRepository) ListExceptions(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM excepted_users ORDER BY user_id;`)
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

// -- Messages --

func (r *SQLiteRepository) AppendMessage(ctx context.Context, msg MessageRecord) (int64, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	var count int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO accounts (user_id) VALUES (?) ON CONFLICT (user_id) DO NOTHING;`, msg.UserID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, user_id, content, created_at)
VALUES (?, ?, ?, ?);
`, msg.ID, msg.UserID, msg.Content, formatTime(msg.CreatedAt)); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE user_id = ?;`, msg.UserID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return count, nil
}

// -- Purchases --

func (r *SQLiteRepository) ApplyPurchase(ctx context.Context, credit PurchaseCredit) (*PurchaseResult, error) {
	if credit.AppliedAt.IsZero() {
		credit.AppliedAt = time.Now().UTC()
	}
	res := &PurchaseResult{Credit: credit}
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getPurchaseSQLite(ctx, tx, credit.IdempotencyKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil {
			res.Credit = *existing
			return tx.QueryRowContext(ctx, `SELECT COALESCE((SELECT balance FROM accounts WHERE user_id = ?), 0);`, existing.UserID).Scan(&res.Balance)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO purchase_credits (idempotency_key, user_id, amount, applied_at)
VALUES (?, ?, ?, ?);
`, credit.IdempotencyKey, credit.UserID, credit.Amount, formatTime(credit.AppliedAt)); err != nil {
			return err
		}
		res.Applied = true
		err = tx.QueryRowContext(ctx, sqliteCreditQuery, credit.UserID, credit.Amount, MaxBalance).Scan(&res.Balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBalanceOverflow
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("apply purchase: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) GetPurchase(ctx context.Context, idempotencyKey string) (*PurchaseCredit, error) {
	var credit *PurchaseCredit
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		credit, err = getPurchaseSQLite(ctx, tx, idempotencyKey)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return credit, nil
}

// -- Helpers --

func getPurchaseSQLite(ctx context.Context, tx *sql.Tx, key string) (*PurchaseCredit, error) {
	const q = `
SELECT idempotency_key, user_id, amount, applied_at
FROM purchase_credits
WHERE idempotency_key = ?
LIMIT 1;
`
	var credit PurchaseCredit
	var appliedAt string
	err := tx.QueryRowContext(ctx, q, key).Scan(&credit.IdempotencyKey, &credit.UserID, &credit.Amount, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if credit.AppliedAt, err = time.Parse(time.RFC3339Nano, appliedAt); err != nil {
		return nil, fmt.Errorf("parse applied_at: %w", err)
	}
	return &credit, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
