package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
)

// ApplyDelta adds delta to the balance of userID. Positive deltas create the
// account on first use; negative deltas only apply when the result stays >= 0.
func (r *PostgresRepository) ApplyDelta(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	if delta >= 0 {
		const q = `
INSERT INTO accounts (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET balance = accounts.balance + EXCLUDED.balance,
    updated_at = NOW()
RETURNING balance;
`
		if err := r.pool.QueryRow(ctx, q, userID, delta).Scan(&balance); err != nil {
			if isOutOfRange(err) {
				return 0, ErrBalanceOverflow
			}
			return 0, fmt.Errorf("apply delta: %w", err)
		}
		return balance, nil
	}

	const q = `
UPDATE accounts
SET balance = balance + $2,
    updated_at = NOW()
WHERE user_id = $1 AND balance + $2 >= 0
RETURNING balance;
`
	err := r.pool.QueryRow(ctx, q, userID, delta).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) || isCheckViolation(err) {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("apply delta: %w", err)
	}
	return balance, nil
}

// SetBalance stores value as the absolute balance and returns the prior one.
func (r *PostgresRepository) SetBalance(ctx context.Context, userID string, value int64) (int64, error) {
	if value < 0 {
		return 0, ErrNegativeBalance
	}
	var prior int64
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := ensureAccountTx(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		if prior, err = lockBalanceTx(ctx, tx, userID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = NOW() WHERE user_id = $1;`, userID, value)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("set balance: %w", err)
	}
	return prior, nil
}

// DebitBasisPoints removes floor(balance * basisPoints / 10000) from the
// balance, reading and writing under the same row lock.
func (r *PostgresRepository) DebitBasisPoints(ctx context.Context, userID string, basisPoints int64) (*PercentDebit, error) {
	var res PercentDebit
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		balance, err := lockBalanceTx(ctx, tx, userID)
		if errors.Is(err, pgx.ErrNoRows) {
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
		_, err = tx.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = NOW() WHERE user_id = $1;`, userID, res.Balance)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("debit percent: %w", err)
	}
	return &res, nil
}

// Transfer moves amount from fromID to toID in one transaction. Rows are locked
// in user_id order so opposing transfers cannot deadlock.
func (r *PostgresRepository) Transfer(ctx context.Context, fromID, toID string, amount int64) (*TransferResult, error) {
	var res TransferResult
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		ids := []string{fromID, toID}
		sort.Strings(ids)
		balances := make(map[string]int64, 2)
		for _, id := range ids {
			if err := ensureAccountTx(ctx, tx, id); err != nil {
				return err
			}
			balance, err := lockBalanceTx(ctx, tx, id)
			if err != nil {
				return err
			}
			balances[id] = balance
		}

		if balances[fromID] < amount {
			return ErrInsufficientFunds
		}
		if balances[toID] > MaxBalance-amount {
			return ErrBalanceOverflow
		}

		if err := tx.QueryRow(ctx, `UPDATE accounts SET balance = balance - $2, updated_at = NOW() WHERE user_id = $1 RETURNING balance;`, fromID, amount).Scan(&res.FromBalance); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `UPDATE accounts SET balance = balance + $2, updated_at = NOW() WHERE user_id = $1 RETURNING balance;`, toID, amount).Scan(&res.ToBalance)
	})
	if errors.Is(err, ErrInsufficientFunds) || isCheckViolation(err) {
		return nil, ErrInsufficientFunds
	}
	if errors.Is(err, ErrBalanceOverflow) || isOutOfRange(err) {
		return nil, ErrBalanceOverflow
	}
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	return &res, nil
}

// ResetAll zeroes every positive balance in a single statement and reports the
// prior balances of the affected accounts.
func (r *PostgresRepository) ResetAll(ctx context.Context) (*ResetSummary, error) {
	const q = `
UPDATE accounts a
SET balance = 0,
    updated_at = NOW()
FROM (
    SELECT user_id, balance FROM accounts WHERE balance > 0 FOR UPDATE
) prev
WHERE a.user_id = prev.user_id
RETURNING a.user_id, prev.balance;
`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("reset all: %w", err)
	}
	defer rows.Close()

	var affected []AccountBalance
	for rows.Next() {
		var acc AccountBalance
		if err := rows.Scan(&acc.UserID, &acc.Balance); err != nil {
			return nil, fmt.Errorf("scan reset row: %w", err)
		}
		affected = append(affected, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reset rows: %w", err)
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].UserID < affected[j].UserID })
	return newResetSummary(affected), nil
}
