package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ApplyPurchase records the purchase credit and credits the account in one
// transaction. A second call with the same idempotency key changes nothing and
// returns the originally recorded credit.
func (r *PostgresRepository) ApplyPurchase(ctx context.Context, credit PurchaseCredit) (*PurchaseResult, error) {
	if credit.AppliedAt.IsZero() {
		credit.AppliedAt = time.Now().UTC()
	}
	res := &PurchaseResult{Credit: credit}
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const insertQ = `
INSERT INTO purchase_credits (idempotency_key, user_id, amount, applied_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING applied_at;
`
		err := tx.QueryRow(ctx, insertQ, credit.IdempotencyKey, credit.UserID, credit.Amount, credit.AppliedAt).Scan(&res.Credit.AppliedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			existing, err := getPurchaseTx(ctx, tx, credit.IdempotencyKey)
			if err != nil {
				return err
			}
			res.Credit = *existing
			return tx.QueryRow(ctx, `SELECT COALESCE((SELECT balance FROM accounts WHERE user_id = $1), 0);`, existing.UserID).Scan(&res.Balance)
		}
		if err != nil {
			return err
		}

		res.Applied = true
		const creditQ = `
INSERT INTO accounts (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET balance = accounts.balance + EXCLUDED.balance,
    updated_at = NOW()
RETURNING balance;
`
		return tx.QueryRow(ctx, creditQ, credit.UserID, credit.Amount).Scan(&res.Balance)
	})
	if isOutOfRange(err) {
		return nil, fmt.Errorf("apply purchase: %w", ErrBalanceOverflow)
	}
	if err != nil {
		return nil, fmt.Errorf("apply purchase: %w", err)
	}
	return res, nil
}

// GetPurchase retrieves a purchase credit by idempotency key.
func (r *PostgresRepository) GetPurchase(ctx context.Context, idempotencyKey string) (*PurchaseCredit, error) {
	var credit *PurchaseCredit
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		credit, err = getPurchaseTx(ctx, tx, idempotencyKey)
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

func getPurchaseTx(ctx context.Context, tx pgx.Tx, key string) (*PurchaseCredit, error) {
	const q = `
SELECT idempotency_key, user_id, amount, applied_at
FROM purchase_credits
WHERE idempotency_key = $1
LIMIT 1;
`
	var credit PurchaseCredit
	err := tx.QueryRow(ctx, q, key).Scan(&credit.IdempotencyKey, &credit.UserID, &credit.Amount, &credit.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &credit, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
