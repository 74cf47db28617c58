package ledger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"economy-bot/internal/metrics"
	"economy-bot/internal/repo"
)

// Config tunes engine behaviour.
type Config struct {
	// WithdrawMinimum is the smallest amount, in minor units, accepted by Withdraw.
	WithdrawMinimum int64
}

// Engine validates balance mutations and applies them through the store.
type Engine struct {
	store   repo.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
}

// New constructs an Engine.
func New(store repo.Store, metrics *metrics.Metrics, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "ledger"),
		cfg:     cfg,
	}
}

// EnsureExists creates a zero balance account for userID when absent.
func (e *Engine) EnsureExists(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	return StorageError("ensure account", e.store.EnsureAccount(ctx, userID))
}

// Balance returns the balance of userID, zero when the account was never seen.
func (e *Engine) Balance(ctx context.Context, userID string) (int64, error) {
	if err := validUser(userID); err != nil {
		return 0, err
	}
	balance, err := e.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, StorageError("get balance", err)
	}
	return balance, nil
}

// Credit adds a positive amount to userID.
func (e *Engine) Credit(ctx context.Context, userID string, amount int64) (balance int64, err error) {
	defer e.observe("credit", time.Now(), &err)
	if err := validUser(userID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err = e.store.ApplyDelta(ctx, userID, amount)
	if err != nil {
		return 0, StorageError("credit", err)
	}
	return balance, nil
}

// Debit removes a positive amount from userID, failing with ErrInsufficientFunds
// when the balance is too low. The check and deduction are one store operation.
func (e *Engine) Debit(ctx context.Context, userID string, amount int64) (balance int64, err error) {
	defer e.observe("debit", time.Now(), &err)
	return e.debit(ctx, userID, amount)
}

// Withdraw is a debit subject to the configured minimum.
func (e *Engine) Withdraw(ctx context.Context, userID string, amount int64) (balance int64, err error) {
	defer e.observe("withdraw", time.Now(), &err)
	if amount > 0 && amount < e.cfg.WithdrawMinimum {
		return 0, ErrBelowMinimum
	}
	return e.debit(ctx, userID, amount)
}

func (e *Engine) debit(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := validUser(userID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := e.store.ApplyDelta(ctx, userID, -amount)
	if err != nil {
		return 0, StorageError("debit", err)
	}
	return balance, nil
}

// Transfer moves amount from fromID to toID atomically.
func (e *Engine) Transfer(ctx context.Context, fromID, toID string, amount int64) (res *repo.TransferResult, err error) {
	defer e.observe("transfer", time.Now(), &err)
	if err := validUser(fromID); err != nil {
		return nil, err
	}
	if err := validUser(toID); err != nil {
		return nil, err
	}
	if fromID == toID {
		return nil, ErrSameAccount
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	res, err = e.store.Transfer(ctx, fromID, toID, amount)
	if err != nil {
		return nil, StorageError("transfer", err)
	}
	return res, nil
}

// DebitPercent removes floor(balance * percent / 100) from userID. Percent is
// resolved to basis points so fractional values such as 12.5 are exact.
func (e *Engine) DebitPercent(ctx context.Context, userID string, percent float64) (res *repo.PercentDebit, err error) {
	defer e.observe("debit_percent", time.Now(), &err)
	if err := validUser(userID); err != nil {
		return nil, err
	}
	bp, err := PercentToBasisPoints(percent)
	if err != nil {
		return nil, err
	}
	res, err = e.store.DebitBasisPoints(ctx, userID, bp)
	if err != nil {
		return nil, StorageError("debit percent", err)
	}
	return res, nil
}

// AdjustBalance applies a signed administrative delta. Positive deltas credit,
// negative deltas debit and never drive the balance below zero.
func (e *Engine) AdjustBalance(ctx context.Context, userID string, delta int64) (balance int64, err error) {
	defer e.observe("adjust", time.Now(), &err)
	if err := validUser(userID); err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, ErrInvalidAmount
	}
	balance, err = e.store.ApplyDelta(ctx, userID, delta)
	if err != nil {
		return 0, StorageError("adjust balance", err)
	}
	e.logger.Info("balance adjusted", "user_id", userID, "delta", delta, "balance", balance)
	return balance, nil
}

// ResetOne zeroes userID and returns the prior balance.
func (e *Engine) ResetOne(ctx context.Context, userID string) (prior int64, err error) {
	defer e.observe("reset_one", time.Now(), &err)
	if err := validUser(userID); err != nil {
		return 0, err
	}
	prior, err = e.store.SetBalance(ctx, userID, 0)
	if err != nil {
		return 0, StorageError("reset balance", err)
	}
	return prior, nil
}

// ResetAll zeroes every positive balance in one atomic step.
func (e *Engine) ResetAll(ctx context.Context) (summary *repo.ResetSummary, err error) {
	defer e.observe("reset_all", time.Now(), &err)
	summary, err = e.store.ResetAll(ctx)
	if err != nil {
		return nil, StorageError("reset all", err)
	}
	e.logger.Info("all balances reset", "accounts", summary.Count, "total", summary.Total)
	return summary, nil
}

// Preview reports the accounts a ResetAll would currently affect.
func (e *Engine) Preview(ctx context.Context) (count int, total int64, err error) {
	accounts, err := e.store.SnapshotAll(ctx)
	if err != nil {
		return 0, 0, StorageError("snapshot accounts", err)
	}
	for _, acc := range accounts {
		if acc.Balance > 0 {
			count++
			total += acc.Balance
		}
	}
	return count, total, nil
}

// RegisterException excludes userID from passive accrual.
func (e *Engine) RegisterException(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	return StorageError("add exception", e.store.AddException(ctx, userID))
}

// ClearException re-includes userID in passive accrual.
func (e *Engine) ClearException(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	return StorageError("remove exception", e.store.RemoveException(ctx, userID))
}

// IsExcepted reports whether userID is excluded from passive accrual.
func (e *Engine) IsExcepted(ctx context.Context, userID string) (bool, error) {
	ok, err := e.store.IsExcepted(ctx, userID)
	if err != nil {
		return false, StorageError("is excepted", err)
	}
	return ok, nil
}

// Exceptions lists every excluded user.
func (e *Engine) Exceptions(ctx context.Context) ([]string, error) {
	ids, err := e.store.ListExceptions(ctx)
	if err != nil {
		return nil, StorageError("list exceptions", err)
	}
	return ids, nil
}

func (e *Engine) observe(op string, start time.Time, errp *error) {
	status := "ok"
	if err := *errp; err != nil {
		status = "error"
		if IsRejection(err) {
			status = "rejected"
		} else {
			e.logger.Error("ledger operation failed", "op", op, "error", err)
		}
	}
	if e.metrics == nil {
		return
	}
	e.metrics.LedgerOperations.WithLabelValues(op, status).Inc()
	e.metrics.LedgerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if status == "error" {
		e.metrics.Errors.WithLabelValues("ledger").Inc()
	}
}

func validUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUser
	}
	return nil
}
