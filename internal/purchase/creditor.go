package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"economy-bot/internal/ledger"
	"economy-bot/internal/metrics"
	"economy-bot/internal/repo"
)

// ErrMissingKey is returned when a confirmation carries no idempotency key.
var ErrMissingKey = errors.New("purchase: missing idempotency key")

// Confirmation is an authenticated payment confirmation.
type Confirmation struct {
	IdempotencyKey string
	UserID         string
	Amount         int64
}

// Result reports the credit recorded for a confirmation. Duplicate is true when
// the key had been applied before; Credit then describes the original credit.
type Result struct {
	Credit    repo.PurchaseCredit
	Duplicate bool
	Balance   int64
}

// Store records purchase credits atomically with the balance change.
type Store interface {
	ApplyPurchase(ctx context.Context, credit repo.PurchaseCredit) (*repo.PurchaseResult, error)
}

// Notifier tells a user about a fresh credit. It returns ledger.ErrUnknownUser
// when the user cannot be reached.
type Notifier interface {
	NotifyPurchase(ctx context.Context, userID string, amount, balance int64) error
}

// Creditor applies payment confirmations at most once per idempotency key.
type Creditor struct {
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewCreditor constructs a Creditor. notifier may be nil.
func NewCreditor(store Store, notifier Notifier, metrics *metrics.Metrics, logger *slog.Logger) *Creditor {
	return &Creditor{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With("component", "purchase"),
	}
}

// SetNotifier replaces the notifier once the chat collaborator is ready.
func (c *Creditor) SetNotifier(n Notifier) {
	c.notifier = n
}

// Apply records the confirmation and credits the user in one atomic step. A
// redelivered key returns the original credit without touching the balance.
// When the user cannot be notified the credit stands and the returned error
// wraps ledger.ErrUnknownUser alongside a non-nil result.
func (c *Creditor) Apply(ctx context.Context, conf Confirmation) (*Result, error) {
	if strings.TrimSpace(conf.IdempotencyKey) == "" {
		c.count("rejected")
		return nil, ErrMissingKey
	}
	if strings.TrimSpace(conf.UserID) == "" {
		c.count("rejected")
		return nil, ledger.ErrInvalidUser
	}
	if conf.Amount <= 0 {
		c.count("rejected")
		return nil, ledger.ErrInvalidAmount
	}

	applied, err := c.store.ApplyPurchase(ctx, repo.PurchaseCredit{
		IdempotencyKey: conf.IdempotencyKey,
		UserID:         conf.UserID,
		Amount:         conf.Amount,
	})
	if err != nil {
		c.count("error")
		c.logger.Error("apply purchase failed", "key", conf.IdempotencyKey, "user_id", conf.UserID, "error", err)
		return nil, ledger.StorageError("apply purchase", err)
	}

	res := &Result{Credit: applied.Credit, Duplicate: !applied.Applied, Balance: applied.Balance}
	if res.Duplicate {
		c.count("duplicate")
		c.logger.Info("duplicate payment confirmation ignored", "key", conf.IdempotencyKey, "user_id", res.Credit.UserID)
		return res, nil
	}

	c.count("applied")
	c.logger.Info("purchase credited", "key", conf.IdempotencyKey, "user_id", conf.UserID, "amount", conf.Amount, "balance", res.Balance)

	if c.notifier == nil {
		return res, nil
	}
	if err := c.notifier.NotifyPurchase(ctx, conf.UserID, conf.Amount, res.Balance); err != nil {
		if errors.Is(err, ledger.ErrUnknownUser) {
			c.logger.Warn("purchase recipient unreachable", "user_id", conf.UserID)
			return res, fmt.Errorf("notify purchase: %w", err)
		}
		c.logger.Warn("purchase notification failed", "user_id", conf.UserID, "error", err)
	}
	return res, nil
}

func (c *Creditor) count(outcome string) {
	if c.metrics != nil {
		c.metrics.Purchases.WithLabelValues(outcome).Inc()
	}
}
