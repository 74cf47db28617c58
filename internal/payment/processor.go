package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"economy-bot/internal/ledger"
	"economy-bot/internal/purchase"
)

// Creditor applies confirmed payments.
type Creditor interface {
	Apply(ctx context.Context, conf purchase.Confirmation) (*purchase.Result, error)
}

// PurchaseProcessor turns approved payment events into purchase credits.
type PurchaseProcessor struct {
	creditor     Creditor
	coinsPerUnit int64
	logger       *slog.Logger
}

// NewPurchaseProcessor constructs a PurchaseProcessor. coinsPerUnit is how many
// coins one currency unit buys.
func NewPurchaseProcessor(creditor Creditor, coinsPerUnit int64, logger *slog.Logger) *PurchaseProcessor {
	if coinsPerUnit <= 0 {
		coinsPerUnit = 1000
	}
	return &PurchaseProcessor{
		creditor:     creditor,
		coinsPerUnit: coinsPerUnit,
		logger:       logger.With("component", "payment_processor"),
	}
}

// HandlePaymentEvent credits approved payments and acknowledges everything else.
func (p *PurchaseProcessor) HandlePaymentEvent(ctx context.Context, event Event) error {
	if !event.Approved() {
		p.logger.Info("ignoring payment event", "payment_id", event.ID, "type", event.Type, "status", event.Status)
		return nil
	}
	if event.ID == "" || event.ExternalReference == "" {
		return fmt.Errorf("%w: missing id or external_reference", ErrMalformedEvent)
	}
	amount, err := p.Convert(event.TransactionAmount)
	if err != nil {
		return err
	}

	res, err := p.creditor.Apply(ctx, purchase.Confirmation{
		IdempotencyKey: event.ID,
		UserID:         event.ExternalReference,
		Amount:         amount,
	})
	if errors.Is(err, ledger.ErrUnknownUser) {
		p.logger.Warn("payment credited but buyer unreachable", "payment_id", event.ID, "user_id", event.ExternalReference)
		return nil
	}
	if ledger.IsRejection(err) {
		return fmt.Errorf("%w: payment %s: %v", ErrMalformedEvent, event.ID, err)
	}
	if err != nil {
		return fmt.Errorf("apply payment %s: %w", event.ID, err)
	}
	p.logger.Info("payment processed", "payment_id", event.ID, "user_id", event.ExternalReference, "amount", amount, "duplicate", res.Duplicate)
	return nil
}

// Convert turns a currency amount such as "12.50" into coin minor units.
func (p *PurchaseProcessor) Convert(currencyAmount string) (int64, error) {
	cents, err := ledger.ParseAmount(currencyAmount)
	if err != nil {
		return 0, fmt.Errorf("%w: transaction_amount: %v", ErrMalformedEvent, err)
	}
	if cents > math.MaxInt64/p.coinsPerUnit {
		return 0, fmt.Errorf("%w: transaction_amount overflows", ErrMalformedEvent)
	}
	return cents * p.coinsPerUnit, nil
}
