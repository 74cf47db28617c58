package ledger

import (
	"errors"
	"fmt"

	"economy-bot/internal/repo"
)

var (
	// ErrInvalidAmount is returned for non-positive or malformed amounts.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInvalidPercent is returned for percentages outside (0, 100].
	ErrInvalidPercent = errors.New("ledger: invalid percent")
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = repo.ErrInsufficientFunds
	// ErrSameAccount is returned when a transfer names one account twice.
	ErrSameAccount = errors.New("ledger: cannot transfer to the same account")
	// ErrUnknownUser is returned when a collaborator cannot resolve a user to notify.
	ErrUnknownUser = errors.New("ledger: unknown user")
	// ErrStorageUnavailable wraps every durable store failure.
	ErrStorageUnavailable = errors.New("ledger: storage unavailable")
	// ErrInvalidUser is returned for an empty user identifier.
	ErrInvalidUser = errors.New("ledger: invalid user id")
	// ErrBelowMinimum is returned when a withdrawal is smaller than the configured minimum.
	ErrBelowMinimum = errors.New("ledger: amount below minimum")
)

// StorageError wraps a store failure so callers can match ErrStorageUnavailable
// and the underlying cause. Insufficient funds passes through unchanged and a
// balance overflow becomes ErrInvalidAmount.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrInsufficientFunds) {
		return ErrInsufficientFunds
	}
	if errors.Is(err, repo.ErrBalanceOverflow) {
		return fmt.Errorf("%w: %s: resulting balance too large", ErrInvalidAmount, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// IsRejection reports whether err is a validation or funds failure rather than
// an infrastructure one.
func IsRejection(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidPercent),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrSameAccount),
		errors.Is(err, ErrInvalidUser),
		errors.Is(err, ErrBelowMinimum):
		return true
	}
	return false
}
