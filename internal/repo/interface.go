package repo

import (
	"context"
	"errors"
	"io/fs"
	"math"
)

// MaxBalance is the largest balance an account can hold.
const MaxBalance int64 = math.MaxInt64

var (
	// ErrInsufficientFunds indicates a mutation would drive a balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNegativeBalance indicates an absolute balance below zero was requested.
	ErrNegativeBalance = errors.New("negative balance")
	// ErrBalanceOverflow indicates a credit would push a balance past MaxBalance.
	ErrBalanceOverflow = errors.New("balance overflow")
)

// Store defines the interface for ledger persistence. Every balance mutation is
// atomic per call and never leaves a balance below zero.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Accounts
	EnsureAccount(ctx context.Context, userID string) error
	GetBalance(ctx context.Context, userID string) (int64, error)
	ApplyDelta(ctx context.Context, userID string, delta int64) (int64, error)
	SetBalance(ctx context.Context, userID string, value int64) (int64, error)
	DebitBasisPoints(ctx context.Context, userID string, basisPoints int64) (*PercentDebit, error)
	Transfer(ctx context.Context, fromID, toID string, amount int64) (*TransferResult, error)
	ResetAll(ctx context.Context) (*ResetSummary, error)
	SnapshotAll(ctx context.Context) ([]AccountBalance, error)

	// Exceptions
	AddException(ctx context.Context, userID string) error
	RemoveException(ctx context.Context, userID string) error
	IsExcepted(ctx context.Context, userID string) (bool, error)
	ListExceptions(ctx context.Context) ([]string, error)

	// Messages
	AppendMessage(ctx context.Context, msg MessageRecord) (int64, error)

	// Purchases
	ApplyPurchase(ctx context.Context, credit PurchaseCredit) (*PurchaseResult, error)
	GetPurchase(ctx context.Context, idempotencyKey string) (*PurchaseCredit, error)
}
