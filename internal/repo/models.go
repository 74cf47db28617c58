package repo

import "time"

// AccountBalance is one row of the accounts table as seen by readers.
type AccountBalance struct {
	UserID  string
	Balance int64
}

// MessageRecord is an entry of the append-only message log.
type MessageRecord struct {
	ID        string
	UserID    string
	Content   *string
	CreatedAt time.Time
}

// PurchaseCredit records an externally confirmed payment applied as a credit.
type PurchaseCredit struct {
	IdempotencyKey string
	UserID         string
	Amount         int64
	AppliedAt      time.Time
}

// PurchaseResult reports the outcome of ApplyPurchase. Applied is false when the
// idempotency key had already been recorded; Credit then holds the original row.
type PurchaseResult struct {
	Credit  PurchaseCredit
	Applied bool
	Balance int64
}

// TransferResult carries both balances after a transfer.
type TransferResult struct {
	FromBalance int64
	ToBalance   int64
}

// PercentDebit carries the outcome of a percentage debit.
type PercentDebit struct {
	Previous int64
	Removed  int64
	Balance  int64
}

// ResetSummary lists every account zeroed by ResetAll with its prior balance.
type ResetSummary struct {
	Accounts []AccountBalance
	Count    int
	Total    int64
}

func newResetSummary(accounts []AccountBalance) *ResetSummary {
	summary := &ResetSummary{Accounts: accounts, Count: len(accounts)}
	for _, acc := range accounts {
		summary.Total += acc.Balance
	}
	return summary
}

// PortionOf returns floor(balance * basisPoints / 10000) without overflowing
// for any non-negative balance and basisPoints <= 10000.
func PortionOf(balance, basisPoints int64) int64 {
	if balance <= 0 || basisPoints <= 0 {
		return 0
	}
	return (balance/10000)*basisPoints + (balance%10000)*basisPoints/10000
}
