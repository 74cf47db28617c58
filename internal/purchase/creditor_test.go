package purchase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"economy-bot/internal/ledger"
	"economy-bot/internal/repo"
	"economy-bot/migrations"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) repo.Store {
	t.Helper()
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "purchase.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (n *recordingNotifier) NotifyPurchase(_ context.Context, userID string, _, _ int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID)
	return n.err
}

func TestApplyCreditsExactlyOnce(t *testing.T) {
	store := newStore(t)
	notifier := &recordingNotifier{}
	c := NewCreditor(store, notifier, nil, testLogger())
	ctx := context.Background()

	first, err := c.Apply(ctx, Confirmation{IdempotencyKey: "pay-1", UserID: "u1", Amount: 1000})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if first.Duplicate || first.Balance != 1000 {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := c.Apply(ctx, Confirmation{IdempotencyKey: "pay-1", UserID: "u1", Amount: 5000})
	if err != nil {
		t.Fatalf("apply duplicate: %v", err)
	}
	if !second.Duplicate || second.Credit.Amount != 1000 {
		t.Fatalf("unexpected duplicate result %+v", second)
	}

	balance, _ := store.GetBalance(ctx, "u1")
	if balance != 1000 {
		t.Fatalf("expected single credit of 1000, got %d", balance)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("duplicates must not notify, got %d notifications", len(notifier.calls))
	}
}

func TestApplyConcurrentRedelivery(t *testing.T) {
	store := newStore(t)
	c := NewCreditor(store, nil, nil, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Apply(ctx, Confirmation{IdempotencyKey: "pay-9", UserID: "u1", Amount: 700}); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, _ := store.GetBalance(ctx, "u1")
	if balance != 700 {
		t.Fatalf("expected 700, got %d", balance)
	}
}

func TestApplyUnknownUserStillCredits(t *testing.T) {
	store := newStore(t)
	c := NewCreditor(store, &recordingNotifier{err: ledger.ErrUnknownUser}, nil, testLogger())

	res, err := c.Apply(context.Background(), Confirmation{IdempotencyKey: "pay-2", UserID: "ghost", Amount: 300})
	if !errors.Is(err, ledger.ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if res == nil || res.Balance != 300 {
		t.Fatalf("credit must stand, got %+v", res)
	}
}

func TestApplyIgnoresOtherNotifyFailures(t *testing.T) {
	store := newStore(t)
	c := NewCreditor(store, &recordingNotifier{err: errors.New("socket closed")}, nil, testLogger())

	if _, err := c.Apply(context.Background(), Confirmation{IdempotencyKey: "pay-3", UserID: "u1", Amount: 300}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestApplyValidation(t *testing.T) {
	c := NewCreditor(newStore(t), nil, nil, testLogger())
	ctx := context.Background()

	cases := []struct {
		name string
		conf Confirmation
		want error
	}{
		{"missing key", Confirmation{UserID: "u", Amount: 1}, ErrMissingKey},
		{"missing user", Confirmation{IdempotencyKey: "k", Amount: 1}, ledger.ErrInvalidUser},
		{"zero amount", Confirmation{IdempotencyKey: "k", UserID: "u"}, ledger.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Apply(ctx, tc.conf); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

type brokenStore struct{}

func (brokenStore) ApplyPurchase(context.Context, repo.PurchaseCredit) (*repo.PurchaseResult, error) {
	return nil, errors.New("database is locked")
}

func TestApplyStorageFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	c := NewCreditor(brokenStore{}, notifier, nil, testLogger())

	_, err := c.Apply(context.Background(), Confirmation{IdempotencyKey: "k", UserID: "u", Amount: 1})
	if !errors.Is(err, ledger.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if len(notifier.calls) != 0 {
		t.Fatalf("must not notify on failure")
	}
}
