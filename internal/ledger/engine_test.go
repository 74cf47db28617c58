package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"economy-bot/internal/metrics"
	"economy-bot/internal/repo"
	"economy-bot/migrations"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, repo.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(store, metrics.Registry("ledger_test"), testLogger(), Config{WithdrawMinimum: 5_000_000}), store
}

func TestCreditDebitScenario(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Credit(ctx, "u", 60000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	balance, err := e.Debit(ctx, "u", 50000)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if balance != 10000 {
		t.Fatalf("expected 10000, got %d", balance)
	}
	if _, err := e.Debit(ctx, "u", 50000); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	balance, _ = e.Balance(ctx, "u")
	if balance != 10000 {
		t.Fatalf("balance changed after failed debit: %d", balance)
	}
}

func TestDebitThenCreditRestoresBalance(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Credit(ctx, "u", 12345); err != nil {
		t.Fatalf("credit: %v", err)
	}
	for _, amount := range []int64{1, 99, 12345, 333} {
		if _, err := e.Debit(ctx, "u", amount); err != nil {
			t.Fatalf("debit %d: %v", amount, err)
		}
		if _, err := e.Credit(ctx, "u", amount); err != nil {
			t.Fatalf("credit %d: %v", amount, err)
		}
		balance, _ := e.Balance(ctx, "u")
		if balance != 12345 {
			t.Fatalf("drift after %d: %d", amount, balance)
		}
	}
}

func TestValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
		want error
	}{
		{"credit zero", func() error { _, err := e.Credit(ctx, "u", 0); return err }, ErrInvalidAmount},
		{"credit negative", func() error { _, err := e.Credit(ctx, "u", -5); return err }, ErrInvalidAmount},
		{"debit zero", func() error { _, err := e.Debit(ctx, "u", 0); return err }, ErrInvalidAmount},
		{"empty user", func() error { _, err := e.Credit(ctx, " ", 5); return err }, ErrInvalidUser},
		{"self transfer", func() error { _, err := e.Transfer(ctx, "u", "u", 5); return err }, ErrSameAccount},
		{"transfer zero", func() error { _, err := e.Transfer(ctx, "u", "v", 0); return err }, ErrInvalidAmount},
		{"percent zero", func() error { _, err := e.DebitPercent(ctx, "u", 0); return err }, ErrInvalidPercent},
		{"percent over", func() error { _, err := e.DebitPercent(ctx, "u", 100.5); return err }, ErrInvalidPercent},
		{"adjust zero", func() error { _, err := e.AdjustBalance(ctx, "u", 0); return err }, ErrInvalidAmount},
		{"withdraw below minimum", func() error { _, err := e.Withdraw(ctx, "u", 4_999_999); return err }, ErrBelowMinimum},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestTransfer(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Credit(ctx, "a", 1000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	res, err := e.Transfer(ctx, "a", "b", 400)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.FromBalance != 600 || res.ToBalance != 400 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := e.Transfer(ctx, "a", "b", 601); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestConcurrentDebits(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Credit(ctx, "u", 5000); err != nil {
		t.Fatalf("credit: %v", err)
	}

	amounts := []int64{700, 1300, 900, 2500, 400, 1100, 600, 800}
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sum int64
	)
	for _, amount := range amounts {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			_, err := e.Debit(ctx, "u", amount)
			switch {
			case err == nil:
				mu.Lock()
				sum += amount
				mu.Unlock()
			case !errors.Is(err, ErrInsufficientFunds):
				t.Errorf("unexpected error: %v", err)
			}
		}(amount)
	}
	wg.Wait()

	balance, _ := e.Balance(ctx, "u")
	if balance != 5000-sum {
		t.Fatalf("expected %d, got %d", 5000-sum, balance)
	}
	if balance < 0 {
		t.Fatalf("overdraft: %d", balance)
	}
}

func TestDebitPercent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Credit(ctx, "u", 10000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	res, err := e.DebitPercent(ctx, "u", 50)
	if err != nil {
		t.Fatalf("debit percent: %v", err)
	}
	if res.Removed != 5000 || res.Balance != 5000 {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = e.DebitPercent(ctx, "u", 12.5)
	if err != nil {
		t.Fatalf("debit fractional percent: %v", err)
	}
	if res.Removed != 625 || res.Balance != 4375 {
		t.Fatalf("unexpected fractional result %+v", res)
	}

	res, err = e.DebitPercent(ctx, "u", 100)
	if err != nil {
		t.Fatalf("debit all: %v", err)
	}
	if res.Balance != 0 {
		t.Fatalf("expected zero balance, got %+v", res)
	}
}

func TestAdjustBalance(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	balance, err := e.AdjustBalance(ctx, "u", 300)
	if err != nil || balance != 300 {
		t.Fatalf("positive adjust: balance=%d err=%v", balance, err)
	}
	balance, err = e.AdjustBalance(ctx, "u", -100)
	if err != nil || balance != 200 {
		t.Fatalf("negative adjust: balance=%d err=%v", balance, err)
	}
	if _, err := e.AdjustBalance(ctx, "u", -201); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Credit(ctx, "u", 6_000_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	balance, err := e.Withdraw(ctx, "u", 5_000_000)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if balance != 1_000_000 {
		t.Fatalf("expected 1000000, got %d", balance)
	}
	if _, err := e.Withdraw(ctx, "u", 5_000_000); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestResetOneAndAll(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for id, amount := range map[string]int64{"u1": 200, "u3": 500} {
		if _, err := e.Credit(ctx, id, amount); err != nil {
			t.Fatalf("credit %s: %v", id, err)
		}
	}
	if err := e.EnsureExists(ctx, "u2"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	count, total, err := e.Preview(ctx)
	if err != nil || count != 2 || total != 700 {
		t.Fatalf("preview: count=%d total=%d err=%v", count, total, err)
	}

	prior, err := e.ResetOne(ctx, "u1")
	if err != nil || prior != 200 {
		t.Fatalf("reset one: prior=%d err=%v", prior, err)
	}

	summary, err := e.ResetAll(ctx)
	if err != nil {
		t.Fatalf("reset all: %v", err)
	}
	if summary.Count != 1 || summary.Total != 500 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestExceptions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.RegisterException(ctx, "u1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	ok, err := e.IsExcepted(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("expected excepted: ok=%v err=%v", ok, err)
	}
	ids, _ := e.Exceptions(ctx)
	if len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("unexpected exceptions %v", ids)
	}
	if err := e.ClearException(ctx, "u1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ok, _ = e.IsExcepted(ctx, "u1")
	if ok {
		t.Fatalf("expected cleared")
	}
}

type brokenStore struct {
	repo.Store
}

var errConnRefused = errors.New("connection refused")

func (brokenStore) ApplyDelta(context.Context, string, int64) (int64, error) {
	return 0, errConnRefused
}

func (brokenStore) GetBalance(context.Context, string) (int64, error) {
	return 0, errConnRefused
}

func TestStorageFailuresAreWrapped(t *testing.T) {
	e := New(brokenStore{}, nil, testLogger(), Config{})
	ctx := context.Background()

	_, err := e.Credit(ctx, "u", 10)
	if !errors.Is(err, ErrStorageUnavailable) || !errors.Is(err, errConnRefused) {
		t.Fatalf("expected wrapped storage error, got %v", err)
	}
	if _, err := e.Balance(ctx, "u"); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage error from balance, got %v", err)
	}
	if IsRejection(err) {
		t.Fatalf("storage failure must not count as rejection")
	}
}

func TestCreditOverflowIsInvalidAmount(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Credit(ctx, "u", repo.MaxBalance-10); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := e.Credit(ctx, "u", 100)
	if !errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.AdjustBalance(ctx, "u", 11); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount from adjust, got %v", err)
	}
	if balance, err := e.Balance(ctx, "u"); err != nil || balance != repo.MaxBalance-10 {
		t.Fatalf("balance after rejected credit: %d, %v", balance, err)
	}
	if _, err := store.SnapshotAll(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
}
