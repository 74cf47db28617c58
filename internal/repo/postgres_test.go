package repo

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"economy-bot/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgStep is one scripted statement: the SQL must contain match, args are
// compared when non-nil, and the statement answers with rows or err.
type pgStep struct {
	match string
	args  []any
	rows  [][]any
	err   error
}

type scriptedPool struct {
	t         *testing.T
	steps     []pgStep
	commits   int
	rollbacks int
}

func newScriptedPostgres(t *testing.T, steps ...pgStep) (*PostgresRepository, *scriptedPool) {
	t.Helper()
	pool := &scriptedPool{t: t, steps: steps}
	t.Cleanup(func() {
		if len(pool.steps) != 0 {
			t.Errorf("%d statements never ran, next: %q", len(pool.steps), pool.steps[0].match)
		}
	})
	return newPostgresFromPool(pool, slog.New(slog.NewTextHandler(io.Discard, nil))), pool
}

func (p *scriptedPool) next(sql string, args []any) pgStep {
	p.t.Helper()
	if len(p.steps) == 0 {
		p.t.Fatalf("unexpected statement: %s", strings.TrimSpace(sql))
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	if !strings.Contains(sql, step.match) {
		p.t.Fatalf("expected statement containing %q, got %s", step.match, strings.TrimSpace(sql))
	}
	if step.args != nil && !reflect.DeepEqual(step.args, args) {
		p.t.Fatalf("statement %q: args %#v, want %#v", step.match, args, step.args)
	}
	return step
}

func (p *scriptedPool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	step := p.next(sql, args)
	if step.err != nil {
		return pgconn.CommandTag{}, step.err
	}
	return pgconn.NewCommandTag("OK 1"), nil
}

func (p *scriptedPool) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	p.t.Fatalf("multi-row query not scripted: %s", strings.TrimSpace(sql))
	return nil, nil
}

func (p *scriptedPool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	step := p.next(sql, args)
	return scriptedRow{step: step}
}

func (p *scriptedPool) Begin(context.Context) (pgx.Tx, error) {
	return &scriptedTx{pool: p}, nil
}

func (p *scriptedPool) Ping(context.Context) error { return nil }

func (p *scriptedPool) Close() {}

type scriptedRow struct {
	step pgStep
}

func (r scriptedRow) Scan(dest ...any) error {
	if r.step.err != nil {
		return r.step.err
	}
	if len(r.step.rows) == 0 {
		return pgx.ErrNoRows
	}
	row := r.step.rows[0]
	if len(row) != len(dest) {
		return errors.New("scan: column count mismatch")
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

// scriptedTx routes statements back to the pool; unused pgx.Tx methods stay nil.
type scriptedTx struct {
	pgx.Tx
	pool   *scriptedPool
	closed bool
}

func (tx *scriptedTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return tx.pool.Exec(ctx, sql, args...)
}

func (tx *scriptedTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return tx.pool.Query(ctx, sql, args...)
}

func (tx *scriptedTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return tx.pool.QueryRow(ctx, sql, args...)
}

func (tx *scriptedTx) Commit(context.Context) error {
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	tx.pool.commits++
	return nil
}

func (tx *scriptedTx) Rollback(context.Context) error {
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	tx.pool.rollbacks++
	return nil
}

func TestPostgresMessagesAcceptChatIDs(t *testing.T) {
	raw, err := fs.ReadFile(migrations.Files, "postgres/001_init.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	idColumn := regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS messages \(\s*id\s+(\w+)`)
	m := idColumn.FindSubmatch(raw)
	if m == nil {
		t.Fatalf("messages table not found in migration")
	}
	if got := string(m[1]); got != "TEXT" {
		t.Fatalf("messages.id must hold arbitrary chat ids, got column type %s", got)
	}
}

func TestPostgresAppendMessage(t *testing.T) {
	const chatID = "3EB0C767D71D2A7A5E3B"
	content := "hello"
	r, pool := newScriptedPostgres(t,
		pgStep{match: "INSERT INTO accounts", args: []any{"628111"}},
		pgStep{match: "FOR UPDATE", args: []any{"628111"}, rows: [][]any{{int64(0)}}},
		pgStep{match: "INSERT INTO messages", args: []any{chatID, "628111", &content, (*time.Time)(nil)}},
		pgStep{match: "SELECT COUNT(*) FROM messages", args: []any{"628111"}, rows: [][]any{{int64(3)}}},
	)

	count, err := r.AppendMessage(context.Background(), MessageRecord{ID: chatID, UserID: "628111", Content: &content})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}
	if pool.commits != 1 || pool.rollbacks != 0 {
		t.Fatalf("expected a single commit, got commits=%d rollbacks=%d", pool.commits, pool.rollbacks)
	}
}

func TestPostgresAppendMessageRollsBackOnInsertFailure(t *testing.T) {
	r, pool := newScriptedPostgres(t,
		pgStep{match: "INSERT INTO accounts"},
		pgStep{match: "FOR UPDATE", rows: [][]any{{int64(0)}}},
		pgStep{match: "INSERT INTO messages", err: errDiskIO},
	)

	if _, err := r.AppendMessage(context.Background(), MessageRecord{ID: "m1", UserID: "u1"}); !errors.Is(err, errDiskIO) {
		t.Fatalf("expected wrapped disk error, got %v", err)
	}
	if pool.commits != 0 || pool.rollbacks != 1 {
		t.Fatalf("expected rollback only, got commits=%d rollbacks=%d", pool.commits, pool.rollbacks)
	}
}

func TestPostgresApplyPurchase(t *testing.T) {
	appliedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	credit := PurchaseCredit{IdempotencyKey: "pay-1", UserID: "u1", Amount: 500, AppliedAt: appliedAt}

	t.Run("first delivery credits", func(t *testing.T) {
		r, pool := newScriptedPostgres(t,
			pgStep{match: "INSERT INTO purchase_credits", args: []any{"pay-1", "u1", int64(500), appliedAt}, rows: [][]any{{appliedAt}}},
			pgStep{match: "INSERT INTO accounts", args: []any{"u1", int64(500)}, rows: [][]any{{int64(700)}}},
		)
		res, err := r.ApplyPurchase(context.Background(), credit)
		if err != nil {
			t.Fatalf("apply purchase: %v", err)
		}
		if !res.Applied || res.Balance != 700 {
			t.Fatalf("unexpected result %+v", res)
		}
		if pool.commits != 1 {
			t.Fatalf("expected commit, got %d", pool.commits)
		}
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		earlier := appliedAt.Add(-time.Hour)
		r, _ := newScriptedPostgres(t,
			pgStep{match: "INSERT INTO purchase_credits"},
			pgStep{match: "SELECT idempotency_key", args: []any{"pay-1"}, rows: [][]any{{"pay-1", "u1", int64(500), earlier}}},
			pgStep{match: "SELECT COALESCE", args: []any{"u1"}, rows: [][]any{{int64(700)}}},
		)
		res, err := r.ApplyPurchase(context.Background(), credit)
		if err != nil {
			t.Fatalf("apply purchase: %v", err)
		}
		if res.Applied || res.Balance != 700 || !res.Credit.AppliedAt.Equal(earlier) {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("overflow rolls back", func(t *testing.T) {
		r, pool := newScriptedPostgres(t,
			pgStep{match: "INSERT INTO purchase_credits", rows: [][]any{{appliedAt}}},
			pgStep{match: "INSERT INTO accounts", err: &pgconn.PgError{Code: pgNumericOutOfRange}},
		)
		_, err := r.ApplyPurchase(context.Background(), credit)
		if !errors.Is(err, ErrBalanceOverflow) {
			t.Fatalf("expected ErrBalanceOverflow, got %v", err)
		}
		if pool.commits != 0 || pool.rollbacks != 1 {
			t.Fatalf("expected rollback only, got commits=%d rollbacks=%d", pool.commits, pool.rollbacks)
		}
	})
}

func TestPostgresTransfer(t *testing.T) {
	// Rows are locked in user_id order regardless of direction.
	lockSteps := func(amy, zed int64) []pgStep {
		return []pgStep{
			{match: "INSERT INTO accounts", args: []any{"amy"}},
			{match: "FOR UPDATE", args: []any{"amy"}, rows: [][]any{{amy}}},
			{match: "INSERT INTO accounts", args: []any{"zed"}},
			{match: "FOR UPDATE", args: []any{"zed"}, rows: [][]any{{zed}}},
		}
	}

	t.Run("moves funds", func(t *testing.T) {
		steps := append(lockSteps(10, 100),
			pgStep{match: "balance - $2", args: []any{"zed", int64(30)}, rows: [][]any{{int64(70)}}},
			pgStep{match: "balance + $2", args: []any{"amy", int64(30)}, rows: [][]any{{int64(40)}}},
		)
		r, pool := newScriptedPostgres(t, steps...)
		res, err := r.Transfer(context.Background(), "zed", "amy", 30)
		if err != nil {
			t.Fatalf("transfer: %v", err)
		}
		if res.FromBalance != 70 || res.ToBalance != 40 {
			t.Fatalf("unexpected result %+v", res)
		}
		if pool.commits != 1 {
			t.Fatalf("expected commit, got %d", pool.commits)
		}
	})

	t.Run("insufficient funds", func(t *testing.T) {
		r, pool := newScriptedPostgres(t, lockSteps(10, 20)...)
		if _, err := r.Transfer(context.Background(), "zed", "amy", 30); !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		if pool.commits != 0 || pool.rollbacks != 1 {
			t.Fatalf("expected rollback only, got commits=%d rollbacks=%d", pool.commits, pool.rollbacks)
		}
	})

	t.Run("credit overflow", func(t *testing.T) {
		r, pool := newScriptedPostgres(t, lockSteps(MaxBalance-10, 100)...)
		if _, err := r.Transfer(context.Background(), "zed", "amy", 50); !errors.Is(err, ErrBalanceOverflow) {
			t.Fatalf("expected ErrBalanceOverflow, got %v", err)
		}
		if pool.commits != 0 || pool.rollbacks != 1 {
			t.Fatalf("expected rollback only, got commits=%d rollbacks=%d", pool.commits, pool.rollbacks)
		}
	})

	t.Run("check violation maps to insufficient funds", func(t *testing.T) {
		steps := append(lockSteps(10, 100),
			pgStep{match: "balance - $2", err: &pgconn.PgError{Code: pgCheckViolation}},
		)
		r, _ := newScriptedPostgres(t, steps...)
		if _, err := r.Transfer(context.Background(), "zed", "amy", 30); !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
	})
}

func TestPostgresApplyDeltaOverflow(t *testing.T) {
	r, _ := newScriptedPostgres(t,
		pgStep{match: "INSERT INTO accounts", args: []any{"u1", int64(100)}, err: &pgconn.PgError{Code: pgNumericOutOfRange}},
	)
	if _, err := r.ApplyDelta(context.Background(), "u1", 100); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
}
