package confirm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"economy-bot/internal/repo"
)

type fakeResetter struct {
	mu     sync.Mutex
	resets int
	err    error
}

func (f *fakeResetter) Preview(context.Context) (int, int64, error) {
	return 2, 700, nil
}

func (f *fakeResetter) ResetAll(context.Context) (*repo.ResetSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	if f.err != nil {
		return nil, f.err
	}
	return &repo.ResetSummary{Count: 2, Total: 700}, nil
}

func (f *fakeResetter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

func newWorkflow(t *testing.T, r Resetter, timeout time.Duration) *Workflow {
	t.Helper()
	w := New(r, Config{Timeout: timeout, Retention: time.Minute}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(w.Close)
	return w
}

func TestProposeReturnsPreview(t *testing.T) {
	w := newWorkflow(t, &fakeResetter{}, time.Minute)

	ticket, err := w.Propose(context.Background(), "admin")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if ticket.State != StateProposed || ticket.Preview.Accounts != 2 || ticket.Preview.Total != 700 {
		t.Fatalf("unexpected ticket %+v", ticket)
	}
	if !ticket.Deadline.After(ticket.CreatedAt) {
		t.Fatalf("deadline must follow creation")
	}
}

func TestConfirmRunsResetOnce(t *testing.T) {
	r := &fakeResetter{}
	w := newWorkflow(t, r, time.Minute)
	ctx := context.Background()

	ticket, _ := w.Propose(ctx, "admin")
	summary, err := w.Confirm(ctx, ticket.ID, "admin")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if summary.Count != 2 || summary.Total != 700 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if _, err := w.Confirm(ctx, ticket.ID, "admin"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if err := w.Cancel(ticket.ID, "admin"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved on cancel, got %v", err)
	}
	if r.calls() != 1 {
		t.Fatalf("expected one reset, got %d", r.calls())
	}
	got, _ := w.Get(ticket.ID)
	if got.State != StateConfirmed || got.Result == nil {
		t.Fatalf("unexpected ticket %+v", got)
	}
}

func TestOnlyRequesterMayRespond(t *testing.T) {
	r := &fakeResetter{}
	w := newWorkflow(t, r, time.Minute)
	ctx := context.Background()

	ticket, _ := w.Propose(ctx, "admin")
	if _, err := w.Confirm(ctx, ticket.ID, "intruder"); !errors.Is(err, ErrNotRequester) {
		t.Fatalf("expected ErrNotRequester, got %v", err)
	}
	if err := w.Cancel(ticket.ID, "intruder"); !errors.Is(err, ErrNotRequester) {
		t.Fatalf("expected ErrNotRequester on cancel, got %v", err)
	}
	got, _ := w.Get(ticket.ID)
	if got.State != StateProposed {
		t.Fatalf("ticket must stay proposed, got %s", got.State)
	}
	if err := w.Cancel(ticket.ID, "admin"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.calls() != 0 {
		t.Fatalf("cancel must not reset")
	}
}

func TestTicketExpires(t *testing.T) {
	r := &fakeResetter{}
	w := newWorkflow(t, r, 30*time.Millisecond)
	ctx := context.Background()

	ticket, _ := w.Propose(ctx, "admin")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := w.Get(ticket.ID); got.State == StateExpired {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := w.Get(ticket.ID)
	if got.State != StateExpired {
		t.Fatalf("expected expired, got %s", got.State)
	}
	if _, err := w.Confirm(ctx, ticket.ID, "admin"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if r.calls() != 0 {
		t.Fatalf("expired ticket must never reset")
	}
}

func TestConcurrentConfirmResolvesOnce(t *testing.T) {
	r := &fakeResetter{}
	w := newWorkflow(t, r, time.Minute)
	ctx := context.Background()
	ticket, _ := w.Propose(ctx, "admin")

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.Confirm(ctx, ticket.ID, "admin"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 1 || r.calls() != 1 {
		t.Fatalf("expected exactly one confirmation, got %d (resets %d)", ok, r.calls())
	}
}

func TestFailedResetConsumesTicket(t *testing.T) {
	r := &fakeResetter{err: errors.New("db down")}
	w := newWorkflow(t, r, time.Minute)
	ctx := context.Background()

	ticket, _ := w.Propose(ctx, "admin")
	if _, err := w.Confirm(ctx, ticket.ID, "admin"); err == nil {
		t.Fatalf("expected reset error")
	}
	if _, err := w.Confirm(ctx, ticket.ID, "admin"); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestUnknownTicket(t *testing.T) {
	w := newWorkflow(t, &fakeResetter{}, time.Minute)
	if _, err := w.Confirm(context.Background(), "nope", "admin"); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

// ledgerResetter zeroes its balances only while the context is live.
type ledgerResetter struct {
	mu       sync.Mutex
	balances map[string]int64
}

func (l *ledgerResetter) Preview(context.Context) (int, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var count int
	var total int64
	for _, b := range l.balances {
		if b > 0 {
			count++
			total += b
		}
	}
	return count, total, nil
}

func (l *ledgerResetter) ResetAll(ctx context.Context) (*repo.ResetSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	summary := &repo.ResetSummary{}
	for id, b := range l.balances {
		if b > 0 {
			summary.Count++
			summary.Total += b
			l.balances[id] = 0
		}
	}
	return summary, nil
}

func TestConfirmSurvivesCancelledContext(t *testing.T) {
	r := &ledgerResetter{balances: map[string]int64{"u1": 200, "u2": 0, "u3": 500}}
	w := newWorkflow(t, r, time.Minute)

	ticket, err := w.Propose(context.Background(), "admin")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := w.Confirm(ctx, ticket.ID, "admin")
	if err != nil {
		t.Fatalf("confirm with cancelled context: %v", err)
	}
	if summary.Count != 2 || summary.Total != 700 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	r.mu.Lock()
	u1, u3 := r.balances["u1"], r.balances["u3"]
	r.mu.Unlock()
	if u1 != 0 || u3 != 0 {
		t.Fatalf("reset not applied: u1=%d u3=%d", u1, u3)
	}

	got, err := w.Get(ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateConfirmed || got.Result == nil || got.Result.Total != 700 {
		t.Fatalf("unexpected ticket %+v", got)
	}
}
