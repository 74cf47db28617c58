package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"economy-bot/internal/metrics"
	"economy-bot/internal/repo"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyResolved is returned when a ticket was already confirmed or cancelled.
	ErrAlreadyResolved = errors.New("confirm: ticket already resolved")
	// ErrExpired is returned when a ticket passed its deadline unanswered.
	ErrExpired = errors.New("confirm: ticket expired")
	// ErrTicketNotFound is returned for unknown or forgotten tickets.
	ErrTicketNotFound = errors.New("confirm: ticket not found")
	// ErrNotRequester is returned when someone other than the requester responds.
	ErrNotRequester = errors.New("confirm: responder is not the requester")
)

// State is the lifecycle position of a ticket.
type State string

const (
	StateProposed  State = "proposed"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// resetTimeout bounds a confirmed reset detached from the caller's context.
const resetTimeout = 2 * time.Minute

// Preview describes what a reset would affect at proposal time.
type Preview struct {
	Accounts int   `json:"accounts"`
	Total    int64 `json:"total"`
}

// Ticket is a pending or resolved bulk reset request.
type Ticket struct {
	ID          string             `json:"id"`
	RequesterID string             `json:"requester_id"`
	State       State              `json:"state"`
	CreatedAt   time.Time          `json:"created_at"`
	Deadline    time.Time          `json:"deadline"`
	Preview     Preview            `json:"preview"`
	Result      *repo.ResetSummary `json:"result,omitempty"`
}

// Resetter performs the guarded mutation.
type Resetter interface {
	Preview(ctx context.Context) (count int, total int64, err error)
	ResetAll(ctx context.Context) (*repo.ResetSummary, error)
}

// Config configures the workflow.
type Config struct {
	// Timeout is how long a ticket waits for a response.
	Timeout time.Duration
	// Retention is how long resolved tickets are remembered.
	Retention time.Duration
}

type entry struct {
	ticket Ticket
	timer  *time.Timer
}

// Workflow guards ResetAll behind a per-request confirmation ticket. Tickets
// live in memory only.
type Workflow struct {
	mu       sync.Mutex
	tickets  map[string]*entry
	resetter Resetter
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New constructs a Workflow.
func New(resetter Resetter, cfg Config, metrics *metrics.Metrics, logger *slog.Logger) *Workflow {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = cfg.Timeout
	}
	return &Workflow{
		tickets:  make(map[string]*entry),
		resetter: resetter,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("component", "reset_workflow"),
	}
}

// Propose opens a ticket for requesterID with a preview of the affected accounts.
func (w *Workflow) Propose(ctx context.Context, requesterID string) (Ticket, error) {
	if strings.TrimSpace(requesterID) == "" {
		return Ticket{}, fmt.Errorf("propose reset: empty requester")
	}
	count, total, err := w.resetter.Preview(ctx)
	if err != nil {
		return Ticket{}, fmt.Errorf("preview reset: %w", err)
	}

	now := time.Now().UTC()
	t := Ticket{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		State:       StateProposed,
		CreatedAt:   now,
		Deadline:    now.Add(w.cfg.Timeout),
		Preview:     Preview{Accounts: count, Total: total},
	}

	w.mu.Lock()
	e := &entry{ticket: t}
	w.tickets[t.ID] = e
	e.timer = time.AfterFunc(w.cfg.Timeout, func() { w.expire(t.ID) })
	w.mu.Unlock()

	w.count("proposed")
	w.logger.Info("reset proposed", "ticket", t.ID, "requester", requesterID, "accounts", count, "total", total)
	return t, nil
}

// Confirm resolves the ticket and runs the reset. The ticket is consumed even
// when the reset itself fails. Once the ticket is confirmed the reset runs to
// completion regardless of ctx cancellation, bounded by resetTimeout.
func (w *Workflow) Confirm(ctx context.Context, ticketID, responderID string) (*repo.ResetSummary, error) {
	if err := w.resolve(ticketID, responderID, StateConfirmed); err != nil {
		return nil, err
	}

	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()
	summary, err := w.resetter.ResetAll(resetCtx)
	if err != nil {
		w.logger.Error("confirmed reset failed", "ticket", ticketID, "error", err)
		return nil, fmt.Errorf("reset all: %w", err)
	}

	w.mu.Lock()
	if e, ok := w.tickets[ticketID]; ok {
		e.ticket.Result = summary
	}
	w.mu.Unlock()

	w.logger.Info("reset confirmed", "ticket", ticketID, "accounts", summary.Count, "total", summary.Total)
	return summary, nil
}

// Cancel resolves the ticket without mutation.
func (w *Workflow) Cancel(ticketID, responderID string) error {
	if err := w.resolve(ticketID, responderID, StateCancelled); err != nil {
		return err
	}
	w.logger.Info("reset cancelled", "ticket", ticketID)
	return nil
}

// Get returns a copy of the ticket.
func (w *Workflow) Get(ticketID string) (Ticket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.tickets[ticketID]
	if !ok {
		return Ticket{}, ErrTicketNotFound
	}
	return e.ticket, nil
}

// Close stops every pending timer.
func (w *Workflow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, e := range w.tickets {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(w.tickets, id)
	}
}

func (w *Workflow) resolve(ticketID, responderID string, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.tickets[ticketID]
	if !ok {
		return ErrTicketNotFound
	}
	switch e.ticket.State {
	case StateExpired:
		return ErrExpired
	case StateConfirmed, StateCancelled:
		return ErrAlreadyResolved
	}
	if !time.Now().Before(e.ticket.Deadline) {
		w.markExpiredLocked(e)
		return ErrExpired
	}
	if responderID != e.ticket.RequesterID {
		return ErrNotRequester
	}

	e.ticket.State = to
	w.retireLocked(e)
	w.count(string(to))
	return nil
}

func (w *Workflow) expire(ticketID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.tickets[ticketID]; ok && e.ticket.State == StateProposed {
		w.markExpiredLocked(e)
	}
}

func (w *Workflow) markExpiredLocked(e *entry) {
	e.ticket.State = StateExpired
	w.retireLocked(e)
	w.count(string(StateExpired))
	w.logger.Info("reset ticket expired", "ticket", e.ticket.ID)
}

// retireLocked replaces the expiry timer with one that forgets the ticket.
func (w *Workflow) retireLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	id := e.ticket.ID
	e.timer = time.AfterFunc(w.cfg.Retention, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if cur, ok := w.tickets[id]; ok && cur == e {
			delete(w.tickets, id)
		}
	})
}

func (w *Workflow) count(outcome string) {
	if w.metrics != nil {
		w.metrics.ResetWorkflow.WithLabelValues(outcome).Inc()
	}
}
