package rewards

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"economy-bot/internal/metrics"
)

// Ledger is the subset of the ledger engine used by reward components.
type Ledger interface {
	EnsureExists(ctx context.Context, userID string) error
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
	IsExcepted(ctx context.Context, userID string) (bool, error)
}

// PresenceSource lists users currently in a qualifying presence.
type PresenceSource interface {
	Qualifying() []string
}

// AccrualConfig configures voice presence accrual.
type AccrualConfig struct {
	Interval time.Duration
	Reward   int64
}

// TickReport summarises one accrual tick.
type TickReport struct {
	Credited int
	Excepted int
	Failed   int
}

// Accrual credits every qualifying, non-excepted user on a fixed period.
type Accrual struct {
	ledger  Ledger
	source  PresenceSource
	cfg     AccrualConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewAccrual constructs an Accrual. source may be nil when presence ticks are
// pushed through OnPresenceTick only.
func NewAccrual(ledger Ledger, source PresenceSource, cfg AccrualConfig, metrics *metrics.Metrics, logger *slog.Logger) *Accrual {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Reward <= 0 {
		cfg.Reward = 600
	}
	return &Accrual{
		ledger:  ledger,
		source:  source,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "accrual"),
	}
}

// Run polls the presence source every interval until ctx is cancelled. A
// failing tick is logged and the loop carries on.
func (a *Accrual) Run(ctx context.Context) error {
	if a.source == nil {
		return fmt.Errorf("accrual has no presence source")
	}
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info("accrual started", "interval", a.cfg.Interval, "reward", a.cfg.Reward)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("accrual stopped")
			return nil
		case <-ticker.C:
			a.safeTick(ctx)
		}
	}
}

func (a *Accrual) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("accrual tick panicked", "panic", r)
			a.countError()
		}
	}()
	report := a.OnPresenceTick(ctx, a.source.Qualifying())
	if report.Credited+report.Failed > 0 {
		a.logger.Debug("accrual tick", "credited", report.Credited, "excepted", report.Excepted, "failed", report.Failed)
	}
}

// OnPresenceTick credits each distinct user in userIDs once. Failures are
// isolated per user.
func (a *Accrual) OnPresenceTick(ctx context.Context, userIDs []string) TickReport {
	var report TickReport
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		switch outcome := a.creditOne(ctx, id); outcome {
		case "credited":
			report.Credited++
		case "excepted":
			report.Excepted++
		default:
			report.Failed++
		}
	}
	return report
}

func (a *Accrual) creditOne(ctx context.Context, userID string) (outcome string) {
	defer func() {
		if a.metrics != nil {
			a.metrics.AccrualCredits.WithLabelValues(outcome).Inc()
		}
	}()

	excepted, err := a.ledger.IsExcepted(ctx, userID)
	if err != nil {
		a.logger.Warn("check exception failed", "user_id", userID, "error", err)
		a.countError()
		return "failed"
	}
	if excepted {
		return "excepted"
	}
	if err := a.ledger.EnsureExists(ctx, userID); err != nil {
		a.logger.Warn("ensure account failed", "user_id", userID, "error", err)
		a.countError()
		return "failed"
	}
	if _, err := a.ledger.Credit(ctx, userID, a.cfg.Reward); err != nil {
		a.logger.Warn("accrual credit failed", "user_id", userID, "error", err)
		a.countError()
		return "failed"
	}
	return "credited"
}

func (a *Accrual) countError() {
	if a.metrics != nil {
		a.metrics.Errors.WithLabelValues("accrual").Inc()
	}
}
