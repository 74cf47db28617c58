package ranking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"economy-bot/internal/metrics"

	"github.com/robfig/cron/v3"
)

// Sink receives every published board.
type Sink interface {
	PublishBoard(ctx context.Context, board *Board) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, board *Board) error

// PublishBoard implements Sink.
func (f SinkFunc) PublishBoard(ctx context.Context, board *Board) error {
	return f(ctx, board)
}

// PublisherConfig configures the periodic ranking publication.
type PublisherConfig struct {
	// Schedule is a cron spec such as "@every 24h" or "0 0 * * *".
	Schedule string
	Size     int
}

// Publisher builds a board once at start and then on every scheduled tick.
type Publisher struct {
	engine  *Engine
	cfg     PublisherConfig
	sinks   []Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(engine *Engine, cfg PublisherConfig, metrics *metrics.Metrics, logger *slog.Logger, sinks ...Sink) *Publisher {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 24h"
	}
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	return &Publisher{
		engine:  engine,
		cfg:     cfg,
		sinks:   sinks,
		metrics: metrics,
		logger:  logger.With("component", "ranking_publisher"),
	}
}

// Run publishes immediately, then on schedule until ctx is cancelled. Failed
// publications are logged and retried on the next tick.
func (p *Publisher) Run(ctx context.Context) error {
	log := cronLogger{logger: p.logger}
	c := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	if _, err := c.AddFunc(p.cfg.Schedule, func() { p.publish(ctx) }); err != nil {
		return fmt.Errorf("schedule ranking publisher %q: %w", p.cfg.Schedule, err)
	}

	p.publish(ctx)
	c.Start()
	p.logger.Info("ranking publisher started", "schedule", p.cfg.Schedule, "size", p.cfg.Size)

	<-ctx.Done()
	<-c.Stop().Done()
	p.logger.Info("ranking publisher stopped")
	return nil
}

func (p *Publisher) publish(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	status := "ok"
	if err := p.PublishOnce(ctx); err != nil {
		status = "error"
		p.logger.Error("publish ranking failed", "error", err)
		if p.metrics != nil {
			p.metrics.Errors.WithLabelValues("ranking_publisher").Inc()
		}
	}
	if p.metrics != nil {
		p.metrics.RankingPublish.WithLabelValues(status).Inc()
	}
}

// PublishOnce builds one board and hands it to every sink. A failing sink does
// not prevent delivery to the others.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	board, err := p.engine.Board(ctx, p.cfg.Size)
	if err != nil {
		return fmt.Errorf("build board: %w", err)
	}
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.PublishBoard(ctx, board); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes each board to the logger.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(_ context.Context, board *Board) error {
		for _, e := range board.Entries {
			logger.Info("ranking entry", "rank", e.Rank, "user_id", e.UserID, "balance", e.Balance)
		}
		logger.Info("ranking published",
			"participants", board.Aggregate.Participants,
			"total", board.Aggregate.Total,
		)
		return nil
	})
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
