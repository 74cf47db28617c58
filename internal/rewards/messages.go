package rewards

import (
	"context"
	"log/slog"
	"time"

	"economy-bot/internal/metrics"
	"economy-bot/internal/repo"
)

// MessageLog appends a message and returns the author's durable message count.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg repo.MessageRecord) (int64, error)
}

// Message is an inbound chat message.
type Message struct {
	ID      string
	UserID  string
	Content string
	Bot     bool
	SentAt  time.Time
}

// MessageOutcome describes what OnMessage did with a message.
type MessageOutcome string

const (
	OutcomeIgnored  MessageOutcome = "ignored"
	OutcomeRecorded MessageOutcome = "recorded"
	OutcomeRewarded MessageOutcome = "rewarded"
	OutcomeExcepted MessageOutcome = "excepted"
	OutcomeFailed   MessageOutcome = "failed"
)

// MessageConfig configures milestone rewards.
type MessageConfig struct {
	Milestone int64
	Reward    int64
}

// MessageTracker credits a reward each time a user's message count reaches a
// multiple of the milestone.
type MessageTracker struct {
	log     MessageLog
	ledger  Ledger
	cfg     MessageConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMessageTracker constructs a MessageTracker.
func NewMessageTracker(log MessageLog, ledger Ledger, cfg MessageConfig, metrics *metrics.Metrics, logger *slog.Logger) *MessageTracker {
	if cfg.Milestone <= 0 {
		cfg.Milestone = 10
	}
	if cfg.Reward <= 0 {
		cfg.Reward = 300
	}
	return &MessageTracker{
		log:     log,
		ledger:  ledger,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "message_rewards"),
	}
}

// OnMessage records msg and credits the milestone reward when due. Errors are
// logged and reported through the outcome only.
//
// The store returns a distinct count for every appended message of a user, so
// each multiple of the milestone is observed exactly once.
func (t *MessageTracker) OnMessage(ctx context.Context, msg Message) (outcome MessageOutcome) {
	defer func() {
		if t.metrics != nil {
			t.metrics.MessageRewards.WithLabelValues(string(outcome)).Inc()
		}
	}()

	if msg.Bot || msg.UserID == "" {
		return OutcomeIgnored
	}

	record := repo.MessageRecord{ID: msg.ID, UserID: msg.UserID, CreatedAt: msg.SentAt}
	if msg.Content != "" {
		content := msg.Content
		record.Content = &content
	}
	count, err := t.log.AppendMessage(ctx, record)
	if err != nil {
		t.logger.Warn("append message failed", "user_id", msg.UserID, "error", err)
		t.countError()
		return OutcomeFailed
	}
	if count <= 0 || count%t.cfg.Milestone != 0 {
		return OutcomeRecorded
	}

	excepted, err := t.ledger.IsExcepted(ctx, msg.UserID)
	if err != nil {
		t.logger.Warn("check exception failed", "user_id", msg.UserID, "error", err)
		t.countError()
		return OutcomeFailed
	}
	if excepted {
		return OutcomeExcepted
	}
	balance, err := t.ledger.Credit(ctx, msg.UserID, t.cfg.Reward)
	if err != nil {
		t.logger.Warn("message reward failed", "user_id", msg.UserID, "count", count, "error", err)
		t.countError()
		return OutcomeFailed
	}
	t.logger.Info("message milestone rewarded", "user_id", msg.UserID, "count", count, "balance", balance)
	return OutcomeRewarded
}

func (t *MessageTracker) countError() {
	if t.metrics != nil {
		t.metrics.Errors.WithLabelValues("message_rewards").Inc()
	}
}
