package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"economy-bot/internal/ranking"

	"github.com/redis/go-redis/v9"
)

const (
	// DailyBoardKey holds the last published ranking board.
	DailyBoardKey = "ranking:daily"
	// DailyBoardTTL keeps a board through one missed publication.
	DailyBoardTTL = 48 * time.Hour
	// ArchiveTTL is how long dated boards stay readable.
	ArchiveTTL = 30 * 24 * time.Hour

	archivePrefix = "ranking:board:"
	dayLayout     = "2006-01-02"
)

// Redis stores published ranking boards.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Redis{
		client: redis.NewClient(opts),
		logger: logger.With("component", "redis"),
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// ArchiveKey names the dated copy of a board generated on day (UTC).
func ArchiveKey(day time.Time) string {
	return archivePrefix + day.UTC().Format(dayLayout)
}

// PublishBoard stores the board as the current daily board and as the dated
// archive entry in one transaction. It implements ranking.Sink.
func (r *Redis) PublishBoard(ctx context.Context, board *ranking.Board) error {
	data, err := json.Marshal(board)
	if err != nil {
		return fmt.Errorf("encode ranking board: %w", err)
	}
	generated := board.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, DailyBoardKey, data, DailyBoardTTL)
		pipe.Set(ctx, ArchiveKey(generated), data, ArchiveTTL)
		return nil
	})
	if err != nil {
		r.logger.Warn("failed caching ranking board", "error", err)
		return fmt.Errorf("cache ranking board: %w", err)
	}
	r.logger.Debug("ranking board cached", "entries", len(board.Entries), "archive", ArchiveKey(generated))
	return nil
}

// DailyBoard returns the last published board. ok is false when none is cached.
func (r *Redis) DailyBoard(ctx context.Context) (*ranking.Board, bool, error) {
	return r.board(ctx, DailyBoardKey)
}

// BoardOn returns the last board published on day, if still archived.
func (r *Redis) BoardOn(ctx context.Context, day time.Time) (*ranking.Board, bool, error) {
	return r.board(ctx, ArchiveKey(day))
}

func (r *Redis) board(ctx context.Context, key string) (*ranking.Board, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	board, err := decodeBoard(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return board, true, nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}

func decodeBoard(data []byte) (*ranking.Board, error) {
	var board ranking.Board
	if err := json.Unmarshal(data, &board); err != nil {
		return nil, err
	}
	return &board, nil
}
