package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"economy-bot/internal/cache"
	"economy-bot/internal/config"
	"economy-bot/internal/confirm"
	"economy-bot/internal/httpserver"
	"economy-bot/internal/ledger"
	"economy-bot/internal/metrics"
	"economy-bot/internal/payment"
	"economy-bot/internal/purchase"
	"economy-bot/internal/ranking"
	"economy-bot/internal/rewards"
	"economy-bot/internal/wa"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, reward loops and chat client",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, logger)
	},
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	logger.Info("starting economy-bot", "env", cfg.AppEnv, "store", cfg.StoreDriver)
	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	ledgerEngine := ledger.New(store, metricRegistry, logger, ledger.Config{WithdrawMinimum: cfg.WithdrawMinimum})
	rankingEngine := ranking.NewEngine(store, logger)
	presence := rewards.NewPresenceBoard()
	accrual := rewards.NewAccrual(ledgerEngine, presence, rewards.AccrualConfig{
		Interval: cfg.VoiceRewardInterval,
		Reward:   cfg.VoiceReward,
	}, metricRegistry, logger)
	tracker := rewards.NewMessageTracker(store, ledgerEngine, rewards.MessageConfig{
		Milestone: cfg.MessageMilestone,
		Reward:    cfg.MessageReward,
	}, metricRegistry, logger)
	creditor := purchase.NewCreditor(store, nil, metricRegistry, logger)
	resets := confirm.New(ledgerEngine, confirm.Config{Timeout: cfg.ResetConfirmTimeout}, metricRegistry, logger)
	defer resets.Close()

	sinks := []ranking.Sink{redisClient, ranking.LogSink(logger)}

	var waClient *wa.Client
	if cfg.WhatsAppEnabled {
		waClient, err = wa.New(ctx, wa.Config{
			StorePath:   cfg.WhatsAppStorePath,
			LogLevel:    cfg.WhatsAppLogLevel,
			RankingChat: cfg.RankingChatJID,
			Metrics:     metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()

		waClient.SetMessageProcessor(tracker)
		creditor.SetNotifier(waClient)
		sinks = append(sinks, waClient)
	} else {
		logger.Info("whatsapp client disabled")
	}

	publisher := ranking.NewPublisher(rankingEngine, ranking.PublisherConfig{
		Schedule: cfg.RankingSchedule,
		Size:     cfg.RankingSize,
	}, metricRegistry, logger, sinks...)

	webhookProcessor := payment.NewPurchaseProcessor(creditor, cfg.CoinsPerCurrencyUnit, logger)
	webhookHandler := payment.NewWebhookHandler(logger, metricRegistry, cfg.WebhookUsernameMD5, cfg.WebhookPasswordMD5, webhookProcessor)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		PaymentWebhook: webhookHandler,
	}, httpserver.Options{
		BasePath:       cfg.PublicBasePath,
		AdminToken:     cfg.AdminToken,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	httpSrv.SetDependencies(httpserver.Dependencies{
		Store:    store,
		Ledger:   ledgerEngine,
		Ranking:  rankingEngine,
		Resets:   resets,
		Presence: presence,
		Accrual:  accrual,
		Messages: tracker,
		Boards:   redisClient,
	})

	errCh := make(chan error, 3)
	background(ctx, logger, errCh, "accrual", accrual.Run)
	background(ctx, logger, errCh, "ranking publisher", publisher.Run)
	if waClient != nil {
		go func() {
			if err := waClient.Start(ctx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				stop()
			}
		}()
	}
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("component failed, shutting down", "error", runErr)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	return runErr
}

// background runs a loop until ctx ends and reports an early failure on errCh.
func background(ctx context.Context, logger *slog.Logger, errCh chan<- error, name string, loop func(context.Context) error) {
	go func() {
		if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("background loop stopped", "loop", name, "error", err)
			errCh <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}
