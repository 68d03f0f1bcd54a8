package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"renderq/internal/adapter/repo"
	"renderq/internal/infra"
	"renderq/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer dbpool.Close()

	if err := repo.RunMigrations(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to apply schema")
	}

	events := repo.NewEventRepository(dbpool)
	webhooks := repo.NewWebhookRepository(dbpool)
	dispatcher := webhook.NewDispatcher(webhooks, logger)

	logger.Info().
		Dur("retry_poll", cfg.RetryPollInterval).
		Dur("purge_interval", cfg.PurgeInterval).
		Msg("worker started")

	go dispatcher.RunRetryLoop(ctx, cfg.RetryPollInterval)
	go runRetention(ctx, cfg, events, webhooks, logger)

	<-ctx.Done()
	dispatcher.Wait()
	logger.Info().Msg("worker stopped")
}

// runRetention purges job events past the 7-day window and settled delivery
// records past the 30-day audit window. Purging events never touches the job
// rows themselves.
func runRetention(ctx context.Context, cfg *infra.Config, events *repo.EventRepositoryPG, webhooks *repo.WebhookRepositoryPG, logger infra.Logger) {
	ticker := time.NewTicker(cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if n, err := events.PurgeBefore(ctx, now.Add(-cfg.EventRetention)); err != nil {
				logger.Error().Err(err).Msg("event purge failed")
			} else if n > 0 {
				logger.Info().Int64("purged", n).Msg("purged job events")
			}
			if n, err := webhooks.PurgeDeliveriesBefore(ctx, now.Add(-cfg.DeliveryRetention)); err != nil {
				logger.Error().Err(err).Msg("delivery purge failed")
			} else if n > 0 {
				logger.Info().Int64("purged", n).Msg("purged webhook deliveries")
			}
		}
	}
}
