package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"renderq/internal/adapter/repo"
	"renderq/internal/engine"
	"renderq/internal/http/handlers"
	"renderq/internal/http/httpapi"
	"renderq/internal/infra"
	"renderq/internal/stream"
	"renderq/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if err := repo.RunMigrations(ctx, dbpool); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
	}

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	jobs := repo.NewJobRepository(dbpool)
	events := repo.NewEventRepository(dbpool)
	ledger := repo.NewLedgerRepository(dbpool)
	webhooks := repo.NewWebhookRepository(dbpool)
	directory := repo.NewDirectory(dbpool)
	broker := stream.NewBroker(rdb, logger)
	dispatcher := webhook.NewDispatcher(webhooks, logger)
	eng := engine.New(jobs, events, directory, broker, dispatcher, logger)

	app := &handlers.App{
		Engine:     eng,
		Ledger:     ledger,
		Webhooks:   webhooks,
		Directory:  directory,
		Dispatcher: dispatcher,
		Streams:    broker,
		Logger:     logger,
	}
	router := httpapi.NewRouter(app, cfg, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	dispatcher.Wait()
	logger.Info().Msg("server stopped")
}
