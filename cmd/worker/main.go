package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shoplane/chat-gateway/internal/broker"
	"github.com/shoplane/chat-gateway/internal/chat"
	"github.com/shoplane/chat-gateway/internal/config"
	"github.com/shoplane/chat-gateway/internal/metrics"
	"github.com/shoplane/chat-gateway/internal/queue"
	"github.com/shoplane/chat-gateway/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("config")
		exitCode = 1
		return
	}
	metrics.MustRegister()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- Postgres ----
	pool, err := pgxpool.New(rootCtx, cfg.Postgres.DSN)
	if err != nil {
		logger.Error().Err(err).Msg("db pool")
		exitCode = 1
		return
	}
	defer pool.Close()

	if err := pool.Ping(rootCtx); err != nil {
		logger.Error().Err(err).Msg("db ping")
		exitCode = 1
		return
	}
	if err := chat.ApplyMigrations(rootCtx, pool); err != nil {
		logger.Error().Err(err).Msg("migrations")
		exitCode = 1
		return
	}
	store := chat.NewPG(pool)

	// ---- Broker / queue ----
	b, err := broker.Connect(rootCtx, cfg.Redis.URL)
	if err != nil {
		logger.Error().Err(err).Msg("broker")
		exitCode = 1
		return
	}
	defer b.Close()

	q := queue.NewRedis(b, cfg.Queue.Name)
	defer q.Close()

	// ---- Healthz / metrics ----
	go serveOps(logger)
	go queue.SampleDepth(rootCtx, q, 5*time.Second)

	// ---- Consumer pool ----
	persister := worker.NewPersister(store, logger)
	runner := queue.NewRunner(q, persister.Handle, queue.RunnerOptions{
		Concurrency: cfg.Worker.Concurrency,
	}, logger)

	logger.Info().Int("concurrency", cfg.Worker.Concurrency).Str("queue", cfg.Queue.Name).Msg("worker started")

	// Run blocks until the termination signal; intake stops first, in-flight
	// handlers finish, then the deferred closes release storage and broker.
	if err := runner.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker exited")
		exitCode = 1
		return
	}
	logger.Info().Msg("worker stopped")
}

func serveOps(logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	addr := os.Getenv("HEALTH_ADDR")
	if addr == "" {
		addr = "0.0.0.0:9090"
	}
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("ops server")
	}
}
