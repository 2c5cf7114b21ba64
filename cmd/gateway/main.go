package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/shoplane/chat-gateway/internal/auth"
	"github.com/shoplane/chat-gateway/internal/broker"
	"github.com/shoplane/chat-gateway/internal/chat"
	"github.com/shoplane/chat-gateway/internal/config"
	"github.com/shoplane/chat-gateway/internal/gateway"
	httpapi "github.com/shoplane/chat-gateway/internal/http"
	"github.com/shoplane/chat-gateway/internal/metrics"
	"github.com/shoplane/chat-gateway/internal/presence"
	"github.com/shoplane/chat-gateway/internal/queue"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "gateway").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	metrics.MustRegister()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- Postgres ----
	pool, err := pgxpool.New(rootCtx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db pool")
	}
	defer pool.Close()
	if err := pool.Ping(rootCtx); err != nil {
		logger.Fatal().Err(err).Msg("db ping")
	}
	if err := chat.ApplyMigrations(rootCtx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}
	store := chat.NewPG(pool)

	// ---- Broker ----
	b, err := broker.Connect(rootCtx, cfg.Redis.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("broker")
	}
	defer b.Close()

	// Dedicated duplicated connections for the room-routing adapter; the
	// subscribe leg blocks and must not share a socket with anything else.
	pubConn := b.Duplicate()
	defer pubConn.Close()
	subConn := b.Duplicate()
	defer subConn.Close()

	// ---- Presence ----
	router := presence.NewRouter(presence.BrokerTransport{Pub: pubConn, Sub: subConn}, logger)
	go func() {
		if err := router.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			// Cross-process emits are broken; better to die and restart than
			// to keep accepting work we cannot route.
			logger.Fatal().Err(err).Msg("presence transport")
		}
	}()

	// ---- Queue ----
	q := queue.NewRedis(b, cfg.Queue.Name)
	jobOpts := queue.Options{
		MaxAttempts:      cfg.Queue.MaxAttempts,
		BackoffBase:      cfg.Queue.BackoffBase(),
		BackoffCap:       cfg.Queue.BackoffCap(),
		RemoveOnComplete: true,
		RemoveOnFail:     false,
	}

	// ---- Gateway + HTTP ----
	gwOpts := gateway.DefaultOptions()
	gwOpts.JobOpts = jobOpts
	gw := gateway.New(auth.NewJWT(cfg.JWT.Secret), router, q, gwOpts, logger)

	srv := &httpapi.Server{
		Store:      store,
		Queue:      q,
		Gateway:    gw,
		Verifier:   auth.NewJWT(cfg.JWT.Secret),
		AdminToken: cfg.Admin.Token,
		Log:        logger,
		ReadyCheck: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			return b.Ping(ctx)
		},
	}

	poolStats := metrics.NewPGXPoolStats(pool)
	go poolStats.Start(10*time.Second, rootCtx.Done())
	go queue.SampleDepth(rootCtx, q, 5*time.Second)

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: srv.Router(),
		// No WriteTimeout: /ws connections are long-lived.
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server")
		}
	}()

	// ---- Graceful shutdown ----
	<-rootCtx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}
