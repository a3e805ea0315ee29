package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rockfall-ai/risk-engine/internal/api"
	"github.com/rockfall-ai/risk-engine/internal/database"
	"github.com/rockfall-ai/risk-engine/internal/dispatch"
	"github.com/rockfall-ai/risk-engine/internal/engine"
	"github.com/rockfall-ai/risk-engine/internal/logger"
	"github.com/rockfall-ai/risk-engine/internal/notification"
	"github.com/rockfall-ai/risk-engine/internal/protocol"
	"github.com/rockfall-ai/risk-engine/internal/queue"
	"github.com/rockfall-ai/risk-engine/internal/risk"
	"github.com/rockfall-ai/risk-engine/internal/rules"
	"github.com/rockfall-ai/risk-engine/internal/state"
	"github.com/rockfall-ai/risk-engine/internal/timer"
	"github.com/rockfall-ai/risk-engine/pkg/config"
)

func main() {
	logger.Init(os.Getenv("LOG_LEVEL"))
	log := logger.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Database
	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}
	if err := db.RunMigrations(migrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	snapshots := state.NewSnapshotStore(redisClient, cfg.Engine.SnapshotTTL)

	// Kafka
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAssessments, cfg.Kafka.ConsumerGroup)
	defer consumer.Close()

	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer producer.Close()

	// Notification channels
	channels := notification.NewRegistry(
		notification.NewEmailChannel(&cfg.SMTP),
		notification.NewSMSChannel(&cfg.SMS),
		notification.NewWebhookChannel(cfg.Webhook.Secret, cfg.Webhook.Timeout),
	)

	// Dispatch pool
	dispatcher := dispatch.New(dispatch.Config{
		Channels:    channels,
		Recorder:    db,
		Publisher:   producer,
		Workers:     cfg.Engine.DispatchWorkers,
		QueueDepth:  cfg.Engine.QueueDepth,
		MaxAttempts: cfg.Engine.MaxAttempts,
		BackoffBase: cfg.Engine.BackoffBase,
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	// Escalation timers
	timers := timer.NewManager()
	timers.Start()
	defer timers.Stop()

	// Risk scoring
	scorer := risk.NewHTTPScorer(cfg.Scorer.URL, cfg.Scorer.Timeout)
	adapter := risk.NewAdapter(scorer)
	policy := risk.NewPolicy(risk.Boundaries{
		Medium: cfg.Engine.BoundaryMedium,
		High:   cfg.Engine.BoundaryHigh,
	})

	provider := rules.NewCachedProvider(db, cfg.Engine.EvalInterval)

	// Engine
	eng := engine.New(engine.Config{
		Policy:       policy,
		Adapter:      adapter,
		Provider:     provider,
		Dispatcher:   dispatcher,
		Snapshots:    snapshots,
		Timers:       timers,
		Shards:       cfg.Engine.Shards,
		EvalInterval: cfg.Engine.EvalInterval,
	})
	eng.Start()
	defer eng.Stop()

	// HTTP admin/query API
	server := api.NewServer(db, db, eng, provider, scorer)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Router(),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Assessment consume loop
	go func() {
		log.Info().
			Str("topic", cfg.Kafka.TopicAssessments).
			Msg("consuming assessments")

		for {
			msg, err := consumer.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("failed to consume message")
				continue
			}

			assessment, err := protocol.DecodeAssessmentMessage(msg.Value)
			if err != nil {
				log.Error().Err(err).Msg("failed to decode assessment message")
				_ = consumer.Commit(ctx, msg)
				continue
			}

			if err := eng.HandleMessage(ctx, assessment); err != nil {
				if errors.Is(err, risk.ErrUpstreamUnavailable) {
					// Skip the cycle; the next message or cadence tick
					// retries naturally.
					log.Warn().Str("location_id", assessment.LocationID).Err(err).Msg("scorer unavailable, skipping")
				} else {
					log.Error().Err(err).Msg("failed to evaluate assessment")
				}
			}

			if err := consumer.Commit(ctx, msg); err != nil {
				log.Error().Err(err).Msg("failed to commit offset")
			}
		}
	}()

	log.Info().Msg("risk engine running")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
