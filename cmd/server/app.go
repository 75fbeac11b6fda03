package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"aerostic/backend/internal/config"
	"aerostic/backend/internal/engine"
	"aerostic/backend/internal/executors"
	"aerostic/backend/internal/logging"
	"aerostic/backend/internal/queue"
	"aerostic/backend/internal/repository"
	"aerostic/backend/internal/services"
	"aerostic/backend/internal/trigger"
)

// app holds the long-lived dependencies shared by serve and worker.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	db        *pgxpool.Pool
	store     *repository.PostgresStore
	redis     *redis.Client
	nats      *nats.Conn
	queue     queue.Queue
	progress  *services.RedisProgressSink
	knowledge *services.KnowledgeService
	runner    *engine.Runner
	triggers  *trigger.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.store = repository.NewPostgresStore(db)
	if err := a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("Database connected")

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Redis.Addr, err)
	}
	a.progress = services.NewRedisProgressSink(a.redis, "", logger)

	if a.queue, err = a.newQueue(); err != nil {
		return nil, err
	}

	generator, err := newGenerator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var messenger services.MessageSender
	if cfg.Messaging.URL != "" {
		messenger = services.NewHTTPMessageSender(cfg.Messaging.URL, cfg.Messaging.Token, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)})
	} else {
		logger.Warn("No messaging gateway configured, outbound messages are only logged")
		messenger = services.NewLogMessageSender(logger)
	}

	deps := executors.Dependencies{
		Messenger:   messenger,
		Generator:   generator,
		Contacts:    services.NewContactService(a.store, logger),
		Memory:      a.store,
		HTTPTimeout: cfg.HTTPTimeout(),
	}
	if cfg.MLSidecar.URL != "" {
		a.knowledge = services.NewKnowledgeService(a.store, services.NewHTTPMLClient(cfg.MLSidecar.URL))
		deps.Knowledge = a.knowledge
	}

	a.runner = engine.NewRunner(a.store, executors.NewRegistry(deps), a.progress, logger, engine.Options{
		MaxDepth:            cfg.Engine.MaxDepth,
		PartialOnTruncation: cfg.Engine.PartialOnTruncation,
	})

	base, maxDelay := cfg.Backoff()
	a.triggers, err = trigger.NewService(a.store, a.runner, a.queue, logger, trigger.Options{
		PoolSize: cfg.Engine.DispatchPoolSize,
		Attempts: cfg.Queue.Attempts,
		Backoff:  queue.Backoff{Base: base, Max: maxDelay},
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func (a *app) newQueue() (queue.Queue, error) {
	switch strings.ToLower(a.cfg.Queue.Driver) {
	case "", "redis":
		a.logger.Info("Using Redis job queue", "addr", a.cfg.Redis.Addr)
		return queue.NewRedisQueue(a.redis, queue.RedisConfig{Workers: a.cfg.Queue.Workers}, a.logger), nil
	case "nats", "jetstream":
		nc, err := queue.ConnectNATS(a.cfg.NATS.URL, a.logger)
		if err != nil {
			return nil, err
		}
		a.nats = nc
		a.logger.Info("Using NATS JetStream job queue", "url", a.cfg.NATS.URL)
		return queue.NewJetStreamQueue(nc, queue.JetStreamConfig{Workers: a.cfg.Queue.Workers}, a.logger)
	}
	return nil, fmt.Errorf("unknown queue driver %q", a.cfg.Queue.Driver)
}

// newGenerator registers every configured AI backend. OpenAI is the default
// when both are present.
func newGenerator(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*services.GeneratorRouter, error) {
	router := services.NewGeneratorRouter()
	if cfg.AI.OpenAI.APIKey != "" {
		router.Register(services.ProviderOpenAI, services.NewOpenAIGenerator(cfg.AI.OpenAI.APIKey, cfg.AI.OpenAI.BaseURL, cfg.AI.OpenAI.Model))
	}
	if cfg.AI.Gemini.APIKey != "" {
		gemini, err := services.NewGeminiGenerator(ctx, cfg.AI.Gemini.APIKey, cfg.AI.Gemini.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		router.Register(services.ProviderGemini, gemini)
	}
	if !router.Configured() {
		logger.Warn("No AI provider configured, ai_agent and gemini_model nodes will fail")
	}
	return router, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a.triggers != nil {
		a.triggers.Close()
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
