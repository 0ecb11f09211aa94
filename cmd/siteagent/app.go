package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-site-agent/internal/bridge"
	"github.com/tbourn/go-site-agent/internal/cache"
	"github.com/tbourn/go-site-agent/internal/config"
	"github.com/tbourn/go-site-agent/internal/domain"
	"github.com/tbourn/go-site-agent/internal/memory"
	"github.com/tbourn/go-site-agent/internal/observability"
	"github.com/tbourn/go-site-agent/internal/orchestrator"
	"github.com/tbourn/go-site-agent/internal/queue"
	"github.com/tbourn/go-site-agent/internal/reasoning"
	"github.com/tbourn/go-site-agent/internal/repo"
	"github.com/tbourn/go-site-agent/internal/sequence"
	"github.com/tbourn/go-site-agent/internal/services"
	"github.com/tbourn/go-site-agent/internal/tools"
	"github.com/tbourn/go-site-agent/internal/transcribe"
)

// app holds the shared infrastructure of one process.
type app struct {
	cfg   config.Config
	log   zerolog.Logger
	db    *gorm.DB
	rdb   *redis.Client
	queue *queue.Queue

	shutdownOTel func(context.Context) error
}

// bootstrap opens telemetry, the database and Redis. role names the process
// in traces and logs.
func bootstrap(ctx context.Context, cfg config.Config, role string) (*app, error) {
	lg := log.With().Str("role", role).Logger()

	shutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version, role, lg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	db, err := repo.Open(repo.Options{
		Driver:  cfg.DBDriver,
		Path:    cfg.DBPath,
		DSN:     cfg.DatabaseURL,
		Tracing: cfg.OTEL.Enabled,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := cache.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	q := queue.New(db, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.RetryBackoff,
		Lease:       cfg.Queue.TaskTimeout + cfg.Queue.LeaseGrace,
	}, lg)

	return &app{cfg: cfg, log: lg, db: db, rdb: rdb, queue: q, shutdownOTel: shutdown}, nil
}

// close releases connections and flushes telemetry.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.rdb.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close redis")
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := a.shutdownOTel(ctx); err != nil {
		a.log.Warn().Err(err).Msg("shutdown telemetry")
	}
}

// locker picks the tenant sequence lock for the configured database:
// Postgres serializes with advisory locks, SQLite through Redis.
func (a *app) locker() sequence.Locker {
	if a.cfg.DBDriver == repo.DriverPostgres {
		return sequence.NewAdvisoryLocker(a.cfg.SequenceWait)
	}
	return sequence.NewRedisLocker(a.rdb, a.cfg.SequenceLockTTL, a.cfg.SequenceWait)
}

// newOrchestrator wires the reasoning loop to its tools and collaborators.
func (a *app) newOrchestrator() *orchestrator.Orchestrator {
	cfg := a.cfg
	br := bridge.New(cfg.Bridge, a.log)

	deps := tools.Deps{
		DB:             a.db,
		Allocator:      sequence.New(a.locker()),
		Sender:         br,
		Log:            a.log.With().Str("component", "tools").Logger(),
		Similarity:     cfg.Agent.Similarity,
		MaxDescription: cfg.Agent.MaxDescription,
		BatchSize:      cfg.Agent.ReportBatchSize,
	}
	registry := tools.NewRegistry(
		tools.AddDefect{Deps: deps},
		tools.UpdateDefect{Deps: deps},
		tools.SendReport{Deps: deps},
		tools.AddEvent{Deps: deps},
	)

	var stt orchestrator.Transcriber
	if cfg.STT.APIKey != "" {
		stt = transcribe.New(cfg.STT, a.log)
	} else {
		a.log.Warn().Msg("STT_API_KEY not set; voice notes will not be transcribed")
	}

	return orchestrator.New(orchestrator.Deps{
		Sites:         cache.NewSites(a.rdb, a.db, cfg.SiteCacheTTL, a.log),
		Transcriber:   stt,
		Messenger:     br,
		Memory:        memory.NewStore(a.rdb, cfg.Agent.MemoryTTL, cfg.Agent.MemoryMaxTurns),
		Tools:         registry,
		Reasoner:      reasoning.NewOpenAI(cfg.Agent.OpenAIKey, cfg.Agent.OpenAIBaseURL, cfg.Agent.Model, a.log),
		MaxIterations: cfg.Agent.MaxIterations,
		AckTimeout:    ackTimeout(cfg.Bridge),
		Log:           a.log,
	})
}

// ackTimeout leaves room for every bridge retry of the acknowledgement.
func ackTimeout(b config.BridgeConfig) time.Duration {
	n := time.Duration(b.Retries)
	if n < 1 {
		n = 1
	}
	return n*b.Timeout + (n-1)*b.RetryMaxWait
}

// newPool builds the worker pool around the orchestrator.
func (a *app) newPool() *queue.Pool {
	orch := a.newOrchestrator()
	handle := func(ctx context.Context, ev domain.InboundEvent) error {
		_, err := orch.Handle(ctx, ev)
		return classify(err)
	}
	return queue.NewPool(a.queue, handle, queue.PoolOptions{
		Concurrency:  a.cfg.Queue.Concurrency,
		PollInterval: a.cfg.Queue.PollInterval,
		TaskTimeout:  a.cfg.Queue.TaskTimeout,
	}, a.log)
}

// classify marks failures that would repeat on redelivery as permanent.
// Everything else, including task timeouts, lock timeouts and storage or
// upstream errors, is retried up to the attempt cap.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, orchestrator.ErrMalformedEvent) || errors.Is(err, tools.ErrInvalidArguments) {
		return queue.Permanent(err)
	}
	return err
}

// runWorker runs the pool and the dedup purge loop until ctx is done, then
// drains.
func (a *app) runWorker(ctx context.Context) {
	pool := a.newPool()
	pool.Start(ctx)

	purge := &services.PurgeService{
		DB:        a.db,
		Retention: a.cfg.DedupRetention,
		Log:       a.log.With().Str("component", "purge").Logger(),
	}
	go purge.Run(ctx, time.Hour)

	go a.reportDepth(ctx, time.Minute)

	<-ctx.Done()
	pool.Stop(a.cfg.Queue.DrainTimeout)
}

// reportDepth refreshes the queue depth gauge.
func (a *app) reportDepth(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if _, err := a.queue.Depth(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn().Err(err).Msg("queue depth")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
