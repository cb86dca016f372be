// Package app wires configuration into a running engine. Every binary builds
// its process through Build so they share one dependency graph.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/sellerpilot/internal/config"
	"github.com/muaviaUsmani/sellerpilot/internal/credentials"
	"github.com/muaviaUsmani/sellerpilot/internal/engine"
	"github.com/muaviaUsmani/sellerpilot/internal/lock"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/marketplace"
	"github.com/muaviaUsmani/sellerpilot/internal/metrics"
	"github.com/muaviaUsmani/sellerpilot/internal/scheduler"
	"github.com/muaviaUsmani/sellerpilot/internal/store"
	"github.com/muaviaUsmani/sellerpilot/internal/worker"
)

// App is a fully wired process
type App struct {
	Config      *config.Config
	Store       *store.Store
	Redis       *redis.Client
	Marketplace *marketplace.Client
	Engine      *engine.Engine
	Trigger     *scheduler.Trigger
	Metrics     *metrics.Collector
	Log         logger.Logger
}

// Build connects to Postgres and Redis and assembles the engine
func Build(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	st, err := store.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}

	rdb, err := ConnectRedis(ctx, cfg.RedisURL, 5, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	m := metrics.Default()
	locker := lock.NewRedisLocker(rdb)
	creds := credentials.NewResolver(credentials.Credentials{
		PartnerID: cfg.Marketplace.PartnerID,
		Secret:    cfg.Marketplace.PartnerKey,
	}, st, log)

	mkt := marketplace.NewClient(marketplace.Config{
		BaseURL:   cfg.Marketplace.BaseURL,
		Timeout:   cfg.Marketplace.Timeout,
		RateLimit: cfg.Marketplace.RateLimit,
		RateBurst: cfg.Marketplace.RateBurst,
	}, creds, st, locker, log).WithMetrics(m)

	handlers := engine.NewRegistry(
		engine.NewBudgetHandler(mkt, log),
		engine.NewPromotionHandler(mkt, log),
	)
	pool := worker.NewPool(cfg.Concurrency, log).WithMetrics(m)
	eng := engine.New(st, handlers, locker, pool, engine.Options{
		Location:        cfg.Location(),
		TickDeadline:    cfg.TickDeadline,
		JobSafetyBuffer: cfg.JobSafetyBuffer,
		GuardLockTTL:    cfg.GuardLockTTL,
	}, log).WithMetrics(m)

	schedule, err := scheduler.ParseSchedule(cfg.TriggerCron, cfg.Location())
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, err
	}
	trigger := scheduler.NewTrigger(schedule, eng, rdb, cfg.TriggerPollInterval)
	trigger.SetLogger(log)
	// the lock must outlive the longest tick
	trigger.SetLockTTL(cfg.TickDeadline + 5*time.Minute)

	return &App{
		Config:      cfg,
		Store:       st,
		Redis:       rdb,
		Marketplace: mkt,
		Engine:      eng,
		Trigger:     trigger,
		Metrics:     m,
		Log:         log,
	}, nil
}

// Close releases the connections
func (a *App) Close() error {
	rerr := a.Redis.Close()
	if err := a.Store.Close(); err != nil {
		return err
	}
	return rerr
}

// ConnectRedis connects with exponential backoff between attempts
func ConnectRedis(ctx context.Context, redisURL string, maxRetries int, log logger.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	redisLog := log.WithComponent(logger.ComponentRedis)

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			redisLog.Info("Connected to Redis", "addr", opts.Addr)
			return client, nil
		}
		if attempt == maxRetries-1 {
			break
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		redisLog.Warn("Failed to connect to Redis, retrying",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"error", err,
			"retry_in", delay)

		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	client.Close()
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, err)
}
