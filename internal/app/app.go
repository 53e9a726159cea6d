// Package app は各コマンドで共通のコンポーネントを設定から組み立てます。
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/docforge/internal/config"
	"github.com/yourusername/docforge/internal/entitlement"
	"github.com/yourusername/docforge/internal/jobs"
	"github.com/yourusername/docforge/internal/ledger"
	"github.com/yourusername/docforge/internal/metrics"
	"github.com/yourusername/docforge/internal/queue"
	"github.com/yourusername/docforge/internal/ratelimit"
	"github.com/yourusername/docforge/internal/storage"
	"github.com/yourusername/docforge/internal/worker"
)

const connectTimeout = 5 * time.Second

// App はプロセス内で共有する接続とコンポーネントです。
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Redis    *redis.Client
	Ledger   ledger.Ledger
	Resolver *entitlement.Resolver
	Limiter  *ratelimit.Limiter
	Queue    *queue.Queue
	Store    *jobs.Store
	Objects  *storage.LocalStore
	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	// AsynqRedis は保守タスク用の接続設定です。
	AsynqRedis asynq.RedisConnOpt
	Tasks      *asynq.Client

	closers []func()
}

// New は cfg に従って接続を確立し、App を返します。
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return fmt.Errorf("invalid QUEUE_REDIS_URL: %w", err)
	}
	a.Redis = redis.NewClient(opt)
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := a.Redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	switch cfg.LedgerBackend {
	case "postgres":
		pg, pool, err := ledger.OpenPostgres(pingCtx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		if err := pg.Migrate(pingCtx); err != nil {
			return fmt.Errorf("failed to migrate ledger: %w", err)
		}
		a.Ledger = pg
	default:
		a.Ledger = ledger.NewRedisLedger(a.Redis)
	}

	table, err := entitlement.LoadFile(cfg.EntitlementsFile)
	if err != nil {
		return err
	}
	if a.Resolver, err = entitlement.NewResolver(table); err != nil {
		return err
	}

	a.Limiter = ratelimit.New(a.Redis, ratelimit.WithLogger(a.Logger))
	a.Queue = queue.New(a.Redis,
		queue.WithMaxAttempts(cfg.MaxAttempts),
		queue.WithBackoff(cfg.RetryBackoff, cfg.RetryBackoffMax),
		queue.WithRetention(cfg.JobRecordTTL),
	)
	a.Store = jobs.NewStore(a.Redis, cfg.JobRecordTTL)

	if a.Objects, err = storage.NewLocalStore(cfg.StoragePath, cfg.StoragePublicURL); err != nil {
		return err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewCollector(a.Registry)

	a.AsynqRedis, err = asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return fmt.Errorf("invalid QUEUE_REDIS_URL for asynq: %w", err)
	}
	a.Tasks = asynq.NewClient(a.AsynqRedis)
	a.closers = append(a.closers, func() { _ = a.Tasks.Close() })
	return nil
}

// NewManager は App のコンポーネントで jobs.Manager を作成します。executor が nil なら受付と参照専用です。
func (a *App) NewManager(executor jobs.Executor) (*jobs.Manager, error) {
	deps := jobs.Deps{
		Store:    a.Store,
		Queue:    a.Queue,
		Ledger:   a.Ledger,
		Resolver: a.Resolver,
		Limiter:  a.Limiter,
		Objects:  a.Objects,
		Executor: executor,
		Metrics:  a.Metrics,
	}
	if a.Tasks != nil {
		deps.Expiry = jobs.NewAsynqExpiry(a.Tasks)
	}
	return jobs.NewManager(a.Config, deps, a.Logger)
}

// NewPool は設定に従ってワーカープールを作成します。変換時間はメトリクスに記録されます。
func (a *App) NewPool(transformer worker.Transformer) *worker.Pool {
	return worker.NewPool(transformer,
		worker.WithConcurrency(a.Config.WorkerConcurrency),
		worker.WithQueueDepth(a.Config.WorkerQueueDepth),
		worker.WithLogger(a.Logger),
		worker.WithObserver(a.Metrics),
	)
}

// ReportPoolUsage は interval ごとにプールの使用状況をメトリクスへ反映します。ctx が終了すると戻ります。
func ReportPoolUsage(ctx context.Context, pool *worker.Pool, c *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats := pool.Stats()
		c.SetPoolUsage(stats.Busy, stats.Queued)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close は確立した接続を逆順に閉じます。
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
