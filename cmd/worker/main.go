// Package main はジョブ実行ワーカーのエントリーポイントです。
//
// キューからリースを取得して変換を実行するループと、失効リースの回収・保持期間切れファイルの削除を行う
// asynq の保守サーバーを同じプロセスで動かします。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/docforge/internal/app"
	"github.com/yourusername/docforge/internal/config"
	"github.com/yourusername/docforge/internal/jobs"
	"github.com/yourusername/docforge/internal/logging"
	"github.com/yourusername/docforge/internal/metrics"
	"github.com/yourusername/docforge/internal/pdf"
)

const poolReportInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(gin.ReleaseMode, "info")
		fallback.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.GinMode, cfg.LogLevel).With().Str("service", "docforge-worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	components, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	pool := components.NewPool(pdf.NewTransformer(cfg))
	if err := pool.Start(); err != nil {
		return err
	}
	// リースループが止まってから実行中の変換を待つ
	defer pool.Stop()

	manager, err := components.NewManager(pool)
	if err != nil {
		return err
	}

	server := asynq.NewServer(components.AsynqRedis, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{jobs.MaintenanceQueue: 1},
	})
	scheduler := asynq.NewScheduler(components.AsynqRedis, &asynq.SchedulerOpts{})
	if _, err := jobs.RegisterSweep(scheduler, cfg.SweepInterval); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	base := workerBaseID()
	slots := max(cfg.WorkerLeaseSlots, 1)
	for i := range slots {
		workerID := fmt.Sprintf("%s-%d", base, i)
		g.Go(func() error {
			return manager.RunWorker(gctx, workerID)
		})
	}

	g.Go(func() error {
		if err := server.Start(jobs.NewMaintenanceMux(manager, logger)); err != nil {
			return fmt.Errorf("failed to start maintenance server: %w", err)
		}
		<-gctx.Done()
		server.Shutdown()
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		<-gctx.Done()
		scheduler.Shutdown()
		return nil
	})
	g.Go(func() error {
		app.ReportPoolUsage(gctx, pool, components.Metrics, poolReportInterval)
		return nil
	})
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(components.Registry))
		metricsServer := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info().
		Str("worker_id", base).
		Int("lease_slots", slots).
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("sweep_interval", cfg.SweepInterval).
		Msg("worker started")
	err = g.Wait()
	logger.Info().Msg("worker shutting down")
	return err
}

func workerBaseID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
