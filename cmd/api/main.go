package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"event-sync-service/internal/alerting"
	"event-sync-service/internal/api"
	"event-sync-service/internal/archive"
	"event-sync-service/internal/billing"
	"event-sync-service/internal/config"
	"event-sync-service/internal/executor"
	"event-sync-service/internal/provider"
	"event-sync-service/internal/ratelimit"
	"event-sync-service/internal/scheduler"
	"event-sync-service/internal/store"
	"event-sync-service/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer closeStore()

	var sink alerting.Sink = alerting.NopSink{}
	if cfg.OpsAlertWebhookURL != "" {
		sink = alerting.NewWebhookSink(cfg.OpsAlertWebhookURL, log)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewFallbackLimiter(
		ratelimit.NewRedisLimiter(redisClient),
		ratelimit.NewLocalLimiter(),
		log,
		func(ctx context.Context, err error) {
			alerting.ReportError(ctx, sink, log, "rate-limit", "Rate limit backend unavailable", err, nil)
		},
	)

	competition := provider.NewCompetitionClient(cfg.CompetitionBaseURL, cfg.CompetitionAPIKey, cfg.ProviderTimeout)
	stats := provider.NewStatsClient(cfg.StatsBaseURL, cfg.ProviderTimeout)
	exec := executor.New(st, competition, stats, log, cfg.ProviderTimeout, cfg.BackoffInitial, cfg.BackoffMax)

	archiver, err := archive.NewS3Archiver(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init job archiver")
	}
	var archiverIface worker.Archiver
	if archiver != nil {
		archiverIface = archiver
	}
	sweeper := worker.NewSweeper(st, exec, log, archiverIface, cfg.JobRetention, cfg.SweepMaxDuration, cfg.ClaimLease)

	sched := scheduler.New(st, log, cfg.MaxAttempts)
	if cfg.InlineExecution {
		// Single-instance mode: run the sweep loop in-process and let
		// enqueues wake it instead of waiting for an external cron.
		runner := worker.NewRunner(sweeper, cfg.SweepInterval, cfg.SweepBatchSize, log)
		sched.SetWake(runner.Notify)
		go func() {
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("inline worker stopped")
			}
		}()
	}

	processor := billing.NewProcessor(st, log, sink)
	server := api.New(cfg, st, sched, sweeper, limiter, processor, sink, log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

// openStore picks the durable Postgres store, or the in-memory one when
// POSTGRES_DSN is literally "memory" (local development only: jobs do not
// survive restarts there).
func openStore(ctx context.Context, cfg config.Config, log *logrus.Logger) (store.Store, func(), error) {
	if cfg.PostgresDSN == "memory" {
		log.Warn("using in-memory store, jobs will not survive restarts")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
