package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"event-sync-service/internal/alerting"
	"event-sync-service/internal/archive"
	"event-sync-service/internal/config"
	"event-sync-service/internal/executor"
	"event-sync-service/internal/provider"
	"event-sync-service/internal/store"
	"event-sync-service/internal/telemetry"
	"event-sync-service/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer pg.Close()

	if err := pg.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	var sink alerting.Sink = alerting.NopSink{}
	if cfg.OpsAlertWebhookURL != "" {
		sink = alerting.NewWebhookSink(cfg.OpsAlertWebhookURL, log)
	}

	competition := provider.NewCompetitionClient(cfg.CompetitionBaseURL, cfg.CompetitionAPIKey, cfg.ProviderTimeout)
	stats := provider.NewStatsClient(cfg.StatsBaseURL, cfg.ProviderTimeout)
	exec := executor.New(pg, competition, stats, log, cfg.ProviderTimeout, cfg.BackoffInitial, cfg.BackoffMax)

	archiver, err := archive.NewS3Archiver(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init job archiver")
	}
	var archiverIface worker.Archiver
	if archiver != nil {
		archiverIface = archiver
	}

	sweeper := worker.NewSweeper(pg, exec, log, archiverIface, cfg.JobRetention, cfg.SweepMaxDuration, cfg.ClaimLease)
	runner := worker.NewRunner(sweeper, cfg.SweepInterval, cfg.SweepBatchSize, log)

	go func() {
		if err := http.ListenAndServe(":9090", telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"interval": cfg.SweepInterval,
		"batch":    cfg.SweepBatchSize,
	}).Info("worker started")
	if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
		alerting.ReportError(ctx, sink, log, "sync-worker", "Worker loop stopped", err, nil)
	}
}
