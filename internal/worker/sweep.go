package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"event-sync-service/internal/executor"
	"event-sync-service/internal/models"
	"event-sync-service/internal/store"
	"event-sync-service/internal/telemetry"
)

// Counts aggregates one sweep's results for the caller (cron or daemon).
type Counts struct {
	Reclaimed int `json:"reclaimed"`
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Dead      int `json:"dead"`
	Released  int `json:"released"`
	Pruned    int `json:"pruned"`
}

// JobExecutor runs one claimed job to its next phase outcome.
type JobExecutor interface {
	Execute(ctx context.Context, job models.Job) executor.Outcome
}

// Archiver persists a terminal job record before it is garbage-collected.
type Archiver interface {
	Archive(ctx context.Context, job models.Job) error
}

// Sweeper claims batches of due jobs and executes them within a bounded
// time budget. Claims it cannot execute before the budget runs out are
// released back without charging the attempt.
type Sweeper struct {
	store       store.Store
	exec        JobExecutor
	log         *logrus.Logger
	archiver    Archiver
	retention   time.Duration
	maxDuration time.Duration
	lease       time.Duration
}

func NewSweeper(st store.Store, exec JobExecutor, log *logrus.Logger, archiver Archiver, retention, maxDuration, lease time.Duration) *Sweeper {
	return &Sweeper{
		store:       st,
		exec:        exec,
		log:         log,
		archiver:    archiver,
		retention:   retention,
		maxDuration: maxDuration,
		lease:       lease,
	}
}

// Sweep claims up to maxJobs due jobs and runs them sequentially, then
// prunes terminal jobs past retention.
func (s *Sweeper) Sweep(ctx context.Context, maxJobs int) (Counts, error) {
	var counts Counts
	deadline := time.Now().Add(s.maxDuration)

	// Claims from workers that died mid-run go stale: their updated_at
	// stops moving. Once past the lease, hand them back before claiming
	// so this sweep can pick them up.
	if s.lease > 0 {
		reclaimed, err := s.store.ReclaimStaleJobs(ctx, time.Now().Add(-s.lease))
		if err != nil {
			s.log.WithError(err).Error("reclaim stale jobs")
		} else {
			counts.Reclaimed = reclaimed
			if reclaimed > 0 {
				s.log.WithField("reclaimed", reclaimed).Warn("reclaimed jobs from expired claims")
			}
		}
	}

	jobs, err := s.store.ClaimDueJobs(ctx, time.Now(), maxJobs)
	if err != nil {
		return counts, fmt.Errorf("claim due jobs: %w", err)
	}
	counts.Claimed = len(jobs)

	for _, job := range jobs {
		if time.Now().After(deadline) || ctx.Err() != nil {
			// The sweep context may already be cancelled; the release
			// write must still reach the store or the claim stays held
			// until the lease reaper finds it.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := s.store.ReleaseJob(releaseCtx, job.ID)
			cancel()
			if err != nil {
				s.log.WithError(err).WithField("job_id", job.ID).Error("release unexecuted claim")
				continue
			}
			counts.Released++
			continue
		}

		switch s.exec.Execute(ctx, job) {
		case executor.OutcomeCompleted:
			counts.Succeeded++
		case executor.OutcomeRetried:
			counts.Retried++
		case executor.OutcomeFailed:
			counts.Failed++
		case executor.OutcomeDead:
			counts.Dead++
		}
	}

	pruned, err := s.prune(ctx)
	if err != nil {
		s.log.WithError(err).Error("prune terminal jobs")
	}
	counts.Pruned = pruned

	if due, err := s.store.CountDueJobs(ctx, time.Now()); err == nil {
		telemetry.JobsDueGauge.Set(float64(due))
	}
	return counts, nil
}

func (s *Sweeper) prune(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	pruned, err := s.store.PruneTerminalJobs(ctx, time.Now().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if s.archiver != nil {
		for _, job := range pruned {
			if err := s.archiver.Archive(ctx, job); err != nil {
				s.log.WithError(err).WithField("job_id", job.ID).Error("archive pruned job")
			}
		}
	}
	return len(pruned), nil
}

// Runner drives periodic sweeps for the worker daemon. Notify wakes it
// early after an enqueue in inline-execution mode.
type Runner struct {
	sweeper  *Sweeper
	interval time.Duration
	batch    int
	log      *logrus.Logger
	wakeCh   chan struct{}
}

func NewRunner(sweeper *Sweeper, interval time.Duration, batch int, log *logrus.Logger) *Runner {
	return &Runner{
		sweeper:  sweeper,
		interval: interval,
		batch:    batch,
		log:      log,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Notify requests a sweep soon; safe from any goroutine, never blocks.
func (r *Runner) Notify() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Run sweeps until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.wakeCh:
		}

		counts, err := r.sweeper.Sweep(ctx, r.batch)
		if err != nil {
			r.log.WithError(err).Error("sweep failed")
			continue
		}
		if counts.Claimed > 0 || counts.Reclaimed > 0 || counts.Pruned > 0 {
			r.log.WithFields(logrus.Fields{
				"reclaimed": counts.Reclaimed,
				"claimed":   counts.Claimed,
				"succeeded": counts.Succeeded,
				"failed":    counts.Failed,
				"retried":   counts.Retried,
				"dead":      counts.Dead,
				"released":  counts.Released,
				"pruned":    counts.Pruned,
			}).Info("sweep finished")
		}
	}
}
