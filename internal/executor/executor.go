package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"event-sync-service/internal/models"
	"event-sync-service/internal/provider"
	"event-sync-service/internal/store"
	"event-sync-service/internal/telemetry"
)

// Outcome classifies how an execution ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetried
	OutcomeFailed
	OutcomeDead
)

// CompetitionAPI is the slice of the competition provider the executor uses.
type CompetitionAPI interface {
	FetchEvent(ctx context.Context, eventKey string) (provider.Event, error)
	FetchEventTeams(ctx context.Context, eventKey string) ([]provider.Team, error)
	FetchEventMatches(ctx context.Context, eventKey string) ([]provider.Match, error)
	FetchEventRankings(ctx context.Context, eventKey string) ([]provider.Ranking, error)
}

// StatsAPI fetches derived per-team metrics.
type StatsAPI interface {
	FetchTeamEPA(ctx context.Context, teamNumber, year int) (float64, error)
}

// Executor runs a claimed job through its stages. It owns the job row until
// it writes a terminal phase or schedules a retry; callers must only hand it
// jobs obtained from ClaimDueJobs (or an equivalent atomic claim).
type Executor struct {
	store       store.Store
	competition CompetitionAPI
	stats       StatsAPI
	log         *logrus.Logger

	callTimeout    time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
}

func New(st store.Store, competition CompetitionAPI, stats StatsAPI, log *logrus.Logger, callTimeout, backoffInitial, backoffMax time.Duration) *Executor {
	return &Executor{
		store:          st,
		competition:    competition,
		stats:          stats,
		log:            log,
		callTimeout:    callTimeout,
		backoffInitial: backoffInitial,
		backoffMax:     backoffMax,
	}
}

// Execute advances a claimed job to done, retrying, failed, or dead. Every
// error path ends in a store write; nothing propagates to the caller except
// the outcome.
func (e *Executor) Execute(ctx context.Context, job models.Job) Outcome {
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	log := e.log.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"tenant_id":    job.TenantID,
		"resource_key": job.ResourceKey,
		"kind":         job.Kind,
		"attempt":      job.AttemptCount,
	})

	var err error
	if job.Kind == models.KindStatsOnly {
		err = e.runStatsOnly(ctx, job)
	} else {
		err = e.runFull(ctx, job)
	}
	if err == nil {
		telemetry.JobsCompleted.Inc()
		log.Info("sync job completed")
		return OutcomeCompleted
	}

	if !provider.Transient(err) {
		if storeErr := e.store.FailJob(ctx, job.ID, err.Error()); storeErr != nil {
			log.WithError(storeErr).Error("mark job failed")
		}
		telemetry.JobsFailed.Inc()
		log.WithError(err).Warn("sync job failed")
		return OutcomeFailed
	}

	if job.AttemptCount >= job.MaxAttempts {
		if storeErr := e.store.DeadLetterJob(ctx, job.ID, err.Error()); storeErr != nil {
			log.WithError(storeErr).Error("mark job dead")
		}
		telemetry.JobsDeadLetter.Inc()
		log.WithError(err).Error("sync job dead-lettered")
		return OutcomeDead
	}

	runAfter := time.Now().Add(backoffWithJitter(e.backoffInitial, e.backoffMax, job.AttemptCount))
	if storeErr := e.store.RetryJob(ctx, job.ID, runAfter, err.Error()); storeErr != nil {
		log.WithError(storeErr).Error("schedule job retry")
	}
	telemetry.JobsRetried.Inc()
	log.WithError(err).WithField("run_after", runAfter).Info("sync job scheduled for retry")
	return OutcomeRetried
}

func (e *Executor) runFull(ctx context.Context, job models.Job) error {
	if err := e.store.UpdateJobProgress(ctx, job.ID, models.PhaseSyncingEvent, models.ProgressEventStage,
		"Syncing event data...", nil); err != nil {
		return fmt.Errorf("record event stage: %w", err)
	}

	snap, warning, err := e.syncEvent(ctx, job.ResourceKey)
	if err != nil {
		return err
	}

	teams := len(snap.TeamNumbers)
	matches := snap.MatchCount
	msg := fmt.Sprintf("Synced %s: %d teams, %d matches. Syncing EPA stats...", snap.Name, teams, matches)
	if err := e.store.UpdateJobProgress(ctx, job.ID, models.PhaseSyncingStats, models.ProgressStatsStage, msg, warning); err != nil {
		return fmt.Errorf("record stats stage: %w", err)
	}

	return e.syncStats(ctx, job, snap, &teams, &matches)
}

// errSnapshotMissing is terminal: a stats-only sync needs a prior full
// sync's snapshot, and retrying will not make one appear. The text is shown
// to the requesting user as the job error.
var errSnapshotMissing = errors.New("Event not found. Sync the event first.")

func (e *Executor) runStatsOnly(ctx context.Context, job models.Job) error {
	snap, err := e.store.GetEventSnapshot(ctx, job.ResourceKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errSnapshotMissing
		}
		return fmt.Errorf("load event snapshot: %w", err)
	}

	if err := e.store.UpdateJobProgress(ctx, job.ID, models.PhaseSyncingStats, models.ProgressStatsOnly,
		"Syncing EPA stats...", nil); err != nil {
		return fmt.Errorf("record stats stage: %w", err)
	}

	return e.syncStats(ctx, job, snap, nil, nil)
}

// syncEvent is stage one: fetch and persist the normalized event snapshot.
// A rankings failure only yields a warning; the rest of the sync is still
// worth keeping.
func (e *Executor) syncEvent(ctx context.Context, resourceKey string) (models.EventSnapshot, *string, error) {
	ev, err := call(ctx, e.callTimeout, func(ctx context.Context) (provider.Event, error) {
		return e.competition.FetchEvent(ctx, resourceKey)
	})
	if err != nil {
		return models.EventSnapshot{}, nil, fmt.Errorf("fetch event: %w", err)
	}

	teams, err := call(ctx, e.callTimeout, func(ctx context.Context) ([]provider.Team, error) {
		return e.competition.FetchEventTeams(ctx, resourceKey)
	})
	if err != nil {
		return models.EventSnapshot{}, nil, fmt.Errorf("fetch event teams: %w", err)
	}

	matches, err := call(ctx, e.callTimeout, func(ctx context.Context) ([]provider.Match, error) {
		return e.competition.FetchEventMatches(ctx, resourceKey)
	})
	if err != nil {
		return models.EventSnapshot{}, nil, fmt.Errorf("fetch event matches: %w", err)
	}

	var warning *string
	if _, err := call(ctx, e.callTimeout, func(ctx context.Context) ([]provider.Ranking, error) {
		return e.competition.FetchEventRankings(ctx, resourceKey)
	}); err != nil {
		w := "Rankings are not available for this event yet."
		warning = &w
	}

	teamNumbers := make([]int, 0, len(teams))
	for _, t := range teams {
		teamNumbers = append(teamNumbers, t.TeamNumber)
	}

	snap := models.EventSnapshot{
		ResourceKey: resourceKey,
		Name:        ev.Name,
		Year:        ev.Year,
		TeamNumbers: teamNumbers,
		MatchCount:  len(matches),
	}
	if err := e.store.SaveEventSnapshot(ctx, snap); err != nil {
		return models.EventSnapshot{}, nil, fmt.Errorf("save event snapshot: %w", err)
	}
	return snap, warning, nil
}

// syncStats is stage two: per-team EPA. Individual team failures are
// partial results, not job failures; the job still completes with a warning
// and the failure counts recorded. Only a stage where every fetch failed
// transiently is retried as a whole.
func (e *Executor) syncStats(ctx context.Context, job models.Job, snap models.EventSnapshot, teams, matches *int) error {
	var (
		synced       int
		failedTeams  []int
		lastErr      error
		allTransient = true
	)

	for _, teamNumber := range snap.TeamNumbers {
		epa, err := e.fetchEPA(ctx, teamNumber, snap.Year)
		if err != nil {
			failedTeams = append(failedTeams, teamNumber)
			lastErr = err
			if !provider.Transient(err) {
				allTransient = false
			}
			continue
		}
		if err := e.store.SaveTeamStats(ctx, snap.ResourceKey, teamNumber, epa); err != nil {
			failedTeams = append(failedTeams, teamNumber)
			lastErr = fmt.Errorf("save team stats: %w", err)
			allTransient = false
			continue
		}
		synced++
	}

	total := len(snap.TeamNumbers)
	if total > 0 && synced == 0 && allTransient && lastErr != nil {
		return fmt.Errorf("stats sync made no progress: %w", lastErr)
	}

	var warning *string
	if len(failedTeams) > 0 {
		w := fmt.Sprintf("EPA stats missing for %d of %d teams.", len(failedTeams), total)
		warning = &w
	}

	result := models.SyncResult{
		EventName:   snap.Name,
		Teams:       teams,
		Matches:     matches,
		Synced:      synced,
		Errors:      len(failedTeams),
		Total:       total,
		FailedTeams: failedTeams,
	}
	msg := fmt.Sprintf("Done! Synced EPA for %d/%d teams.", synced, total)
	if err := e.store.CompleteJob(ctx, job.ID, result, warning, msg); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// call runs one provider request under the hard per-call timeout.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

func (e *Executor) fetchEPA(ctx context.Context, teamNumber, year int) (float64, error) {
	return call(ctx, e.callTimeout, func(ctx context.Context) (float64, error) {
		return e.stats.FetchTeamEPA(ctx, teamNumber, year)
	})
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
