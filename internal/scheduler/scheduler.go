package scheduler

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"event-sync-service/internal/models"
	"event-sync-service/internal/store"
	"event-sync-service/internal/telemetry"
)

// EventKeyPattern matches competition event keys like "2025hiho".
var EventKeyPattern = regexp.MustCompile(`^\d{4}[a-z0-9]+$`)

var (
	ErrInvalidResourceKey = errors.New("invalid event key format (expected e.g. 2025hiho)")
	ErrInvalidKind        = errors.New("unknown sync kind")
)

// Scheduler is the dedup gate in front of the job store. It never executes
// work itself: execution belongs to whoever claims the job. An optional
// wake function nudges an in-process worker so single-instance deployments
// do not wait for the next poll tick.
type Scheduler struct {
	store       store.Store
	log         *logrus.Logger
	maxAttempts int
	wake        func()
}

func New(st store.Store, log *logrus.Logger, maxAttempts int) *Scheduler {
	return &Scheduler{store: st, log: log, maxAttempts: maxAttempts}
}

// SetWake installs the worker nudge used in inline-execution mode.
func (s *Scheduler) SetWake(wake func()) {
	s.wake = wake
}

// Enqueue returns the tenant's active job for the resource key, or persists
// a new queued one. The bool is true when an already active job was
// returned; callers should answer 202 either way and let clients compare
// job ids.
func (s *Scheduler) Enqueue(ctx context.Context, tenantID, requestedBy, resourceKey, kind string) (models.Job, bool, error) {
	if !EventKeyPattern.MatchString(resourceKey) {
		return models.Job{}, false, ErrInvalidResourceKey
	}
	if kind != models.KindFull && kind != models.KindStatsOnly {
		return models.Job{}, false, ErrInvalidKind
	}

	statusMsg := "Job queued. Starting sync..."
	if kind == models.KindStatsOnly {
		statusMsg = "Job queued. Starting EPA sync..."
	}

	job, existing, err := s.store.EnqueueJob(ctx, store.EnqueueParams{
		TenantID:    tenantID,
		ResourceKey: resourceKey,
		Kind:        kind,
		RequestedBy: requestedBy,
		MaxAttempts: s.maxAttempts,
		StatusMsg:   statusMsg,
	})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}

	if existing {
		telemetry.JobsDuplicate.Inc()
		s.log.WithFields(logrus.Fields{
			"job_id":       job.ID,
			"tenant_id":    tenantID,
			"resource_key": resourceKey,
		}).Debug("returning active sync job")
		return job, true, nil
	}

	telemetry.JobsEnqueued.Inc()
	s.log.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"tenant_id":    tenantID,
		"resource_key": resourceKey,
		"kind":         kind,
	}).Info("sync job enqueued")

	if s.wake != nil {
		s.wake()
	}
	return job, false, nil
}

// ActiveJob returns the tenant's in-flight job for the resource key, if
// any. Handlers consult this before spending rate-limit budget so repeated
// requests for a running sync stay cheap.
func (s *Scheduler) ActiveJob(ctx context.Context, tenantID, resourceKey string) (models.Job, bool, error) {
	if !EventKeyPattern.MatchString(resourceKey) {
		return models.Job{}, false, ErrInvalidResourceKey
	}
	return s.store.FindActiveJob(ctx, tenantID, resourceKey)
}

// Status returns the tenant-scoped projection of a job. Jobs belonging to
// another tenant are reported as not found.
func (s *Scheduler) Status(ctx context.Context, tenantID, jobID string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.TenantID != tenantID {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}
