package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"event-sync-service/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// EnqueueParams collects inputs required to enqueue a sync job.
type EnqueueParams struct {
	TenantID    string
	ResourceKey string
	Kind        string
	RequestedBy string
	MaxAttempts int
	StatusMsg   string
}

// Store abstracts persistence for jobs, webhook events, tenants, and synced
// event data. Implementations must be safe for concurrent use: EnqueueJob,
// ClaimDueJobs, and BeginWebhookEvent are the atomicity-critical operations
// that close enqueue/claim/dedup races.
type Store interface {
	// EnqueueJob returns the active job for (tenant, resource key) if one
	// exists, otherwise inserts a new queued job. The second return value is
	// true when an existing active job was returned. Find-or-insert is
	// atomic: concurrent calls with the same key yield one row.
	EnqueueJob(ctx context.Context, p EnqueueParams) (models.Job, bool, error)
	// FindActiveJob returns the non-terminal job for the key, if any.
	FindActiveJob(ctx context.Context, tenantID, resourceKey string) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)

	// ClaimDueJobs atomically moves up to limit due jobs (queued or retrying,
	// run_after elapsed) into their first running phase, incrementing the
	// attempt count. A job claimed here is owned by the caller until it
	// reaches a terminal phase, retrying, or is released.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)

	// UpdateJobProgress advances phase/progress/status for a claimed job.
	// Progress is monotonic: stored progress never decreases. A nil warning
	// leaves any recorded warning in place.
	UpdateJobProgress(ctx context.Context, id, phase string, progress int, statusMessage string, warning *string) error
	CompleteJob(ctx context.Context, id string, result models.SyncResult, warning *string, statusMessage string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RetryJob(ctx context.Context, id string, runAfter time.Time, errMsg string) error
	DeadLetterJob(ctx context.Context, id, errMsg string) error
	// ReleaseJob returns an unexecuted claimed job to the retrying pool
	// without charging the attempt (sweep ran out of budget).
	ReleaseJob(ctx context.Context, id string) error
	// ReclaimStaleJobs returns running jobs whose claim lease expired
	// (updated_at older than cutoff) to the retrying pool with
	// run_after = now, reporting how many were reclaimed. The attempt
	// stays charged: the worker that claimed it may have died mid-run.
	ReclaimStaleJobs(ctx context.Context, cutoff time.Time) (int, error)

	CountDueJobs(ctx context.Context, now time.Time) (int64, error)
	// PruneTerminalJobs deletes terminal jobs last updated before cutoff and
	// returns the deleted rows so callers can archive them.
	PruneTerminalJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error)

	// BeginWebhookEvent claims an inbound event for processing. It reports
	// false for an event id that already reached processed status; otherwise
	// it upserts the record as processing, incrementing the attempt count on
	// a pre-existing row.
	BeginWebhookEvent(ctx context.Context, id, eventType string, payload json.RawMessage) (bool, error)
	FinishWebhookEvent(ctx context.Context, id string) error
	FailWebhookEvent(ctx context.Context, id, errMsg string) error
	GetWebhookEvent(ctx context.Context, id string) (models.WebhookEvent, error)

	GetTenant(ctx context.Context, id string) (models.Tenant, error)
	PutTenant(ctx context.Context, t models.Tenant) error
	// SetTenantPlan assigns the plan tier as a last-write-wins state write.
	SetTenantPlan(ctx context.Context, id, planTier string) error

	SaveEventSnapshot(ctx context.Context, snap models.EventSnapshot) error
	GetEventSnapshot(ctx context.Context, resourceKey string) (models.EventSnapshot, error)
	SaveTeamStats(ctx context.Context, resourceKey string, teamNumber int, epa float64) error
}
