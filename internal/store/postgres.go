package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"event-sync-service/internal/models"
)

// Postgres is the durable Store backed by pgxpool. Atomicity comes from the
// partial unique index on active jobs (enqueue), FOR UPDATE SKIP LOCKED
// (claim), and conditional upserts (webhook dedup).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, tenant_id, resource_key, kind, phase, progress, status_message, warning, error, result, attempt_count, max_attempts, run_after, requested_by, created_at, updated_at`

const activePhases = `'queued', 'retrying', 'syncing_event', 'syncing_stats'`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var warning, errMsg pgtype.Text
	var resultJSON []byte

	err := row.Scan(&job.ID, &job.TenantID, &job.ResourceKey, &job.Kind, &job.Phase,
		&job.Progress, &job.StatusMessage, &warning, &errMsg, &resultJSON,
		&job.AttemptCount, &job.MaxAttempts, &job.RunAfter, &job.RequestedBy,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Warning = textPtr(warning)
	job.Error = textPtr(errMsg)
	if len(resultJSON) > 0 {
		var result models.SyncResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}

// FindActiveJob returns the non-terminal job for the key, if any.
func (s *Postgres) FindActiveJob(ctx context.Context, tenantID, resourceKey string) (models.Job, bool, error) {
	return s.findActiveJob(ctx, tenantID, resourceKey)
}

func (s *Postgres) findActiveJob(ctx context.Context, tenantID, resourceKey string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE tenant_id = $1 AND resource_key = $2 AND phase IN (`+activePhases+`)
	`, tenantID, resourceKey)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query active job: %w", err)
	}
	return job, true, nil
}

// EnqueueJob returns the active job for the key if present, otherwise
// inserts a new queued one. The insert races through the partial unique
// index on active jobs: when two callers enqueue simultaneously, one insert
// conflicts and re-reads the winner's row.
func (s *Postgres) EnqueueJob(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	if existing, found, err := s.findActiveJob(ctx, p.TenantID, p.ResourceKey); err != nil {
		return models.Job{}, false, err
	} else if found {
		return existing, true, nil
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sync_jobs (id, tenant_id, resource_key, kind, phase, progress, status_message, attempt_count, max_attempts, run_after, requested_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $11, $11)
		ON CONFLICT (tenant_id, resource_key) WHERE phase IN (`+activePhases+`) DO NOTHING
	`, id, p.TenantID, p.ResourceKey, p.Kind, models.PhaseQueued, models.ProgressAccepted,
		p.StatusMsg, p.MaxAttempts, now, p.RequestedBy, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else enqueued the same key after our initial check.
		existing, found, err := s.findActiveJob(ctx, p.TenantID, p.ResourceKey)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, errors.New("enqueue conflict but no active job found")
		}
		return existing, true, nil
	}

	return models.Job{
		ID:            id,
		TenantID:      p.TenantID,
		ResourceKey:   p.ResourceKey,
		Kind:          p.Kind,
		Phase:         models.PhaseQueued,
		Progress:      models.ProgressAccepted,
		StatusMessage: p.StatusMsg,
		MaxAttempts:   p.MaxAttempts,
		RunAfter:      now,
		RequestedBy:   p.RequestedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, false, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ClaimDueJobs moves due jobs into their first running phase and charges an
// attempt in one statement. SKIP LOCKED keeps concurrent sweeps from
// claiming the same rows.
func (s *Postgres) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE sync_jobs SET
			phase = CASE WHEN kind = 'stats_only' THEN 'syncing_stats' ELSE 'syncing_event' END,
			progress = GREATEST(progress, CASE WHEN kind = 'stats_only' THEN $3 ELSE $4 END),
			attempt_count = attempt_count + 1,
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sync_jobs
			WHERE phase IN ('queued', 'retrying') AND run_after <= $1
			ORDER BY run_after
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns+`
	`, now, limit, models.ProgressStatsOnly, models.ProgressEventStage)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var claimed []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		claimed = append(claimed, job)
	}
	return claimed, rows.Err()
}

func (s *Postgres) UpdateJobProgress(ctx context.Context, id, phase string, progress int, statusMessage string, warning *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET phase = $2, progress = GREATEST(progress, $3), status_message = $4,
		    warning = COALESCE($5, warning), updated_at = NOW()
		WHERE id = $1
	`, id, phase, progress, statusMessage, warning)
	return err
}

func (s *Postgres) CompleteJob(ctx context.Context, id string, result models.SyncResult, warning *string, statusMessage string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET phase = $2, progress = $3, status_message = $4, warning = COALESCE($5, warning),
		    result = $6, error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.PhaseDone, models.ProgressDone, statusMessage, warning, resultJSON)
	return err
}

func (s *Postgres) FailJob(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs SET phase = $2, error = $3, status_message = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.PhaseFailed, errMsg, "Sync failed.")
	return err
}

func (s *Postgres) RetryJob(ctx context.Context, id string, runAfter time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET phase = $2, run_after = $3, error = $4, status_message = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.PhaseRetrying, runAfter, errMsg, "Temporary problem, retrying...")
	return err
}

func (s *Postgres) DeadLetterJob(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs SET phase = $2, error = $3, status_message = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.PhaseDead, errMsg, "Sync gave up after repeated failures.")
	return err
}

func (s *Postgres) ReleaseJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET phase = $2, run_after = NOW(), attempt_count = GREATEST(attempt_count - 1, 0), updated_at = NOW()
		WHERE id = $1
	`, id, models.PhaseRetrying)
	return err
}

// ReclaimStaleJobs returns running jobs with an expired claim lease to the
// retrying pool. A worker that dies after claiming leaves updated_at
// frozen; once it falls behind the lease the job becomes claimable again.
func (s *Postgres) ReclaimStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_jobs
		SET phase = $2, run_after = NOW(), status_message = $3, updated_at = NOW()
		WHERE phase IN ('syncing_event', 'syncing_stats') AND updated_at < $1
	`, cutoff, models.PhaseRetrying, "Sync interrupted, retrying...")
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) CountDueJobs(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_jobs WHERE phase IN ('queued', 'retrying') AND run_after <= $1
	`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due jobs: %w", err)
	}
	return n, nil
}

func (s *Postgres) PruneTerminalJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM sync_jobs
		WHERE phase IN ('done', 'failed', 'dead') AND updated_at < $1
		RETURNING `+jobColumns+`
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune terminal jobs: %w", err)
	}
	defer rows.Close()

	var pruned []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pruned job: %w", err)
		}
		pruned = append(pruned, job)
	}
	return pruned, rows.Err()
}

// BeginWebhookEvent upserts the event as processing unless it already
// reached processed. The conditional DO UPDATE makes redelivery of a
// processed event a no-op that scans zero rows.
func (s *Postgres) BeginWebhookEvent(ctx context.Context, id, eventType string, payload json.RawMessage) (bool, error) {
	var claimed string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (id, event_type, payload, status, attempt_count, last_error, received_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, NULL, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			payload = EXCLUDED.payload,
			status = EXCLUDED.status,
			attempt_count = webhook_events.attempt_count + 1,
			last_error = NULL,
			updated_at = NOW()
		WHERE webhook_events.status <> 'processed'
		RETURNING id
	`, id, eventType, []byte(payload), models.WebhookProcessing).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("begin webhook event: %w", err)
	}
	return true, nil
}

func (s *Postgres) FinishWebhookEvent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, processed_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.WebhookProcessed)
	return err
}

func (s *Postgres) FailWebhookEvent(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.WebhookFailed, errMsg)
	return err
}

func (s *Postgres) GetWebhookEvent(ctx context.Context, id string) (models.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, event_type, payload, status, attempt_count, last_error, received_at, processed_at, updated_at
		FROM webhook_events WHERE id = $1
	`, id)

	var ev models.WebhookEvent
	var payload []byte
	var lastErr pgtype.Text
	var processedAt pgtype.Timestamptz
	if err := row.Scan(&ev.ID, &ev.Type, &payload, &ev.Status, &ev.AttemptCount, &lastErr, &ev.ReceivedAt, &processedAt, &ev.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WebhookEvent{}, ErrNotFound
		}
		return models.WebhookEvent{}, fmt.Errorf("scan webhook event: %w", err)
	}
	ev.Payload = payload
	ev.LastError = textPtr(lastErr)
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

func (s *Postgres) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	var t models.Tenant
	var teamNumber pgtype.Int4
	err := s.pool.QueryRow(ctx, `SELECT id, team_number, plan_tier FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &teamNumber, &t.PlanTier)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, ErrNotFound
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("scan tenant: %w", err)
	}
	if teamNumber.Valid {
		n := int(teamNumber.Int32)
		t.TeamNumber = &n
	}
	return t, nil
}

func (s *Postgres) PutTenant(ctx context.Context, t models.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, team_number, plan_tier) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET team_number = EXCLUDED.team_number, plan_tier = EXCLUDED.plan_tier
	`, t.ID, t.TeamNumber, models.NormalizePlanTier(t.PlanTier))
	return err
}

func (s *Postgres) SetTenantPlan(ctx context.Context, id, planTier string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tenants SET plan_tier = $2 WHERE id = $1`, id, models.NormalizePlanTier(planTier))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SaveEventSnapshot(ctx context.Context, snap models.EventSnapshot) error {
	teams, err := json.Marshal(snap.TeamNumbers)
	if err != nil {
		return fmt.Errorf("marshal team numbers: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO event_snapshots (resource_key, name, year, team_numbers, match_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (resource_key) DO UPDATE SET
			name = EXCLUDED.name, year = EXCLUDED.year,
			team_numbers = EXCLUDED.team_numbers, match_count = EXCLUDED.match_count,
			updated_at = NOW()
	`, snap.ResourceKey, snap.Name, snap.Year, teams, snap.MatchCount)
	return err
}

func (s *Postgres) GetEventSnapshot(ctx context.Context, resourceKey string) (models.EventSnapshot, error) {
	var snap models.EventSnapshot
	var teams []byte
	err := s.pool.QueryRow(ctx, `
		SELECT resource_key, name, year, team_numbers, match_count FROM event_snapshots WHERE resource_key = $1
	`, resourceKey).Scan(&snap.ResourceKey, &snap.Name, &snap.Year, &teams, &snap.MatchCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EventSnapshot{}, ErrNotFound
	}
	if err != nil {
		return models.EventSnapshot{}, fmt.Errorf("scan event snapshot: %w", err)
	}
	if err := json.Unmarshal(teams, &snap.TeamNumbers); err != nil {
		return models.EventSnapshot{}, fmt.Errorf("unmarshal team numbers: %w", err)
	}
	return snap, nil
}

func (s *Postgres) SaveTeamStats(ctx context.Context, resourceKey string, teamNumber int, epa float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO team_stats (resource_key, team_number, epa, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (resource_key, team_number) DO UPDATE SET epa = EXCLUDED.epa, updated_at = NOW()
	`, resourceKey, teamNumber, epa)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

var _ Store = (*Postgres)(nil)
