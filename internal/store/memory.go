package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"event-sync-service/internal/models"
)

// Memory is an in-process Store for tests and single-instance deployments.
// All mutations happen under one mutex, which gives the same atomicity the
// Postgres implementation gets from conditional updates.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	webhooks  map[string]*models.WebhookEvent
	tenants   map[string]models.Tenant
	snapshots map[string]models.EventSnapshot
	stats     map[string]map[int]float64
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*models.Job),
		webhooks:  make(map[string]*models.WebhookEvent),
		tenants:   make(map[string]models.Tenant),
		snapshots: make(map[string]models.EventSnapshot),
		stats:     make(map[string]map[int]float64),
	}
}

func (m *Memory) findActiveLocked(tenantID, resourceKey string) *models.Job {
	for _, j := range m.jobs {
		if j.TenantID == tenantID && j.ResourceKey == resourceKey && !models.Terminal(j.Phase) {
			return j
		}
	}
	return nil
}

func (m *Memory) EnqueueJob(_ context.Context, p EnqueueParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if active := m.findActiveLocked(p.TenantID, p.ResourceKey); active != nil {
		return *active, true, nil
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:            uuid.New().String(),
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
	}
	m.jobs[job.ID] = job
	return *job, false, nil
}

func (m *Memory) FindActiveJob(_ context.Context, tenantID, resourceKey string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active := m.findActiveLocked(tenantID, resourceKey); active != nil {
		return *active, true, nil
	}
	return models.Job{}, false, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *j, nil
}

func (m *Memory) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*models.Job, 0)
	for _, j := range m.jobs {
		if (j.Phase == models.PhaseQueued || j.Phase == models.PhaseRetrying) && !j.RunAfter.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAfter.Before(due[k].RunAfter) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]models.Job, 0, len(due))
	for _, j := range due {
		j.Phase = models.FirstRunningPhase(j.Kind)
		if p := claimProgress(j.Kind); p > j.Progress {
			j.Progress = p
		}
		j.AttemptCount++
		j.UpdatedAt = time.Now().UTC()
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func claimProgress(kind string) int {
	if kind == models.KindStatsOnly {
		return models.ProgressStatsOnly
	}
	return models.ProgressEventStage
}

func (m *Memory) UpdateJobProgress(_ context.Context, id, phase string, progress int, statusMessage string, warning *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Phase = phase
	if progress > j.Progress {
		j.Progress = progress
	}
	j.StatusMessage = statusMessage
	if warning != nil {
		j.Warning = warning
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CompleteJob(_ context.Context, id string, result models.SyncResult, warning *string, statusMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Phase = models.PhaseDone
	j.Progress = models.ProgressDone
	j.StatusMessage = statusMessage
	if warning != nil {
		j.Warning = warning
	}
	j.Result = &result
	j.Error = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) FailJob(_ context.Context, id, errMsg string) error {
	return m.terminalLocked(id, models.PhaseFailed, errMsg, "Sync failed.")
}

func (m *Memory) DeadLetterJob(_ context.Context, id, errMsg string) error {
	return m.terminalLocked(id, models.PhaseDead, errMsg, "Sync gave up after repeated failures.")
}

func (m *Memory) terminalLocked(id, phase, errMsg, statusMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Phase = phase
	j.StatusMessage = statusMessage
	j.Error = &errMsg
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) RetryJob(_ context.Context, id string, runAfter time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Phase = models.PhaseRetrying
	j.RunAfter = runAfter
	j.Error = &errMsg
	j.StatusMessage = "Temporary problem, retrying..."
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ReleaseJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Phase = models.PhaseRetrying
	j.RunAfter = time.Now().UTC()
	if j.AttemptCount > 0 {
		j.AttemptCount--
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ReclaimStaleJobs(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, j := range m.jobs {
		if models.Running(j.Phase) && j.UpdatedAt.Before(cutoff) {
			j.Phase = models.PhaseRetrying
			j.RunAfter = now
			j.StatusMessage = "Sync interrupted, retrying..."
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountDueJobs(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if (j.Phase == models.PhaseQueued || j.Phase == models.PhaseRetrying) && !j.RunAfter.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) PruneTerminalJobs(_ context.Context, cutoff time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := make([]models.Job, 0)
	for id, j := range m.jobs {
		if models.Terminal(j.Phase) && j.UpdatedAt.Before(cutoff) {
			pruned = append(pruned, *j)
			delete(m.jobs, id)
		}
	}
	return pruned, nil
}

func (m *Memory) BeginWebhookEvent(_ context.Context, id, eventType string, payload json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.webhooks[id]; ok {
		if existing.Status == models.WebhookProcessed {
			return false, nil
		}
		existing.Type = eventType
		existing.Payload = payload
		existing.Status = models.WebhookProcessing
		existing.AttemptCount++
		existing.LastError = nil
		existing.UpdatedAt = now
		return true, nil
	}

	m.webhooks[id] = &models.WebhookEvent{
		ID:           id,
		Type:         eventType,
		Payload:      payload,
		Status:       models.WebhookProcessing,
		AttemptCount: 1,
		ReceivedAt:   now,
		UpdatedAt:    now,
	}
	return true, nil
}

func (m *Memory) FinishWebhookEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	ev.Status = models.WebhookProcessed
	ev.ProcessedAt = &now
	ev.LastError = nil
	ev.UpdatedAt = now
	return nil
}

func (m *Memory) FailWebhookEvent(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	ev.Status = models.WebhookFailed
	ev.LastError = &errMsg
	ev.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GetWebhookEvent(_ context.Context, id string) (models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.webhooks[id]
	if !ok {
		return models.WebhookEvent{}, ErrNotFound
	}
	return *ev, nil
}

func (m *Memory) GetTenant(_ context.Context, id string) (models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return models.Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) PutTenant(_ context.Context, t models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.PlanTier = models.NormalizePlanTier(t.PlanTier)
	m.tenants[t.ID] = t
	return nil
}

func (m *Memory) SetTenantPlan(_ context.Context, id, planTier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.PlanTier = models.NormalizePlanTier(planTier)
	m.tenants[id] = t
	return nil
}

func (m *Memory) SaveEventSnapshot(_ context.Context, snap models.EventSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ResourceKey] = snap
	return nil
}

func (m *Memory) GetEventSnapshot(_ context.Context, resourceKey string) (models.EventSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[resourceKey]
	if !ok {
		return models.EventSnapshot{}, ErrNotFound
	}
	return snap, nil
}

func (m *Memory) SaveTeamStats(_ context.Context, resourceKey string, teamNumber int, epa float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTeam, ok := m.stats[resourceKey]
	if !ok {
		byTeam = make(map[int]float64)
		m.stats[resourceKey] = byTeam
	}
	byTeam[teamNumber] = epa
	return nil
}

var _ Store = (*Memory)(nil)
