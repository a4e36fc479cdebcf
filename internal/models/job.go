package models

import (
	"time"
)

// JobPhase enumerates sync job lifecycle states persisted in the store.
const (
	PhaseQueued       = "queued"
	PhaseRetrying     = "retrying"
	PhaseSyncingEvent = "syncing_event"
	PhaseSyncingStats = "syncing_stats"
	PhaseDone         = "done"
	PhaseFailed       = "failed"
	PhaseDead         = "dead"
)

// Job kinds. A full sync runs the event stage before the stats stage; a
// stats-only sync requires a previously synced event snapshot.
const (
	KindFull      = "full"
	KindStatsOnly = "stats_only"
)

// Progress checkpoints reported to polling clients.
const (
	ProgressAccepted   = 2
	ProgressEventStage = 8
	ProgressStatsOnly  = 12
	ProgressStatsStage = 58
	ProgressDone       = 100
)

// SyncResult is the workflow output recorded on a finished job.
type SyncResult struct {
	EventName   string `json:"event_name"`
	Teams       *int   `json:"teams"`
	Matches     *int   `json:"matches"`
	Synced      int    `json:"synced"`
	Errors      int    `json:"errors"`
	Total       int    `json:"total"`
	FailedTeams []int  `json:"failed_teams"`
}

// Job represents one asynchronous event synchronization workflow.
type Job struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	ResourceKey   string      `json:"resource_key"`
	Kind          string      `json:"kind"`
	Phase         string      `json:"phase"`
	Progress      int         `json:"progress"`
	StatusMessage string      `json:"status_message"`
	Warning       *string     `json:"warning,omitempty"`
	Error         *string     `json:"error,omitempty"`
	Result        *SyncResult `json:"result,omitempty"`
	AttemptCount  int         `json:"attempt_count"`
	MaxAttempts   int         `json:"max_attempts"`
	RunAfter      time.Time   `json:"run_after"`
	RequestedBy   string      `json:"requested_by"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Terminal reports whether the phase is absorbing.
func Terminal(phase string) bool {
	switch phase {
	case PhaseDone, PhaseFailed, PhaseDead:
		return true
	}
	return false
}

// Running reports whether the phase is an in-flight execution stage.
func Running(phase string) bool {
	return phase == PhaseSyncingEvent || phase == PhaseSyncingStats
}

// FirstRunningPhase returns the stage a freshly claimed job enters.
func FirstRunningPhase(kind string) string {
	if kind == KindStatsOnly {
		return PhaseSyncingStats
	}
	return PhaseSyncingEvent
}
