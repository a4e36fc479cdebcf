package worker

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"event-sync-service/internal/executor"
	"event-sync-service/internal/models"
	"event-sync-service/internal/store"
)

type scriptedExec struct {
	outcomes map[string]executor.Outcome
	executed []string
}

func (s *scriptedExec) Execute(_ context.Context, job models.Job) executor.Outcome {
	s.executed = append(s.executed, job.ResourceKey)
	if o, ok := s.outcomes[job.ResourceKey]; ok {
		return o
	}
	return executor.OutcomeCompleted
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func seedJob(t *testing.T, st *store.Memory, resourceKey string) {
	t.Helper()
	_, _, err := st.EnqueueJob(context.Background(), store.EnqueueParams{
		TenantID:    "org1",
		ResourceKey: resourceKey,
		Kind:        models.KindFull,
		MaxAttempts: 5,
		StatusMsg:   "queued",
	})
	if err != nil {
		t.Fatalf("enqueue %s: %v", resourceKey, err)
	}
}

func TestSweepCountsOutcomes(t *testing.T) {
	st := store.NewMemory()
	seedJob(t, st, "2025hiho")
	seedJob(t, st, "2025casj")
	seedJob(t, st, "2025milw")
	seedJob(t, st, "2025txfor")

	exec := &scriptedExec{outcomes: map[string]executor.Outcome{
		"2025casj":  executor.OutcomeRetried,
		"2025milw":  executor.OutcomeFailed,
		"2025txfor": executor.OutcomeDead,
	}}
	sweeper := NewSweeper(st, exec, testLogger(), nil, time.Hour, time.Minute, time.Hour)

	counts, err := sweeper.Sweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if counts.Claimed != 4 {
		t.Fatalf("claimed = %d, want 4", counts.Claimed)
	}
	if counts.Succeeded != 1 || counts.Retried != 1 || counts.Failed != 1 || counts.Dead != 1 {
		t.Fatalf("counts = %+v", counts)
	}
	if len(exec.executed) != 4 {
		t.Fatalf("executed %d jobs, want 4", len(exec.executed))
	}
}

func TestSweepRespectsBatchSize(t *testing.T) {
	st := store.NewMemory()
	seedJob(t, st, "2025hiho")
	seedJob(t, st, "2025casj")
	seedJob(t, st, "2025milw")

	exec := &scriptedExec{}
	sweeper := NewSweeper(st, exec, testLogger(), nil, time.Hour, time.Minute, time.Hour)

	counts, err := sweeper.Sweep(context.Background(), 2)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if counts.Claimed != 2 {
		t.Fatalf("claimed = %d, want 2", counts.Claimed)
	}
}

func TestSweepReleasesClaimsPastBudget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedJob(t, st, "2025hiho")
	seedJob(t, st, "2025casj")

	exec := &scriptedExec{}
	// A negative budget means the deadline passed before the first job.
	sweeper := NewSweeper(st, exec, testLogger(), nil, time.Hour, -time.Second, time.Hour)

	counts, err := sweeper.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if counts.Released != 2 || counts.Succeeded != 0 {
		t.Fatalf("counts = %+v", counts)
	}
	if len(exec.executed) != 0 {
		t.Fatalf("no job should execute past the budget")
	}

	// Released claims do not charge the attempt and stay claimable.
	jobs, err := st.ClaimDueJobs(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("reclaimed %d jobs, want 2", len(jobs))
	}
	for _, job := range jobs {
		if job.AttemptCount != 1 {
			t.Fatalf("attempt refund failed: attempts=%d", job.AttemptCount)
		}
	}
}

func TestSweepReclaimsStrandedClaims(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedJob(t, st, "2025hiho")

	// A worker claims the job and dies before writing any further state.
	claimed, err := st.ClaimDueJobs(ctx, time.Now(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: jobs=%v err=%v", claimed, err)
	}

	exec := &scriptedExec{}
	// A negative lease puts the cutoff in the future, so the fresh claim
	// already counts as expired.
	sweeper := NewSweeper(st, exec, testLogger(), nil, time.Hour, time.Minute, -time.Second)

	counts, err := sweeper.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if counts.Reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", counts.Reclaimed)
	}
	// The reclaimed job is due again and runs in the same sweep.
	if counts.Claimed != 1 || counts.Succeeded != 1 {
		t.Fatalf("counts = %+v", counts)
	}
	if len(exec.executed) != 1 {
		t.Fatalf("executed = %v", exec.executed)
	}
}

type recordingArchiver struct {
	archived []string
}

func (a *recordingArchiver) Archive(_ context.Context, job models.Job) error {
	a.archived = append(a.archived, job.ID)
	return nil
}

func TestSweepPrunesAndArchivesTerminalJobs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedJob(t, st, "2025hiho")

	jobs, err := st.ClaimDueJobs(ctx, time.Now(), 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim: jobs=%v err=%v", jobs, err)
	}
	if err := st.CompleteJob(ctx, jobs[0].ID, models.SyncResult{Synced: 1, Total: 1}, nil, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	archiver := &recordingArchiver{}
	// Retention below the clock resolution makes the finished job prunable
	// on the next sweep.
	sweeper := NewSweeper(st, &scriptedExec{}, testLogger(), archiver, -time.Second, time.Minute, time.Hour)

	counts, err := sweeper.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if counts.Pruned != 1 {
		t.Fatalf("pruned = %d, want 1", counts.Pruned)
	}
	if len(archiver.archived) != 1 || archiver.archived[0] != jobs[0].ID {
		t.Fatalf("archived = %v", archiver.archived)
	}
	if _, err := st.GetJob(ctx, jobs[0].ID); err != store.ErrNotFound {
		t.Fatalf("pruned job still present: %v", err)
	}
}

func TestRunnerNotifyNeverBlocks(t *testing.T) {
	sweeper := NewSweeper(store.NewMemory(), &scriptedExec{}, testLogger(), nil, time.Hour, time.Minute, time.Hour)
	runner := NewRunner(sweeper, time.Hour, 5, testLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			runner.Notify()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Notify blocked")
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	st := store.NewMemory()
	sweeper := NewSweeper(st, &scriptedExec{}, testLogger(), nil, time.Hour, time.Minute, time.Hour)
	runner := NewRunner(sweeper, 10*time.Millisecond, 5, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("runner did not stop")
	}
}

func TestRunnerWakeTriggersSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	seedJob(t, st, "2025hiho")
	exec := &scriptedExec{}
	sweeper := NewSweeper(st, exec, testLogger(), nil, time.Hour, time.Minute, time.Hour)
	runner := NewRunner(sweeper, time.Hour, 5, testLogger())

	go func() { _ = runner.Run(ctx) }()
	runner.Notify()

	deadline := time.After(time.Second)
	for {
		n, err := st.CountDueJobs(ctx, time.Now())
		if err == nil && n == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("wake did not trigger a sweep, %d jobs still due", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
