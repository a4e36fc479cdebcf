package executor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"event-sync-service/internal/models"
	"event-sync-service/internal/provider"
	"event-sync-service/internal/store"
)

type fakeCompetition struct {
	event       provider.Event
	teams       []provider.Team
	matches     []provider.Match
	eventErr    error
	teamsErr    error
	matchesErr  error
	rankingsErr error
}

func (f *fakeCompetition) FetchEvent(context.Context, string) (provider.Event, error) {
	return f.event, f.eventErr
}

func (f *fakeCompetition) FetchEventTeams(context.Context, string) ([]provider.Team, error) {
	return f.teams, f.teamsErr
}

func (f *fakeCompetition) FetchEventMatches(context.Context, string) ([]provider.Match, error) {
	return f.matches, f.matchesErr
}

func (f *fakeCompetition) FetchEventRankings(context.Context, string) ([]provider.Ranking, error) {
	return nil, f.rankingsErr
}

type fakeStats struct {
	epa  map[int]float64
	errs map[int]error
}

func (f *fakeStats) FetchTeamEPA(_ context.Context, teamNumber, _ int) (float64, error) {
	if err, ok := f.errs[teamNumber]; ok {
		return 0, err
	}
	return f.epa[teamNumber], nil
}

func happyCompetition() *fakeCompetition {
	return &fakeCompetition{
		event: provider.Event{Key: "2025hiho", Name: "Hawaii Regional", Year: 2025},
		teams: []provider.Team{
			{Key: "frc254", TeamNumber: 254},
			{Key: "frc1678", TeamNumber: 1678},
			{Key: "frc368", TeamNumber: 368},
		},
		matches: []provider.Match{
			{Key: "2025hiho_qm1", CompLevel: "qm", MatchNumber: 1},
			{Key: "2025hiho_qm2", CompLevel: "qm", MatchNumber: 2},
		},
	}
}

func happyStats() *fakeStats {
	return &fakeStats{epa: map[int]float64{254: 1790.2, 1678: 1742.8, 368: 1500.1}}
}

func newExecutor(st store.Store, competition CompetitionAPI, stats StatsAPI) *Executor {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(st, competition, stats, log, time.Second, time.Millisecond, 10*time.Millisecond)
}

func enqueueAndClaim(t *testing.T, st *store.Memory, kind string, maxAttempts int) models.Job {
	t.Helper()
	ctx := context.Background()
	_, _, err := st.EnqueueJob(ctx, store.EnqueueParams{
		TenantID:    "org1",
		ResourceKey: "2025hiho",
		Kind:        kind,
		MaxAttempts: maxAttempts,
		StatusMsg:   "queued",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	jobs, err := st.ClaimDueJobs(ctx, time.Now(), 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim: jobs=%v err=%v", jobs, err)
	}
	return jobs[0]
}

func TestExecuteFullSync(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	exec := newExecutor(st, happyCompetition(), happyStats())
	job := enqueueAndClaim(t, st, models.KindFull, 5)

	if outcome := exec.Execute(ctx, job); outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", outcome)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Phase != models.PhaseDone || got.Progress != models.ProgressDone {
		t.Fatalf("phase=%s progress=%d", got.Phase, got.Progress)
	}
	if got.Result == nil || got.Result.Synced != 3 || got.Result.Errors != 0 || got.Result.Total != 3 {
		t.Fatalf("result = %+v", got.Result)
	}
	if got.Result.Teams == nil || *got.Result.Teams != 3 || got.Result.Matches == nil || *got.Result.Matches != 2 {
		t.Fatalf("result counts = %+v", got.Result)
	}
	if got.Warning != nil {
		t.Fatalf("unexpected warning %q", *got.Warning)
	}

	snap, err := st.GetEventSnapshot(ctx, "2025hiho")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Name != "Hawaii Regional" || len(snap.TeamNumbers) != 3 || snap.MatchCount != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestExecuteRecordsRankingsWarning(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	competition := happyCompetition()
	competition.rankingsErr = &provider.StatusError{Code: 404, URL: "/event/2025hiho/rankings"}
	exec := newExecutor(st, competition, happyStats())
	job := enqueueAndClaim(t, st, models.KindFull, 5)

	if outcome := exec.Execute(ctx, job); outcome != OutcomeCompleted {
		t.Fatalf("rankings failure must not fail the job, outcome = %v", outcome)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Warning == nil || *got.Warning != "Rankings are not available for this event yet." {
		t.Fatalf("warning = %v", got.Warning)
	}
}

func TestExecutePartialStatsCompletes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	stats := happyStats()
	stats.errs = map[int]error{
		1678: &provider.StatusError{Code: 404, URL: "/team_year/1678/2025"},
		368:  &provider.StatusError{Code: 500, URL: "/team_year/368/2025"},
	}
	exec := newExecutor(st, happyCompetition(), stats)
	job := enqueueAndClaim(t, st, models.KindFull, 5)

	if outcome := exec.Execute(ctx, job); outcome != OutcomeCompleted {
		t.Fatalf("partial stats must still complete, outcome = %v", outcome)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Phase != models.PhaseDone {
		t.Fatalf("phase = %s", got.Phase)
	}
	if got.Result == nil || got.Result.Synced != 1 || got.Result.Errors != 2 {
		t.Fatalf("result = %+v", got.Result)
	}
	if len(got.Result.FailedTeams) != 2 {
		t.Fatalf("failed teams = %v", got.Result.FailedTeams)
	}
	if got.Warning == nil || *got.Warning != "EPA stats missing for 2 of 3 teams." {
		t.Fatalf("warning = %v", got.Warning)
	}
}

func TestExecuteTransientErrorRetries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	competition := happyCompetition()
	competition.eventErr = &provider.StatusError{Code: 503, URL: "/event/2025hiho"}
	exec := newExecutor(st, competition, happyStats())
	job := enqueueAndClaim(t, st, models.KindFull, 5)

	if outcome := exec.Execute(ctx, job); outcome != OutcomeRetried {
		t.Fatalf("outcome = %v, want retried", outcome)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Phase != models.PhaseRetrying {
		t.Fatalf("phase = %s", got.Phase)
	}
	if !got.RunAfter.After(time.Now().Add(-time.Second)) {
		t.Fatalf("run_after not rescheduled: %s", got.RunAfter)
	}
	if got.Error == nil {
		t.Fatalf("retry should record the last error")
	}
}

func TestExecuteExhaustedAttemptsDeadLetters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	competition := happyCompetition()
	competition.eventErr = &provider.StatusError{Code: 503, URL: "/event/2025hiho"}
	exec := newExecutor(st, competition, happyStats())
	job := enqueueAndClaim(t, st, models.KindFull, 1)

	if outcome := exec.Execute(ctx, job); outcome != OutcomeDead {
		t.Fatalf("outcome = %v, want dead", outcome)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Phase != models.PhaseDead {
		t.Fatalf("phase = %s", got.Phase)
	}
}

func TestExecuteTerminalErrorFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	competition := happyCompetition()
	competition.eventErr = &provider.StatusError{Code: 404, URL: "/event/2025hiho"}
	exec := newExecutor(st, competition, happyStats())
	job := enqueueAndClaim(t, st, models.KindFull, 5)

	if outcome := exec.Execute(ctx, job); outcome != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", outcome)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Phase != models.PhaseFailed {
		t.Fatalf("phase = %s", got.Phase)
	}
	if got.Error == nil {
		t.Fatalf("failed job should record the error")
	}
}

func TestExecuteAllStatsTransientRetries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	stats := &fakeStats{errs: map[int]error{
		254:  &provider.StatusError{Code: 503, URL: "/team_year/254/2025"},
		1678: &provider.StatusError{Code: 503, URL: "/team_year/1678/2025"},
		368:  &provider.StatusError{Code: 503, URL: "/team_year/368/2025"},
	}}
	exec := newExecutor(st, happyCompetition(), stats)
	job := enqueueAndClaim(t, st, models.KindFull, 5)

	if outcome := exec.Execute(ctx, job); outcome != OutcomeRetried {
		t.Fatalf("a stage with zero progress and only transient errors should retry, got %v", outcome)
	}
}

func TestExecuteStatsOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	if err := st.SaveEventSnapshot(ctx, models.EventSnapshot{
		ResourceKey: "2025hiho",
		Name:        "Hawaii Regional",
		Year:        2025,
		TeamNumbers: []int{254, 1678},
		MatchCount:  2,
	}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	exec := newExecutor(st, happyCompetition(), happyStats())
	job := enqueueAndClaim(t, st, models.KindStatsOnly, 5)

	if outcome := exec.Execute(ctx, job); outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", outcome)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Result == nil || got.Result.Synced != 2 || got.Result.Total != 2 {
		t.Fatalf("result = %+v", got.Result)
	}
	// A stats-only run does not recount teams or matches.
	if got.Result.Teams != nil || got.Result.Matches != nil {
		t.Fatalf("stats-only result should not carry event counts: %+v", got.Result)
	}
}

func TestExecuteStatsOnlyWithoutSnapshotFails(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	exec := newExecutor(st, happyCompetition(), happyStats())
	job := enqueueAndClaim(t, st, models.KindStatsOnly, 5)

	if outcome := exec.Execute(ctx, job); outcome != OutcomeFailed {
		t.Fatalf("stats-only without a synced event should fail, got %v", outcome)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Phase != models.PhaseFailed {
		t.Fatalf("phase = %s", got.Phase)
	}
	if got.Error == nil || *got.Error != "Event not found. Sync the event first." {
		t.Fatalf("error = %v, want the actionable sync-the-event-first message", got.Error)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b5 := backoffWithJitter(base, max, 5)
	if b5 < max/2 || b5 > max {
		t.Fatalf("backoff out of range for attempt 5: %s", b5)
	}
}
