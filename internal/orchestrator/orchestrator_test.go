package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/krpothula/cryoprocess/internal/adapter"
	"github.com/krpothula/cryoprocess/internal/builder"
	"github.com/krpothula/cryoprocess/internal/bus"
	"github.com/krpothula/cryoprocess/internal/model"
	"github.com/krpothula/cryoprocess/internal/store"
)

type fakeSubmitter struct {
	nextID string
	err    error
	calls  int
}

func (f *fakeSubmitter) Submit(ctx context.Context, script string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.nextID, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func baseConfig(watchDir string) model.Config {
	return model.Config{
		ProjectID: "proj-1",
		InputMode: model.InputModeWatch,
		WatchPath: watchDir,
		Glob:      "*.mrc",
		Stages: map[model.Stage]model.StageParams{
			model.StageImport:     {Enabled: true, Fields: map[string]any{}},
			model.StageMotionCorr: {Enabled: true, Fields: map[string]any{}},
			model.StageCtfFind:    {Enabled: true, Fields: map[string]any{}},
			model.StageAutoPick:   {Enabled: true, Fields: map[string]any{}},
			model.StageExtract:    {Enabled: true, Fields: map[string]any{}},
			model.StageClass2D:    {Enabled: false, Fields: map[string]any{}},
		},
		ResourceHints: map[model.Stage]model.ResourceHint{},
		Quality:       model.QualityThresholds{ParticleThreshold: 1000},
	}
}

func TestOrchestratorStateMachineTransitions(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	sub := &fakeSubmitter{nextID: "1"}
	orch := New(st, b, sub)

	dir := t.TempDir()
	sess, err := orch.CreateSession(context.Background(), baseConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != model.SessionPending {
		t.Fatalf("expected pending, got %s", sess.Status)
	}

	if err := orch.Pause(context.Background(), sess.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition pausing a pending session, got %v", err)
	}

	if err := orch.Start(context.Background(), sess.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop(context.Background(), sess.ID)

	got, err := orch.Snapshot(context.Background(), sess.ID)
	if err != nil || got.Status != model.SessionRunning {
		t.Fatalf("expected running, got %v err=%v", got, err)
	}

	if err := orch.Pause(context.Background(), sess.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ = orch.Snapshot(context.Background(), sess.ID)
	if got.Status != model.SessionPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}

	if err := orch.Resume(context.Background(), sess.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = orch.Snapshot(context.Background(), sess.ID)
	if got.Status != model.SessionRunning {
		t.Fatalf("expected running after resume, got %s", got.Status)
	}
}

func TestOrchestratorStopIsTerminalAndRejectsReStop(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	sub := &fakeSubmitter{nextID: "1"}
	orch := New(st, b, sub)

	sess, _ := orch.CreateSession(context.Background(), baseConfig(t.TempDir()))
	if err := orch.Start(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := orch.Stop(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := orch.Stop(context.Background(), sess.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition re-stopping, got %v", err)
	}
}

// TestPassAlgorithmAdvancesStageOnPredecessorSuccess exercises the
// synchronous submit/evaluate helpers directly rather than waiting on the
// 5s pass-loop ticker.
func TestPassAlgorithmAdvancesStageOnPredecessorSuccess(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	sub := &fakeSubmitter{nextID: "42"}
	writeScript = func(path, content string) error { return nil }
	defer func() { writeScript = defaultWriteScript }()

	cfg := baseConfig(t.TempDir())
	session := &model.SessionState{
		ID: "sess-x", Config: cfg, Status: model.SessionRunning,
		Jobs: model.NewJobsMap(), CreatedAt: time.Now(), Class2DNextK: 1,
	}
	if err := st.CreateSession(context.Background(), session); err != nil {
		t.Fatal(err)
	}

	r := newSessionRunner(st, b, sub, adapter.NewStubAdapter(), session.ID)

	jobID := r.submit(context.Background(), session, model.StageImport, cfg.Stages[model.StageImport], builder.ResolvedInputs{})
	if jobID == "" {
		t.Fatal("expected import job to submit")
	}
	if _, _, err := st.TransitionJob(context.Background(), jobID, model.JobSuccess, "", true); err != nil {
		t.Fatal(err)
	}
	session, _ = st.GetSession(context.Background(), session.ID)

	advanced := r.maybeSubmitStage(context.Background(), session, model.StageImport, model.StageMotionCorr)
	if !advanced {
		t.Fatal("expected MotionCorr to be submitted once Import succeeded")
	}
	session, _ = st.GetSession(context.Background(), session.ID)
	if _, ok := session.Jobs.Latest[model.StageMotionCorr]; !ok {
		t.Fatal("expected a MotionCorr job to be recorded")
	}

	// A second evaluation against the same predecessor job must not
	// resubmit (already consumed).
	again := r.maybeSubmitStage(context.Background(), session, model.StageImport, model.StageMotionCorr)
	if again {
		t.Fatal("expected no resubmission against an already-consumed predecessor")
	}
	if sub.calls != 2 {
		t.Fatalf("expected exactly 2 submissions total, got %d", sub.calls)
	}
}

func TestPassAlgorithmDoesNotAdvanceOnPredecessorFailure(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	sub := &fakeSubmitter{nextID: "7"}
	writeScript = func(path, content string) error { return nil }
	defer func() { writeScript = defaultWriteScript }()

	cfg := baseConfig(t.TempDir())
	session := &model.SessionState{
		ID: "sess-y", Config: cfg, Status: model.SessionRunning,
		Jobs: model.NewJobsMap(), CreatedAt: time.Now(), Class2DNextK: 1,
	}
	st.CreateSession(context.Background(), session)

	r := newSessionRunner(st, b, sub, adapter.NewStubAdapter(), session.ID)
	jobID := r.submit(context.Background(), session, model.StageImport, cfg.Stages[model.StageImport], builder.ResolvedInputs{})
	st.TransitionJob(context.Background(), jobID, model.JobFailed, "boom", true)
	session, _ = st.GetSession(context.Background(), session.ID)

	if r.maybeSubmitStage(context.Background(), session, model.StageImport, model.StageMotionCorr) {
		t.Fatal("expected no submission when predecessor failed")
	}
}

func TestPipelinePassRecordsOnExtractSuccess(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	sub := &fakeSubmitter{nextID: "9"}
	writeScript = func(path, content string) error { return nil }
	defer func() { writeScript = defaultWriteScript }()

	cfg := baseConfig(t.TempDir())
	session := &model.SessionState{
		ID: "sess-z", Config: cfg, Status: model.SessionRunning,
		Jobs: model.NewJobsMap(), CreatedAt: time.Now(), Class2DNextK: 1,
	}
	st.CreateSession(context.Background(), session)

	r := newSessionRunner(st, b, sub, adapter.NewStubAdapter(), session.ID)
	jobID := r.submit(context.Background(), session, model.StageExtract, cfg.Stages[model.StageExtract], builder.ResolvedInputs{})
	st.UpdateJobStats(context.Background(), jobID, model.Stats{ParticleCount: 500})
	st.TransitionJob(context.Background(), jobID, model.JobSuccess, "", true)
	session, _ = st.GetSession(context.Background(), session.ID)

	if !r.maybeRecordStageCounts(context.Background(), session, model.StageExtract) {
		t.Fatal("expected Extract counters to be recorded")
	}
	if !r.maybePipelinePass(context.Background(), session) {
		t.Fatal("expected pass to be recorded")
	}
	session, _ = st.GetSession(context.Background(), session.ID)
	if session.PassNumber != 1 || len(session.PassHistory) != 1 {
		t.Fatalf("expected 1 recorded pass, got passNumber=%d history=%d", session.PassNumber, len(session.PassHistory))
	}
	if session.Counters.ExtractedParticles != 500 {
		t.Fatalf("expected 500 extracted particles counted, got %d", session.Counters.ExtractedParticles)
	}

	// Re-evaluating against the same Extract job must not double-count.
	if r.maybePipelinePass(context.Background(), session) {
		t.Fatal("expected no duplicate pass record for the same extract job")
	}
}

func TestSubmitFailureIsLoggedAndJobMarkedFailed(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	sub := &fakeSubmitter{err: errors.New("sbatch: connection refused")}
	writeScript = func(path, content string) error { return nil }
	defer func() { writeScript = defaultWriteScript }()

	cfg := baseConfig(t.TempDir())
	session := &model.SessionState{
		ID: "sess-fail", Config: cfg, Status: model.SessionRunning,
		Jobs: model.NewJobsMap(), CreatedAt: time.Now(), Class2DNextK: 1,
	}
	st.CreateSession(context.Background(), session)

	r := newSessionRunner(st, b, sub, adapter.NewStubAdapter(), session.ID)
	jobID := r.submit(context.Background(), session, model.StageImport, cfg.Stages[model.StageImport], builder.ResolvedInputs{})
	if jobID != "" {
		t.Fatal("expected empty job id on submission failure")
	}

	entries, err := st.ListActivity(context.Background(), session.ID, model.ActivityFilter{})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Kind == model.EventJobFailed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a job_failed activity entry")
	}
}

// TestMaybeRecordStageCountsWiresEveryStage exercises spec.md §8 scenario
// 1's per-stage cumulative counters end to end: each stage's success must
// bump its own counter, and a repeated evaluation against the same job must
// not double-count.
func TestMaybeRecordStageCountsWiresEveryStage(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	sub := &fakeSubmitter{nextID: "100"}
	writeScript = func(path, content string) error { return nil }
	defer func() { writeScript = defaultWriteScript }()

	cfg := baseConfig(t.TempDir())
	session := &model.SessionState{
		ID: "sess-counters", Config: cfg, Status: model.SessionRunning,
		Jobs: model.NewJobsMap(), CreatedAt: time.Now(), Class2DNextK: 1,
	}
	st.CreateSession(context.Background(), session)

	r := newSessionRunner(st, b, sub, adapter.NewStubAdapter(), session.ID)

	stages := []struct {
		stage model.Stage
		field func(model.Counters) int
	}{
		{model.StageImport, func(c model.Counters) int { return c.Imported }},
		{model.StageMotionCorr, func(c model.Counters) int { return c.MotionCorrected }},
		{model.StageCtfFind, func(c model.Counters) int { return c.CtfEstimated }},
		{model.StageAutoPick, func(c model.Counters) int { return c.Picked }},
	}

	for _, sc := range stages {
		jobID := r.submit(context.Background(), session, sc.stage, cfg.Stages[sc.stage], builder.ResolvedInputs{})
		st.UpdateJobStats(context.Background(), jobID, model.Stats{MicrographCount: 2})
		st.TransitionJob(context.Background(), jobID, model.JobSuccess, "", true)
		session, _ = st.GetSession(context.Background(), session.ID)

		if !r.maybeRecordStageCounts(context.Background(), session, sc.stage) {
			t.Fatalf("expected %s counter to be recorded", sc.stage)
		}
		session, _ = st.GetSession(context.Background(), session.ID)
		if got := sc.field(session.Counters); got != 2 {
			t.Fatalf("%s: expected counter 2, got %d", sc.stage, got)
		}

		// A repeated evaluation against the same job must not double-count.
		if r.maybeRecordStageCounts(context.Background(), session, sc.stage) {
			t.Fatalf("%s: expected no recount against the same job", sc.stage)
		}
		session, _ = st.GetSession(context.Background(), session.ID)
		if got := sc.field(session.Counters); got != 2 {
			t.Fatalf("%s: expected counter to stay at 2 after recount attempt, got %d", sc.stage, got)
		}
	}
}

// TestOnStatusChangeRecordsAsyncFailureWithLogExcerpt exercises the Progress
// Bus-driven failure path (review: the Monitor's async sacct/ghost-job
// failures never reached the Log Error Parser). A statusChange to failed
// must produce an error ActivityEntry carrying both the scheduler exit code
// and the first parsed line from the job's log.
func TestOnStatusChangeRecordsAsyncFailureWithLogExcerpt(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	sub := &fakeSubmitter{nextID: "200"}
	writeScript = func(path, content string) error { return nil }
	defer func() { writeScript = defaultWriteScript }()

	cfg := baseConfig(t.TempDir())
	session := &model.SessionState{
		ID: "sess-asyncfail", Config: cfg, Status: model.SessionRunning,
		Jobs: model.NewJobsMap(), CreatedAt: time.Now(), Class2DNextK: 1,
	}
	st.CreateSession(context.Background(), session)

	orch := New(st, b, sub)
	orch.mu.Lock()
	orch.sessions[session.ID] = newSessionRunner(st, b, sub, adapter.NewStubAdapter(), session.ID)
	orch.mu.Unlock()

	r := orch.sessions[session.ID]
	jobID := r.submit(context.Background(), session, model.StageMotionCorr, cfg.Stages[model.StageMotionCorr], builder.ResolvedInputs{})
	job, err := st.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(job.OutputDir, "slurm.err"), []byte("CUDA out of memory\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := st.TransitionJob(context.Background(), jobID, model.JobFailed, "exit code 1", true); err != nil {
		t.Fatal(err)
	}

	b.PublishStatus(bus.StatusChange{
		JobID: jobID, ProjectID: cfg.ProjectID,
		OldStatus: string(model.JobRunning), NewStatus: string(model.JobFailed),
		RawSchedulerState: "FAILED", Source: bus.SourceSacct,
	})

	entries, err := st.ListActivity(context.Background(), session.ID, model.ActivityFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var found *model.ActivityEntry
	for i := range entries {
		if entries[i].Kind == model.EventJobFailed {
			found = &entries[i]
		}
	}
	if found == nil {
		t.Fatal("expected a job_failed activity entry from the async bus path")
	}
	if found.Level != model.LevelError {
		t.Fatalf("expected error level, got %s", found.Level)
	}
	if found.Context["logExcerpt"] != "CUDA out of memory" {
		t.Fatalf("expected parsed log excerpt in context, got %+v", found.Context)
	}
	if found.Context["schedulerExitCode"] != "exit code 1" {
		t.Fatalf("expected scheduler exit code in context, got %+v", found.Context)
	}
}
