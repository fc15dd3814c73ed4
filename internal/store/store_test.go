package store

import (
	"context"
	"testing"
	"time"

	"github.com/krpothula/cryoprocess/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(id string) *model.SessionState {
	return &model.SessionState{
		ID: id,
		Config: model.Config{
			ProjectID: "proj1",
			InputMode: model.InputModeExisting,
			Stages:    map[model.Stage]model.StageParams{},
		},
		Status:    model.SessionPending,
		Jobs:      model.NewJobsMap(),
		CreatedAt: time.Now(),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := newTestSession("sess1")
	st.Counters.Imported = 2
	if err := s.CreateSession(ctx, st); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "sess1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Counters.Imported != 2 || got.Config.ProjectID != "proj1" {
		t.Fatalf("unexpected session: %+v", got)
	}

	st.Status = model.SessionRunning
	st.Counters.Imported = 5
	if err := s.UpdateSession(ctx, st); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got, _ = s.GetSession(ctx, "sess1")
	if got.Status != model.SessionRunning || got.Counters.Imported != 5 {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSession(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func newTestJob(id, sessionID string, stage model.Stage) *model.Job {
	return &model.Job{
		ID:        id,
		ProjectID: "proj1",
		SessionID: sessionID,
		Stage:     stage,
		Params:    map[string]any{"x": 1.0},
		Command:   "sbatch script.sh",
		OutputDir: "/data/Import/Job001",
		CreatedAt: time.Now(),
		Status:    model.JobPending,
	}
}

// TestTransitionJobTerminalAbsorbing verifies P2: once a job reaches a
// terminal status, further transitions are no-ops.
func TestTransitionJobTerminalAbsorbing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st := newTestSession("sess1")
	s.CreateSession(ctx, st)
	j := newTestJob("job1", "sess1", model.StageImport)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	applied, changed, err := s.TransitionJob(ctx, "job1", model.JobSuccess, "", true)
	if err != nil || !changed || applied != model.JobSuccess {
		t.Fatalf("first transition: applied=%v changed=%v err=%v", applied, changed, err)
	}

	applied, changed, err = s.TransitionJob(ctx, "job1", model.JobFailed, "ignored", true)
	if err != nil {
		t.Fatalf("second transition err: %v", err)
	}
	if changed {
		t.Fatalf("expected terminal job to reject further transition")
	}
	if applied != model.JobSuccess {
		t.Fatalf("expected applied status to remain success, got %v", applied)
	}

	got, _ := s.GetJob(ctx, "job1")
	if got.Status != model.JobSuccess {
		t.Fatalf("job status changed after terminal: %v", got.Status)
	}
}

func TestSetSchedulerIDOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	st := newTestSession("sess1")
	s.CreateSession(ctx, st)
	j := newTestJob("job1", "sess1", model.StageImport)
	s.CreateJob(ctx, j)

	if err := s.SetSchedulerID(ctx, "job1", "1001"); err != nil {
		t.Fatalf("SetSchedulerID: %v", err)
	}
	if err := s.SetSchedulerID(ctx, "job1", "9999"); err != nil {
		t.Fatalf("SetSchedulerID second call: %v", err)
	}
	got, _ := s.GetJob(ctx, "job1")
	if got.SchedulerID != "1001" {
		t.Fatalf("scheduler id was overwritten: %v", got.SchedulerID)
	}
}

func TestActivityAppendOnlyMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.CreateSession(ctx, newTestSession("sess1"))

	for i := 0; i < 3; i++ {
		e, err := s.AppendActivity(ctx, model.ActivityEntry{
			SessionID: "sess1", Level: model.LevelInfo, Kind: model.EventPipelinePass, Message: "tick",
		})
		if err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
		if e.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, e.Seq)
		}
	}

	entries, err := s.ListActivity(ctx, "sess1", model.ActivityFilter{})
	if err != nil {
		t.Fatalf("ListActivity: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// newest first
	if entries[0].Seq != 3 {
		t.Fatalf("expected newest-first ordering, got seq %d first", entries[0].Seq)
	}
}

func TestPassRecordMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.CreateSession(ctx, newTestSession("sess1"))

	for i := 1; i <= 2; i++ {
		err := s.AppendPassRecord(ctx, "sess1", model.PassRecord{
			PassNumber: i, Timestamp: time.Now(), Counters: model.Counters{Imported: i * 2},
		})
		if err != nil {
			t.Fatalf("AppendPassRecord: %v", err)
		}
	}

	got, err := s.GetSession(ctx, "sess1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.PassHistory) != 2 {
		t.Fatalf("expected 2 pass records, got %d", len(got.PassHistory))
	}
	for i, pr := range got.PassHistory {
		if pr.PassNumber != i+1 {
			t.Fatalf("pass record %d has passNumber %d", i, pr.PassNumber)
		}
	}
}

func TestActiveJobsRequiresSchedulerID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.CreateSession(ctx, newTestSession("sess1"))
	j1 := newTestJob("job1", "sess1", model.StageImport)
	s.CreateJob(ctx, j1)
	j2 := newTestJob("job2", "sess1", model.StageMotionCorr)
	s.CreateJob(ctx, j2)
	s.SetSchedulerID(ctx, "job2", "555")

	active, err := s.ActiveJobs(ctx)
	if err != nil {
		t.Fatalf("ActiveJobs: %v", err)
	}
	if len(active) != 1 || active[0].ID != "job2" {
		t.Fatalf("expected only job2 active, got %+v", active)
	}
}

func TestCancelJobsForSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.CreateSession(ctx, newTestSession("sess1"))
	j1 := newTestJob("job1", "sess1", model.StageImport)
	s.CreateJob(ctx, j1)
	s.SetSchedulerID(ctx, "job1", "10")
	s.TransitionJob(ctx, "job1", model.JobRunning, "", false)

	j2 := newTestJob("job2", "sess1", model.StageMotionCorr)
	s.CreateJob(ctx, j2)
	s.TransitionJob(ctx, "job2", model.JobSuccess, "", true)

	ids, err := s.CancelJobsForSession(ctx, "sess1")
	if err != nil {
		t.Fatalf("CancelJobsForSession: %v", err)
	}
	if len(ids) != 1 || ids[0] != "10" {
		t.Fatalf("expected scheduler id 10 to be cancelled, got %v", ids)
	}

	got, _ := s.GetJob(ctx, "job1")
	if got.Status != model.JobCancelled {
		t.Fatalf("job1 not cancelled: %v", got.Status)
	}
	got2, _ := s.GetJob(ctx, "job2")
	if got2.Status != model.JobSuccess {
		t.Fatalf("terminal job2 should be untouched: %v", got2.Status)
	}
}
