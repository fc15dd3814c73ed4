// Package orchestrator implements the Live Session Orchestrator: the state
// machine and pass algorithm that drives one microscope session's movies
// through Import -> MotionCorrection -> CTF -> Pick -> Extract, with an
// optional Class2D side branch (spec.md §4.1).
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krpothula/cryoprocess/internal/adapter"
	"github.com/krpothula/cryoprocess/internal/builder"
	"github.com/krpothula/cryoprocess/internal/bus"
	"github.com/krpothula/cryoprocess/internal/logparser"
	"github.com/krpothula/cryoprocess/internal/model"
	"github.com/krpothula/cryoprocess/internal/store"
	"github.com/krpothula/cryoprocess/internal/watcher"
)

// ErrInvalidTransition is returned when a requested state-machine operation
// does not apply to the Session's current status (spec.md §4.1 state table).
var ErrInvalidTransition = fmt.Errorf("orchestrator: invalid state transition")

// Submitter is the subset of sched.Executor the pass loop needs.
type Submitter interface {
	Submit(ctx context.Context, script string) (string, error)
}

// Orchestrator owns one goroutine per live Session and serializes every
// pass for a given session (spec.md §5: "a session's pass loop is single-
// flight"). It is the only writer of Session.status.
type Orchestrator struct {
	store   *store.Store
	bus     *bus.Bus
	exec    Submitter
	adapter adapter.ResultAdapter

	mu       sync.Mutex
	sessions map[string]*sessionRunner
}

// New constructs an Orchestrator and subscribes it to the Progress Bus
// (spec.md §2: "Orchestrator also subscribes to the Progress Bus to react
// to stage completion"), so every session's pass loop wakes immediately on
// a relevant status change instead of waiting for its own ticker, and every
// stage job that fails gets an error ActivityEntry regardless of which
// session's pass loop happens to notice it next.
func New(st *store.Store, b *bus.Bus, ex Submitter) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		bus:      b,
		exec:     ex,
		adapter:  adapter.NewStubAdapter(),
		sessions: make(map[string]*sessionRunner),
	}
	o.bus.SubscribeStatus(o.onStatusChange)
	return o
}

// onStatusChange is the Progress Bus subscriber. Per spec.md §4.1's
// concurrency note, it never mutates Session state itself -- it only wakes
// the owning session's single pass-loop goroutine early (a cache update,
// not pass logic) and, for a failed job, writes the error ActivityEntry the
// pass loop itself has no occasion to write.
func (o *Orchestrator) onStatusChange(ev bus.StatusChange) {
	ctx := context.Background()
	job, err := o.store.GetJob(ctx, ev.JobID)
	if err != nil {
		return
	}

	o.mu.Lock()
	runner := o.sessions[job.SessionID]
	o.mu.Unlock()
	if runner != nil {
		runner.nudge()
	}

	if ev.NewStatus == string(model.JobFailed) {
		o.recordJobFailure(ctx, job, ev)
	}
}

// recordJobFailure writes the error ActivityEntry spec.md §4.1's failure
// semantics mandate for every stage Job that transitions to failed: the
// scheduler exit code the Monitor already recorded on the Job plus the
// first error line parsed from the job's log (§4.7). Covers the async
// compute-failure path (sacct exit / ghost-job detection); a synchronous
// submission failure writes its own activity entry inline in submit.
func (o *Orchestrator) recordJobFailure(ctx context.Context, job *model.Job, ev bus.StatusChange) {
	stdout, _ := logparser.TailFile(filepath.Join(job.OutputDir, "slurm.out"))
	stderr, _ := logparser.TailFile(filepath.Join(job.OutputDir, "slurm.err"))
	report := logparser.Parse(stdout, stderr)

	firstLine := ""
	if len(report.Findings) > 0 {
		firstLine = report.Findings[0].Line
	}

	msg := fmt.Sprintf("%s job %s failed (%s)", job.Stage, job.ID, job.ErrorMessage)
	if firstLine != "" {
		msg += ": " + firstLine
	}

	o.logEvent(ctx, job.SessionID, model.LevelError, model.EventJobFailed, msg, map[string]any{
		"jobId":             job.ID,
		"stage":             string(job.Stage),
		"schedulerExitCode": job.ErrorMessage,
		"rawSchedulerState": ev.RawSchedulerState,
		"logExcerpt":        firstLine,
	})
}

// CreateSession persists a new Session in SessionPending and prepares (but
// does not start) its runner.
func (o *Orchestrator) CreateSession(ctx context.Context, cfg model.Config) (*model.SessionState, error) {
	st := &model.SessionState{
		ID:        uuid.NewString(),
		Config:    cfg,
		Status:    model.SessionPending,
		Jobs:      model.NewJobsMap(),
		CreatedAt: time.Now(),
		Class2DNextK: 1,
	}
	if err := o.store.CreateSession(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Start transitions a pending Session to running and launches its pass
// loop goroutine (spec.md §4.1).
func (o *Orchestrator) Start(ctx context.Context, sessionID string) error {
	st, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if st.Status != model.SessionPending && st.Status != model.SessionPaused {
		return fmt.Errorf("%w: cannot start session in status %s", ErrInvalidTransition, st.Status)
	}

	o.mu.Lock()
	runner, exists := o.sessions[sessionID]
	if !exists {
		runner = newSessionRunner(o.store, o.bus, o.exec, o.adapter, sessionID)
		o.sessions[sessionID] = runner
	}
	o.mu.Unlock()

	wasPaused := st.Status == model.SessionPaused
	st.Status = model.SessionRunning
	if err := o.store.UpdateSession(ctx, st); err != nil {
		return err
	}
	o.logEvent(ctx, sessionID, model.LevelInfo, model.EventSessionStarted, "session started", nil)

	if !exists {
		runner.start(ctx)
	} else if wasPaused {
		runner.resume()
	}
	return nil
}

// Pause halts new job submissions for a running Session without cancelling
// in-flight jobs (spec.md §4.1).
func (o *Orchestrator) Pause(ctx context.Context, sessionID string) error {
	st, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if st.Status != model.SessionRunning {
		return fmt.Errorf("%w: cannot pause session in status %s", ErrInvalidTransition, st.Status)
	}
	st.Status = model.SessionPaused
	if err := o.store.UpdateSession(ctx, st); err != nil {
		return err
	}
	o.mu.Lock()
	runner := o.sessions[sessionID]
	o.mu.Unlock()
	if runner != nil {
		runner.pause()
	}
	o.logEvent(ctx, sessionID, model.LevelInfo, model.EventSessionPaused, "session paused", nil)
	return nil
}

// Resume is an alias for Start from the paused state, kept as a distinct
// method because the HTTP API exposes /resume as its own verb (spec.md §6).
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	st, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if st.Status != model.SessionPaused {
		return fmt.Errorf("%w: cannot resume session in status %s", ErrInvalidTransition, st.Status)
	}
	o.logEvent(ctx, sessionID, model.LevelInfo, model.EventSessionResumed, "session resumed", nil)
	return o.Start(ctx, sessionID)
}

// Stop transitions a Session to stopped, cancels its active jobs via the
// scheduler, and tears down its runner goroutine (spec.md §4.1).
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	st, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if st.IsTerminal() {
		return fmt.Errorf("%w: session %s already terminal (%s)", ErrInvalidTransition, sessionID, st.Status)
	}

	o.mu.Lock()
	runner, exists := o.sessions[sessionID]
	delete(o.sessions, sessionID)
	o.mu.Unlock()
	if exists {
		runner.stop()
	}

	schedIDs, err := o.store.CancelJobsForSession(ctx, sessionID)
	if err != nil {
		log.Printf("orchestrator: cancel jobs for session %s: %v", sessionID, err)
	}
	if canceller, ok := o.exec.(interface {
		Cancel(ctx context.Context, id string) error
	}); ok {
		for _, id := range schedIDs {
			if err := canceller.Cancel(ctx, id); err != nil {
				log.Printf("orchestrator: scancel %s for session %s: %v", id, sessionID, err)
			}
		}
	}

	st.Status = model.SessionStopped
	if err := o.store.UpdateSession(ctx, st); err != nil {
		return err
	}
	o.logEvent(ctx, sessionID, model.LevelInfo, model.EventSessionStopped, "session stopped", nil)
	return nil
}

// Snapshot returns the current persisted state of a Session.
func (o *Orchestrator) Snapshot(ctx context.Context, sessionID string) (*model.SessionState, error) {
	return o.store.GetSession(ctx, sessionID)
}

func (o *Orchestrator) logEvent(ctx context.Context, sessionID string, level model.ActivityLevel, kind, message string, context map[string]any) {
	_, err := o.store.AppendActivity(ctx, model.ActivityEntry{
		SessionID: sessionID,
		Level:     level,
		Kind:      kind,
		Message:   message,
		Context:   context,
	})
	if err != nil {
		log.Printf("orchestrator: append activity for %s: %v", sessionID, err)
	}
}

// sessionRunner drives a single Session's watcher + pass loop. All of its
// methods that mutate runtime fields (paused, ctx/cancel) take runMu.
type sessionRunner struct {
	store     *store.Store
	bus       *bus.Bus
	exec      Submitter
	adapter   adapter.ResultAdapter
	sessionID string

	runMu  sync.Mutex
	paused bool
	cancel context.CancelFunc

	w        *watcher.Watcher
	settled  chan watcher.Event
	pending  []string
	pendingMu sync.Mutex

	// wake lets the Progress Bus subscription (onStatusChange) nudge this
	// session's pass loop into an early evaluate() instead of waiting out
	// the ticker, without ever calling evaluate() itself (spec.md §4.1
	// concurrency note: bus events update caches, they never interleave
	// with pass logic).
	wake chan struct{}

	stageConsumed map[model.Stage]string // stage -> predecessor job ID already consumed
	stageCounted  map[model.Stage]string // stage -> job ID whose counters were already applied
}

func newSessionRunner(st *store.Store, b *bus.Bus, ex Submitter, ad adapter.ResultAdapter, sessionID string) *sessionRunner {
	return &sessionRunner{
		store:         st,
		bus:           b,
		exec:          ex,
		adapter:       ad,
		sessionID:     sessionID,
		wake:          make(chan struct{}, 1),
		stageConsumed: make(map[model.Stage]string),
		stageCounted:  make(map[model.Stage]string),
	}
}

// nudge wakes the pass loop early without blocking; a loop already about to
// run (or already woken) just coalesces into the same evaluate() call.
func (r *sessionRunner) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *sessionRunner) start(parent context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	r.runMu.Lock()
	r.cancel = cancel
	r.runMu.Unlock()

	st, err := r.store.GetSession(ctx, r.sessionID)
	if err != nil {
		log.Printf("orchestrator: start: get session %s: %v", r.sessionID, err)
		return
	}

	r.w = watcher.New(st.Config.WatchPath, st.Config.Glob, watcher.Mode(st.Config.InputMode), 0)
	r.settled = make(chan watcher.Event, 256)
	go r.w.Run(ctx, r.settled)

	go r.consumeSettled(ctx)
	go r.passLoop(ctx)
}

func (r *sessionRunner) pause() {
	r.runMu.Lock()
	r.paused = true
	r.runMu.Unlock()
}

func (r *sessionRunner) resume() {
	r.runMu.Lock()
	r.paused = false
	r.runMu.Unlock()
}

func (r *sessionRunner) isPaused() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.paused
}

func (r *sessionRunner) stop() {
	r.runMu.Lock()
	cancel := r.cancel
	r.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if r.w != nil {
		r.w.Close()
	}
}

func (r *sessionRunner) consumeSettled(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-r.settled:
			if !ok {
				return
			}
			r.pendingMu.Lock()
			r.pending = append(r.pending, e.Path)
			r.pendingMu.Unlock()
		}
	}
}

func (r *sessionRunner) passLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.isPaused() {
				continue
			}
			r.evaluate(ctx)
		case <-r.wake:
			if r.isPaused() {
				continue
			}
			r.evaluate(ctx)
		}
	}
}

// evaluate runs one pass evaluation: advance every stage whose predecessor
// has succeeded, react to failures, and check for natural completion.
func (r *sessionRunner) evaluate(ctx context.Context) {
	st, err := r.store.GetSession(ctx, r.sessionID)
	if err != nil {
		log.Printf("orchestrator: evaluate: get session %s: %v", r.sessionID, err)
		return
	}
	if st.Status != model.SessionRunning {
		return
	}

	advanced := false

	if r.maybeSubmitImport(ctx, st) {
		advanced = true
	}

	stages := []model.Stage{model.StageImport, model.StageMotionCorr, model.StageCtfFind, model.StageAutoPick, model.StageExtract}
	for i := 1; i < len(stages); i++ {
		if r.maybeSubmitStage(ctx, st, stages[i-1], stages[i]) {
			advanced = true
		}
	}

	for _, stage := range stages {
		if r.maybeRecordStageCounts(ctx, st, stage) {
			advanced = true
		}
	}

	r.maybeSubmitClass2D(ctx, st)

	if r.maybePipelinePass(ctx, st) {
		advanced = true
	}

	if !advanced {
		r.maybeCompleteExisting(ctx, st)
	}
}

func (r *sessionRunner) maybeSubmitImport(ctx context.Context, st *model.SessionState) bool {
	r.pendingMu.Lock()
	batch := r.pending
	r.pending = nil
	r.pendingMu.Unlock()
	if len(batch) == 0 {
		return false
	}

	params := st.Config.Stages[model.StageImport]
	if !params.Enabled {
		return false
	}
	return r.submit(ctx, st, model.StageImport, params, builder.ResolvedInputs{Files: batch}) != ""
}

// maybeSubmitStage submits the next stage's job once its predecessor's
// latest job has succeeded and this predecessor output hasn't already been
// consumed by this stage (spec.md §4.1 "submit-if-predecessor-success").
func (r *sessionRunner) maybeSubmitStage(ctx context.Context, st *model.SessionState, predecessor, stage model.Stage) bool {
	params := st.Config.Stages[stage]
	if !params.Enabled {
		return false
	}

	predJobID, ok := st.Jobs.Latest[predecessor]
	if !ok {
		return false
	}
	predJob, err := r.store.GetJob(ctx, predJobID)
	if err != nil || predJob.Status != model.JobSuccess {
		return false
	}
	if r.stageConsumed[stage] == predJobID {
		return false // already submitted against this predecessor output
	}

	jobID := r.submit(ctx, st, stage, params, builder.ResolvedInputs{Files: []string{predJob.OutputDir}})
	if jobID == "" {
		return false
	}
	r.stageConsumed[stage] = predJobID
	return true
}

// maybeRecordStageCounts increments stage's cumulative counter the first
// time its latest job is observed to have succeeded, reading the
// authoritative count through the stage's ResultAdapter rather than poking
// at Job.Stats directly (SPEC_FULL.md §3; spec.md §8 scenario 1's
// per-stage movies_imported/movies_motion/movies_ctf/movies_picked
// expectations).
func (r *sessionRunner) maybeRecordStageCounts(ctx context.Context, st *model.SessionState, stage model.Stage) bool {
	jobID, ok := st.Jobs.Latest[stage]
	if !ok {
		return false
	}
	if r.stageCounted[stage] == jobID {
		return false
	}
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil || job.Status != model.JobSuccess {
		return false
	}

	counts, err := r.adapter.CumulativeCounts(job)
	if err != nil {
		log.Printf("orchestrator: cumulative counts for %s/%s: %v", r.sessionID, jobID, err)
		return false
	}

	switch stage {
	case model.StageImport:
		st.Counters.Imported += counts.MicrographCount
	case model.StageMotionCorr:
		st.Counters.MotionCorrected += counts.MicrographCount
	case model.StageCtfFind:
		st.Counters.CtfEstimated += counts.MicrographCount
	case model.StageAutoPick:
		st.Counters.Picked += counts.MicrographCount
	case model.StageExtract:
		st.Counters.Extracted += counts.MicrographCount
		st.Counters.ExtractedParticles += counts.ParticleCount
	}
	r.stageCounted[stage] = jobID

	if err := r.store.UpdateSession(ctx, st); err != nil {
		log.Printf("orchestrator: persist counters for %s: %v", r.sessionID, err)
	}
	return true
}

// maybeSubmitClass2D fires when Extract's cumulative particle count
// crosses the next multiple of the quality threshold (spec.md §4.1 step
// 5). A failed Class2D run never halts the main pipeline.
func (r *sessionRunner) maybeSubmitClass2D(ctx context.Context, st *model.SessionState) {
	params := st.Config.Stages[model.StageClass2D]
	if !params.Enabled {
		return
	}
	threshold := st.Config.Quality.ParticleThreshold
	if threshold <= 0 {
		return
	}

	extractJobID, ok := st.Jobs.Latest[model.StageExtract]
	if !ok {
		return
	}
	extractJob, err := r.store.GetJob(ctx, extractJobID)
	if err != nil || extractJob.Status != model.JobSuccess {
		return
	}

	k := st.Class2DNextK
	if k <= 0 {
		k = 1
	}
	if st.Counters.ExtractedParticles < k*threshold {
		return
	}

	jobID := r.submit(ctx, st, model.StageClass2D, params, builder.ResolvedInputs{Files: []string{extractJob.OutputDir}})
	if jobID == "" {
		return
	}
	st.Class2DNextK = k + 1
	if err := r.store.UpdateSession(ctx, st); err != nil {
		log.Printf("orchestrator: persist class2d counter for %s: %v", r.sessionID, err)
	}
	r.store.AppendActivity(ctx, model.ActivityEntry{
		SessionID: r.sessionID,
		Level:     model.LevelInfo,
		Stage:     model.StageClass2D,
		Kind:      model.EventClass2DTriggered,
		Message:   fmt.Sprintf("Class2D triggered at %d particles (threshold x%d)", st.Counters.ExtractedParticles, k),
	})
}

// maybePipelinePass checks whether the terminal stage (Extract) has newly
// succeeded for the current batch and, if so, records a PassRecord. The
// cumulative counters it snapshots into the record were already brought
// current this same tick by maybeRecordStageCounts, which runs first in
// evaluate (spec.md §4.1 step 4).
func (r *sessionRunner) maybePipelinePass(ctx context.Context, st *model.SessionState) bool {
	extractJobID, ok := st.Jobs.Latest[model.StageExtract]
	if !ok {
		return false
	}
	if r.stageConsumed["__pass_recorded__"] == extractJobID {
		return false
	}
	extractJob, err := r.store.GetJob(ctx, extractJobID)
	if err != nil || extractJob.Status != model.JobSuccess {
		return false
	}

	st.PassNumber++
	now := time.Now()
	st.LastPassAt = &now

	if err := r.store.UpdateSession(ctx, st); err != nil {
		log.Printf("orchestrator: update session after pass %s: %v", r.sessionID, err)
		return false
	}
	if err := r.store.AppendPassRecord(ctx, r.sessionID, model.PassRecord{
		PassNumber: st.PassNumber,
		Timestamp:  now,
		Counters:   st.Counters,
	}); err != nil {
		log.Printf("orchestrator: append pass record %s: %v", r.sessionID, err)
	}
	r.store.AppendActivity(ctx, model.ActivityEntry{
		SessionID: r.sessionID,
		Level:     model.LevelSuccess,
		Kind:      model.EventPipelinePass,
		Message:   fmt.Sprintf("pass %d complete: %d particles extracted", st.PassNumber, extractJob.Stats.ParticleCount),
	})
	r.stageConsumed["__pass_recorded__"] = extractJobID
	return true
}

// maybeCompleteExisting marks an "existing"-mode Session completed once the
// watcher has been idle for two consecutive ticks and nothing remains
// in-flight (spec.md §4.1 step 6).
func (r *sessionRunner) maybeCompleteExisting(ctx context.Context, st *model.SessionState) {
	if st.Config.InputMode != model.InputModeExisting {
		return
	}
	if r.w == nil || r.w.IdleTicks() < 2 {
		return
	}
	r.pendingMu.Lock()
	hasPending := len(r.pending) > 0
	r.pendingMu.Unlock()
	if hasPending {
		return
	}
	for _, jobID := range st.Jobs.Latest {
		job, err := r.store.GetJob(ctx, jobID)
		if err != nil || !job.Status.IsTerminal() {
			return
		}
	}

	st.Status = model.SessionCompleted
	if err := r.store.UpdateSession(ctx, st); err != nil {
		log.Printf("orchestrator: complete session %s: %v", r.sessionID, err)
		return
	}
	r.store.AppendActivity(ctx, model.ActivityEntry{
		SessionID: r.sessionID,
		Level:     model.LevelSuccess,
		Kind:      model.EventPipelineComplete,
		Message:   "existing-mode session completed: no new input after two idle ticks",
	})
}

// submit builds and submits one job for stage, recording it in the store
// and jobs map. It returns the new Job's id, or "" if the build was
// rejected or submission failed (both are logged as activity rather than
// returned as errors, since a failed submission must not crash the pass
// loop goroutine).
func (r *sessionRunner) submit(ctx context.Context, st *model.SessionState, stage model.Stage, params model.StageParams, inputs builder.ResolvedInputs) string {
	hint := st.Config.ResourceHints[stage]

	outputDir, err := builder.OutputDir(projectRootFor(st), stage)
	if err != nil {
		log.Printf("orchestrator: output dir for %s/%s: %v", r.sessionID, stage, err)
		return ""
	}

	result, warnings, err := builder.Build(stage, params, hint, inputs, outputDir)
	if err != nil {
		r.store.AppendActivity(ctx, model.ActivityEntry{
			SessionID: r.sessionID, Level: model.LevelError, Stage: stage,
			Kind: model.EventBuilderRejected, Message: err.Error(),
		})
		return ""
	}
	for _, w := range warnings {
		r.store.AppendActivity(ctx, model.ActivityEntry{
			SessionID: r.sessionID, Level: model.LevelWarning, Stage: stage,
			Kind: model.EventBuilderRejected, Message: w,
		})
	}

	job := &model.Job{
		ID:        uuid.NewString(),
		ProjectID: st.Config.ProjectID,
		SessionID: r.sessionID,
		Stage:     stage,
		Params:    params.Fields,
		Command:   result.Script,
		OutputDir: outputDir,
		CreatedAt: time.Now(),
		Status:    model.JobPending,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		log.Printf("orchestrator: create job for %s/%s: %v", r.sessionID, stage, err)
		return ""
	}

	scriptPath := outputDir + "/submit.sh"
	if err := writeScript(scriptPath, result.Script); err != nil {
		log.Printf("orchestrator: write script %s: %v", scriptPath, err)
		r.store.TransitionJob(ctx, job.ID, model.JobFailed, err.Error(), true)
		return ""
	}

	schedID, err := r.exec.Submit(ctx, scriptPath)
	if err != nil {
		tail, _ := logparser.TailFile(outputDir + "/slurm.err")
		report := logparser.Parse("", tail)
		msg := err.Error()
		if report.Summary != "" {
			msg = report.Summary
		}
		r.store.TransitionJob(ctx, job.ID, model.JobFailed, msg, true)
		r.store.AppendActivity(ctx, model.ActivityEntry{
			SessionID: r.sessionID, Level: model.LevelError, Stage: stage,
			Kind: model.EventJobFailed, Message: msg,
		})
		return ""
	}

	if err := r.store.SetSchedulerID(ctx, job.ID, schedID); err != nil {
		log.Printf("orchestrator: set scheduler id %s: %v", job.ID, err)
	}

	st.Jobs.Record(stage, job.ID)
	st.CurrentStage = stage
	if err := r.store.UpdateSession(ctx, st); err != nil {
		log.Printf("orchestrator: persist jobs map %s: %v", r.sessionID, err)
	}
	r.store.AppendActivity(ctx, model.ActivityEntry{
		SessionID: r.sessionID, Level: model.LevelInfo, Stage: stage,
		Kind: model.EventJobSubmitted, Message: fmt.Sprintf("submitted %s job %s (scheduler id %s)", stage, job.ID, schedID),
	})
	return job.ID
}

func projectRootFor(st *model.SessionState) string {
	return st.Config.WatchPath + "/.cryoprocess/" + st.Config.ProjectID
}

// writeScript is overridable in tests so a submission script never has to
// touch the real filesystem.
var writeScript = defaultWriteScript

func defaultWriteScript(path, content string) error {
	return os.WriteFile(path, []byte(content), 0755)
}
