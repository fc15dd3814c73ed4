// Package monitor implements the SLURM Monitor: a single background loop
// that reconciles every active Job's status against the scheduler and the
// RELION marker files its pipeline jobs write on completion (spec.md §4.4).
//
// Precedence on every tick is marker file > squeue > sacct > miss-counter,
// because the marker file is written by the computation itself and cannot
// be fooled by scheduler accounting lag.
package monitor

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/krpothula/cryoprocess/internal/bus"
	"github.com/krpothula/cryoprocess/internal/model"
	"github.com/krpothula/cryoprocess/internal/sched"
	"github.com/krpothula/cryoprocess/internal/store"
)

// Marker file names RELION writes into a job's output directory on exit.
const (
	markerSuccess = "RELION_JOB_EXIT_SUCCESS"
	markerFailure = "RELION_JOB_EXIT_FAILURE"
	markerAbort   = "RELION_JOB_ABORT_NOW"
)

// DefaultInterval is the default tick cadence (spec.md §4.4).
const DefaultInterval = 5 * time.Second

// DefaultGhostThreshold is the number of consecutive misses from both
// squeue and sacct before a job is declared a ghost (spec.md §4.4 step 5).
const DefaultGhostThreshold = 60

// SchedulerClient is the subset of *sched.Executor the Monitor needs,
// narrowed to an interface so tests can substitute a fake scheduler
// without shelling out.
type SchedulerClient interface {
	Squeue(ctx context.Context, ids []string) ([]sched.SqueueRecord, error)
	Sacct(ctx context.Context, ids []string) ([]sched.SacctRecord, error)
}

// Monitor is the SLURM Monitor. One instance serves every session; jobs are
// not partitioned per session because squeue/sacct calls are already
// batched across all active scheduler ids per tick.
type Monitor struct {
	store    *store.Store
	exec     SchedulerClient
	bus      *bus.Bus
	interval time.Duration
	ghostThreshold int

	statFn func(string) (os.FileInfo, error) // overridable for tests

	mu        sync.Mutex
	missCount map[string]int // keyed by scheduler id
}

// New constructs a Monitor with spec.md defaults; override interval/
// threshold with the With* options.
func New(st *store.Store, ex SchedulerClient, b *bus.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		store:          st,
		exec:           ex,
		bus:            b,
		interval:       DefaultInterval,
		ghostThreshold: DefaultGhostThreshold,
		statFn:         os.Stat,
		missCount:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the tick cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithGhostThreshold overrides the consecutive-miss threshold.
func WithGhostThreshold(n int) Option {
	return func(m *Monitor) { m.ghostThreshold = n }
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("monitor: stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	jobs, err := m.store.ActiveJobs(ctx)
	if err != nil {
		log.Printf("monitor: active jobs: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	var needScheduler []*model.Job
	for _, j := range jobs {
		if status, ok := m.checkMarker(j); ok {
			m.apply(ctx, j, status, bus.SourceFile, "marker")
			continue
		}
		needScheduler = append(needScheduler, j)
	}
	if len(needScheduler) == 0 {
		return
	}

	ids := make([]string, len(needScheduler))
	byID := make(map[string]*model.Job, len(needScheduler))
	for i, j := range needScheduler {
		ids[i] = j.SchedulerID
		byID[j.SchedulerID] = j
	}

	squeueRecs, err := m.exec.Squeue(ctx, ids)
	if err != nil {
		log.Printf("monitor: squeue: %v", err)
		squeueRecs = nil
	}
	seenInSqueue := make(map[string]bool, len(squeueRecs))
	for _, rec := range squeueRecs {
		seenInSqueue[rec.JobID] = true
		j := byID[rec.JobID]
		if j == nil {
			continue
		}
		m.resetMiss(rec.JobID)
		status, ok := sched.MapSqueueState(rec.State)
		if !ok {
			log.Printf("monitor: unrecognized squeue state %q for job %s", rec.State, rec.JobID)
			continue
		}
		m.apply(ctx, j, status, bus.SourceSqueue, rec.State)
	}

	var missing []*model.Job
	for _, j := range needScheduler {
		if !seenInSqueue[j.SchedulerID] {
			missing = append(missing, j)
		}
	}
	if len(missing) == 0 {
		return
	}

	missingIDs := make([]string, len(missing))
	for i, j := range missing {
		missingIDs[i] = j.SchedulerID
	}
	sacctRecs, err := m.exec.Sacct(ctx, missingIDs)
	if err != nil {
		log.Printf("monitor: sacct: %v", err)
		sacctRecs = nil
	}
	seenInSacct := make(map[string]bool, len(sacctRecs))
	for _, rec := range sacctRecs {
		seenInSacct[rec.JobID] = true
		j := byID[rec.JobID]
		if j == nil {
			continue
		}
		m.resetMiss(rec.JobID)
		status, ok := sched.MapSacctState(rec.State)
		if !ok {
			log.Printf("monitor: unrecognized sacct state %q for job %s", rec.State, rec.JobID)
			continue
		}
		errMsg := ""
		if status == model.JobFailed {
			errMsg = "exit code " + rec.ExitCode
		}
		m.applyWithError(ctx, j, status, bus.SourceSacct, rec.State, errMsg)
	}

	for _, j := range missing {
		if seenInSacct[j.SchedulerID] {
			continue
		}
		m.handleMiss(ctx, j)
	}
}

// checkMarker inspects a job's output directory for a RELION exit marker,
// which takes precedence over any scheduler-reported state (spec.md §4.4).
func (m *Monitor) checkMarker(j *model.Job) (model.JobStatus, bool) {
	if _, err := m.statFn(filepath.Join(j.OutputDir, markerSuccess)); err == nil {
		return model.JobSuccess, true
	}
	if _, err := m.statFn(filepath.Join(j.OutputDir, markerFailure)); err == nil {
		return model.JobFailed, true
	}
	if _, err := m.statFn(filepath.Join(j.OutputDir, markerAbort)); err == nil {
		return model.JobCancelled, true
	}
	return "", false
}

func (m *Monitor) resetMiss(schedulerID string) {
	m.mu.Lock()
	delete(m.missCount, schedulerID)
	m.mu.Unlock()
}

// handleMiss records a consecutive miss for a job absent from both squeue
// and sacct. Once the miss count reaches the ghost threshold, a final
// marker re-check runs before the job is failed as a ghost (spec.md §4.4
// step 5): scheduler accounting can lag behind a marker file the
// computation already wrote.
func (m *Monitor) handleMiss(ctx context.Context, j *model.Job) {
	m.mu.Lock()
	m.missCount[j.SchedulerID]++
	count := m.missCount[j.SchedulerID]
	m.mu.Unlock()

	if count < m.ghostThreshold {
		return
	}

	if status, ok := m.checkMarker(j); ok {
		m.resetMiss(j.SchedulerID)
		m.apply(ctx, j, status, bus.SourceFile, "marker")
		return
	}

	m.resetMiss(j.SchedulerID)
	m.applyWithError(ctx, j, model.JobFailed, bus.SourceOrphanDetection, "GHOST_JOB", "job vanished from scheduler accounting without a marker file")
}

func (m *Monitor) apply(ctx context.Context, j *model.Job, status model.JobStatus, source bus.Source, raw string) {
	m.applyWithError(ctx, j, status, source, raw, "")
}

func (m *Monitor) applyWithError(ctx context.Context, j *model.Job, status model.JobStatus, source bus.Source, raw, errMsg string) {
	applied, changed, err := m.store.TransitionJob(ctx, j.ID, status, errMsg, true)
	if err != nil {
		log.Printf("monitor: transition job %s: %v", j.ID, err)
		return
	}
	if !changed {
		return
	}
	m.bus.PublishStatus(bus.StatusChange{
		JobID:             j.ID,
		ProjectID:         j.ProjectID,
		OldStatus:         string(j.Status),
		NewStatus:         string(applied),
		RawSchedulerState: raw,
		Source:            source,
	})
}
