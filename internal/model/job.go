package model

import "time"

// JobStatus is the lifecycle status of a Job. success/failed/cancelled are
// terminal and absorbing: once reached, no further transition is applied
// (spec.md §3 invariant, P2).
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether s is one of the absorbing terminal states.
func (s JobStatus) IsTerminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

// Stats holds the pipeline statistics parsed from a job's running output
// (spec.md §3 Job.Mutable.pipelineStatistics).
type Stats struct {
	IterationCount   int     `json:"iterationCount"`
	TotalIterations  int     `json:"totalIterations"`
	MicrographCount  int     `json:"micrographCount"`
	ParticleCount    int     `json:"particleCount"`
	PixelSize        float64 `json:"pixelSize,omitempty"`
	BoxSize          int     `json:"boxSize,omitempty"`
}

// ProgressPercent returns the completion fraction in [0,100], or 0 when
// TotalIterations is unknown.
func (s Stats) ProgressPercent() float64 {
	if s.TotalIterations <= 0 {
		return 0
	}
	pct := float64(s.IterationCount) / float64(s.TotalIterations) * 100.0
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// Job is a single scheduler submission for one pipeline stage.
type Job struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`

	// Immutable at create.
	Stage      Stage          `json:"stage"`
	Params     map[string]any `json:"params"`
	Command    string         `json:"command"`
	OutputDir  string         `json:"outputDir"`
	CreatedAt  time.Time      `json:"createdAt"`

	// Mutable.
	Status         JobStatus  `json:"status"`
	SchedulerID    string     `json:"schedulerId,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	Stats          Stats      `json:"stats"`
}

// Clone returns a deep copy safe for independent mutation.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	if j.Params != nil {
		c.Params = make(map[string]any, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	return &c
}
