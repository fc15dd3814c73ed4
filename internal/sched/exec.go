// Package sched implements the Command Executor: the single entry point
// for shelling out to the external scheduler's client binaries (sbatch,
// squeue, sacct, scancel). No argv is ever concatenated into a shell
// string, and every interpolated identifier is sanitized (spec.md §4.3).
package sched

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Result is the structured outcome of one external command invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// schedulerIDPattern matches a single SLURM job id, optionally with an
// array-task suffix ("123_4"), per spec.md §4.3/§8 P6.
var schedulerIDPattern = regexp.MustCompile(`^\d+(_\d+)?$`)

// ErrInvalidSchedulerID is returned, wrapped, by SanitizeSchedulerID for any
// string not matching the id grammar.
var ErrInvalidSchedulerID = fmt.Errorf("sched: invalid scheduler id")

// SanitizeSchedulerID accepts only strings matching ^\d+(_\d+)?$, rejecting
// anything that could be used to inject extra scheduler-client arguments
// (spec.md §4.3, §8 P6).
func SanitizeSchedulerID(id string) (string, error) {
	if !schedulerIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSchedulerID, id)
	}
	return id, nil
}

// Executor runs scheduler client binaries with a shared rate limit so a
// burst of concurrent sessions cannot overwhelm the node running the
// scheduler client (spec.md §9 DOMAIN STACK).
type Executor struct {
	limiter *rate.Limiter
	timeout time.Duration
	lookup  func(string) (string, error) // overridable for tests
	run     func(ctx context.Context, path string, argv []string) (Result, error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithRateLimit overrides the default 10/s throttle on external command
// invocations.
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(e *Executor) { e.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst) }
}

// WithTimeout overrides the default 10s per-call deadline (spec.md §5).
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// NewExecutor returns an Executor ready for use against a real scheduler.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		timeout: 10 * time.Second,
		lookup:  exec.LookPath,
	}
	e.run = e.runReal
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exec runs binary with argv, never through a shell. Every argv element is
// passed independently to exec.Command (spec.md §4.3). The call is
// rate-limited and bounded by the Executor's timeout unless ctx already
// carries a shorter deadline.
func (e *Executor) Exec(ctx context.Context, binary string, argv []string) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("sched: rate limit wait for %s: %w", binary, err)
	}

	path, err := e.lookup(binary)
	if err != nil {
		return Result{}, fmt.Errorf("sched: %s not found: %w", binary, err)
	}

	return e.run(ctx, path, argv)
}

func (e *Executor) runReal(ctx context.Context, path string, argv []string) (Result, error) {
	cmd := exec.CommandContext(ctx, path, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("sched: running %s: %w", path, runErr)
		}
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// Submit runs `sbatch <script>` and parses the returned job id from
// "Submitted batch job <id>" (spec.md §6).
func (e *Executor) Submit(ctx context.Context, script string) (string, error) {
	res, err := e.Exec(ctx, "sbatch", []string{script})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sched: sbatch exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	id, ok := parseSbatchOutput(res.Stdout)
	if !ok {
		return "", fmt.Errorf("sched: could not parse sbatch output: %q", res.Stdout)
	}
	return id, nil
}

func parseSbatchOutput(stdout string) (string, bool) {
	const prefix = "Submitted batch job "
	idx := strings.Index(stdout, prefix)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(stdout[idx+len(prefix):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// Cancel runs `scancel <id>` after sanitizing id (spec.md §4.4, §4.3 P6).
func (e *Executor) Cancel(ctx context.Context, id string) error {
	clean, err := SanitizeSchedulerID(id)
	if err != nil {
		return err
	}
	res, err := e.Exec(ctx, "scancel", []string{clean})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sched: scancel %s exited %d: %s", clean, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Squeue runs one batched `squeue -j <ids> --format=%i|%t|%M|%L --noheader`
// call over the union of ids (spec.md §4.4 step 3, §6).
func (e *Executor) Squeue(ctx context.Context, ids []string) ([]SqueueRecord, error) {
	clean, err := sanitizeAll(ids)
	if err != nil {
		return nil, err
	}
	if len(clean) == 0 {
		return nil, nil
	}
	res, err := e.Exec(ctx, "squeue", []string{
		"-j", strings.Join(clean, ","),
		"--format=%i|%t|%M|%L",
		"--noheader",
	})
	if err != nil {
		return nil, err
	}
	return ParseSqueue(res.Stdout), nil
}

// Sacct runs one batched `sacct -j <ids> --format=JobID,State,ExitCode,Elapsed
// --noheader --parsable2` call (spec.md §4.4 step 3, §6).
func (e *Executor) Sacct(ctx context.Context, ids []string) ([]SacctRecord, error) {
	clean, err := sanitizeAll(ids)
	if err != nil {
		return nil, err
	}
	if len(clean) == 0 {
		return nil, nil
	}
	res, err := e.Exec(ctx, "sacct", []string{
		"-j", strings.Join(clean, ","),
		"--format=JobID,State,ExitCode,Elapsed",
		"--noheader",
		"--parsable2",
	})
	if err != nil {
		return nil, err
	}
	return ParseSacct(res.Stdout), nil
}

func sanitizeAll(ids []string) ([]string, error) {
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		c, err := SanitizeSchedulerID(id)
		if err != nil {
			return nil, err
		}
		clean = append(clean, c)
	}
	return clean, nil
}
