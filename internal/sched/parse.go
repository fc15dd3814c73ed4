package sched

import (
	"strconv"
	"strings"

	"github.com/krpothula/cryoprocess/internal/model"
)

// SqueueRecord is one parsed line of `squeue ... --format=%i|%t|%M|%L`.
type SqueueRecord struct {
	JobID     string
	State     string // raw single/double-letter squeue state
	Elapsed   string
	TimeLeft  string
}

// ParseSqueue parses `|`-separated squeue lines (spec.md §4.4 step 3).
// Malformed lines are skipped rather than aborting the whole batch.
func ParseSqueue(output string) []SqueueRecord {
	var out []SqueueRecord
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		out = append(out, SqueueRecord{
			JobID:    strings.TrimSpace(fields[0]),
			State:    strings.TrimSpace(fields[1]),
			Elapsed:  strings.TrimSpace(fields[2]),
			TimeLeft: strings.TrimSpace(fields[3]),
		})
	}
	return out
}

// SacctRecord is one parsed line of
// `sacct --format=JobID,State,ExitCode,Elapsed --parsable2`.
type SacctRecord struct {
	JobID    string
	State    string
	ExitCode string
	Elapsed  string
}

// ParseSacct parses `|`-separated sacct lines. sacct emits one line per
// job step (JobID, JobID.batch, JobID.extern, ...); only the bare JobID
// line (no ".") is used to determine job-level state.
func ParseSacct(output string) []SacctRecord {
	var out []SacctRecord
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		jobID := strings.TrimSpace(fields[0])
		if strings.Contains(jobID, ".") {
			continue
		}
		out = append(out, SacctRecord{
			JobID:    jobID,
			State:    strings.TrimSpace(fields[1]),
			ExitCode: strings.TrimSpace(fields[2]),
			Elapsed:  strings.TrimSpace(fields[3]),
		})
	}
	return out
}

// squeueStateMap implements spec.md §4.4 "State mapping, squeue".
var squeueStateMap = map[string]model.JobStatus{
	"PD": model.JobPending, "CF": model.JobPending,
	"R": model.JobRunning, "CG": model.JobRunning, "S": model.JobRunning, "ST": model.JobRunning,
	"CD": model.JobSuccess,
	"CA": model.JobCancelled,
	"F": model.JobFailed, "TO": model.JobFailed, "NF": model.JobFailed,
	"OOM": model.JobFailed, "PR": model.JobFailed, "BF": model.JobFailed,
}

// MapSqueueState maps a raw squeue state to the internal enum. An unknown
// raw state maps to failed with ok=false so the caller can log a warning
// (spec.md §4.4 step 4).
func MapSqueueState(raw string) (status model.JobStatus, ok bool) {
	st, known := squeueStateMap[strings.ToUpper(raw)]
	if !known {
		return model.JobFailed, false
	}
	return st, true
}

// sacctStateMap implements spec.md §4.4 "State mapping, sacct". sacct
// states can carry a suffix like "CANCELLED by 1000"; callers should match
// on the leading token, which MapSacctState does.
var sacctStateMap = map[string]model.JobStatus{
	"PENDING":       model.JobPending,
	"RUNNING":       model.JobRunning,
	"SUSPENDED":     model.JobRunning,
	"COMPLETING":    model.JobRunning,
	"COMPLETED":     model.JobSuccess,
	"CANCELLED":     model.JobCancelled,
	"FAILED":        model.JobFailed,
	"TIMEOUT":       model.JobFailed,
	"NODE_FAIL":     model.JobFailed,
	"PREEMPTED":     model.JobFailed,
	"BOOT_FAIL":     model.JobFailed,
	"OUT_OF_MEMORY": model.JobFailed,
	"DEADLINE":      model.JobFailed,
}

// MapSacctState maps a raw sacct state to the internal enum (spec.md §4.4).
func MapSacctState(raw string) (status model.JobStatus, ok bool) {
	leading := strings.Fields(raw)
	key := raw
	if len(leading) > 0 {
		key = leading[0]
	}
	key = strings.ToUpper(strings.TrimSuffix(key, "+"))
	st, known := sacctStateMap[key]
	if !known {
		return model.JobFailed, false
	}
	return st, true
}

// ExitCode parses the leading integer of a sacct "ExitCode" field
// ("0:0" -> 0), returning -1 if it cannot be parsed.
func ExitCode(raw string) int {
	parts := strings.SplitN(raw, ":", 2)
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return -1
	}
	return n
}
