// Package logparser implements the Log Error Parser: a bounded, best-effort
// scan of a failed job's stdout/stderr tail that classifies the failure
// into one of a fixed set of categories and attaches a one-line
// explanation and suggestion (spec.md §4.6).
package logparser

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// Category is the closed set of recognized failure causes.
type Category string

const (
	CategoryOOM             Category = "OOM"
	CategorySegFault        Category = "SegFault"
	CategoryCUDAError       Category = "CUDAError"
	CategoryMissingInput    Category = "MissingInput"
	CategoryPermissionDenied Category = "PermissionDenied"
	CategorySchedulerTimeout Category = "SchedulerTimeout"
	CategoryRelionAssertion Category = "RelionAssertion"
	CategoryUnknown         Category = "Unknown"
)

// TailBytes bounds how much of a log file is read from the end (spec.md
// §4.6: bounded tail-read, default 64KiB).
const TailBytes = 64 * 1024

// Finding is one matched line with its classification.
type Finding struct {
	Category Category
	Severity string // "error" | "warning"
	Source   string // "stdout" | "stderr"
	Line     string
	Message  string
}

// Report is the parser's full output for one job's logs.
type Report struct {
	Findings []Finding
	Summary  string // one-line top-issue summary; empty if nothing matched
}

type rule struct {
	category Category
	severity string
	needle   string // case-insensitive substring
	message  string
}

// rules is the static dictionary of explanations, checked in priority
// order (spec.md §4.6: first matching rule per line wins).
var rules = []rule{
	{CategoryOOM, "error", "out of memory", "process exceeded its memory allocation; increase the job's requested memory or reduce batch size"},
	{CategoryOOM, "error", "oom-killer", "the kernel OOM killer terminated the process; increase the job's requested memory"},
	{CategoryOOM, "error", "cuda out of memory", "GPU memory exhausted; reduce batch size or box size, or request a GPU with more memory"},
	{CategoryCUDAError, "error", "cuda error", "a CUDA runtime error occurred; check GPU driver/toolkit compatibility"},
	{CategoryCUDAError, "error", "cublas", "a cuBLAS call failed; check GPU driver/toolkit compatibility"},
	{CategorySegFault, "error", "segmentation fault", "the process crashed with a segmentation fault; this usually indicates corrupt input or a library/ABI mismatch"},
	{CategorySegFault, "error", "sigsegv", "the process crashed with a segmentation fault; this usually indicates corrupt input or a library/ABI mismatch"},
	{CategoryMissingInput, "error", "no such file or directory", "an expected input file was missing; verify the previous stage completed and its output path is correct"},
	{CategoryMissingInput, "error", "cannot find", "an expected input file was missing; verify the previous stage completed and its output path is correct"},
	{CategoryPermissionDenied, "error", "permission denied", "the job lacked filesystem permission for an input or output path; check ownership and mode on the project directory"},
	{CategorySchedulerTimeout, "error", "due to time limit", "the job was killed after exceeding its requested wall time; increase the stage's time limit resource hint"},
	{CategorySchedulerTimeout, "error", "dueto time limit", "the job was killed after exceeding its requested wall time; increase the stage's time limit resource hint"},
	{CategoryRelionAssertion, "error", "error==cudasuccess", "a RELION CUDA assertion failed; check GPU availability and driver/toolkit compatibility"},
	{CategoryRelionAssertion, "error", "relion_fatal_error", "RELION raised a fatal internal assertion; inspect the surrounding log context for the specific check that failed"},
	{CategoryRelionAssertion, "error", "bug:", "RELION raised a fatal internal assertion; inspect the surrounding log context for the specific check that failed"},
}

// categoryPriority orders categories for picking the single top-issue
// summary when multiple categories matched (spec.md §4.6).
var categoryPriority = []Category{
	CategoryOOM, CategorySegFault, CategoryCUDAError, CategorySchedulerTimeout,
	CategoryRelionAssertion, CategoryMissingInput, CategoryPermissionDenied,
}

// Parse scans stdout and stderr and returns a Report. It applies no size
// bound of its own; callers bound each stream to the last TailBytes by
// reading it with TailFile, and Parse just classifies the text it is given.
func Parse(stdout, stderr string) Report {
	var findings []Finding
	findings = append(findings, scan(stdout, "stdout")...)
	findings = append(findings, scan(stderr, "stderr")...)

	return Report{
		Findings: findings,
		Summary:  summarize(findings),
	}
}

func scan(text, source string) []Finding {
	var out []Finding
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		lower := strings.ToLower(line)
		for _, r := range rules {
			if strings.Contains(lower, r.needle) {
				out = append(out, Finding{
					Category: r.category,
					Severity: r.severity,
					Source:   source,
					Line:     strings.TrimSpace(line),
					Message:  r.message,
				})
				break // first matching rule per line wins
			}
		}
	}
	return out
}

func summarize(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	byCategory := make(map[Category]Finding, len(findings))
	for _, f := range findings {
		if _, seen := byCategory[f.Category]; !seen {
			byCategory[f.Category] = f
		}
	}
	for _, cat := range categoryPriority {
		if f, ok := byCategory[cat]; ok {
			return string(f.Category) + ": " + f.Message
		}
	}
	// No prioritized category matched but findings is non-empty: fall back
	// to the first finding (covers a hypothetical future rule whose
	// category isn't yet listed in categoryPriority).
	return string(findings[0].Category) + ": " + findings[0].Message
}

// TailFile reads up to TailBytes from the end of path. A missing file
// returns an empty string rather than an error; parsing that empty text
// yields a Report with no findings and an empty Summary.
func TailFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	size := info.Size()
	if size <= TailBytes {
		data, err := io.ReadAll(f)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	if _, err := f.Seek(-TailBytes, io.SeekEnd); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
