// Package builder implements the Stage Builders: pure functions that turn a
// typed parameter record plus a resolved input-file set into a scheduler
// submission script and an argv for the computation binary (spec.md §4.2).
//
// Builders never touch the network or the scheduler; OutputDir is the
// only filesystem side effect (creating the stage's Job### directory), and
// even that is deterministic given its inputs.
package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/krpothula/cryoprocess/internal/model"
)

// forbiddenMetachars are shell metacharacters that must never appear in a
// single argv token parsed out of a free-form additional-arguments string
// (spec.md §4.2).
const forbiddenMetachars = ";|&`$()<>{}!\\\n\r"

// flagPattern matches a well-formed `-flag`/`--flag` token.
var flagPattern = regexp.MustCompile(`^--?[A-Za-z][\w-]*$`)

// ResolvedInputs is the set of input files a stage consumes, already
// resolved to absolute paths by the orchestrator from the predecessor
// stage's outputs (spec.md §9 Open Question: the file-name contract
// between stages is external to this package).
type ResolvedInputs struct {
	Files []string
}

// Result is everything a builder produces for one job submission.
type Result struct {
	Argv       []string
	Script     string
	SupportsGPU bool
	SupportsMPI bool
	OutputDir  string
}

// ErrUnknownField is returned when params.Fields carries a key the stage's
// schema does not declare (spec.md §4.2 "unknown keys rejected").
var ErrUnknownField = fmt.Errorf("builder: unknown parameter field")

// stageSchema declares the binary and accepted field names for one stage.
// Builders are data-driven rather than hand-written per stage because the
// spec leaves stage-specific argument semantics external (§9 Open
// Question); every stage still gets real validation (unknown fields
// rejected, argv sanitized) and a real binary/GPU/MPI declaration.
type stageSchema struct {
	binary      string
	fields      map[string]bool // allowed Fields keys
	supportsGPU bool
	supportsMPI bool
}

var schemas = map[model.Stage]stageSchema{
	model.StageImport:       {binary: "relion_import", fields: set("opticsGroup", "moviesDir"), supportsGPU: false, supportsMPI: false},
	model.StageMotionCorr:   {binary: "relion_motioncorr_mpi", fields: set("binFactor", "patchX", "patchY", "doseWeighting", "dosePerFrame"), supportsGPU: true, supportsMPI: true},
	model.StageCtfFind:      {binary: "relion_run_ctffind_mpi", fields: set("boxSize", "minRes", "maxRes", "minDefocus", "maxDefocus"), supportsGPU: false, supportsMPI: true},
	model.StageManualPick:   {binary: "relion_manualpick", fields: set("diameter"), supportsGPU: false, supportsMPI: false},
	model.StageAutoPick:     {binary: "relion_autopick_mpi", fields: set("diameter", "threshold", "referenceFile"), supportsGPU: true, supportsMPI: true},
	model.StageExtract:      {binary: "relion_preprocess_mpi", fields: set("boxSize", "rescaledBoxSize", "diameter"), supportsGPU: false, supportsMPI: true},
	model.StageClass2D:      {binary: "relion_refine", fields: set("numClasses", "maskDiameter", "iterations"), supportsGPU: true, supportsMPI: true},
	model.StageClass3D:      {binary: "relion_refine", fields: set("numClasses", "maskDiameter", "iterations", "referenceMap"), supportsGPU: true, supportsMPI: true},
	model.StageInitialModel: {binary: "relion_refine", fields: set("numClasses", "symmetry"), supportsGPU: true, supportsMPI: true},
	model.StageAutoRefine:   {binary: "relion_refine", fields: set("symmetry", "maskDiameter", "referenceMap"), supportsGPU: true, supportsMPI: true},
	model.StageMaskCreate:   {binary: "relion_mask_create", fields: set("threshold", "extendPx", "softEdgePx"), supportsGPU: false, supportsMPI: false},
	model.StagePostProcess:  {binary: "relion_postprocess", fields: set("maskFile", "mtfFile"), supportsGPU: false, supportsMPI: false},
	model.StageLocalRes:     {binary: "relion_localres", fields: set("maskFile"), supportsGPU: false, supportsMPI: false},
	model.StageCtfRefine:    {binary: "relion_ctf_refine_mpi", fields: set("referenceMap"), supportsGPU: false, supportsMPI: true},
	model.StagePolish:       {binary: "relion_motion_refine_mpi", fields: set("referenceMap"), supportsGPU: true, supportsMPI: true},
	model.StageModelAngelo:  {binary: "model_angelo", fields: set("sequenceFile"), supportsGPU: true, supportsMPI: false},
	model.StageDynamight:    {binary: "dynamight", fields: set("referenceMap"), supportsGPU: true, supportsMPI: false},
	model.StageManualSelect: {binary: "relion_display", fields: set(), supportsGPU: false, supportsMPI: false},
	model.StageSubset:       {binary: "relion_star_handler", fields: set("selectLabel"), supportsGPU: false, supportsMPI: false},
	model.StageSubtract:     {binary: "relion_particle_subtract_mpi", fields: set("referenceMap", "maskFile"), supportsGPU: false, supportsMPI: true},
	model.StageJoinStar:     {binary: "relion_star_handler", fields: set(), supportsGPU: false, supportsMPI: false},
}

func set(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// NextJobIndex scans dir for existing "Job###" entries and returns the next
// free three-digit index (spec.md §4.2 output directory derivation).
func NextJobIndex(stageDir string) int {
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		return 1
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, ok := parseJobDirIndex(e.Name())
		if ok && n > max {
			max = n
		}
	}
	return max + 1
}

func parseJobDirIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "Job") || len(name) != 6 {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(name[3:], "%03d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// OutputDir derives <projectRoot>/<StageKey>/Job###/ and creates it with
// mode 0755 if absent (spec.md §4.2).
func OutputDir(projectRoot string, stage model.Stage) (string, error) {
	stageDir := filepath.Join(projectRoot, string(stage))
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return "", fmt.Errorf("builder: creating stage dir %s: %w", stageDir, err)
	}
	idx := NextJobIndex(stageDir)
	outDir := filepath.Join(stageDir, fmt.Sprintf("Job%03d", idx))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("builder: creating output dir %s: %w", outDir, err)
	}
	return outDir, nil
}

// Build validates params against the stage's schema and produces the argv
// and submission script for it. It is pure aside from the already-created
// outputDir (callers obtain that from OutputDir). warnings lists any
// additional-argument tokens that were dropped (spec.md §8 scenario 6);
// the caller is responsible for turning those into ActivityEntry rows.
func Build(stage model.Stage, params model.StageParams, hint model.ResourceHint, inputs ResolvedInputs, outputDir string) (Result, []string, error) {
	schema, ok := schemas[stage]
	if !ok {
		return Result{}, nil, fmt.Errorf("builder: unknown stage %q", stage)
	}

	for key := range params.Fields {
		if !schema.fields[key] {
			return Result{}, nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, stage, key)
		}
	}

	argv := []string{"--o", outputDir}
	for _, key := range sortedKeys(params.Fields) {
		argv = append(argv, "--"+key, fmt.Sprint(params.Fields[key]))
	}
	for _, f := range inputs.Files {
		argv = append(argv, "--i", f)
	}

	extra, warnings := parseAdditionalArguments(params.AdditionalArguments)
	argv = append(argv, extra...)

	script := renderScript(schema.binary, argv, outputDir, hint, schema.supportsMPI)

	return Result{
		Argv:        argv,
		Script:      script,
		SupportsGPU: schema.supportsGPU,
		SupportsMPI: schema.supportsMPI,
		OutputDir:   outputDir,
	}, warnings, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseAdditionalArguments tokenizes a free-form argument string respecting
// quoted tokens, then drops any token containing a forbidden shell
// metacharacter or any `-flag` token that does not match the allowed
// pattern (spec.md §4.2). If the whole string fails to tokenize (unbalanced
// quotes), the entire string is dropped. A non-empty warnings slice
// documents what was dropped and why, for the caller to log as an
// ActivityEntry (spec.md §8 scenario 6).
func parseAdditionalArguments(raw string) ([]string, []string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	tokens, err := shellquote.Split(raw)
	if err != nil {
		return nil, []string{fmt.Sprintf("additionalArguments dropped: unparsable quoting: %v", err)}
	}

	var kept []string
	var warnings []string
	for _, tok := range tokens {
		if strings.ContainsAny(tok, forbiddenMetachars) {
			warnings = append(warnings, fmt.Sprintf("additionalArguments token dropped (forbidden character): %q", tok))
			continue
		}
		if strings.HasPrefix(tok, "-") && !flagPattern.MatchString(tok) {
			warnings = append(warnings, fmt.Sprintf("additionalArguments token dropped (malformed flag): %q", tok))
			continue
		}
		kept = append(kept, tok)
	}
	return kept, warnings
}

func renderScript(binary string, argv []string, outputDir string, hint model.ResourceHint, mpi bool) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("#SBATCH --job-name=" + filepath.Base(outputDir) + "\n")
	b.WriteString("#SBATCH --output=" + filepath.Join(outputDir, "slurm.out") + "\n")
	b.WriteString("#SBATCH --error=" + filepath.Join(outputDir, "slurm.err") + "\n")
	if hint.Partition != "" {
		b.WriteString("#SBATCH --partition=" + hint.Partition + "\n")
	}
	if hint.GPUs > 0 {
		b.WriteString(fmt.Sprintf("#SBATCH --gres=gpu:%d\n", hint.GPUs))
	}
	if hint.CPUs > 0 {
		b.WriteString(fmt.Sprintf("#SBATCH --cpus-per-task=%d\n", hint.CPUs))
	}
	if hint.MemoryMB > 0 {
		b.WriteString(fmt.Sprintf("#SBATCH --mem=%dM\n", hint.MemoryMB))
	}
	if hint.TimeLimit != "" {
		b.WriteString("#SBATCH --time=" + hint.TimeLimit + "\n")
	}
	b.WriteString("\n")

	launcher := binary
	if mpi {
		launcher = "srun " + binary
	}
	b.WriteString(launcher)
	for _, a := range argv {
		b.WriteString(" " + shellquote.Join(a))
	}
	b.WriteString("\n")
	return b.String()
}
