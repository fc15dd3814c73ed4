// Package model defines the entity types shared across the orchestrator:
// Session, Job, PassRecord, and ActivityEntry, plus the closed stage enum
// and the scheduler job-status enum.
package model

// Stage identifies one step in the fixed processing pipeline. The stage set
// is closed: no plugin mechanism adds new ones.
type Stage string

const (
	StageImport       Stage = "Import"
	StageMotionCorr   Stage = "MotionCorr"
	StageCtfFind      Stage = "CtfFind"
	StageManualPick   Stage = "ManualPick"
	StageAutoPick     Stage = "AutoPick"
	StageExtract      Stage = "Extract"
	StageClass2D      Stage = "Class2D"
	StageClass3D      Stage = "Class3D"
	StageInitialModel Stage = "InitialModel"
	StageAutoRefine   Stage = "AutoRefine"
	StageMaskCreate   Stage = "MaskCreate"
	StagePostProcess  Stage = "PostProcess"
	StageLocalRes     Stage = "LocalRes"
	StageCtfRefine    Stage = "CtfRefine"
	StagePolish       Stage = "Polish"
	StageModelAngelo  Stage = "ModelAngelo"
	StageDynamight    Stage = "Dynamight"
	StageManualSelect Stage = "ManualSelect"
	StageSubset       Stage = "Subset"
	StageSubtract     Stage = "Subtract"
	StageJoinStar     Stage = "JoinStar"
)

// allStages is the closed enum used for validation.
var allStages = map[Stage]bool{
	StageImport: true, StageMotionCorr: true, StageCtfFind: true,
	StageManualPick: true, StageAutoPick: true, StageExtract: true,
	StageClass2D: true, StageClass3D: true, StageInitialModel: true,
	StageAutoRefine: true, StageMaskCreate: true, StagePostProcess: true,
	StageLocalRes: true, StageCtfRefine: true, StagePolish: true,
	StageModelAngelo: true, StageDynamight: true, StageManualSelect: true,
	StageSubset: true, StageSubtract: true, StageJoinStar: true,
}

// IsValid reports whether s is one of the closed set of stage keys.
func (s Stage) IsValid() bool {
	return allStages[s]
}

// LivePipeline is the fixed, ordered sequence of stages the live orchestrator
// drives. Class2D is appended only when the session enables it and the
// particle threshold has been crossed (spec.md §4.1 step 5); it is not part
// of the per-pass "terminal enabled stage" chain itself.
var LivePipeline = []Stage{
	StageImport,
	StageMotionCorr,
	StageCtfFind,
	StageAutoPick,
	StageExtract,
}
