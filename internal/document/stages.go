package document

import "fmt"

// Stage identifies one step of the processing pipeline.
type Stage string

const (
	StageReceived       Stage = "received"
	StageClassification Stage = "classification"
	StageOCR            Stage = "ocr"
	StageAnalysis       Stage = "analysis"
	StageSchemaGen      Stage = "schema_generation"
	StageValidation     Stage = "validation"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

// stageOrder is the fixed forward sequence. Failed is reachable from any
// non-terminal stage and therefore not part of the sequence.
var stageOrder = []Stage{
	StageReceived,
	StageClassification,
	StageOCR,
	StageAnalysis,
	StageSchemaGen,
	StageValidation,
	StageCompleted,
}

var stageIndex = func() map[Stage]int {
	m := make(map[Stage]int, len(stageOrder))
	for i, stage := range stageOrder {
		m[stage] = i
	}
	return m
}()

// Stages returns the forward pipeline sequence in order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ProcessingStages returns the stages that have an agent bound to them, in
// execution order.
func ProcessingStages() []Stage {
	return []Stage{StageClassification, StageOCR, StageAnalysis, StageSchemaGen, StageValidation}
}

// ParseStage validates a stage name read from the store or the API.
func ParseStage(raw string) (Stage, error) {
	stage := Stage(raw)
	if stage == StageFailed {
		return stage, nil
	}
	if _, ok := stageIndex[stage]; ok {
		return stage, nil
	}
	return "", fmt.Errorf("unknown stage %q", raw)
}

// IsTerminal reports whether the stage ends the pipeline.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Next returns the stage that follows s in the fixed order and false when s
// is terminal or unknown.
func (s Stage) Next() (Stage, bool) {
	idx, ok := stageIndex[s]
	if !ok || idx == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[idx+1], true
}

// CanTransition reports whether moving from s to next respects the fixed
// order. Any non-terminal stage may move to failed.
func (s Stage) CanTransition(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	following, ok := s.Next()
	return ok && following == next
}

func (s Stage) String() string {
	return string(s)
}
