package document

import (
	"testing"
	"time"
)

func TestStageOrderIsFixed(t *testing.T) {
	want := []Stage{
		StageReceived,
		StageClassification,
		StageOCR,
		StageAnalysis,
		StageSchemaGen,
		StageValidation,
		StageCompleted,
	}
	got := Stages()
	if len(got) != len(want) {
		t.Fatalf("stage count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNextWalksTheSequence(t *testing.T) {
	stage := StageReceived
	steps := 0
	for {
		next, ok := stage.Next()
		if !ok {
			break
		}
		if !stage.CanTransition(next) {
			t.Errorf("CanTransition(%s -> %s) = false", stage, next)
		}
		stage = next
		steps++
	}
	if stage != StageCompleted {
		t.Errorf("sequence ends at %s, want %s", stage, StageCompleted)
	}
	if steps != 6 {
		t.Errorf("sequence length = %d, want 6", steps)
	}
}

func TestFailedReachableFromAnyNonTerminalStage(t *testing.T) {
	for _, stage := range Stages() {
		want := !stage.IsTerminal()
		if got := stage.CanTransition(StageFailed); got != want {
			t.Errorf("CanTransition(%s -> failed) = %v, want %v", stage, got, want)
		}
	}
}

func TestTerminalStagesAreImmutable(t *testing.T) {
	for _, stage := range []Stage{StageCompleted, StageFailed} {
		for _, next := range append(Stages(), StageFailed) {
			if stage.CanTransition(next) {
				t.Errorf("terminal %s allows transition to %s", stage, next)
			}
		}
	}
}

func TestSkippingStagesIsRejected(t *testing.T) {
	if StageReceived.CanTransition(StageOCR) {
		t.Error("received -> ocr allowed, want rejected")
	}
	if StageOCR.CanTransition(StageValidation) {
		t.Error("ocr -> validation allowed, want rejected")
	}
	if StageAnalysis.CanTransition(StageOCR) {
		t.Error("backward analysis -> ocr allowed, want rejected")
	}
}

func TestParseStage(t *testing.T) {
	for _, stage := range append(Stages(), StageFailed) {
		parsed, err := ParseStage(string(stage))
		if err != nil {
			t.Errorf("ParseStage(%s): %v", stage, err)
		}
		if parsed != stage {
			t.Errorf("ParseStage(%s) = %s", stage, parsed)
		}
	}
	if _, err := ParseStage("shredding"); err == nil {
		t.Error("ParseStage accepted unknown stage")
	}
}

func TestStaleExcludesTerminalAndRecovered(t *testing.T) {
	now := time.Now().UTC()
	old := now.Add(-10 * time.Minute)

	state := NewPipelineState("doc-1", old)
	state.Stage = StageOCR
	if !state.Stale(now, 5*time.Minute) {
		t.Error("aged non-terminal state not reported stale")
	}

	state.AutoRecovered = true
	if state.Stale(now, 5*time.Minute) {
		t.Error("auto-recovered state reported stale")
	}

	state.AutoRecovered = false
	state.Stage = StageCompleted
	if state.Stale(now, 5*time.Minute) {
		t.Error("terminal state reported stale")
	}
}

func TestCloneIsDeep(t *testing.T) {
	state := NewPipelineState("doc-1", time.Now().UTC())
	state.SetResult(StageOCR, []byte(`{"text":"a"}`))

	clone := state.Clone()
	clone.SetResult(StageOCR, []byte(`{"text":"b"}`))
	clone.Stage = StageAnalysis

	if string(state.Result(StageOCR)) != `{"text":"a"}` {
		t.Errorf("original mutated: %s", state.Result(StageOCR))
	}
	if state.Stage != StageReceived {
		t.Errorf("original stage mutated: %s", state.Stage)
	}
}
