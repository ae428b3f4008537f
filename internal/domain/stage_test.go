package domain

import "testing"

func TestStageForJob(t *testing.T) {
	st, ok := StageForJob("deploy_to_qa")
	if !ok || st != StageQA {
		t.Errorf("expected QA, got %v (ok=%v)", st, ok)
	}
	if _, ok := StageForJob("build"); ok {
		t.Error("build is not a deployment stage job")
	}
}

func TestPrerequisites(t *testing.T) {
	if got := StageQA.Prerequisites(); len(got) != 0 {
		t.Errorf("QA has no prerequisites, got %v", got)
	}
	if got := StageProduction.Prerequisites(); len(got) != 2 || got[0] != StageQA || got[1] != StageStaging {
		t.Errorf("Production requires QA then Staging, got %v", got)
	}
}

func TestParseStage(t *testing.T) {
	for _, in := range []string{"Staging", "deploy_to_staging"} {
		st, ok := ParseStage(in)
		if !ok || st != StageStaging {
			t.Errorf("ParseStage(%q) = %v, %v", in, st, ok)
		}
	}
}

func TestPipelineStatusTerminal(t *testing.T) {
	for s, want := range map[PipelineStatus]bool{
		StatusSuccess: true, StatusFailed: true, StatusCanceled: true,
		StatusRunning: false, StatusManual: false, StatusWaitingForResource: false,
		StatusSkipped: false,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, !want, want)
		}
	}
}
