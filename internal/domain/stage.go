package domain

// EnvironmentStage is the closed set of deployment targets tracked through
// conventionally named manual jobs. Promotion order is QA, Staging,
// Production; Develop stands alone and has no prerequisite stage.
type EnvironmentStage int

const (
	StageQA EnvironmentStage = iota
	StageStaging
	StageProduction
	StageDevelop
)

var stageJobNames = map[EnvironmentStage]string{
	StageQA:         "deploy_to_qa",
	StageStaging:    "deploy_to_staging",
	StageProduction: "deploy_to_production",
	StageDevelop:    "deploy_to_develop",
}

var stageLabels = map[EnvironmentStage]string{
	StageQA:         "QA",
	StageStaging:    "Staging",
	StageProduction: "Production",
	StageDevelop:    "Develop",
}

func (s EnvironmentStage) JobName() string { return stageJobNames[s] }
func (s EnvironmentStage) String() string  { return stageLabels[s] }

// Prerequisites returns the stages that must be uniformly cleared across a
// group before s may be offered.
func (s EnvironmentStage) Prerequisites() []EnvironmentStage {
	switch s {
	case StageStaging:
		return []EnvironmentStage{StageQA}
	case StageProduction:
		return []EnvironmentStage{StageQA, StageStaging}
	}
	return nil
}

// StageForJob maps a job name to its stage, if it is one of the tracked
// deployment jobs.
func StageForJob(name string) (EnvironmentStage, bool) {
	for st, jn := range stageJobNames {
		if jn == name {
			return st, true
		}
	}
	return 0, false
}

// ParseStage accepts either a stage label ("QA") or its job name
// ("deploy_to_qa").
func ParseStage(s string) (EnvironmentStage, bool) {
	for st, label := range stageLabels {
		if label == s {
			return st, true
		}
	}
	return StageForJob(s)
}

// Stages lists every stage in promotion order.
func Stages() []EnvironmentStage {
	return []EnvironmentStage{StageQA, StageStaging, StageProduction, StageDevelop}
}
