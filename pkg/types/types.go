package types

import "time"

// EnvironmentConfig describes a deployment target. It is resolved once per run
// and never modified afterwards.
type EnvironmentConfig struct {
	Name           string         `yaml:"name" json:"name"`
	TargetURL      string         `yaml:"url" json:"url"`
	RequiredBranch string         `yaml:"branch" json:"branch"`
	Mode           ActivationMode `yaml:"-" json:"mode"`
}

// IsProduction reports whether the environment is the production target.
func (e EnvironmentConfig) IsProduction() bool {
	return e.Name == EnvProduction
}

// Well-known environment names.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// RunFlags are the operator switches for a single invocation.
type RunFlags struct {
	SkipTests bool `json:"skipTests"`
	SkipBuild bool `json:"skipBuild"`
	Verbose   bool `json:"verbose"`
}

// StageResult records the outcome of one stage. Results are append-only.
type StageResult struct {
	Stage    Stage         `json:"stage"`
	Outcome  StageOutcome  `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
}

// PipelineRun is the in-memory record of a single invocation. It is never persisted.
type PipelineRun struct {
	RunID       string            `json:"runId"`
	Environment EnvironmentConfig `json:"environment"`
	Flags       RunFlags          `json:"flags"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt,omitempty"`
	Stages      []StageResult     `json:"stages"`
	Outcome     RunOutcome        `json:"outcome"`
	Err         error             `json:"-"`
}

// Record appends a stage result.
func (r *PipelineRun) Record(res StageResult) {
	r.Stages = append(r.Stages, res)
}

// Result returns the recorded result for a stage, if any.
func (r *PipelineRun) Result(stage Stage) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return s, true
		}
	}
	return StageResult{}, false
}

// Elapsed returns the wall-clock duration of the run so far.
func (r *PipelineRun) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// HealthCheckAttempt records a single probe made by the health checker.
type HealthCheckAttempt struct {
	Timestamp  time.Time    `json:"timestamp"`
	Outcome    ProbeOutcome `json:"outcome"`
	StatusCode int          `json:"statusCode,omitempty"`
	Err        string       `json:"error,omitempty"`
}

// Alert is a pipeline outcome message delivered to notification sinks.
type Alert struct {
	Level       AlertLevel             `json:"level"`
	RunID       string                 `json:"runId,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}
