// Package types defines the public domain types for the rollout deployment orchestrator.
package types

// Stage names a single ordered step of a deployment pipeline.
type Stage string

// Stage values in the fixed order a pipeline executes them.
const (
	StagePrerequisites Stage = "prerequisites"
	StageDependencies  Stage = "dependencies"
	StageTests         Stage = "tests"
	StageBuild         Stage = "build"
	StageBackup        Stage = "backup"
	StageActivation    Stage = "activation"
	StageNotify        Stage = "notify"
)

// StageOrder is the total order of pipeline stages.
var StageOrder = []Stage{
	StagePrerequisites,
	StageDependencies,
	StageTests,
	StageBuild,
	StageBackup,
	StageActivation,
	StageNotify,
}

// IsGate reports whether a failure of the stage terminates the run before
// anything with side effects on the target environment happens.
func (s Stage) IsGate() bool {
	switch s {
	case StagePrerequisites, StageDependencies, StageTests, StageBuild:
		return true
	default:
		return false
	}
}

// StageOutcome is the pass/fail/skip result of a stage.
type StageOutcome string

// StageOutcome values.
const (
	OutcomeSuccess StageOutcome = "SUCCESS"
	OutcomeFailure StageOutcome = "FAILURE"
	OutcomeSkipped StageOutcome = "SKIPPED"
)

// RunOutcome is the overall result of a pipeline run.
type RunOutcome string

// RunOutcome values.
const (
	RunPending   RunOutcome = "PENDING"
	RunSucceeded RunOutcome = "SUCCEEDED"
	RunFailed    RunOutcome = "FAILED"
)

// ProbeOutcome classifies a single health probe.
type ProbeOutcome string

// ProbeOutcome values.
const (
	ProbeReady          ProbeOutcome = "READY"
	ProbeNotReady       ProbeOutcome = "NOT_READY"
	ProbeTransportError ProbeOutcome = "TRANSPORT_ERROR"
)

// ActivationMode selects how an environment is made live.
type ActivationMode string

// ActivationMode values.
const (
	ActivationLocal  ActivationMode = "local"
	ActivationRemote ActivationMode = "remote"
)

// AlertLevel is the severity of a notification.
type AlertLevel string

const (
	AlertLevelError   AlertLevel = "error"
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelInfo    AlertLevel = "info"
)

// AlertType defines the notification sink type.
type AlertType string

// AlertType values enumerate the supported notification sink backends.
const (
	AlertConsole AlertType = "console"
	AlertWebhook AlertType = "webhook"
	AlertFile    AlertType = "file"
	AlertSNS     AlertType = "sns"
)
