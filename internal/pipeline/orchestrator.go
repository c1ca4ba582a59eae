// Package pipeline sequences the deployment stages of a single run:
// prerequisites, dependencies, tests, build, backup, activation and notify.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dwsmith1983/rollout/internal/activation"
	"github.com/dwsmith1983/rollout/internal/backup"
	"github.com/dwsmith1983/rollout/internal/environment"
	"github.com/dwsmith1983/rollout/internal/health"
	"github.com/dwsmith1983/rollout/internal/lifecycle"
	"github.com/dwsmith1983/rollout/internal/metrics"
	"github.com/dwsmith1983/rollout/internal/runner"
	"github.com/dwsmith1983/rollout/pkg/types"
)

// Notifier delivers the final run alert. Errors are informational only.
type Notifier interface {
	Dispatch(ctx context.Context, alert types.Alert) error
}

// BackupCreator snapshots the build output before a production activation.
type BackupCreator interface {
	Create(ctx context.Context, srcDir, label string) (*backup.Backup, error)
}

// Orchestrator runs the deployment pipeline for one workspace.
type Orchestrator struct {
	cfg        *types.ProjectConfig
	registry   *environment.Registry
	notifier   Notifier
	workDir    string
	runner     runner.Runner
	strategies *activation.Set
	backups    BackupCreator
	tracer     trace.Tracer
	logger     *slog.Logger
	out        io.Writer
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkDir sets the workspace the pipeline operates on. Defaults to ".".
func WithWorkDir(dir string) Option {
	return func(o *Orchestrator) { o.workDir = dir }
}

// WithRunner sets the process runner (useful for testing).
func WithRunner(r runner.Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// WithStrategies replaces the activation strategies built from configuration.
func WithStrategies(s activation.Set) Option {
	return func(o *Orchestrator) { o.strategies = &s }
}

// WithBackupCreator replaces the local backup creator.
func WithBackupCreator(b BackupCreator) Option {
	return func(o *Orchestrator) { o.backups = b }
}

// WithTracer sets the tracer used for run and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOutput sets where stage banners and the final outcome line are printed.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// WithClock sets the time source for run timestamps and stage durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Environment overrides in cfg are validated here
// so that a bad configuration fails before any run starts.
func New(cfg *types.ProjectConfig, notifier Notifier, opts ...Option) (*Orchestrator, error) {
	registry, err := environment.NewRegistry(cfg.Environments)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		notifier: notifier,
		workDir:  ".",
		tracer:   noop.NewTracerProvider().Tracer("rollout"),
		logger:   slog.Default(),
		out:      os.Stdout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.runner == nil {
		o.runner = runner.New(
			runner.WithLogger(o.logger),
			runner.WithOutput(o.out),
			runner.WithDefaultTimeout(cfg.CommandTimeoutDuration),
		)
	}
	if o.backups == nil {
		o.backups = backup.NewCreator(o.path(cfg.BackupsDir), backup.WithLogger(o.logger))
	}
	return o, nil
}

func (o *Orchestrator) path(name string) string {
	return filepath.Join(o.workDir, name)
}

// activationSet builds the Local and Remote strategies for a run unless they
// were supplied with WithStrategies.
func (o *Orchestrator) activationSet(flags types.RunFlags) activation.Set {
	if o.strategies != nil {
		return *o.strategies
	}
	checker := health.NewChecker(
		health.WithPath(o.cfg.Health.Path),
		health.WithTimeout(o.cfg.Health.TimeoutDuration),
		health.WithRequestTimeout(o.cfg.Health.RequestTimeoutDuration),
		health.WithRetryPolicy(health.FixedInterval(o.cfg.Health.IntervalDuration)),
		health.WithLogger(o.logger),
	)
	return activation.Set{
		Local:  activation.NewLocal(o.runner, checker, o.cfg.Local, o.cfg.Commands.Dev, flags.Verbose, o.logger),
		Remote: activation.NewRemote(o.runner, checker, o.cfg.Remote, o.cfg.ProjectName, o.workDir, flags.Verbose, o.logger),
	}
}

// stageFunc executes one stage. A nil error with OutcomeSkipped is a pass-through.
type stageFunc func(ctx context.Context, run *types.PipelineRun) (types.StageOutcome, string, error)

// Run resolves envName and executes the pipeline against it. An unknown
// environment returns a ConfigurationError before any stage runs and with no
// run record. Otherwise the returned run is complete, including the notify
// stage, and the error is the failure that terminated it.
func (o *Orchestrator) Run(ctx context.Context, envName string, flags types.RunFlags) (*types.PipelineRun, error) {
	env, err := o.registry.Resolve(envName)
	if err != nil {
		return nil, err
	}

	run := &types.PipelineRun{
		RunID:       ulid.Make().String(),
		Environment: env,
		Flags:       flags,
		StartedAt:   o.now(),
		Outcome:     types.RunPending,
	}
	metrics.DeploymentsTotal.Add(1)

	logger := o.logger.With("run_id", run.RunID, "environment", env.Name)
	ctx, span := o.tracer.Start(ctx, "deploy", trace.WithAttributes(
		attribute.String("rollout.run_id", run.RunID),
		attribute.String("rollout.environment", env.Name),
	))
	defer span.End()

	color.New(color.FgCyan, color.Bold).Fprintf(o.out, "Starting deployment to %s\n", env.Name)
	logger.Info("deployment started", "url", env.TargetURL, "branch", env.RequiredBranch,
		"skip_tests", flags.SkipTests, "skip_build", flags.SkipBuild)

	strategies := o.activationSet(flags)
	stages := []struct {
		stage types.Stage
		fn    stageFunc
	}{
		{types.StagePrerequisites, o.checkPrerequisites},
		{types.StageDependencies, o.installDependencies},
		{types.StageTests, o.runTests},
		{types.StageBuild, o.build},
		{types.StageBackup, o.createBackup},
		{types.StageActivation, func(ctx context.Context, run *types.PipelineRun) (types.StageOutcome, string, error) {
			return o.activate(ctx, run, strategies)
		}},
	}

	var tracker lifecycle.Tracker
	for _, s := range stages {
		if err := tracker.Enter(s.stage); err != nil {
			run.Err = err
			break
		}
		if err := o.runStage(ctx, logger, run, s.stage, s.fn); err != nil {
			run.Err = err
			break
		}
	}

	if run.Err != nil {
		run.Outcome = types.RunFailed
		metrics.DeploymentsFailed.Add(1)
		span.RecordError(run.Err)
		span.SetStatus(codes.Error, run.Err.Error())
	} else {
		run.Outcome = types.RunSucceeded
	}

	message := FinalMessage(run, o.now().Sub(run.StartedAt))
	if err := tracker.Enter(types.StageNotify); err != nil {
		logger.Error("cannot enter notify stage", "error", err)
	} else {
		_ = o.runStage(ctx, logger, run, types.StageNotify, func(ctx context.Context, run *types.PipelineRun) (types.StageOutcome, string, error) {
			return o.notify(ctx, run, message)
		})
	}
	run.FinishedAt = o.now()

	if run.Outcome == types.RunSucceeded {
		color.New(color.FgGreen, color.Bold).Fprintln(o.out, message)
		logger.Info("deployment completed", "duration", run.Elapsed())
	} else {
		color.New(color.FgRed, color.Bold).Fprintln(o.out, message)
		logger.Error("deployment failed", "duration", run.Elapsed(), "error", run.Err)
	}
	return run, run.Err
}

// FinalMessage renders the outcome line reported to the operator and to
// notification sinks.
func FinalMessage(run *types.PipelineRun, elapsed time.Duration) string {
	if run.Outcome == types.RunSucceeded {
		return fmt.Sprintf("Deployment completed successfully in %.2fs", elapsed.Seconds())
	}
	return fmt.Sprintf("Deployment failed after %.2fs: %v", elapsed.Seconds(), run.Err)
}

func (o *Orchestrator) runStage(ctx context.Context, logger *slog.Logger, run *types.PipelineRun, stage types.Stage, fn stageFunc) error {
	ctx, span := o.tracer.Start(ctx, string(stage), trace.WithAttributes(
		attribute.String("rollout.stage", string(stage)),
	))
	defer span.End()

	color.New(color.FgCyan).Fprintf(o.out, "==> %s\n", stage)
	logger.Debug("stage started", "stage", stage)

	start := o.now()
	outcome, detail, err := fn(ctx, run)
	if err != nil && outcome == types.OutcomeSuccess {
		outcome = types.OutcomeFailure
	}
	res := types.StageResult{
		Stage:    stage,
		Outcome:  outcome,
		Duration: o.now().Sub(start),
		Detail:   detail,
	}
	run.Record(res)
	span.SetAttributes(attribute.String("rollout.outcome", string(outcome)))

	switch {
	case err != nil:
		if outcome == types.OutcomeFailure {
			metrics.StagesFailed.Add(1)
		} else {
			metrics.StagesSkipped.Add(1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logStageError(logger, stage, outcome, err)
		return fmt.Errorf("%s: %w", stage, err)
	case outcome == types.OutcomeSkipped:
		metrics.StagesSkipped.Add(1)
		color.New(color.FgYellow).Fprintf(o.out, "    skipped: %s\n", detail)
		logger.Info("stage skipped", "stage", stage, "reason", detail)
	default:
		logger.Info("stage completed", "stage", stage, "duration", res.Duration, "detail", detail)
	}
	return nil
}

func logStageError(logger *slog.Logger, stage types.Stage, outcome types.StageOutcome, err error) {
	attrs := []any{"stage", stage, "outcome", outcome, "error", err}
	var ee *types.ExecutionError
	if errors.As(err, &ee) {
		attrs = append(attrs, "command", ee.Command, "exit_code", ee.ExitCode, "output", ee.Output)
	}
	logger.Error("stage failed", attrs...)
}
