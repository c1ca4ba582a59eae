package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dwsmith1983/rollout/internal/activation"
	"github.com/dwsmith1983/rollout/internal/runner"
	"github.com/dwsmith1983/rollout/pkg/types"
)

func (o *Orchestrator) command(line string, run *types.PipelineRun) runner.Command {
	c := runner.Shell(line)
	c.Dir = o.workDir
	c.Stream = run.Flags.Verbose
	return c
}

func (o *Orchestrator) checkPrerequisites(ctx context.Context, run *types.PipelineRun) (types.StageOutcome, string, error) {
	if _, err := os.Stat(o.path(o.cfg.Manifest)); err != nil {
		return types.OutcomeFailure, "", &types.PrerequisiteError{
			Check:  "manifest",
			Reason: fmt.Sprintf("%s not found", o.cfg.Manifest),
		}
	}

	for _, tool := range o.cfg.RequiredTools {
		if _, err := o.runner.LookPath(tool); err != nil {
			return types.OutcomeFailure, "", &types.PrerequisiteError{
				Check:  "tool",
				Reason: fmt.Sprintf("%s is not installed", tool),
			}
		}
	}

	detail := "manifest and tools present"
	if run.Environment.IsProduction() {
		clean, err := o.workingTreeClean(ctx)
		if err != nil {
			return types.OutcomeFailure, "", err
		}
		if clean {
			detail += ", working tree clean"
		}
	}
	return types.OutcomeSuccess, detail, nil
}

// workingTreeClean reports whether git sees no uncommitted changes. A missing
// git binary or a workspace outside version control is only a warning and
// reports false with no error.
func (o *Orchestrator) workingTreeClean(ctx context.Context) (bool, error) {
	if _, err := o.runner.LookPath("git"); err != nil {
		o.logger.Warn("git not found, skipping working tree check")
		return false, nil
	}

	res, err := o.runner.Run(ctx, runner.Command{
		Name: "git",
		Args: []string{"status", "--porcelain"},
		Dir:  o.workDir,
	})
	if err != nil {
		var te *types.TimeoutError
		if errors.As(err, &te) {
			return false, err
		}
		o.logger.Warn("could not check git status", "error", err)
		return false, nil
	}

	if changes := strings.TrimSpace(res.Stdout); changes != "" {
		return false, &types.PrerequisiteError{
			Check:  "working tree",
			Reason: "uncommitted changes detected:\n" + changes,
		}
	}
	return true, nil
}

// installDependencies installs unless the lock file is at least as new as the
// manifest and the install directory exists. Modification times are a
// staleness heuristic, not a content check.
func (o *Orchestrator) installDependencies(ctx context.Context, run *types.PipelineRun) (types.StageOutcome, string, error) {
	reason := o.installReason()
	if reason == "" {
		return types.OutcomeSkipped, "dependencies up to date", nil
	}
	o.logger.Info("installing dependencies", "reason", reason)

	if _, err := o.runner.Run(ctx, o.command(o.cfg.Commands.Install, run)); err != nil {
		return types.OutcomeFailure, "", err
	}
	return types.OutcomeSuccess, "installed with " + o.cfg.Commands.Install, nil
}

// installReason returns why an install is needed, or "" when it is not.
func (o *Orchestrator) installReason() string {
	if _, err := os.Stat(o.path(o.cfg.InstallDir)); err != nil {
		return o.cfg.InstallDir + " missing"
	}
	manifest, err := os.Stat(o.path(o.cfg.Manifest))
	if err != nil {
		return o.cfg.Manifest + " unreadable"
	}
	lock, err := os.Stat(o.path(o.cfg.LockFile))
	if err != nil {
		return o.cfg.LockFile + " missing"
	}
	if lock.ModTime().Before(manifest.ModTime()) {
		return o.cfg.Manifest + " newer than " + o.cfg.LockFile
	}
	return ""
}

func (o *Orchestrator) runTests(ctx context.Context, run *types.PipelineRun) (types.StageOutcome, string, error) {
	if run.Flags.SkipTests {
		return types.OutcomeSkipped, "skipped by --skip-tests", nil
	}

	steps := []string{o.cfg.Commands.Test}
	if o.cfg.IntegrationDir != "" {
		if info, err := os.Stat(o.path(o.cfg.IntegrationDir)); err == nil && info.IsDir() {
			steps = append(steps, o.cfg.Commands.IntegrationTest)
		}
	}
	steps = append(steps, o.cfg.Commands.Lint)

	var ran []string
	for _, line := range steps {
		if line == "" {
			continue
		}
		if _, err := o.runner.Run(ctx, o.command(line, run)); err != nil {
			return types.OutcomeFailure, "", err
		}
		ran = append(ran, line)
	}
	return types.OutcomeSuccess, strings.Join(ran, "; "), nil
}

func (o *Orchestrator) build(ctx context.Context, run *types.PipelineRun) (types.StageOutcome, string, error) {
	if run.Flags.SkipBuild {
		return types.OutcomeSkipped, "skipped by --skip-build", nil
	}

	if err := os.RemoveAll(o.path(o.cfg.BuildDir)); err != nil {
		return types.OutcomeFailure, "", fmt.Errorf("removing previous build output: %w", err)
	}

	cmd := o.command(o.cfg.Commands.Build, run)
	cmd.Env = map[string]string{
		"NODE_ENV":  run.Environment.Name,
		"BUILD_ENV": run.Environment.Name,
	}
	if _, err := o.runner.Run(ctx, cmd); err != nil {
		return types.OutcomeFailure, "", err
	}
	return types.OutcomeSuccess, "built " + o.cfg.BuildDir + " for " + run.Environment.Name, nil
}

// createBackup snapshots the build output before a production activation.
// Failure aborts the run unless backup.failOnError is false, in which case
// the stage is recorded as skipped with the error as its detail.
func (o *Orchestrator) createBackup(ctx context.Context, run *types.PipelineRun) (types.StageOutcome, string, error) {
	if !run.Environment.IsProduction() {
		return types.OutcomeSkipped, "backups are only taken for production", nil
	}

	b, err := o.backups.Create(ctx, o.path(o.cfg.BuildDir), run.Environment.Name)
	switch {
	case err == nil:
		detail := fmt.Sprintf("%d files in %s", b.Files, b.Dir)
		if b.ObjectKey != "" {
			detail += ", uploaded to " + b.ObjectKey
		}
		return types.OutcomeSuccess, detail, nil
	case b != nil:
		o.logger.Warn("backup upload failed, local copy kept", "dir", b.Dir, "error", err)
		return types.OutcomeSuccess, fmt.Sprintf("%d files in %s, upload failed: %v", b.Files, b.Dir, err), nil
	case o.cfg.Backup.Fatal():
		return types.OutcomeFailure, "", fmt.Errorf("backup failed: %w", err)
	default:
		o.logger.Warn("backup failed, continuing", "error", err)
		return types.OutcomeSkipped, "backup failed: " + err.Error(), nil
	}
}

// activate dispatches to the environment's strategy. A strategy that has no
// way to deploy is recorded as skipped but still fails the run.
func (o *Orchestrator) activate(ctx context.Context, run *types.PipelineRun, strategies activation.Set) (types.StageOutcome, string, error) {
	strategy, err := strategies.For(run.Environment)
	if err != nil {
		return types.OutcomeSkipped, err.Error(), err
	}

	res, err := strategy.Activate(ctx, run.Environment)
	if errors.Is(err, types.ErrNotImplemented) {
		return types.OutcomeSkipped, err.Error(), err
	}
	if err != nil {
		return types.OutcomeFailure, "", err
	}

	detail := fmt.Sprintf("%s ready after %d health checks", strategy.Name(), len(res.Health.Attempts))
	if res.Process != nil {
		detail += fmt.Sprintf(", pid %d", res.Process.PID)
	}
	return types.OutcomeSuccess, detail, nil
}

// notify delivers the final message. Delivery errors never fail the stage,
// and cancellation of the run does not stop delivery.
func (o *Orchestrator) notify(ctx context.Context, run *types.PipelineRun, message string) (types.StageOutcome, string, error) {
	if o.notifier == nil {
		return types.OutcomeSkipped, "no notifier configured", nil
	}

	level := types.AlertLevelInfo
	if run.Outcome != types.RunSucceeded {
		level = types.AlertLevelError
	}

	stages := make([]string, 0, len(run.Stages))
	for _, s := range run.Stages {
		stages = append(stages, fmt.Sprintf("%s=%s", s.Stage, s.Outcome))
	}

	alert := types.Alert{
		Level:       level,
		RunID:       run.RunID,
		Environment: run.Environment.Name,
		Message:     message,
		Details: map[string]interface{}{
			"outcome": string(run.Outcome),
			"stages":  strings.Join(stages, ", "),
			"url":     run.Environment.TargetURL,
		},
		Timestamp: o.now(),
	}
	if err := o.notifier.Dispatch(context.WithoutCancel(ctx), alert); err != nil {
		return types.OutcomeSuccess, "delivery failed: " + err.Error(), nil
	}
	return types.OutcomeSuccess, "sent", nil
}
