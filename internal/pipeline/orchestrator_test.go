package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/rollout/internal/activation"
	"github.com/dwsmith1983/rollout/internal/backup"
	"github.com/dwsmith1983/rollout/internal/config"
	"github.com/dwsmith1983/rollout/internal/runner"
	"github.com/dwsmith1983/rollout/internal/testutil"
	"github.com/dwsmith1983/rollout/pkg/types"
)

type recordNotifier struct {
	alerts []types.Alert
	err    error
}

func (n *recordNotifier) Dispatch(_ context.Context, a types.Alert) error {
	n.alerts = append(n.alerts, a)
	return n.err
}

type harness struct {
	dir      string
	cfg      *types.ProjectConfig
	runner   *testutil.FakeRunner
	checker  *testutil.StubChecker
	notifier *recordNotifier
}

// newHarness creates a built, installed Node workspace with node and npm on
// the fake PATH.
func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"svc"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package-lock.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "node_modules"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dist"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dist", "index.js"), []byte("// built"), 0o644))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "package.json"), old, old))

	return &harness{
		dir:      dir,
		cfg:      config.Default(),
		runner:   testutil.NewFakeRunner("node", "npm"),
		checker:  &testutil.StubChecker{},
		notifier: &recordNotifier{},
	}
}

func (h *harness) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []Option{
		WithWorkDir(h.dir),
		WithRunner(h.runner),
		WithOutput(io.Discard),
		WithLogger(logger),
		WithStrategies(activation.Set{
			Local:  activation.NewLocal(h.runner, h.checker, h.cfg.Local, h.cfg.Commands.Dev, false, logger),
			Remote: activation.NewRemote(h.runner, h.checker, h.cfg.Remote, h.cfg.ProjectName, h.dir, false, logger),
		}),
	}
	o, err := New(h.cfg, h.notifier, append(base, opts...)...)
	require.NoError(t, err)
	return o
}

func stageNames(run *types.PipelineRun) []types.Stage {
	out := make([]types.Stage, len(run.Stages))
	for i, s := range run.Stages {
		out[i] = s.Stage
	}
	return out
}

func outcome(t *testing.T, run *types.PipelineRun, stage types.Stage) types.StageOutcome {
	t.Helper()
	res, ok := run.Result(stage)
	require.True(t, ok, "stage %s not recorded", stage)
	return res.Outcome
}

func listTree(t *testing.T, dir string) []string {
	t.Helper()
	var paths []string
	require.NoError(t, filepath.Walk(dir, func(p string, _ os.FileInfo, err error) error {
		paths = append(paths, p)
		return err
	}))
	sort.Strings(paths)
	return paths
}

func TestRun_UnknownEnvironmentHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	before := listTree(t, h.dir)

	run, err := h.orchestrator(t).Run(context.Background(), "qa", types.RunFlags{})

	var ce *types.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "qa", ce.Environment)
	assert.Nil(t, run)
	assert.Empty(t, h.runner.Ran())
	assert.Empty(t, h.runner.Started())
	assert.Empty(t, h.checker.URLs())
	assert.Empty(t, h.notifier.alerts)
	assert.Equal(t, before, listTree(t, h.dir))
}

func TestRun_ProductionDirtyTreeFailsPrerequisites(t *testing.T) {
	h := newHarness(t)
	h.runner.AddTool("git", "pm2")
	h.runner.OnRun("git status --porcelain", runner.Result{Stdout: " M src/index.js\n"}, nil)

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvProduction, types.RunFlags{})

	var pe *types.PrerequisiteError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "working tree", pe.Check)
	assert.Equal(t, types.RunFailed, run.Outcome)

	assert.Equal(t, []types.Stage{types.StagePrerequisites, types.StageNotify}, stageNames(run))
	assert.Equal(t, types.OutcomeFailure, outcome(t, run, types.StagePrerequisites))
	assert.Equal(t, []string{"git status --porcelain"}, h.runner.Ran())
	assert.Empty(t, h.checker.URLs())
	assert.NoDirExists(t, filepath.Join(h.dir, "backups"))

	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, types.AlertLevelError, h.notifier.alerts[0].Level)
	assert.True(t, strings.HasPrefix(h.notifier.alerts[0].Message, "Deployment failed after "))
}

func TestRun_DevelopmentSkipFlagsUsesLocal(t *testing.T) {
	h := newHarness(t)

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvDevelopment,
		types.RunFlags{SkipTests: true, SkipBuild: true})
	require.NoError(t, err)

	assert.Equal(t, types.StageOrder, stageNames(run))
	assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StagePrerequisites))
	assert.Equal(t, types.OutcomeSkipped, outcome(t, run, types.StageDependencies))
	assert.Equal(t, types.OutcomeSkipped, outcome(t, run, types.StageTests))
	assert.Equal(t, types.OutcomeSkipped, outcome(t, run, types.StageBuild))
	assert.Equal(t, types.OutcomeSkipped, outcome(t, run, types.StageBackup))
	assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StageActivation))
	assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StageNotify))
	assert.Equal(t, types.RunSucceeded, run.Outcome)
	assert.NotEmpty(t, run.RunID)
	assert.False(t, run.FinishedAt.IsZero())

	assert.Equal(t, []string{"pkill -f node.*3000"}, h.runner.Ran())
	started := h.runner.Started()
	require.Len(t, started, 1)
	assert.Equal(t, "npm run dev", started[0].String())
	assert.Equal(t, []string{"http://localhost:3000"}, h.checker.URLs())

	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, types.AlertLevelInfo, h.notifier.alerts[0].Level)
	assert.True(t, strings.HasPrefix(h.notifier.alerts[0].Message, "Deployment completed successfully in "))
}

func TestRun_StagingWithoutProcessManager(t *testing.T) {
	h := newHarness(t)

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvStaging,
		types.RunFlags{SkipTests: true, SkipBuild: true})

	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotImplemented))
	assert.Equal(t, types.RunFailed, run.Outcome)
	assert.Equal(t, types.OutcomeSkipped, outcome(t, run, types.StageActivation))
	assert.Empty(t, h.checker.URLs())

	require.Len(t, h.notifier.alerts, 1)
	assert.Equal(t, types.AlertLevelError, h.notifier.alerts[0].Level)
	assert.Contains(t, h.notifier.alerts[0].Message, "no deployment logic configured")
}

func TestRun_IdempotentActivation(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	flags := types.RunFlags{SkipTests: true, SkipBuild: true}

	first, err1 := o.Run(context.Background(), types.EnvDevelopment, flags)
	second, err2 := o.Run(context.Background(), types.EnvDevelopment, flags)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, outcome(t, first, types.StageActivation), outcome(t, second, types.StageActivation))
	assert.Equal(t, first.Outcome, second.Outcome)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_ActivationNeverBeforePrerequisites(t *testing.T) {
	for _, env := range []string{types.EnvDevelopment, types.EnvStaging, types.EnvProduction} {
		t.Run(env, func(t *testing.T) {
			h := newHarness(t)
			h.runner.AddTool("pm2", "git")
			require.NoError(t, os.Remove(filepath.Join(h.dir, "package.json")))

			run, err := h.orchestrator(t).Run(context.Background(), env, types.RunFlags{})

			var pe *types.PrerequisiteError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "manifest", pe.Check)
			_, activated := run.Result(types.StageActivation)
			assert.False(t, activated)
			assert.Empty(t, h.runner.Ran())
			assert.Empty(t, h.runner.Started())
			assert.Empty(t, h.checker.URLs())
		})
	}
}

func TestRun_MissingTool(t *testing.T) {
	h := newHarness(t)
	h.runner = testutil.NewFakeRunner("node")

	_, err := h.orchestrator(t).Run(context.Background(), types.EnvDevelopment, types.RunFlags{})

	var pe *types.PrerequisiteError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "tool", pe.Check)
	assert.Contains(t, pe.Reason, "npm")
}

func TestRun_ProductionWithoutGitOnlyWarns(t *testing.T) {
	h := newHarness(t)
	h.runner.AddTool("pm2")

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvProduction,
		types.RunFlags{SkipTests: true, SkipBuild: true})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StagePrerequisites))
	assert.NotContains(t, h.runner.Ran(), "git status --porcelain")
}

func TestRun_NotARepositoryOnlyWarns(t *testing.T) {
	h := newHarness(t)
	h.runner.AddTool("pm2", "git")
	h.runner.Fail("git status --porcelain", 128, "fatal: not a git repository")

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvProduction,
		types.RunFlags{SkipTests: true, SkipBuild: true})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StagePrerequisites))
}

func TestRun_DependenciesInstall(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
	}{
		{"install dir missing", func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(filepath.Join(dir, "node_modules")))
		}},
		{"lock file missing", func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(filepath.Join(dir, "package-lock.json")))
		}},
		{"manifest newer than lock file", func(t *testing.T, dir string) {
			old := time.Now().Add(-2 * time.Hour)
			require.NoError(t, os.Chtimes(filepath.Join(dir, "package-lock.json"), old, old))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h.dir)

			run, err := h.orchestrator(t).Run(context.Background(), types.EnvDevelopment,
				types.RunFlags{SkipTests: true, SkipBuild: true})
			require.NoError(t, err)
			assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StageDependencies))
			assert.Equal(t, "npm ci", h.runner.Ran()[0])
		})
	}
}

func TestRun_DependencyInstallFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(filepath.Join(h.dir, "node_modules")))
	h.runner.Fail("npm ci", 1, "npm ERR! code EUSAGE")

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvDevelopment, types.RunFlags{})

	var ee *types.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "npm ci", ee.Command)
	assert.Equal(t, []types.Stage{types.StagePrerequisites, types.StageDependencies, types.StageNotify}, stageNames(run))
}

func TestRun_TestsStage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Join(h.dir, "test", "integration"), 0o755))

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvDevelopment, types.RunFlags{SkipBuild: true})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StageTests))
	assert.Equal(t, []string{
		"npm test",
		"npm run test:integration",
		"npm run lint",
		"pkill -f node.*3000",
	}, h.runner.Ran())
}

func TestRun_TestsWithoutIntegrationSuite(t *testing.T) {
	h := newHarness(t)

	_, err := h.orchestrator(t).Run(context.Background(), types.EnvDevelopment, types.RunFlags{SkipBuild: true})
	require.NoError(t, err)
	assert.NotContains(t, h.runner.Ran(), "npm run test:integration")
}

func TestRun_LintFailureAbortsBeforeBuild(t *testing.T) {
	h := newHarness(t)
	h.runner.Fail("npm run lint", 1, "src/index.js: 'x' is defined but never used")

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvDevelopment, types.RunFlags{})

	require.Error(t, err)
	assert.Equal(t, types.OutcomeFailure, outcome(t, run, types.StageTests))
	_, built := run.Result(types.StageBuild)
	assert.False(t, built)
	assert.NotContains(t, h.runner.Ran(), "npm run build")
	assert.Contains(t, err.Error(), "never used")
}

func TestRun_BuildUsesScopedEnvironment(t *testing.T) {
	h := newHarness(t)
	h.runner.AddTool("pm2")
	t.Setenv("NODE_ENV", "host")

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvStaging, types.RunFlags{SkipTests: true})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StageBuild))
	assert.NoDirExists(t, filepath.Join(h.dir, "dist"), "previous build output is removed")

	var build runner.Command
	for _, c := range h.runner.Commands() {
		if c.String() == "npm run build" {
			build = c
		}
	}
	assert.Equal(t, map[string]string{"NODE_ENV": "staging", "BUILD_ENV": "staging"}, build.Env)
	assert.Equal(t, h.dir, build.Dir)
	assert.Equal(t, "host", os.Getenv("NODE_ENV"))
	assert.Empty(t, os.Getenv("BUILD_ENV"))

	assert.Equal(t, []string{"https://staging.subscription-service.com"}, h.checker.URLs())
}

func TestRun_ProductionBackup(t *testing.T) {
	h := newHarness(t)
	h.runner.AddTool("pm2", "git")

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvProduction,
		types.RunFlags{SkipTests: true, SkipBuild: true})
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StageBackup))
	entries, err := os.ReadDir(filepath.Join(h.dir, "backups"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	backupDir := filepath.Join(h.dir, "backups", entries[0].Name())
	assert.FileExists(t, filepath.Join(backupDir, "dist", "index.js"))
	assert.NoError(t, backup.Verify(backupDir))

	assert.Equal(t, []string{"https://subscription-service.com"}, h.checker.URLs())
	assert.FileExists(t, filepath.Join(h.dir, "ecosystem.config.js"))
}

type failingBackups struct{}

func (failingBackups) Create(context.Context, string, string) (*backup.Backup, error) {
	return nil, errors.New("disk full")
}

func TestRun_BackupFailureIsFatalByDefault(t *testing.T) {
	h := newHarness(t)
	h.runner.AddTool("pm2")

	run, err := h.orchestrator(t, WithBackupCreator(failingBackups{})).Run(context.Background(),
		types.EnvProduction, types.RunFlags{SkipTests: true, SkipBuild: true})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, types.OutcomeFailure, outcome(t, run, types.StageBackup))
	_, activated := run.Result(types.StageActivation)
	assert.False(t, activated)
	assert.Empty(t, h.checker.URLs())
	require.Len(t, h.notifier.alerts, 1)
}

func TestRun_BackupFailureTolerated(t *testing.T) {
	h := newHarness(t)
	h.runner.AddTool("pm2")
	tolerate := false
	h.cfg.Backup.FailOnError = &tolerate

	run, err := h.orchestrator(t, WithBackupCreator(failingBackups{})).Run(context.Background(),
		types.EnvProduction, types.RunFlags{SkipTests: true, SkipBuild: true})

	require.NoError(t, err)
	res, ok := run.Result(types.StageBackup)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeSkipped, res.Outcome)
	assert.Contains(t, res.Detail, "disk full")
	assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StageActivation))
}

func TestRun_HealthTimeoutFailsActivation(t *testing.T) {
	h := newHarness(t)
	h.checker.Err = &types.TimeoutError{Operation: "health check http://localhost:3000/health", Deadline: 300 * time.Second, Attempts: 60}

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvDevelopment,
		types.RunFlags{SkipTests: true, SkipBuild: true})

	var te *types.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 60, te.Attempts)
	assert.Equal(t, types.OutcomeFailure, outcome(t, run, types.StageActivation))
	assert.Equal(t, types.RunFailed, run.Outcome)
	assert.Equal(t, types.OutcomeSuccess, outcome(t, run, types.StageNotify))
}

func TestRun_NotificationFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = &types.NotificationError{Sink: "webhook", Err: errors.New("503")}

	run, err := h.orchestrator(t).Run(context.Background(), types.EnvDevelopment,
		types.RunFlags{SkipTests: true, SkipBuild: true})

	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, run.Outcome)
	res, ok := run.Result(types.StageNotify)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeSuccess, res.Outcome)
	assert.Contains(t, res.Detail, "delivery failed")
}

func TestRun_NilNotifier(t *testing.T) {
	h := newHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(h.cfg, nil,
		WithWorkDir(h.dir),
		WithRunner(h.runner),
		WithOutput(io.Discard),
		WithLogger(logger),
		WithStrategies(activation.Set{
			Local: activation.NewLocal(h.runner, h.checker, h.cfg.Local, h.cfg.Commands.Dev, false, logger),
		}),
	)
	require.NoError(t, err)

	run, err := o.Run(context.Background(), types.EnvDevelopment, types.RunFlags{SkipTests: true, SkipBuild: true})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSkipped, outcome(t, run, types.StageNotify))
}

func TestNew_RejectsUnknownOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Environments = map[string]types.EnvironmentOverride{"qa": {URL: "https://qa.example.com"}}

	_, err := New(cfg, nil)
	var ce *types.ConfigurationError
	assert.True(t, errors.As(err, &ce))
}

func TestFinalMessage(t *testing.T) {
	ok := &types.PipelineRun{Outcome: types.RunSucceeded}
	assert.Equal(t, "Deployment completed successfully in 12.34s", FinalMessage(ok, 12340*time.Millisecond))

	failed := &types.PipelineRun{Outcome: types.RunFailed, Err: errors.New("build: exit status 2")}
	assert.Equal(t, "Deployment failed after 3.21s: build: exit status 2", FinalMessage(failed, 3210*time.Millisecond))
}
