package activation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dwsmith1983/rollout/internal/runner"
	"github.com/dwsmith1983/rollout/pkg/types"
)

// Remote deploys through a process manager (pm2) and health-checks the
// environment's public URL.
type Remote struct {
	runner      runner.Runner
	checker     ReadinessChecker
	cfg         types.RemoteConfig
	projectName string
	workDir     string
	stream      bool
	logger      *slog.Logger
}

// NewRemote creates the remote strategy. The ecosystem file is written under workDir.
func NewRemote(r runner.Runner, checker ReadinessChecker, cfg types.RemoteConfig, projectName, workDir string, stream bool, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		runner:      r,
		checker:     checker,
		cfg:         cfg,
		projectName: projectName,
		workDir:     workDir,
		stream:      stream,
		logger:      logger,
	}
}

// Name returns the strategy identifier.
func (r *Remote) Name() string { return string(types.ActivationRemote) }

// Port returns the port the application listens on in env.
func (r *Remote) Port(env types.EnvironmentConfig) int {
	if env.IsProduction() {
		return r.cfg.ProductionPort
	}
	return r.cfg.DefaultPort
}

// Activate renders the process-manager config, starts or restarts the app
// and waits for the target URL to become healthy. Without a process manager
// on PATH it returns an error wrapping types.ErrNotImplemented.
func (r *Remote) Activate(ctx context.Context, env types.EnvironmentConfig) (Result, error) {
	r.logger.Info("deploying to remote environment", "url", env.TargetURL)

	if _, err := r.runner.LookPath(r.cfg.ProcessManager); err != nil {
		r.logger.Warn("process manager not found, no deployment logic configured",
			"process_manager", r.cfg.ProcessManager)
		return Result{}, fmt.Errorf("%s not available: %w", r.cfg.ProcessManager, types.ErrNotImplemented)
	}

	app := App{
		Name:   fmt.Sprintf("%s-%s", r.projectName, env.Name),
		Script: r.cfg.EntryScript,
		Env: AppEnv{
			NodeEnv: env.Name,
			Port:    r.Port(env),
		},
	}
	path := filepath.Join(r.workDir, r.cfg.EcosystemFile)
	if err := WriteEcosystem(path, app); err != nil {
		return Result{}, err
	}
	r.logger.Debug("wrote process manager config", "path", path, "app", app.Name)

	cmd := runner.Command{
		Name:   r.cfg.ProcessManager,
		Args:   []string{"startOrRestart", r.cfg.EcosystemFile, "--env", env.Name},
		Dir:    r.workDir,
		Stream: r.stream,
	}
	if _, err := r.runner.Run(ctx, cmd); err != nil {
		return Result{ConfigFile: path}, err
	}

	res := Result{ConfigFile: path}
	var err error
	res.Health, err = r.checker.WaitForReady(ctx, env.TargetURL)
	if err != nil {
		return res, err
	}

	r.logger.Info("process manager deployment completed", "app", app.Name)
	return res, nil
}
