package activation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dwsmith1983/rollout/internal/runner"
	"github.com/dwsmith1983/rollout/pkg/types"
)

// Local starts the application as a background process on this machine.
type Local struct {
	runner  runner.Runner
	checker ReadinessChecker
	cfg     types.LocalConfig
	command string
	stream  bool
	logger  *slog.Logger
}

// NewLocal creates the local strategy. command is the shell line that starts
// the application server.
func NewLocal(r runner.Runner, checker ReadinessChecker, cfg types.LocalConfig, command string, stream bool, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{runner: r, checker: checker, cfg: cfg, command: command, stream: stream, logger: logger}
}

// Name returns the strategy identifier.
func (l *Local) Name() string { return string(types.ActivationLocal) }

// Activate stops whatever holds the local port, launches the server in the
// background and waits for it to become healthy. The launched process is
// not reclaimed when the run ends.
func (l *Local) Activate(ctx context.Context, _ types.EnvironmentConfig) (Result, error) {
	l.logger.Info("starting local development server", "port", l.cfg.Port)

	kill := runner.Command{Name: "pkill", Args: []string{"-f", l.cfg.KillPattern}}
	if _, err := l.runner.Run(ctx, kill); err != nil {
		l.logger.Debug("no existing server process stopped", "pattern", l.cfg.KillPattern, "error", err)
	}

	start := runner.Shell(l.command)
	start.Stream = l.stream
	start.Env = map[string]string{"PORT": strconv.Itoa(l.cfg.Port)}

	proc, err := l.runner.Start(ctx, start)
	if err != nil {
		return Result{}, fmt.Errorf("launching local server: %w", err)
	}
	l.logger.Info("local server launched", "pid", proc.PID, "command", proc.Command)

	res := Result{Process: proc}
	res.Health, err = l.checker.WaitForReady(ctx, l.cfg.BaseURL)
	if err != nil {
		return res, err
	}

	l.logger.Info("local deployment completed", "url", l.cfg.BaseURL)
	return res, nil
}
