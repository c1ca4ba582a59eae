// Package activation makes a built artifact live in its target environment
// and confirms it answers health probes.
package activation

import (
	"context"
	"fmt"

	"github.com/dwsmith1983/rollout/internal/health"
	"github.com/dwsmith1983/rollout/internal/runner"
	"github.com/dwsmith1983/rollout/pkg/types"
)

// ReadinessChecker waits for a deployed service to report ready.
type ReadinessChecker interface {
	WaitForReady(ctx context.Context, baseURL string) (health.Result, error)
}

// Strategy activates an environment. Implementations return an error wrapping
// types.ErrNotImplemented when they cannot deploy at all.
type Strategy interface {
	Name() string
	Activate(ctx context.Context, env types.EnvironmentConfig) (Result, error)
}

// Result describes what an activation did.
type Result struct {
	Health     health.Result
	Process    *runner.Process
	ConfigFile string
}

// Set holds one strategy per activation mode.
type Set struct {
	Local  Strategy
	Remote Strategy
}

// For selects the strategy for env: development activates locally, staging
// and production through the process manager.
func (s Set) For(env types.EnvironmentConfig) (Strategy, error) {
	var st Strategy
	switch env.Mode {
	case types.ActivationLocal:
		st = s.Local
	case types.ActivationRemote:
		st = s.Remote
	}
	if st == nil {
		return nil, fmt.Errorf("deployment not configured for environment %s: %w", env.Name, types.ErrNotImplemented)
	}
	return st, nil
}
