// Package environment holds the fixed registry of deployment targets.
package environment

import (
	"sort"

	"github.com/dwsmith1983/rollout/pkg/types"
)

var defaults = map[string]types.EnvironmentConfig{
	types.EnvDevelopment: {
		Name:           types.EnvDevelopment,
		TargetURL:      "http://localhost:3000",
		RequiredBranch: "develop",
		Mode:           types.ActivationLocal,
	},
	types.EnvStaging: {
		Name:           types.EnvStaging,
		TargetURL:      "https://staging.subscription-service.com",
		RequiredBranch: "staging",
		Mode:           types.ActivationRemote,
	},
	types.EnvProduction: {
		Name:           types.EnvProduction,
		TargetURL:      "https://subscription-service.com",
		RequiredBranch: "main",
		Mode:           types.ActivationRemote,
	},
}

// Registry maps environment names to their configuration. The name set is
// fixed; overrides can only change the URL or branch of a known name.
type Registry struct {
	envs map[string]types.EnvironmentConfig
}

// NewRegistry builds a registry from the defaults plus any overrides. An
// override naming an unknown environment is a configuration error.
func NewRegistry(overrides map[string]types.EnvironmentOverride) (*Registry, error) {
	envs := make(map[string]types.EnvironmentConfig, len(defaults))
	for name, env := range defaults {
		envs[name] = env
	}
	for name, o := range overrides {
		env, ok := envs[name]
		if !ok {
			return nil, &types.ConfigurationError{Environment: name, Reason: "override for unknown environment"}
		}
		if o.URL != "" {
			env.TargetURL = o.URL
		}
		if o.Branch != "" {
			env.RequiredBranch = o.Branch
		}
		envs[name] = env
	}
	return &Registry{envs: envs}, nil
}

// Default returns a registry with no overrides.
func Default() *Registry {
	r, _ := NewRegistry(nil)
	return r
}

// Resolve returns the configuration for name, or a ConfigurationError.
func (r *Registry) Resolve(name string) (types.EnvironmentConfig, error) {
	env, ok := r.envs[name]
	if !ok {
		return types.EnvironmentConfig{}, &types.ConfigurationError{Environment: name, Reason: "unknown environment"}
	}
	return env, nil
}

// Names returns the registered environment names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.envs))
	for name := range r.envs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
