package environment

import (
	"errors"
	"testing"

	"github.com/dwsmith1983/rollout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_KnownEnvironments(t *testing.T) {
	reg := Default()
	for _, name := range []string{types.EnvDevelopment, types.EnvStaging, types.EnvProduction} {
		t.Run(name, func(t *testing.T) {
			env, err := reg.Resolve(name)
			require.NoError(t, err)
			assert.Equal(t, name, env.Name)
			assert.NotEmpty(t, env.TargetURL)
			assert.NotEmpty(t, env.RequiredBranch)
		})
	}
}

func TestResolve_Modes(t *testing.T) {
	reg := Default()

	dev, _ := reg.Resolve(types.EnvDevelopment)
	assert.Equal(t, types.ActivationLocal, dev.Mode)

	stg, _ := reg.Resolve(types.EnvStaging)
	assert.Equal(t, types.ActivationRemote, stg.Mode)

	prod, _ := reg.Resolve(types.EnvProduction)
	assert.Equal(t, types.ActivationRemote, prod.Mode)
	assert.True(t, prod.IsProduction())
}

func TestResolve_DistinctTargets(t *testing.T) {
	reg := Default()
	seenURL := map[string]bool{}
	seenBranch := map[string]bool{}
	for _, name := range reg.Names() {
		env, err := reg.Resolve(name)
		require.NoError(t, err)
		assert.False(t, seenURL[env.TargetURL], "duplicate url %s", env.TargetURL)
		assert.False(t, seenBranch[env.RequiredBranch], "duplicate branch %s", env.RequiredBranch)
		seenURL[env.TargetURL] = true
		seenBranch[env.RequiredBranch] = true
	}
}

func TestResolve_Unknown(t *testing.T) {
	_, err := Default().Resolve("qa")
	require.Error(t, err)

	var cfgErr *types.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "qa", cfgErr.Environment)
}

func TestNewRegistry_Overrides(t *testing.T) {
	reg, err := NewRegistry(map[string]types.EnvironmentOverride{
		types.EnvStaging: {URL: "https://stg.internal"},
	})
	require.NoError(t, err)

	env, err := reg.Resolve(types.EnvStaging)
	require.NoError(t, err)
	assert.Equal(t, "https://stg.internal", env.TargetURL)
	assert.Equal(t, "staging", env.RequiredBranch)

	// defaults are untouched
	other, _ := Default().Resolve(types.EnvStaging)
	assert.Equal(t, "https://staging.subscription-service.com", other.TargetURL)
}

func TestNewRegistry_UnknownOverride(t *testing.T) {
	_, err := NewRegistry(map[string]types.EnvironmentOverride{"qa": {URL: "http://qa"}})
	var cfgErr *types.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"development", "production", "staging"}, Default().Names())
}
