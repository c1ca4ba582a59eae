// Package config handles loading and validation of rollout.yaml project configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/rollout/pkg/types"
)

// FileName is the project configuration file looked up in the config directory.
const FileName = "rollout.yaml"

// Environment variables overlaid on the file configuration.
const (
	EnvWebhookURL   = "SLACK_WEBHOOK_URL"
	EnvSNSTopicARN  = "ROLLOUT_SNS_TOPIC_ARN"
	EnvBackupBucket = "ROLLOUT_BACKUP_BUCKET"
	EnvBackupPrefix = "ROLLOUT_BACKUP_PREFIX"
)

// Default returns the configuration used when no rollout.yaml is present:
// a Node.js service built with npm and served by pm2 outside development.
func Default() *types.ProjectConfig {
	return &types.ProjectConfig{
		ProjectName:    "Subscription-Service",
		Manifest:       "package.json",
		LockFile:       "package-lock.json",
		InstallDir:     "node_modules",
		BuildDir:       "dist",
		BackupsDir:     "backups",
		IntegrationDir: filepath.Join("test", "integration"),
		RequiredTools:  []string{"node", "npm"},
		CommandTimeout: "30m",
		Commands: types.CommandsConfig{
			Install:         "npm ci",
			Test:            "npm test",
			IntegrationTest: "npm run test:integration",
			Lint:            "npm run lint",
			Build:           "npm run build",
			Dev:             "npm run dev",
		},
		Health: types.HealthConfig{
			Path:           "/health",
			Timeout:        "300s",
			Interval:       "5s",
			RequestTimeout: "10s",
		},
		Local: types.LocalConfig{
			BaseURL:     "http://localhost:3000",
			Port:        3000,
			KillPattern: "node.*3000",
		},
		Remote: types.RemoteConfig{
			ProcessManager: "pm2",
			EcosystemFile:  "ecosystem.config.js",
			EntryScript:    "./dist/index.js",
			ProductionPort: 3000,
			DefaultPort:    3001,
		},
	}
}

// Load reads rollout.yaml from dir over the defaults, overlays environment
// variables and validates the result. A missing file is not an error.
func Load(dir string) (*types.ProjectConfig, error) {
	cfg := Default()

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *types.ProjectConfig) {
	if v := os.Getenv(EnvWebhookURL); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv(EnvSNSTopicARN); v != "" {
		cfg.Notify.SNSTopicARN = v
	}
	if v := os.Getenv(EnvBackupBucket); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv(EnvBackupPrefix); v != "" {
		cfg.Backup.Prefix = v
	}
}

func validate(cfg *types.ProjectConfig) error {
	if cfg.ProjectName == "" {
		return fmt.Errorf("projectName is required")
	}
	if cfg.Manifest == "" {
		return fmt.Errorf("manifest is required")
	}
	if cfg.BuildDir == "" {
		return fmt.Errorf("buildDir is required")
	}
	if cfg.Commands.Build == "" || cfg.Commands.Install == "" {
		return fmt.Errorf("commands.install and commands.build are required")
	}

	var err error
	if cfg.CommandTimeoutDuration, err = parseDuration("commandTimeout", cfg.CommandTimeout, true); err != nil {
		return err
	}
	if cfg.Health.TimeoutDuration, err = parseDuration("health.timeout", cfg.Health.Timeout, false); err != nil {
		return err
	}
	if cfg.Health.IntervalDuration, err = parseDuration("health.interval", cfg.Health.Interval, false); err != nil {
		return err
	}
	if cfg.Health.RequestTimeoutDuration, err = parseDuration("health.requestTimeout", cfg.Health.RequestTimeout, false); err != nil {
		return err
	}

	if cfg.Local.Port <= 0 {
		return fmt.Errorf("local.port must be positive")
	}
	if cfg.Remote.ProcessManager == "" {
		return fmt.Errorf("remote.processManager is required")
	}
	if cfg.Remote.ProductionPort <= 0 || cfg.Remote.DefaultPort <= 0 {
		return fmt.Errorf("remote ports must be positive")
	}
	return nil
}

// parseDuration parses a config duration. Only fields that allow it may be
// zero, which disables the bound.
func parseDuration(field, s string, allowZero bool) (time.Duration, error) {
	if s == "" && allowZero {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("%s must be positive, got %q", field, s)
	}
	return d, nil
}
