package types

import "time"

// ProjectConfig represents the top-level rollout.yaml configuration. Every
// field is optional; config.Load fills defaults for anything left empty.
type ProjectConfig struct {
	ProjectName    string                         `yaml:"projectName"`
	Manifest       string                         `yaml:"manifest"`
	LockFile       string                         `yaml:"lockFile"`
	InstallDir     string                         `yaml:"installDir"`
	BuildDir       string                         `yaml:"buildDir"`
	BackupsDir     string                         `yaml:"backupsDir"`
	IntegrationDir string                         `yaml:"integrationDir"`
	RequiredTools  []string                       `yaml:"requiredTools,omitempty"`
	CommandTimeout string                         `yaml:"commandTimeout,omitempty"` // e.g. "30m"; "0" disables
	Commands       CommandsConfig                 `yaml:"commands"`
	Health         HealthConfig                   `yaml:"health"`
	Local          LocalConfig                    `yaml:"local"`
	Remote         RemoteConfig                   `yaml:"remote"`
	Backup         BackupConfig                   `yaml:"backup"`
	Notify         NotifyConfig                   `yaml:"notify"`
	Environments   map[string]EnvironmentOverride `yaml:"environments,omitempty"`

	// CommandTimeoutDuration is CommandTimeout parsed by config.Load.
	CommandTimeoutDuration time.Duration `yaml:"-"`
}

// CommandsConfig holds the shell command lines run by each stage.
type CommandsConfig struct {
	Install         string `yaml:"install"`
	Test            string `yaml:"test"`
	IntegrationTest string `yaml:"integrationTest"`
	Lint            string `yaml:"lint"`
	Build           string `yaml:"build"`
	Dev             string `yaml:"dev"`
}

// HealthConfig controls the activation health-check loop.
type HealthConfig struct {
	Path           string `yaml:"path"`
	Timeout        string `yaml:"timeout"`        // overall deadline, default "300s"
	Interval       string `yaml:"interval"`       // delay between probes, default "5s"
	RequestTimeout string `yaml:"requestTimeout"` // per-probe timeout, default "10s"

	TimeoutDuration        time.Duration `yaml:"-"`
	IntervalDuration       time.Duration `yaml:"-"`
	RequestTimeoutDuration time.Duration `yaml:"-"`
}

// LocalConfig configures the local activation strategy.
type LocalConfig struct {
	BaseURL     string `yaml:"baseUrl"`
	Port        int    `yaml:"port"`
	KillPattern string `yaml:"killPattern"`
}

// RemoteConfig configures the process-manager activation strategy.
type RemoteConfig struct {
	ProcessManager string `yaml:"processManager"`
	EcosystemFile  string `yaml:"ecosystemFile"`
	EntryScript    string `yaml:"entryScript"`
	ProductionPort int    `yaml:"productionPort"`
	DefaultPort    int    `yaml:"defaultPort"`
}

// BackupConfig configures production backups.
type BackupConfig struct {
	// FailOnError makes a backup failure fatal before production activation.
	FailOnError *bool  `yaml:"failOnError,omitempty"`
	Bucket      string `yaml:"bucket,omitempty"`
	Prefix      string `yaml:"prefix,omitempty"`
}

// Fatal reports whether a backup failure should abort the run.
func (b BackupConfig) Fatal() bool {
	return b.FailOnError == nil || *b.FailOnError
}

// NotifyConfig configures notification sinks.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhookUrl,omitempty"`
	SNSTopicARN string `yaml:"snsTopicArn,omitempty"`
	File        string `yaml:"file,omitempty"`
	Console     *bool  `yaml:"console,omitempty"`
}

// EnvironmentOverride replaces the default URL or branch of a known environment.
type EnvironmentOverride struct {
	URL    string `yaml:"url,omitempty"`
	Branch string `yaml:"branch,omitempty"`
}
