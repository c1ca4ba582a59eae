// Package commands implements the CLI for the rollout binary.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/rollout/internal/alert"
	"github.com/dwsmith1983/rollout/internal/backup"
	"github.com/dwsmith1983/rollout/internal/config"
	"github.com/dwsmith1983/rollout/internal/environment"
	"github.com/dwsmith1983/rollout/internal/pipeline"
	"github.com/dwsmith1983/rollout/internal/telemetry"
	"github.com/dwsmith1983/rollout/pkg/types"
)

const long = `Deploy the service through a gated pipeline: prerequisites, dependencies,
tests, build, backup (production only), activation and notify.

Environments:
  development (default)  Start the app locally and wait for http://localhost:3000/health
  staging                Deploy with pm2 and health-check the staging URL
  production             Back up the build, deploy with pm2 and health-check production

Project settings are read from rollout.yaml in the project directory when present.
Set SLACK_WEBHOOK_URL to post the outcome to a webhook.`

const examples = `  rollout                     # Deploy to development
  rollout staging             # Deploy to staging
  rollout production          # Deploy to production
  rollout staging --verbose   # Deploy to staging with command output`

type deployOptions struct {
	skipTests bool
	skipBuild bool
	verbose   bool
	dir       string
}

// NewRootCmd creates the rollout root command.
func NewRootCmd(version string) *cobra.Command {
	opts := deployOptions{}
	cmd := &cobra.Command{
		Use:           "rollout [environment]",
		Short:         "Build, verify and activate a service deployment",
		Long:          long,
		Example:       examples,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := types.EnvDevelopment
			if len(args) == 1 {
				env = args[0]
			}
			return deploy(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), env, opts, version)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.skipTests, "skip-tests", false, "skip running tests")
	f.BoolVar(&opts.skipBuild, "skip-build", false, "skip the build step")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "stream command output and debug logs")
	f.StringVarP(&opts.dir, "dir", "C", ".", "project root: the workspace the pipeline runs in and the location of the optional rollout.yaml")
	return cmd
}

func deploy(ctx context.Context, stdout, stderr io.Writer, envName string, opts deployOptions, version string) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	registry, err := environment.NewRegistry(cfg.Environments)
	if err != nil {
		return err
	}
	if _, err := registry.Resolve(envName); err != nil {
		return fmt.Errorf("%w (available: %s)", err, strings.Join(registry.Names(), ", "))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdown, err := telemetry.Setup(ctx, "rollout", version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("flushing traces failed", "error", err)
		}
	}()

	dispatcher, err := alert.NewDispatcher(cfg.Notify, alert.WithLogger(logger), alert.WithConsoleOutput(stdout))
	if err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("closing notification sinks failed", "error", err)
		}
	}()
	logger.Debug("notification sinks configured", "sinks", dispatcher.Sinks())

	pipeOpts := []pipeline.Option{
		pipeline.WithWorkDir(opts.dir),
		pipeline.WithTracer(tracer),
		pipeline.WithLogger(logger),
		pipeline.WithOutput(stdout),
	}
	creator, err := newBackupCreator(cfg, opts.dir, logger)
	if err != nil {
		return err
	}
	if creator != nil {
		pipeOpts = append(pipeOpts, pipeline.WithBackupCreator(creator))
	}

	orch, err := pipeline.New(cfg, dispatcher, pipeOpts...)
	if err != nil {
		return err
	}

	_, err = orch.Run(ctx, envName, types.RunFlags{
		SkipTests: opts.skipTests,
		SkipBuild: opts.skipBuild,
		Verbose:   opts.verbose,
	})
	return err
}

// newBackupCreator returns a creator that also uploads to S3 when a backup
// bucket is configured, or nil to use the pipeline's local-only default.
func newBackupCreator(cfg *types.ProjectConfig, dir string, logger *slog.Logger) (*backup.Creator, error) {
	if cfg.Backup.Bucket == "" {
		return nil, nil
	}
	up, err := backup.NewUploader(cfg.Backup.Bucket, cfg.Backup.Prefix)
	if err != nil {
		return nil, fmt.Errorf("configuring backup upload: %w", err)
	}
	root := filepath.Join(dir, cfg.BackupsDir)
	return backup.NewCreator(root, backup.WithUploader(up), backup.WithLogger(logger)), nil
}
