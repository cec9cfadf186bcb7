// Package commands implements the dockerhub-cache-stack command line.
package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/urfave/cli/v2"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/app"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/config"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/deploy"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/log"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/o11y"
)

const envPrefix = "DHCACHE_"

var errAWSConfig = errors.New("failed to load AWS configuration")

// Flag names shared between the global flag set and configFrom.
const (
	flagDebug         = "debug"
	flagLogDir        = "log-dir"
	flagStackID       = "stack-id"
	flagStackName     = "stack-name"
	flagAccount       = "account"
	flagRegion        = "region"
	flagOutdir        = "outdir"
	flagMaxWait       = "max-wait"
	flagFormat        = "format"
	flagProbeInterval = "probe-interval"
	flagProbeTimeout  = "probe-timeout"
	flagSkipPreflight = "skip-preflight"
	flagSkipTeardown  = "skip-teardown"
	flagReference     = "reference"
)

// loadAWSConfig resolves the shared AWS configuration, overriding the region
// when one is given.
var loadAWSConfig = func(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// New returns the root command.
func New(version string) *cli.App {
	var (
		closeLog = func() {}
		shutdown = func(context.Context) error { return nil }
	)

	return &cli.App{
		Name:    "dockerhub-cache-stack",
		Usage:   "Deploy an ECR pull-through cache for Docker Hub behind an App Runner service",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: flagDebug, Usage: "Log debug messages", EnvVars: []string{envPrefix + "DEBUG"}},
			&cli.StringFlag{Name: flagLogDir, Usage: "Also write JSON logs to a file in this directory", EnvVars: []string{envPrefix + "LOG_DIR"}},
			&cli.StringFlag{Name: flagStackID, Usage: "Construct ID of the stack", EnvVars: []string{envPrefix + "STACK_ID"}},
			&cli.StringFlag{Name: flagStackName, Usage: "CloudFormation stack name (default: the stack ID)", EnvVars: []string{envPrefix + "STACK_NAME"}},
			&cli.StringFlag{Name: flagAccount, Usage: "Target AWS account", EnvVars: []string{config.EnvDefaultAccount}},
			&cli.StringFlag{Name: flagRegion, Usage: "Target AWS region", EnvVars: []string{config.EnvDefaultRegion, "AWS_REGION"}},
			&cli.StringFlag{Name: flagOutdir, Usage: "Cloud assembly output directory", EnvVars: []string{"CDK_OUTDIR"}},
			&cli.DurationFlag{Name: flagMaxWait, Usage: "Maximum time to wait for a stack operation", EnvVars: []string{envPrefix + "MAX_WAIT"}},
		},
		Commands: []*cli.Command{
			&SynthCommand,
			&DeployCommand,
			&DestroyCommand,
			&StatusCommand,
			&PreflightCommand,
			&SmokeCommand,
		},
		Before: func(c *cli.Context) error {
			ctx := log.Setup(c.Context, c.App.ErrWriter, c.Bool(flagDebug))

			name := c.String(flagStackName)
			if name == "" {
				name = c.String(flagStackID)
			}
			if name == "" {
				name = "dockerhub-cache-stack"
			}
			ctx, closeLog = log.SetupFileLogging(ctx, c.String(flagLogDir), name)

			var err error
			shutdown, err = o11y.SetupTracing(ctx)
			if err != nil {
				log.Warn(ctx, "failed to set up tracing", "error", err)
			}

			c.Context = log.With(ctx, "command", c.Args().First())
			return nil
		},
		After: func(c *cli.Context) error {
			if err := shutdown(context.WithoutCancel(c.Context)); err != nil {
				log.Warn(c.Context, "failed to flush traces", "error", err)
			}
			closeLog()
			return nil
		},
	}
}

// configFrom builds a validated Config from the flags visible to c.
func configFrom(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{
		StackID:       c.String(flagStackID),
		StackName:     c.String(flagStackName),
		Outdir:        c.String(flagOutdir),
		Account:       c.String(flagAccount),
		Region:        c.String(flagRegion),
		MaxWait:       c.Duration(flagMaxWait),
		LogDir:        c.String(flagLogDir),
		Format:        c.String(flagFormat),
		ProbeInterval: c.Duration(flagProbeInterval),
		ProbeTimeout:  c.Duration(flagProbeTimeout),
		SkipPreflight: c.Bool(flagSkipPreflight),
		SkipTeardown:  c.Bool(flagSkipTeardown),
	}
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session carries what the AWS-facing commands share.
type session struct {
	cfg    *config.Config
	aws    aws.Config
	deploy *deploy.Deployer
}

// newSession loads the AWS configuration and resolves the target account and
// region for cfg.
func newSession(ctx context.Context, cfg *config.Config) (*session, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errAWSConfig, err)
	}
	if err := app.ResolveEnv(ctx, cfg, awsCfg, sts.NewFromConfig(awsCfg)); err != nil {
		return nil, err
	}

	return &session{
		cfg:    cfg,
		aws:    awsCfg,
		deploy: deploy.New(cloudformation.NewFromConfig(awsCfg), cfg.MaxWait),
	}, nil
}
