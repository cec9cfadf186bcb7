package commands

import (
	"github.com/urfave/cli/v2"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/app"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/cachestack"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/env"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/preflight"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/smoke"
)

var SmokeCommand = cli.Command{
	Name:  "smoke",
	Usage: "Deploy the stack, wait for nginx to be served through the cache, then destroy it",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: flagProbeInterval, Usage: "Time between readiness probes", EnvVars: []string{envPrefix + "PROBE_INTERVAL"}},
		&cli.DurationFlag{Name: flagProbeTimeout, Usage: "Time to wait for the service to become ready", EnvVars: []string{envPrefix + "PROBE_TIMEOUT"}},
		&cli.BoolFlag{Name: flagSkipPreflight, Usage: "Do not check the Docker Hub credentials first", EnvVars: []string{envPrefix + "SKIP_PREFLIGHT"}},
		&cli.BoolFlag{Name: flagSkipTeardown, Usage: "Leave the stack deployed afterwards", EnvVars: []string{envPrefix + "SKIP_TEARDOWN"}},
	},
	Action: func(c *cli.Context) error {
		cfg, err := configFrom(c)
		if err != nil {
			return err
		}

		dh, err := env.Load()
		if err != nil {
			return err
		}

		s, err := newSession(c.Context, cfg)
		if err != nil {
			return err
		}

		asm, err := app.Synth(c.Context, cfg)
		if err != nil {
			return err
		}

		return smoke.Smoke(c.Context, &smoke.Tester{
			Config:      cfg,
			Credentials: dh,
			Template:    string(asm.Body),
			Tags:        cachestack.DefaultTags(),
			Preflight:   &preflight.Checker{},
			Deployer:    s.deploy,
		})
	},
}
