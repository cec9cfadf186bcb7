package commands

import (
	"github.com/urfave/cli/v2"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/env"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/log"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/preflight"
)

var PreflightCommand = cli.Command{
	Name:  "preflight",
	Usage: "Check the Docker Hub credentials against the upstream registry",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: flagReference, Usage: "Image to resolve with the credentials", Value: preflight.DefaultReference},
	},
	Action: func(c *cli.Context) error {
		dh, err := env.Load()
		if err != nil {
			return err
		}

		checker := &preflight.Checker{Reference: c.String(flagReference)}
		if err := checker.Check(c.Context, dh); err != nil {
			return err
		}

		log.Info(c.Context, "docker hub credentials are valid", "username", dh.Username)
		return nil
	},
}
