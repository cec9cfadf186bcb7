package commands

import (
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/chainguard-dev/dockerhub-cache-stack/internal/deploy"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/inspect"
	"github.com/chainguard-dev/dockerhub-cache-stack/internal/log"
)

var StatusCommand = cli.Command{
	Name:  "status",
	Usage: "Report the state of the stack and each of its resources",
	Action: func(c *cli.Context) error {
		ctx := c.Context

		cfg, err := configFrom(c)
		if err != nil {
			return err
		}

		s, err := newSession(ctx, cfg)
		if err != nil {
			return err
		}

		stackStatus := inspect.StackNotFound
		outputs := map[string]string{}

		status, err := s.deploy.Status(ctx, cfg.StackName)
		switch {
		case errors.Is(err, deploy.ErrStackNotFound):
			log.Warn(ctx, "stack does not exist", "stack_name", cfg.StackName)
		case err != nil:
			return err
		default:
			stackStatus = string(status)
			if outputs, err = s.deploy.Outputs(ctx, cfg.StackName); err != nil {
				return err
			}
		}

		report := inspect.NewFromConfig(s.aws).Inspect(ctx, stackStatus, outputs)
		report.StackName = cfg.StackName

		out, err := report.YAML()
		if err != nil {
			return err
		}
		_, err = c.App.Writer.Write(out)
		return err
	},
}
